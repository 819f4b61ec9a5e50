package model

import "time"

// Record
// ------------------------------------------------------------
// normalizer 를 통과한 단일 로그 레코드.
// 원본 envelope 는 여기서 버려지고, 이후 단계(episode / bundle)는
// 이 구조체만 본다. 저장되지 않는 ephemeral 값이다.
type Record struct {
	Source    string    // category / resourceId / app/category, 없으면 "unknown"
	Timestamp time.Time // 파싱 실패 시 수집 시각(UTC)
	HasTime   bool      // 원본에 파싱 가능한 timestamp 가 있었는지
	Content   string    // 메시지 본문 (길이 제한 적용됨)
	Severity  Severity

	// trace 상관관계 (bundle 모드에서 사용)
	TraceID   string
	SpanID    string
	Service   string
	Replica   string // container group / container id / revision, 기본 "global"
	Operation string

	// App Insights exception 레코드
	ExceptionType string
	StackTrace    string

	// 배치 내 위치 (1-based). episode line-range 계산에 사용.
	Line int
}
