// Package bundle 은 분산 trace id 기준으로 로그를 묶어
// trace 하나당 인시던트 하나(bundle)를 만든다.
//
// 두 가지 모드가 같은 병합 규칙을 공유한다.
//
//	Streamer : 실시간 수집용. trace 당 열린 bundle 하나, 시간 창이 지나면 완료.
//	Batcher  : 재처리/backfill 용. 전체 데이터를 보고 trace id 를 추론한 뒤 묶는다.
package bundle

import (
	"time"

	"triage-ingest/internal/model"
)

// Config
//
//	Window           : 스트리밍 bundle 시간 창 (열린 시점 기준)
//	MinSeverity      : 이 미만의 bundle 은 버린다
//	MaxLogsPerBundle : 본문에 쓰는 최대 레코드 수
//	MaxContentLength : 본문 글자 예산
//	BorrowWindow     : trace id 없는 레코드가 같은 (service, replica) 의 직전 trace 를 빌리는 한도
//	BucketSize       : 합성 trace id 의 시간 버킷
type Config struct {
	Window           time.Duration
	MinSeverity      model.Severity
	MaxLogsPerBundle int
	MaxContentLength int
	BorrowWindow     time.Duration
	BucketSize       time.Duration
	AppRoots         []string
	Now              func() time.Time
}

func DefaultConfig() Config {
	return Config{
		Window:           60 * time.Second,
		MinSeverity:      model.SeverityWarning,
		MaxLogsPerBundle: 100,
		MaxContentLength: model.MaxContentLen,
		BorrowWindow:     30 * time.Second,
		BucketSize:       5 * time.Minute,
		Now:              time.Now,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Window <= 0 {
		c.Window = def.Window
	}
	if c.MaxLogsPerBundle <= 0 {
		c.MaxLogsPerBundle = def.MaxLogsPerBundle
	}
	if c.MaxContentLength <= 0 {
		c.MaxContentLength = def.MaxContentLength
	}
	if c.BorrowWindow <= 0 {
		c.BorrowWindow = def.BorrowWindow
	}
	if c.BucketSize <= 0 {
		c.BucketSize = def.BucketSize
	}
	if c.Now == nil {
		c.Now = def.Now
	}
	return c
}
