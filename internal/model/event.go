// internal/model/event.go
package model

import "time"

// Event
// ------------------------------------------------------------
// 입력 스트림에서 들어온 단일 payload.
// 파티션 단위로 순서가 보장되며, Body 는 UTF-8 텍스트
// (단일 JSON 값 또는 JSON Lines) 이다.
// Handler → Manager(partition worker) → archive / pipeline 으로 전달된다.
type Event struct {
	Partition  string    `json:"partition"`
	Seq        int64     `json:"seq"`         // 파티션 내 단조 증가 번호 (checkpoint 기준)
	ReceivedAt time.Time `json:"received_at"` // 수집 시각 (UTC)
	Producer   string    `json:"producer"`    // 송신측 IP (XFF 기반)
	Body       []byte    `json:"-"`
}
