package bundle

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/zeebo/blake3"

	"triage-ingest/internal/model"
)

// Inferrer 는 trace id 가 없는 레코드에 trace id 를 붙인다.
//
//  1. 같은 (service, replica) 의 직전 레코드가 BorrowWindow 안이면 그 trace id 를 빌린다
//  2. 아니면 service + replica + 시간 버킷으로 합성한다
//  3. service 나 timestamp 가 없으면 orphan id
//
// 입력 순서(시간순)에 의존하는 상태 머신이다.
type Inferrer struct {
	borrow time.Duration
	bucket time.Duration
	last   map[string]lastSeen
}

type lastSeen struct {
	trace string
	ts    time.Time
}

func NewInferrer(borrow, bucket time.Duration) *Inferrer {
	return &Inferrer{
		borrow: borrow,
		bucket: bucket,
		last:   make(map[string]lastSeen),
	}
}

func scopeKey(r model.Record) string {
	replica := r.Replica
	if replica == "" {
		replica = "global"
	}
	return r.Service + "|" + replica
}

func hasService(r model.Record) bool {
	return r.Service != "" && r.Service != "unknown"
}

// Assign 은 레코드의 (추론된) trace id 를 돌려주고 내부 상태를 갱신한다.
func (in *Inferrer) Assign(r model.Record) string {
	if !hasService(r) || !r.HasTime {
		if r.TraceID != "" {
			return r.TraceID
		}
		return orphanID(r)
	}

	key := scopeKey(r)
	id := r.TraceID
	if id == "" {
		if prev, ok := in.last[key]; ok {
			if d := r.Timestamp.Sub(prev.ts); d >= 0 && d <= in.borrow {
				id = prev.trace
			}
		}
	}
	if id == "" {
		id = in.synthetic(r)
	}
	in.last[key] = lastSeen{trace: id, ts: r.Timestamp}
	return id
}

func (in *Inferrer) synthetic(r model.Record) string {
	replica := r.Replica
	if replica == "" {
		replica = "global"
	}
	bucket := r.Timestamp.UTC().Truncate(in.bucket)
	return fmt.Sprintf("syn-%s-%s-%s", r.Service, replica, bucket.Format("200601021504"))
}

// Prune 은 before 보다 오래된 상태를 지운다 (스트리밍 모드 메모리 상한).
func (in *Inferrer) Prune(before time.Time) {
	for k, v := range in.last {
		if v.ts.Before(before) {
			delete(in.last, k)
		}
	}
}

func orphanID(r model.Record) string {
	sum := blake3.Sum256([]byte(r.Source + "|" + r.Content))
	return "orphan-" + hex.EncodeToString(sum[:6])
}
