// Package archive 는 수집한 원문 payload 를 S3 에 gzip JSONL 로 보관한다.
//
// 쓰기 경로: Encode → Put(retry) → 실패 시 로컬 DLQ → idle 시 재업로드.
// 읽기 경로(backfill): List → Get → Decode → Payloads.
//
// archive 실패가 추출을 막지 않도록 Archive 는 업로드 실패를 DLQ 로 흡수하고
// key 를 그대로 돌려준다 (재업로드 시 같은 key 로 올라간다).
package archive

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"triage-ingest/internal/metrics"
	"triage-ingest/internal/model"
)

// Result 는 Archive 한 번의 결과.
type Result struct {
	Key     string // batch ref 로 쓰인다
	Events  int
	Bytes   int
	Spooled bool // S3 대신 로컬 DLQ 에 저장됨
}

// Archiver 는 partition worker 가 배치마다 호출하는 archive sink.
type Archiver struct {
	store     *S3Store
	namer     *Namer
	dlq       *DLQ
	metrics   *metrics.Metrics
	rawPrefix string
}

func NewArchiver(store *S3Store, namer *Namer, dlq *DLQ, m *metrics.Metrics, rawPrefix string) *Archiver {
	if m == nil {
		m = metrics.New()
	}
	return &Archiver{store: store, namer: namer, dlq: dlq, metrics: m, rawPrefix: rawPrefix}
}

// Archive
// ------------------------------------------------------------
// 1) 배치를 gzip JSONL 로 인코딩
// 2) <raw>/p=<partition>/dt=/hr=/<file> 로 업로드 (retry)
// 3) 업로드가 끝내 실패하면 같은 filename 으로 로컬 DLQ 에 저장
//
// 에러는 인코딩 실패나 DLQ 저장까지 실패한 경우에만 돌려준다.
func (a *Archiver) Archive(ctx context.Context, partition string, events []*model.Event) (Result, error) {
	if len(events) == 0 {
		return Result{}, nil
	}

	data, err := Encode(events)
	if err != nil {
		return Result{}, fmt.Errorf("archive encode: %w", err)
	}

	filename := a.namer.Filename()
	res := Result{
		Key:    a.namer.Key(a.rawPrefix, partition, filename),
		Events: len(events),
		Bytes:  len(data),
	}

	if err := a.store.Put(ctx, res.Key, data); err == nil {
		atomic.AddInt64(&a.metrics.ArchiveObjectsStoredTotal, 1)
		atomic.AddInt64(&a.metrics.ArchiveEventsStoredTotal, int64(len(events)))
		return res, nil
	} else {
		log.Warn().Err(err).Str("partition", partition).Str("key", res.Key).Int("events", len(events)).
			Msg("[WARN] archive upload failed → DLQ")
	}

	if a.dlq == nil {
		return res, errNoDLQ
	}
	if err := a.dlq.Save(partition, filename, data, len(events)); err != nil {
		return res, err
	}
	res.Spooled = true
	return res, nil
}

// Drain 은 DLQ 파일을 최대 max 개 재업로드한다. 처리한 개수를 돌려준다.
func (a *Archiver) Drain(ctx context.Context, max int) int {
	if a.dlq == nil {
		return 0
	}
	n := 0
	for n < max && a.dlq.ProcessOne(ctx) {
		n++
	}
	return n
}

// Store 는 읽기 경로(backfill)에서 쓰는 S3Store.
func (a *Archiver) Store() *S3Store {
	return a.store
}
