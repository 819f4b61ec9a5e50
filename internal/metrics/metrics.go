package metrics

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Metrics 는 서버 상태를 나타내는 카운터 모음이다.
// 모든 필드는 sync/atomic 으로만 갱신/조회한다.
type Metrics struct {
	// ======================
	// 입력 (HTTP / stream)
	// ======================

	// HTTPRequestsTotal
	// - /collect, /v1/ingest 로 들어온 모든 요청 수 (시도 기준).
	HTTPRequestsTotal int64

	// EventsAcceptedTotal
	// - partition worker 큐에 정상 enqueue 된 payload 수.
	EventsAcceptedTotal int64

	// EventsRejectedBodyTooLargeTotal
	// - MaxBodySize 초과로 413 을 돌려준 요청 수.
	EventsRejectedBodyTooLargeTotal int64

	// EventsRejectedQueueFullTotal
	// - 파티션 큐가 가득 차 503 을 돌려준 요청 수 (backpressure 발동 횟수).
	// - 지속 증가하면 extract/forward 단계가 입력 속도를 못 따라가는 것.
	EventsRejectedQueueFullTotal int64

	// ======================
	// 추출 파이프라인
	// ======================

	RecordsNormalizedTotal int64

	// RecordsDroppedTotal
	// - metric 레코드, 빈 content, 카테고리 allow-list 밖 레코드의 합.
	RecordsDroppedTotal int64

	// RecordsDroppedByLevelTotal
	// - MinSeverity 미만이라 인시던트가 되지 못한 draft 수.
	RecordsDroppedByLevelTotal int64

	EpisodesTotal           int64
	IncidentsExtractedTotal int64

	// BatchPanicsTotal
	// - 한 배치의 추출 중 panic 이 발생해 건너뛴 횟수. 0 이 아니면 버그.
	BatchPanicsTotal int64

	// ======================
	// forward (embedding + store)
	// ======================

	IncidentsForwardedTotal int64
	UpsertErrorsTotal       int64
	EmbedErrorsTotal        int64
	EmbedCacheHitsTotal     int64
	EmbedCacheMissesTotal   int64

	// VectorsFittedTotal
	// - 저장 차원과 맞지 않아 pad/truncate 된 벡터 수.
	VectorsFittedTotal int64

	// CheckpointsTotal
	// - archive + forward 가 끝나 checkpoint 가 기록된 배치 수.
	CheckpointsTotal int64

	// ======================
	// archive (S3)
	// ======================

	// ArchiveObjectsStoredTotal
	// - RAW prefix 로 저장 성공한 archive 객체 수 (배치 단위).
	ArchiveObjectsStoredTotal int64

	// ArchiveEventsStoredTotal
	// - 위 객체들에 포함된 payload 수.
	ArchiveEventsStoredTotal int64

	// ArchivePutErrorsTotal
	// - PutObject 실패 "시도" 수. 재시도마다 증가한다.
	ArchivePutErrorsTotal int64

	// ======================
	// DLQ (Dead Letter Queue)
	// ======================

	// DLQEventsEnqueuedTotal
	// - archive 업로드 실패로 로컬 DLQ 에 들어간 payload 수.
	DLQEventsEnqueuedTotal int64

	// DLQEventsReuploadedTotal
	// - DLQ 에서 재업로드로 복구된 payload 수 (.meta.json 의 num_events 기준).
	DLQEventsReuploadedTotal int64

	// DLQEventsDroppedTotal
	// - DLQ 용량 초과로 저장조차 못 하고 버린 payload 수.
	// - 0 이 아니면 데이터가 영구 유실되기 시작했다는 뜻.
	DLQEventsDroppedTotal int64

	// DLQFilesExpiredTotal
	// - TTL 또는 용량 정책으로 삭제된 DLQ 파일 수.
	DLQFilesExpiredTotal int64

	// DLQFilesCurrent / DLQSizeBytes
	// - 현재 DLQ 디렉토리 상태 (gauge). 시작 시 디렉토리 스캔으로 복원된다.
	DLQFilesCurrent int64
	DLQSizeBytes    int64
}

func New() *Metrics {
	return &Metrics{}
}

func (m *Metrics) String() string {
	var sb strings.Builder
	sb.Grow(1024)

	fmt.Fprintf(&sb, "http_requests_total=%d\n", atomic.LoadInt64(&m.HTTPRequestsTotal))
	fmt.Fprintf(&sb, "events_accepted_total=%d\n", atomic.LoadInt64(&m.EventsAcceptedTotal))
	fmt.Fprintf(&sb, "events_rejected_body_too_large_total=%d\n", atomic.LoadInt64(&m.EventsRejectedBodyTooLargeTotal))
	fmt.Fprintf(&sb, "events_rejected_queue_full_total=%d\n", atomic.LoadInt64(&m.EventsRejectedQueueFullTotal))

	fmt.Fprintf(&sb, "records_normalized_total=%d\n", atomic.LoadInt64(&m.RecordsNormalizedTotal))
	fmt.Fprintf(&sb, "records_dropped_total=%d\n", atomic.LoadInt64(&m.RecordsDroppedTotal))
	fmt.Fprintf(&sb, "records_dropped_by_level_total=%d\n", atomic.LoadInt64(&m.RecordsDroppedByLevelTotal))
	fmt.Fprintf(&sb, "episodes_total=%d\n", atomic.LoadInt64(&m.EpisodesTotal))
	fmt.Fprintf(&sb, "incidents_extracted_total=%d\n", atomic.LoadInt64(&m.IncidentsExtractedTotal))
	fmt.Fprintf(&sb, "batch_panics_total=%d\n", atomic.LoadInt64(&m.BatchPanicsTotal))

	fmt.Fprintf(&sb, "incidents_forwarded_total=%d\n", atomic.LoadInt64(&m.IncidentsForwardedTotal))
	fmt.Fprintf(&sb, "upsert_errors_total=%d\n", atomic.LoadInt64(&m.UpsertErrorsTotal))
	fmt.Fprintf(&sb, "embed_errors_total=%d\n", atomic.LoadInt64(&m.EmbedErrorsTotal))
	fmt.Fprintf(&sb, "embed_cache_hits_total=%d\n", atomic.LoadInt64(&m.EmbedCacheHitsTotal))
	fmt.Fprintf(&sb, "embed_cache_misses_total=%d\n", atomic.LoadInt64(&m.EmbedCacheMissesTotal))
	fmt.Fprintf(&sb, "vectors_fitted_total=%d\n", atomic.LoadInt64(&m.VectorsFittedTotal))
	fmt.Fprintf(&sb, "checkpoints_total=%d\n", atomic.LoadInt64(&m.CheckpointsTotal))

	fmt.Fprintf(&sb, "archive_objects_stored_total=%d\n", atomic.LoadInt64(&m.ArchiveObjectsStoredTotal))
	fmt.Fprintf(&sb, "archive_events_stored_total=%d\n", atomic.LoadInt64(&m.ArchiveEventsStoredTotal))
	fmt.Fprintf(&sb, "archive_put_errors_total=%d\n", atomic.LoadInt64(&m.ArchivePutErrorsTotal))

	fmt.Fprintf(&sb, "dlq_events_enqueued_total=%d\n", atomic.LoadInt64(&m.DLQEventsEnqueuedTotal))
	fmt.Fprintf(&sb, "dlq_events_reuploaded_total=%d\n", atomic.LoadInt64(&m.DLQEventsReuploadedTotal))
	fmt.Fprintf(&sb, "dlq_events_dropped_total=%d\n", atomic.LoadInt64(&m.DLQEventsDroppedTotal))
	fmt.Fprintf(&sb, "dlq_files_expired_total=%d\n", atomic.LoadInt64(&m.DLQFilesExpiredTotal))
	fmt.Fprintf(&sb, "dlq_files_current=%d\n", atomic.LoadInt64(&m.DLQFilesCurrent))
	fmt.Fprintf(&sb, "dlq_size_bytes=%d\n", atomic.LoadInt64(&m.DLQSizeBytes))

	return sb.String()
}

// SetEmbedCache 는 CachedProvider 의 누적 hit/miss 를 gauge 처럼 덮어쓴다.
func (m *Metrics) SetEmbedCache(hits, misses int64) {
	atomic.StoreInt64(&m.EmbedCacheHitsTotal, hits)
	atomic.StoreInt64(&m.EmbedCacheMissesTotal, misses)
}
