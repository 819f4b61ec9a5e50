// internal/worker/manager.go
package worker

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"triage-ingest/internal/archive"
	"triage-ingest/internal/bundle"
	"triage-ingest/internal/metrics"
	"triage-ingest/internal/model"
	"triage-ingest/internal/pipeline"
	"triage-ingest/internal/stream"
)

var (
	ErrQueueFull = errors.New("worker: partition queue full")
	ErrStopped   = errors.New("worker: stopped")
)

// Archiver 는 원문 보관 sink (archive.Archiver).
type Archiver interface {
	Archive(ctx context.Context, partition string, events []*model.Event) (archive.Result, error)
	Drain(ctx context.Context, max int) int
}

// Forwarder 는 임베딩 + upsert 단계 (pipeline.Forwarder).
type Forwarder interface {
	Forward(ctx context.Context, ref string, incs []model.Incident) (pipeline.Forwarded, error)
}

// Options
//
//	ChannelSize   : 파티션별 큐 크기 (가득 차면 ErrQueueFull → 503)
//	BatchSize     : N 개 모이면 배치 처리
//	FlushInterval : 시간 기반 flush 주기 (idle 이면 DLQ 재업로드)
//	ExpireEvery   : streaming bundle 만료 검사 주기
//	DrainPerTick  : idle tick 당 DLQ 재업로드 최대 파일 수
type Options struct {
	ChannelSize   int
	BatchSize     int
	FlushInterval time.Duration
	ExpireEvery   time.Duration
	DrainPerTick  int
	Mode          pipeline.Mode
	Pipeline      pipeline.Options
}

func (o Options) withDefaults() Options {
	if o.ChannelSize <= 0 {
		o.ChannelSize = 1024
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 500
	}
	if o.FlushInterval <= 0 {
		o.FlushInterval = 2 * time.Second
	}
	if o.ExpireEvery <= 0 {
		o.ExpireEvery = time.Second
	}
	if o.DrainPerTick <= 0 {
		o.DrainPerTick = 3
	}
	if o.Mode == "" {
		o.Mode = pipeline.ModeEpisode
	}
	return o
}

// partition 은 파티션 하나의 전용 상태. 자기 goroutine 에서만 만진다.
type partition struct {
	id       string
	ch       chan *model.Event
	proc     *pipeline.Processor
	streamer *bundle.Streamer // mode 가 bundle/both 일 때만
}

// Manager 는 수집 이벤트를 파티션별로 받아 순서대로 처리한다.
//
//	Submit → partition.ch → run (batch) → archive → extract → forward → checkpoint
//
// 파티션마다 goroutine 하나가 자기 큐만 읽으므로 파티션 내 도착 순서가 유지되고,
// 추출 상태(Processor, Streamer)는 파티션끼리 공유하지 않는다.
// 파티션 goroutine 은 첫 이벤트가 들어올 때 띄운다.
type Manager struct {
	opts    Options
	metrics *metrics.Metrics
	arch    Archiver
	fwd     Forwarder
	cp      stream.Checkpointer

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	parts   map[string]*partition
	stopped bool

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewManager: arch, cp 는 nil 가능 (archive 없이 / checkpoint 없이 동작).
func NewManager(opts Options, m *metrics.Metrics, arch Archiver, fwd Forwarder, cp stream.Checkpointer) *Manager {
	if m == nil {
		m = metrics.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		opts:    opts.withDefaults(),
		metrics: m,
		arch:    arch,
		fwd:     fwd,
		cp:      cp,
		ctx:     ctx,
		cancel:  cancel,
		parts:   make(map[string]*partition),
	}
}

// Submit 은 이벤트를 파티션 큐에 넣는다. 블록하지 않는다.
func (m *Manager) Submit(ev *model.Event) error {
	ev.Partition = stream.NormalizePartition(ev.Partition)

	m.mu.RLock()
	if m.stopped {
		m.mu.RUnlock()
		return ErrStopped
	}
	p := m.parts[ev.Partition]
	m.mu.RUnlock()

	if p == nil {
		var err error
		if p, err = m.partitionFor(ev.Partition); err != nil {
			return err
		}
	}

	// close 는 쓰기 락 아래에서만 일어나므로 읽기 락 동안의 send 는 안전하다
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.stopped {
		return ErrStopped
	}

	select {
	case p.ch <- ev:
		atomic.AddInt64(&m.metrics.EventsAcceptedTotal, 1)
		return nil
	default:
		atomic.AddInt64(&m.metrics.EventsRejectedQueueFullTotal, 1)
		return ErrQueueFull
	}
}

func (m *Manager) partitionFor(id string) (*partition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil, ErrStopped
	}
	if p := m.parts[id]; p != nil {
		return p, nil
	}

	p := &partition{
		id:   id,
		ch:   make(chan *model.Event, m.opts.ChannelSize),
		proc: pipeline.New(m.opts.Pipeline),
	}
	if m.opts.Mode.Bundles() {
		p.streamer = bundle.NewStreamer(m.opts.Pipeline.Bundle)
	}
	m.parts[id] = p

	m.wg.Add(1)
	go m.run(p)

	log.Info().Str("partition", id).Msg("[INFO] partition worker started")
	return p, nil
}

// Partitions 는 현재 떠 있는 파티션 id 목록.
func (m *Manager) Partitions() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.parts))
	for id := range m.parts {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Shutdown
//
//  1. 새 Submit 을 막고 파티션 큐를 닫는다
//  2. 각 파티션은 큐에 남은 이벤트를 처리하고, 열린 bundle 을 flush 한 뒤 끝난다
//  3. ctx 가 먼저 끝나면 진행 중인 I/O 를 취소한다 (archive 는 DLQ 로 떨어진다)
//
// 여러 번 불러도 안전하다.
func (m *Manager) Shutdown(ctx context.Context) {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		m.stopped = true
		for _, p := range m.parts {
			close(p.ch)
		}
		m.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("[WARN] shutdown deadline reached, cancelling in-flight work")
		m.cancel()
		<-done
	}
	m.cancel()
}

// run 은 파티션 하나의 collect loop.
// BatchSize 도달 또는 FlushInterval 만료 시 배치를 처리하고,
// 처리할 배치가 없는 tick 에는 DLQ 재업로드를 진행한다.
func (m *Manager) run(p *partition) {
	defer m.wg.Done()

	batch := make([]*model.Event, 0, m.opts.BatchSize)
	timer := time.NewTimer(m.opts.FlushInterval)
	defer timer.Stop()

	var expireC <-chan time.Time
	if p.streamer != nil {
		ticker := time.NewTicker(m.opts.ExpireEvery)
		defer ticker.Stop()
		expireC = ticker.C
	}

	reset := func() {
		// 이미 만료된 타이머는 drain 후 reset
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(m.opts.FlushInterval)
	}

	flush := func() {
		if len(batch) == 0 {
			return
		}
		m.processBatch(p, batch)
		// 새 slice 로 교체 (처리 중 slice 재사용 금지)
		batch = make([]*model.Event, 0, m.opts.BatchSize)
	}

	for {
		select {
		case ev, ok := <-p.ch:
			if !ok {
				flush()
				m.flushBundles(p)
				log.Info().Str("partition", p.id).Msg("[INFO] partition worker exiting")
				return
			}
			batch = append(batch, ev)
			if len(batch) >= m.opts.BatchSize {
				flush()
				reset()
			}

		case <-timer.C:
			if len(batch) > 0 {
				flush()
			} else if m.arch != nil {
				m.arch.Drain(m.ctx, m.opts.DrainPerTick)
			}
			timer.Reset(m.opts.FlushInterval)

		case now := <-expireC:
			if incs := p.streamer.Expire(now); len(incs) > 0 {
				m.forward(p, pipeline.BundleRef(p.id, incs), incs)
			}
		}
	}
}

// processBatch
//
//	1) archive (실패해도 추출은 계속). batch ref 는 payload 내용으로 정한다
//	2) 정규화 + episode 추출 (+ streaming bundle)
//	3) forward (embedding + upsert)
//	4) 1)·3) 이 모두 성공했을 때만 checkpoint
//
// 한 배치의 panic 은 여기서 잡고 다음 배치로 넘어간다.
func (m *Manager) processBatch(p *partition, events []*model.Event) {
	first, last := events[0].Seq, events[len(events)-1].Seq

	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&m.metrics.BatchPanicsTotal, 1)
			log.Error().Str("partition", p.id).Int64("first_seq", first).Int64("last_seq", last).
				Interface("panic", r).Msg("[ERROR] batch panicked, skipped")
		}
	}()

	payloads := make([][]byte, len(events))
	for i, ev := range events {
		payloads[i] = ev.Body
	}
	ref := pipeline.BatchRef(p.id, payloads)

	// archive key 는 원문 위치 표시용으로만 인시던트 refs 에 남긴다
	archived, display := true, ref
	if m.arch != nil {
		res, err := m.arch.Archive(m.ctx, p.id, events)
		if err != nil {
			archived = false
			log.Error().Err(err).Str("partition", p.id).Int("events", len(events)).Msg("[ERROR] archive failed")
		}
		if res.Key != "" {
			display = res.Key
		}
	}

	out := p.proc.Process(pipeline.Input{Ref: display, Payloads: payloads}, m.opts.Mode)
	m.count(out)

	incs := out.Incidents
	if p.streamer != nil {
		for _, r := range out.Records {
			if inc, ok := p.streamer.Add(r); ok {
				incs = append(incs, inc)
			}
		}
	}

	forwarded := m.forward(p, ref, incs)

	if archived && forwarded && m.cp != nil {
		if err := m.cp.Checkpoint(p.id, last); err != nil {
			log.Error().Err(err).Str("partition", p.id).Int64("seq", last).Msg("[ERROR] checkpoint failed")
			return
		}
		atomic.AddInt64(&m.metrics.CheckpointsTotal, 1)
	}
}

func (m *Manager) count(out pipeline.Result) {
	st := out.Stats
	atomic.AddInt64(&m.metrics.RecordsNormalizedTotal, int64(st.Normalized))
	atomic.AddInt64(&m.metrics.RecordsDroppedTotal, int64(st.DroppedMetrics+st.DroppedEmpty+st.DroppedCategory))
	atomic.AddInt64(&m.metrics.RecordsDroppedByLevelTotal, int64(out.DroppedByLevel))
	atomic.AddInt64(&m.metrics.EpisodesTotal, int64(out.Episodes))
	atomic.AddInt64(&m.metrics.IncidentsExtractedTotal, int64(len(out.Incidents)))
}

// forward 는 성공(또는 보낼 것이 없음) 이면 true.
func (m *Manager) forward(p *partition, ref string, incs []model.Incident) bool {
	if len(incs) == 0 || m.fwd == nil {
		return true
	}

	res, err := m.fwd.Forward(m.ctx, ref, incs)
	if res.EmbedErr != nil {
		atomic.AddInt64(&m.metrics.EmbedErrorsTotal, 1)
	}
	atomic.AddInt64(&m.metrics.IncidentsForwardedTotal, int64(res.Upserted))
	if err != nil {
		atomic.AddInt64(&m.metrics.UpsertErrorsTotal, 1)
		log.Error().Err(err).Str("partition", p.id).Str("batch", ref).Int("incidents", len(incs)).
			Msg("[ERROR] forward failed, batch left unchecked for backfill")
		return false
	}
	return true
}

// flushBundles 는 종료 시 열린 bundle 을 모두 내보낸다.
func (m *Manager) flushBundles(p *partition) {
	if p.streamer == nil {
		return
	}
	if incs := p.streamer.Flush(); len(incs) > 0 {
		m.forward(p, pipeline.BundleRef(p.id, incs), incs)
	}
}
