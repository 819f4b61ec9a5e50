package bundle

import (
	"sort"
	"sync"
	"time"

	"triage-ingest/internal/model"
)

type openBundle struct {
	started time.Time
	recs    []model.Record
	extra   int            // MaxLogsPerBundle 를 넘어 보관하지 않은 레코드 수
	top     model.Severity // 보관하지 않은 레코드의 최고 severity
}

// Streamer 는 trace 당 열린 bundle 하나를 유지한다.
// 같은 trace 의 레코드가 열린 시점부터 Window 가 지난 뒤 도착하면
// 기존 bundle 을 완료하고 새 bundle 을 연다.
type Streamer struct {
	mu   sync.Mutex
	cfg  Config
	b    *builder
	inf  *Inferrer
	open map[string]*openBundle
}

func NewStreamer(cfg Config) *Streamer {
	cfg = cfg.withDefaults()
	return &Streamer{
		cfg:  cfg,
		b:    newBuilder(cfg),
		inf:  NewInferrer(cfg.BorrowWindow, cfg.BucketSize),
		open: make(map[string]*openBundle),
	}
}

// Add 는 레코드를 열린 bundle 에 넣는다.
// 이 호출로 완료된 bundle 이 MinSeverity 를 넘으면 함께 돌려준다.
func (s *Streamer) Add(r model.Record) (model.Incident, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.inf.Assign(r)
	r.TraceID = id
	now := s.cfg.Now()

	var (
		done model.Incident
		ok   bool
	)
	ob := s.open[id]
	if ob != nil && now.Sub(ob.started) > s.cfg.Window {
		done, ok = s.complete(id, ob)
		ob = nil
	}
	if ob == nil {
		ob = &openBundle{started: now}
		s.open[id] = ob
	}
	if len(ob.recs) < s.cfg.MaxLogsPerBundle {
		ob.recs = append(ob.recs, r)
	} else {
		ob.extra++
		ob.top = model.MaxSeverity(ob.top, r.Severity)
	}
	return done, ok
}

// Expire 는 now 기준으로 창이 지난 bundle 을 모두 완료한다.
func (s *Streamer) Expire(now time.Time) []model.Incident {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Incident
	for _, id := range s.sortedIDs() {
		ob := s.open[id]
		if now.Sub(ob.started) <= s.cfg.Window {
			continue
		}
		if inc, ok := s.complete(id, ob); ok {
			out = append(out, inc)
		}
	}
	s.inf.Prune(now.Add(-s.cfg.BorrowWindow))
	sortByFirstTS(out)
	return out
}

// Flush 는 열린 bundle 을 모두 완료한다 (종료 시).
func (s *Streamer) Flush() []model.Incident {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Incident
	for _, id := range s.sortedIDs() {
		if inc, ok := s.complete(id, s.open[id]); ok {
			out = append(out, inc)
		}
	}
	sortByFirstTS(out)
	return out
}

// Open 은 열린 bundle 수.
func (s *Streamer) Open() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.open)
}

func (s *Streamer) complete(id string, ob *openBundle) (model.Incident, bool) {
	delete(s.open, id)
	return s.b.build(id, ob.recs, ob.extra, ob.top)
}

// map 순회 순서에 결과가 흔들리지 않도록 열린 시각, id 순으로 정렬
func (s *Streamer) sortedIDs() []string {
	ids := make([]string, 0, len(s.open))
	for id := range s.open {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.open[ids[i]], s.open[ids[j]]
		if !a.started.Equal(b.started) {
			return a.started.Before(b.started)
		}
		return ids[i] < ids[j]
	})
	return ids
}
