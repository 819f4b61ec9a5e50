package bundle

import (
	"sort"
	"strings"
	"time"

	"triage-ingest/internal/extract"
	"triage-ingest/internal/fingerprint"
	"triage-ingest/internal/model"
)

// builder 는 trace 하나의 레코드들을 인시던트 하나로 만든다.
type builder struct {
	cfg Config
	ext *extract.Extractor
}

func newBuilder(cfg Config) *builder {
	opts := extract.DefaultOptions()
	if len(cfg.AppRoots) > 0 {
		opts.AppRoots = cfg.AppRoots
	}
	return &builder{cfg: cfg, ext: extract.New(opts)}
}

// build 는 최고 severity 가 MinSeverity 미만이면 false.
// extra/floor 는 보관하지 않은 레코드의 수와 그 중 최고 severity.
func (b *builder) build(trace string, recs []model.Record, extra int, floor model.Severity) (model.Incident, bool) {
	if len(recs) == 0 {
		return model.Incident{}, false
	}
	top := floor
	for _, r := range recs {
		top = model.MaxSeverity(top, r.Severity)
	}
	if top < b.cfg.MinSeverity {
		return model.Incident{}, false
	}

	service := dominantService(recs)
	inc := model.Incident{
		Source:      service,
		Service:     service,
		TraceID:     trace,
		Operation:   firstOperation(recs),
		Severity:    top,
		Origin:      model.OriginBundle,
		Content:     formatContent(recs, extra, b.cfg.MaxLogsPerBundle, b.cfg.MaxContentLength),
		LogCount:    len(recs) + extra,
		Propagation: propagation(recs),
		Refs:        []string{trace},
	}
	inc.FirstTS, inc.LastTS = timeRange(recs)

	var spans []model.LineSpan
	for _, r := range recs {
		if r.Line > 0 {
			spans = model.UnionSpans(spans, []model.LineSpan{{Start: r.Line, End: r.Line}}, 10)
		}
	}
	inc.Spans = spans

	b.describe(&inc, recs, top)
	fingerprint.Stamp(&inc)
	return inc, true
}

// describe 는 저장소 id 에 쓰이는 headline / 예외 클래스 / 마지막 앱 frame 을 채운다.
// headline 은 가장 먼저 나온 최고 severity 레코드의 첫 줄.
func (b *builder) describe(inc *model.Incident, recs []model.Record, top model.Severity) {
	for _, r := range recs {
		if r.Severity != top {
			continue
		}
		inc.Headline = firstLine(r.Content)
		break
	}
	for _, r := range recs {
		if r.Severity < model.SeverityError {
			continue
		}
		if inc.ExceptionClass == "" {
			if r.ExceptionType != "" {
				inc.ExceptionClass = r.ExceptionType
			} else {
				inc.ExceptionClass = extract.LastException([]string{r.Content})
			}
		}
		frames := b.ext.Frames([]string{r.Content, r.StackTrace})
		if len(frames) > 0 {
			inc.LastFrame = frames[len(frames)-1]
		}
	}
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// dominantService 는 가장 많이 나온 service. 동률이면 먼저 나온 쪽.
func dominantService(recs []model.Record) string {
	counts := make(map[string]int)
	best, bestN := "", 0
	for _, r := range recs {
		if r.Service == "" {
			continue
		}
		counts[r.Service]++
		if n := counts[r.Service]; n > bestN {
			best, bestN = r.Service, n
		}
	}
	if best == "" {
		return "unknown"
	}
	return best
}

func firstOperation(recs []model.Record) string {
	for _, r := range recs {
		if r.Operation != "" {
			return r.Operation
		}
	}
	return ""
}

// propagation 은 시간순 service 경로. 연속 중복만 접는다 (a→b→a 는 그대로).
func propagation(recs []model.Record) []string {
	var out []string
	for _, r := range recs {
		if r.Service == "" {
			continue
		}
		if n := len(out); n > 0 && out[n-1] == r.Service {
			continue
		}
		out = append(out, r.Service)
	}
	return out
}

func timeRange(recs []model.Record) (first, last time.Time) {
	for _, r := range recs {
		if !r.HasTime {
			continue
		}
		if first.IsZero() || r.Timestamp.Before(first) {
			first = r.Timestamp
		}
		if r.Timestamp.After(last) {
			last = r.Timestamp
		}
	}
	return first, last
}

// ----------------------------------------------------------------------
// Batcher (재처리용)
// ----------------------------------------------------------------------

type Batcher struct {
	cfg Config
	b   *builder
}

func NewBatcher(cfg Config) *Batcher {
	cfg = cfg.withDefaults()
	return &Batcher{cfg: cfg, b: newBuilder(cfg)}
}

// Bundle 은 레코드 전체를 시간순으로 보고 trace id 를 추론한 뒤 묶는다.
// 결과는 fingerprint 로 병합하고 first_ts 순으로 정렬한다.
func (bt *Batcher) Bundle(records []model.Record) []model.Incident {
	recs := make([]model.Record, len(records))
	copy(recs, records)
	sort.SliceStable(recs, func(i, j int) bool {
		return recs[i].Timestamp.Before(recs[j].Timestamp)
	})

	inf := NewInferrer(bt.cfg.BorrowWindow, bt.cfg.BucketSize)
	groups := make(map[string][]model.Record)
	var order []string
	for _, r := range recs {
		id := inf.Assign(r)
		r.TraceID = id
		if _, ok := groups[id]; !ok {
			order = append(order, id)
		}
		groups[id] = append(groups[id], r)
	}

	out := make([]model.Incident, 0, len(order))
	for _, id := range order {
		if inc, ok := bt.b.build(id, groups[id], 0, model.SeverityDebug); ok {
			out = append(out, inc)
		}
	}
	out = fingerprint.Consolidate(out)
	sortByFirstTS(out)
	return out
}

func sortByFirstTS(incs []model.Incident) {
	sort.SliceStable(incs, func(i, j int) bool {
		return incs[i].FirstTS.Before(incs[j].FirstTS)
	})
}
