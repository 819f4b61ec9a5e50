package fingerprint

import (
	"triage-ingest/internal/model"
)

const (
	refLimit  = 5
	spanLimit = 10
)

// Stamp 는 본문과 coarse key 로 Fingerprint / ID 를 채운다.
func Stamp(inc *model.Incident) {
	inc.Fingerprint = Signature(inc.Content)
	inc.ID = StorageID(Key{
		ExceptionClass: inc.ExceptionClass,
		Headline:       inc.Headline,
		LastFrame:      inc.LastFrame,
		Source:         inc.Source,
	})
}

// Merge 는 a(먼저 본 것)에 b 를 합친다.
//
//   - log_count 합산, refs/spans 합집합 (개수 제한)
//   - first_ts 는 이른 쪽, last_ts 는 늦은 쪽
//   - severity 는 max (절대 내려가지 않음)
//   - content 는 a 를 유지하되, b 의 origin 이 더 높으면 (traceback > http) b 로 교체
func Merge(a, b model.Incident) model.Incident {
	out := a
	out.LogCount = a.LogCount + b.LogCount
	out.Refs = model.UnionRefs(a.Refs, b.Refs, refLimit)
	out.Spans = model.UnionSpans(a.Spans, b.Spans, spanLimit)
	out.Severity = model.MaxSeverity(a.Severity, b.Severity)

	if !b.FirstTS.IsZero() && (out.FirstTS.IsZero() || b.FirstTS.Before(out.FirstTS)) {
		out.FirstTS = b.FirstTS
	}
	if b.LastTS.After(out.LastTS) {
		out.LastTS = b.LastTS
	}

	if b.Origin.Rank() > a.Origin.Rank() {
		out.Origin = b.Origin
		out.Content = b.Content
		out.Headline = b.Headline
		out.ExceptionClass = b.ExceptionClass
		out.LastFrame = b.LastFrame
	}

	if out.TraceID == "" {
		out.TraceID = b.TraceID
	}
	if out.Service == "" {
		out.Service = b.Service
	}
	if out.Operation == "" {
		out.Operation = b.Operation
	}
	if len(out.Propagation) == 0 {
		out.Propagation = b.Propagation
	}
	return out
}

// Dedup 은 같은 Fingerprint 를 가진 인시던트를 처음 나온 순서대로 병합한다.
func Dedup(incs []model.Incident) []model.Incident {
	return collapse(incs, func(i model.Incident) string { return i.Fingerprint })
}

// Consolidate 는 Fingerprint 병합 후 같은 저장소 ID 끼리 한 번 더 병합한다.
// 한 배치에서 같은 id 로 upsert 가 두 번 나가지 않도록 한다.
func Consolidate(incs []model.Incident) []model.Incident {
	return collapse(Dedup(incs), func(i model.Incident) string { return i.ID })
}

func collapse(incs []model.Incident, key func(model.Incident) string) []model.Incident {
	if len(incs) < 2 {
		return incs
	}
	index := make(map[string]int, len(incs))
	out := make([]model.Incident, 0, len(incs))
	for _, inc := range incs {
		k := key(inc)
		if k == "" {
			out = append(out, inc)
			continue
		}
		if at, ok := index[k]; ok {
			out[at] = Merge(out[at], inc)
			continue
		}
		index[k] = len(out)
		out = append(out, inc)
	}
	return out
}
