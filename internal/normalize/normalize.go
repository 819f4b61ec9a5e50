// Package normalize 는 다양한 형태의 로그 envelope 를
// model.Record 로 정규화한다.
package normalize

import (
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"triage-ingest/internal/model"
	"triage-ingest/internal/severity"
)

// DropReason 은 레코드가 걸러진 이유.
type DropReason int

const (
	Kept DropReason = iota
	DropMetrics
	DropEmpty
	DropCategory
)

// Options
//
// AllowedCategories 가 비어있으면 모든 category 를 통과시킨다.
// 길이 제한 값이 0 이면 기본값을 쓴다.
type Options struct {
	AllowedCategories []string
	MaxContent        int
	MaxSource         int
	MaxOperation      int
	Now               func() time.Time
}

const (
	defaultMaxContent   = model.MaxContentLen
	defaultMaxSource    = 128
	defaultMaxOperation = 256
)

// Stats 는 하나의 payload 를 정규화하면서 센 값들.
// worker 가 metrics 카운터로 합산한다.
type Stats struct {
	Records         int
	Normalized      int
	DroppedMetrics  int
	DroppedEmpty    int
	DroppedCategory int
}

func (s *Stats) Add(o Stats) {
	s.Records += o.Records
	s.Normalized += o.Normalized
	s.DroppedMetrics += o.DroppedMetrics
	s.DroppedEmpty += o.DroppedEmpty
	s.DroppedCategory += o.DroppedCategory
}

type Normalizer struct {
	opts    Options
	allowed map[string]struct{}
}

func New(opts Options) *Normalizer {
	if opts.MaxContent <= 0 {
		opts.MaxContent = defaultMaxContent
	}
	if opts.MaxSource <= 0 {
		opts.MaxSource = defaultMaxSource
	}
	if opts.MaxOperation <= 0 {
		opts.MaxOperation = defaultMaxOperation
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	n := &Normalizer{opts: opts}
	if len(opts.AllowedCategories) > 0 {
		n.allowed = make(map[string]struct{}, len(opts.AllowedCategories))
		for _, c := range opts.AllowedCategories {
			if c = strings.TrimSpace(c); c != "" {
				n.allowed[strings.ToLower(c)] = struct{}{}
			}
		}
	}
	return n
}

// Payload 는 raw payload 하나를 envelope 단위로 풀어 정규화한다.
// 레코드 순서는 입력 순서를 그대로 따른다.
func (n *Normalizer) Payload(data []byte) ([]model.Record, Stats) {
	var (
		out   []model.Record
		stats Stats
	)
	for _, env := range Decode(data) {
		recs, s := n.Envelope(env)
		out = append(out, recs...)
		stats.Add(s)
	}
	return out, stats
}

// Envelope 는 envelope 하나를 정규화한다.
// metrics envelope 는 통째로 버린다.
func (n *Normalizer) Envelope(env Envelope) ([]model.Record, Stats) {
	var stats Stats

	if IsMetrics(env) {
		switch e := env.(type) {
		case Batch:
			stats.Records = len(e.Records)
			stats.DroppedMetrics = len(e.Records)
		default:
			stats.Records = 1
			stats.DroppedMetrics = 1
		}
		return nil, stats
	}

	var items []map[string]any
	switch e := env.(type) {
	case Single:
		items = []map[string]any{e.Fields}
	case Batch:
		items = e.Records
	case Raw:
		items = []map[string]any{{"message": e.Text}}
	}

	out := make([]model.Record, 0, len(items))
	for _, fields := range items {
		stats.Records++
		rec, reason := n.Fields(fields)
		switch reason {
		case Kept:
			stats.Normalized++
			out = append(out, rec)
		case DropMetrics:
			stats.DroppedMetrics++
		case DropEmpty:
			stats.DroppedEmpty++
		case DropCategory:
			stats.DroppedCategory++
		}
	}
	return out, stats
}

// Fields 는 레코드 하나를 정규화한다. 에러는 없고, 걸러지면 DropReason 을 돌려준다.
func (n *Normalizer) Fields(fields map[string]any) (model.Record, DropReason) {
	if len(fields) == 0 {
		return model.Record{}, DropEmpty
	}
	if isMetricRecord(fields) {
		return model.Record{}, DropMetrics
	}

	fields = expandNested(fields)
	v := newView(fields)

	content, hasMessage := n.content(v)
	if content == "" {
		return model.Record{}, DropEmpty
	}

	// category allow-list: category 없는 자유 형식 로그는 message 가 있으면 통과
	if n.allowed != nil {
		cat := v.str(categoryKey)
		if cat == "" {
			if !hasMessage {
				return model.Record{}, DropCategory
			}
		} else if _, ok := n.allowed[strings.ToLower(cat)]; !ok {
			return model.Record{}, DropCategory
		}
	}

	rec := model.Record{
		Source:    model.Clip(n.source(v), n.opts.MaxSource),
		Content:   model.Truncate(content, n.opts.MaxContent),
		Severity:  severity.Classify(fields, content),
		TraceID:   v.str(traceKeys),
		SpanID:    v.str(spanKeys),
		Operation: model.Clip(v.str(operationKeys), n.opts.MaxOperation),
	}

	if raw, ok := v.raw(timeKeys); ok {
		rec.Timestamp, rec.HasTime = parseTime(raw)
	}
	if !rec.HasTime {
		rec.Timestamp = n.opts.Now().UTC()
	}

	rec.Service = v.str(serviceKeys)
	if rec.Service == "" {
		rec.Service = serviceFromResource(v.str([]string{"resourceId", "ResourceId", "_ResourceId"}))
	}
	rec.Service = model.Clip(rec.Service, n.opts.MaxSource)

	rec.Replica = v.str(replicaKeys)
	if rec.Replica == "" {
		rec.Replica = "global"
	}

	if it, _ := fields["itemType"].(string); strings.EqualFold(it, "exception") {
		rec.ExceptionType = v.str([]string{"type", "exceptionType", "problemId"})
		rec.StackTrace = v.str([]string{"stackTrace", "details", "outerMessage"})
	}
	return rec, Kept
}

// content 는 message 류 키 → Log 류 키 → 중첩 객체 JSON 순으로 본문을 찾는다.
// 두 번째 반환값은 message 류 키가 존재했는지 여부.
func (n *Normalizer) content(v view) (string, bool) {
	if x, ok := firstValue(v.top, contentKeys); ok {
		return stringify(x), true
	}
	if x, ok := v.raw(logKeys); ok {
		return stringify(x), true
	}
	for _, m := range v.nested {
		if x, ok := firstValue(m, contentKeys); ok {
			return stringify(x), true
		}
	}

	// App Insights exception: 메시지 없이 type/outerMessage 만 있는 경우
	if t := v.str([]string{"exceptionType", "type"}); t != "" {
		if msg := v.str([]string{"outerMessage", "innermostMessage"}); msg != "" {
			return t + ": " + msg, false
		}
	}

	// 중첩 객체만 있으면 그 JSON 을 본문으로
	for _, k := range nestedKeys {
		if m, ok := v.top[k].(map[string]any); ok && len(m) > 0 {
			return stringify(m), false
		}
	}
	return "", false
}

func (n *Normalizer) source(v view) string {
	if s := v.str(sourceKeys); s != "" {
		return s
	}
	app := v.str(appKeys)
	if c := v.str(containerKeys); app != "" && c != "" {
		return app + "/" + c
	}
	if app != "" {
		return app
	}
	return "unknown"
}

// expandNested
//
// Container Apps 콘솔 로그는 애플리케이션이 찍은 JSON 이
// properties.Log (또는 Log) 문자열 안에 한 번 더 들어있다.
// 그 JSON 이 객체면 안쪽 필드를 바깥에 채워 넣는다 (바깥 값 우선).
// 안쪽 message 가 있으면 그것이 본문이 된다.
func expandNested(fields map[string]any) map[string]any {
	v := newView(fields)
	x, ok := v.raw(logKeys)
	if !ok {
		return fields
	}
	s, ok := x.(string)
	if !ok {
		return fields
	}
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") {
		return fields
	}

	var inner map[string]any
	if err := json.Unmarshal([]byte(s), &inner); err != nil || len(inner) == 0 {
		return fields
	}

	merged := make(map[string]any, len(fields)+len(inner))
	for k, val := range fields {
		merged[k] = val
	}
	for k, val := range inner {
		if _, exists := merged[k]; !exists {
			merged[k] = val
		}
	}
	return merged
}
