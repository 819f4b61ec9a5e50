// Package pipeline 은 한 배치의 payload 를 인시던트 목록으로 바꾸는
// 순수(동기) 처리 단계를 묶는다. I/O 는 Forwarder 와 호출측(worker, backfill) 담당.
package pipeline

import (
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"triage-ingest/internal/bundle"
	"triage-ingest/internal/episode"
	"triage-ingest/internal/extract"
	"triage-ingest/internal/fingerprint"
	"triage-ingest/internal/model"
	"triage-ingest/internal/normalize"
)

// Mode 는 어떤 경로로 인시던트를 만들지 정한다.
type Mode string

const (
	ModeEpisode Mode = "episode"
	ModeBundle  Mode = "bundle"
	ModeBoth    Mode = "both"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeEpisode, nil
	case ModeEpisode, ModeBundle, ModeBoth:
		return m, nil
	}
	return "", fmt.Errorf("unknown pipeline mode %q", s)
}

func (m Mode) Episodes() bool { return m == ModeEpisode || m == ModeBoth || m == "" }
func (m Mode) Bundles() bool  { return m == ModeBundle || m == ModeBoth }

type Options struct {
	MinSeverity model.Severity
	Normalize   normalize.Options
	Extract     extract.Options
	Bundle      bundle.Config
}

func DefaultOptions() Options {
	return Options{
		MinSeverity: model.SeverityWarning,
		Extract:     extract.DefaultOptions(),
		Bundle:      bundle.DefaultConfig(),
	}
}

// Input 은 한 배치. Ref 는 저장소 batch_refs 에 남는 배치 식별자(archive key 등).
type Input struct {
	Ref      string
	Payloads [][]byte
}

// Result
//
//	Records        : 정규화된 레코드 (streaming bundler 입력)
//	Stats          : 정규화 카운트
//	Episodes       : stitch 된 episode 수
//	DroppedByLevel : severity gate 에서 버린 draft 수
//	Incidents      : fingerprint 병합까지 끝난 결과
type Result struct {
	Records        []model.Record
	Stats          normalize.Stats
	Episodes       int
	DroppedByLevel int
	Incidents      []model.Incident
}

type Processor struct {
	opts Options
	norm *normalize.Normalizer
	ext  *extract.Extractor
	bat  *bundle.Batcher
}

func New(opts Options) *Processor {
	return &Processor{
		opts: opts,
		norm: normalize.New(opts.Normalize),
		ext:  extract.New(opts.Extract),
		bat:  bundle.NewBatcher(opts.Bundle),
	}
}

// Normalize 는 payload 들을 순서대로 정규화하고 배치 내 라인 번호(1-based)를 붙인다.
func (p *Processor) Normalize(payloads [][]byte) ([]model.Record, normalize.Stats) {
	var (
		out   []model.Record
		stats normalize.Stats
	)
	for _, data := range payloads {
		recs, s := p.norm.Payload(data)
		stats.Add(s)
		for _, r := range recs {
			r.Line = len(out) + 1
			out = append(out, r)
		}
	}
	return out, stats
}

// Process 는 정규화 후 episode 경로를 돌린다 (mode 와 무관하게 Records 는 채운다).
func (p *Processor) Process(in Input, mode Mode) Result {
	recs, stats := p.Normalize(in.Payloads)
	res := Result{Records: recs, Stats: stats}

	var incs []model.Incident
	if mode.Episodes() {
		epIncs, eps, dropped := p.Episodes(recs, in.Ref)
		res.Episodes = eps
		res.DroppedByLevel += dropped
		incs = append(incs, epIncs...)
	}
	res.Incidents = incs
	return res
}

// Run 은 backfill 용. 전체 레코드를 보고 mode 에 따라 episode 와 batch bundle 을 모두 만든다.
func (p *Processor) Run(in Input, mode Mode) Result {
	res := p.Process(in, mode)
	if mode.Bundles() {
		res.Incidents = append(res.Incidents, p.Bundles(res.Records)...)
		res.Incidents = fingerprint.Consolidate(res.Incidents)
	}
	return res
}

// Episodes
//
//	stitch → episode 별 추출 → (draft 가 하나도 없으면) 배치 전체 HTTP fallback
//	→ severity gate → fingerprint 병합
//
// 반환: 인시던트, episode 수, severity 로 버린 수
func (p *Processor) Episodes(recs []model.Record, ref string) ([]model.Incident, int, int) {
	eps := episode.Stitch(recs)

	var (
		incs    []model.Incident
		drafts  int
		dropped int
	)
	for _, ep := range eps {
		d, ok := p.safeExtract(ep.Input())
		if !ok {
			continue
		}
		drafts++
		inc := fromEpisode(ep, d, ref)
		if inc.Severity < p.opts.MinSeverity {
			dropped++
			continue
		}
		incs = append(incs, inc)
	}

	if drafts == 0 && len(recs) > 0 {
		if inc, ok := p.httpFallback(recs, ref); ok {
			if inc.Severity < p.opts.MinSeverity {
				dropped++
			} else {
				incs = append(incs, inc)
			}
		}
	}

	for i := range incs {
		fingerprint.Stamp(&incs[i])
	}
	return fingerprint.Consolidate(incs), len(eps), dropped
}

// Bundles 는 batch 모드 trace bundler.
func (p *Processor) Bundles(recs []model.Record) []model.Incident {
	return p.bat.Bundle(recs)
}

// safeExtract 는 추출 중 panic 을 "인시던트 없음" 으로 바꾼다.
func (p *Processor) safeExtract(in extract.Input) (d extract.Draft, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Int("lines", len(in.Lines)).Msg("[ERROR] extraction panic, episode skipped")
			d, ok = extract.Draft{}, false
		}
	}()
	return p.ext.Extract(in)
}

func (p *Processor) httpFallback(recs []model.Record, ref string) (model.Incident, bool) {
	lines := make([]string, 0, len(recs))
	for _, r := range recs {
		lines = append(lines, r.Content)
	}
	d, ok := p.safeExtract(extract.Input{Lines: lines})
	if !ok {
		return model.Incident{}, false
	}

	// status 가 걸린 레코드를 특정할 수 없으므로 배치 전체 범위를 쓴다
	first, last := recs[0], recs[len(recs)-1]
	inc := model.Incident{
		Source:         pickSource(firstKnownSource(recs), d.SourceHint),
		Service:        first.Service,
		Severity:       d.Severity,
		Origin:         d.Origin,
		Content:        d.Content,
		Headline:       d.Headline,
		ExceptionClass: d.ExceptionClass,
		LastFrame:      d.LastFrame,
		FirstTS:        first.Timestamp,
		LastTS:         last.Timestamp,
		LogCount:       1,
		Spans:          []model.LineSpan{{Start: first.Line, End: last.Line}},
	}
	if ref != "" {
		inc.Refs = []string{ref}
	}
	return inc, true
}

func fromEpisode(ep episode.Episode, d extract.Draft, ref string) model.Incident {
	inc := model.Incident{
		Source:         pickSource(ep.Source, d.SourceHint),
		Service:        ep.Service,
		Severity:       model.MaxSeverity(d.Severity, ep.Severity),
		Origin:         d.Origin,
		Content:        d.Content,
		Headline:       d.Headline,
		ExceptionClass: d.ExceptionClass,
		LastFrame:      d.LastFrame,
		FirstTS:        ep.FirstTS,
		LastTS:         ep.LastTS,
		LogCount:       ep.Records,
		Spans:          []model.LineSpan{ep.Span},
	}
	if inc.LogCount < 1 {
		inc.LogCount = 1
	}
	if ref != "" {
		inc.Refs = []string{ref}
	}
	return inc
}

func firstKnownSource(recs []model.Record) string {
	for _, r := range recs {
		if r.Source != "" && r.Source != "unknown" {
			return r.Source
		}
	}
	return "unknown"
}

// 메타데이터 라인에서 얻은 앱 이름은 source 가 없을 때만 쓴다.
func pickSource(src, hint string) string {
	if (src == "" || src == "unknown") && hint != "" {
		return hint
	}
	if src == "" {
		return "unknown"
	}
	return src
}
