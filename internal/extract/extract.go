// Package extract 는 로그 라인 묶음에서 traceback 또는 HTTP 에러 패턴을 찾아
// 사람이 읽을 수 있는 짧은 인시던트 본문을 만든다.
//
// 패턴 계열마다 작은 순수 함수가 하나씩 있고,
// Extract 는 traceback → HTTP 순으로 먼저 걸리는 쪽을 쓴다.
package extract

import (
	"triage-ingest/internal/model"
)

const (
	originTraceback = model.OriginTraceback
	originHTTP      = model.OriginHTTP

	severityTraceback = model.SeverityError
	severityHTTP4xx   = model.SeverityError
	severityHTTP5xx   = model.SeverityCritical
)

// Options
//
//	AppRoots     : 앱 소스 루트 (이 경로의 frame 만 남긴다)
//	KeepInternal : true 면 라이브러리 frame 도 남긴다
//	MaxFrames    : 남길 frame 수 (마지막 N 개)
//	MaxChain     : 예외 체인 최대 길이
//	SnippetLines : raw snippet 최대 줄 수
//	MaxContent   : 본문 길이 상한
type Options struct {
	AppRoots     []string
	KeepInternal bool
	MaxFrames    int
	MaxChain     int
	SnippetLines int
	MaxContent   int
}

func DefaultOptions() Options {
	return Options{
		AppRoots:     []string{"/app/"},
		MaxFrames:    3,
		MaxChain:     8,
		SnippetLines: 15,
		MaxContent:   model.MaxContentLen,
	}
}

// Input 은 추출 대상 라인과, 라인 자체에서 headline 을 못 찾았을 때 쓸 후보.
type Input struct {
	Lines            []string
	FallbackHeadline string
}

// Draft 는 추출 결과. fingerprint / 저장 단계에서 model.Incident 로 옮겨진다.
type Draft struct {
	Content        string
	Headline       string
	ExceptionClass string
	LastFrame      string
	Severity       model.Severity
	Origin         model.Origin
	Status         int    // HTTP 경로일 때 선택된 status
	SourceHint     string // 메타데이터 라인의 ContainerAppName
}

type Extractor struct {
	opts Options
}

func New(opts Options) *Extractor {
	def := DefaultOptions()
	if len(opts.AppRoots) == 0 {
		opts.AppRoots = def.AppRoots
	}
	if opts.MaxFrames <= 0 {
		opts.MaxFrames = def.MaxFrames
	}
	if opts.MaxChain <= 0 {
		opts.MaxChain = def.MaxChain
	}
	if opts.SnippetLines <= 0 {
		opts.SnippetLines = def.SnippetLines
	}
	if opts.MaxContent <= 0 {
		opts.MaxContent = def.MaxContent
	}
	return &Extractor{opts: opts}
}

// Extract 는 traceback 경로를 먼저 시도하고, traceback 이 없을 때만
// HTTP fallback 을 시도한다. 둘 다 없으면 false (인시던트 없음).
func (e *Extractor) Extract(in Input) (Draft, bool) {
	lines, hint := prefilter(splitLines(in.Lines))
	if len(lines) == 0 {
		return Draft{}, false
	}

	d, ok := e.Traceback(lines, in.FallbackHeadline)
	if !ok {
		d, ok = e.HTTP(lines)
	}
	if !ok {
		return Draft{}, false
	}
	d.SourceHint = hint
	d.Content = model.Truncate(d.Content, e.opts.MaxContent)
	return d, true
}
