// Package episode 는 한 배치 안에서 여러 레코드로 쪼개져 들어온
// traceback 을 하나의 "episode" 로 다시 이어 붙인다.
//
// 상태 머신은 배치 전체에 대해 커서 하나로 동작한다 (trace 별 아님).
// 레코드 순서가 바뀌면 결과가 달라지므로, 호출측은 파티션 도착 순서를 유지해야 한다.
package episode

import (
	"regexp"
	"strings"
	"time"

	"triage-ingest/internal/extract"
	"triage-ingest/internal/model"
)

var (
	// 예외 tail: "ValueError: bad", "asyncio.CancelledError", "SystemExit: 1"
	reTail = regexp.MustCompile(`^\s*((?:[A-Za-z_][\w.]*?)?(?:Error|Exception|Failure|Exit|Interrupt|Timeout))\s*(?::(.*))?$`)
	reFile = regexp.MustCompile(`^\s*File ["']`)
)

// chained traceback 을 잇는 라인
var chainLinks = []string{
	"During handling of the above exception",
	"The above exception was the direct cause",
}

// Episode 는 하나의 논리적 에러 이벤트에 속하는 연속 라인 묶음.
type Episode struct {
	Lines            []string
	FallbackHeadline string // episode 직전의 비어있지 않은 라인

	Source   string
	Service  string
	FirstTS  time.Time
	LastTS   time.Time
	Severity model.Severity
	Records  int            // 기여한 레코드 수
	Span     model.LineSpan // 배치 내 레코드 라인 범위
}

// Input 은 extractor 에 넘길 입력으로 바꾼다.
func (e Episode) Input() extract.Input {
	return extract.Input{Lines: e.Lines, FallbackHeadline: e.FallbackHeadline}
}

func isTail(line string) bool {
	return reTail.MatchString(line)
}

func isChainLink(line string) bool {
	t := strings.TrimSpace(line)
	for _, p := range chainLinks {
		if strings.HasPrefix(t, p) {
			return true
		}
	}
	return false
}

// isContinuation: 들여쓰기, File "..." frame, chained 예외 안내문.
func isContinuation(line string) bool {
	if strings.HasPrefix(line, "  ") || strings.HasPrefix(line, "\t") {
		return true
	}
	return reFile.MatchString(line) || isChainLink(line)
}

// builder 는 열려 있는 episode 하나의 누적 상태.
type builder struct {
	ep       Episode
	seenTail bool
	linked   bool // 직전 라인이 chained 안내문
	lastRec  int
}

func (b *builder) add(line string, idx int, rec model.Record) {
	b.ep.Lines = append(b.ep.Lines, line)
	if idx == b.lastRec {
		return
	}
	b.lastRec = idx

	line1 := rec.Line
	if line1 <= 0 {
		line1 = idx + 1
	}
	if b.ep.Records == 0 {
		b.ep.Span = model.LineSpan{Start: line1, End: line1}
		b.ep.FirstTS, b.ep.LastTS = rec.Timestamp, rec.Timestamp
		b.ep.Severity = rec.Severity
	} else {
		b.ep.Span.End = line1
		if rec.Timestamp.Before(b.ep.FirstTS) {
			b.ep.FirstTS = rec.Timestamp
		}
		if rec.Timestamp.After(b.ep.LastTS) {
			b.ep.LastTS = rec.Timestamp
		}
		b.ep.Severity = model.MaxSeverity(b.ep.Severity, rec.Severity)
	}
	b.ep.Records++

	if (b.ep.Source == "" || b.ep.Source == "unknown") && rec.Source != "" {
		b.ep.Source = rec.Source
	}
	if b.ep.Service == "" {
		b.ep.Service = rec.Service
	}
}

// Stitch 는 레코드 순서대로 라인을 훑어 episode 목록을 만든다.
//
//   - traceback marker 가 나오면 새 episode 시작 (열린 것이 있으면 먼저 닫음,
//     단 chained 안내문 바로 뒤의 marker 는 같은 episode 로 이어감)
//   - 예외 tail 을 본 뒤에 continuation 이 아닌 라인이 오면 닫음 (그 라인은 포함하지 않음)
//   - 배치 끝에서 닫음
func Stitch(records []model.Record) []Episode {
	var (
		out  []Episode
		cur  *builder
		prev string
	)

	flush := func() {
		if cur != nil && len(cur.ep.Lines) > 0 {
			out = append(out, cur.ep)
		}
		cur = nil
	}

	for i, rec := range records {
		for _, line := range strings.Split(rec.Content, "\n") {
			line = strings.TrimRight(line, "\r")
			if strings.TrimSpace(line) == "" {
				continue
			}

			if extract.IsTracebackStart(line) {
				if cur != nil && !cur.linked {
					flush()
				}
				if cur == nil {
					cur = &builder{ep: Episode{FallbackHeadline: prev}, lastRec: -1}
				}
				cur.add(line, i, rec)
				cur.seenTail = false
				cur.linked = false
				continue
			}

			if cur != nil {
				tail := isTail(line)
				if cur.seenTail && !tail && !isContinuation(line) {
					flush()
					prev = strings.TrimSpace(line)
					continue
				}
				cur.add(line, i, rec)
				if tail {
					cur.seenTail = true
				}
				cur.linked = isChainLink(line)
			}
			prev = strings.TrimSpace(line)
		}
	}
	flush()
	return out
}
