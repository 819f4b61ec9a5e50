package extract

import (
	"fmt"
	"regexp"
	"strings"
)

const tracebackMarker = "Traceback (most recent call last):"

var (
	reException = regexp.MustCompile(`^((?:[A-Za-z_][\w.]*?)?(?:Error|Exception|Timeout|Failure|Unavailable))(?:: .*)?$`)
	reFrame     = regexp.MustCompile(`^\s*File\s+"([^"]+)",\s+line\s+(\d+),\s+in\s+(\S+)`)
	reBanner    = regexp.MustCompile(`(?i)(exception in asgi application|error:|critical)`)
	reBanner5xx = regexp.MustCompile(`(?i)(HTTP/\d(?:\.\d)?"?\s+5\d{2}\b|\bstatus(?:[_ ]?code)?"?\s*[:=]\s*5\d{2}\b)`)
)

// 다음 줄이 소스 코드인지 판단할 때 쓰는 키워드
var codeKeywords = []string{"return", "raise", "await", "with", "for", "if", "async", "yield", "assert", "del"}

// IsTracebackStart 는 traceback 시작 marker 가 있는 라인인지 본다.
func IsTracebackStart(line string) bool {
	return strings.Contains(line, tracebackMarker)
}

// findTraceback 은 첫 번째 traceback marker 의 위치를 찾는다.
func findTraceback(lines []string) (int, bool) {
	for i, l := range lines {
		if IsTracebackStart(l) {
			return i, true
		}
	}
	return -1, false
}

func isBanner(s string) bool {
	return reBanner.MatchString(s) || reBanner5xx.MatchString(s)
}

// headlineBefore 는 marker 바로 앞의 비어있지 않은 1~2 줄 중
// banner 로 보이는 것만 고른다. 없으면 가장 가까운 한 줄.
func headlineBefore(lines []string, idx int) []string {
	var near []string // 가까운 순
	for i := idx - 1; i >= 0 && len(near) < 2; i-- {
		if nonEmpty(lines[i]) {
			near = append(near, strings.TrimSpace(lines[i]))
		}
	}
	if len(near) == 0 {
		return nil
	}

	var picked []string
	for i := len(near) - 1; i >= 0; i-- {
		if isBanner(near[i]) {
			picked = append(picked, near[i])
		}
	}
	if len(picked) == 0 {
		return []string{near[0]}
	}
	return picked
}

// exceptionChain 은 marker 이후의 예외 클래스명을 모은다.
// 연속 중복은 한 번만, 최대 max 개.
func exceptionChain(lines []string, max int) []string {
	var chain []string
	for _, l := range lines {
		m := reException.FindStringSubmatch(strings.TrimSpace(l))
		if m == nil {
			continue
		}
		if n := len(chain); n > 0 && chain[n-1] == m[1] {
			continue
		}
		chain = append(chain, m[1])
		if len(chain) >= max {
			break
		}
	}
	return chain
}

// stackFrames 는 앱 소스 경로의 frame 만 골라 마지막 max 개를 돌려준다.
// 다음 줄이 코드면 " → code" 를 붙인다.
func (e *Extractor) stackFrames(lines []string, max int) []string {
	var frames []string
	for i, l := range lines {
		m := reFrame.FindStringSubmatch(l)
		if m == nil {
			continue
		}
		path := m[1]
		if !e.keepFrame(path) {
			continue
		}
		f := fmt.Sprintf("%s:%s in %s", path, m[2], m[3])
		if i+1 < len(lines) {
			if code, ok := codeLine(lines[i+1]); ok {
				f += " → " + code
			}
		}
		frames = append(frames, f)
	}
	if len(frames) > max {
		frames = frames[len(frames)-max:]
	}
	return frames
}

func (e *Extractor) keepFrame(path string) bool {
	if e.opts.KeepInternal {
		return true
	}
	if isInternal(path) {
		return false
	}
	for _, root := range e.opts.AppRoots {
		if strings.HasPrefix(path, root) {
			return true
		}
	}
	return false
}

func codeLine(next string) (string, bool) {
	if reFrame.MatchString(next) {
		return "", false
	}
	t := strings.TrimSpace(next)
	if t == "" || strings.Trim(t, "^~ ") == "" {
		return "", false
	}
	if strings.HasPrefix(next, " ") || strings.HasPrefix(next, "\t") {
		return t, true
	}
	for _, kw := range codeKeywords {
		if strings.HasPrefix(t, kw+" ") || t == kw {
			return t, true
		}
	}
	return "", false
}

// rawSnippet 은 marker 부터 최대 n 줄, 라이브러리 라인은 제외.
func rawSnippet(lines []string, n int) []string {
	var out []string
	for _, l := range lines {
		if len(out) >= n {
			break
		}
		if !nonEmpty(l) || isInternal(l) {
			continue
		}
		out = append(out, strings.TrimRight(l, " \t"))
	}
	return out
}

// Traceback 은 traceback 경로만 시도한다.
func (e *Extractor) Traceback(lines []string, fallbackHeadline string) (Draft, bool) {
	idx, ok := findTraceback(lines)
	if !ok {
		return Draft{}, false
	}

	head := headlineBefore(lines, idx)
	if len(head) == 0 && nonEmpty(fallbackHeadline) {
		head = []string{strings.TrimSpace(fallbackHeadline)}
	}
	tail := lines[idx:]
	chain := exceptionChain(tail, e.opts.MaxChain)
	frames := e.stackFrames(tail, e.opts.MaxFrames)

	var b strings.Builder
	switch {
	case len(head) == 0 && len(chain) == 0 && len(frames) == 0:
		b.WriteString("(raw snippet)\n")
		b.WriteString(strings.Join(rawSnippet(tail, e.opts.SnippetLines), "\n"))
	default:
		for _, h := range head {
			b.WriteString(h)
			b.WriteByte('\n')
		}
		if len(chain) > 0 {
			b.WriteString("Errors: ")
			b.WriteString(strings.Join(chain, " → "))
			b.WriteByte('\n')
		}
		if len(frames) > 0 {
			b.WriteString("At:\n")
			for _, f := range frames {
				b.WriteString("  ")
				b.WriteString(f)
				b.WriteByte('\n')
			}
		}
	}

	d := Draft{
		Content:  strings.TrimRight(b.String(), "\n"),
		Origin:   originTraceback,
		Severity: severityTraceback,
	}
	if len(head) > 0 {
		d.Headline = head[len(head)-1]
	}
	if len(chain) > 0 {
		d.ExceptionClass = chain[len(chain)-1]
	}
	if len(frames) > 0 {
		d.LastFrame = frames[len(frames)-1]
	}
	return d, true
}

// IsFrame 은 `File "...", line N, in f` 형태의 라인인지 본다.
func IsFrame(line string) bool {
	return reFrame.MatchString(line)
}

// Frames 는 앱 소스 frame 을 마지막 MaxFrames 개만 돌려준다.
func (e *Extractor) Frames(lines []string) []string {
	return e.stackFrames(splitLines(lines), e.opts.MaxFrames)
}

// LastException 은 라인들에서 마지막으로 나온 예외 클래스명을 돌려준다.
func LastException(lines []string) string {
	chain := exceptionChain(splitLines(lines), 64)
	if len(chain) == 0 {
		return ""
	}
	return chain[len(chain)-1]
}
