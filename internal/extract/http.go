package extract

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var (
	// "GET /api/x HTTP/1.1" 503
	reAccessLog = regexp.MustCompile(`(?i)"\s*(GET|POST|PUT|DELETE|PATCH|HEAD|OPTIONS)\s+(/[^"\s]*)\s+HTTP/\d(?:\.\d)?"\s+(\d{3})\b`)
	// HTTP Request: POST https://x/y "HTTP/1.1 502 Bad Gateway"
	reClientLog = regexp.MustCompile(`(?i)HTTP Request:\s*(GET|POST|PUT|DELETE|PATCH|HEAD|OPTIONS)\s+(\S+)\s+"HTTP/\d(?:\.\d)?\s+(\d{3})\b`)
	// "status": 500
	reJSONStatus = regexp.MustCompile(`"status"\s*:\s*(\d{3})\b`)
)

const jsonContext = 160

// 헬스체크류 경로. 2xx 는 무조건 무시한다.
var noisePaths = map[string]bool{
	"/":        true,
	"/health":  true,
	"/healthz": true,
	"/metrics": true,
	"/livez":   true,
	"/readyz":  true,
}

// httpHit 은 HTTP status 후보 하나.
type httpHit struct {
	code    int
	method  string
	uri     string
	snippet string
	order   int
}

func (h httpHit) headline() string {
	return fmt.Sprintf("HTTP %d %s %s", h.code, h.method, h.uri)
}

// accessLogHits 는 access log 스타일 라인을 찾는다.
func accessLogHits(lines []string) []httpHit {
	return lineHits(lines, reAccessLog)
}

// clientLogHits 는 httpx 류 클라이언트 로그 라인을 찾는다.
func clientLogHits(lines []string) []httpHit {
	return lineHits(lines, reClientLog)
}

func lineHits(lines []string, re *regexp.Regexp) []httpHit {
	var hits []httpHit
	for i, l := range lines {
		m := re.FindStringSubmatch(l)
		if m == nil {
			continue
		}
		code, err := strconv.Atoi(m[3])
		if err != nil {
			continue
		}
		hits = append(hits, httpHit{
			code:    code,
			method:  strings.ToUpper(m[1]),
			uri:     m[2],
			snippet: strings.TrimSpace(l),
			order:   i,
		})
	}
	return hits
}

// jsonStatusHits 는 전체 텍스트에서 "status": NNN 조각을 찾고
// 앞뒤 jsonContext 글자를 snippet 으로 남긴다.
func jsonStatusHits(text string, base int) []httpHit {
	var hits []httpHit
	for i, loc := range reJSONStatus.FindAllStringSubmatchIndex(text, -1) {
		code, err := strconv.Atoi(text[loc[2]:loc[3]])
		if err != nil {
			continue
		}
		start := loc[0] - jsonContext
		if start < 0 {
			start = 0
		}
		end := loc[1] + jsonContext
		if end > len(text) {
			end = len(text)
		}
		hits = append(hits, httpHit{
			code:    code,
			method:  "n/a",
			uri:     "n/a",
			snippet: strings.TrimSpace(text[start:end]),
			order:   base + i,
		})
	}
	return hits
}

func isNoise(h httpHit) bool {
	if h.code < 400 {
		return true
	}
	path := h.uri
	if i := strings.IndexAny(path, "?#"); i >= 0 {
		path = path[:i]
	}
	return noisePaths[path] && (h.code == 200 || h.code == 204)
}

// pickWorst 는 5xx 우선, 그 다음 높은 코드, 같으면 먼저 나온 것.
func pickWorst(hits []httpHit) (httpHit, bool) {
	kept := hits[:0:0]
	for _, h := range hits {
		if !isNoise(h) {
			kept = append(kept, h)
		}
	}
	if len(kept) == 0 {
		return httpHit{}, false
	}
	sort.SliceStable(kept, func(i, j int) bool {
		a5, b5 := kept[i].code >= 500, kept[j].code >= 500
		if a5 != b5 {
			return a5
		}
		if kept[i].code != kept[j].code {
			return kept[i].code > kept[j].code
		}
		return kept[i].order < kept[j].order
	})
	return kept[0], true
}

// HTTP 는 HTTP status fallback 경로만 시도한다.
func (e *Extractor) HTTP(lines []string) (Draft, bool) {
	var hits []httpHit
	hits = append(hits, accessLogHits(lines)...)
	hits = append(hits, clientLogHits(lines)...)
	hits = append(hits, jsonStatusHits(strings.Join(lines, "\n"), len(lines))...)

	best, ok := pickWorst(hits)
	if !ok {
		return Draft{}, false
	}

	frames := e.stackFrames(lines, e.opts.MaxFrames)

	var b strings.Builder
	b.WriteString(best.headline())
	b.WriteString("\nSnippet:\n")
	b.WriteString(best.snippet)
	if len(frames) > 0 {
		b.WriteString("\nAt:")
		for _, f := range frames {
			b.WriteString("\n  ")
			b.WriteString(f)
		}
	}

	d := Draft{
		Content:  b.String(),
		Headline: best.headline(),
		Origin:   originHTTP,
		Severity: severityHTTP4xx,
		Status:   best.code,
	}
	if best.code >= 500 {
		d.Severity = severityHTTP5xx
	}
	if len(frames) > 0 {
		d.LastFrame = frames[len(frames)-1]
	}
	return d, true
}
