package model

import (
	"sort"
	"time"
	"unicode/utf8"
)

// Origin 은 인시던트 본문이 어떤 경로로 만들어졌는지를 나타낸다.
// 저장소 upsert 시 content 교체 우선순위(origin_rank)로 쓰인다.
type Origin string

const (
	OriginDocument  Origin = "document"  // /v1/ingest 로 직접 들어온 문서
	OriginHTTP      Origin = "http"      // HTTP status fallback
	OriginBundle    Origin = "bundle"    // trace bundle
	OriginTraceback Origin = "traceback" // traceback 추출
)

// Rank 가 높을수록 더 정보가 많은 본문이다.
func (o Origin) Rank() int {
	switch o {
	case OriginHTTP:
		return 1
	case OriginBundle:
		return 2
	case OriginTraceback:
		return 3
	}
	return 0
}

// LineSpan 은 배치 내 라인 범위(1-based, 양끝 포함).
type LineSpan struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Incident
// ------------------------------------------------------------
// 파이프라인의 최종 출력 단위. episode/http/bundle 어느 경로든
// 이 구조체로 수렴하고, fingerprint 병합 후 저장소로 upsert 된다.
type Incident struct {
	ID          string // 저장소 primary key (coarse signature hash)
	Fingerprint string // 배치 내 dedup 용 content signature

	Source    string
	Service   string
	TraceID   string
	Operation string

	Severity Severity
	Origin   Origin
	Content  string

	// coarse signature 재료
	Headline       string
	ExceptionClass string
	LastFrame      string

	FirstTS  time.Time
	LastTS   time.Time
	LogCount int

	Propagation []string   // bundle 전용: 연속 중복 제거된 서비스 경로
	Refs        []string   // trace id / batch 참조 (표시용, 개수 제한)
	Spans       []LineSpan // 배치 내 라인 범위
}

// MaxContentLen 은 저장되는 본문 길이 상한.
const MaxContentLen = 5000

// TruncationMarker 는 길이 제한이 적용됐을 때 본문 끝에 붙는다.
const TruncationMarker = "\n...[truncated]"

// Truncate 는 s 를 max 바이트 이하로 자른다.
// 항상 같은 입력에 같은 결과를 내며, UTF-8 경계를 깨지 않는다.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max - len(TruncationMarker)
	if cut < 0 {
		cut = 0
	}
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + TruncationMarker
}

// Clip 은 marker 없이 잘라낸다 (source/operation 같은 짧은 필드용).
func Clip(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// UnionRefs 는 순서를 유지하며 중복을 제거하고 limit 개로 자른다.
func UnionRefs(a, b []string, limit int) []string {
	out := make([]string, 0, len(a)+len(b))
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, list := range [][]string{a, b} {
		for _, r := range list {
			if r == "" {
				continue
			}
			if _, ok := seen[r]; ok {
				continue
			}
			seen[r] = struct{}{}
			out = append(out, r)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// UnionSpans 는 라인 범위를 정렬 후 겹치거나 맞닿은 구간을 합친다.
func UnionSpans(a, b []LineSpan, limit int) []LineSpan {
	all := make([]LineSpan, 0, len(a)+len(b))
	all = append(all, a...)
	all = append(all, b...)
	if len(all) == 0 {
		return nil
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Start != all[j].Start {
			return all[i].Start < all[j].Start
		}
		return all[i].End < all[j].End
	})

	out := []LineSpan{all[0]}
	for _, s := range all[1:] {
		last := &out[len(out)-1]
		if s.Start <= last.End+1 {
			if s.End > last.End {
				last.End = s.End
			}
			continue
		}
		out = append(out, s)
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
