// Package fingerprint 는 인시던트 본문의 동적 값(id, 시각, 숫자, URL)을 지워
// 안정적인 signature 를 만들고, 같은 signature 끼리 병합한다.
//
// 두 가지 hash 가 있다.
//
//	Signature : 본문 라인 집합 기반. 배치 안 dedup 에 쓴다.
//	StorageID : {예외 클래스, headline, 마지막 frame, source} 기반. 저장소 primary key.
package fingerprint

import (
	"encoding/hex"
	"regexp"
	"sort"
	"strings"
	"unicode"

	"github.com/zeebo/blake3"
)

type rule struct {
	re   *regexp.Regexp
	repl string
}

// 적용 순서가 중요하다 (URL/시각을 먼저 지워야 숫자 규칙이 쪼개지 않는다).
var rules = []rule{
	{regexp.MustCompile(`https?://[^\s"'<>]+`), "[url]"},
	{regexp.MustCompile(`\d{4}-\d{2}-\d{2}[t ]\d{2}:\d{2}:\d{2}(?:[.,]\d+)?(?:z|[+-]\d{2}:?\d{2})?`), "[ts]"},
	{regexp.MustCompile(`\b\d{2}:\d{2}:\d{2}(?:[.,]\d{1,6})?\b`), "[time]"},
	{regexp.MustCompile(`\b[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\b`), "[id32]"},
	{regexp.MustCompile(`\b[0-9a-f]{32}\b`), "[id32]"},
	{regexp.MustCompile(`\b[0-9a-f]{16}\b`), "[id16]"},
	{regexp.MustCompile(`\b0x[0-9a-f]+\b`), "[hex]"},
	{regexp.MustCompile(`\b\d+\b`), "[num]"},
}

// CanonicalLine 은 한 줄을 소문자화하고 동적 값을 placeholder 로 바꾼다.
func CanonicalLine(s string) string {
	s = strings.ToLower(s)
	for _, r := range rules {
		s = r.re.ReplaceAllString(s, r.repl)
	}
	return strings.TrimFunc(s, func(r rune) bool {
		if r == '[' || r == ']' {
			return false
		}
		return unicode.IsSpace(r) || unicode.IsPunct(r) || unicode.IsSymbol(r)
	})
}

// Signature 는 정규화된 라인 집합(정렬, 중복 제거)의 blake3 hash.
// 라인 순서나 반복 횟수가 달라도 같은 값이 나온다.
func Signature(content string) string {
	set := make(map[string]struct{})
	for _, line := range strings.Split(content, "\n") {
		if c := CanonicalLine(line); c != "" {
			set[c] = struct{}{}
		}
	}
	lines := make([]string, 0, len(set))
	for l := range set {
		lines = append(lines, l)
	}
	sort.Strings(lines)

	sum := blake3.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:16])
}

// Key 는 저장소 id 의 재료.
type Key struct {
	ExceptionClass string
	Headline       string
	LastFrame      string
	Source         string
}

// StorageID 는 coarse signature 의 blake3 hash 앞 20 byte (hex 40자).
// 같은 예외 타입 + 같은 호출 위치면 동적 값이 달라도 같은 id 가 된다.
func StorageID(k Key) string {
	exc := strings.TrimSpace(k.ExceptionClass)
	if exc == "" {
		exc = "NOEXC"
	}
	sig := strings.Join([]string{
		exc,
		CanonicalLine(k.Headline),
		CanonicalLine(k.LastFrame),
		strings.TrimSpace(k.Source),
	}, "||")
	sum := blake3.Sum256([]byte(sig))
	return hex.EncodeToString(sum[:20])
}
