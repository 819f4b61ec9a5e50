package bundle

import (
	"fmt"
	"regexp"
	"strings"

	"triage-ingest/internal/extract"
	"triage-ingest/internal/model"
)

// 오류가 있는 bundle 에서 생략하는 반복성 잡음 라인
var chatter = []*regexp.Regexp{
	regexp.MustCompile(`^Response status: 2\d\d\b`),
	regexp.MustCompile(`^Request (URL|method|headers):`),
	regexp.MustCompile(`^Response headers:`),
	regexp.MustCompile(`HTTP/\d(?:\.\d)?"?\s+2\d\d\b`),
	regexp.MustCompile(`(?i)^(job|scheduler)\b`),
	regexp.MustCompile(`(?i)\bjob "[^"]*" (executed|added|removed)`),
	regexp.MustCompile(`(?i)\b(running|started|completed|succeeded) job\b`),
}

const maxStackLines = 5

// 잘림 표시가 예산을 넘지 않도록 남겨두는 여유
const markerReserve = 48

func isChatter(msg string) bool {
	for _, re := range chatter {
		if re.MatchString(msg) {
			return true
		}
	}
	return false
}

// cleanMessage 는 라이브러리 frame 과 그 다음 코드 라인을 지운다.
func cleanMessage(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	out := lines[:0:0]
	skipCode := false
	for _, l := range lines {
		if skipCode {
			skipCode = false
			if !extract.IsFrame(l) && (strings.HasPrefix(l, " ") || strings.HasPrefix(l, "\t")) {
				continue
			}
		}
		if extract.IsFrame(l) && extract.IsInternalPath(l) {
			skipCode = true
			continue
		}
		out = append(out, strings.TrimRight(l, " \t"))
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

func stackLines(st string) []string {
	var out []string
	for _, l := range strings.Split(cleanMessage(st), "\n") {
		if strings.TrimSpace(l) == "" {
			continue
		}
		out = append(out, "    "+strings.TrimSpace(l))
		if len(out) >= maxStackLines {
			break
		}
	}
	return out
}

func formatEntry(r model.Record, msg string) string {
	var b strings.Builder
	b.WriteByte('[')
	b.WriteString(r.Severity.String())
	b.WriteString("] ")
	b.WriteString(msg)
	if r.ExceptionType != "" {
		b.WriteString("\n  Exception: ")
		b.WriteString(r.ExceptionType)
	}
	if r.StackTrace != "" {
		for _, l := range stackLines(r.StackTrace) {
			b.WriteByte('\n')
			b.WriteString(l)
		}
	}
	return b.String()
}

// formatContent 는 시간순 레코드를 "[SEVERITY] message" 블록으로 이어 붙인다.
//
//   - ERROR 이상이 하나라도 있으면 INFO 이하의 잡음 라인은 생략
//   - 완전히 같은 메시지는 한 번만
//   - 레코드 수/글자 예산을 넘으면 "... (N more logs truncated)" 로 끝낸다
//
// extra 는 메모리 상한으로 보관하지 못한 레코드 수로, 잘림 수에 더해진다.
func formatContent(recs []model.Record, extra int, maxLogs, budget int) string {
	hasErrors := false
	for _, r := range recs {
		if r.Severity >= model.SeverityError {
			hasErrors = true
			break
		}
	}

	limit := budget - markerReserve
	if limit < 0 {
		limit = 0
	}

	seen := make(map[string]struct{}, len(recs))
	var parts []string
	size, remaining := 0, 0
	for i, r := range recs {
		if i >= maxLogs {
			remaining = len(recs) - i
			break
		}
		msg := cleanMessage(r.Content)
		if msg == "" {
			continue
		}
		if hasErrors && r.Severity < model.SeverityWarning && isChatter(msg) {
			continue
		}
		if _, dup := seen[msg]; dup {
			continue
		}
		seen[msg] = struct{}{}

		entry := formatEntry(r, msg)
		if size+len(entry)+1 > limit {
			if len(parts) == 0 {
				// 첫 항목이 너무 길면 잘라서라도 남긴다
				parts = append(parts, model.Clip(entry, limit))
				remaining = len(recs) - i - 1
				break
			}
			remaining = len(recs) - i
			break
		}
		parts = append(parts, entry)
		size += len(entry) + 1
	}

	remaining += extra
	if remaining > 0 {
		parts = append(parts, fmt.Sprintf("... (%d more logs truncated)", remaining))
	}
	return model.Truncate(strings.Join(parts, "\n"), budget)
}
