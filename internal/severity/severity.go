// Package severity 는 제각각인 level/severity 필드를
// 하나의 서열(model.Severity)로 정규화한다.
//
// 우선순위:
//  1. 명시 필드 (severity, level, logLevel, severityLevel ...)
//  2. 문자열 동의어 / prefix 휴리스틱
//  3. 메시지 본문 추론
//
// 어떤 입력도 panic/에러 없이 결정되며, 모르면 INFO.
package severity

import (
	"math"
	"regexp"
	"strconv"
	"strings"

	"triage-ingest/internal/model"
)

// 명시 필드 후보 (앞쪽이 우선)
var levelKeys = []string{
	"severity", "Severity",
	"level", "Level", "levelname",
	"logLevel", "LogLevel", "log_level",
	"severityLevel", "SeverityLevel",
}

// App Insights 0~4 스케일을 쓰는 키
var appInsightsKeys = map[string]bool{
	"severityLevel": true,
	"SeverityLevel": true,
}

// 중첩 위치 (App Insights / Container Apps)
var nestedKeys = []string{"properties", "customDimensions"}

var synonyms = map[string]model.Severity{
	"DEBUG":       model.SeverityDebug,
	"DBG":         model.SeverityDebug,
	"TRACE":       model.SeverityDebug,
	"VERBOSE":     model.SeverityDebug,
	"INFO":        model.SeverityInfo,
	"INFORMATION": model.SeverityInfo,
	"NOTICE":      model.SeverityInfo,
	"WARNING":     model.SeverityWarning,
	"WARN":        model.SeverityWarning,
	"ERROR":       model.SeverityError,
	"ERR":         model.SeverityError,
	"CRITICAL":    model.SeverityCritical,
	"CRIT":        model.SeverityCritical,
	"FATAL":       model.SeverityCritical,
	"PANIC":       model.SeverityCritical,
	"EMERGENCY":   model.SeverityCritical,
	"ALERT":       model.SeverityCritical,
}

// Classify 는 레코드 필드에서 명시 level 을 찾고,
// 없으면 text 에서 추론한다.
func Classify(fields map[string]any, text string) model.Severity {
	if s, ok := FromFields(fields); ok {
		return s
	}
	return Infer(text)
}

// FromFields 는 최상위 → properties → customDimensions 순서로
// level 후보 키를 찾는다. 해석 가능한 값이 없으면 false.
func FromFields(fields map[string]any) (model.Severity, bool) {
	if fields == nil {
		return model.SeverityInfo, false
	}
	if s, ok := fromMap(fields); ok {
		return s, true
	}
	for _, nk := range nestedKeys {
		if inner, ok := fields[nk].(map[string]any); ok {
			if s, ok := fromMap(inner); ok {
				return s, true
			}
		}
	}
	return model.SeverityInfo, false
}

func fromMap(m map[string]any) (model.Severity, bool) {
	for _, k := range levelKeys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		if s, ok := FromValue(v, appInsightsKeys[k]); ok {
			return s, true
		}
	}
	return model.SeverityInfo, false
}

// FromValue 는 숫자/문자열 level 값을 해석한다.
// appInsights 가 true 면 0~4 정수를 App Insights 스케일로 본다.
func FromValue(v any, appInsights bool) (model.Severity, bool) {
	switch t := v.(type) {
	case float64:
		return FromNumber(t, appInsights), true
	case float32:
		return FromNumber(float64(t), appInsights), true
	case int:
		return FromNumber(float64(t), appInsights), true
	case int64:
		return FromNumber(float64(t), appInsights), true
	case string:
		if n, err := strconv.ParseFloat(strings.TrimSpace(t), 64); err == nil {
			return FromNumber(n, appInsights), true
		}
		return FromString(t)
	}
	return model.SeverityInfo, false
}

// FromNumber
//
//	App Insights: 0=DEBUG 1=INFO 2=WARNING 3=ERROR 4=CRITICAL
//	그 외(python logging 스타일): >=50 CRITICAL, >=40 ERROR, >=30 WARNING, >=20 INFO
func FromNumber(n float64, appInsights bool) model.Severity {
	if math.IsNaN(n) {
		return model.SeverityInfo
	}
	if appInsights && n >= 0 && n <= 4 && n == math.Trunc(n) {
		return model.Severity(int8(n))
	}
	switch {
	case n >= 50:
		return model.SeverityCritical
	case n >= 40:
		return model.SeverityError
	case n >= 30:
		return model.SeverityWarning
	case n >= 20:
		return model.SeverityInfo
	}
	return model.SeverityDebug
}

// FromString 은 정식 이름/동의어, 그 다음 prefix 를 본다.
// 둘 다 실패하면 false (호출측이 본문 추론으로 넘어간다).
func FromString(s string) (model.Severity, bool) {
	u := strings.ToUpper(strings.TrimSpace(s))
	if u == "" {
		return model.SeverityInfo, false
	}
	if sev, ok := synonyms[u]; ok {
		return sev, true
	}
	switch {
	case strings.HasPrefix(u, "WARN"):
		return model.SeverityWarning, true
	case strings.HasPrefix(u, "ERR"):
		return model.SeverityError, true
	case strings.HasPrefix(u, "CRIT"), strings.HasPrefix(u, "FATAL"):
		return model.SeverityCritical, true
	case strings.HasPrefix(u, "DEBUG"), strings.HasPrefix(u, "DBG"):
		return model.SeverityDebug, true
	case strings.HasPrefix(u, "INFO"):
		return model.SeverityInfo, true
	}
	return model.SeverityInfo, false
}

var (
	reCritical  = regexp.MustCompile(`(?i)\b(fatal|critical|panic)\b`)
	reTraceback = regexp.MustCompile(`Traceback \(most recent call last\):`)
	reExcTail   = regexp.MustCompile(`^\s*[A-Za-z_][\w.]*(Error|Exception|Failure)\b`)
	reErrorWord = regexp.MustCompile(`(?i)\b(error|exception|failed|failure|module_not_found)\b`)
	reStatus    = regexp.MustCompile(`(?i)(?:HTTP/\d(?:\.\d)?"?\s+|\bstatus(?:[_ ]?code)?"?\s*[:=]\s*)([1-5]\d{2})\b`)
	reWarnWord  = regexp.MustCompile(`(?i)\bwarn(ing)?\b`)
)

// Infer 는 명시 level 이 없을 때 본문에서 심각도를 추정한다.
//
//	fatal/critical/panic            → CRITICAL
//	traceback, 예외 tail, error 류  → ERROR
//	HTTP 5xx → ERROR, 4xx → WARNING
//	warn                            → WARNING
//	그 외                           → INFO
func Infer(text string) model.Severity {
	if text == "" {
		return model.SeverityInfo
	}
	if reCritical.MatchString(text) {
		return model.SeverityCritical
	}
	if reTraceback.MatchString(text) || reExcTail.MatchString(text) || reErrorWord.MatchString(text) {
		return model.SeverityError
	}
	if m := reStatus.FindStringSubmatch(text); m != nil {
		switch m[1][0] {
		case '5':
			return model.SeverityError
		case '4':
			return model.SeverityWarning
		}
	}
	if reWarnWord.MatchString(text) {
		return model.SeverityWarning
	}
	return model.SeverityInfo
}
