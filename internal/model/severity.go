package model

import "strings"

// Severity
// ------------------------------------------------------------
// 로그/인시던트의 정규화된 심각도 서열.
// DEBUG < INFO < WARNING < ERROR < CRITICAL 순서이며,
// 병합(merge) 시에는 항상 max 를 취한다 (하향 조정 금지).
type Severity int8

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
	SeverityCritical
)

var severityNames = [...]string{"DEBUG", "INFO", "WARNING", "ERROR", "CRITICAL"}

func (s Severity) String() string {
	if s < SeverityDebug || s > SeverityCritical {
		return "INFO"
	}
	return severityNames[s]
}

// Rank 는 저장소의 severity_rank 컬럼 값이다.
func (s Severity) Rank() int { return int(s) }

// MaxSeverity 는 두 값 중 높은 쪽을 돌려준다.
func MaxSeverity(a, b Severity) Severity {
	if b > a {
		return b
	}
	return a
}

// ParseSeverityName 은 정식 이름만 인식한다 (동의어/추론은 severity 패키지 담당).
func ParseSeverityName(s string) (Severity, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return SeverityDebug, true
	case "INFO":
		return SeverityInfo, true
	case "WARNING":
		return SeverityWarning, true
	case "ERROR":
		return SeverityError, true
	case "CRITICAL":
		return SeverityCritical, true
	}
	return SeverityInfo, false
}

func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Severity) UnmarshalText(b []byte) error {
	v, _ := ParseSeverityName(string(b))
	*s = v
	return nil
}
