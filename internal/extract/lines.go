package extract

import (
	"regexp"
	"strings"
)

// 플랫폼 메타데이터 JSON 라인 판별에 쓰는 키
var metadataKeys = []string{
	`"ContainerAppName"`,
	`"ContainerGroupName"`,
	`"ContainerImage"`,
	`"EnvironmentName"`,
	`"RevisionName"`,
}

var (
	reAppName = regexp.MustCompile(`"ContainerAppName"\s*:\s*"([^"]+)"`)

	// 라이브러리/인터프리터 경로
	internalHints = []string{"/site-packages/", "/dist-packages/", "/usr/local/lib/python", "/usr/lib/python", "<frozen "}
)

// splitLines 는 여러 줄을 담은 원소를 풀고 끝의 \r 을 제거한다.
func splitLines(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !strings.ContainsRune(s, '\n') {
			out = append(out, strings.TrimRight(s, "\r"))
			continue
		}
		for _, part := range strings.Split(s, "\n") {
			out = append(out, strings.TrimRight(part, "\r"))
		}
	}
	return out
}

// isMetadataLine 은 Azure 플랫폼 메타데이터 JSON 덩어리인지 본다.
func isMetadataLine(s string) bool {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "{") {
		return false
	}
	for _, k := range metadataKeys {
		if strings.Contains(t, k) {
			return true
		}
	}
	return false
}

// prefilter 는 메타데이터 라인을 제거하고, 그 안의 앱 이름을 source 힌트로 돌려준다.
func prefilter(lines []string) ([]string, string) {
	var hint string
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if isMetadataLine(l) {
			if hint == "" {
				if m := reAppName.FindStringSubmatch(l); m != nil {
					hint = m[1]
				}
			}
			continue
		}
		out = append(out, l)
	}
	return out, hint
}

func isInternal(s string) bool {
	for _, h := range internalHints {
		if strings.Contains(s, h) {
			return true
		}
	}
	return false
}

func nonEmpty(s string) bool {
	return strings.TrimSpace(s) != ""
}

// IsInternalPath 는 라이브러리/인터프리터 경로를 포함하는지 본다.
func IsInternalPath(s string) bool {
	return isInternal(s)
}
