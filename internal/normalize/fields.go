package normalize

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// 필드 후보 목록. 앞쪽이 우선한다.
var (
	contentKeys = []string{"message", "msg", "Message", "content", "body", "Body"}
	logKeys     = []string{"Log", "log", "Log_s"}
	categoryKey = []string{"category", "Category"}
	sourceKeys  = []string{"category", "Category", "source", "resourceId", "ResourceId"}
	timeKeys    = []string{"timeGenerated", "TimeGenerated", "timestamp", "Timestamp", "ts", "time", "@timestamp"}

	traceKeys     = []string{"operation_Id", "operationId", "traceId", "trace_id", "TraceId", "otelTraceId", "x-ms-request-id"}
	spanKeys      = []string{"operation_ParentId", "spanId", "span_id", "SpanId", "otelSpanId", "requestId", "RequestId"}
	serviceKeys   = []string{"cloud_RoleName", "appName", "AppRoleName", "serviceName", "service", "ContainerAppName", "ContainerAppName_s"}
	replicaKeys   = []string{"ContainerGroupName", "ContainerGroupName_s", "containerGroup", "ContainerId", "ContainerId_s", "containerId", "RevisionName", "RevisionName_s", "revision"}
	operationKeys = []string{"operation_Name", "operationName", "OperationName", "name"}
	appKeys       = []string{"ContainerAppName", "ContainerAppName_s", "appName"}
	containerKeys = []string{"ContainerName", "ContainerName_s", "containerName"}

	// App Insights / Container Apps 에서 실제 값이 들어있는 중첩 위치
	nestedKeys = []string{"properties", "Properties", "customDimensions"}
)

var reContainerApp = regexp.MustCompile(`(?i)/containerApps/([^/]+)`)

// view 는 레코드 최상위 + 중첩 맵을 하나의 조회 대상으로 묶는다.
type view struct {
	top    map[string]any
	nested []map[string]any
}

func newView(fields map[string]any) view {
	v := view{top: fields}
	for _, k := range nestedKeys {
		if m, ok := fields[k].(map[string]any); ok {
			v.nested = append(v.nested, m)
		}
	}
	return v
}

// str 은 최상위 → 중첩 순으로 첫 번째 비어있지 않은 문자열 값을 찾는다.
func (v view) str(keys []string) string {
	if s := firstString(v.top, keys); s != "" {
		return s
	}
	for _, m := range v.nested {
		if s := firstString(m, keys); s != "" {
			return s
		}
	}
	return ""
}

func (v view) raw(keys []string) (any, bool) {
	if x, ok := firstValue(v.top, keys); ok {
		return x, true
	}
	for _, m := range v.nested {
		if x, ok := firstValue(m, keys); ok {
			return x, true
		}
	}
	return nil, false
}

func firstValue(m map[string]any, keys []string) (any, bool) {
	for _, k := range keys {
		x, ok := m[k]
		if !ok || x == nil {
			continue
		}
		if s, isStr := x.(string); isStr && strings.TrimSpace(s) == "" {
			continue
		}
		return x, true
	}
	return nil, false
}

func firstString(m map[string]any, keys []string) string {
	x, ok := firstValue(m, keys)
	if !ok {
		return ""
	}
	return stringify(x)
}

// stringify 는 스칼라는 문자열로, 객체/배열은 JSON 으로 바꾼다.
func stringify(x any) string {
	switch t := x.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case map[string]any, []any:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(b)
	}
	return fmt.Sprint(x)
}

// serviceFromResource 는 resourceId 의 /containerApps/<name> 을 서비스명으로 쓴다.
func serviceFromResource(resourceID string) string {
	if m := reContainerApp.FindStringSubmatch(resourceID); m != nil {
		return m[1]
	}
	return ""
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05,000",
	"2006-01-02T15:04:05.999999999Z0700",
}

// parseTime 은 알려진 형태의 timestamp 를 UTC 로 파싱한다.
// epoch 숫자는 크기로 초/밀리초를 구분한다.
func parseTime(x any) (time.Time, bool) {
	switch t := x.(type) {
	case float64:
		return fromEpoch(t)
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return time.Time{}, false
		}
		for _, layout := range timeLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), true
			}
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil {
			return fromEpoch(f)
		}
	}
	return time.Time{}, false
}

func fromEpoch(f float64) (time.Time, bool) {
	if f <= 0 || math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, false
	}
	if f > 1e12 {
		// 밀리초
		return time.UnixMilli(int64(f)).UTC(), true
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
}
