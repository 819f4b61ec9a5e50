package normalize

import (
	"bytes"
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
)

// Envelope
// ------------------------------------------------------------
// 입력 payload 의 형태를 경계에서 한 번만 판별한 결과.
//
//	Single : 평평한 JSON 객체 1개
//	Batch  : {"records":[...]} 모니터링 export 또는 JSON 배열
//	Raw    : JSON 으로 해석되지 않는 텍스트 라인
//
// 이후 단계는 타입 스위치 한 번으로 처리한다.
type Envelope interface {
	isEnvelope()
}

type Single struct {
	Fields map[string]any
}

type Batch struct {
	Records []map[string]any
}

type Raw struct {
	Text string
}

func (Single) isEnvelope() {}
func (Batch) isEnvelope()  {}
func (Raw) isEnvelope()    {}

// Decode 는 payload 를 envelope 목록으로 바꾼다.
//
//  1. 전체가 하나의 JSON 값이면 그대로 판별 (pretty-print 된 객체 포함)
//  2. 아니면 JSON Lines 로 보고 라인마다 판별
//  3. 파싱 실패 라인은 Raw 로 남긴다 (버리지 않음)
func Decode(payload []byte) []Envelope {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return nil
	}

	var whole any
	if err := json.Unmarshal(payload, &whole); err == nil {
		if env := classify(whole, string(payload)); env != nil {
			return []Envelope{env}
		}
		return nil
	}

	var out []Envelope
	for _, line := range bytes.Split(payload, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var v any
		if err := json.Unmarshal(line, &v); err != nil {
			out = append(out, Raw{Text: string(line)})
			continue
		}
		if env := classify(v, string(line)); env != nil {
			out = append(out, env)
		}
	}
	return out
}

func classify(v any, text string) Envelope {
	switch t := v.(type) {
	case map[string]any:
		if recs, ok := t["records"].([]any); ok {
			return Batch{Records: toRecords(recs)}
		}
		return Single{Fields: t}
	case []any:
		return Batch{Records: toRecords(t)}
	case string:
		if strings.TrimSpace(t) == "" {
			return nil
		}
		return Raw{Text: t}
	case nil:
		return nil
	default:
		return Raw{Text: strings.TrimSpace(text)}
	}
}

func toRecords(items []any) []map[string]any {
	out := make([]map[string]any, 0, len(items))
	for _, it := range items {
		switch r := it.(type) {
		case map[string]any:
			out = append(out, r)
		case string:
			if strings.TrimSpace(r) != "" {
				out = append(out, map[string]any{"message": r})
			}
		case nil:
		default:
			out = append(out, map[string]any{"message": fmt.Sprint(r)})
		}
	}
	return out
}

// IsMetrics 는 metrics envelope 여부를 판단한다.
// records 배열은 첫 원소만 본다.
func IsMetrics(env Envelope) bool {
	switch e := env.(type) {
	case Single:
		return isMetricRecord(e.Fields)
	case Batch:
		return len(e.Records) > 0 && isMetricRecord(e.Records[0])
	}
	return false
}

func isMetricRecord(m map[string]any) bool {
	if m == nil {
		return false
	}
	if _, ok := m["metricName"]; ok {
		return true
	}
	if _, ok := m["MetricName"]; ok {
		return true
	}
	if it, ok := m["itemType"].(string); ok && strings.EqualFold(it, "metric") {
		return true
	}
	return false
}
