package archive

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"time"

	json "github.com/goccy/go-json"
	"github.com/klauspost/compress/gzip"

	"triage-ingest/internal/model"
	"triage-ingest/internal/pool"
)

// Line 은 archive 객체의 한 줄.
// body 는 받은 그대로의 payload 텍스트 (재처리 시 원문 복원용).
type Line struct {
	Seq        int64     `json:"seq"`
	ReceivedAt time.Time `json:"received_at"`
	Producer   string    `json:"producer"`
	Body       string    `json:"body"`
}

// Encode 는 이벤트 배치를 JSONL → gzip 으로 직렬화한다.
//
// gzip.Writer 와 결과 버퍼는 pool 에서 빌려 쓰고,
// 반환값은 호출자 소유의 새 slice 로 복사한다 (pool 버퍼를 넘기면 재사용 시 깨짐).
func Encode(events []*model.Event) ([]byte, error) {
	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)

	gz := pool.GetGzip(buf)
	defer pool.PutGzip(gz)

	enc := json.NewEncoder(gz)

	for _, ev := range events {
		line := Line{
			Seq:        ev.Seq,
			ReceivedAt: ev.ReceivedAt,
			Producer:   ev.Producer,
			Body:       string(ev.Body),
		}
		if err := enc.Encode(&line); err != nil {
			_ = gz.Close()
			return nil, fmt.Errorf("encode seq=%d: %w", ev.Seq, err)
		}
	}

	// Close 시 gzip footer 까지 기록된다
	if err := gz.Close(); err != nil {
		return nil, err
	}

	return bytes.Clone(buf.Bytes()), nil
}

// Decode 는 archive 객체(gzip JSONL)를 Line 목록으로 되돌린다.
// 빈 줄은 건너뛰고, 깨진 줄이 있으면 몇 번째 줄인지 포함해 에러를 낸다.
func Decode(data []byte) ([]Line, error) {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	defer gz.Close()

	var out []Line
	r := bufio.NewReader(gz)
	for n := 1; ; n++ {
		raw, err := r.ReadBytes('\n')
		if len(bytes.TrimSpace(raw)) > 0 {
			var l Line
			if uerr := json.Unmarshal(raw, &l); uerr != nil {
				return out, fmt.Errorf("line %d: %w", n, uerr)
			}
			out = append(out, l)
		}
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("line %d: %w", n, err)
		}
	}
}

// Payloads 는 Decode 결과에서 body 만 꺼낸다 (파이프라인 입력).
func Payloads(lines []Line) [][]byte {
	out := make([][]byte, 0, len(lines))
	for _, l := range lines {
		out = append(out, []byte(l.Body))
	}
	return out
}

// firstLineValid 는 gzip 을 풀어 첫 JSONL 라인이 JSON 객체인지 본다.
func firstLineValid(r io.Reader) bool {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return false
	}
	defer gz.Close()

	line, err := bufio.NewReader(gz).ReadBytes('\n')
	if err != nil && err != io.EOF {
		return false
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return false
	}

	var tmp map[string]any
	return json.Unmarshal(line, &tmp) == nil
}
