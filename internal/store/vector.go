package store

import (
	"database/sql/driver"
	"fmt"
	"strconv"
	"strings"
)

// Vector 는 pgvector 텍스트 표현("[1,2,3]")으로 읽고 쓰는 float32 벡터.
// nil 이면 NULL.
type Vector []float32

func (v Vector) String() string {
	var b strings.Builder
	b.Grow(len(v)*8 + 2)
	b.WriteByte('[')
	for i, x := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(x), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

func (v Vector) Value() (driver.Value, error) {
	if v == nil {
		return nil, nil
	}
	return v.String(), nil
}

func (v *Vector) Scan(src any) error {
	switch s := src.(type) {
	case nil:
		*v = nil
		return nil
	case []byte:
		return v.parse(string(s))
	case string:
		return v.parse(s)
	}
	return fmt.Errorf("vector: unsupported scan type %T", src)
}

func (v *Vector) parse(s string) error {
	s = strings.TrimSpace(s)
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return fmt.Errorf("vector: malformed %q", s)
	}
	body := strings.TrimSpace(s[1 : len(s)-1])
	if body == "" {
		*v = Vector{}
		return nil
	}
	parts := strings.Split(body, ",")
	out := make(Vector, len(parts))
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 32)
		if err != nil {
			return fmt.Errorf("vector: element %d: %w", i, err)
		}
		out[i] = float32(f)
	}
	*v = out
	return nil
}

// FitDimension 은 벡터를 dim 길이로 맞춘다 (부족하면 0 패딩, 넘치면 자름).
// 두 번째 반환값은 조정이 있었는지.
func FitDimension(vec []float32, dim int) ([]float32, bool) {
	if dim <= 0 || len(vec) == dim {
		return vec, false
	}
	out := make([]float32, dim)
	copy(out, vec)
	return out, true
}
