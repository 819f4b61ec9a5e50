package embed

import (
	"context"
	"math"
	"strings"
	"unicode"

	"github.com/twmb/murmur3"
)

// LocalProvider 는 토큰 unigram/bigram 을 murmur3 로 차원에 흩뿌리는
// feature hashing 임베더. 원격 provider 가 없을 때 쓴다.
type LocalProvider struct {
	dim int
}

func NewLocal(dim int) *LocalProvider {
	if dim <= 0 {
		dim = 384
	}
	return &LocalProvider{dim: dim}
}

func (p *LocalProvider) Model() string  { return "local-hash" }
func (p *LocalProvider) Dimension() int { return p.dim }

func (p *LocalProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = p.vector(t)
	}
	return out, nil
}

func (p *LocalProvider) vector(text string) []float32 {
	v := make([]float32, p.dim)
	toks := tokenize(text)
	add := func(feature string) {
		h := murmur3.StringSum64(feature)
		idx := int(h % uint64(p.dim))
		if h>>63 == 1 {
			v[idx]--
		} else {
			v[idx]++
		}
	}
	for i, tok := range toks {
		add(tok)
		if i > 0 {
			add(toks[i-1] + " " + tok)
		}
	}

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	inv := float32(1 / math.Sqrt(norm))
	for i := range v {
		v[i] *= inv
	}
	return v
}

// 숫자만으로 된 토큰은 동적 값이라 버린다.
func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	out := fields[:0]
	for _, f := range fields {
		if strings.Trim(f, "0123456789") == "" {
			continue
		}
		out = append(out, f)
	}
	return out
}
