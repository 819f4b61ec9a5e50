// Package embed 는 인시던트 본문을 고정 차원 벡터로 바꾸는 provider 경계.
//
//	HTTPProvider   : OpenAI 호환 /embeddings 엔드포인트
//	LocalProvider  : 외부 의존 없는 feature hashing 임베더
//	CachedProvider : L1 LRU → L2 (Redis) → provider 순으로 조회
package embed

import (
	"context"
	"encoding/hex"
	"strings"

	"github.com/twmb/murmur3"
)

// Provider 는 texts 와 같은 길이의 벡터 목록을 돌려준다.
// 같은 텍스트에는 같은 벡터를 돌려줘야 한다 (캐시 전제).
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
	Dimension() int
}

// TextKey 는 캐시 키에 쓰는 텍스트 해시.
func TextKey(text string) string {
	h1, h2 := murmur3.StringSum128(text)
	var b [16]byte
	for i := 0; i < 8; i++ {
		b[i] = byte(h1 >> (8 * i))
		b[8+i] = byte(h2 >> (8 * i))
	}
	return hex.EncodeToString(b[:])
}

// CacheKey = emb:<model>:<hash>
func CacheKey(model, text string) string {
	var sb strings.Builder
	sb.WriteString("emb:")
	sb.WriteString(model)
	sb.WriteByte(':')
	sb.WriteString(TextKey(text))
	return sb.String()
}
