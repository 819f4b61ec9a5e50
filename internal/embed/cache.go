package embed

import (
	"context"
	"fmt"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
)

// Cache 는 L2 캐시 경계 (운영에서는 Redis).
// Get 은 찾은 키만 담아 돌려준다.
type Cache interface {
	GetMany(ctx context.Context, keys []string) (map[string][]float32, error)
	SetMany(ctx context.Context, items map[string][]float32) error
}

// CacheStats 는 metrics 로 노출되는 캐시 카운터.
type CacheStats struct {
	Hits   int64
	Misses int64
	Errors int64
}

// CachedProvider
//
// L1(프로세스 LRU) → L2(Cache) → 실제 provider 순서로 조회하고,
// provider 는 miss 난 텍스트만 한 번에 호출한다.
// 캐시 실패는 로그만 남기고 무시한다 (provider 결과는 그대로 반환).
type CachedProvider struct {
	inner Provider
	l1    *lru.Cache[string, []float32]
	l2    Cache

	hits   atomic.Int64
	misses atomic.Int64
	errs   atomic.Int64
}

// NewCached: l2 는 nil 가능.
func NewCached(inner Provider, l1Size int, l2 Cache) (*CachedProvider, error) {
	if l1Size <= 0 {
		l1Size = 4096
	}
	l1, err := lru.New[string, []float32](l1Size)
	if err != nil {
		return nil, fmt.Errorf("embedding lru: %w", err)
	}
	return &CachedProvider{inner: inner, l1: l1, l2: l2}, nil
}

func (c *CachedProvider) Model() string  { return c.inner.Model() }
func (c *CachedProvider) Dimension() int { return c.inner.Dimension() }

func (c *CachedProvider) Stats() CacheStats {
	return CacheStats{Hits: c.hits.Load(), Misses: c.misses.Load(), Errors: c.errs.Load()}
}

func (c *CachedProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	keys := make([]string, len(texts))
	model := c.inner.Model()

	// L1
	var pending []int
	for i, t := range texts {
		keys[i] = CacheKey(model, t)
		if v, ok := c.l1.Get(keys[i]); ok {
			out[i] = v
			continue
		}
		pending = append(pending, i)
	}

	// L2
	if len(pending) > 0 && c.l2 != nil {
		ks := make([]string, len(pending))
		for j, i := range pending {
			ks[j] = keys[i]
		}
		found, err := c.l2.GetMany(ctx, ks)
		if err != nil {
			c.errs.Add(1)
			log.Warn().Err(err).Int("keys", len(ks)).Msg("[WARN] embedding cache get failed")
		}
		rest := pending[:0]
		for _, i := range pending {
			if v, ok := found[keys[i]]; ok {
				out[i] = v
				c.l1.Add(keys[i], v)
				continue
			}
			rest = append(rest, i)
		}
		pending = rest
	}

	c.hits.Add(int64(len(texts) - len(pending)))
	c.misses.Add(int64(len(pending)))
	if len(pending) == 0 {
		return out, nil
	}

	// 같은 텍스트가 여러 번 있으면 한 번만 보낸다
	uniq := make(map[string]int)
	var batch []string
	for _, i := range pending {
		if _, ok := uniq[keys[i]]; ok {
			continue
		}
		uniq[keys[i]] = len(batch)
		batch = append(batch, texts[i])
	}

	vecs, err := c.inner.Embed(ctx, batch)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(batch) {
		return nil, fmt.Errorf("embedding provider returned %d vectors for %d texts", len(vecs), len(batch))
	}

	fresh := make(map[string][]float32, len(batch))
	for _, i := range pending {
		v := vecs[uniq[keys[i]]]
		out[i] = v
		if _, ok := fresh[keys[i]]; !ok {
			fresh[keys[i]] = v
			c.l1.Add(keys[i], v)
		}
	}
	if c.l2 != nil {
		if err := c.l2.SetMany(ctx, fresh); err != nil {
			c.errs.Add(1)
			log.Warn().Err(err).Int("keys", len(fresh)).Msg("[WARN] embedding cache set failed")
		}
	}
	return out, nil
}
