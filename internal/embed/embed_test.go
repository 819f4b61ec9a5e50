package embed

import (
	"context"
	"errors"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triage-ingest/internal/retry"
)

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func TestLocalProviderDeterministicAndNormalized(t *testing.T) {
	p := NewLocal(64)
	vecs, err := p.Embed(context.Background(), []string{
		"ValueError: bad input in /app/x.py",
		"ValueError: bad input in /app/x.py",
		"ValueError: bad input in /app/y.py",
		"disk quota exceeded on volume",
		"",
	})
	require.NoError(t, err)
	require.Len(t, vecs, 5)
	for _, v := range vecs {
		assert.Len(t, v, 64)
	}
	assert.Equal(t, vecs[0], vecs[1])
	assert.InDelta(t, 1.0, cosine(vecs[0], vecs[0]), 1e-5)
	assert.Greater(t, cosine(vecs[0], vecs[2]), cosine(vecs[0], vecs[3]))
	for _, x := range vecs[4] {
		assert.Zero(t, x)
	}
}

func TestLocalProviderIgnoresNumbers(t *testing.T) {
	p := NewLocal(32)
	vecs, err := p.Embed(context.Background(), []string{"retry 3 of job", "retry 17 of job"})
	require.NoError(t, err)
	assert.Equal(t, vecs[0], vecs[1])
}

func fastRetry() retry.Policy {
	return retry.Policy{Attempts: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond, PerAttempt: time.Second}
}

func TestHTTPProvider(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var req embedRequest
		require.NoError(t, json.Unmarshal(body, &req))
		assert.Equal(t, "m1", req.Model)
		assert.Equal(t, []string{"a", "b"}, req.Input)
		// index 역순으로 응답
		_, _ = w.Write([]byte(`{"data":[{"index":1,"embedding":[0,1]},{"index":0,"embedding":[1,0]}]}`))
	}))
	defer srv.Close()

	p := NewHTTP(HTTPOptions{BaseURL: srv.URL + "/v1/", APIKey: "k", Model: "m1", Dim: 2, Retry: fastRetry()})
	vecs, err := p.Embed(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 0}, {0, 1}}, vecs)
	assert.EqualValues(t, 2, calls.Load())
}

func TestHTTPProviderClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad model", http.StatusBadRequest)
	}))
	defer srv.Close()

	p := NewHTTP(HTTPOptions{BaseURL: srv.URL, Model: "m1", Retry: fastRetry()})
	_, err := p.Embed(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "400")
	assert.EqualValues(t, 1, calls.Load())
}

// ---------------------------------------------------------------------
// CachedProvider
// ---------------------------------------------------------------------

type countingProvider struct {
	mu    sync.Mutex
	texts []string
}

func (c *countingProvider) Model() string  { return "fake" }
func (c *countingProvider) Dimension() int { return 2 }
func (c *countingProvider) Embed(_ context.Context, texts []string) ([][]float32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.texts = append(c.texts, texts...)
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1}
	}
	return out, nil
}

type memCache struct {
	mu     sync.Mutex
	data   map[string][]float32
	getErr error
}

func (m *memCache) GetMany(_ context.Context, keys []string) (map[string][]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	out := map[string][]float32{}
	for _, k := range keys {
		if v, ok := m.data[k]; ok {
			out[k] = v
		}
	}
	return out, nil
}

func (m *memCache) SetMany(_ context.Context, items map[string][]float32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range items {
		m.data[k] = v
	}
	return nil
}

func TestCachedProviderOnlyEmbedsMisses(t *testing.T) {
	inner := &countingProvider{}
	l2 := &memCache{data: map[string][]float32{CacheKey("fake", "warm"): {9, 9}}}
	c, err := NewCached(inner, 16, l2)
	require.NoError(t, err)

	vecs, err := c.Embed(context.Background(), []string{"warm", "cold", "cold"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{9, 9}, {4, 1}, {4, 1}}, vecs)
	assert.Equal(t, []string{"cold"}, inner.texts)
	assert.Contains(t, l2.data, CacheKey("fake", "cold"))

	// 두 번째는 전부 L1
	_, err = c.Embed(context.Background(), []string{"cold", "warm"})
	require.NoError(t, err)
	assert.Len(t, inner.texts, 1)

	st := c.Stats()
	assert.EqualValues(t, 3, st.Hits)
	assert.EqualValues(t, 2, st.Misses)
}

func TestCachedProviderIgnoresCacheErrors(t *testing.T) {
	inner := &countingProvider{}
	l2 := &memCache{data: map[string][]float32{}, getErr: errors.New("down")}
	c, err := NewCached(inner, 16, l2)
	require.NoError(t, err)

	vecs, err := c.Embed(context.Background(), []string{"abc"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{3, 1}}, vecs)
	assert.EqualValues(t, 1, c.Stats().Errors)
}

func TestVectorEncoding(t *testing.T) {
	v := []float32{1.5, -2, 0, 3.25}
	got, ok := decodeVector(encodeVector(v))
	require.True(t, ok)
	assert.Equal(t, v, got)

	_, ok = decodeVector([]byte{1, 2, 3})
	assert.False(t, ok)
}

func TestCacheKey(t *testing.T) {
	k := CacheKey("m", "hello")
	assert.Regexp(t, `^emb:m:[0-9a-f]{32}$`, k)
	assert.Equal(t, k, CacheKey("m", "hello"))
	assert.NotEqual(t, k, CacheKey("m2", "hello"))
}
