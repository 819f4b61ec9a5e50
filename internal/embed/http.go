package embed

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"triage-ingest/internal/retry"
)

// HTTPProvider 는 OpenAI 호환 POST {base}/embeddings 를 호출한다.
type HTTPProvider struct {
	baseURL string
	apiKey  string
	model   string
	dim     int
	client  *http.Client
	policy  retry.Policy
}

type HTTPOptions struct {
	BaseURL string
	APIKey  string
	Model   string
	Dim     int
	Client  *http.Client
	Retry   retry.Policy
}

func NewHTTP(o HTTPOptions) *HTTPProvider {
	if o.Client == nil {
		o.Client = &http.Client{}
	}
	if o.Retry.Attempts == 0 {
		o.Retry = retry.Default()
	}
	return &HTTPProvider{
		baseURL: strings.TrimRight(o.BaseURL, "/"),
		apiKey:  o.APIKey,
		model:   o.Model,
		dim:     o.Dim,
		client:  o.Client,
		policy:  o.Retry,
	}
}

func (p *HTTPProvider) Model() string  { return p.model }
func (p *HTTPProvider) Dimension() int { return p.dim }

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func (p *HTTPProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	body, err := json.Marshal(embedRequest{Model: p.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("encode embedding request: %w", err)
	}

	var out [][]float32
	err = p.policy.Do(ctx, func(ctx context.Context) error {
		vecs, err := p.call(ctx, body)
		if err != nil {
			return err
		}
		if len(vecs) != len(texts) {
			return retry.Permanent(fmt.Errorf("embedding count mismatch: got %d want %d", len(vecs), len(texts)))
		}
		out = vecs
		return nil
	}, func(err error, attempt int) {
		log.Warn().Err(err).Int("attempt", attempt).Str("model", p.model).Msg("[WARN] embedding request failed")
	})
	if err != nil {
		return nil, fmt.Errorf("embed %d texts: %w", len(texts), err)
	}
	return out, nil
}

func (p *HTTPProvider) call(ctx context.Context, body []byte) ([][]float32, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("embedding api status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, retry.Permanent(fmt.Errorf("embedding api status %d: %s", resp.StatusCode, truncateBody(raw)))
	}

	var er embedResponse
	if err := json.Unmarshal(raw, &er); err != nil {
		return nil, retry.Permanent(fmt.Errorf("decode embedding response: %w", err))
	}
	sort.SliceStable(er.Data, func(i, j int) bool { return er.Data[i].Index < er.Data[j].Index })
	vecs := make([][]float32, len(er.Data))
	for i, d := range er.Data {
		vecs[i] = d.Embedding
	}
	return vecs, nil
}

func truncateBody(b []byte) string {
	if len(b) > 256 {
		b = b[:256]
	}
	return string(b)
}
