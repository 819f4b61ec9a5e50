package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triage-ingest/internal/model"
)

const e2eBlob = `{"message":"INFO: starting"}
{"message":"Traceback (most recent call last):"}
{"message":"  File \"/app/a.py\", line 3, in run"}
{"message":"ValueError: bad input"}
{"message":"INFO: tick 1"}
{"metricName":"IngressUsageBytes","value":12}
{"message":"INFO: tick 2"}
{"message":"Traceback (most recent call last):"}
{"message":"  File \"/app/b.py\", line 7, in load"}
{"message":"KeyError: 'user'"}
{"message":"INFO: tick 3"}
{"message":"INFO: done"}`

type fakeWriter struct {
	mu    sync.Mutex
	calls int
	rows  []model.Incident
	vecs  [][]float32
	refs  []string
	err   error
}

func (w *fakeWriter) UpsertIncidents(_ context.Context, incs []model.Incident, vecs [][]float32, ref string) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.err != nil {
		return 0, w.err
	}
	w.rows = append(w.rows, incs...)
	w.vecs = append(w.vecs, vecs...)
	w.refs = append(w.refs, ref)
	return len(incs), nil
}

type fakeEmbedder struct{ err error }

func (f fakeEmbedder) Model() string  { return "fake" }
func (f fakeEmbedder) Dimension() int { return 2 }
func (f fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func TestEndToEndEpisodes(t *testing.T) {
	p := New(DefaultOptions())
	res := p.Process(Input{Ref: "raw/p=0/x.jsonl.gz", Payloads: [][]byte{[]byte(e2eBlob)}}, ModeEpisode)

	assert.Equal(t, 12, res.Stats.Records)
	assert.Equal(t, 11, res.Stats.Normalized)
	assert.Equal(t, 1, res.Stats.DroppedMetrics)
	assert.Equal(t, 2, res.Episodes)
	require.Len(t, res.Incidents, 2)

	a, b := res.Incidents[0], res.Incidents[1]
	assert.NotEqual(t, a.Fingerprint, b.Fingerprint)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, model.SeverityError, a.Severity)
	assert.Equal(t, model.SeverityError, b.Severity)
	assert.Equal(t, "ValueError", a.ExceptionClass)
	assert.Equal(t, "KeyError", b.ExceptionClass)
	assert.Equal(t, []model.LineSpan{{Start: 2, End: 4}}, a.Spans)
	assert.Equal(t, []model.LineSpan{{Start: 7, End: 9}}, b.Spans)
	assert.Equal(t, 3, a.LogCount, "one per contributing record")
	assert.Equal(t, 3, b.LogCount)
	assert.Equal(t, []string{"raw/p=0/x.jsonl.gz"}, a.Refs)
	for _, inc := range res.Incidents {
		assert.NotContains(t, inc.Content, "metricName")
	}

	w := &fakeWriter{}
	fw, err := NewForwarder(fakeEmbedder{}, w).Forward(context.Background(), "raw/p=0/x.jsonl.gz", res.Incidents)
	require.NoError(t, err)
	assert.Equal(t, 2, fw.Upserted)
	assert.Len(t, w.rows, 2)
	assert.Len(t, w.vecs, 2)
}

func TestHTTPFallbackOnlyWithoutTraceback(t *testing.T) {
	p := New(DefaultOptions())

	res := p.Process(Input{Payloads: [][]byte{
		[]byte(`{"message":"10.0.0.1 - - \"GET /api/x HTTP/1.1\" 503 12"}`),
	}}, ModeEpisode)
	require.Len(t, res.Incidents, 1)
	assert.Equal(t, model.SeverityCritical, res.Incidents[0].Severity)
	assert.Equal(t, model.OriginHTTP, res.Incidents[0].Origin)
	assert.True(t, strings.HasPrefix(res.Incidents[0].Content, "HTTP 503 GET /api/x"))

	res = p.Process(Input{Payloads: [][]byte{
		[]byte(`{"message":"10.0.0.1 - - \"GET /health HTTP/1.1\" 200 2"}`),
	}}, ModeEpisode)
	assert.Empty(t, res.Incidents)

	// traceback 이 있으면 HTTP 라인은 별도 인시던트가 되지 않는다
	res = p.Process(Input{Payloads: [][]byte{[]byte(strings.Join([]string{
		`{"message":"10.0.0.1 - - \"GET /api/x HTTP/1.1\" 503 12"}`,
		`{"message":"Traceback (most recent call last):"}`,
		`{"message":"ValueError: bad"}`,
	}, "\n"))}}, ModeEpisode)
	require.Len(t, res.Incidents, 1)
	assert.Equal(t, model.OriginTraceback, res.Incidents[0].Origin)
}

func TestNoSignalBatch(t *testing.T) {
	p := New(DefaultOptions())
	res := p.Process(Input{Payloads: [][]byte{[]byte("plain line\n{\"message\":\"INFO: ok\"}")}}, ModeEpisode)
	assert.Empty(t, res.Incidents)
	assert.Len(t, res.Records, 2)
	assert.Equal(t, 0, res.Episodes)
}

func TestSeverityGate(t *testing.T) {
	opts := DefaultOptions()
	opts.MinSeverity = model.SeverityCritical
	p := New(opts)
	res := p.Process(Input{Payloads: [][]byte{[]byte(e2eBlob)}}, ModeEpisode)
	assert.Empty(t, res.Incidents)
	assert.Equal(t, 2, res.DroppedByLevel)
}

func TestRunBundleMode(t *testing.T) {
	blob := strings.Join([]string{
		`{"message":"charging card","service":"checkout","trace_id":"t1","timestamp":"2026-01-01T10:00:00Z"}`,
		`{"message":"payment failed","level":"ERROR","service":"checkout","trace_id":"t1","timestamp":"2026-01-01T10:00:01Z"}`,
		`{"message":"all good","service":"checkout","trace_id":"t2","timestamp":"2026-01-01T10:00:02Z"}`,
	}, "\n")
	p := New(DefaultOptions())
	res := p.Run(Input{Payloads: [][]byte{[]byte(blob)}}, ModeBundle)
	require.Len(t, res.Incidents, 1)
	assert.Equal(t, model.OriginBundle, res.Incidents[0].Origin)
	assert.Equal(t, "t1", res.Incidents[0].TraceID)
	assert.Equal(t, 2, res.Incidents[0].LogCount)
	assert.Equal(t, 0, res.Episodes)
}

func TestForwardEmbeddingFailureStillUpserts(t *testing.T) {
	w := &fakeWriter{}
	incs := []model.Incident{{ID: "a", Content: "x"}}
	fw, err := NewForwarder(fakeEmbedder{err: errors.New("down")}, w).Forward(context.Background(), "r", incs)
	require.NoError(t, err)
	assert.Error(t, fw.EmbedErr)
	assert.Equal(t, 1, fw.Upserted)
	assert.Empty(t, w.vecs)
}

func TestForwardConsolidatesSameID(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	incs := []model.Incident{
		{ID: "a", Fingerprint: "f1", Content: "[ERROR] ValueError: order 17 failed", Origin: model.OriginBundle,
			Severity: model.SeverityError, LogCount: 1, FirstTS: t0, LastTS: t0, TraceID: "T1"},
		{ID: "a", Fingerprint: "f2", Content: "[ERROR] ValueError: order 99 failed", Origin: model.OriginBundle,
			Severity: model.SeverityCritical, LogCount: 1, FirstTS: t0.Add(time.Second), LastTS: t0.Add(time.Second), TraceID: "T2"},
		{ID: "b", Fingerprint: "f3", Content: "KeyError", Origin: model.OriginTraceback, LogCount: 3},
	}

	w := &fakeWriter{}
	fw, err := NewForwarder(nil, w).Forward(context.Background(), "r", incs)
	require.NoError(t, err)
	assert.Equal(t, 2, fw.Upserted)
	require.Len(t, w.rows, 2)
	assert.Equal(t, "a", w.rows[0].ID)
	assert.Equal(t, 2, w.rows[0].LogCount)
	assert.Equal(t, model.SeverityCritical, w.rows[0].Severity)
	assert.Equal(t, t0, w.rows[0].FirstTS)
	assert.Equal(t, t0.Add(time.Second), w.rows[0].LastTS)
	assert.Equal(t, 3, w.rows[1].LogCount)
}

func TestBatchRefDeterministic(t *testing.T) {
	a := [][]byte{[]byte("x"), []byte("yz")}
	assert.Equal(t, BatchRef("0", a), BatchRef("0", [][]byte{[]byte("x"), []byte("yz")}))
	assert.True(t, strings.HasPrefix(BatchRef("0", a), "p=0/"))
	assert.NotEqual(t, BatchRef("0", a), BatchRef("1", a))
	assert.NotEqual(t, BatchRef("0", a), BatchRef("0", [][]byte{[]byte("xy"), []byte("z")}), "field boundaries count")
	assert.NotEqual(t, BatchRef("0", a), BatchRef("0", [][]byte{[]byte("yz"), []byte("x")}))
}

func TestBundleRefDeterministic(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	incs := []model.Incident{{ID: "a", TraceID: "T1", FirstTS: t0, LastTS: t0, LogCount: 2}}
	ref := BundleRef("0", incs)
	assert.Equal(t, ref, BundleRef("0", []model.Incident{incs[0]}))
	assert.True(t, strings.HasPrefix(ref, "bundle/p=0/"))

	grown := incs[0]
	grown.LogCount = 3
	assert.NotEqual(t, ref, BundleRef("0", []model.Incident{grown}))
}

func TestForwardUpsertError(t *testing.T) {
	w := &fakeWriter{err: errors.New("db down")}
	_, err := NewForwarder(nil, w).Forward(context.Background(), "r", []model.Incident{{ID: "a"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db down")
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModeEpisode, m)

	m, err = ParseMode(" Both ")
	require.NoError(t, err)
	assert.True(t, m.Episodes())
	assert.True(t, m.Bundles())

	_, err = ParseMode("stream")
	assert.Error(t, err)
}
