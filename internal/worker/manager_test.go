package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triage-ingest/internal/archive"
	"triage-ingest/internal/metrics"
	"triage-ingest/internal/model"
	"triage-ingest/internal/pipeline"
)

type fakeArchiver struct {
	mu      sync.Mutex
	calls   int
	drains  int
	err     error
	entered chan struct{}
	release chan struct{}
}

func (a *fakeArchiver) Archive(_ context.Context, partition string, events []*model.Event) (archive.Result, error) {
	if a.entered != nil {
		a.entered <- struct{}{}
		<-a.release
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.err != nil {
		return archive.Result{}, a.err
	}
	return archive.Result{Key: fmt.Sprintf("raw/p=%s/%d.jsonl.gz", partition, a.calls), Events: len(events)}, nil
}

func (a *fakeArchiver) Drain(context.Context, int) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.drains++
	return 0
}

type fakeForwarder struct {
	mu     sync.Mutex
	refs   []string
	incs   []model.Incident
	err    error
	panics int
}

func (f *fakeForwarder) Forward(_ context.Context, ref string, incs []model.Incident) (pipeline.Forwarded, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics > 0 {
		f.panics--
		panic("boom")
	}
	if f.err != nil {
		return pipeline.Forwarded{}, f.err
	}
	f.refs = append(f.refs, ref)
	f.incs = append(f.incs, incs...)
	return pipeline.Forwarded{Upserted: len(incs)}, nil
}

func (f *fakeForwarder) snapshot() ([]string, []model.Incident) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.refs...), append([]model.Incident(nil), f.incs...)
}

type memCheckpointer struct {
	mu   sync.Mutex
	seqs map[string]int64
}

func (c *memCheckpointer) Checkpoint(p string, seq int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.seqs == nil {
		c.seqs = map[string]int64{}
	}
	c.seqs[p] = seq
	return nil
}

func (c *memCheckpointer) Load(p string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.seqs[p]
	return s, ok
}

func traceback(file, exc string) []byte {
	return []byte(strings.Join([]string{
		`{"message":"Traceback (most recent call last):"}`,
		`{"message":"  File \"/app/` + file + `\", line 3, in run"}`,
		`{"message":"` + exc + `"}`,
	}, "\n"))
}

func ev(partition string, seq int64, body []byte) *model.Event {
	return &model.Event{Partition: partition, Seq: seq, ReceivedAt: time.Now().UTC(), Body: body}
}

func opts(batch int, flush time.Duration) Options {
	return Options{
		ChannelSize:   16,
		BatchSize:     batch,
		FlushInterval: flush,
		Mode:          pipeline.ModeEpisode,
		Pipeline:      pipeline.DefaultOptions(),
	}
}

func shutdown(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.Shutdown(ctx)
}

func TestManagerBatchesAndCheckpoints(t *testing.T) {
	arch := &fakeArchiver{}
	fwd := &fakeForwarder{}
	cp := &memCheckpointer{}
	met := metrics.New()
	m := NewManager(opts(2, time.Hour), met, arch, fwd, cp)

	ok1 := []byte(`{"message":"INFO: ok"}`)
	tb1, tb2 := traceback("a.py", "ValueError: bad input"), traceback("b.py", "KeyError: 'user'")
	require.NoError(t, m.Submit(ev("0", 1, tb1)))
	require.NoError(t, m.Submit(ev("0", 2, ok1)))
	require.NoError(t, m.Submit(ev("0", 3, tb2)))
	require.NoError(t, m.Submit(ev("", 4, ok1)))
	shutdown(t, m)

	refs, incs := fwd.snapshot()
	assert.Equal(t, []string{
		pipeline.BatchRef("0", [][]byte{tb1, ok1}),
		pipeline.BatchRef("0", [][]byte{tb2, ok1}),
	}, refs)
	require.Len(t, incs, 2)
	assert.Equal(t, "ValueError", incs[0].ExceptionClass)
	assert.Equal(t, "KeyError", incs[1].ExceptionClass)
	assert.Equal(t, []string{"raw/p=0/1.jsonl.gz"}, incs[0].Refs, "archive key stays as the raw reference")
	assert.Equal(t, []string{"raw/p=0/2.jsonl.gz"}, incs[1].Refs)

	seq, ok := cp.Load("0")
	require.True(t, ok)
	assert.EqualValues(t, 4, seq)

	assert.EqualValues(t, 4, met.EventsAcceptedTotal)
	assert.EqualValues(t, 2, met.IncidentsExtractedTotal)
	assert.EqualValues(t, 2, met.IncidentsForwardedTotal)
	assert.EqualValues(t, 2, met.CheckpointsTotal)
	assert.Equal(t, []string{"0"}, m.Partitions())
}

func TestManagerFlushInterval(t *testing.T) {
	fwd := &fakeForwarder{}
	m := NewManager(opts(100, 20*time.Millisecond), nil, nil, fwd, nil)
	defer shutdown(t, m)

	body := traceback("a.py", "ValueError: late")
	require.NoError(t, m.Submit(ev("7", 1, body)))
	require.Eventually(t, func() bool {
		refs, _ := fwd.snapshot()
		return len(refs) == 1
	}, 2*time.Second, 10*time.Millisecond)

	refs, _ := fwd.snapshot()
	assert.Equal(t, pipeline.BatchRef("7", [][]byte{body}), refs[0])
}

func TestManagerIdleTickDrainsDLQ(t *testing.T) {
	arch := &fakeArchiver{}
	m := NewManager(opts(100, 10*time.Millisecond), nil, arch, &fakeForwarder{}, nil)
	defer shutdown(t, m)

	require.NoError(t, m.Submit(ev("0", 1, []byte(`{"message":"INFO: ok"}`))))
	require.Eventually(t, func() bool {
		arch.mu.Lock()
		defer arch.mu.Unlock()
		return arch.drains > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestManagerQueueFull(t *testing.T) {
	arch := &fakeArchiver{entered: make(chan struct{}), release: make(chan struct{})}
	met := metrics.New()
	o := opts(1, time.Hour)
	o.ChannelSize = 1
	m := NewManager(o, met, arch, &fakeForwarder{}, nil)

	require.NoError(t, m.Submit(ev("0", 1, []byte("a"))))
	<-arch.entered // worker 가 첫 배치에서 멈춰 있음

	require.NoError(t, m.Submit(ev("0", 2, []byte("b"))))
	assert.ErrorIs(t, m.Submit(ev("0", 3, []byte("c"))), ErrQueueFull)
	assert.EqualValues(t, 1, met.EventsRejectedQueueFullTotal)

	close(arch.release)
	go func() {
		for range arch.entered {
		}
	}()
	shutdown(t, m)
	close(arch.entered)

	assert.ErrorIs(t, m.Submit(ev("0", 4, []byte("d"))), ErrStopped)
	assert.Equal(t, 2, arch.calls)
}

func TestManagerNoCheckpointOnFailure(t *testing.T) {
	t.Run("forward", func(t *testing.T) {
		cp := &memCheckpointer{}
		met := metrics.New()
		m := NewManager(opts(1, time.Hour), met, &fakeArchiver{}, &fakeForwarder{err: errors.New("db down")}, cp)
		require.NoError(t, m.Submit(ev("0", 1, traceback("a.py", "ValueError: x"))))
		shutdown(t, m)

		_, ok := cp.Load("0")
		assert.False(t, ok)
		assert.EqualValues(t, 1, met.UpsertErrorsTotal)
	})

	t.Run("archive", func(t *testing.T) {
		cp := &memCheckpointer{}
		fwd := &fakeForwarder{}
		m := NewManager(opts(1, time.Hour), nil, &fakeArchiver{err: errors.New("disk full")}, fwd, cp)
		body := traceback("a.py", "ValueError: x")
		require.NoError(t, m.Submit(ev("0", 5, body)))
		shutdown(t, m)

		refs, _ := fwd.snapshot()
		assert.Equal(t, []string{pipeline.BatchRef("0", [][]byte{body})}, refs, "extraction continues without archive")
		_, ok := cp.Load("0")
		assert.False(t, ok)
	})
}

func TestManagerRecoversPanic(t *testing.T) {
	fwd := &fakeForwarder{panics: 1}
	cp := &memCheckpointer{}
	met := metrics.New()
	m := NewManager(opts(1, time.Hour), met, nil, fwd, cp)

	require.NoError(t, m.Submit(ev("0", 1, traceback("a.py", "ValueError: first"))))
	require.NoError(t, m.Submit(ev("0", 2, traceback("b.py", "KeyError: second"))))
	shutdown(t, m)

	assert.EqualValues(t, 1, met.BatchPanicsTotal)
	_, incs := fwd.snapshot()
	require.Len(t, incs, 1)
	assert.Equal(t, "KeyError", incs[0].ExceptionClass)
	seq, _ := cp.Load("0")
	assert.EqualValues(t, 2, seq)
}

func TestManagerStreamingBundlesFlushOnShutdown(t *testing.T) {
	fwd := &fakeForwarder{}
	o := opts(10, time.Hour)
	o.Mode = pipeline.ModeBundle
	m := NewManager(o, nil, nil, fwd, nil)

	body := strings.Join([]string{
		`{"message":"charging card","service":"checkout","trace_id":"t1","timestamp":"2026-01-01T10:00:00Z"}`,
		`{"message":"payment failed","level":"ERROR","service":"checkout","trace_id":"t1","timestamp":"2026-01-01T10:00:01Z"}`,
	}, "\n")
	require.NoError(t, m.Submit(ev("0", 1, []byte(body))))
	shutdown(t, m)

	refs, incs := fwd.snapshot()
	require.Len(t, incs, 1)
	assert.Equal(t, model.OriginBundle, incs[0].Origin)
	assert.Equal(t, "t1", incs[0].TraceID)
	assert.Equal(t, 2, incs[0].LogCount)
	assert.True(t, strings.HasPrefix(refs[0], "bundle/p=0/"))
}

func TestManagerRedeliveryKeepsBatchRef(t *testing.T) {
	arch := &fakeArchiver{}
	fwd := &fakeForwarder{}
	m := NewManager(opts(1, time.Hour), nil, arch, fwd, nil)

	body := traceback("a.py", "ValueError: order 17 failed")
	require.NoError(t, m.Submit(ev("0", 1, body)))
	require.NoError(t, m.Submit(ev("0", 2, body)))
	shutdown(t, m)

	refs, incs := fwd.snapshot()
	require.Len(t, refs, 2)
	assert.Equal(t, refs[0], refs[1], "same payload, new seq and archive key")
	require.Len(t, incs, 2)
	assert.NotEqual(t, incs[0].Refs, incs[1].Refs)
}

type captureWriter struct {
	mu   sync.Mutex
	rows []model.Incident
	refs []string
}

func (w *captureWriter) UpsertIncidents(_ context.Context, incs []model.Incident, _ [][]float32, ref string) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rows = append(w.rows, incs...)
	w.refs = append(w.refs, ref)
	return len(incs), nil
}

func TestManagerStreamingBundlesSharingIDUpsertOnce(t *testing.T) {
	w := &captureWriter{}
	o := opts(10, time.Hour)
	o.Mode = pipeline.ModeBundle
	m := NewManager(o, nil, nil, pipeline.NewForwarder(nil, w), nil)

	body := strings.Join([]string{
		`{"message":"ValueError: order 17 failed","level":"ERROR","service":"checkout","trace_id":"T1","timestamp":"2026-01-01T10:00:00Z"}`,
		`{"message":"ValueError: order 99 failed","level":"ERROR","service":"checkout","trace_id":"T2","timestamp":"2026-01-01T10:00:05Z"}`,
	}, "\n")
	require.NoError(t, m.Submit(ev("0", 1, []byte(body))))
	shutdown(t, m)

	w.mu.Lock()
	defer w.mu.Unlock()
	require.Len(t, w.rows, 1)
	assert.Equal(t, 2, w.rows[0].LogCount)
	assert.Equal(t, model.OriginBundle, w.rows[0].Origin)
	require.Len(t, w.refs, 1)
	assert.True(t, strings.HasPrefix(w.refs[0], "bundle/p=0/"))
}
