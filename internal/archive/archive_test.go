package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"triage-ingest/internal/metrics"
	"triage-ingest/internal/model"
	"triage-ingest/internal/retry"
)

// fakeS3 는 메모리 bucket. failPuts 만큼 PutObject 를 실패시킨다.
type fakeS3 struct {
	mu       sync.Mutex
	objects  map[string][]byte
	failPuts int
	puts     int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string][]byte{}}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if f.failPuts > 0 {
		f.failPuts--
		return nil, errors.New("503 slow down")
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, aws.ToString(in.Prefix)) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

var t0 = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

type harness struct {
	s3      *fakeS3
	clock   *Clock
	namer   *Namer
	store   *S3Store
	dlq     *DLQ
	arch    *Archiver
	metrics *metrics.Metrics
	dir     string
}

func newHarness(t *testing.T, opts DLQOptions) *harness {
	t.Helper()
	h := &harness{s3: newFakeS3(), metrics: metrics.New(), dir: t.TempDir()}
	h.clock = NewClock(time.UTC)
	h.clock.Set(t0)
	h.namer = NewNamer("ingest-1", h.clock)
	h.store = NewS3Store(h.s3, "raw-bucket", retry.Policy{Attempts: 2, Initial: time.Millisecond, Max: time.Millisecond}, h.metrics)

	opts.Dir = h.dir
	if opts.RawPrefix == "" {
		opts.RawPrefix = "raw"
	}
	if opts.DLQPrefix == "" {
		opts.DLQPrefix = "raw_dlq"
	}
	d, err := NewDLQ(opts, h.store, h.namer, h.metrics)
	require.NoError(t, err)
	h.dlq = d
	h.arch = NewArchiver(h.store, h.namer, d, h.metrics, "raw")
	return h
}

func events(bodies ...string) []*model.Event {
	out := make([]*model.Event, len(bodies))
	for i, b := range bodies {
		out[i] = &model.Event{Partition: "0", Seq: int64(i + 1), ReceivedAt: t0, Producer: "10.0.0.1", Body: []byte(b)}
	}
	return out
}

func TestNamerKeyUsesFilenameBucket(t *testing.T) {
	clock := NewClock(time.UTC)
	clock.Set(t0)
	n := NewNamer("ingest 1", clock)

	fn := n.Filename()
	assert.Equal(t, fmt.Sprintf("%d_ingest-1_000001.jsonl.gz", t0.Unix()), fn)
	assert.Equal(t, "raw/p=0/dt=2026-01-02/hr=03/"+fn, n.Key("raw/", "0", fn))

	// 시간이 지나도 같은 파일명이면 같은 key
	clock.Set(t0.Add(26 * time.Hour))
	assert.Equal(t, "raw/p=0/dt=2026-01-02/hr=03/"+fn, n.Key("raw", "0", fn))
	assert.Equal(t, "raw/p=a-b/dt=2026-01-03/hr=05/x", n.Key("raw", "a/b", "x"))
}

func TestEncodeDecode(t *testing.T) {
	evs := events(`{"message":"a"}`, "plain text\nsecond line")
	data, err := Encode(evs)
	require.NoError(t, err)

	lines, err := Decode(data)
	require.NoError(t, err)
	require.Len(t, lines, 2)
	assert.Equal(t, int64(2), lines[1].Seq)
	assert.Equal(t, "10.0.0.1", lines[0].Producer)
	assert.True(t, lines[0].ReceivedAt.Equal(t0))
	assert.Equal(t, [][]byte{[]byte(`{"message":"a"}`), []byte("plain text\nsecond line")}, Payloads(lines))

	_, err = Decode([]byte("not gzip"))
	assert.Error(t, err)
}

func TestArchiveUploads(t *testing.T) {
	h := newHarness(t, DLQOptions{})
	res, err := h.arch.Archive(context.Background(), "3", events("a", "b", "c"))
	require.NoError(t, err)

	assert.False(t, res.Spooled)
	assert.Equal(t, 3, res.Events)
	assert.True(t, strings.HasPrefix(res.Key, "raw/p=3/dt=2026-01-02/hr=03/"))

	data, err := h.store.Get(context.Background(), res.Key)
	require.NoError(t, err)
	lines, err := Decode(data)
	require.NoError(t, err)
	assert.Len(t, lines, 3)

	assert.EqualValues(t, 1, h.metrics.ArchiveObjectsStoredTotal)
	assert.EqualValues(t, 3, h.metrics.ArchiveEventsStoredTotal)
}

func TestArchiveFailureSpoolsAndReuploadsToSameKey(t *testing.T) {
	h := newHarness(t, DLQOptions{})
	h.s3.failPuts = 2

	res, err := h.arch.Archive(context.Background(), "0", events("a", "b"))
	require.NoError(t, err)
	assert.True(t, res.Spooled)
	assert.EqualValues(t, 2, h.metrics.ArchivePutErrorsTotal)
	assert.EqualValues(t, 2, h.metrics.DLQEventsEnqueuedTotal)
	assert.EqualValues(t, 1, h.metrics.DLQFilesCurrent)
	assert.Equal(t, 1, h.dlq.Pending())

	n := h.arch.Drain(context.Background(), 10)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, h.dlq.Pending())

	_, ok := h.s3.objects[res.Key]
	assert.True(t, ok, "reupload must land on the original key")
	assert.EqualValues(t, 2, h.metrics.DLQEventsReuploadedTotal)
	assert.EqualValues(t, 0, h.metrics.DLQFilesCurrent)
	assert.EqualValues(t, 0, h.metrics.DLQSizeBytes)
}

func TestDLQKeepsFileWhenReuploadFails(t *testing.T) {
	h := newHarness(t, DLQOptions{})
	data, err := Encode(events("a"))
	require.NoError(t, err)
	require.NoError(t, h.dlq.Save("0", h.namer.Filename(), data, 1))

	h.s3.failPuts = 10
	assert.True(t, h.dlq.ProcessOne(context.Background()))
	assert.Equal(t, 1, h.dlq.Pending())
}

func TestDLQTTL(t *testing.T) {
	h := newHarness(t, DLQOptions{MaxAge: time.Hour})
	data, err := Encode(events("a"))
	require.NoError(t, err)
	require.NoError(t, h.dlq.Save("0", h.namer.Filename(), data, 1))

	h.clock.Set(t0.Add(2 * time.Hour))
	assert.True(t, h.dlq.ProcessOne(context.Background()))
	assert.Equal(t, 0, h.dlq.Pending())
	assert.Equal(t, 0, h.s3.puts)
	assert.EqualValues(t, 1, h.metrics.DLQFilesExpiredTotal)
	assert.False(t, h.dlq.ProcessOne(context.Background()))
}

func TestDLQCapacity(t *testing.T) {
	h := newHarness(t, DLQOptions{MaxBytes: 15})
	ten := bytes.Repeat([]byte("x"), 10)

	require.NoError(t, h.dlq.Save("0", "100_i_000001.jsonl.gz", ten, 1))
	require.NoError(t, h.dlq.Save("0", "101_i_000002.jsonl.gz", ten, 1))

	_, err := os.Stat(filepath.Join(h.dir, "100_i_000001.jsonl.gz"))
	assert.True(t, os.IsNotExist(err), "oldest evicted")
	_, err = os.Stat(filepath.Join(h.dir, "100_i_000001.jsonl.gz"+metaSuffix))
	assert.True(t, os.IsNotExist(err))
	assert.EqualValues(t, 10, h.metrics.DLQSizeBytes)

	// 혼자서도 용량을 넘으면 버린다
	require.NoError(t, h.dlq.Save("0", "102_i_000003.jsonl.gz", bytes.Repeat([]byte("x"), 20), 4))
	assert.EqualValues(t, 4, h.metrics.DLQEventsDroppedTotal)
	assert.Equal(t, 0, h.dlq.Pending())
}

func TestDLQCorruptFileGoesToDLQPrefix(t *testing.T) {
	h := newHarness(t, DLQOptions{})
	name := h.namer.Filename()
	require.NoError(t, h.dlq.Save("7", name, []byte("not gzip at all"), 1))

	assert.True(t, h.dlq.ProcessOne(context.Background()))
	_, ok := h.s3.objects["raw_dlq/p=7/dt=2026-01-02/hr=03/"+name]
	assert.True(t, ok)
	assert.EqualValues(t, 0, h.metrics.ArchiveObjectsStoredTotal)
}

func TestDLQSaveIsExclusive(t *testing.T) {
	h := newHarness(t, DLQOptions{})
	require.NoError(t, h.dlq.Save("0", "100_i_000001.jsonl.gz", []byte("a"), 1))
	assert.Error(t, h.dlq.Save("0", "100_i_000001.jsonl.gz", []byte("b"), 1))

	got, err := os.ReadFile(filepath.Join(h.dir, "100_i_000001.jsonl.gz"))
	require.NoError(t, err)
	assert.Equal(t, "a", string(got))
}

func TestNewDLQRestoresState(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "100_i_000001.jsonl.gz"), []byte("12345"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "99_i_000009.jsonl.gz"+metaSuffix), []byte(`{}`), 0o600))

	m := metrics.New()
	clock := NewClock(time.UTC)
	d, err := NewDLQ(DLQOptions{Dir: dir}, nil, NewNamer("i", clock), m)
	require.NoError(t, err)

	assert.EqualValues(t, 5, m.DLQSizeBytes)
	assert.EqualValues(t, 1, m.DLQFilesCurrent)
	assert.Equal(t, 1, d.Pending())
	_, err = os.Stat(filepath.Join(dir, "99_i_000009.jsonl.gz"+metaSuffix))
	assert.True(t, os.IsNotExist(err), "orphan meta removed")
}

func TestStoreList(t *testing.T) {
	h := newHarness(t, DLQOptions{})
	ctx := context.Background()
	require.NoError(t, h.store.Put(ctx, "raw/p=0/b", []byte("2")))
	require.NoError(t, h.store.Put(ctx, "raw/p=0/a", []byte("1")))
	require.NoError(t, h.store.Put(ctx, "other/x", []byte("3")))

	keys, err := h.store.List(ctx, "raw/")
	require.NoError(t, err)
	assert.Equal(t, []string{"raw/p=0/a", "raw/p=0/b"}, keys)

	_, err = h.store.Get(ctx, "missing")
	assert.Error(t, err)
}
