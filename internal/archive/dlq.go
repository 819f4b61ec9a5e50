// internal/archive/dlq.go
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"triage-ingest/internal/metrics"
)

const metaSuffix = ".meta.json"

// DLQOptions 는 로컬 DLQ 정책.
type DLQOptions struct {
	Dir       string
	MaxAge    time.Duration // 0 이면 TTL 없음
	MaxBytes  int64         // 0 이면 용량 제한 없음
	RawPrefix string        // 유효한 파일의 재업로드 prefix
	DLQPrefix string        // 깨진 파일의 재업로드 prefix
}

type dlqMeta struct {
	NumEvents int64  `json:"num_events"`
	Partition string `json:"partition"`
}

// DLQ 는 archive 업로드에 실패한 배치를 로컬 디스크에 보관하고,
// partition worker 가 한가할 때 재업로드한다.
//
// 파일 하나 = archive 객체 하나. 옆에 .meta.json (num_events, partition) 을 둔다.
// TTL 판단은 파일명 앞의 unix timestamp 기준이다.
//
// 여러 partition worker 가 동시에 부르므로 디렉토리 변경은 mu 로 직렬화한다.
type DLQ struct {
	opts    DLQOptions
	store   *S3Store
	namer   *Namer
	metrics *metrics.Metrics

	mu        sync.Mutex
	sizeBytes int64
}

// NewDLQ 는 디렉토리를 만들고 기존 파일을 스캔해 gauge 를 복원한다.
// data 없이 남은 meta 파일은 이때 지운다.
func NewDLQ(opts DLQOptions, store *S3Store, namer *Namer, m *metrics.Metrics) (*DLQ, error) {
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("dlq dir: %w", err)
	}
	if m == nil {
		m = metrics.New()
	}

	d := &DLQ{opts: opts, store: store, namer: namer, metrics: m}

	entries, err := os.ReadDir(opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("dlq scan: %w", err)
	}

	var total, count int64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()

		if strings.HasSuffix(name, metaSuffix) {
			dataName := strings.TrimSuffix(name, metaSuffix)
			if _, err := os.Stat(filepath.Join(opts.Dir, dataName)); os.IsNotExist(err) {
				_ = os.Remove(filepath.Join(opts.Dir, name))
			}
			continue
		}
		if !isDataFile(name) {
			continue
		}

		if info, err := e.Info(); err == nil {
			total += info.Size()
			count++
		}
	}

	d.sizeBytes = total
	atomic.AddInt64(&m.DLQSizeBytes, total)
	atomic.AddInt64(&m.DLQFilesCurrent, count)

	return d, nil
}

// Save 는 업로드 실패한 archive 객체를 filename 그대로 저장한다.
// 같은 이름이 이미 있으면 덮어쓰지 않는다 (O_EXCL).
//
// 용량이 모자라면 가장 오래된 파일부터 지우고,
// 그래도 모자라면 버리고 DLQEventsDroppedTotal 을 올린다 (에러는 아님).
func (d *DLQ) Save(partition, filename string, data []byte, numEvents int) error {
	if len(data) == 0 || numEvents <= 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	size := int64(len(data))
	if !d.ensureCapacity(size) {
		log.Error().Str("partition", partition).Int64("bytes", size).Int("events", numEvents).
			Msg("[ERROR] DLQ full → drop")
		atomic.AddInt64(&d.metrics.DLQEventsDroppedTotal, int64(numEvents))
		return nil
	}

	dataPath := filepath.Join(d.opts.Dir, filename)
	if err := writeExclusive(dataPath, data); err != nil {
		return fmt.Errorf("dlq write %s: %w", filename, err)
	}

	meta, _ := json.Marshal(dlqMeta{NumEvents: int64(numEvents), Partition: partition})
	_ = os.WriteFile(dataPath+metaSuffix, meta, 0o600)

	d.sizeBytes += size
	atomic.AddInt64(&d.metrics.DLQSizeBytes, size)
	atomic.AddInt64(&d.metrics.DLQFilesCurrent, 1)
	atomic.AddInt64(&d.metrics.DLQEventsEnqueuedTotal, int64(numEvents))

	return nil
}

func writeExclusive(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return err
	}
	return f.Close()
}

// ensureCapacity 는 MaxBytes 를 넘지 않도록 가장 오래된 파일부터 지운다.
// 지울 파일이 더 없으면 false. mu 를 잡은 상태에서 호출한다.
func (d *DLQ) ensureCapacity(incoming int64) bool {
	if d.opts.MaxBytes <= 0 {
		return true
	}

	for d.sizeBytes+incoming > d.opts.MaxBytes {
		oldest := d.pickOldest()
		if oldest == "" {
			return false
		}
		d.remove(oldest)
		atomic.AddInt64(&d.metrics.DLQFilesExpiredTotal, 1)
		log.Warn().Str("file", oldest).Msg("[WARN] DLQ capacity → removed")
	}
	return true
}

// remove 는 data/meta 를 지우고 gauge 를 맞춘다. mu 를 잡은 상태에서 호출한다.
func (d *DLQ) remove(name string) {
	dataPath := filepath.Join(d.opts.Dir, name)
	if info, err := os.Stat(dataPath); err == nil {
		d.sizeBytes -= info.Size()
		atomic.AddInt64(&d.metrics.DLQSizeBytes, -info.Size())
	}
	_ = os.Remove(dataPath)
	_ = os.Remove(dataPath + metaSuffix)
	atomic.AddInt64(&d.metrics.DLQFilesCurrent, -1)
}

// ProcessOne 은 가장 오래된 파일 하나를 처리한다.
//   - TTL 초과면 삭제
//   - 첫 줄이 유효한 JSON 이면 RawPrefix, 아니면 DLQPrefix 로 재업로드
//
// 처리할 파일이 있었으면 true (업로드 실패 포함). 호출측은 false 가 나올 때까지 idle 시간에 부른다.
func (d *DLQ) ProcessOne(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	name := d.pickOldest()
	if name == "" {
		return false
	}
	dataPath := filepath.Join(d.opts.Dir, name)

	info, err := os.Stat(dataPath)
	if err != nil {
		d.remove(name)
		return true
	}
	size := info.Size()

	if d.opts.MaxAge > 0 {
		if sec, ok := unixFromFilename(name); ok {
			age := time.Duration(d.namer.clock.Unix()-sec) * time.Second
			if age > d.opts.MaxAge {
				d.remove(name)
				atomic.AddInt64(&d.metrics.DLQFilesExpiredTotal, 1)
				log.Info().Str("file", name).Dur("age", age).Msg("[INFO] DLQ TTL expired → deleted")
				return true
			}
		}
	}

	meta := d.readMeta(dataPath)

	f, err := os.Open(dataPath)
	if err != nil {
		log.Warn().Err(err).Str("file", name).Msg("[WARN] DLQ open failed")
		return true
	}
	defer f.Close()

	prefix := d.opts.DLQPrefix
	valid := firstLineValid(f)
	if valid {
		prefix = d.opts.RawPrefix
	}
	key := d.namer.Key(prefix, meta.Partition, name)

	if err := d.store.PutFile(ctx, key, f, size); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("[WARN] DLQ reupload failed")
		return true
	}

	d.remove(name)
	atomic.AddInt64(&d.metrics.DLQEventsReuploadedTotal, meta.NumEvents)
	if valid {
		atomic.AddInt64(&d.metrics.ArchiveObjectsStoredTotal, 1)
		atomic.AddInt64(&d.metrics.ArchiveEventsStoredTotal, meta.NumEvents)
	}

	log.Info().Str("key", key).Int64("events", meta.NumEvents).Bool("valid", valid).Msg("[INFO] DLQ reupload success")
	return true
}

// readMeta: 없거나 깨져 있으면 num_events=1, partition="unknown".
func (d *DLQ) readMeta(dataPath string) dlqMeta {
	m := dlqMeta{NumEvents: 1, Partition: "unknown"}
	raw, err := os.ReadFile(dataPath + metaSuffix)
	if err != nil {
		return m
	}
	var v dlqMeta
	if json.Unmarshal(raw, &v) != nil {
		return m
	}
	if v.NumEvents > 0 {
		m.NumEvents = v.NumEvents
	}
	if v.Partition != "" {
		m.Partition = v.Partition
	}
	return m
}

// pickOldest 는 파일명 정렬 기준 가장 오래된 data 파일을 돌려준다.
// ReadDir 순서는 보장되지 않으므로 반드시 정렬한다.
func (d *DLQ) pickOldest() string {
	names, err := d.files()
	if err != nil || len(names) == 0 {
		return ""
	}
	return names[0]
}

func (d *DLQ) files() ([]string, error) {
	entries, err := os.ReadDir(d.opts.Dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !isDataFile(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Pending 은 현재 DLQ 에 남은 data 파일 수.
func (d *DLQ) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	names, _ := d.files()
	return len(names)
}

func isDataFile(name string) bool {
	return name != "" && name[0] != '.' && strings.HasSuffix(name, fileSuffix)
}

var errNoDLQ = errors.New("archive: no DLQ configured")
