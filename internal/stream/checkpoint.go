// Package stream 은 입력 스트림의 파티션 단위 상태 (sequence, checkpoint).
package stream

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	json "github.com/goccy/go-json"
)

// ErrUnknownPartition 은 checkpoint 가 한 번도 기록되지 않은 파티션.
var ErrUnknownPartition = errors.New("stream: unknown partition")

// Checkpointer 는 파티션별 "여기까지 처리 완료" sequence 를 보관한다.
// archive + forward 가 끝난 배치의 마지막 seq 만 기록해야 한다.
type Checkpointer interface {
	Checkpoint(partition string, seq int64) error
	Load(partition string) (int64, bool)
}

type checkpointFile struct {
	Partition string `json:"partition"`
	Seq       int64  `json:"seq"`
}

// FileCheckpointer
// ------------------------------------------------------------
// 파티션마다 <dir>/<partition>.json 하나.
// temp 파일에 쓰고 rename 하므로 중간에 죽어도 이전 값 또는 새 값만 남는다.
// seq 가 뒤로 가는 기록은 무시한다.
type FileCheckpointer struct {
	dir string

	mu   sync.RWMutex
	seqs map[string]int64
}

// NewFileCheckpointer 는 dir 을 만들고 기존 checkpoint 를 읽어들인다.
func NewFileCheckpointer(dir string) (*FileCheckpointer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("checkpoint dir: %w", err)
	}
	c := &FileCheckpointer{dir: dir, seqs: map[string]int64{}}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("checkpoint scan: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		var cp checkpointFile
		if json.Unmarshal(raw, &cp) != nil || cp.Partition == "" {
			continue
		}
		c.seqs[cp.Partition] = cp.Seq
	}
	return c, nil
}

func (c *FileCheckpointer) Checkpoint(partition string, seq int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.seqs[partition]; ok && seq <= prev {
		return nil
	}

	raw, err := json.Marshal(checkpointFile{Partition: partition, Seq: seq})
	if err != nil {
		return err
	}

	path := filepath.Join(c.dir, fileName(partition))
	tmp, err := os.CreateTemp(c.dir, ".cp-*")
	if err != nil {
		return fmt.Errorf("checkpoint %s: %w", partition, err)
	}
	if _, err := tmp.Write(raw); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("checkpoint %s: %w", partition, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("checkpoint %s: %w", partition, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("checkpoint %s: %w", partition, err)
	}

	c.seqs[partition] = seq
	return nil
}

func (c *FileCheckpointer) Load(partition string) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seq, ok := c.seqs[partition]
	return seq, ok
}

// Get 은 Load 의 error 버전.
func (c *FileCheckpointer) Get(partition string) (int64, error) {
	if seq, ok := c.Load(partition); ok {
		return seq, nil
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownPartition, partition)
}

// Snapshot 은 전체 checkpoint 를 파티션 이름순으로 돌려준다.
func (c *FileCheckpointer) Snapshot() []Position {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Position, 0, len(c.seqs))
	for p, s := range c.seqs {
		out = append(out, Position{Partition: p, Seq: s})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Partition < out[j].Partition })
	return out
}

// Position 은 파티션 하나의 checkpoint.
type Position struct {
	Partition string `json:"partition"`
	Seq       int64  `json:"seq"`
}

// fileName 은 파티션 이름을 파일명으로 쓸 수 있게 바꾼다.
func fileName(partition string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, partition)
	return safe + ".json"
}
