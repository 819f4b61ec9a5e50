package stream

import (
	"strings"
	"sync"
)

// DefaultPartition 은 X-Partition-Id 가 없을 때 쓰는 파티션.
const DefaultPartition = "0"

// NormalizePartition: 공백 제거, 비어 있으면 DefaultPartition.
func NormalizePartition(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return DefaultPartition
	}
	return p
}

// Sequencer 는 producer 가 sequence 를 주지 않을 때 파티션별 단조 증가 번호를 붙인다.
//
// 명시 sequence 가 들어오면 그 값으로 따라간다 (이후 자동 번호는 그 다음부터).
// 재시작 시에는 checkpoint 값에서 이어간다.
type Sequencer struct {
	mu   sync.Mutex
	last map[string]int64
	cp   Checkpointer
}

// NewSequencer: cp 가 nil 이면 0 부터 시작한다.
func NewSequencer(cp Checkpointer) *Sequencer {
	return &Sequencer{last: map[string]int64{}, cp: cp}
}

// Next 는 explicit > 0 이면 그 값을, 아니면 마지막 값 + 1 을 돌려준다.
func (s *Sequencer) Next(partition string, explicit int64) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	last, ok := s.last[partition]
	if !ok && s.cp != nil {
		last, _ = s.cp.Load(partition)
	}

	seq := last + 1
	if explicit > 0 {
		seq = explicit
	}
	if seq > last {
		s.last[partition] = seq
	} else {
		s.last[partition] = last
	}
	return seq
}
