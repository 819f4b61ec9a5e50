// internal/archive/naming.go
package archive

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
)

// naming.go
// ------------------------------------------------------------
// archive 객체와 DLQ 파일이 공유하는 이름 규칙.
//
// 파일명:
//
//	<unix>_<instance>_<counter>.jsonl.gz
//
// S3 key:
//
//	<prefix>/p=<partition>/dt=<YYYY-MM-DD>/hr=<HH>/<filename>
//
// 파일명은 문자열 정렬이 곧 시간 정렬이고, dt/hr 는 파일명 앞의 unix 로
// 계산하므로 DLQ 에서 나중에 재업로드해도 처음과 같은 key 가 나온다.
// 그래서 key 를 batch ref(store 멱등성 기준)로 그대로 쓸 수 있다.

const fileSuffix = ".jsonl.gz"

// Namer 는 인스턴스별 파일명 생성기.
type Namer struct {
	instance string
	clock    *Clock
	counter  atomic.Uint64
}

func NewNamer(instance string, clock *Clock) *Namer {
	return &Namer{instance: sanitizeSegment(instance), clock: clock}
}

// Filename
// ------------------------------------------------------------
// counter 는 1e6 에서 wrap-around 한다.
// 같은 초 안에 100만 개를 넘기지 않는 한 (unix, instance, counter) 는 유일하다.
func (n *Namer) Filename() string {
	c := n.counter.Add(1) % 1_000_000
	return fmt.Sprintf("%d_%s_%06d%s", n.clock.Unix(), n.instance, c, fileSuffix)
}

// Key 는 filename 의 timestamp 기준으로 time bucket 을 정한다.
// timestamp 를 읽을 수 없으면 현재 시각 bucket 을 쓴다.
func (n *Namer) Key(prefix, partition, filename string) string {
	dt, hr := n.clock.DT(), n.clock.HR()
	if sec, ok := unixFromFilename(filename); ok {
		dt, hr = n.clock.bucketOf(sec)
	}
	return fmt.Sprintf("%s/p=%s/dt=%s/hr=%s/%s",
		strings.TrimSuffix(prefix, "/"), sanitizeSegment(partition), dt, hr, filename)
}

// unixFromFilename 은 "<unix>_<instance>_<counter>.jsonl.gz" 의 unix 를 파싱한다.
func unixFromFilename(name string) (int64, bool) {
	idx := strings.IndexByte(name, '_')
	if idx <= 0 {
		return 0, false
	}
	sec, err := strconv.ParseInt(name[:idx], 10, 64)
	if err != nil || sec <= 0 {
		return 0, false
	}
	return sec, true
}

// sanitizeSegment 는 key/파일명 한 구간에 쓸 수 없는 문자를 '-' 로 바꾼다.
func sanitizeSegment(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		}
		return '-'
	}, s)
}
