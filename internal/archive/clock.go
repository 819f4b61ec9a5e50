// internal/archive/clock.go
package archive

import (
	"context"
	"sync/atomic"
	"time"
)

// Clock
// ------------------------------------------------------------
// 현재 epoch seconds 와 파티션 경로(dt=YYYY-MM-DD / hr=HH)를
// 1초 단위로 캐싱한다. 배치마다 time.Now + Format 을 반복하지 않기 위함.
//
// dt/hr 는 loc 기준으로 계산한다 (운영 기본값 UTC).
// Run 을 띄우지 않으면 NewClock 시점 값에 고정된다 (테스트는 Set 사용).
type Clock struct {
	loc  *time.Location
	unix atomic.Int64
	dt   atomic.Value // "YYYY-MM-DD"
	hr   atomic.Value // "HH"
}

func NewClock(loc *time.Location) *Clock {
	if loc == nil {
		loc = time.UTC
	}
	c := &Clock{loc: loc}
	c.Set(time.Now())
	return c
}

// Run 은 ctx 가 끝날 때까지 매초 캐시를 갱신한다.
func (c *Clock) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.Set(now)
		}
	}
}

// Set 은 캐시를 t 로 갱신한다.
func (c *Clock) Set(t time.Time) {
	local := t.In(c.loc)
	c.unix.Store(t.Unix())
	c.dt.Store(local.Format("2006-01-02"))
	c.hr.Store(local.Format("15"))
}

// Unix returns cached epoch seconds (1-second precision).
func (c *Clock) Unix() int64 {
	return c.unix.Load()
}

func (c *Clock) DT() string {
	return c.dt.Load().(string)
}

func (c *Clock) HR() string {
	return c.hr.Load().(string)
}

// bucketOf 는 임의의 epoch seconds 에 대한 dt/hr 를 계산한다 (DLQ 재업로드용).
func (c *Clock) bucketOf(sec int64) (string, string) {
	t := time.Unix(sec, 0).In(c.loc)
	return t.Format("2006-01-02"), t.Format("15")
}
