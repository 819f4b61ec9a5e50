// Package retry 는 외부 I/O(S3, DB, 임베딩 API) 호출의 공통 재시도 정책.
//
// 정책은 한 가지로 통일한다.
//   - 200ms 에서 시작해 2배씩, 최대 2초 간격
//   - 시도 횟수 제한 (Attempts)
//   - 시도마다 별도 timeout (PerAttempt)
//   - ctx 취소 시 즉시 중단
//
// SDK 자체 retry 는 끄고 여기서만 재시도한다 (겹치면 지연이 예측 불가).
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type Policy struct {
	Attempts   int
	Initial    time.Duration
	Max        time.Duration
	PerAttempt time.Duration
}

func Default() Policy {
	return Policy{
		Attempts:   3,
		Initial:    200 * time.Millisecond,
		Max:        2 * time.Second,
		PerAttempt: 5 * time.Second,
	}
}

// Permanent 로 감싼 에러는 재시도하지 않는다 (4xx 등).
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do 는 fn 을 정책에 따라 재시도한다. onErr 는 실패한 시도마다 호출된다 (nil 가능).
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error, onErr func(err error, attempt int)) error {
	if p.Attempts <= 0 {
		p.Attempts = 1
	}
	if p.Initial <= 0 {
		p.Initial = 200 * time.Millisecond
	}
	if p.Max <= 0 {
		p.Max = 2 * time.Second
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.Initial
	eb.MaxInterval = p.Max
	eb.Multiplier = 2
	eb.RandomizationFactor = 0
	eb.MaxElapsedTime = 0

	var b backoff.BackOff = backoff.WithMaxRetries(eb, uint64(p.Attempts-1))
	b = backoff.WithContext(b, ctx)

	attempt := 0
	op := func() error {
		attempt++
		actx, cancel := ctx, context.CancelFunc(func() {})
		if p.PerAttempt > 0 {
			actx, cancel = context.WithTimeout(ctx, p.PerAttempt)
		}
		defer cancel()

		err := fn(actx)
		if err != nil && onErr != nil {
			onErr(err, attempt)
		}
		return err
	}

	err := backoff.Retry(op, b)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		return errors.Join(ctxErr, err)
	}
	return err
}
