package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fast(attempts int) Policy {
	return Policy{Attempts: attempts, Initial: time.Millisecond, Max: 2 * time.Millisecond}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	var seen []int
	err := fast(3).Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	}, func(_ error, attempt int) { seen = append(seen, attempt) })

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, []int{1, 2}, seen)
}

func TestDoGivesUpAfterAttempts(t *testing.T) {
	calls := 0
	err := fast(2).Do(context.Background(), func(context.Context) error {
		calls++
		return errors.New("down")
	}, nil)
	require.Error(t, err)
	assert.Equal(t, "down", err.Error())
	assert.Equal(t, 2, calls)
}

func TestDoStopsOnPermanent(t *testing.T) {
	calls := 0
	err := fast(5).Do(context.Background(), func(context.Context) error {
		calls++
		return Permanent(errors.New("bad request"))
	}, nil)
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoPerAttemptTimeout(t *testing.T) {
	p := fast(1)
	p.PerAttempt = 10 * time.Millisecond
	err := p.Do(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestDoCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := fast(3).Do(ctx, func(context.Context) error {
		return errors.New("down")
	}, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
