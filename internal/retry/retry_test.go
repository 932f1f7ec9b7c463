package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errConflict = errors.New("conflict")

func TestPolicyDo_SuccessOnFirstAttempt(t *testing.T) {
	calls := 0
	err := Policy{Attempts: 3, BaseDelay: time.Millisecond}.Do(context.Background(), func(int) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestPolicyDo_SuccessOnRetry(t *testing.T) {
	calls := 0
	err := Policy{Attempts: 3, BaseDelay: time.Millisecond}.Do(context.Background(), func(int) error {
		calls++
		if calls < 3 {
			return errConflict
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestPolicyDo_AttemptsExhausted(t *testing.T) {
	calls := 0
	err := Policy{Attempts: 4, BaseDelay: time.Millisecond}.Do(context.Background(), func(int) error {
		calls++
		return errConflict
	})
	assert.ErrorIs(t, err, errConflict)
	assert.Equal(t, 4, calls)
}

func TestPolicyDo_PermanentStops(t *testing.T) {
	calls := 0
	boom := errors.New("bad row")
	err := Policy{Attempts: 5, BaseDelay: time.Millisecond}.Do(context.Background(), func(int) error {
		calls++
		return Permanent(boom)
	})
	assert.Equal(t, boom, err)
	assert.Equal(t, 1, calls)
}

func TestPolicyDo_ZeroAttemptsRunsOnce(t *testing.T) {
	calls := 0
	_ = Policy{Attempts: 0, BaseDelay: time.Millisecond}.Do(context.Background(), func(int) error {
		calls++
		return errConflict
	})
	assert.Equal(t, 1, calls)
}

func TestPolicyDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := Policy{Attempts: 10, BaseDelay: 50 * time.Millisecond}.Do(ctx, func(int) error {
		calls++
		cancel()
		return errConflict
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestPolicy_RetryableFilter(t *testing.T) {
	other := errors.New("store down")
	p := Policy{
		Attempts:  5,
		BaseDelay: time.Millisecond,
		Retryable: func(err error) bool { return errors.Is(err, errConflict) },
	}

	calls := 0
	err := p.Do(context.Background(), func(int) error {
		calls++
		return other
	})
	assert.Equal(t, other, err)
	assert.Equal(t, 1, calls)
}

func TestPolicy_PassesAttemptNumber(t *testing.T) {
	var seen []int
	p := Policy{Attempts: 3, BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond}
	_ = p.Do(context.Background(), func(attempt int) error {
		seen = append(seen, attempt)
		return errConflict
	})
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestJittered_Bounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := jittered(100 * time.Millisecond)
		assert.GreaterOrEqual(t, d, 75*time.Millisecond)
		assert.LessOrEqual(t, d, 125*time.Millisecond)
	}
	assert.Equal(t, time.Duration(0), jittered(0))
}

func TestPermanent_Nil(t *testing.T) {
	assert.NoError(t, Permanent(nil))
	assert.ErrorIs(t, Permanent(errConflict), errConflict)
}
