package resilience

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assistant-core/internal/common/errors"
)

func fastConfig() Config {
	return Config{
		MaxAttempts:  3,
		BaseDelay:    10 * time.Millisecond,
		MaxDelay:     100 * time.Millisecond,
		JitterFactor: 0.3,
	}
}

func TestDo_SucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), ClassifyAppError, func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_RetriesTransientThenSucceeds(t *testing.T) {
	calls := 0
	var callTimes []time.Time

	err := Do(context.Background(), fastConfig(), ClassifyAppError, func() error {
		calls++
		callTimes = append(callTimes, time.Now())
		if calls <= 2 {
			return errors.RateLimitError("429 too many requests")
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)

	// delays between attempts must not shrink
	require.Len(t, callTimes, 3)
	first := callTimes[1].Sub(callTimes[0])
	second := callTimes[2].Sub(callTimes[1])
	assert.GreaterOrEqual(t, second, first)
}

func TestDo_PermanentFailsImmediately(t *testing.T) {
	calls := 0
	notFound := errors.NotFoundError("404 message not found")

	err := Do(context.Background(), fastConfig(), ClassifyAppError, func() error {
		calls++
		return notFound
	})

	assert.Equal(t, 1, calls)
	assert.Equal(t, notFound, err)

	var exhausted *ExhaustedError
	assert.False(t, stderrors.As(err, &exhausted))
}

func TestDo_Exhaustion(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), ClassifyAppError, func() error {
		calls++
		return errors.UnavailableError("503 backend down", nil)
	})

	assert.Equal(t, 3, calls)

	var exhausted *ExhaustedError
	require.True(t, stderrors.As(err, &exhausted))
	assert.Equal(t, 3, exhausted.Attempts)
	assert.True(t, errors.IsType(exhausted.Err, errors.ErrTypeUnavailable))
}

func TestDo_NilClassifierRetriesEverything(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(), nil, func() error {
		calls++
		return stderrors.New("opaque failure")
	})

	assert.Equal(t, 3, calls)

	var exhausted *ExhaustedError
	assert.True(t, stderrors.As(err, &exhausted))
}

func TestDo_ContextCancelAbortsWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	cfg := fastConfig()
	cfg.BaseDelay = 5 * time.Second

	calls := 0
	done := make(chan error, 1)
	go func() {
		done <- Do(ctx, cfg, nil, func() error {
			calls++
			return stderrors.New("transient")
		})
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, calls)
	case <-time.After(time.Second):
		t.Fatal("Do did not return after cancellation")
	}
}

func TestBackoffDelay(t *testing.T) {
	cfg := Config{BaseDelay: time.Second, MaxDelay: 30 * time.Second, JitterFactor: 0.3}

	for attempt, base := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second} {
		d := backoffDelay(cfg, attempt)
		assert.GreaterOrEqual(t, d, base)
		assert.Less(t, d, base+time.Duration(float64(base)*0.3)+time.Millisecond)
	}

	t.Run("caps at max delay", func(t *testing.T) {
		cfg := Config{BaseDelay: time.Second, MaxDelay: 5 * time.Second}
		assert.Equal(t, 5*time.Second, backoffDelay(cfg, 10))
	})
}

func TestClassifyAppError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Outcome
	}{
		{"rate limit", errors.RateLimitError("429"), Retryable},
		{"unavailable", errors.UnavailableError("503", nil), Retryable},
		{"timeout", errors.TimeoutError("deadline"), Retryable},
		{"connection", errors.ConnectionError("refused", nil), Retryable},
		{"auth", errors.AuthError("401"), Permanent},
		{"not found", errors.NotFoundError("404"), Permanent},
		{"validation", errors.ValidationError("bad request"), Permanent},
		{"plain error", stderrors.New("anything"), Permanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ClassifyAppError(tt.err))
		})
	}
}
