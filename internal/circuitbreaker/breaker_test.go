package circuitbreaker

import (
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assistant-core/internal/common/errors"
)

func testConfig() Config {
	return Config{
		MaxFailures:           3,
		Timeout:               50 * time.Millisecond,
		MaxConcurrentRequests: 1,
	}
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.NoError(t, RefreshConfig.Validate())

	assert.Error(t, Config{MaxFailures: 0, Timeout: time.Second, MaxConcurrentRequests: 1}.Validate())
	assert.Error(t, Config{MaxFailures: 1, Timeout: 0, MaxConcurrentRequests: 1}.Validate())
	assert.Error(t, Config{MaxFailures: 1, Timeout: time.Second, MaxConcurrentRequests: 0}.Validate())
}

func TestExecute_PassesThroughWhenClosed(t *testing.T) {
	b := New("test", testConfig(), nil)

	err := b.Execute(func() error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())

	boom := stderrors.New("boom")
	err = b.Execute(func() error { return boom })
	assert.Equal(t, boom, err)
}

func TestExecute_OpensAfterConsecutiveFailures(t *testing.T) {
	b := New("test", testConfig(), nil)

	for i := 0; i < 3; i++ {
		_ = b.Execute(func() error { return stderrors.New("down") })
	}
	assert.Equal(t, StateOpen, b.State())

	calls := 0
	err := b.Execute(func() error { calls++; return nil })
	require.Error(t, err)
	assert.Equal(t, 0, calls)
	assert.True(t, errors.IsType(err, errors.ErrTypeUnavailable))
	assert.True(t, errors.IsTransient(err))
}

func TestExecute_RecoversThroughHalfOpen(t *testing.T) {
	b := New("test", testConfig(), nil)

	for i := 0; i < 3; i++ {
		_ = b.Execute(func() error { return stderrors.New("down") })
	}
	require.Equal(t, StateOpen, b.State())

	time.Sleep(60 * time.Millisecond)

	err := b.Execute(func() error { return nil })
	assert.NoError(t, err)
	assert.Equal(t, StateClosed, b.State())
}

func TestExecute_CallerErrorsDoNotTrip(t *testing.T) {
	b := New("test", testConfig(), nil)

	for i := 0; i < 10; i++ {
		_ = b.Execute(func() error { return errors.AuthError("invalid_grant") })
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestNew_InvalidConfigFallsBack(t *testing.T) {
	b := New("test", Config{}, nil)
	assert.NoError(t, b.Execute(func() error { return nil }))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(99).String())
}
