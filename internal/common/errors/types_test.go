package errors

import (
	"fmt"
	"strings"
	"testing"
)

func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *AppError
		contains []string
	}{
		{
			name:     "type and message",
			err:      ConfigError("missing key"),
			contains: []string{"config", "missing key"},
		},
		{
			name:     "with code",
			err:      RateLimitError("token endpoint").WithCode("userRateLimitExceeded"),
			contains: []string{"rate_limit", "code=userRateLimitExceeded"},
		},
		{
			name:     "with cause",
			err:      DecryptionError("cipher: message authentication failed", fmt.Errorf("boom")),
			contains: []string{"decryption", "cause=boom"},
		},
		{
			name:     "with context",
			err:      ReauthRequiredError("refresh rejected", nil).WithContext("subject", "user-1"),
			contains: []string{"reauthorization_required", "subject=user-1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, want := range tt.contains {
				if !strings.Contains(msg, want) {
					t.Errorf("Error() = %q, want it to contain %q", msg, want)
				}
			}
		})
	}
}

func TestIsType(t *testing.T) {
	base := UnavailableError("upstream 503", nil)
	wrapped := fmt.Errorf("call failed: %w", base)

	if !IsType(base, ErrTypeUnavailable) {
		t.Error("IsType() should match the error's own type")
	}
	if !IsType(wrapped, ErrTypeUnavailable) {
		t.Error("IsType() should unwrap to find the AppError")
	}
	if IsType(wrapped, ErrTypeRateLimit) {
		t.Error("IsType() should not match a different type")
	}
	if IsType(nil, ErrTypeUnavailable) {
		t.Error("IsType(nil) should be false")
	}
	if IsType(fmt.Errorf("plain"), ErrTypeUnavailable) {
		t.Error("IsType() on a plain error should be false")
	}
}

func TestGetType(t *testing.T) {
	if got := GetType(nil); got != "" {
		t.Errorf("GetType(nil) = %q, want empty", got)
	}
	if got := GetType(fmt.Errorf("plain")); got != ErrTypeInternal {
		t.Errorf("GetType(plain) = %q, want %q", got, ErrTypeInternal)
	}
	if got := GetType(fmt.Errorf("wrap: %w", TimeoutError("refresh"))); got != ErrTypeTimeout {
		t.Errorf("GetType(wrapped timeout) = %q, want %q", got, ErrTypeTimeout)
	}
}

func TestIsTransient(t *testing.T) {
	transient := []error{
		RateLimitError("api"),
		UnavailableError("503", nil),
		TimeoutError("refresh"),
		ConnectionError("dial tcp", nil),
	}
	for _, err := range transient {
		if !IsTransient(err) {
			t.Errorf("IsTransient(%v) = false, want true", err)
		}
	}

	terminal := []error{
		AuthError("401"),
		PermanentError("404", nil),
		ValidationError("bad request"),
		ReauthRequiredError("refresh rejected", nil),
		nil,
	}
	for _, err := range terminal {
		if IsTransient(err) {
			t.Errorf("IsTransient(%v) = true, want false", err)
		}
	}
}

func TestUnwrap(t *testing.T) {
	cause := fmt.Errorf("underlying")
	err := InternalError("wrapper", cause)
	if err.Unwrap() != cause {
		t.Error("Unwrap() should return the cause")
	}
}
