package oauth2

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assistant-core/internal/common/errors"
)

func providerFor(t *testing.T, handler http.HandlerFunc) *ProviderClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewProviderClient(ProviderConfig{
		TokenURL:     server.URL + "/token",
		RevokeURL:    server.URL + "/revoke",
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		Timeout:      2 * time.Second,
	})
}

func TestRefresh_Success(t *testing.T) {
	var gotForm map[string]string
	client := providerFor(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		gotForm = map[string]string{
			"grant_type":    r.PostForm.Get("grant_type"),
			"refresh_token": r.PostForm.Get("refresh_token"),
			"client_id":     r.PostForm.Get("client_id"),
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "fresh-access",
			"token_type":   "Bearer",
			"expires_in":   3600,
			"scope":        "calendar",
		})
	})

	grant, err := client.Refresh(context.Background(), "my-refresh")
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", grant.AccessToken)
	assert.Equal(t, "Bearer", grant.TokenType)
	assert.Equal(t, 3600, grant.ExpiresIn)
	assert.Equal(t, "calendar", grant.Scope)
	assert.Empty(t, grant.RefreshToken)

	assert.Equal(t, "refresh_token", gotForm["grant_type"])
	assert.Equal(t, "my-refresh", gotForm["refresh_token"])
	assert.Equal(t, "client-id", gotForm["client_id"])
}

func TestRefresh_ErrorClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantType  errors.ErrorType
		transient bool
	}{
		{"429 rate limited", http.StatusTooManyRequests, `{}`, errors.ErrTypeRateLimit, true},
		{"403 quota exceeded", http.StatusForbidden, `{"error":"rateLimitExceeded"}`, errors.ErrTypeRateLimit, true},
		{"403 user quota", http.StatusForbidden, `{"error":"userRateLimitExceeded"}`, errors.ErrTypeRateLimit, true},
		{"403 other", http.StatusForbidden, `{"error":"accessDenied"}`, errors.ErrTypePermanent, false},
		{"500", http.StatusInternalServerError, `{}`, errors.ErrTypeUnavailable, true},
		{"503", http.StatusServiceUnavailable, `{}`, errors.ErrTypeUnavailable, true},
		{"401", http.StatusUnauthorized, `{}`, errors.ErrTypeAuth, false},
		{"400 invalid_grant", http.StatusBadRequest, `{"error":"invalid_grant","error_description":"revoked"}`, errors.ErrTypeAuth, false},
		{"400 other", http.StatusBadRequest, `{"error":"invalid_request"}`, errors.ErrTypePermanent, false},
		{"404", http.StatusNotFound, ``, errors.ErrTypePermanent, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := providerFor(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			_, err := client.Refresh(context.Background(), "refresh")
			require.Error(t, err)
			assert.True(t, errors.IsType(err, tt.wantType), "got %v", err)
			assert.Equal(t, tt.transient, errors.IsTransient(err))
		})
	}
}

func TestRefresh_MissingAccessToken(t *testing.T) {
	client := providerFor(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"token_type":"Bearer"}`))
	})

	_, err := client.Refresh(context.Background(), "refresh")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeInternal))
}

func TestRefresh_ConnectionRefused(t *testing.T) {
	client := NewProviderClient(ProviderConfig{
		TokenURL: "http://127.0.0.1:1/token",
		Timeout:  time.Second,
	})

	_, err := client.Refresh(context.Background(), "refresh")
	require.Error(t, err)
	assert.True(t, errors.IsTransient(err))
}

func TestProviderRevoke(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		var gotToken string
		client := providerFor(t, func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, r.ParseForm())
			gotToken = r.PostForm.Get("token")
		})

		ok, err := client.Revoke(context.Background(), "doomed-token")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "doomed-token", gotToken)
	})

	t.Run("provider error", func(t *testing.T) {
		client := providerFor(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})

		ok, err := client.Revoke(context.Background(), "doomed-token")
		assert.False(t, ok)
		assert.True(t, errors.IsType(err, errors.ErrTypeUnavailable))
	})

	t.Run("no revoke endpoint configured", func(t *testing.T) {
		client := NewProviderClient(ProviderConfig{TokenURL: "http://example.invalid/token"})

		ok, err := client.Revoke(context.Background(), "token")
		assert.False(t, ok)
		assert.NoError(t, err)
	})
}
