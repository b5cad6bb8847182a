package oauth2

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"assistant-core/internal/circuitbreaker"
	"assistant-core/internal/common/errors"
	"assistant-core/internal/common/logging"
	"assistant-core/internal/credentials"
)

// DefaultRefreshBuffer is how far before expiry a token counts as stale.
const DefaultRefreshBuffer = 5 * time.Minute

// AccessToken is a decrypted, currently valid access token.
type AccessToken struct {
	Token  string
	Type   string
	Expiry time.Time
	Scope  string
}

// Config holds the manager tunables.
type Config struct {
	// RefreshBuffer is subtracted from the stored expiry when deciding
	// whether a token is still serviceable. Zero means DefaultRefreshBuffer.
	RefreshBuffer time.Duration
}

// Manager is the single writer to stored credentials. It serves cached
// tokens, refreshes stale ones, and deletes credentials the provider has
// rejected.
type Manager struct {
	credentials   *credentials.Store
	client        RefreshClient
	breaker       *circuitbreaker.Breaker
	refreshBuffer time.Duration
	flight        singleflight.Group
	logger        logging.Logger

	// now is swapped out in tests
	now func() time.Time
}

// NewManager creates a token lifecycle manager over the given credential
// store and provider client.
func NewManager(creds *credentials.Store, client RefreshClient, config Config, logger logging.Logger) *Manager {
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}
	buffer := config.RefreshBuffer
	if buffer <= 0 {
		buffer = DefaultRefreshBuffer
	}
	return &Manager{
		credentials:   creds,
		client:        client,
		breaker:       circuitbreaker.New("oauth2-refresh", circuitbreaker.RefreshConfig, logger),
		refreshBuffer: buffer,
		logger:        logger,
		now:           time.Now,
	}
}

// GetValidToken returns an access token for (subject, provider) that is
// valid for at least the refresh buffer. A stale token triggers a refresh;
// concurrent callers for the same pair share a single refresh. When the
// credential is absent, lacks a refresh token, or the provider rejects the
// refresh, the caller gets a reauthorization error and must send the
// subject back through the authorization flow.
func (m *Manager) GetValidToken(ctx context.Context, subject, provider string) (*AccessToken, error) {
	cred, err := m.credentials.Load(ctx, subject, provider)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, errors.ReauthRequiredError(
			fmt.Sprintf("no credential stored for subject %s with provider %s", subject, provider), nil)
	}

	if m.isServiceable(cred) {
		return tokenFrom(cred), nil
	}

	if cred.Tokens.RefreshToken == "" {
		m.logger.Info("Credential has no refresh token, removing it",
			logging.String("subject", subject),
			logging.String("provider", provider),
		)
		if delErr := m.credentials.Delete(ctx, subject, provider); delErr != nil {
			m.logger.Error("Failed to delete unusable credential", delErr,
				logging.String("subject", subject),
				logging.String("provider", provider),
			)
		}
		return nil, errors.ReauthRequiredError(
			fmt.Sprintf("credential for subject %s has no refresh token", subject), nil)
	}

	result, err, _ := m.flight.Do(flightKey(subject, provider), func() (interface{}, error) {
		return m.refresh(ctx, subject, provider)
	})
	if err != nil {
		return nil, err
	}
	return result.(*AccessToken), nil
}

// refresh runs inside the single-flight group. It re-loads the credential
// first: a caller that queued behind the flight winner finds a fresh token
// already persisted and skips the network entirely.
func (m *Manager) refresh(ctx context.Context, subject, provider string) (*AccessToken, error) {
	cred, err := m.credentials.Load(ctx, subject, provider)
	if err != nil {
		return nil, err
	}
	if cred == nil {
		return nil, errors.ReauthRequiredError(
			fmt.Sprintf("credential for subject %s disappeared during refresh", subject), nil)
	}
	if m.isServiceable(cred) {
		return tokenFrom(cred), nil
	}

	var grant *Grant
	err = m.breaker.Execute(func() error {
		var refreshErr error
		grant, refreshErr = m.client.Refresh(ctx, cred.Tokens.RefreshToken)
		return refreshErr
	})
	if err != nil {
		if errors.IsTransient(err) {
			return nil, err
		}

		m.logger.Warn("Provider rejected token refresh, removing credential",
			logging.String("subject", subject),
			logging.String("provider", provider),
			logging.Err(err),
		)
		if delErr := m.credentials.Delete(ctx, subject, provider); delErr != nil {
			m.logger.Error("Failed to delete rejected credential", delErr,
				logging.String("subject", subject),
				logging.String("provider", provider),
			)
		}
		return nil, errors.ReauthRequiredError(
			fmt.Sprintf("provider rejected refresh for subject %s", subject), err)
	}

	expiry := m.now()
	if grant.ExpiresIn > 0 {
		expiry = expiry.Add(time.Duration(grant.ExpiresIn) * time.Second)
	}

	tokens := credentials.TokenSet{
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		TokenType:    grant.TokenType,
		Expiry:       expiry,
		Scope:        grant.Scope,
	}
	if tokens.Scope == "" {
		tokens.Scope = cred.Tokens.Scope
	}
	if err := m.credentials.Save(ctx, subject, provider, tokens); err != nil {
		return nil, err
	}

	m.logger.Debug("Refreshed access token",
		logging.String("subject", subject),
		logging.String("provider", provider),
		logging.Time("expiry", expiry),
	)

	return &AccessToken{
		Token:  grant.AccessToken,
		Type:   tokens.TokenType,
		Expiry: expiry,
		Scope:  tokens.Scope,
	}, nil
}

// Revoke disconnects (subject, provider): both tokens are revoked upstream
// on a best-effort basis, then the local credential is deleted. Upstream
// revocation failures are logged and swallowed; local deletion always runs.
func (m *Manager) Revoke(ctx context.Context, subject, provider string) error {
	cred, err := m.credentials.Load(ctx, subject, provider)
	if err != nil {
		return err
	}
	if cred == nil {
		return nil
	}

	for _, token := range []string{cred.Tokens.AccessToken, cred.Tokens.RefreshToken} {
		if token == "" {
			continue
		}
		if _, revokeErr := m.client.Revoke(ctx, token); revokeErr != nil {
			m.logger.Warn("Upstream token revocation failed",
				logging.String("subject", subject),
				logging.String("provider", provider),
				logging.Err(revokeErr),
			)
		}
	}

	return m.credentials.Delete(ctx, subject, provider)
}

// isServiceable reports whether the stored token is still comfortably valid.
func (m *Manager) isServiceable(cred *credentials.Credential) bool {
	return m.now().Before(cred.Tokens.Expiry.Add(-m.refreshBuffer))
}

func tokenFrom(cred *credentials.Credential) *AccessToken {
	return &AccessToken{
		Token:  cred.Tokens.AccessToken,
		Type:   cred.Tokens.TokenType,
		Expiry: cred.Tokens.Expiry,
		Scope:  cred.Tokens.Scope,
	}
}

func flightKey(subject, provider string) string {
	return subject + "|" + provider
}
