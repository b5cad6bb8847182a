package oauth2

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"assistant-core/internal/common/errors"
)

// Grant is the provider's answer to a successful token request.
type Grant struct {
	AccessToken  string
	RefreshToken string // empty when the provider does not reissue one
	TokenType    string
	ExpiresIn    int // seconds
	Scope        string
}

// RefreshClient is the upstream collaborator the manager refreshes and
// revokes tokens through.
type RefreshClient interface {
	Refresh(ctx context.Context, refreshToken string) (*Grant, error)
	Revoke(ctx context.Context, token string) (bool, error)
}

// ProviderConfig configures the HTTP client for a provider's token and
// revocation endpoints.
type ProviderConfig struct {
	TokenURL     string
	RevokeURL    string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

// ProviderClient talks to a standard OAuth2 token endpoint
// (grant_type=refresh_token) and an RFC 7009 revocation endpoint.
type ProviderClient struct {
	config     ProviderConfig
	httpClient *http.Client
}

// NewProviderClient creates a provider client with a bounded request timeout.
func NewProviderClient(config ProviderConfig) *ProviderClient {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ProviderClient{
		config:     config,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
}

type errorResponse struct {
	Error       string `json:"error"`
	Description string `json:"error_description"`
}

// Refresh exchanges a refresh token for a new grant.
func (c *ProviderClient) Refresh(ctx context.Context, refreshToken string) (*Grant, error) {
	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)
	data.Set("client_id", c.config.ClientID)
	data.Set("client_secret", c.config.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, errors.InternalError("failed to create token request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, classifyErrorResponse(resp)
	}

	var tokenResp tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return nil, errors.InternalError("failed to decode token response", err)
	}
	if tokenResp.AccessToken == "" {
		return nil, errors.InternalError("token response missing access_token", nil)
	}

	return &Grant{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		TokenType:    tokenResp.TokenType,
		ExpiresIn:    tokenResp.ExpiresIn,
		Scope:        tokenResp.Scope,
	}, nil
}

// Revoke invalidates a token at the provider. A 200 means revoked; RFC 7009
// also treats unknown tokens as success.
func (c *ProviderClient) Revoke(ctx context.Context, token string) (bool, error) {
	if c.config.RevokeURL == "" {
		return false, nil
	}

	data := url.Values{}
	data.Set("token", token)
	data.Set("client_id", c.config.ClientID)
	data.Set("client_secret", c.config.ClientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.RevokeURL, strings.NewReader(data.Encode()))
	if err != nil {
		return false, errors.InternalError("failed to create revoke request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, classifyTransportError(err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode == http.StatusOK {
		return true, nil
	}
	return false, classifyStatus(resp.StatusCode, "", fmt.Sprintf("revoke failed with status %d", resp.StatusCode))
}

// Quota-exhaustion codes some providers return under HTTP 403 instead of 429.
var rateLimitCodes = map[string]bool{
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
	"quotaExceeded":         true,
}

func classifyErrorResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var errResp errorResponse
	_ = json.Unmarshal(body, &errResp)

	msg := fmt.Sprintf("provider returned status %d", resp.StatusCode)
	if errResp.Error != "" {
		msg = fmt.Sprintf("provider returned status %d: %s", resp.StatusCode, errResp.Error)
		if errResp.Description != "" {
			msg += " - " + errResp.Description
		}
	}

	return classifyStatus(resp.StatusCode, errResp.Error, msg)
}

func classifyStatus(status int, code, msg string) error {
	switch {
	case status == http.StatusTooManyRequests:
		return errors.RateLimitError("upstream provider").WithCode(code)
	case status == http.StatusForbidden && rateLimitCodes[code]:
		return errors.RateLimitError("upstream provider").WithCode(code)
	case status >= 500:
		return errors.UnavailableError(msg, nil)
	case status == http.StatusUnauthorized:
		return errors.AuthError(msg)
	case status == http.StatusBadRequest && code == "invalid_grant":
		return errors.AuthError(msg).WithCode(code)
	default:
		return errors.PermanentError(msg, nil).WithCode(code)
	}
}

func classifyTransportError(err error) error {
	if urlErr, ok := err.(*url.Error); ok && urlErr.Timeout() {
		return errors.TimeoutError("token endpoint request")
	}
	return errors.ConnectionError("failed to reach token endpoint", err)
}
