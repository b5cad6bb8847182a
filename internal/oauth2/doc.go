// Package oauth2 manages the credential lifecycle against an OAuth2
// provider: serving cached access tokens while they are comfortably
// valid, refreshing them through a single-flight guarded, circuit
// breaker protected token endpoint when they near expiry, and tearing
// credentials down when the provider rejects the refresh token.
//
// The manager is the only writer to stored credentials. Callers obtain
// tokens through GetValidToken and disconnect accounts through Revoke;
// they never touch the credential store directly.
package oauth2
