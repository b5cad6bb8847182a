// Package credentials layers encryption over the storage contract. Tokens are
// encrypted on the way in and decrypted on the way out; callers only ever see
// plaintext, and the database only ever sees ciphertext.
package credentials

import (
	"context"
	"time"

	"assistant-core/internal/crypto"
	"assistant-core/internal/storage"
)

// TokenSet is one grant's worth of plaintext token material.
type TokenSet struct {
	AccessToken  string
	RefreshToken string
	TokenType    string
	Expiry       time.Time
	Scope        string
}

// Credential is a stored credential with decrypted tokens.
type Credential struct {
	Subject         string
	Provider        string
	Tokens          TokenSet
	CreatedAt       time.Time
	LastRefreshedAt time.Time
}

// Store persists credentials, encrypting token fields at rest.
type Store struct {
	cipher  *crypto.Cipher
	backend storage.Store
}

// NewStore creates a credential store over the given cipher and backend.
func NewStore(cipher *crypto.Cipher, backend storage.Store) *Store {
	return &Store{cipher: cipher, backend: backend}
}

// Save encrypts tokens and upserts the credential for (subject, provider).
// An empty refresh token is stored empty, which tells the storage layer to
// keep whatever refresh token it already holds for the pair.
func (s *Store) Save(ctx context.Context, subject, provider string, tokens TokenSet) error {
	encAccess, err := s.cipher.Encrypt(tokens.AccessToken)
	if err != nil {
		return err
	}
	encRefresh, err := s.cipher.Encrypt(tokens.RefreshToken)
	if err != nil {
		return err
	}

	tokenType := tokens.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}

	now := time.Now().UTC()
	return s.backend.UpsertCredential(ctx, &storage.CredentialRecord{
		Subject:         subject,
		Provider:        provider,
		AccessToken:     encAccess,
		RefreshToken:    encRefresh,
		TokenType:       tokenType,
		Expiry:          tokens.Expiry,
		Scope:           tokens.Scope,
		CreatedAt:       now,
		LastRefreshedAt: now,
	})
}

// Load fetches and decrypts the credential for (subject, provider).
// Returns (nil, nil) when no credential is stored.
func (s *Store) Load(ctx context.Context, subject, provider string) (*Credential, error) {
	rec, err := s.backend.GetCredential(ctx, subject, provider)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}

	access, err := s.cipher.Decrypt(rec.AccessToken)
	if err != nil {
		return nil, err
	}
	refresh, err := s.cipher.Decrypt(rec.RefreshToken)
	if err != nil {
		return nil, err
	}

	return &Credential{
		Subject:  rec.Subject,
		Provider: rec.Provider,
		Tokens: TokenSet{
			AccessToken:  access,
			RefreshToken: refresh,
			TokenType:    rec.TokenType,
			Expiry:       rec.Expiry,
			Scope:        rec.Scope,
		},
		CreatedAt:       rec.CreatedAt,
		LastRefreshedAt: rec.LastRefreshedAt,
	}, nil
}

// Delete removes the credential for (subject, provider).
func (s *Store) Delete(ctx context.Context, subject, provider string) error {
	return s.backend.DeleteCredential(ctx, subject, provider)
}
