package credentials

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assistant-core/internal/common/errors"
	"assistant-core/internal/crypto"
	"assistant-core/internal/storage"
)

const testKey = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef"

func newTestStore(t *testing.T) (*Store, storage.Store) {
	t.Helper()
	cipher, err := crypto.NewCipher(testKey)
	require.NoError(t, err)
	backend := storage.NewMemoryStore()
	return NewStore(cipher, backend), backend
}

func TestSaveAndLoad(t *testing.T) {
	store, backend := newTestStore(t)
	ctx := context.Background()

	tokens := TokenSet{
		AccessToken:  "ya29.access",
		RefreshToken: "1//refresh",
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(time.Hour).UTC().Truncate(time.Second),
		Scope:        "calendar",
	}
	require.NoError(t, store.Save(ctx, "user-1", "google", tokens))

	t.Run("round trip", func(t *testing.T) {
		cred, err := store.Load(ctx, "user-1", "google")
		require.NoError(t, err)
		require.NotNil(t, cred)
		assert.Equal(t, "ya29.access", cred.Tokens.AccessToken)
		assert.Equal(t, "1//refresh", cred.Tokens.RefreshToken)
		assert.Equal(t, "Bearer", cred.Tokens.TokenType)
		assert.True(t, cred.Tokens.Expiry.Equal(tokens.Expiry))
	})

	t.Run("tokens are ciphertext at rest", func(t *testing.T) {
		rec, err := backend.GetCredential(ctx, "user-1", "google")
		require.NoError(t, err)
		require.NotNil(t, rec)
		assert.NotEqual(t, "ya29.access", rec.AccessToken)
		assert.NotEqual(t, "1//refresh", rec.RefreshToken)
		assert.NotContains(t, rec.AccessToken, "ya29")
	})
}

func TestSave_EmptyRefreshPreservesStored(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first := TokenSet{AccessToken: "access-1", RefreshToken: "refresh-1", Expiry: time.Now().Add(time.Hour)}
	require.NoError(t, store.Save(ctx, "user-1", "google", first))

	second := TokenSet{AccessToken: "access-2", Expiry: time.Now().Add(2 * time.Hour)}
	require.NoError(t, store.Save(ctx, "user-1", "google", second))

	cred, err := store.Load(ctx, "user-1", "google")
	require.NoError(t, err)
	assert.Equal(t, "access-2", cred.Tokens.AccessToken)
	assert.Equal(t, "refresh-1", cred.Tokens.RefreshToken)
}

func TestSave_DefaultsTokenType(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "user-1", "google", TokenSet{AccessToken: "a"}))

	cred, err := store.Load(ctx, "user-1", "google")
	require.NoError(t, err)
	assert.Equal(t, "Bearer", cred.Tokens.TokenType)
}

func TestLoad_Missing(t *testing.T) {
	store, _ := newTestStore(t)

	cred, err := store.Load(context.Background(), "nobody", "google")
	require.NoError(t, err)
	assert.Nil(t, cred)
}

func TestLoad_WrongKey(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryStore()

	writer, err := crypto.NewCipher(testKey)
	require.NoError(t, err)
	require.NoError(t, NewStore(writer, backend).Save(ctx, "user-1", "google", TokenSet{AccessToken: "secret"}))

	otherKey := "fedcba9876543210fedcba9876543210fedcba9876543210fedcba9876543210"
	reader, err := crypto.NewCipher(otherKey)
	require.NoError(t, err)

	_, err = NewStore(reader, backend).Load(ctx, "user-1", "google")
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrTypeDecryption))
}

func TestDelete(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, "user-1", "google", TokenSet{AccessToken: "a", RefreshToken: "r"}))
	require.NoError(t, store.Delete(ctx, "user-1", "google"))

	cred, err := store.Load(ctx, "user-1", "google")
	require.NoError(t, err)
	assert.Nil(t, cred)
}
