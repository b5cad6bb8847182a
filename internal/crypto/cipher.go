// Package crypto provides AES-256-GCM encryption and decryption for secrets
// at rest, such as OAuth access and refresh tokens.
//
// Each encryption uses a fresh random nonce, so encrypting the same plaintext
// twice produces different envelopes. The envelope is self-describing per
// record: hex(nonce):hex(tag):hex(ciphertext), joined with ":". Decryption
// authenticates the ciphertext; tampered or corrupted envelopes fail with a
// DecryptionError rather than returning wrong plaintext.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"assistant-core/internal/common/errors"
)

const (
	// KeyHexLength is the required length of the hex-encoded cipher key (32 bytes).
	KeyHexLength = 64

	envelopeDelimiter = ":"
	gcmTagSize        = 16
)

// Cipher encrypts and decrypts secret strings with AES-256-GCM.
// It is safe for concurrent use by multiple goroutines.
type Cipher struct {
	aead cipher.AEAD
}

// NewCipher creates a Cipher from a hex-encoded 256-bit key.
//
// The key must be exactly 64 hex characters. Anything else is a ConfigError:
// key material is validated once at process start, not at first use.
func NewCipher(hexKey string) (*Cipher, error) {
	if len(hexKey) != KeyHexLength {
		return nil, errors.ConfigError(fmt.Sprintf("cipher key must be %d hex characters, got %d", KeyHexLength, len(hexKey)))
	}

	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, errors.ConfigError("cipher key must be hex-encoded")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("failed to initialize cipher: %v", err))
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.ConfigError(fmt.Sprintf("failed to initialize GCM: %v", err))
	}

	return &Cipher{aead: aead}, nil
}

// Encrypt encrypts a plaintext string and returns the envelope
// hex(nonce):hex(tag):hex(ciphertext). Empty input returns an empty envelope.
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", errors.InternalError("failed to generate nonce", err)
	}

	// Seal appends ciphertext||tag; split the tag out so the envelope is
	// explicit about its segments.
	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	ciphertext, tag := sealed[:len(sealed)-gcmTagSize], sealed[len(sealed)-gcmTagSize:]

	return strings.Join([]string{
		hex.EncodeToString(nonce),
		hex.EncodeToString(tag),
		hex.EncodeToString(ciphertext),
	}, envelopeDelimiter), nil
}

// Decrypt decrypts an envelope produced by Encrypt. A malformed envelope
// (wrong segment count, bad hex, short segments) or an authentication failure
// returns a DecryptionError. Empty input returns empty.
func (c *Cipher) Decrypt(envelope string) (string, error) {
	if envelope == "" {
		return "", nil
	}

	parts := strings.Split(envelope, envelopeDelimiter)
	if len(parts) != 3 {
		return "", errors.DecryptionError(fmt.Sprintf("envelope must have 3 segments, got %d", len(parts)), nil)
	}

	nonce, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", errors.DecryptionError("envelope nonce is not hex", err)
	}
	tag, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", errors.DecryptionError("envelope tag is not hex", err)
	}
	ciphertext, err := hex.DecodeString(parts[2])
	if err != nil {
		return "", errors.DecryptionError("envelope ciphertext is not hex", err)
	}

	if len(nonce) != c.aead.NonceSize() {
		return "", errors.DecryptionError(fmt.Sprintf("envelope nonce must be %d bytes, got %d", c.aead.NonceSize(), len(nonce)), nil)
	}
	if len(tag) != gcmTagSize {
		return "", errors.DecryptionError(fmt.Sprintf("envelope tag must be %d bytes, got %d", gcmTagSize, len(tag)), nil)
	}

	plaintext, err := c.aead.Open(nil, nonce, append(ciphertext, tag...), nil)
	if err != nil {
		return "", errors.DecryptionError("message authentication failed", err)
	}

	return string(plaintext), nil
}
