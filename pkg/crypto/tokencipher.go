package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/kinoramahq/kinorama-backend/pkg/config"
	pkgerrors "github.com/kinoramahq/kinorama-backend/pkg/errors"
)

const (
	// tokenKDFSalt is fixed and non-secret; it namespaces the derived key so a
	// reused secret elsewhere cannot unlock stored tokens.
	tokenKDFSalt       = "kinorama-torbox-token-v1"
	tokenKDFIterations = 120_000
	tokenKeyLen        = 32
)

// TokenCipher encrypts TorBox API tokens at rest with AES-256-GCM. One key is
// derived from the configured secret at construction; every stored blob is
// base64(nonce || ciphertext+tag).
type TokenCipher struct {
	aead cipher.AEAD
}

// NewTokenCipher derives the data key via PBKDF2-SHA256 and prepares the AEAD.
func NewTokenCipher(cfg config.CipherConfig) (*TokenCipher, error) {
	if strings.TrimSpace(cfg.TokenSecret) == "" {
		return nil, fmt.Errorf("token cipher secret is required")
	}

	key := pbkdf2.Key([]byte(cfg.TokenSecret), []byte(tokenKDFSalt), tokenKDFIterations, tokenKeyLen, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("initializing cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("initializing gcm: %w", err)
	}

	return &TokenCipher{aead: aead}, nil
}

// Encrypt seals the plaintext under a fresh random nonce.
func (c *TokenCipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	blob := make([]byte, 0, len(nonce)+len(sealed))
	blob = append(blob, nonce...)
	blob = append(blob, sealed...)

	return base64.StdEncoding.EncodeToString(blob), nil
}

// Decrypt opens a stored blob. Truncated input and authentication failures
// both surface as CodeDecryption; plaintext is never returned unverified.
func (c *TokenCipher) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDecryption, err, "decoding token blob")
	}

	nonceSize := c.aead.NonceSize()
	if len(raw) < nonceSize+c.aead.Overhead() {
		return "", pkgerrors.New(pkgerrors.CodeDecryption, "token blob truncated")
	}

	nonce, sealed := raw[:nonceSize], raw[nonceSize:]
	plain, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDecryption, err, "token authentication failed")
	}

	return string(plain), nil
}
