// Package secrets protects sensitive tool header values at rest.
//
// Tenant tools may carry credentials in their header maps (API keys, bearer
// tokens). Values whose header name matches the sensitive pattern are stored
// encrypted and only decrypted immediately before a webhook request is built.
// Encryption uses XChaCha20-Poly1305 with a key stretched from the configured
// passphrase via HKDF-SHA256, so any non-empty config string is a usable key.
package secrets

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// encPrefix marks an encrypted value. Values without it are passed through
// unchanged, which keeps deployments working that predate the encryption key.
const encPrefix = "enc:"

// sensitiveHeader matches header names that carry credentials.
var sensitiveHeader = regexp.MustCompile(`(?i)(authorization|x-api-key|api-key|token)`)

// IsSensitiveHeader reports whether the header name looks like it carries a
// credential and must be encrypted at rest.
func IsSensitiveHeader(name string) bool {
	return sensitiveHeader.MatchString(name)
}

// Codec encrypts and decrypts short secret strings. A Codec built from an
// empty passphrase is disabled: it passes values through unchanged.
//
// Safe for concurrent use.
type Codec struct {
	aead cipher.AEAD
}

// NewCodec derives the cipher key from the passphrase. An empty passphrase
// yields a disabled codec rather than an error so that plaintext deployments
// keep working; the config loader warns about it.
func NewCodec(passphrase string) (*Codec, error) {
	if passphrase == "" {
		return &Codec{}, nil
	}

	kdf := hkdf.New(sha256.New, []byte(passphrase), nil, []byte("tool header encryption"))
	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("secrets: derive key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: init cipher: %w", err)
	}
	return &Codec{aead: aead}, nil
}

// Enabled reports whether the codec actually encrypts.
func (c *Codec) Enabled() bool {
	return c.aead != nil
}

// Encrypt seals plaintext under a fresh random nonce and returns the
// prefixed, base64-encoded value. Disabled codecs return the input unchanged.
// Encrypting an already-encrypted value is a no-op.
func (c *Codec) Encrypt(plaintext string) (string, error) {
	if !c.Enabled() || strings.HasPrefix(plaintext, encPrefix) {
		return plaintext, nil
	}

	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secrets: nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return encPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a value produced by [Codec.Encrypt]. Values without the
// encryption prefix are returned unchanged.
func (c *Codec) Decrypt(value string) (string, error) {
	if !strings.HasPrefix(value, encPrefix) {
		return value, nil
	}
	if !c.Enabled() {
		return "", errors.New("secrets: encrypted value but no encryption key configured")
	}

	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(value, encPrefix))
	if err != nil {
		return "", fmt.Errorf("secrets: decode: %w", err)
	}
	if len(raw) < chacha20poly1305.NonceSizeX {
		return "", errors.New("secrets: ciphertext too short")
	}
	nonce, ciphertext := raw[:chacha20poly1305.NonceSizeX], raw[chacha20poly1305.NonceSizeX:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("secrets: open: %w", err)
	}
	return string(plaintext), nil
}

// EncryptHeaders returns a copy of h with every sensitive value encrypted.
// Non-sensitive values are copied as-is.
func (c *Codec) EncryptHeaders(h map[string]string) (map[string]string, error) {
	if h == nil {
		return nil, nil
	}
	out := make(map[string]string, len(h))
	for name, value := range h {
		if !IsSensitiveHeader(name) {
			out[name] = value
			continue
		}
		enc, err := c.Encrypt(value)
		if err != nil {
			return nil, fmt.Errorf("secrets: header %q: %w", name, err)
		}
		out[name] = enc
	}
	return out, nil
}

// DecryptHeaders returns a copy of h with every encrypted value opened.
func (c *Codec) DecryptHeaders(h map[string]string) (map[string]string, error) {
	if h == nil {
		return nil, nil
	}
	out := make(map[string]string, len(h))
	for name, value := range h {
		dec, err := c.Decrypt(value)
		if err != nil {
			return nil, fmt.Errorf("secrets: header %q: %w", name, err)
		}
		out[name] = dec
	}
	return out, nil
}
