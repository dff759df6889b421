package secretvault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrSecretKeyMismatch is returned when decryption fails, including the
// case where the ciphertext was sealed under a different master key (§7
// SecretKeyMismatch).
var ErrSecretKeyMismatch = errors.New("secret key mismatch")

// ErrEmptyPlaintext is returned by Encrypt for an empty plaintext (§4.2:
// "Empty plaintext is rejected").
var ErrEmptyPlaintext = errors.New("plaintext must not be empty")

// Vault performs authenticated encryption of secret values under a single
// resolved master key. AES-256-GCM is built directly from stdlib
// crypto/aes + crypto/cipher (see DESIGN.md: no third-party AEAD package
// appears anywhere in the example pack, so this is a justified
// standard-library usage rather than an ecosystem one).
type Vault struct {
	gcm cipher.AEAD
}

// New builds a Vault from a resolved 256-bit master key.
func New(key []byte) (*Vault, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("constructing AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("constructing GCM mode: %w", err)
	}
	return &Vault{gcm: gcm}, nil
}

// Encrypt seals plaintext into a URL-safe base64 token: a random nonce
// prepended to the sealed ciphertext, then base64url-encoded. This is the
// Go-native equivalent of the Python original's Fernet token, not a
// byte-for-byte port of Fernet's own framing.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", ErrEmptyPlaintext
	}
	nonce := make([]byte, v.gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	sealed := v.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(sealed), nil
}

// Decrypt opens a token produced by Encrypt. Any failure — malformed
// token, truncated ciphertext, or authentication failure under a rotated
// key — is reported as ErrSecretKeyMismatch.
func (v *Vault) Decrypt(token string) (string, error) {
	sealed, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("%w: malformed token", ErrSecretKeyMismatch)
	}
	nonceSize := v.gcm.NonceSize()
	if len(sealed) < nonceSize {
		return "", fmt.Errorf("%w: truncated token", ErrSecretKeyMismatch)
	}
	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := v.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSecretKeyMismatch, err)
	}
	return string(plaintext), nil
}

// Mask renders a secret value for display: tokens of 6 characters or
// fewer become asterisks of the same length; longer tokens render as
// <first-3>***<last-3> (§4.2 masking policy).
func Mask(value string) string {
	if len(value) <= 6 {
		out := make([]byte, len(value))
		for i := range out {
			out[i] = '*'
		}
		return string(out)
	}
	return value[:3] + "***" + value[len(value)-3:]
}
