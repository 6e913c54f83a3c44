package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/ManuelReschke/POSBridge/internal/pkg/env"
)

const (
	// KeySize is the required master key length in bytes (AES-256).
	KeySize = 32

	envelopePrefix = "v1:"
	hkdfInfo       = "posbridge credential vault v1"
	selfTestValue  = "posbridge-vault-self-test"
)

var (
	// ErrDecryptionFailed is returned for any envelope that cannot be opened.
	ErrDecryptionFailed = errors.New("credential decryption failed")
	// ErrInvalidKey is returned when the master key has the wrong length or encoding.
	ErrInvalidKey = errors.New("vault key must be 32 bytes (64 hex chars or base64)")
	// ErrSelfTestFailed is returned when the encrypt/decrypt round trip fails at startup.
	ErrSelfTestFailed = errors.New("vault self-test failed")
)

// Vault encrypts OAuth tokens at rest with AES-256-GCM.
//
// Envelope format: "v1:" + base64url(nonce || ciphertext || tag). The empty string
// stands for a null value and passes through unchanged in both directions.
type Vault struct {
	aead cipher.AEAD
}

// New creates a vault from a 32 byte master key and runs the self-test.
func New(key []byte) (*Vault, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKey
	}

	dataKey := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, key, nil, []byte(hkdfInfo)), dataKey); err != nil {
		return nil, fmt.Errorf("derive data key: %w", err)
	}

	block, err := aes.NewCipher(dataKey)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	v := &Vault{aead: aead}
	if err := v.SelfTest(); err != nil {
		return nil, err
	}
	return v, nil
}

// NewFromString decodes a hex (64 chars) or base64 encoded 32 byte key.
func NewFromString(encoded string) (*Vault, error) {
	key, err := decodeKey(strings.TrimSpace(encoded))
	if err != nil {
		return nil, err
	}
	return New(key)
}

// NewFromEnv builds a vault from POS_ENCRYPTION_KEY.
func NewFromEnv() (*Vault, error) {
	raw := env.GetEnv("POS_ENCRYPTION_KEY", "")
	if raw == "" {
		return nil, errors.New("POS_ENCRYPTION_KEY is not configured")
	}
	return NewFromString(raw)
}

func decodeKey(s string) ([]byte, error) {
	if len(s) == hex.EncodedLen(KeySize) {
		if key, err := hex.DecodeString(s); err == nil {
			return key, nil
		}
	}
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		if key, err := enc.DecodeString(s); err == nil && len(key) == KeySize {
			return key, nil
		}
	}
	return nil, ErrInvalidKey
}

// Encrypt seals plaintext with a fresh random nonce.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := v.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return envelopePrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens an envelope produced by Encrypt. Every failure is reported as
// ErrDecryptionFailed.
func (v *Vault) Decrypt(envelope string) (string, error) {
	if envelope == "" {
		return "", nil
	}
	if !strings.HasPrefix(envelope, envelopePrefix) {
		return "", ErrDecryptionFailed
	}

	raw, err := base64.RawURLEncoding.DecodeString(envelope[len(envelopePrefix):])
	if err != nil {
		return "", ErrDecryptionFailed
	}
	ns := v.aead.NonceSize()
	if len(raw) < ns+v.aead.Overhead() {
		return "", ErrDecryptionFailed
	}

	plaintext, err := v.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", ErrDecryptionFailed
	}
	return string(plaintext), nil
}

// SelfTest encrypts and decrypts a known value.
func (v *Vault) SelfTest() error {
	enc, err := v.Encrypt(selfTestValue)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSelfTestFailed, err)
	}
	dec, err := v.Decrypt(enc)
	if err != nil || dec != selfTestValue {
		return ErrSelfTestFailed
	}
	return nil
}
