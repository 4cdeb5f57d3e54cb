// Package seal provides tamper-evident encryption for data at rest: an
// AES-256-GCM ciphertext followed by an HMAC-SHA256 signature computed over
// the ciphertext. The signature is verified before any decryption is
// attempted, so a tampered blob is rejected without touching the cipher.
package seal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
)

// KeySize is the required master key length in bytes.
const KeySize = 32

// ErrTampered is returned when the HMAC over the ciphertext does not verify.
var ErrTampered = errors.New("seal: signature mismatch")

// Sealer encrypts and signs blobs with keys derived from one master key.
type Sealer struct {
	gcm    cipher.AEAD
	macKey []byte
}

// New creates a sealer from a 32-byte master key. Distinct encryption and
// MAC keys are derived so the same key bytes never serve both roles.
func New(masterKey []byte) (*Sealer, error) {
	if len(masterKey) != KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", KeySize, len(masterKey))
	}

	encKey := deriveKey(masterKey, "enc")
	macKey := deriveKey(masterKey, "mac")

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return &Sealer{gcm: gcm, macKey: macKey}, nil
}

func deriveKey(master []byte, label string) []byte {
	h := hmac.New(sha256.New, master)
	h.Write([]byte("kmflow-seal/" + label))
	return h.Sum(nil)
}

// Seal encrypts plaintext and appends the HMAC tag. Layout:
// nonce || ciphertext || hmac(nonce || ciphertext).
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, s.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	payload := s.gcm.Seal(nonce, nonce, plaintext, nil)

	mac := hmac.New(sha256.New, s.macKey)
	mac.Write(payload)
	return mac.Sum(payload), nil
}

// Open verifies the HMAC and then decrypts. Returns ErrTampered when the
// signature does not match; callers treat that as "data absent", never as a
// recoverable payload.
func (s *Sealer) Open(blob []byte) ([]byte, error) {
	macSize := sha256.Size
	if len(blob) < s.gcm.NonceSize()+macSize {
		return nil, ErrTampered
	}
	payload := blob[:len(blob)-macSize]
	sig := blob[len(blob)-macSize:]

	mac := hmac.New(sha256.New, s.macKey)
	mac.Write(payload)
	if !hmac.Equal(sig, mac.Sum(nil)) {
		return nil, ErrTampered
	}

	nonce := payload[:s.gcm.NonceSize()]
	plaintext, err := s.gcm.Open(nil, nonce, payload[s.gcm.NonceSize():], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt: %w", err)
	}
	return plaintext, nil
}

// LoadKey loads the master key from an environment variable or a key file,
// in that order. A file key longer than KeySize is truncated; a shorter one
// is an error.
func LoadKey(keyEnv, keyFile string) ([]byte, error) {
	if keyEnv != "" {
		if v := os.Getenv(keyEnv); v != "" {
			key := []byte(v)
			if len(key) < KeySize {
				return nil, fmt.Errorf("key in $%s too short: need %d bytes, got %d", keyEnv, KeySize, len(key))
			}
			return key[:KeySize], nil
		}
	}
	if keyFile != "" {
		key, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		if len(key) < KeySize {
			return nil, fmt.Errorf("key file too short: need %d bytes, got %d", KeySize, len(key))
		}
		return key[:KeySize], nil
	}
	return nil, errors.New("no key source configured")
}

// GenerateKey creates a random master key and persists it to path with
// owner-only permissions. Used on first run when no key exists yet.
func GenerateKey(path string) ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, fmt.Errorf("write key file: %w", err)
	}
	return key, nil
}
