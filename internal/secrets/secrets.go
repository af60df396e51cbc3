package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"io"
	"strings"
)

// SealedPrefix marks configuration values that must be opened with the
// secrets key before use.
const SealedPrefix = "sealed:"

var (
	ErrKeyRequired = errors.New("SECRETS_KEY is required to open sealed values")
	errKeyLength   = errors.New("SECRETS_KEY must be 32 bytes or base64-encoded 32 bytes")
)

var (
	newGCM     = cipher.NewGCM
	randReader io.Reader = rand.Reader
)

func ParseKey(raw string) ([]byte, error) {
	if raw == "" {
		return nil, ErrKeyRequired
	}
	if len(raw) == 32 {
		return []byte(raw), nil
	}
	decoded, err := base64.StdEncoding.DecodeString(raw)
	if err != nil || len(decoded) != 32 {
		return nil, errKeyLength
	}
	return decoded, nil
}

func IsSealed(value string) bool {
	return strings.HasPrefix(value, SealedPrefix)
}

// Seal encrypts plaintext bound to purpose, which must match on Open.
func Seal(key []byte, purpose string, plaintext string) (string, error) {
	gcm, err := aead(key)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(randReader, nonce); err != nil {
		return "", err
	}
	ciphertext := gcm.Seal(nil, nonce, []byte(plaintext), []byte(purpose))
	combined := append(nonce, ciphertext...)
	return SealedPrefix + base64.StdEncoding.EncodeToString(combined), nil
}

// Open returns value unchanged unless it carries SealedPrefix.
func Open(key []byte, purpose string, value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	if len(key) == 0 {
		return "", ErrKeyRequired
	}
	gcm, err := aead(key)
	if err != nil {
		return "", err
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, SealedPrefix))
	if err != nil {
		return "", err
	}
	if len(data) < gcm.NonceSize() {
		return "", errors.New("invalid sealed value")
	}
	nonce := data[:gcm.NonceSize()]
	plain, err := gcm.Open(nil, nonce, data[gcm.NonceSize():], []byte(purpose))
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func aead(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return newGCM(block)
}
