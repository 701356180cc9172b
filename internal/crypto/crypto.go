// Package crypto holds the key-hashing, key-derivation, and content
// encryption primitives shared by the auth resolver and the signal module.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// Derivation parameters are fixed protocol constants; changing them
	// invalidates every ciphertext already at rest.
	pbkdf2Iterations = 100000
	derivedKeyBytes  = 32

	apiKeySaltPrefix = "cachebash_e2e_v1_"
	identitySalt     = "cachebash_e2e_v1_identity"
)

var (
	ErrCiphertextTooShort = errors.New("crypto: ciphertext shorter than IV")
	ErrBadPadding         = errors.New("crypto: invalid padding")
)

// HashKey returns the lowercase hex SHA-256 of a raw API key. This is the
// key-index document id; the raw key is never persisted.
func HashKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// HashEmail returns the canonical-accounts document id for an email.
func HashEmail(lowercased string) string {
	sum := sha256.Sum256([]byte(lowercased))
	return hex.EncodeToString(sum[:])
}

// DeriveKey runs PBKDF2-HMAC-SHA256 over the secret with the given salt.
func DeriveKey(secret, salt string) []byte {
	return pbkdf2.Key([]byte(secret), []byte(salt), pbkdf2Iterations, derivedKeyBytes, sha256.New)
}

// DeriveAPIKeyEncryptionKey derives the per-key content-encryption key. The
// salt binds the derived key to the key hash so rotating the API key
// rotates the encryption key.
func DeriveAPIKeyEncryptionKey(rawKey string) []byte {
	salt := apiKeySaltPrefix + HashKey(rawKey)[:16]
	return DeriveKey(rawKey, salt)
}

// DeriveIdentityEncryptionKey derives the content-encryption key for
// identity-token callers from their provider UID.
func DeriveIdentityEncryptionKey(uid string) []byte {
	return DeriveKey(uid, identitySalt)
}

// Encrypt encrypts plaintext with AES-256-CBC under a fresh random IV and
// returns base64(IV || ciphertext).
func Encrypt(plaintext string, key []byte) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("crypto: new cipher: %w", err)
	}

	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("crypto: read iv: %w", err)
	}

	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	return base64.StdEncoding.EncodeToString(append(iv, ct...)), nil
}

// Decrypt reverses Encrypt.
func Decrypt(encoded string, key []byte) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("crypto: decode: %w", err)
	}
	if len(raw) < aes.BlockSize || len(raw)%aes.BlockSize != 0 {
		return "", ErrCiphertextTooShort
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("crypto: new cipher: %w", err)
	}

	iv, ct := raw[:aes.BlockSize], raw[aes.BlockSize:]
	pt := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(pt, ct)

	unpadded, err := pkcs7Unpad(pt, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(unpadded), nil
}

// ConstantTimeEqual compares two secrets without leaking timing.
func ConstantTimeEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrBadPadding
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, ErrBadPadding
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrBadPadding
		}
	}
	return data[:len(data)-n], nil
}
