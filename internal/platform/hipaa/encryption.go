package hipaa

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/hkdf"

	"github.com/medicosmart/medicosmart/internal/platform/apperr"
)

const (
	// MinKeyMaterial and MinIVMaterial are the minimum configured lengths of
	// ENCRYPTION_KEY and ENCRYPTION_IV.
	MinKeyMaterial = 32
	MinIVMaterial  = 16

	ciphertextPrefix = "v1:"

	infoFieldKey = "medicosmart/field-encryption/aes-256-gcm"
	infoIndexKey = "medicosmart/blind-index/hmac-sha256"
)

// Codec encrypts sensitive string fields with AES-256-GCM. Every call to
// Encrypt draws a fresh random nonce that is stored in front of the
// ciphertext, so equal plaintexts never produce equal ciphertexts. Equality
// lookups go through BlindIndex instead.
type Codec struct {
	aead     cipher.AEAD
	indexKey []byte
}

// NewCodec derives the field key and the blind-index key from the configured
// key material with HKDF-SHA256, using the IV material as salt.
func NewCodec(keyMaterial, ivMaterial []byte) (*Codec, error) {
	if len(keyMaterial) < MinKeyMaterial {
		return nil, apperr.Crypto(fmt.Sprintf("encryption key must be at least %d bytes, got %d", MinKeyMaterial, len(keyMaterial)), nil)
	}
	if len(ivMaterial) < MinIVMaterial {
		return nil, apperr.Crypto(fmt.Sprintf("encryption iv must be at least %d bytes, got %d", MinIVMaterial, len(ivMaterial)), nil)
	}

	fieldKey, err := deriveKey(keyMaterial, ivMaterial, infoFieldKey)
	if err != nil {
		return nil, err
	}
	indexKey, err := deriveKey(keyMaterial, ivMaterial, infoIndexKey)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(fieldKey)
	if err != nil {
		return nil, apperr.Crypto("create cipher", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, apperr.Crypto("create GCM", err)
	}

	return &Codec{aead: aead, indexKey: indexKey}, nil
}

func deriveKey(secret, salt []byte, info string) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt, []byte(info)), key); err != nil {
		return nil, apperr.Crypto("derive key", err)
	}
	return key, nil
}

// Encrypt returns the sealed form of plaintext. Nil and empty input yield nil.
func (c *Codec) Encrypt(plaintext *string) (*string, error) {
	if plaintext == nil || *plaintext == "" {
		return nil, nil
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, apperr.Crypto("generate nonce", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(*plaintext), nil)
	out := ciphertextPrefix + base64.StdEncoding.EncodeToString(sealed)
	return &out, nil
}

// Decrypt opens a value produced by Encrypt. Nil and empty input yield nil.
// Any malformed or tampered input is reported as apperr.ErrDecryption.
func (c *Codec) Decrypt(ciphertext *string) (*string, error) {
	if ciphertext == nil || *ciphertext == "" {
		return nil, nil
	}

	encoded, ok := strings.CutPrefix(*ciphertext, ciphertextPrefix)
	if !ok {
		return nil, apperr.Decryption(errors.New("unknown ciphertext version"))
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, apperr.Decryption(fmt.Errorf("base64 decode: %w", err))
	}

	nonceSize := c.aead.NonceSize()
	if len(data) < nonceSize+c.aead.Overhead() {
		return nil, apperr.Decryption(errors.New("ciphertext too short"))
	}

	plaintext, err := c.aead.Open(nil, data[:nonceSize], data[nonceSize:], nil)
	if err != nil {
		return nil, apperr.Decryption(err)
	}
	out := string(plaintext)
	return &out, nil
}

// BlindIndex returns a deterministic keyed digest of value, normalized to
// trimmed upper case. It supports equality lookups over encrypted columns.
func (c *Codec) BlindIndex(value string) string {
	normalized := strings.ToUpper(strings.TrimSpace(value))
	if normalized == "" {
		return ""
	}
	mac := hmac.New(sha256.New, c.indexKey)
	mac.Write([]byte(normalized))
	return hex.EncodeToString(mac.Sum(nil))
}

// Hash returns the hex SHA-256 digest of data. It is a content fingerprint,
// not a secret.
func Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// RandomToken returns n random bytes, hex encoded.
func RandomToken(n int) (string, error) {
	if n <= 0 {
		return "", apperr.Validation("token length must be positive")
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", apperr.Crypto("generate token", err)
	}
	return hex.EncodeToString(b), nil
}

// Hash and RandomToken are also exposed on the codec so callers holding only
// a *Codec can reach them.

func (c *Codec) Hash(data []byte) string { return Hash(data) }

func (c *Codec) RandomToken(n int) (string, error) { return RandomToken(n) }
