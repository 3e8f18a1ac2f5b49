package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

const (
	KeySize   = 32
	NonceSize = 12
	TagSize   = 16
)

// ErrDecrypt is returned for any blob that cannot be authenticated and
// decrypted: bad base64, truncation, or a tag mismatch. Callers must treat
// it as opaque; no partial plaintext is ever returned alongside it.
var ErrDecrypt = errors.New("envelope: decrypt failed")

// Cipher seals individual field values under one process-wide AES-256-GCM
// key. The sealed layout is base64(nonce|tag|ciphertext), which matches the
// rows already written by earlier deployments of this system.
type Cipher struct {
	aead cipher.AEAD
}

func New(key []byte) (*Cipher, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("envelope: key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("envelope: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// NewFromBase64 builds a Cipher from a base64-encoded 256-bit key, the form
// the key takes in configuration.
func NewFromBase64(encoded string) (*Cipher, error) {
	key, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("envelope: key is not valid base64: %w", err)
	}
	return New(key)
}

// Seal encrypts plaintext with a fresh random 96-bit nonce. Nonces are drawn
// from crypto/rand on every call; the same key never sees a repeated nonce
// short of an exhausted entropy source, which is surfaced as an error.
func (c *Cipher) Seal(plaintext string) (string, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("envelope: nonce: %w", err)
	}
	sealed := c.aead.Seal(nil, nonce, []byte(plaintext), nil)
	// aead output is ciphertext|tag; stored layout is nonce|tag|ciphertext.
	ctLen := len(sealed) - TagSize
	blob := make([]byte, 0, NonceSize+len(sealed))
	blob = append(blob, nonce...)
	blob = append(blob, sealed[ctLen:]...)
	blob = append(blob, sealed[:ctLen]...)
	return base64.StdEncoding.EncodeToString(blob), nil
}

// Open authenticates and decrypts a sealed blob. Every failure mode returns
// an error wrapping ErrDecrypt.
func (c *Cipher) Open(blob string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return "", fmt.Errorf("%w: invalid base64", ErrDecrypt)
	}
	if len(raw) < NonceSize+TagSize {
		return "", fmt.Errorf("%w: truncated blob", ErrDecrypt)
	}
	nonce := raw[:NonceSize]
	tag := raw[NonceSize : NonceSize+TagSize]
	ciphertext := raw[NonceSize+TagSize:]
	sealed := make([]byte, 0, len(ciphertext)+TagSize)
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: authentication failed", ErrDecrypt)
	}
	return string(plaintext), nil
}
