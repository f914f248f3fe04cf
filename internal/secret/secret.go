// Package secret seals provider configuration at rest with AES-GCM keyed by
// the application secret.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	prefixEncrypted = "enc:"
	prefixPlain     = "plain:"
)

var ErrNoSecret = errors.New("app secret is empty")

// Box seals and opens blobs. A Box without a secret writes "plain:" blobs so a
// fresh install works before APP_SECRET is configured.
type Box struct {
	secret string
}

func New(secret string) *Box {
	return &Box{secret: strings.TrimSpace(secret)}
}

// Seal returns an "enc:" blob, or a "plain:" one when no secret is set.
func (b *Box) Seal(plaintext []byte) (string, error) {
	if b.secret == "" {
		return prefixPlain + base64.StdEncoding.EncodeToString(plaintext), nil
	}
	gcm, err := b.gcm()
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	ciphertext := gcm.Seal(nonce, nonce, plaintext, nil)
	return prefixEncrypted + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open reverses Seal. Bare JSON objects are accepted as-is for hand-edited rows.
func (b *Box) Open(blob string) ([]byte, error) {
	trimmed := strings.TrimSpace(blob)
	switch {
	case trimmed == "":
		return nil, nil
	case strings.HasPrefix(trimmed, prefixPlain):
		return base64.StdEncoding.DecodeString(strings.TrimPrefix(trimmed, prefixPlain))
	case strings.HasPrefix(trimmed, prefixEncrypted):
		return b.decrypt(strings.TrimPrefix(trimmed, prefixEncrypted))
	case strings.HasPrefix(trimmed, "{"):
		return []byte(trimmed), nil
	default:
		return nil, errors.New("unsupported blob format")
	}
}

// SealJSON marshals v and seals it.
func (b *Box) SealJSON(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}
	return b.Seal(raw)
}

// OpenJSON opens blob and unmarshals it into v. An empty blob leaves v alone.
func (b *Box) OpenJSON(blob string, v any) error {
	raw, err := b.Open(blob)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode sealed payload: %w", err)
	}
	return nil
}

func (b *Box) gcm() (cipher.AEAD, error) {
	key := sha256.Sum256([]byte(b.secret))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (b *Box) decrypt(ciphertext string) ([]byte, error) {
	if b.secret == "" {
		return nil, ErrNoSecret
	}
	gcm, err := b.gcm()
	if err != nil {
		return nil, err
	}
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, err
	}
	if len(raw) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce := raw[:gcm.NonceSize()]
	return gcm.Open(nil, nonce, raw[gcm.NonceSize():], nil)
}
