package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const KeySize = 32

var ErrNotSealed = errors.New("value is not a sealed secret")

// Sealed is the JSON form stored in config files in place of a plain credential.
type Sealed struct {
	KeyID      string `json:"key_id"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// Box seals with the current key and opens with any known key, so keys can be
// rotated without rewriting existing config files.
type Box struct {
	currentKeyID string
	keys         map[string][]byte
}

func NewBox(currentKeyID string, keys map[string][]byte) (*Box, error) {
	if currentKeyID == "" {
		return nil, fmt.Errorf("current key id is empty")
	}
	if _, ok := keys[currentKeyID]; !ok {
		return nil, fmt.Errorf("current key id %q not found", currentKeyID)
	}
	cp := make(map[string][]byte, len(keys))
	for id, key := range keys {
		if len(key) != KeySize {
			return nil, fmt.Errorf("key %q must be %d bytes", id, KeySize)
		}
		cp[id] = append([]byte(nil), key...)
	}
	return &Box{currentKeyID: currentKeyID, keys: cp}, nil
}

func DecodeKey(b64 string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(b64))
	if err != nil {
		return nil, fmt.Errorf("decode key: %w", err)
	}
	if len(raw) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes after base64 decode, got %d", KeySize, len(raw))
	}
	return raw, nil
}

func (b *Box) Seal(plaintext string) (string, error) {
	aead, err := newAEAD(b.keys[b.currentKeyID])
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	out, err := json.Marshal(Sealed{
		KeyID:      b.currentKeyID,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, []byte(plaintext), nil)),
	})
	if err != nil {
		return "", fmt.Errorf("marshal sealed secret: %w", err)
	}
	return string(out), nil
}

func (b *Box) Open(raw string) (string, error) {
	var s Sealed
	if err := json.Unmarshal([]byte(raw), &s); err != nil || s.Ciphertext == "" {
		return "", ErrNotSealed
	}
	key, ok := b.keys[s.KeyID]
	if !ok {
		return "", fmt.Errorf("unknown key id %q", s.KeyID)
	}
	nonce, err := base64.StdEncoding.DecodeString(s.Nonce)
	if err != nil {
		return "", fmt.Errorf("decode nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(s.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	aead, err := newAEAD(key)
	if err != nil {
		return "", err
	}
	plain, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plain), nil
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return aead, nil
}
