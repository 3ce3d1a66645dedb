package envelope

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"

	chacha "golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const chachaInfo = "chatsync envelope v1"

// ChaCha seals payloads with XChaCha20-Poly1305. The key is derived from the
// shared secret with HKDF-SHA256; output is base64(nonce | ciphertext | tag).
type ChaCha struct {
	aead cipher.AEAD
}

func NewChaCha(secret string) (*ChaCha, error) {
	key := make([]byte, chacha.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(chachaInfo)), key); err != nil {
		return nil, fmt.Errorf("envelope: derive key: %w", err)
	}
	aead, err := chacha.NewX(key)
	if err != nil {
		return nil, err
	}
	return &ChaCha{aead: aead}, nil
}

func (c *ChaCha) Encrypt(plaintext []byte) (string, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("envelope: nonce: %w", err)
	}
	return base64.StdEncoding.EncodeToString(c.aead.Seal(nonce, nonce, plaintext, nil)), nil
}

func (c *ChaCha) Decrypt(ciphertext string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	ns := c.aead.NonceSize()
	if len(raw) < ns+c.aead.Overhead() {
		return nil, fmt.Errorf("%w: too short", ErrMalformed)
	}
	pt, err := c.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return pt, nil
}
