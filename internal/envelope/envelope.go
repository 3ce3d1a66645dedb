// Package envelope implements the encrypted {data: <ciphertext>} convention
// shared by the chat and auth APIs.
package envelope

import (
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
)

// Supported cipher names.
const (
	AlgorithmAES      = "aes"
	AlgorithmChaCha20 = "chacha20"
)

var (
	// ErrMalformed is returned when ciphertext cannot be decoded or authenticated.
	ErrMalformed = errors.New("envelope: malformed ciphertext")
	// ErrNoSecret is returned when a cipher is requested without a secret.
	ErrNoSecret = errors.New("envelope: secret is required")
)

// Cipher encrypts and decrypts envelope payloads as printable strings.
type Cipher interface {
	Encrypt(plaintext []byte) (string, error)
	Decrypt(ciphertext string) ([]byte, error)
}

// Body is the wire shape of an encrypted request body or query.
type Body struct {
	Data string `json:"data"`
}

// New returns the cipher for algorithm keyed by secret.
func New(algorithm, secret string) (Cipher, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	switch strings.ToLower(algorithm) {
	case "", AlgorithmAES:
		return NewPassphraseAES(secret), nil
	case AlgorithmChaCha20:
		return NewChaCha(secret)
	default:
		return nil, fmt.Errorf("envelope: unknown algorithm %q", algorithm)
	}
}

// Seal JSON-encodes v and encrypts it.
func Seal(c Cipher, v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("envelope: marshal: %w", err)
	}
	return c.Encrypt(b)
}

// Open decrypts s and JSON-decodes the plaintext into v.
func Open(c Cipher, s string, v any) error {
	b, err := c.Decrypt(s)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("%w: plaintext is not JSON", ErrMalformed)
	}
	return nil
}

// Wrap seals v into a Body ready to be sent.
func Wrap(c Cipher, v any) (*Body, error) {
	s, err := Seal(c, v)
	if err != nil {
		return nil, err
	}
	return &Body{Data: s}, nil
}
