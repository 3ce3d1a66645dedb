package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5" //nolint:gosec // EVP_BytesToKey is defined over MD5
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

var saltedPrefix = []byte("Salted__")

// PassphraseAES is AES-256-CBC keyed from a passphrase with OpenSSL's
// EVP_BytesToKey(MD5, 1 round). The output is base64("Salted__" | salt | ct),
// the format produced by CryptoJS.AES.encrypt(text, passphrase).
type PassphraseAES struct {
	passphrase []byte
}

func NewPassphraseAES(passphrase string) *PassphraseAES {
	return &PassphraseAES{passphrase: []byte(passphrase)}
}

func (p *PassphraseAES) Encrypt(plaintext []byte) (string, error) {
	salt := make([]byte, 8)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("envelope: salt: %w", err)
	}
	key, iv := evpBytesToKey(p.passphrase, salt, 32, aes.BlockSize)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ct := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ct, padded)

	out := make([]byte, 0, len(saltedPrefix)+len(salt)+len(ct))
	out = append(out, saltedPrefix...)
	out = append(out, salt...)
	out = append(out, ct...)
	return base64.StdEncoding.EncodeToString(out), nil
}

func (p *PassphraseAES) Decrypt(ciphertext string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(raw) < 16+aes.BlockSize || !bytes.Equal(raw[:8], saltedPrefix) {
		return nil, fmt.Errorf("%w: missing salt header", ErrMalformed)
	}
	salt, ct := raw[8:16], raw[16:]
	if len(ct)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext is not block aligned", ErrMalformed)
	}
	key, iv := evpBytesToKey(p.passphrase, salt, 32, aes.BlockSize)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	pt := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(pt, ct)
	return pkcs7Unpad(pt, aes.BlockSize)
}

func evpBytesToKey(pass, salt []byte, keyLen, ivLen int) (key, iv []byte) {
	var (
		buf  []byte
		prev []byte
	)
	for len(buf) < keyLen+ivLen {
		h := md5.New() //nolint:gosec
		h.Write(prev)
		h.Write(pass)
		h.Write(salt)
		prev = h.Sum(nil)
		buf = append(buf, prev...)
	}
	return buf[:keyLen], buf[keyLen : keyLen+ivLen]
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(append([]byte{}, b...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, fmt.Errorf("%w: bad padding", ErrMalformed)
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, fmt.Errorf("%w: bad padding", ErrMalformed)
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrMalformed)
		}
	}
	return b[:len(b)-n], nil
}
