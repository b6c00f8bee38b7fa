package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/scrypt"
)

// scrypt cost parameters used for vault key derivation.
const (
	scryptN      = 16384
	scryptR      = 8
	scryptP      = 1
	vaultKeySize = 32
)

// ErrMalformedCiphertext is returned for any ciphertext that cannot be decoded.
var ErrMalformedCiphertext = errors.New("crypto: malformed ciphertext")

// Vault encrypts stored server secrets with AES-256-CBC. Ciphertexts are
// encoded as "ivHex:cipherHex" with a fresh random IV per value.
type Vault struct {
	key  []byte
	rand io.Reader
}

// NewVault derives the vault key from passphrase and a fixed salt using scrypt.
func NewVault(passphrase, salt string) (*Vault, error) {
	if passphrase == "" {
		return nil, errors.New("crypto: vault passphrase required")
	}
	key, err := deriveKey(passphrase, salt)
	if err != nil {
		return nil, err
	}
	return &Vault{key: key, rand: rand.Reader}, nil
}

func deriveKey(passphrase, salt string) ([]byte, error) {
	key, err := scrypt.Key([]byte(passphrase), []byte(salt), scryptN, scryptR, scryptP, vaultKeySize)
	if err != nil {
		return nil, fmt.Errorf("derive vault key: %w", err)
	}
	return key, nil
}

// Encrypt returns "ivHex:cipherHex" for plaintext.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", err
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(v.rand, iv); err != nil {
		return "", fmt.Errorf("read iv: %w", err)
	}
	padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. Malformed input fails closed with
// ErrMalformedCiphertext and an empty plaintext.
func (v *Vault) Decrypt(payload string) (string, error) {
	ivHex, dataHex, ok := strings.Cut(strings.TrimSpace(payload), ":")
	if !ok || ivHex == "" || dataHex == "" {
		return "", ErrMalformedCiphertext
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != aes.BlockSize {
		return "", ErrMalformedCiphertext
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil || len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return "", ErrMalformedCiphertext
	}
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", err
	}
	plain := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, data)
	unpadded, ok := pkcs7Unpad(plain, aes.BlockSize)
	if !ok {
		return "", ErrMalformedCiphertext
	}
	return string(unpadded), nil
}

// DecryptOptional decrypts payload when non-empty.
func (v *Vault) DecryptOptional(payload string) (string, error) {
	if strings.TrimSpace(payload) == "" {
		return "", nil
	}
	return v.Decrypt(payload)
}

func pkcs7Pad(data []byte, size int) []byte {
	n := size - len(data)%size
	return append(append([]byte(nil), data...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(data []byte, size int) ([]byte, bool) {
	if len(data) == 0 || len(data)%size != 0 {
		return nil, false
	}
	n := int(data[len(data)-1])
	if n == 0 || n > size || n > len(data) {
		return nil, false
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, false
		}
	}
	return data[:len(data)-n], true
}
