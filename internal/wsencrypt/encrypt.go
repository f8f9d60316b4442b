// Package wsencrypt implements transparent symmetric encryption of
// text frames (spec.md §4.2). Supported algorithms are AES-128/256 in
// GCM or CBC mode; binary frames are never passed through here. When
// disabled, Encrypt/Decrypt are identity functions.
package wsencrypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

type Algorithm string

const (
	AES128GCM Algorithm = "aes-128-gcm"
	AES256GCM Algorithm = "aes-256-gcm"
	AES128CBC Algorithm = "aes-128-cbc"
	AES256CBC Algorithm = "aes-256-cbc"
)

var ErrDecryptionFailed = errors.New("wsencrypt: decryption failed")

func keyLenFor(alg Algorithm) (int, error) {
	switch alg {
	case AES128GCM, AES128CBC:
		return 16, nil
	case AES256GCM, AES256CBC:
		return 32, nil
	default:
		return 0, fmt.Errorf("wsencrypt: unknown algorithm %q", alg)
	}
}

// algorithmForKeyLength picks an algorithm from key length alone, per
// spec.md §4.2: 16 bytes -> aes-128-gcm, 32 bytes -> aes-256-gcm.
func algorithmForKeyLength(n int) (Algorithm, error) {
	switch n {
	case 16:
		return AES128GCM, nil
	case 32:
		return AES256GCM, nil
	default:
		return "", fmt.Errorf("wsencrypt: key of length %d does not map to a default algorithm", n)
	}
}

// Encryptor performs transparent encrypt/decrypt of text payloads. A
// nil *Encryptor is not valid; use Disabled() for the no-op case.
type Encryptor struct {
	enabled   bool
	key       []byte
	algorithm Algorithm
	cache     *Cache
}

// Config mirrors spec.md §6's `encryption` option block.
type Config struct {
	Key             []byte
	Algorithm       Algorithm // optional; derived from len(Key) if empty
	Enabled         bool
	CacheSize       int
	CacheTTLSeconds int
}

// New validates key length against algorithm (or infers the algorithm
// from key length) and constructs an Encryptor. This is the one
// construction-time validation spec.md §7 treats as fatal.
func New(cfg Config) (*Encryptor, error) {
	if !cfg.Enabled {
		return Disabled(), nil
	}
	alg := cfg.Algorithm
	if alg == "" {
		var err error
		alg, err = algorithmForKeyLength(len(cfg.Key))
		if err != nil {
			return nil, err
		}
	}
	want, err := keyLenFor(alg)
	if err != nil {
		return nil, err
	}
	if len(cfg.Key) != want {
		return nil, fmt.Errorf("wsencrypt: algorithm %s requires a %d-byte key, got %d", alg, want, len(cfg.Key))
	}

	size := cfg.CacheSize
	if size <= 0 {
		size = 1024
	}
	ttl := cfg.CacheTTLSeconds
	if ttl <= 0 {
		ttl = 300
	}

	return &Encryptor{
		enabled:   true,
		key:       append([]byte(nil), cfg.Key...),
		algorithm: alg,
		cache:     NewCache(size, ttl),
	}, nil
}

// Disabled returns an Encryptor whose Encrypt/Decrypt are identities,
// for servers/peers configured without a shared key.
func Disabled() *Encryptor {
	return &Encryptor{enabled: false}
}

func (e *Encryptor) Enabled() bool { return e != nil && e.enabled }

// Algorithm reports the configured algorithm, or "" when disabled.
func (e *Encryptor) Algorithm() Algorithm {
	if e == nil {
		return ""
	}
	return e.algorithm
}

// Encrypt returns base64(IV‖ciphertext[‖tag]) of plaintext, or
// plaintext unchanged when encryption is disabled.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	if !e.Enabled() {
		return plaintext, nil
	}
	if cached, ok := e.cache.Get(e.algorithm, plaintext); ok {
		return cached, nil
	}

	block, err := aes.NewCipher(e.key)
	if err != nil {
		return "", err
	}

	var out []byte
	switch e.algorithm {
	case AES128GCM, AES256GCM:
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return "", err
		}
		nonce := make([]byte, gcm.NonceSize())
		if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
			return "", err
		}
		sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)
		out = append(nonce, sealed...)
	case AES128CBC, AES256CBC:
		iv := make([]byte, aes.BlockSize)
		if _, err := io.ReadFull(rand.Reader, iv); err != nil {
			return "", err
		}
		padded := pkcs7Pad([]byte(plaintext), aes.BlockSize)
		ciphertext := make([]byte, len(padded))
		mode := cipher.NewCBCEncrypter(block, iv)
		mode.CryptBlocks(ciphertext, padded)
		out = append(iv, ciphertext...)
	default:
		return "", fmt.Errorf("wsencrypt: unsupported algorithm %q", e.algorithm)
	}

	encoded := base64.StdEncoding.EncodeToString(out)
	e.cache.Put(e.algorithm, plaintext, encoded)
	return encoded, nil
}

// Decrypt reverses Encrypt. On any failure it returns
// ErrDecryptionFailed so callers can distinguish "wrong key" from a
// transport-level error.
func (e *Encryptor) Decrypt(ciphertext string) (string, error) {
	if !e.Enabled() {
		return ciphertext, nil
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrDecryptionFailed
	}

	block, err := aes.NewCipher(e.key)
	if err != nil {
		return "", err
	}

	switch e.algorithm {
	case AES128GCM, AES256GCM:
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return "", err
		}
		ns := gcm.NonceSize()
		if len(raw) < ns {
			return "", ErrDecryptionFailed
		}
		nonce, sealed := raw[:ns], raw[ns:]
		plain, err := gcm.Open(nil, nonce, sealed, nil)
		if err != nil {
			return "", ErrDecryptionFailed
		}
		return string(plain), nil
	case AES128CBC, AES256CBC:
		if len(raw) < aes.BlockSize || (len(raw)-aes.BlockSize)%aes.BlockSize != 0 {
			return "", ErrDecryptionFailed
		}
		iv, ciphertextBytes := raw[:aes.BlockSize], raw[aes.BlockSize:]
		if len(ciphertextBytes) == 0 {
			return "", ErrDecryptionFailed
		}
		plain := make([]byte, len(ciphertextBytes))
		mode := cipher.NewCBCDecrypter(block, iv)
		mode.CryptBlocks(plain, ciphertextBytes)
		unpadded, err := pkcs7Unpad(plain, aes.BlockSize)
		if err != nil {
			return "", ErrDecryptionFailed
		}
		return string(unpadded), nil
	default:
		return "", fmt.Errorf("wsencrypt: unsupported algorithm %q", e.algorithm)
	}
}

// IsLikelyCiphertext reports whether s looks like it could be one of
// our ciphertexts: pure base64 that decodes to more than 20 bytes
// (IV/nonce plus at least some ciphertext). It is a heuristic used
// only to distinguish "undecryptable because no key" from "malformed
// JSON"; spec.md leaves the exactly-20-byte boundary unspecified, so
// this implementation treats exactly 20 as not-ciphertext-like.
func IsLikelyCiphertext(s string) bool {
	decoded, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return false
	}
	return len(decoded) > 20
}

// GenerateKey returns a cryptographically random key of the given
// bit length (128 or 256).
func GenerateKey(bits int) ([]byte, error) {
	if bits != 128 && bits != 256 {
		return nil, fmt.Errorf("wsencrypt: unsupported key size %d bits", bits)
	}
	key := make([]byte, bits/8)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, err
	}
	return key, nil
}

// DeriveKeyFromPassword derives a key of the given bit length from a
// password via a single SHA-256 pass, truncated to 16 or 32 bytes, per
// spec.md §4.2.
func DeriveKeyFromPassword(password string, bits int) ([]byte, error) {
	if bits != 128 && bits != 256 {
		return nil, fmt.Errorf("wsencrypt: unsupported key size %d bits", bits)
	}
	sum := sha256.Sum256([]byte(password))
	return sum[:bits/8], nil
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(data, padding...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	n := len(data)
	if n == 0 || n%blockSize != 0 {
		return nil, errors.New("wsencrypt: invalid padded length")
	}
	padLen := int(data[n-1])
	if padLen == 0 || padLen > blockSize || padLen > n {
		return nil, errors.New("wsencrypt: invalid padding")
	}
	for _, b := range data[n-padLen:] {
		if int(b) != padLen {
			return nil, errors.New("wsencrypt: invalid padding")
		}
	}
	return data[:n-padLen], nil
}
