// Package vault encrypts upstream credentials and directory bind secrets at rest.
//
// Ciphertexts look like "v<N>:<base64url(nonce|sealed)>" where N names the key
// that sealed them, so older keys can keep decrypting after a new one becomes active.
package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

var (
	ErrEmptySecret       = errors.New("vault: secret is empty")
	ErrMalformed         = errors.New("vault: malformed ciphertext")
	ErrUnknownKeyVersion = errors.New("vault: unknown key version")
	ErrDecrypt           = errors.New("vault: decryption failed")
)

const hkdfInfo = "fabricgate credential vault"

// Vault seals and opens short secrets. It is safe for concurrent use.
type Vault struct {
	active byte
	keys   map[byte][]byte
}

// Option configures a Vault.
type Option func(*Vault) error

// WithPreviousKey registers a retired key so ciphertexts sealed with it still open.
func WithPreviousKey(version int, secret string) Option {
	return func(v *Vault) error {
		ver, err := checkVersion(version)
		if err != nil {
			return err
		}
		key, err := deriveKey(secret, ver)
		if err != nil {
			return err
		}
		v.keys[ver] = key
		return nil
	}
}

// New creates a vault whose active key, identified by version, is derived from secret.
func New(secret string, version int, opts ...Option) (*Vault, error) {
	ver, err := checkVersion(version)
	if err != nil {
		return nil, err
	}
	key, err := deriveKey(secret, ver)
	if err != nil {
		return nil, err
	}
	v := &Vault{active: ver, keys: map[byte][]byte{}}
	for _, opt := range opts {
		if err := opt(v); err != nil {
			return nil, err
		}
	}
	v.keys[ver] = key
	return v, nil
}

// ActiveVersion reports which key version Encrypt uses.
func (v *Vault) ActiveVersion() int { return int(v.active) }

// Encrypt seals plaintext with the active key. Empty input yields empty output.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	aead, err := chacha20poly1305.NewX(v.keys[v.active])
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("vault: nonce: %w", err)
	}
	prefix := versionPrefix(v.active)
	sealed := aead.Seal(nonce, nonce, []byte(plaintext), []byte(prefix))
	return prefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a ciphertext produced by Encrypt with any registered key.
func (v *Vault) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}
	prefix, body, ok := strings.Cut(ciphertext, ":")
	if !ok || len(prefix) < 2 || prefix[0] != 'v' {
		return "", ErrMalformed
	}
	n, err := strconv.Atoi(prefix[1:])
	if err != nil {
		return "", ErrMalformed
	}
	ver, err := checkVersion(n)
	if err != nil {
		return "", ErrMalformed
	}
	key, ok := v.keys[ver]
	if !ok {
		return "", fmt.Errorf("%w: v%d", ErrUnknownKeyVersion, ver)
	}
	raw, err := base64.RawURLEncoding.DecodeString(body)
	if err != nil {
		return "", ErrMalformed
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", err
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", ErrMalformed
	}
	nonce, sealed := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, sealed, []byte(prefix+":"))
	if err != nil {
		return "", ErrDecrypt
	}
	return string(plain), nil
}

func versionPrefix(ver byte) string {
	return "v" + strconv.Itoa(int(ver)) + ":"
}

func checkVersion(version int) (byte, error) {
	if version < 1 || version > 255 {
		return 0, fmt.Errorf("vault: key version %d out of range", version)
	}
	return byte(version), nil
}

func deriveKey(secret string, ver byte) ([]byte, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, ErrEmptySecret
	}
	key := make([]byte, chacha20poly1305.KeySize)
	r := hkdf.New(sha256.New, []byte(secret), []byte{ver}, []byte(hkdfInfo))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("vault: derive key: %w", err)
	}
	return key, nil
}
