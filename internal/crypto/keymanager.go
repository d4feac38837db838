// Package crypto seals brokerage API secrets at rest with a password:
// PBKDF2-HMAC-SHA256 key derivation and AES-256-GCM.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	defaultIterations = 480_000
	saltLen           = 16
	aesKeyLen         = 32
	currentVersion    = 1
)

// sealedSecret is the on-disk JSON format.
type sealedSecret struct {
	Version    int    `json:"version"`
	Iterations int    `json:"iterations"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// SecretConfig resolves one secret. Raw wins when set; otherwise the file
// at Path is decrypted with Password.
type SecretConfig struct {
	Raw      string
	Path     string
	Password string
}

// EncryptSecret seals secret and returns the JSON document to store.
func EncryptSecret(secret, password string) ([]byte, error) {
	return encrypt(secret, password, defaultIterations)
}

func encrypt(secret, password string, iterations int) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	if strings.TrimSpace(secret) == "" {
		return nil, errors.New("crypto: secret must not be empty")
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: generate salt: %w", err)
	}
	gcm, err := newGCM(password, salt, iterations)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: generate nonce: %w", err)
	}

	enc := base64.StdEncoding
	return json.MarshalIndent(sealedSecret{
		Version:    currentVersion,
		Iterations: iterations,
		Salt:       enc.EncodeToString(salt),
		Nonce:      enc.EncodeToString(nonce),
		Ciphertext: enc.EncodeToString(gcm.Seal(nil, nonce, []byte(secret), nil)),
	}, "", "  ")
}

// DecryptSecret opens a document produced by EncryptSecret.
func DecryptSecret(sealed []byte, password string) (string, error) {
	if password == "" {
		return "", errors.New("crypto: password must not be empty")
	}

	var s sealedSecret
	if err := json.Unmarshal(sealed, &s); err != nil {
		return "", fmt.Errorf("crypto: parse sealed secret: %w", err)
	}
	if s.Version != currentVersion {
		return "", fmt.Errorf("crypto: unsupported version %d", s.Version)
	}
	if s.Iterations <= 0 {
		s.Iterations = defaultIterations
	}

	enc := base64.StdEncoding
	salt, err := enc.DecodeString(s.Salt)
	if err != nil {
		return "", fmt.Errorf("crypto: decode salt: %w", err)
	}
	nonce, err := enc.DecodeString(s.Nonce)
	if err != nil {
		return "", fmt.Errorf("crypto: decode nonce: %w", err)
	}
	ciphertext, err := enc.DecodeString(s.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("crypto: decode ciphertext: %w", err)
	}

	gcm, err := newGCM(password, salt, s.Iterations)
	if err != nil {
		return "", err
	}
	if len(nonce) != gcm.NonceSize() {
		return "", fmt.Errorf("crypto: nonce length %d", len(nonce))
	}
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: decrypt (wrong password?): %w", err)
	}
	return string(plain), nil
}

// LoadSecret resolves cfg to the plaintext secret.
func LoadSecret(cfg SecretConfig) (string, error) {
	if cfg.Raw != "" {
		return cfg.Raw, nil
	}
	if cfg.Path == "" {
		return "", errors.New("crypto: no secret configured")
	}
	data, err := os.ReadFile(cfg.Path)
	if err != nil {
		return "", fmt.Errorf("crypto: read %s: %w", cfg.Path, err)
	}
	return DecryptSecret(data, cfg.Password)
}

// WriteSecretFile seals secret into path with owner-only permissions.
func WriteSecretFile(path, secret, password string) error {
	sealed, err := EncryptSecret(secret, password)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, sealed, 0o600); err != nil {
		return fmt.Errorf("crypto: write %s: %w", path, err)
	}
	return nil
}

func newGCM(password string, salt []byte, iterations int) (cipher.AEAD, error) {
	key := pbkdf2.Key([]byte(password), salt, iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("crypto: create gcm: %w", err)
	}
	return gcm, nil
}
