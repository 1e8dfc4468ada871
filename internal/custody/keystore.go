// Package custody manages per-user signing keys and produces transaction
// signatures. Private keys never leave this package: callers hand in unsigned
// transaction bytes and get signed bytes back.
package custody

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// pbkdf2Iterations is the OWASP-recommended minimum for HMAC-SHA256.
	pbkdf2Iterations = 480_000
	// saltLen is the random salt length in bytes.
	saltLen = 16
	// aesKeyLen is the derived AES-256 key length.
	aesKeyLen = 32
	// currentVersion is the encrypted-key JSON schema version.
	currentVersion = 1
)

// encryptedKeyJSON is the on-disk format for an encrypted private key.
type encryptedKeyJSON struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`       // base64 standard encoding
	Nonce      string `json:"nonce"`      // base64 standard encoding
	Ciphertext string `json:"ciphertext"` // base64 standard encoding
}

// Keystore stores one encrypted secp256k1 key file per user under a single
// directory, all sealed with the same service password. Decrypted keys are
// cached in memory after first use.
type Keystore struct {
	dir      string
	password string

	mu    sync.RWMutex
	cache map[string]string // userID -> hex key
}

// NewKeystore opens the key directory. The password seals every key file.
func NewKeystore(dir, password string) (*Keystore, error) {
	if password == "" {
		return nil, errors.New("custody: keystore password must not be empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("custody: creating keystore dir: %w", err)
	}
	return &Keystore{
		dir:      dir,
		password: password,
		cache:    make(map[string]string),
	}, nil
}

// Store encrypts and writes the user's private key. An existing key file for
// the user is never overwritten.
func (k *Keystore) Store(userID, privateKeyHex string) error {
	path := k.keyPath(userID)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("custody: key for user %s already exists", userID)
	}

	blob, err := encryptKey(privateKeyHex, k.password)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		return fmt.Errorf("custody: writing key file: %w", err)
	}
	return nil
}

// load returns the user's hex-encoded private key, reading and decrypting the
// key file on first use.
func (k *Keystore) load(userID string) (string, error) {
	k.mu.RLock()
	keyHex, ok := k.cache[userID]
	k.mu.RUnlock()
	if ok {
		return keyHex, nil
	}

	data, err := os.ReadFile(k.keyPath(userID))
	if err != nil {
		return "", fmt.Errorf("custody: reading key file for user %s: %w", userID, err)
	}
	keyHex, err = decryptKey(data, k.password)
	if err != nil {
		return "", fmt.Errorf("custody: key for user %s: %w", userID, err)
	}

	k.mu.Lock()
	k.cache[userID] = keyHex
	k.mu.Unlock()
	return keyHex, nil
}

func (k *Keystore) keyPath(userID string) string {
	return filepath.Join(k.dir, userID+".json")
}

// encryptKey encrypts a hex-encoded private key with a password using
// PBKDF2-HMAC-SHA256 key derivation and AES-256-GCM authenticated encryption.
func encryptKey(privateKeyHex, password string) ([]byte, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	keyBytes, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("custody: invalid private key hex: %w", err)
	}
	if len(keyBytes) != 32 {
		return nil, fmt.Errorf("custody: expected 32-byte key, got %d bytes", len(keyBytes))
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("custody: generating salt: %w", err)
	}

	derivedKey := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)

	block, err := aes.NewCipher(derivedKey)
	if err != nil {
		return nil, fmt.Errorf("custody: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("custody: creating GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("custody: generating nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, keyBytes, nil)

	out := encryptedKeyJSON{
		Version:    currentVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}

	return json.MarshalIndent(out, "", "  ")
}

// decryptKey decrypts a JSON blob produced by encryptKey, returning the
// hex-encoded private key (without 0x prefix).
func decryptKey(encryptedJSON []byte, password string) (string, error) {
	var stored encryptedKeyJSON
	if err := json.Unmarshal(encryptedJSON, &stored); err != nil {
		return "", fmt.Errorf("custody: parsing encrypted key JSON: %w", err)
	}
	if stored.Version != currentVersion {
		return "", fmt.Errorf("custody: unsupported version %d", stored.Version)
	}

	salt, err := base64.StdEncoding.DecodeString(stored.Salt)
	if err != nil {
		return "", fmt.Errorf("custody: decoding salt: %w", err)
	}
	nonce, err := base64.StdEncoding.DecodeString(stored.Nonce)
	if err != nil {
		return "", fmt.Errorf("custody: decoding nonce: %w", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(stored.Ciphertext)
	if err != nil {
		return "", fmt.Errorf("custody: decoding ciphertext: %w", err)
	}

	derivedKey := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, aesKeyLen, sha256.New)

	block, err := aes.NewCipher(derivedKey)
	if err != nil {
		return "", fmt.Errorf("custody: creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("custody: creating GCM: %w", err)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("custody: decryption failed (wrong password?): %w", err)
	}

	return hex.EncodeToString(plaintext), nil
}
