package backup

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the AES-256 key length in bytes
	KeySize = 32
	// DefaultKeyDerivationIterations is the PBKDF2-SHA256 iteration count
	DefaultKeyDerivationIterations = 100000

	fingerprintSize = 8
)

var keyIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,63}$`)

// GenerateKey generates a new 256-bit encryption key
func GenerateKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, NewEncryptionError("failed to generate encryption key", err)
	}
	return key, nil
}

// DeriveKey derives a key from a passphrase using PBKDF2-SHA256. The salt is
// bound to the key id so the same passphrase always yields the same key.
func DeriveKey(passphrase, keyID string, iterations int) []byte {
	if iterations <= 0 {
		iterations = DefaultKeyDerivationIterations
	}
	salt := []byte("org-backup-engine/" + keyID)
	return pbkdf2.Key([]byte(passphrase), salt, iterations, KeySize, sha256.New)
}

// ValidateKey validates that a key is suitable for AES-256
func ValidateKey(key []byte) error {
	if len(key) != KeySize {
		return NewEncryptionError("key must be 32 bytes for AES-256", nil)
	}

	allZeros := true
	allOnes := true
	for _, b := range key {
		if b != 0 {
			allZeros = false
		}
		if b != 0xFF {
			allOnes = false
		}
	}

	if allZeros {
		return NewEncryptionError("key cannot be all zeros", nil)
	}
	if allOnes {
		return NewEncryptionError("key cannot be all ones", nil)
	}
	return nil
}

// KeyFingerprint identifies a key without revealing it
func KeyFingerprint(key []byte) []byte {
	h := sha256.New()
	h.Write([]byte("org-backup-engine/fingerprint"))
	h.Write(key)
	return h.Sum(nil)[:fingerprintSize]
}

// ValidateKeyID rejects key ids that are unsafe as file or variable names
func ValidateKeyID(keyID string) error {
	if !keyIDPattern.MatchString(keyID) {
		return NewValidationError(fmt.Sprintf("invalid key id %q", keyID), nil)
	}
	return nil
}

// KeyEnvName returns the environment variable that holds keyID
func KeyEnvName(prefix, keyID string) string {
	name := strings.ToUpper(keyID)
	name = strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, name)
	return prefix + name
}

// ConfigKeyResolver resolves keys from the environment, key files or
// passphrases as configured
type ConfigKeyResolver struct {
	config EncryptionConfig
}

// NewConfigKeyResolver creates a key resolver for the given configuration
func NewConfigKeyResolver(config EncryptionConfig) *ConfigKeyResolver {
	return &ConfigKeyResolver{config: config}
}

// ResolveKey returns the key material for keyID
func (r *ConfigKeyResolver) ResolveKey(ctx context.Context, keyID string) ([]byte, error) {
	if err := ValidateKeyID(keyID); err != nil {
		return nil, err
	}

	var key []byte
	switch r.config.KeySource {
	case KeySourceEnv:
		value := os.Getenv(KeyEnvName(r.config.KeyEnvPrefix, keyID))
		if value == "" {
			return nil, NewKeyNotFoundError(keyID, nil)
		}
		decoded, err := hex.DecodeString(strings.TrimSpace(value))
		if err != nil {
			return nil, NewEncryptionError("failed to decode hex key from environment variable", err).WithContext("key_id", keyID)
		}
		key = decoded

	case KeySourceFile:
		data, err := os.ReadFile(filepath.Join(r.config.KeyDir, keyID+".key"))
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, NewKeyNotFoundError(keyID, err)
			}
			return nil, NewEncryptionError("failed to read key file", err).WithContext("key_id", keyID)
		}
		key, err = parseKeyFile(data)
		if err != nil {
			return nil, err
		}

	case KeySourcePassphrase:
		passphrase := os.Getenv(KeyEnvName(r.config.KeyEnvPrefix, keyID))
		if passphrase == "" {
			return nil, NewKeyNotFoundError(keyID, nil)
		}
		key = DeriveKey(passphrase, keyID, r.config.Iterations)

	default:
		return nil, NewConfigurationError(fmt.Sprintf("unknown key source %q", r.config.KeySource), nil)
	}

	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	return key, nil
}

// parseKeyFile accepts 32 raw bytes or 64 hex characters
func parseKeyFile(data []byte) ([]byte, error) {
	if len(data) == KeySize {
		return data, nil
	}
	trimmed := strings.TrimSpace(string(data))
	if len(trimmed) == KeySize*2 {
		key, err := hex.DecodeString(trimmed)
		if err == nil {
			return key, nil
		}
	}
	return nil, NewEncryptionError("key file must contain 32 raw bytes or 64 hex characters", nil)
}

// SaveKeyToFile writes key as <dir>/<keyID>.key with owner-only permissions
func SaveKeyToFile(dir, keyID string, key []byte) (string, error) {
	if err := ValidateKeyID(keyID); err != nil {
		return "", err
	}
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", NewEncryptionError("failed to create key directory", err)
	}

	path := filepath.Join(dir, keyID+".key")
	if err := os.WriteFile(path, key, 0600); err != nil {
		return "", NewEncryptionError("failed to save key to file", err)
	}
	return path, nil
}

// StaticKeyResolver serves keys from memory
type StaticKeyResolver map[string][]byte

// ResolveKey returns the key registered under keyID
func (s StaticKeyResolver) ResolveKey(ctx context.Context, keyID string) ([]byte, error) {
	key, ok := s[keyID]
	if !ok {
		return nil, NewKeyNotFoundError(keyID, nil)
	}
	return key, nil
}
