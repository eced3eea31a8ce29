package app

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/jmswain/accountcore/pkg/crypto"
)

const (
	jwtSecretBytes     = 48
	encryptionKeyBytes = 32
)

// ApplyRuntimeDefaults ensures critical secrets are populated even when no configuration file is supplied.
// It returns a map describing which keys were generated so callers can log the event without exposing values.
func ApplyRuntimeDefaults(cfg *Config) (map[string]bool, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	generated := make(map[string]bool)

	if strings.TrimSpace(cfg.Auth.JWT.Secret) == "" {
		secret, err := crypto.GenerateToken(jwtSecretBytes)
		if err != nil {
			return nil, fmt.Errorf("generate jwt secret: %w", err)
		}
		cfg.Auth.JWT.Secret = secret
		generated["auth.jwt.secret"] = true
	}

	if strings.TrimSpace(cfg.Auth.Encryption.Key) == "" {
		secret, err := generateHexKey(encryptionKeyBytes)
		if err != nil {
			return nil, fmt.Errorf("generate encryption key: %w", err)
		}
		cfg.Auth.Encryption.Key = secret
		generated["auth.encryption.key"] = true
	}

	return generated, nil
}

// EncryptionKey decodes the configured hex key into raw bytes.
func (c *Config) EncryptionKey() ([]byte, error) {
	key, err := hex.DecodeString(strings.TrimSpace(c.Auth.Encryption.Key))
	if err != nil {
		return nil, fmt.Errorf("config: decode encryption key: %w", err)
	}
	if len(key) != encryptionKeyBytes {
		return nil, fmt.Errorf("config: encryption key must be %d bytes, got %d", encryptionKeyBytes, len(key))
	}
	return key, nil
}

func generateHexKey(length int) (string, error) {
	if length <= 0 {
		return "", fmt.Errorf("length must be positive")
	}
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
