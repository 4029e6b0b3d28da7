package vault

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"backup-orchestrator/internal/backup"

	"golang.org/x/crypto/pbkdf2"
)

const (
	masterKeySize     = 32
	defaultIterations = 100000
	defaultSalt       = "backup-orchestrator-vault"
)

// Config selects how the vault master key is obtained.
type Config struct {
	// MasterKey is a 64 character hex string. It takes precedence over Passphrase.
	MasterKey  string `yaml:"master_key" mapstructure:"master_key"`
	Passphrase string `yaml:"passphrase" mapstructure:"passphrase"`
	Salt       string `yaml:"salt" mapstructure:"salt"`
	Iterations int    `yaml:"iterations" mapstructure:"iterations"`
}

// SetDefaults fills unset derivation parameters
func (c *Config) SetDefaults() {
	if c.Salt == "" {
		c.Salt = defaultSalt
	}
	if c.Iterations == 0 {
		c.Iterations = defaultIterations
	}
}

// Validate checks that exactly one usable key source is configured.
func (c *Config) Validate() error {
	var errors backup.ValidationErrors
	key := strings.TrimSpace(c.MasterKey)
	switch {
	case key == "" && c.Passphrase == "":
		errors.Add("vault", "either master_key or passphrase is required", nil)
	case key != "":
		if decoded, err := hex.DecodeString(key); err != nil || len(decoded) != masterKeySize {
			errors.Add("vault.master_key", "master key must be 64 hex characters", nil)
		}
	}
	if c.Iterations < 0 {
		errors.Add("vault.iterations", "iterations must not be negative", c.Iterations)
	}
	if errors.HasErrors() {
		return backup.NewConfigurationError("invalid vault configuration", errors)
	}
	return nil
}

// DeriveMasterKey returns the 256-bit key that seals every stored secret.
func DeriveMasterKey(config Config) ([]byte, error) {
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if key := strings.TrimSpace(config.MasterKey); key != "" {
		decoded, _ := hex.DecodeString(key)
		return decoded, nil
	}
	return pbkdf2.Key([]byte(config.Passphrase), []byte(config.Salt), config.Iterations, masterKeySize, sha256.New), nil
}
