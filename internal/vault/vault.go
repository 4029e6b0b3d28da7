// Package vault keeps backup encryption keys out of backup records. Key
// material is sealed with AES-256-GCM under a master key and stored in the
// engine database; records only carry the opaque reference.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"io"
	"time"

	"backup-orchestrator/internal/backup"
	"backup-orchestrator/internal/logging"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"gorm.io/gorm"
)

// ErrExpired is the cause of a retrieval of a secret whose TTL has passed.
var ErrExpired = errors.New("vault: secret expired")

// Secret is one sealed key. The reference doubles as additional authenticated data,
// so a ciphertext copied onto another row does not open.
type Secret struct {
	Ref        string `gorm:"primaryKey;size:64"`
	Ciphertext []byte `gorm:"not null"`
	Nonce      []byte `gorm:"not null"`
	CreatedAt  time.Time
	ExpiresAt  *time.Time `gorm:"index"`
}

func (Secret) TableName() string {
	return "vault_secrets"
}

// Vault implements backup.KeyVault on top of a gorm database.
type Vault struct {
	db     *gorm.DB
	aead   cipher.AEAD
	logger *logging.Logger
	clock  clockwork.Clock
}

var _ backup.KeyVault = (*Vault)(nil)

// New migrates the secrets table and returns a vault sealing under the configured master key.
func New(db *gorm.DB, config Config, logger *logging.Logger, clock clockwork.Clock) (*Vault, error) {
	masterKey, err := DeriveMasterKey(config)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, backup.NewConfigurationError("failed to initialize vault cipher", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, backup.NewConfigurationError("failed to initialize vault cipher", err)
	}
	if err := db.AutoMigrate(&Secret{}); err != nil {
		return nil, backup.NewPersistenceError("failed to migrate vault schema", err)
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Vault{db: db, aead: aead, logger: logger, clock: clock}, nil
}

// Store seals keyMaterial and returns its reference. A zero ttl never expires.
func (v *Vault) Store(ctx context.Context, keyMaterial []byte, ttl time.Duration) (string, error) {
	if len(keyMaterial) == 0 {
		return "", backup.NewValidationError("key material must not be empty", nil)
	}
	if ttl < 0 {
		return "", backup.NewValidationError("ttl must not be negative", nil)
	}

	nonce := make([]byte, v.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", backup.NewTransformError("failed to generate vault nonce", err)
	}

	now := v.clock.Now().UTC()
	secret := &Secret{
		Ref:       "key-" + uuid.New().String(),
		Nonce:     nonce,
		CreatedAt: now,
	}
	secret.Ciphertext = v.aead.Seal(nil, nonce, keyMaterial, []byte(secret.Ref))
	if ttl > 0 {
		expires := now.Add(ttl)
		secret.ExpiresAt = &expires
	}

	if err := v.db.WithContext(ctx).Create(secret).Error; err != nil {
		return "", backup.NewPersistenceError("failed to store secret", err)
	}
	v.logger.WithFields(map[string]interface{}{
		"ref": secret.Ref,
		"ttl": ttl,
	}).Debug("Secret stored")
	return secret.Ref, nil
}

// Retrieve opens the secret behind ref.
func (v *Vault) Retrieve(ctx context.Context, ref string) ([]byte, error) {
	secret := &Secret{}
	err := v.db.WithContext(ctx).Where("ref = ?", ref).First(secret).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, backup.NewNotFoundError("secret not found", err).WithContext("ref", ref)
	}
	if err != nil {
		return nil, backup.NewPersistenceError("failed to load secret", err).WithContext("ref", ref)
	}

	if secret.ExpiresAt != nil && !v.clock.Now().Before(*secret.ExpiresAt) {
		return nil, backup.NewNotFoundError("secret expired", ErrExpired).WithContext("ref", ref)
	}

	plaintext, err := v.aead.Open(nil, secret.Nonce, secret.Ciphertext, []byte(secret.Ref))
	if err != nil {
		return nil, backup.NewIntegrityViolation("failed to open secret", err).WithContext("ref", ref)
	}
	return plaintext, nil
}

// Delete removes the secret. Deleting an unknown reference is not an error.
func (v *Vault) Delete(ctx context.Context, ref string) error {
	if err := v.db.WithContext(ctx).Where("ref = ?", ref).Delete(&Secret{}).Error; err != nil {
		return backup.NewPersistenceError("failed to delete secret", err).WithContext("ref", ref)
	}
	return nil
}

// Purge removes every expired secret and returns how many were removed.
func (v *Vault) Purge(ctx context.Context) (int64, error) {
	result := v.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at <= ?", v.clock.Now().UTC()).
		Delete(&Secret{})
	if result.Error != nil {
		return 0, backup.NewPersistenceError("failed to purge expired secrets", result.Error)
	}
	if result.RowsAffected > 0 {
		v.logger.WithField("purged", result.RowsAffected).Info("Expired secrets purged")
	}
	return result.RowsAffected, nil
}

// RunPurger purges expired secrets every interval until ctx is done.
func (v *Vault) RunPurger(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := v.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			if _, err := v.Purge(ctx); err != nil {
				v.logger.WithField("error", err.Error()).Warn("Vault purge failed")
			}
		}
	}
}
