// Package governance issues and checks the approval tokens that authorize a
// restore of a backup containing restricted data.
package governance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"backup-orchestrator/internal/backup"
	"backup-orchestrator/internal/logging"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

var (
	ErrInvalidToken = errors.New("governance: invalid approval token")
	ErrTokenExpired = errors.New("governance: approval token expired")
	ErrWrongBackup  = errors.New("governance: approval token issued for another backup")
)

const defaultTokenTTL = 24 * time.Hour

// Config holds the signing secret shared by every engine instance.
type Config struct {
	Secret   string        `yaml:"secret" mapstructure:"secret"`
	TokenTTL time.Duration `yaml:"token_ttl" mapstructure:"token_ttl"`
}

func (c *Config) SetDefaults() {
	if c.TokenTTL == 0 {
		c.TokenTTL = defaultTokenTTL
	}
}

func (c *Config) Validate() error {
	var errs backup.ValidationErrors
	if len(c.Secret) < 16 {
		errs.Add("governance.secret", "secret must be at least 16 characters", nil)
	}
	if c.TokenTTL < 0 {
		errs.Add("governance.token_ttl", "token ttl must not be negative", c.TokenTTL)
	}
	if errs.HasErrors() {
		return backup.NewConfigurationError("invalid governance configuration", errs)
	}
	return nil
}

// Issuer is the iss claim of every approval token.
const Issuer = "backup-orchestrator"

// Approval is what a token grants, decoded from its claims.
type Approval struct {
	ID        string `json:"id"`
	BackupID  string `json:"backup_id"`
	Requester string `json:"requester"`
	IssuedAt  int64  `json:"issued_at"`
	ExpiresAt int64  `json:"expires_at"`
}

// approvalClaims is the JWT body: the registered claims plus the approved backup.
type approvalClaims struct {
	BackupID string `json:"bid"`
	jwt.RegisteredClaims
}

func (c *approvalClaims) approval() *Approval {
	a := &Approval{ID: c.ID, BackupID: c.BackupID, Requester: c.Subject}
	if c.IssuedAt != nil {
		a.IssuedAt = c.IssuedAt.Unix()
	}
	if c.ExpiresAt != nil {
		a.ExpiresAt = c.ExpiresAt.Unix()
	}
	return a
}

// Service implements backup.ApprovalChecker.
type Service struct {
	secret []byte
	ttl    time.Duration
	logger *logging.Logger
	clock  clockwork.Clock
}

var _ backup.ApprovalChecker = (*Service)(nil)

func NewService(config Config, logger *logging.Logger, clock clockwork.Clock) (*Service, error) {
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Service{
		secret: []byte(config.Secret),
		ttl:    config.TokenTTL,
		logger: logger,
		clock:  clock,
	}, nil
}

// IssueToken signs an approval for restoring backupID. A zero ttl uses the configured default.
func (s *Service) IssueToken(backupID, requester string, ttl time.Duration) (string, error) {
	if strings.TrimSpace(backupID) == "" {
		return "", backup.NewValidationError("backup id is required", nil)
	}
	if strings.TrimSpace(requester) == "" {
		return "", backup.NewValidationError("requester is required", nil)
	}
	if ttl < 0 {
		return "", backup.NewValidationError("ttl must not be negative", nil)
	}
	if ttl == 0 {
		ttl = s.ttl
	}

	now := s.clock.Now()
	claims := &approvalClaims{
		BackupID: backupID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    Issuer,
			Subject:   requester,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", backup.NewValidationError("failed to sign approval token", err)
	}

	s.logger.WithFields(map[string]interface{}{
		"backup_id": backupID,
		"requester": requester,
		"ttl":       ttl,
	}).Info("Approval token issued")
	return token, nil
}

// Parse verifies a token's signature, issuer and expiry and returns what it
// approves. An expired token is returned together with ErrTokenExpired.
func (s *Service) Parse(token string) (*Approval, error) {
	claims := &approvalClaims{}
	_, err := jwt.ParseWithClaims(strings.TrimSpace(token), claims,
		func(*jwt.Token) (interface{}, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.clock.Now),
	)
	switch {
	case err == nil:
		return claims.approval(), nil
	case errors.Is(err, jwt.ErrTokenExpired) && !errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return claims.approval(), ErrTokenExpired
	default:
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}
}

// CheckApproval reports whether token authorizes restoring backupID. A bad,
// expired or foreign token is a denial, not an error.
func (s *Service) CheckApproval(ctx context.Context, backupID, token string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if token == "" {
		return false, nil
	}

	approval, err := s.Parse(token)
	if err == nil && approval.BackupID != backupID {
		err = ErrWrongBackup
	}
	if err != nil {
		s.logger.WithFields(map[string]interface{}{
			"backup_id": backupID,
			"reason":    err.Error(),
		}).Warn("Approval token rejected")
		return false, nil
	}
	return true, nil
}
