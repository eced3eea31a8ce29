package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/jmswain/accountcore/internal/models"
	"github.com/jmswain/accountcore/pkg/crypto"
	apperrors "github.com/jmswain/accountcore/pkg/errors"
	"github.com/jmswain/accountcore/pkg/logger"
	"github.com/jmswain/accountcore/pkg/mail"
	"github.com/jmswain/accountcore/pkg/metrics"
)

// DefaultVerificationTTL is how long a verification token stays redeemable.
const DefaultVerificationTTL = 24 * time.Hour

// VerificationConfig tunes token issuance.
type VerificationConfig struct {
	TokenTTL time.Duration
	// TokenLength is the number of random bytes per token. The default of 32
	// bytes gives 256 bits of entropy.
	TokenLength int
	// VerifyURL is the external URL prefix embedded in the email; the token
	// is appended as a query parameter.
	VerifyURL string
	Clock     func() time.Time
}

// Redemption is the account/email pair captured when the token was issued.
type Redemption struct {
	UserID string
	Email  string
}

// VerificationService issues and redeems email-ownership tokens.
type VerificationService struct {
	db     *gorm.DB
	mailer mail.Mailer

	ttl       time.Duration
	tokenLen  int
	verifyURL string
	now       func() time.Time
}

// NewVerificationService builds a VerificationService. The mailer may be nil
// when email delivery is disabled; issuance still works and the token is only
// reachable through logs or operator tooling.
func NewVerificationService(db *gorm.DB, mailer mail.Mailer, cfg VerificationConfig) (*VerificationService, error) {
	if db == nil {
		return nil, errors.New("verification service: db is required")
	}

	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = DefaultVerificationTTL
	}

	length := cfg.TokenLength
	if length < 16 {
		length = 32
	}

	clock := time.Now
	if cfg.Clock != nil {
		clock = cfg.Clock
	}

	return &VerificationService{
		db:        db,
		mailer:    mailer,
		ttl:       ttl,
		tokenLen:  length,
		verifyURL: strings.TrimRight(cfg.VerifyURL, "/"),
		now:       clock,
	}, nil
}

// Issue invalidates any outstanding unused tokens for the account and creates
// a fresh one. The returned token is the plaintext value; only its digest is
// stored.
func (s *VerificationService) Issue(ctx context.Context, userID, email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if strings.TrimSpace(userID) == "" || email == "" {
		return "", apperrors.NewBadRequest("Account and email are required")
	}

	token, err := crypto.GenerateToken(s.tokenLen)
	if err != nil {
		return "", fmt.Errorf("verification service: generate token: %w", err)
	}

	now := s.now()
	record := &models.EmailVerification{
		UserID:    userID,
		Email:     email,
		TokenHash: hashVerificationToken(token),
		ExpiresAt: now.Add(s.ttl),
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ? AND verified_at IS NULL", userID).
			Delete(&models.EmailVerification{}).Error; err != nil {
			return err
		}
		return tx.Create(record).Error
	})
	if err != nil {
		return "", fmt.Errorf("verification service: issue token: %w", err)
	}

	return token, nil
}

// Send delivers the verification email. Delivery runs in the background and
// never blocks or fails the calling request.
func (s *VerificationService) Send(userID, email, token string) bool {
	if s.mailer == nil {
		return false
	}

	link := token
	if s.verifyURL != "" {
		link = s.verifyURL + "?token=" + token
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		msg := mail.Message{
			To:      email,
			Subject: "Verify your email address",
			Body: "Hello,\n\n" +
				"Please confirm that this address belongs to your account by opening the link below within 24 hours:\n\n" +
				link + "\n\n" +
				"If you did not create this account, you can ignore this message.\n",
		}
		if err := s.mailer.Send(ctx, msg); err != nil && !errors.Is(err, mail.ErrSMTPDisabled) {
			logger.Warn("verification email delivery failed",
				zap.String("user_id", userID),
				zap.Error(err),
			)
		}
	}()

	return true
}

// Redeem marks a token used and returns the captured account/email pair.
// "Check unused" and "mark used" are a single conditional update so two
// concurrent redemptions cannot both succeed.
func (s *VerificationService) Redeem(ctx context.Context, token string) (*Redemption, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		metrics.EmailVerifications.WithLabelValues("failure").Inc()
		return nil, apperrors.ErrNotFound
	}

	var record models.EmailVerification
	err := s.db.WithContext(ctx).
		Take(&record, "token_hash = ?", hashVerificationToken(token)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		metrics.EmailVerifications.WithLabelValues("failure").Inc()
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("verification service: find token: %w", err)
	}

	now := s.now()

	if record.VerifiedAt != nil {
		metrics.EmailVerifications.WithLabelValues("already_used").Inc()
		return nil, apperrors.ErrTokenUsed
	}
	if now.After(record.ExpiresAt) {
		metrics.EmailVerifications.WithLabelValues("expired").Inc()
		return nil, apperrors.ErrTokenExpired
	}

	result := s.db.WithContext(ctx).Model(&models.EmailVerification{}).
		Where("id = ? AND verified_at IS NULL", record.ID).
		Update("verified_at", now)
	if result.Error != nil {
		return nil, fmt.Errorf("verification service: redeem token: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		metrics.EmailVerifications.WithLabelValues("already_used").Inc()
		return nil, apperrors.ErrTokenUsed
	}

	metrics.EmailVerifications.WithLabelValues("success").Inc()
	return &Redemption{UserID: record.UserID, Email: record.Email}, nil
}

// CleanupExpired removes expired and consumed tokens.
func (s *VerificationService) CleanupExpired(ctx context.Context) (int64, error) {
	result := s.db.WithContext(ctx).
		Where("expires_at < ?", s.now()).
		Or("verified_at IS NOT NULL").
		Delete(&models.EmailVerification{})
	if result.Error != nil {
		return 0, fmt.Errorf("verification service: cleanup tokens: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func hashVerificationToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
