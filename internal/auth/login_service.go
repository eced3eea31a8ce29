package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/jmswain/accountcore/internal/auth/twofactor"
	"github.com/jmswain/accountcore/internal/models"
	"github.com/jmswain/accountcore/pkg/crypto"
	apperrors "github.com/jmswain/accountcore/pkg/errors"
	"github.com/jmswain/accountcore/pkg/logger"
	"github.com/jmswain/accountcore/pkg/metrics"
)

// LockoutConfig throttles repeated password failures per account.
type LockoutConfig struct {
	MaxAttempts int
	Duration    time.Duration
}

// LoginConfig configures the LoginService.
type LoginConfig struct {
	Lockout LockoutConfig
	Clock   func() time.Time
}

// LoginResult is the outcome of either login step. When TwoFactorRequired is
// set, ChallengeRef must be echoed back to complete the login and no session
// fields are populated.
type LoginResult struct {
	TwoFactorRequired bool
	ChallengeRef      string

	Tokens  TokenPair
	Session *models.Session
	User    *models.User

	// RotatedRecoveryKey is set when the second factor was the recovery key;
	// the previous key is already invalid and the user must store this one.
	RotatedRecoveryKey string
}

// LoginService implements the two-step login protocol over the credential
// check, the second factor, and session issuance.
type LoginService struct {
	db        *gorm.DB
	sessions  *SessionService
	jwt       *JWTService
	twoFactor *twofactor.Service

	lockout LockoutConfig
	now     func() time.Time
}

// NewLoginService wires the login orchestration.
func NewLoginService(db *gorm.DB, sessions *SessionService, jwtService *JWTService, twoFactor *twofactor.Service, cfg LoginConfig) (*LoginService, error) {
	if db == nil {
		return nil, errors.New("login service: db is required")
	}
	if sessions == nil {
		return nil, errors.New("login service: session service is required")
	}
	if jwtService == nil {
		return nil, errors.New("login service: jwt service is required")
	}
	if twoFactor == nil {
		return nil, errors.New("login service: two-factor service is required")
	}

	lockout := cfg.Lockout
	if lockout.MaxAttempts <= 0 {
		lockout.MaxAttempts = 5
	}
	if lockout.Duration <= 0 {
		lockout.Duration = 15 * time.Minute
	}

	clock := time.Now
	if cfg.Clock != nil {
		clock = cfg.Clock
	}

	return &LoginService{
		db:        db,
		sessions:  sessions,
		jwt:       jwtService,
		twoFactor: twoFactor,
		lockout:   lockout,
		now:       clock,
	}, nil
}

// Login performs primary authentication. An unknown username, a wrong
// password, a locked account, and a deactivated account all produce the same
// generic failure.
func (s *LoginService) Login(ctx context.Context, username, password string, meta SessionMetadata) (*LoginResult, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		return nil, apperrors.ErrInvalidCredentials
	}

	var user models.User
	err := s.db.WithContext(ctx).Take(&user, "username = ?", username).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// Burn a hash anyway so unknown usernames take as long as wrong
		// passwords.
		crypto.VerifyPassword(dummyPasswordHash, password)
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		return nil, apperrors.ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("login: find user: %w", err)
	}

	now := s.now()

	if user.LockedUntil != nil && user.LockedUntil.After(now) {
		crypto.VerifyPassword(user.Password, password)
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		return nil, apperrors.ErrInvalidCredentials
	}

	if !crypto.VerifyPassword(user.Password, password) {
		s.recordFailedAttempt(ctx, &user, now)
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		return nil, apperrors.ErrInvalidCredentials
	}

	if !user.IsActive {
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		return nil, apperrors.ErrInvalidCredentials
	}

	s.clearFailedAttempts(ctx, &user)

	if user.TwoFactorEnabled {
		challengeRef, err := s.jwt.GenerateChallengeToken(user.ID)
		if err != nil {
			return nil, fmt.Errorf("login: generate challenge: %w", err)
		}
		metrics.AuthAttempts.WithLabelValues("challenge").Inc()
		return &LoginResult{
			TwoFactorRequired: true,
			ChallengeRef:      challengeRef,
		}, nil
	}

	return s.issueSession(ctx, &user, meta)
}

// CompleteLogin finishes a login that was suspended on a second factor. The
// challenge reference proves the password step already passed; the proof is
// exactly one of TOTP code, backup code, or recovery key.
func (s *LoginService) CompleteLogin(ctx context.Context, challengeRef string, proof twofactor.ChallengeInput, meta SessionMetadata) (*LoginResult, error) {
	userID, err := s.jwt.ValidateChallengeToken(challengeRef)
	if err != nil {
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		return nil, apperrors.ErrInvalidCredentials
	}

	var user models.User
	err = s.db.WithContext(ctx).Take(&user, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		return nil, apperrors.ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("login: find user: %w", err)
	}

	if !user.IsActive || !user.TwoFactorEnabled {
		metrics.AuthAttempts.WithLabelValues("failure").Inc()
		return nil, apperrors.ErrInvalidCredentials
	}

	outcome, err := s.twoFactor.Challenge(ctx, user.ID, proof)
	if err != nil {
		if errors.Is(err, twofactor.ErrVerificationFailed) {
			metrics.AuthAttempts.WithLabelValues("failure").Inc()
			return nil, apperrors.ErrInvalidCredentials
		}
		return nil, err
	}

	result, err := s.issueSession(ctx, &user, meta)
	if err != nil {
		return nil, err
	}
	if outcome != nil {
		result.RotatedRecoveryKey = outcome.RotatedRecoveryKey
	}
	return result, nil
}

func (s *LoginService) issueSession(ctx context.Context, user *models.User, meta SessionMetadata) (*LoginResult, error) {
	tokens, session, err := s.sessions.CreateSession(user.ID, meta)
	if err != nil {
		return nil, fmt.Errorf("login: create session: %w", err)
	}

	now := s.now()
	updates := map[string]any{
		"last_login_at": now,
		"last_login_ip": meta.IPAddress,
	}
	if err := s.db.WithContext(ctx).Model(user).Updates(updates).Error; err != nil {
		logger.Warn("failed to record last login", zap.String("user_id", user.ID), zap.Error(err))
	}

	metrics.AuthAttempts.WithLabelValues("success").Inc()

	return &LoginResult{
		Tokens:  tokens,
		Session: session,
		User:    user,
	}, nil
}

func (s *LoginService) recordFailedAttempt(ctx context.Context, user *models.User, now time.Time) {
	attempts := user.FailedAttempts + 1
	updates := map[string]any{"failed_attempts": attempts}
	if attempts >= s.lockout.MaxAttempts {
		updates["locked_until"] = now.Add(s.lockout.Duration)
		updates["failed_attempts"] = 0
		logger.Warn("account locked after repeated failures",
			zap.String("user_id", user.ID),
			zap.Int("attempts", attempts),
		)
	}

	if err := s.db.WithContext(ctx).Model(user).Updates(updates).Error; err != nil {
		logger.Error("failed to record login failure", zap.String("user_id", user.ID), zap.Error(err))
	}
}

func (s *LoginService) clearFailedAttempts(ctx context.Context, user *models.User) {
	if user.FailedAttempts == 0 && user.LockedUntil == nil {
		return
	}

	updates := map[string]any{
		"failed_attempts": 0,
		"locked_until":    nil,
	}
	if err := s.db.WithContext(ctx).Model(user).Updates(updates).Error; err != nil {
		logger.Error("failed to reset login failures", zap.String("user_id", user.ID), zap.Error(err))
	}
}

// dummyPasswordHash is a fixed argon2id digest of a random throwaway value,
// verified on unknown-username paths to keep timing uniform.
const dummyPasswordHash = "argon2id$3q2+7w7CKB4R1gmUJXGzGQ$mxU3/ZfUE5U9S1IsA0cBBsZdLKPXF2sD0Uyc2a5HG24"
