package auth

import (
	"context"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/jmswain/accountcore/internal/auth/twofactor"
	"github.com/jmswain/accountcore/internal/database/testutil"
	"github.com/jmswain/accountcore/internal/models"
	apperrors "github.com/jmswain/accountcore/pkg/errors"
)

func setupLoginService(t *testing.T) (*gorm.DB, *LoginService, *twofactor.Service, *testClock) {
	t.Helper()

	db := testutil.MustOpenTestDB(t)
	clock := &testClock{current: time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)}

	jwtService, err := NewJWTService(JWTConfig{
		Secret:         "login-secret",
		AccessTokenTTL: 15 * time.Minute,
		ChallengeTTL:   5 * time.Minute,
		Clock:          clock.Now,
	})
	require.NoError(t, err)

	sessions, err := NewSessionService(db, jwtService, SessionConfig{Clock: clock.Now})
	require.NoError(t, err)

	key := make([]byte, 32)
	copy(key, "0123456789abcdef0123456789abcdef")
	twoFactor, err := twofactor.NewService(db, twofactor.Config{
		EncryptionKey: key,
		Clock:         clock.Now,
	})
	require.NoError(t, err)

	login, err := NewLoginService(db, sessions, jwtService, twoFactor, LoginConfig{
		Lockout: LockoutConfig{MaxAttempts: 3, Duration: 10 * time.Minute},
		Clock:   clock.Now,
	})
	require.NoError(t, err)

	return db, login, twoFactor, clock
}

func enrollTwoFactor(t *testing.T, twoFactor *twofactor.Service, clock *testClock, userID string) *twofactor.SetupResult {
	t.Helper()

	setup, err := twoFactor.BeginSetup(context.Background(), userID)
	require.NoError(t, err)

	code, err := totp.GenerateCodeCustom(setup.Secret, clock.Now(), totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)

	_, err = twoFactor.ConfirmSetup(context.Background(), userID, code)
	require.NoError(t, err)

	return setup
}

func TestLoginWithoutTwoFactorIssuesSession(t *testing.T) {
	db, login, _, _ := setupLoginService(t)
	user := createTestUser(t, db, "alice")

	result, err := login.Login(context.Background(), "alice", "password123", SessionMetadata{IPAddress: "10.0.0.5"})
	require.NoError(t, err)
	require.False(t, result.TwoFactorRequired)
	require.NotEmpty(t, result.Tokens.AccessToken)
	require.NotEmpty(t, result.Tokens.RefreshToken)
	require.Equal(t, user.ID, result.Session.UserID)

	var reloaded models.User
	require.NoError(t, db.Take(&reloaded, "id = ?", user.ID).Error)
	require.NotNil(t, reloaded.LastLoginAt)
	require.Equal(t, "10.0.0.5", reloaded.LastLoginIP)
}

func TestLoginFailuresAreGeneric(t *testing.T) {
	db, login, _, _ := setupLoginService(t)
	createTestUser(t, db, "bob")

	// Wrong password and unknown username produce the identical error value.
	_, err := login.Login(context.Background(), "bob", "wrong-password", SessionMetadata{})
	require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)

	_, err = login.Login(context.Background(), "nobody", "password123", SessionMetadata{})
	require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
}

func TestLoginInactiveAccountRejected(t *testing.T) {
	db, login, _, _ := setupLoginService(t)
	user := createTestUser(t, db, "carol")
	require.NoError(t, db.Model(user).Update("is_active", false).Error)

	_, err := login.Login(context.Background(), "carol", "password123", SessionMetadata{})
	require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
}

func TestLoginLockoutAfterRepeatedFailures(t *testing.T) {
	db, login, _, clock := setupLoginService(t)
	user := createTestUser(t, db, "dave")

	for i := 0; i < 3; i++ {
		_, err := login.Login(context.Background(), "dave", "wrong", SessionMetadata{})
		require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
	}

	var locked models.User
	require.NoError(t, db.Take(&locked, "id = ?", user.ID).Error)
	require.NotNil(t, locked.LockedUntil)

	// The correct password is refused while the lock holds, with the same
	// generic error.
	_, err := login.Login(context.Background(), "dave", "password123", SessionMetadata{})
	require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)

	clock.Advance(11 * time.Minute)

	result, err := login.Login(context.Background(), "dave", "password123", SessionMetadata{})
	require.NoError(t, err)
	require.False(t, result.TwoFactorRequired)
}

func TestLoginWithTwoFactorNeverIssuesSessionEarly(t *testing.T) {
	db, login, twoFactor, clock := setupLoginService(t)
	user := createTestUser(t, db, "erin")
	enrollTwoFactor(t, twoFactor, clock, user.ID)

	result, err := login.Login(context.Background(), "erin", "password123", SessionMetadata{})
	require.NoError(t, err)
	require.True(t, result.TwoFactorRequired)
	require.NotEmpty(t, result.ChallengeRef)
	require.Empty(t, result.Tokens.AccessToken)
	require.Nil(t, result.Session)

	// No session row exists until the second factor is presented.
	var count int64
	require.NoError(t, db.Model(&models.Session{}).Where("user_id = ?", user.ID).Count(&count).Error)
	require.Zero(t, count)
}

func TestCompleteLoginWithTOTP(t *testing.T) {
	db, login, twoFactor, clock := setupLoginService(t)
	user := createTestUser(t, db, "frank")
	setup := enrollTwoFactor(t, twoFactor, clock, user.ID)

	first, err := login.Login(context.Background(), "frank", "password123", SessionMetadata{})
	require.NoError(t, err)
	require.True(t, first.TwoFactorRequired)

	code, err := totp.GenerateCodeCustom(setup.Secret, clock.Now(), totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)

	result, err := login.CompleteLogin(context.Background(), first.ChallengeRef, twofactor.ChallengeInput{TOTPCode: code}, SessionMetadata{})
	require.NoError(t, err)
	require.NotEmpty(t, result.Tokens.AccessToken)
	require.Equal(t, user.ID, result.Session.UserID)

	// The same code after its window has elapsed is rejected.
	second, err := login.Login(context.Background(), "frank", "password123", SessionMetadata{})
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	_, err = login.CompleteLogin(context.Background(), second.ChallengeRef, twofactor.ChallengeInput{TOTPCode: code}, SessionMetadata{})
	require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
}

func TestCompleteLoginWithRecoveryKeyRotates(t *testing.T) {
	db, login, twoFactor, clock := setupLoginService(t)
	user := createTestUser(t, db, "grace")
	setup := enrollTwoFactor(t, twoFactor, clock, user.ID)

	first, err := login.Login(context.Background(), "grace", "password123", SessionMetadata{})
	require.NoError(t, err)

	result, err := login.CompleteLogin(context.Background(), first.ChallengeRef, twofactor.ChallengeInput{RecoveryKey: setup.RecoveryKey}, SessionMetadata{})
	require.NoError(t, err)
	require.NotEmpty(t, result.RotatedRecoveryKey)
	require.NotEqual(t, setup.RecoveryKey, result.RotatedRecoveryKey)
}

func TestCompleteLoginRejectsExpiredChallenge(t *testing.T) {
	db, login, twoFactor, clock := setupLoginService(t)
	user := createTestUser(t, db, "heidi")
	setup := enrollTwoFactor(t, twoFactor, clock, user.ID)

	first, err := login.Login(context.Background(), "heidi", "password123", SessionMetadata{})
	require.NoError(t, err)

	clock.Advance(6 * time.Minute)

	code, err := totp.GenerateCodeCustom(setup.Secret, clock.Now(), totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)

	_, err = login.CompleteLogin(context.Background(), first.ChallengeRef, twofactor.ChallengeInput{TOTPCode: code}, SessionMetadata{})
	require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
}
