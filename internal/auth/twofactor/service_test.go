package twofactor

import (
	"context"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/jmswain/accountcore/internal/database/testutil"
	"github.com/jmswain/accountcore/internal/models"
	"github.com/jmswain/accountcore/pkg/crypto"
)

type testClock struct {
	current time.Time
}

func (c *testClock) Now() time.Time {
	return c.current
}

func (c *testClock) Advance(d time.Duration) {
	c.current = c.current.Add(d)
}

func setupService(t *testing.T) (*gorm.DB, *Service, *testClock) {
	t.Helper()

	db := testutil.MustOpenTestDB(t)
	clock := &testClock{current: time.Date(2024, 3, 10, 10, 0, 0, 0, time.UTC)}

	key := make([]byte, 32)
	copy(key, "integration-test-encryption-key!")

	svc, err := NewService(db, Config{
		Issuer:        "accountcore-test",
		EncryptionKey: key,
		Clock:         clock.Now,
	})
	require.NoError(t, err)

	return db, svc, clock
}

func createUser(t *testing.T, db *gorm.DB, username string) *models.User {
	t.Helper()

	hashed, err := crypto.HashPassword("password123")
	require.NoError(t, err)

	user := &models.User{
		Username: username,
		Password: hashed,
		IsActive: true,
	}
	require.NoError(t, db.Create(user).Error)
	return user
}

func codeAt(t *testing.T, secret string, at time.Time) string {
	t.Helper()

	code, err := totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period:    30,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	require.NoError(t, err)
	return code
}

func TestBeginSetupGeneratesMaterial(t *testing.T) {
	db, svc, _ := setupService(t)
	user := createUser(t, db, "setup-user")

	result, err := svc.BeginSetup(context.Background(), user.ID)
	require.NoError(t, err)
	require.NotEmpty(t, result.Secret)
	require.NotEmpty(t, result.ProvisioningURI)
	require.Len(t, result.BackupCodes, 10)
	require.NotEmpty(t, result.RecoveryKey)
	require.NotEmpty(t, result.QRCodePNG)

	// Enrollment is pending, not active.
	var reloaded models.User
	require.NoError(t, db.Take(&reloaded, "id = ?", user.ID).Error)
	require.False(t, reloaded.TwoFactorEnabled)

	var secret models.TwoFactorSecret
	require.NoError(t, db.Take(&secret, "user_id = ?", user.ID).Error)
	require.Nil(t, secret.ConfirmedAt)
	require.NotEqual(t, result.Secret, secret.Secret)
	require.NotContains(t, string(secret.BackupCodes), result.BackupCodes[0])
}

func TestBeginSetupReplacesPendingMaterial(t *testing.T) {
	db, svc, _ := setupService(t)
	user := createUser(t, db, "setup-again")

	first, err := svc.BeginSetup(context.Background(), user.ID)
	require.NoError(t, err)
	second, err := svc.BeginSetup(context.Background(), user.ID)
	require.NoError(t, err)
	require.NotEqual(t, first.Secret, second.Secret)

	var count int64
	require.NoError(t, db.Model(&models.TwoFactorSecret{}).Where("user_id = ?", user.ID).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestConfirmSetupToleratesOneStepSkew(t *testing.T) {
	db, svc, clock := setupService(t)
	user := createUser(t, db, "skew-user")

	result, err := svc.BeginSetup(context.Background(), user.ID)
	require.NoError(t, err)

	// A code from the previous time step still verifies.
	codes, err := svc.ConfirmSetup(context.Background(), user.ID, codeAt(t, result.Secret, clock.Now().Add(-31*time.Second)))
	require.NoError(t, err)
	require.Equal(t, result.BackupCodes, codes)

	var reloaded models.User
	require.NoError(t, db.Take(&reloaded, "id = ?", user.ID).Error)
	require.True(t, reloaded.TwoFactorEnabled)
}

func TestConfirmSetupRejectsTwoStepsAway(t *testing.T) {
	db, svc, clock := setupService(t)
	user := createUser(t, db, "far-skew-user")

	result, err := svc.BeginSetup(context.Background(), user.ID)
	require.NoError(t, err)

	stale := codeAt(t, result.Secret, clock.Now().Add(-65*time.Second))
	_, err = svc.ConfirmSetup(context.Background(), user.ID, stale)
	require.ErrorIs(t, err, ErrVerificationFailed)

	// Nothing changed on failure.
	var reloaded models.User
	require.NoError(t, db.Take(&reloaded, "id = ?", user.ID).Error)
	require.False(t, reloaded.TwoFactorEnabled)

	var secret models.TwoFactorSecret
	require.NoError(t, db.Take(&secret, "user_id = ?", user.ID).Error)
	require.Nil(t, secret.ConfirmedAt)
}

func TestBeginSetupRejectedWhenEnabled(t *testing.T) {
	db, svc, clock := setupService(t)
	user := createUser(t, db, "enabled-user")

	result, err := svc.BeginSetup(context.Background(), user.ID)
	require.NoError(t, err)
	_, err = svc.ConfirmSetup(context.Background(), user.ID, codeAt(t, result.Secret, clock.Now()))
	require.NoError(t, err)

	_, err = svc.BeginSetup(context.Background(), user.ID)
	require.ErrorIs(t, err, ErrAlreadyEnabled)
}

func TestChallengeTOTP(t *testing.T) {
	db, svc, clock := setupService(t)
	user := createUser(t, db, "challenge-totp")

	result, err := svc.BeginSetup(context.Background(), user.ID)
	require.NoError(t, err)
	_, err = svc.ConfirmSetup(context.Background(), user.ID, codeAt(t, result.Secret, clock.Now()))
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)

	_, err = svc.Challenge(context.Background(), user.ID, ChallengeInput{TOTPCode: codeAt(t, result.Secret, clock.Now())})
	require.NoError(t, err)

	_, err = svc.Challenge(context.Background(), user.ID, ChallengeInput{TOTPCode: "000000"})
	require.ErrorIs(t, err, ErrVerificationFailed)
}

func TestChallengeBackupCodeSingleUse(t *testing.T) {
	db, svc, clock := setupService(t)
	user := createUser(t, db, "challenge-backup")

	result, err := svc.BeginSetup(context.Background(), user.ID)
	require.NoError(t, err)
	_, err = svc.ConfirmSetup(context.Background(), user.ID, codeAt(t, result.Secret, clock.Now()))
	require.NoError(t, err)

	used := result.BackupCodes[2]

	// Lowercase with separators stripped still matches.
	_, err = svc.Challenge(context.Background(), user.ID, ChallengeInput{BackupCode: NormalizeCode(used)})
	require.NoError(t, err)

	// The consumed code is permanently unusable.
	_, err = svc.Challenge(context.Background(), user.ID, ChallengeInput{BackupCode: used})
	require.ErrorIs(t, err, ErrVerificationFailed)

	// The other nine remain usable.
	_, err = svc.Challenge(context.Background(), user.ID, ChallengeInput{BackupCode: result.BackupCodes[0]})
	require.NoError(t, err)

	var secret models.TwoFactorSecret
	require.NoError(t, db.Take(&secret, "user_id = ?", user.ID).Error)
	require.Contains(t, string(secret.BackupCodes), "$2a$")
}

func TestChallengeRecoveryKeyRotatesOnUse(t *testing.T) {
	db, svc, clock := setupService(t)
	user := createUser(t, db, "challenge-recovery")

	result, err := svc.BeginSetup(context.Background(), user.ID)
	require.NoError(t, err)
	_, err = svc.ConfirmSetup(context.Background(), user.ID, codeAt(t, result.Secret, clock.Now()))
	require.NoError(t, err)

	outcome, err := svc.Challenge(context.Background(), user.ID, ChallengeInput{RecoveryKey: result.RecoveryKey})
	require.NoError(t, err)
	require.NotEmpty(t, outcome.RotatedRecoveryKey)
	require.NotEqual(t, result.RecoveryKey, outcome.RotatedRecoveryKey)

	// The spent key fails on a second attempt.
	_, err = svc.Challenge(context.Background(), user.ID, ChallengeInput{RecoveryKey: result.RecoveryKey})
	require.ErrorIs(t, err, ErrVerificationFailed)

	// The freshly rotated key succeeds and rotates again.
	next, err := svc.Challenge(context.Background(), user.ID, ChallengeInput{RecoveryKey: outcome.RotatedRecoveryKey})
	require.NoError(t, err)
	require.NotEqual(t, outcome.RotatedRecoveryKey, next.RotatedRecoveryKey)
}

func TestChallengeRequiresExactlyOneProof(t *testing.T) {
	db, svc, clock := setupService(t)
	user := createUser(t, db, "proof-shape")

	result, err := svc.BeginSetup(context.Background(), user.ID)
	require.NoError(t, err)
	code := codeAt(t, result.Secret, clock.Now())
	_, err = svc.ConfirmSetup(context.Background(), user.ID, code)
	require.NoError(t, err)

	_, err = svc.Challenge(context.Background(), user.ID, ChallengeInput{})
	require.ErrorIs(t, err, ErrVerificationFailed)

	_, err = svc.Challenge(context.Background(), user.ID, ChallengeInput{
		TOTPCode:   code,
		BackupCode: result.BackupCodes[0],
	})
	require.ErrorIs(t, err, ErrVerificationFailed)
}

func TestChallengeUnenrolledFailsGenerically(t *testing.T) {
	db, svc, _ := setupService(t)
	user := createUser(t, db, "no-factor")

	_, err := svc.Challenge(context.Background(), user.ID, ChallengeInput{TOTPCode: "123456"})
	require.ErrorIs(t, err, ErrVerificationFailed)

	_, err = svc.Challenge(context.Background(), "missing-user", ChallengeInput{TOTPCode: "123456"})
	require.ErrorIs(t, err, ErrVerificationFailed)
}

func TestDisableClearsMaterialAtomically(t *testing.T) {
	db, svc, clock := setupService(t)
	user := createUser(t, db, "disable-user")

	result, err := svc.BeginSetup(context.Background(), user.ID)
	require.NoError(t, err)
	_, err = svc.ConfirmSetup(context.Background(), user.ID, codeAt(t, result.Secret, clock.Now()))
	require.NoError(t, err)

	// Wrong proof leaves everything intact.
	err = svc.Disable(context.Background(), user.ID, DisableProof{Password: "wrong"})
	require.ErrorIs(t, err, ErrVerificationFailed)

	err = svc.Disable(context.Background(), user.ID, DisableProof{Password: "password123"})
	require.NoError(t, err)

	var reloaded models.User
	require.NoError(t, db.Take(&reloaded, "id = ?", user.ID).Error)
	require.False(t, reloaded.TwoFactorEnabled)

	var count int64
	require.NoError(t, db.Model(&models.TwoFactorSecret{}).Where("user_id = ?", user.ID).Count(&count).Error)
	require.Zero(t, count)

	err = svc.Disable(context.Background(), user.ID, DisableProof{Password: "password123"})
	require.ErrorIs(t, err, ErrNotEnabled)
}

func TestDisableWithTOTPProof(t *testing.T) {
	db, svc, clock := setupService(t)
	user := createUser(t, db, "disable-totp")

	result, err := svc.BeginSetup(context.Background(), user.ID)
	require.NoError(t, err)
	_, err = svc.ConfirmSetup(context.Background(), user.ID, codeAt(t, result.Secret, clock.Now()))
	require.NoError(t, err)

	err = svc.Disable(context.Background(), user.ID, DisableProof{TOTPCode: codeAt(t, result.Secret, clock.Now())})
	require.NoError(t, err)

	enabled, err := svc.Enabled(context.Background(), user.ID)
	require.NoError(t, err)
	require.False(t, enabled)
}
