package twofactor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/skip2/go-qrcode"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/jmswain/accountcore/internal/models"
	"github.com/jmswain/accountcore/pkg/crypto"
	"github.com/jmswain/accountcore/pkg/metrics"
)

const (
	totpPeriod = 30
	totpSkew   = 1
)

var (
	// ErrVerificationFailed is the single failure surfaced by challenge and
	// confirmation paths. Callers never learn whether the account is enrolled
	// or which proof kind mismatched.
	ErrVerificationFailed = errors.New("twofactor: verification failed")
	// ErrAlreadyEnabled is returned by BeginSetup when the factor is active.
	ErrAlreadyEnabled = errors.New("twofactor: already enabled")
	// ErrNotEnabled is returned by Disable when there is nothing to disable.
	ErrNotEnabled = errors.New("twofactor: not enabled")
)

// Config tunes secret and code generation. Zero values fall back to the
// defaults below; deployments that want longer material set these explicitly.
type Config struct {
	Issuer string
	// EncryptionKey protects the TOTP secret and pending codes at rest.
	EncryptionKey []byte

	SecretSize           uint
	BackupCodeCount      int
	BackupCodeGroups     int
	BackupCodeGroupSize  int
	RecoveryKeyBlocks    int
	RecoveryKeyBlockSize int
	QRCodeSize           int

	Clock func() time.Time
}

// SetupResult is the material handed to the user exactly once at enrollment.
type SetupResult struct {
	Secret          string   `json:"secret"`
	ProvisioningURI string   `json:"provisioning_uri"`
	QRCodePNG       []byte   `json:"qr_code_png,omitempty"`
	BackupCodes     []string `json:"backup_codes"`
	RecoveryKey     string   `json:"recovery_key"`
}

// ChallengeInput carries exactly one proof. Supplying zero or more than one
// proof fails closed.
type ChallengeInput struct {
	TOTPCode    string
	BackupCode  string
	RecoveryKey string
}

// ChallengeOutcome reports a successful challenge. RotatedRecoveryKey is set
// only when the recovery-key path was used; the caller must surface it to the
// user because the old key is already invalid.
type ChallengeOutcome struct {
	RotatedRecoveryKey string
}

// DisableProof accepts either a current TOTP code or the account password.
type DisableProof struct {
	TOTPCode string
	Password string
}

// Service implements TOTP enrollment, challenge verification, backup codes,
// and the rotating recovery key.
type Service struct {
	db     *gorm.DB
	issuer string
	key    []byte

	secretSize       uint
	codeCount        int
	codeGroups       int
	codeGroupSize    int
	recoveryBlocks   int
	recoveryBlockLen int
	qrSize           int

	now func() time.Time
}

// NewService validates the configuration and returns a Service.
func NewService(db *gorm.DB, cfg Config) (*Service, error) {
	if db == nil {
		return nil, errors.New("twofactor: db is required")
	}
	if len(cfg.EncryptionKey) != 32 {
		return nil, errors.New("twofactor: encryption key must be 32 bytes")
	}

	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = "accountcore"
	}

	s := &Service{
		db:               db,
		issuer:           issuer,
		key:              cfg.EncryptionKey,
		secretSize:       cfg.SecretSize,
		codeCount:        cfg.BackupCodeCount,
		codeGroups:       cfg.BackupCodeGroups,
		codeGroupSize:    cfg.BackupCodeGroupSize,
		recoveryBlocks:   cfg.RecoveryKeyBlocks,
		recoveryBlockLen: cfg.RecoveryKeyBlockSize,
		qrSize:           cfg.QRCodeSize,
		now:              cfg.Clock,
	}
	if s.secretSize == 0 {
		s.secretSize = 20
	}
	if s.codeCount <= 0 {
		s.codeCount = 10
	}
	if s.codeGroups <= 0 {
		s.codeGroups = 3
	}
	if s.codeGroupSize <= 0 {
		s.codeGroupSize = 4
	}
	if s.recoveryBlocks <= 0 {
		s.recoveryBlocks = 5
	}
	if s.recoveryBlockLen <= 0 {
		s.recoveryBlockLen = 4
	}
	if s.qrSize <= 0 {
		s.qrSize = 256
	}
	if s.now == nil {
		s.now = time.Now
	}

	return s, nil
}

// BeginSetup generates fresh second-factor material for a user whose factor
// is not yet active. Re-running setup before confirmation replaces the
// pending material.
func (s *Service) BeginSetup(ctx context.Context, userID string) (*SetupResult, error) {
	user, err := s.findUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	existing, err := s.findSecret(ctx, userID)
	if err != nil {
		return nil, err
	}
	if existing.Confirmed() {
		return nil, ErrAlreadyEnabled
	}

	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      s.issuer,
		AccountName: user.Username,
		SecretSize:  s.secretSize,
		Period:      totpPeriod,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return nil, fmt.Errorf("twofactor: generate secret: %w", err)
	}

	encryptedSecret, err := crypto.Encrypt([]byte(key.Secret()), s.key)
	if err != nil {
		return nil, fmt.Errorf("twofactor: encrypt secret: %w", err)
	}

	codes, err := GenerateBackupCodes(s.codeCount, s.codeGroups, s.codeGroupSize)
	if err != nil {
		return nil, err
	}

	hashes := make([]string, 0, len(codes))
	for _, code := range codes {
		hash, hashErr := crypto.HashOneTimeCode(NormalizeCode(code))
		if hashErr != nil {
			return nil, fmt.Errorf("twofactor: hash backup code: %w", hashErr)
		}
		hashes = append(hashes, hash)
	}

	hashesJSON, err := json.Marshal(hashes)
	if err != nil {
		return nil, fmt.Errorf("twofactor: encode backup codes: %w", err)
	}

	codesJSON, err := json.Marshal(codes)
	if err != nil {
		return nil, fmt.Errorf("twofactor: encode pending codes: %w", err)
	}
	pendingCodes, err := crypto.Encrypt(codesJSON, s.key)
	if err != nil {
		return nil, fmt.Errorf("twofactor: encrypt pending codes: %w", err)
	}

	recoveryKey, err := GenerateRecoveryKey(s.recoveryBlocks, s.recoveryBlockLen)
	if err != nil {
		return nil, err
	}
	recoveryHash, err := crypto.HashOneTimeCode(NormalizeCode(recoveryKey))
	if err != nil {
		return nil, fmt.Errorf("twofactor: hash recovery key: %w", err)
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&models.TwoFactorSecret{}).Error; err != nil {
			return err
		}
		return tx.Create(&models.TwoFactorSecret{
			UserID:       userID,
			Secret:       encryptedSecret,
			BackupCodes:  datatypes.JSON(hashesJSON),
			PendingCodes: pendingCodes,
			RecoveryKey:  recoveryHash,
		}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("twofactor: persist setup: %w", err)
	}

	result := &SetupResult{
		Secret:          key.Secret(),
		ProvisioningURI: key.URL(),
		BackupCodes:     codes,
		RecoveryKey:     recoveryKey,
	}

	if png, qrErr := qrcode.Encode(key.URL(), qrcode.Medium, s.qrSize); qrErr == nil {
		result.QRCodePNG = png
	}

	return result, nil
}

// ConfirmSetup validates a code against the pending secret and activates the
// factor. The backup codes are returned one final time and the stored
// plaintext copy is cleared in the same transaction.
func (s *Service) ConfirmSetup(ctx context.Context, userID, code string) ([]string, error) {
	secret, err := s.findSecret(ctx, userID)
	if err != nil {
		return nil, err
	}
	if secret == nil || secret.Confirmed() {
		return nil, ErrVerificationFailed
	}

	if !s.validateTOTP(secret, code) {
		metrics.TwoFactorChallenges.WithLabelValues("totp", "failure").Inc()
		return nil, ErrVerificationFailed
	}

	var codes []string
	if secret.PendingCodes != "" {
		raw, decErr := crypto.Decrypt(secret.PendingCodes, s.key)
		if decErr == nil {
			_ = json.Unmarshal(raw, &codes)
		}
	}

	now := s.now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.TwoFactorSecret{}).
			Where("id = ? AND confirmed_at IS NULL", secret.ID).
			Updates(map[string]any{
				"confirmed_at":  now,
				"pending_codes": "",
			}).Error; err != nil {
			return err
		}
		return tx.Model(&models.User{}).
			Where("id = ?", userID).
			Update("two_factor_enabled", true).Error
	})
	if err != nil {
		return nil, fmt.Errorf("twofactor: confirm setup: %w", err)
	}

	metrics.TwoFactorChallenges.WithLabelValues("totp", "success").Inc()
	return codes, nil
}

// Disable removes all second-factor material. The proof is either a current
// TOTP code or the account password.
func (s *Service) Disable(ctx context.Context, userID string, proof DisableProof) error {
	user, err := s.findUser(ctx, userID)
	if err != nil {
		return err
	}

	secret, err := s.findSecret(ctx, userID)
	if err != nil {
		return err
	}
	if secret == nil {
		return ErrNotEnabled
	}

	switch {
	case strings.TrimSpace(proof.TOTPCode) != "" && strings.TrimSpace(proof.Password) == "":
		if !s.validateTOTP(secret, proof.TOTPCode) {
			return ErrVerificationFailed
		}
	case strings.TrimSpace(proof.Password) != "" && strings.TrimSpace(proof.TOTPCode) == "":
		if !crypto.VerifyPassword(user.Password, proof.Password) {
			return ErrVerificationFailed
		}
	default:
		return ErrVerificationFailed
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&models.TwoFactorSecret{}).Error; err != nil {
			return err
		}
		return tx.Model(&models.User{}).
			Where("id = ?", userID).
			Update("two_factor_enabled", false).Error
	})
	if err != nil {
		return fmt.Errorf("twofactor: disable: %w", err)
	}

	return nil
}

// Challenge evaluates exactly one proof against the active factor. Every
// failure, including "no factor enrolled" and "more than one proof supplied",
// collapses to ErrVerificationFailed.
func (s *Service) Challenge(ctx context.Context, userID string, input ChallengeInput) (*ChallengeOutcome, error) {
	kind, value, ok := input.single()
	if !ok {
		return nil, ErrVerificationFailed
	}

	secret, err := s.findSecret(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !secret.Confirmed() {
		metrics.TwoFactorChallenges.WithLabelValues(kind, "failure").Inc()
		return nil, ErrVerificationFailed
	}

	var outcome *ChallengeOutcome
	switch kind {
	case "totp":
		outcome, err = s.challengeTOTP(ctx, secret, value)
	case "backup_code":
		outcome, err = s.challengeBackupCode(ctx, secret, value)
	case "recovery_key":
		outcome, err = s.challengeRecoveryKey(ctx, secret, value)
	}

	result := "success"
	if err != nil {
		result = "failure"
	}
	metrics.TwoFactorChallenges.WithLabelValues(kind, result).Inc()

	return outcome, err
}

// Enabled reports whether the user has a confirmed second factor.
func (s *Service) Enabled(ctx context.Context, userID string) (bool, error) {
	secret, err := s.findSecret(ctx, userID)
	if err != nil {
		return false, err
	}
	return secret.Confirmed(), nil
}

func (s *Service) challengeTOTP(ctx context.Context, secret *models.TwoFactorSecret, code string) (*ChallengeOutcome, error) {
	if !s.validateTOTP(secret, code) {
		return nil, ErrVerificationFailed
	}

	now := s.now()
	_ = s.db.WithContext(ctx).Model(secret).Update("last_used_at", now).Error

	return &ChallengeOutcome{}, nil
}

func (s *Service) challengeBackupCode(ctx context.Context, secret *models.TwoFactorSecret, code string) (*ChallengeOutcome, error) {
	normalized := NormalizeCode(code)
	if normalized == "" {
		return nil, ErrVerificationFailed
	}

	var hashes []string
	if err := json.Unmarshal(secret.BackupCodes, &hashes); err != nil {
		return nil, ErrVerificationFailed
	}

	matched := -1
	for i, hash := range hashes {
		if crypto.VerifyOneTimeCode(hash, normalized) {
			matched = i
			break
		}
	}
	if matched < 0 {
		return nil, ErrVerificationFailed
	}

	remaining := make([]string, 0, len(hashes)-1)
	remaining = append(remaining, hashes[:matched]...)
	remaining = append(remaining, hashes[matched+1:]...)
	remainingJSON, err := json.Marshal(remaining)
	if err != nil {
		return nil, fmt.Errorf("twofactor: encode backup codes: %w", err)
	}

	// Conditional update on the prior set: two concurrent attempts with the
	// same code race here, and only one row update wins.
	result := s.db.WithContext(ctx).Model(&models.TwoFactorSecret{}).
		Where("id = ? AND backup_codes = ?", secret.ID, string(secret.BackupCodes)).
		Updates(map[string]any{
			"backup_codes": datatypes.JSON(remainingJSON),
			"last_used_at": s.now(),
		})
	if result.Error != nil {
		return nil, fmt.Errorf("twofactor: consume backup code: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, ErrVerificationFailed
	}

	return &ChallengeOutcome{}, nil
}

func (s *Service) challengeRecoveryKey(ctx context.Context, secret *models.TwoFactorSecret, key string) (*ChallengeOutcome, error) {
	normalized := NormalizeCode(key)
	if normalized == "" || secret.RecoveryKey == "" {
		return nil, ErrVerificationFailed
	}

	if !crypto.VerifyOneTimeCode(secret.RecoveryKey, normalized) {
		return nil, ErrVerificationFailed
	}

	rotated, err := GenerateRecoveryKey(s.recoveryBlocks, s.recoveryBlockLen)
	if err != nil {
		return nil, err
	}
	rotatedHash, err := crypto.HashOneTimeCode(NormalizeCode(rotated))
	if err != nil {
		return nil, fmt.Errorf("twofactor: hash recovery key: %w", err)
	}

	// Rotation is conditioned on the previous digest so a concurrent use of
	// the same key cannot both succeed.
	result := s.db.WithContext(ctx).Model(&models.TwoFactorSecret{}).
		Where("id = ? AND recovery_key = ?", secret.ID, secret.RecoveryKey).
		Updates(map[string]any{
			"recovery_key": rotatedHash,
			"last_used_at": s.now(),
		})
	if result.Error != nil {
		return nil, fmt.Errorf("twofactor: rotate recovery key: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, ErrVerificationFailed
	}

	return &ChallengeOutcome{RotatedRecoveryKey: rotated}, nil
}

func (s *Service) validateTOTP(secret *models.TwoFactorSecret, code string) bool {
	code = strings.TrimSpace(code)
	if code == "" {
		return false
	}

	plain, err := crypto.Decrypt(secret.Secret, s.key)
	if err != nil {
		return false
	}

	valid, err := totp.ValidateCustom(code, string(plain), s.now(), totp.ValidateOpts{
		Period:    totpPeriod,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && valid
}

func (s *Service) findUser(ctx context.Context, userID string) (*models.User, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrVerificationFailed
	}

	var user models.User
	err := s.db.WithContext(ctx).Take(&user, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrVerificationFailed
	}
	if err != nil {
		return nil, fmt.Errorf("twofactor: find user: %w", err)
	}
	return &user, nil
}

// findSecret returns nil without error when no row exists.
func (s *Service) findSecret(ctx context.Context, userID string) (*models.TwoFactorSecret, error) {
	var secret models.TwoFactorSecret
	err := s.db.WithContext(ctx).Take(&secret, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("twofactor: find secret: %w", err)
	}
	return &secret, nil
}

func (in ChallengeInput) single() (kind, value string, ok bool) {
	set := 0
	if v := strings.TrimSpace(in.TOTPCode); v != "" {
		kind, value = "totp", v
		set++
	}
	if v := strings.TrimSpace(in.BackupCode); v != "" {
		kind, value = "backup_code", v
		set++
	}
	if v := strings.TrimSpace(in.RecoveryKey); v != "" {
		kind, value = "recovery_key", v
		set++
	}
	return kind, value, set == 1
}
