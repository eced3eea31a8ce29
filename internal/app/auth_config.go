package app

import (
	"time"

	"github.com/jmswain/accountcore/internal/auth"
	"github.com/jmswain/accountcore/internal/auth/twofactor"
	"github.com/jmswain/accountcore/internal/services"
)

const (
	defaultLockoutThreshold = 5
	defaultLockoutDuration  = 15 * time.Minute
)

// JWTServiceConfig converts AuthConfig into the parameters expected by the JWT service.
func (c AuthConfig) JWTServiceConfig() auth.JWTConfig {
	ttl := c.JWT.TTL
	if ttl <= 0 {
		ttl = auth.DefaultAccessTokenTTL
	}

	challengeTTL := c.JWT.ChallengeTTL
	if challengeTTL <= 0 {
		challengeTTL = auth.DefaultChallengeTTL
	}

	return auth.JWTConfig{
		Secret:         c.JWT.Secret,
		Issuer:         c.JWT.Issuer,
		AccessTokenTTL: ttl,
		ChallengeTTL:   challengeTTL,
	}
}

// SessionServiceConfig converts AuthConfig into SessionService parameters.
func (c AuthConfig) SessionServiceConfig() auth.SessionConfig {
	ttl := c.Session.RefreshTTL
	if ttl <= 0 {
		ttl = auth.DefaultRefreshTokenTTL
	}

	maxAge := c.Session.MaxAge
	if maxAge <= 0 {
		maxAge = auth.DefaultSessionMaxAge
	}

	length := c.Session.RefreshLength
	if length <= 0 {
		length = 48
	}

	return auth.SessionConfig{
		RefreshTokenTTL: ttl,
		MaxAge:          maxAge,
		RefreshLength:   length,
	}
}

// LoginServiceConfig converts AuthConfig into LoginService parameters.
func (c AuthConfig) LoginServiceConfig() auth.LoginConfig {
	duration := c.Local.LockoutDuration
	if duration <= 0 {
		duration = defaultLockoutDuration
	}

	threshold := c.Local.LockoutThreshold
	if threshold <= 0 {
		threshold = defaultLockoutThreshold
	}

	return auth.LoginConfig{
		Lockout: auth.LockoutConfig{
			MaxAttempts: threshold,
			Duration:    duration,
		},
	}
}

// TwoFactorServiceConfig converts AuthConfig into two-factor parameters.
func (c AuthConfig) TwoFactorServiceConfig(encryptionKey []byte) twofactor.Config {
	return twofactor.Config{
		Issuer:               c.TwoFactor.Issuer,
		EncryptionKey:        encryptionKey,
		SecretSize:           c.TwoFactor.SecretSize,
		BackupCodeCount:      c.TwoFactor.BackupCodeCount,
		BackupCodeGroups:     c.TwoFactor.BackupCodeGroups,
		BackupCodeGroupSize:  c.TwoFactor.BackupCodeGroupSize,
		RecoveryKeyBlocks:    c.TwoFactor.RecoveryKeyBlocks,
		RecoveryKeyBlockSize: c.TwoFactor.RecoveryKeyBlockSize,
		QRCodeSize:           c.TwoFactor.QRCodeSize,
	}
}

// VerificationServiceConfig converts AuthConfig into verification parameters.
func (c AuthConfig) VerificationServiceConfig(verifyURL string) services.VerificationConfig {
	return services.VerificationConfig{
		TokenTTL:    c.Verification.TokenTTL,
		TokenLength: c.Verification.TokenLength,
		VerifyURL:   verifyURL,
	}
}
