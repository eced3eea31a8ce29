package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	mapstructure "github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config represents the runtime configuration for the accountcore service.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Email      EmailConfig      `mapstructure:"email"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port      int    `mapstructure:"port"`
	LogLevel  string `mapstructure:"log_level"`
	PublicURL string `mapstructure:"public_url"`
}

// DatabaseConfig describes connection options for the supported databases.
type DatabaseConfig struct {
	Driver   string       `mapstructure:"driver"`
	Path     string       `mapstructure:"path"`
	DSN      string       `mapstructure:"dsn"`
	Postgres DBAuthConfig `mapstructure:"postgres"`
	MySQL    DBAuthConfig `mapstructure:"mysql"`
}

// DBAuthConfig represents host based database parameters.
type DBAuthConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// MonitoringConfig enables health checks and metrics.
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Health     HealthConfig     `mapstructure:"health_check"`
}

// PrometheusConfig toggles metrics endpoints.
type PrometheusConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// HealthConfig toggles health endpoints.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// AuthConfig captures all authentication-related settings.
type AuthConfig struct {
	JWT          JWTSettings           `mapstructure:"jwt"`
	Session      SessionSettings       `mapstructure:"session"`
	Local        LocalAuthSettings     `mapstructure:"local"`
	TwoFactor    TwoFactorSettings     `mapstructure:"two_factor"`
	Verification VerificationSettings  `mapstructure:"verification"`
	Encryption   EncryptionKeySettings `mapstructure:"encryption"`
	RateLimit    RateLimitSettings     `mapstructure:"rate_limit"`
}

// EmailConfig captures outbound email settings.
type EmailConfig struct {
	SMTP SMTPConfig `mapstructure:"smtp"`
}

// SMTPConfig defines SMTP dialer settings for sending email.
type SMTPConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	From     string        `mapstructure:"from"`
	UseTLS   bool          `mapstructure:"use_tls"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// JWTSettings configures JWT access and challenge tokens.
type JWTSettings struct {
	Secret       string        `mapstructure:"secret"`
	Issuer       string        `mapstructure:"issuer"`
	TTL          time.Duration `mapstructure:"access_token_ttl"`
	ChallengeTTL time.Duration `mapstructure:"challenge_ttl"`
}

// SessionSettings configures refresh tokens and session lifetimes.
type SessionSettings struct {
	RefreshTTL    time.Duration `mapstructure:"refresh_token_ttl"`
	MaxAge        time.Duration `mapstructure:"max_age"`
	RefreshLength int           `mapstructure:"refresh_token_length"`
}

// LocalAuthSettings defines lockout controls for password authentication.
type LocalAuthSettings struct {
	LockoutThreshold int           `mapstructure:"lockout_threshold"`
	LockoutDuration  time.Duration `mapstructure:"lockout_duration"`
}

// TwoFactorSettings makes the entropy of generated second-factor material
// explicit and tunable per deployment.
type TwoFactorSettings struct {
	Issuer               string `mapstructure:"issuer"`
	SecretSize           uint   `mapstructure:"secret_size"`
	BackupCodeCount      int    `mapstructure:"backup_code_count"`
	BackupCodeGroups     int    `mapstructure:"backup_code_groups"`
	BackupCodeGroupSize  int    `mapstructure:"backup_code_group_size"`
	RecoveryKeyBlocks    int    `mapstructure:"recovery_key_blocks"`
	RecoveryKeyBlockSize int    `mapstructure:"recovery_key_block_size"`
	QRCodeSize           int    `mapstructure:"qr_code_size"`
}

// VerificationSettings configures email verification tokens.
type VerificationSettings struct {
	TokenTTL    time.Duration `mapstructure:"token_ttl"`
	TokenLength int           `mapstructure:"token_length"`
}

// EncryptionKeySettings holds the at-rest encryption key for 2FA secrets.
type EncryptionKeySettings struct {
	Key string `mapstructure:"key"`
}

// RateLimitSettings tunes the HTTP rate limiter.
type RateLimitSettings struct {
	Global     int           `mapstructure:"global"`
	AuthBurst  int           `mapstructure:"auth_burst"`
	AuthWindow time.Duration `mapstructure:"auth_window"`
}

// LoadConfig initialises application configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("ACCOUNTCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.public_url", "http://localhost:8000")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/accountcore.sqlite")

	v.SetDefault("monitoring.prometheus.enabled", true)
	v.SetDefault("monitoring.prometheus.endpoint", "/metrics")
	v.SetDefault("monitoring.health_check.enabled", true)

	v.SetDefault("auth.jwt.issuer", "accountcore")
	v.SetDefault("auth.jwt.access_token_ttl", "15m")
	v.SetDefault("auth.jwt.challenge_ttl", "5m")
	v.SetDefault("auth.session.refresh_token_ttl", "720h") // 30 days
	v.SetDefault("auth.session.max_age", "2160h")          // 90 days
	v.SetDefault("auth.session.refresh_token_length", 48)
	v.SetDefault("auth.local.lockout_threshold", 5)
	v.SetDefault("auth.local.lockout_duration", "15m")

	v.SetDefault("auth.two_factor.issuer", "accountcore")
	v.SetDefault("auth.two_factor.secret_size", 20)
	v.SetDefault("auth.two_factor.backup_code_count", 10)
	v.SetDefault("auth.two_factor.backup_code_groups", 3)
	v.SetDefault("auth.two_factor.backup_code_group_size", 4)
	v.SetDefault("auth.two_factor.recovery_key_blocks", 5)
	v.SetDefault("auth.two_factor.recovery_key_block_size", 4)
	v.SetDefault("auth.two_factor.qr_code_size", 256)

	v.SetDefault("auth.verification.token_ttl", "24h")
	v.SetDefault("auth.verification.token_length", 32)

	v.SetDefault("auth.rate_limit.global", 100)
	v.SetDefault("auth.rate_limit.auth_burst", 10)
	v.SetDefault("auth.rate_limit.auth_window", "1m")

	v.SetDefault("email.smtp.enabled", false)
	v.SetDefault("email.smtp.host", "")
	v.SetDefault("email.smtp.port", 587)
	v.SetDefault("email.smtp.use_tls", true)
	v.SetDefault("email.smtp.timeout", "10s")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
