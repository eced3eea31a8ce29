package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/gin-gonic/gin"

	"github.com/jmswain/accountcore/internal/api"
	"github.com/jmswain/accountcore/internal/app"
	"github.com/jmswain/accountcore/internal/app/maintenance"
	iauth "github.com/jmswain/accountcore/internal/auth"
	"github.com/jmswain/accountcore/internal/auth/twofactor"
	"github.com/jmswain/accountcore/internal/cache"
	"github.com/jmswain/accountcore/internal/database"
	"github.com/jmswain/accountcore/internal/middleware"
	"github.com/jmswain/accountcore/internal/services"
	"github.com/jmswain/accountcore/pkg/logger"
	"github.com/jmswain/accountcore/pkg/mail"
)

// runtimeStack bundles long-lived services used by the HTTP server.
type runtimeStack struct {
	DB      *gorm.DB
	Cleaner *maintenance.Cleaner
	Router  *gin.Engine
}

// bootstrapRuntime initialises the database, services, and the HTTP router.
func bootstrapRuntime(ctx context.Context, cfg *app.Config, log *zap.Logger) (*runtimeStack, error) {
	stack := &runtimeStack{}
	var err error
	success := false

	defer func() {
		if !success {
			stack.Shutdown(context.Background(), log)
		}
	}()

	if debug, _ := os.LookupEnv("GIN_DEBUG"); debug != "true" {
		gin.SetMode(gin.ReleaseMode)
	}

	stack.DB, err = initialiseDatabase(cfg)
	if err != nil {
		return nil, err
	}

	dbStore := cache.NewDatabaseStore(stack.DB)

	jwtSvc, err := iauth.NewJWTService(cfg.Auth.JWTServiceConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise jwt service: %w", err)
	}

	sessionCfg := cfg.Auth.SessionServiceConfig()
	sessionCfg.Cache = iauth.NewStoreSessionCache(dbStore)

	sessionSvc, err := iauth.NewSessionService(stack.DB, jwtSvc, sessionCfg)
	if err != nil {
		return nil, fmt.Errorf("initialise session service: %w", err)
	}

	encryptionKey, err := cfg.EncryptionKey()
	if err != nil {
		return nil, err
	}

	twoFactorSvc, err := twofactor.NewService(stack.DB, cfg.Auth.TwoFactorServiceConfig(encryptionKey))
	if err != nil {
		return nil, fmt.Errorf("initialise two-factor service: %w", err)
	}

	loginSvc, err := iauth.NewLoginService(stack.DB, sessionSvc, jwtSvc, twoFactorSvc, cfg.Auth.LoginServiceConfig())
	if err != nil {
		return nil, fmt.Errorf("initialise login service: %w", err)
	}

	userSvc, err := services.NewUserService(stack.DB)
	if err != nil {
		return nil, fmt.Errorf("initialise user service: %w", err)
	}

	var mailer mail.Mailer
	if cfg.Email.SMTP.Enabled {
		mailer, err = mail.NewSMTPMailer(cfg.Email.SMTPSettings())
		if err != nil {
			return nil, fmt.Errorf("initialise mailer: %w", err)
		}
	}

	verifyURL := strings.TrimRight(cfg.Server.PublicURL, "/") + "/api/auth/verify-email"
	verificationSvc, err := services.NewVerificationService(stack.DB, mailer, cfg.Auth.VerificationServiceConfig(verifyURL))
	if err != nil {
		return nil, fmt.Errorf("initialise verification service: %w", err)
	}

	stack.Cleaner = maintenance.NewCleaner(sessionSvc, verificationSvc)
	if err := stack.Cleaner.Start(); err != nil {
		return nil, fmt.Errorf("start maintenance jobs: %w", err)
	}

	rateStore := middleware.NewStoreRateStore(dbStore)

	limits := api.DefaultRateLimits()
	if cfg.Auth.RateLimit.Global > 0 {
		limits.Global = cfg.Auth.RateLimit.Global
	}
	if cfg.Auth.RateLimit.AuthBurst > 0 {
		limits.AuthBurst = cfg.Auth.RateLimit.AuthBurst
	}
	if cfg.Auth.RateLimit.AuthWindow > 0 {
		limits.AuthWindow = cfg.Auth.RateLimit.AuthWindow
	}

	stack.Router, err = api.NewRouter(api.Services{
		DB:           stack.DB,
		JWT:          jwtSvc,
		Sessions:     sessionSvc,
		Login:        loginSvc,
		TwoFactor:    twoFactorSvc,
		Users:        userSvc,
		Verification: verificationSvc,
		RateStore:    rateStore,
	}, limits)
	if err != nil {
		return nil, fmt.Errorf("build api router: %w", err)
	}

	success = true
	return stack, nil
}

// Shutdown gracefully stops background jobs and releases resources.
func (s *runtimeStack) Shutdown(ctx context.Context, log *zap.Logger) {
	if s == nil {
		return
	}

	if s.Cleaner != nil {
		if err := s.Cleaner.Stop(ctx); err != nil {
			log.Warn("maintenance shutdown", zap.Error(err))
		}
		if err := s.Cleaner.RunOnce(ctx); err != nil {
			log.Warn("maintenance shutdown cleanup failed", zap.Error(err))
		}
	}

	if s.DB != nil {
		closeDatabase(s.DB, log)
	}
}

func initialiseDatabase(cfg *app.Config) (*gorm.DB, error) {
	dbCfg := convertDatabaseConfig(cfg)
	db, err := database.Open(dbCfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := database.Migrate(db); err != nil {
		return nil, fmt.Errorf("auto-migrate database: %w", err)
	}

	log := logger.WithModule("database")
	log.Info("database connected", zap.String("driver", strings.ToLower(strings.TrimSpace(dbCfg.Driver))))

	return db, nil
}

func convertDatabaseConfig(cfg *app.Config) database.Config {
	dbCfg := database.Config{
		Driver: strings.ToLower(strings.TrimSpace(cfg.Database.Driver)),
		Path:   strings.TrimSpace(cfg.Database.Path),
		DSN:    strings.TrimSpace(cfg.Database.DSN),
	}

	switch dbCfg.Driver {
	case "", "sqlite":
		dbCfg.Driver = "sqlite"
	case "postgres", "postgresql":
		dbCfg.Driver = "postgres"
		dbCfg.Host = strings.TrimSpace(cfg.Database.Postgres.Host)
		dbCfg.Port = cfg.Database.Postgres.Port
		dbCfg.Name = strings.TrimSpace(cfg.Database.Postgres.Database)
		dbCfg.User = strings.TrimSpace(cfg.Database.Postgres.Username)
		dbCfg.Password = strings.TrimSpace(cfg.Database.Postgres.Password)
	case "mysql":
		dbCfg.Host = strings.TrimSpace(cfg.Database.MySQL.Host)
		dbCfg.Port = cfg.Database.MySQL.Port
		dbCfg.Name = strings.TrimSpace(cfg.Database.MySQL.Database)
		dbCfg.User = strings.TrimSpace(cfg.Database.MySQL.Username)
		dbCfg.Password = strings.TrimSpace(cfg.Database.MySQL.Password)
	default:
		// Leave driver as-is to surface unsupported driver error during open.
	}

	return dbCfg
}

func closeDatabase(db *gorm.DB, log *zap.Logger) {
	if db == nil {
		return
	}

	sqlDB, err := db.DB()
	if err != nil {
		log.Warn("failed to obtain underlying sql DB for closing", zap.Error(err))
		return
	}

	if err := sqlDB.Close(); err != nil {
		log.Warn("failed to close database", zap.Error(err))
	}
}
