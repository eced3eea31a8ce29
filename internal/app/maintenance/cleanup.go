package maintenance

import (
	"context"

	"github.com/robfig/cron/v3"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	iauth "github.com/jmswain/accountcore/internal/auth"
	"github.com/jmswain/accountcore/internal/services"
	"github.com/jmswain/accountcore/pkg/logger"
)

const (
	defaultSessionSpec = "@hourly"
	defaultTokenSpec   = "@daily"
)

// Cleaner coordinates background maintenance: purging expired sessions and
// removing spent verification tokens. The request path never depends on it
// running; expiry is re-checked on every read.
type Cleaner struct {
	sessions     *iauth.SessionService
	verification *services.VerificationService
	cron         *cron.Cron
	log          *zap.Logger

	sessionSchedule string
	tokenSchedule   string
}

// Option customises the Cleaner.
type Option func(*Cleaner)

// WithCron injects a preconfigured cron instance, primarily for testing.
func WithCron(c *cron.Cron) Option {
	return func(cleaner *Cleaner) {
		if c != nil {
			cleaner.cron = c
		}
	}
}

// WithSessionSchedule overrides the cron specification for session cleanup.
func WithSessionSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.sessionSchedule = spec
		}
	}
}

// WithTokenSchedule overrides the cron specification for token cleanup.
func WithTokenSchedule(spec string) Option {
	return func(cleaner *Cleaner) {
		if spec != "" {
			cleaner.tokenSchedule = spec
		}
	}
}

// NewCleaner constructs a Cleaner with sensible defaults. Any nil dependency
// results in the corresponding cleanup job being skipped.
func NewCleaner(sessions *iauth.SessionService, verification *services.VerificationService, opts ...Option) *Cleaner {
	cleaner := &Cleaner{
		sessions:        sessions,
		verification:    verification,
		sessionSchedule: defaultSessionSpec,
		tokenSchedule:   defaultTokenSpec,
		log:             logger.WithModule("maintenance"),
	}

	for _, opt := range opts {
		opt(cleaner)
	}

	if cleaner.cron == nil {
		cleaner.cron = cron.New()
	}

	return cleaner
}

// Start registers the cleanup jobs and begins the scheduler.
func (c *Cleaner) Start() error {
	if c.sessions != nil {
		if _, err := c.cron.AddFunc(c.sessionSchedule, func() {
			if _, err := c.sessions.CleanupExpired(context.Background()); err != nil {
				c.log.Warn("session cleanup failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	if c.verification != nil {
		if _, err := c.cron.AddFunc(c.tokenSchedule, func() {
			if _, err := c.verification.CleanupExpired(context.Background()); err != nil {
				c.log.Warn("token cleanup failed", zap.Error(err))
			}
		}); err != nil {
			return err
		}
	}

	c.cron.Start()
	return nil
}

// Stop halts the scheduler and waits for in-flight jobs to finish.
func (c *Cleaner) Stop(ctx context.Context) error {
	stopCtx := c.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce executes every cleanup job immediately, aggregating failures.
func (c *Cleaner) RunOnce(ctx context.Context) error {
	var errs error

	if c.sessions != nil {
		if removed, err := c.sessions.CleanupExpired(ctx); err != nil {
			errs = multierr.Append(errs, err)
		} else if removed > 0 {
			c.log.Info("removed expired sessions", zap.Int64("count", removed))
		}
	}

	if c.verification != nil {
		if removed, err := c.verification.CleanupExpired(ctx); err != nil {
			errs = multierr.Append(errs, err)
		} else if removed > 0 {
			c.log.Info("removed spent verification tokens", zap.Int64("count", removed))
		}
	}

	return errs
}
