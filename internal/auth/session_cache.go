package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jmswain/accountcore/internal/cache"
	"github.com/jmswain/accountcore/internal/models"
)

const sessionCachePrefix = "session:refresh:"

// StoreSessionCache keeps hot session rows in a cache.Store so refresh
// lookups avoid a database round trip.
type StoreSessionCache struct {
	store cache.Store
}

// NewStoreSessionCache wraps a cache.Store as a SessionCache.
func NewStoreSessionCache(store cache.Store) *StoreSessionCache {
	return &StoreSessionCache{store: store}
}

func (c *StoreSessionCache) key(refreshToken string) string {
	return sessionCachePrefix + refreshToken
}

func (c *StoreSessionCache) Get(ctx context.Context, refreshToken string) (*models.Session, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil, errSessionCacheMiss
	}

	raw, ok, err := c.store.Get(ctx, c.key(refreshToken))
	if err != nil {
		return nil, fmt.Errorf("session cache: get: %w", err)
	}
	if !ok {
		return nil, errSessionCacheMiss
	}

	var session models.Session
	if err := json.Unmarshal(raw, &session); err != nil {
		_ = c.store.Delete(ctx, c.key(refreshToken))
		return nil, errSessionCacheMiss
	}

	return &session, nil
}

func (c *StoreSessionCache) Set(ctx context.Context, session *models.Session, ttl time.Duration) error {
	if session == nil || strings.TrimSpace(session.RefreshToken) == "" {
		return nil
	}
	if ttl <= 0 {
		return nil
	}

	raw, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("session cache: marshal: %w", err)
	}

	if err := c.store.Set(ctx, c.key(session.RefreshToken), raw, ttl); err != nil {
		return fmt.Errorf("session cache: set: %w", err)
	}

	return nil
}

func (c *StoreSessionCache) Delete(ctx context.Context, refreshToken string) error {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil
	}

	if err := c.store.Delete(ctx, c.key(refreshToken)); err != nil {
		return fmt.Errorf("session cache: delete: %w", err)
	}

	return nil
}
