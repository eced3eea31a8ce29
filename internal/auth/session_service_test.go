package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/jmswain/accountcore/internal/database/testutil"
	"github.com/jmswain/accountcore/internal/models"
	"github.com/jmswain/accountcore/pkg/crypto"
)

func setupSessionService(t *testing.T) (*gorm.DB, *SessionService, *testClock) {
	t.Helper()

	db := testutil.MustOpenTestDB(t)

	clock := &testClock{current: time.Date(2024, 1, 3, 9, 0, 0, 0, time.UTC)}

	jwtService, err := NewJWTService(JWTConfig{
		Secret:         "session-secret",
		AccessTokenTTL: time.Hour,
		Clock:          clock.Now,
	})
	require.NoError(t, err)

	sessionService, err := NewSessionService(db, jwtService, SessionConfig{
		RefreshTokenTTL: 2 * time.Hour,
		RefreshLength:   24,
		Clock:           clock.Now,
	})
	require.NoError(t, err)

	return db, sessionService, clock
}

func createTestUser(t *testing.T, db *gorm.DB, username string) *models.User {
	t.Helper()

	hashed, err := crypto.HashPassword("password123")
	require.NoError(t, err)

	email := username + "@example.com"
	user := &models.User{
		Username: username,
		Email:    &email,
		Password: hashed,
		IsActive: true,
		Role:     models.RoleNone,
	}
	require.NoError(t, db.Create(user).Error)
	return user
}

func TestCreateSessionGeneratesTokens(t *testing.T) {
	db, svc, clock := setupSessionService(t)

	user := createTestUser(t, db, "user-create")

	tokens, session, err := svc.CreateSession(user.ID, SessionMetadata{
		IPAddress: "10.0.0.1 ",
		UserAgent: "unit-test",
	})
	require.NoError(t, err)

	require.NotEmpty(t, tokens.AccessToken)
	require.NotEmpty(t, tokens.RefreshToken)
	require.NotNil(t, session)
	require.Equal(t, user.ID, session.UserID)
	require.Equal(t, "10.0.0.1", session.IPAddress)
	require.Equal(t, "unit-test", session.UserAgent)

	var reloaded models.Session
	require.NoError(t, db.Take(&reloaded, "id = ?", session.ID).Error)
	require.Equal(t, tokens.RefreshToken, reloaded.RefreshToken)
	require.True(t, reloaded.ExpiresAt.After(clock.Now()))
}

func TestRefreshSessionRotatesToken(t *testing.T) {
	db, svc, clock := setupSessionService(t)
	user := createTestUser(t, db, "user-refresh")

	tokens, session, err := svc.CreateSession(user.ID, SessionMetadata{})
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)

	newTokens, updatedSession, err := svc.RefreshSession(tokens.RefreshToken)
	require.NoError(t, err)
	require.NotEqual(t, tokens.RefreshToken, newTokens.RefreshToken)

	require.Equal(t, session.ID, updatedSession.ID)
	require.Equal(t, newTokens.RefreshToken, updatedSession.RefreshToken)
	require.True(t, updatedSession.ExpiresAt.After(session.ExpiresAt))

	// The old refresh token is spent by rotation.
	_, _, err = svc.RefreshSession(tokens.RefreshToken)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRefreshSessionExpired(t *testing.T) {
	db, svc, clock := setupSessionService(t)
	user := createTestUser(t, db, "user-expired")

	tokens, _, err := svc.CreateSession(user.ID, SessionMetadata{})
	require.NoError(t, err)

	// Expiry is re-checked on every read; no cleanup job has run here.
	clock.Advance(3 * time.Hour)

	_, _, err = svc.RefreshSession(tokens.RefreshToken)
	require.ErrorIs(t, err, ErrSessionExpired)
}

func TestRevokeSessionIsIdempotent(t *testing.T) {
	db, svc, _ := setupSessionService(t)

	user := createTestUser(t, db, "user-revoke")

	tokens, session, err := svc.CreateSession(user.ID, SessionMetadata{})
	require.NoError(t, err)

	require.NoError(t, svc.RevokeSession(session.ID))

	// Revoking again, or revoking a session that never existed, is not an
	// error.
	require.NoError(t, svc.RevokeSession(session.ID))
	require.NoError(t, svc.RevokeSession("non-existent"))

	_, _, err = svc.RefreshSession(tokens.RefreshToken)
	require.ErrorIs(t, err, ErrSessionRevoked)

	var stored models.Session
	require.NoError(t, db.Take(&stored, "id = ?", session.ID).Error)
	require.NotNil(t, stored.RevokedAt)
}

func TestRevokeUserSessions(t *testing.T) {
	db, svc, _ := setupSessionService(t)
	user := createTestUser(t, db, "user-revoke-all")

	first, _, err := svc.CreateSession(user.ID, SessionMetadata{})
	require.NoError(t, err)
	second, _, err := svc.CreateSession(user.ID, SessionMetadata{})
	require.NoError(t, err)

	require.NoError(t, svc.RevokeUserSessions(user.ID))

	_, _, err = svc.RefreshSession(first.RefreshToken)
	require.ErrorIs(t, err, ErrSessionRevoked)
	_, _, err = svc.RefreshSession(second.RefreshToken)
	require.ErrorIs(t, err, ErrSessionRevoked)
}

func TestRequireAdminCachesSnapshot(t *testing.T) {
	db, svc, _ := setupSessionService(t)
	user := createTestUser(t, db, "user-admin")
	require.NoError(t, db.Model(user).Update("role", models.RoleAdmin).Error)

	_, session, err := svc.CreateSession(user.ID, SessionMetadata{})
	require.NoError(t, err)

	principal, err := svc.RequireAdmin(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, models.RoleAdmin, principal.Role)

	var stored models.Session
	require.NoError(t, db.Take(&stored, "id = ?", session.ID).Error)
	require.NotNil(t, stored.AdminRole)
	require.Equal(t, models.RoleAdmin, *stored.AdminRole)
	require.NotNil(t, stored.AdminEpoch)

	// Second call is served from the snapshot even if the user row role text
	// changes without an epoch bump.
	require.NoError(t, db.Model(&models.User{}).Where("id = ?", user.ID).Update("role", models.RoleNone).Error)
	principal, err = svc.RequireAdmin(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, models.RoleAdmin, principal.Role)
}

func TestRequireAdminEpochInvalidation(t *testing.T) {
	db, svc, _ := setupSessionService(t)
	user := createTestUser(t, db, "user-epoch")
	require.NoError(t, db.Model(user).Update("role", models.RoleAdmin).Error)

	_, session, err := svc.CreateSession(user.ID, SessionMetadata{})
	require.NoError(t, err)

	_, err = svc.RequireAdmin(context.Background(), session.ID)
	require.NoError(t, err)

	// A role revocation bumps the epoch; the stale snapshot must not grant
	// access any more.
	require.NoError(t, db.Model(&models.User{}).Where("id = ?", user.ID).
		Updates(map[string]any{
			"role":           models.RoleNone,
			"security_epoch": gorm.Expr("security_epoch + 1"),
		}).Error)

	_, err = svc.RequireAdmin(context.Background(), session.ID)
	require.ErrorIs(t, err, ErrNotAdmin)
}

func TestRefreshSessionNeverOutlivesMaxAge(t *testing.T) {
	db := testutil.MustOpenTestDB(t)
	clock := &testClock{current: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}

	jwtService, err := NewJWTService(JWTConfig{
		Secret: "session-secret",
		Clock:  clock.Now,
	})
	require.NoError(t, err)

	svc, err := NewSessionService(db, jwtService, SessionConfig{
		RefreshTokenTTL: 24 * time.Hour,
		MaxAge:          72 * time.Hour,
		Clock:           clock.Now,
	})
	require.NoError(t, err)

	user := createTestUser(t, db, "user-max-age")
	tokens, session, err := svc.CreateSession(user.ID, SessionMetadata{})
	require.NoError(t, err)

	hardStop := session.CreatedAt.Add(72 * time.Hour)

	// Rotate twice a day; the sliding expiry never crosses the hard stop.
	refresh := tokens.RefreshToken
	for i := 0; i < 5; i++ {
		clock.Advance(12 * time.Hour)
		rotated, updated, err := svc.RefreshSession(refresh)
		require.NoError(t, err)
		require.False(t, updated.ExpiresAt.After(hardStop))
		refresh = rotated.RefreshToken
	}

	clock.Advance(12 * time.Hour)
	_, _, err = svc.RefreshSession(refresh)
	require.ErrorIs(t, err, ErrSessionExpired)
}

func TestRequireAdminRejectsDeactivatedUser(t *testing.T) {
	db, svc, _ := setupSessionService(t)
	user := createTestUser(t, db, "user-deactivated")
	require.NoError(t, db.Model(user).Update("role", models.RoleAdmin).Error)

	_, session, err := svc.CreateSession(user.ID, SessionMetadata{})
	require.NoError(t, err)

	principal, err := svc.RequireAdmin(context.Background(), session.ID)
	require.NoError(t, err)
	require.Equal(t, models.RoleAdmin, principal.Role)

	// Deactivation overrides the cached snapshot even without an epoch bump.
	require.NoError(t, db.Model(&models.User{}).
		Where("id = ?", user.ID).
		Update("is_active", false).Error)

	_, err = svc.RequireAdmin(context.Background(), session.ID)
	require.ErrorIs(t, err, ErrNotAdmin)
}

func TestRequireAdminRejectsAgedOutSession(t *testing.T) {
	db, svc, clock := setupSessionService(t)
	user := createTestUser(t, db, "user-aged-out")
	require.NoError(t, db.Model(user).Update("role", models.RoleAdmin).Error)

	_, session, err := svc.CreateSession(user.ID, SessionMetadata{})
	require.NoError(t, err)

	// Even with a sliding expiry far in the future, the absolute age cap
	// still applies on read.
	require.NoError(t, db.Model(&models.Session{}).
		Where("id = ?", session.ID).
		Update("expires_at", clock.Now().Add(10000*time.Hour)).Error)

	clock.Advance(91 * 24 * time.Hour)

	_, err = svc.RequireAdmin(context.Background(), session.ID)
	require.ErrorIs(t, err, ErrSessionExpired)
}

func TestRequireAdminRejectsNonAdmin(t *testing.T) {
	db, svc, _ := setupSessionService(t)
	user := createTestUser(t, db, "user-plain")

	_, session, err := svc.CreateSession(user.ID, SessionMetadata{})
	require.NoError(t, err)

	_, err = svc.RequireAdmin(context.Background(), session.ID)
	require.ErrorIs(t, err, ErrNotAdmin)
}

func TestCleanupExpiredRemovesStaleRows(t *testing.T) {
	db, svc, clock := setupSessionService(t)
	user := createTestUser(t, db, "user-cleanup")

	_, expired, err := svc.CreateSession(user.ID, SessionMetadata{})
	require.NoError(t, err)
	_, revoked, err := svc.CreateSession(user.ID, SessionMetadata{})
	require.NoError(t, err)
	require.NoError(t, svc.RevokeSession(revoked.ID))

	require.NoError(t, db.Model(&models.Session{}).
		Where("id = ?", expired.ID).
		Update("expires_at", clock.Now().Add(-time.Minute)).Error)

	removed, err := svc.CleanupExpired(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(2), removed)

	var count int64
	require.NoError(t, db.Model(&models.Session{}).Count(&count).Error)
	require.Zero(t, count)
}
