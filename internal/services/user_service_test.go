package services

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/jmswain/accountcore/internal/database/testutil"
	"github.com/jmswain/accountcore/internal/models"
	"github.com/jmswain/accountcore/pkg/crypto"
	apperrors "github.com/jmswain/accountcore/pkg/errors"
)

func setupUserService(t *testing.T) (*gorm.DB, *UserService) {
	t.Helper()

	db := testutil.MustOpenTestDB(t)
	svc, err := NewUserService(db)
	require.NoError(t, err)
	return db, svc
}

func TestRegisterCreatesUser(t *testing.T) {
	_, svc := setupUserService(t)

	user, err := svc.Register(context.Background(), RegisterInput{
		Username: "alice",
		Password: "password123",
		Email:    "Alice@Example.com",
	})
	require.NoError(t, err)
	require.NotEmpty(t, user.ID)
	require.Equal(t, "alice", user.Username)
	require.NotNil(t, user.Email)
	require.Equal(t, "alice@example.com", *user.Email)
	require.False(t, user.EmailVerified)
	require.Equal(t, models.RoleNone, user.Role)

	// The stored secret is a salted hash, never the plaintext.
	require.NotEqual(t, "password123", user.Password)
	require.True(t, crypto.VerifyPassword(user.Password, "password123"))
}

func TestRegisterWithoutEmail(t *testing.T) {
	_, svc := setupUserService(t)

	user, err := svc.Register(context.Background(), RegisterInput{
		Username: "no-email",
		Password: "password123",
	})
	require.NoError(t, err)
	require.Nil(t, user.Email)
}

func TestRegisterRejectsBadUsernames(t *testing.T) {
	_, svc := setupUserService(t)

	for _, username := range []string{"", "has space", "nope!", "semi;colon", "slash/y"} {
		_, err := svc.Register(context.Background(), RegisterInput{Username: username, Password: "password123"})
		require.Error(t, err, "username %q should be rejected", username)
	}

	for _, username := range []string{"ok", "under_score", "hy-phen", "Mixed123"} {
		_, err := svc.Register(context.Background(), RegisterInput{Username: username, Password: "password123"})
		require.NoError(t, err, "username %q should be accepted", username)
	}
}

func TestRegisterDuplicateUsernameConflict(t *testing.T) {
	_, svc := setupUserService(t)

	_, err := svc.Register(context.Background(), RegisterInput{Username: "dupe", Password: "password123"})
	require.NoError(t, err)

	_, err = svc.Register(context.Background(), RegisterInput{Username: "dupe", Password: "password456"})
	require.Error(t, err)

	appErr := apperrors.FromError(err)
	require.Equal(t, apperrors.ErrConflict.Code, appErr.Code)
	require.Contains(t, appErr.Message, "Username")
}

func TestRegisterDuplicateEmailConflict(t *testing.T) {
	_, svc := setupUserService(t)

	_, err := svc.Register(context.Background(), RegisterInput{Username: "first", Password: "password123", Email: "shared@example.com"})
	require.NoError(t, err)

	_, err = svc.Register(context.Background(), RegisterInput{Username: "second", Password: "password123", Email: "shared@example.com"})
	require.Error(t, err)

	appErr := apperrors.FromError(err)
	require.Equal(t, apperrors.ErrConflict.Code, appErr.Code)
	require.Contains(t, appErr.Message, "Email")
}

func TestChangePasswordAlwaysRehashes(t *testing.T) {
	db, svc := setupUserService(t)

	user, err := svc.Register(context.Background(), RegisterInput{Username: "rehash", Password: "password123"})
	require.NoError(t, err)
	original := user.Password

	// Changing to the identical password still draws a fresh salt.
	require.NoError(t, svc.ChangePassword(context.Background(), user.ID, "password123", "password123"))

	var reloaded models.User
	require.NoError(t, db.Take(&reloaded, "id = ?", user.ID).Error)
	require.NotEqual(t, original, reloaded.Password)
	require.True(t, crypto.VerifyPassword(reloaded.Password, "password123"))
}

func TestChangePasswordRequiresCurrent(t *testing.T) {
	_, svc := setupUserService(t)

	user, err := svc.Register(context.Background(), RegisterInput{Username: "strict", Password: "password123"})
	require.NoError(t, err)

	err = svc.ChangePassword(context.Background(), user.ID, "wrong", "newpassword1")
	require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
}

func TestSetRoleBumpsSecurityEpoch(t *testing.T) {
	db, svc := setupUserService(t)

	user, err := svc.Register(context.Background(), RegisterInput{Username: "promoted", Password: "password123"})
	require.NoError(t, err)

	role := models.RoleAdmin
	epoch := 7
	session := &models.Session{
		UserID:       user.ID,
		RefreshToken: "refresh-token",
		AdminRole:    &role,
		AdminEpoch:   &epoch,
	}
	require.NoError(t, db.Create(session).Error)

	updated, err := svc.SetRole(context.Background(), user.ID, models.RoleAdmin)
	require.NoError(t, err)
	require.Equal(t, models.RoleAdmin, updated.Role)
	require.Equal(t, user.SecurityEpoch+1, updated.SecurityEpoch)

	// Cached admin snapshots on existing sessions are cleared.
	var reloaded models.Session
	require.NoError(t, db.Take(&reloaded, "id = ?", session.ID).Error)
	require.Nil(t, reloaded.AdminRole)
	require.Nil(t, reloaded.AdminEpoch)
}

func TestSetRoleRejectsUnknownRole(t *testing.T) {
	_, svc := setupUserService(t)

	user, err := svc.Register(context.Background(), RegisterInput{Username: "roles", Password: "password123"})
	require.NoError(t, err)

	_, err = svc.SetRole(context.Background(), user.ID, "owner")
	require.Error(t, err)
}

func TestMarkEmailVerifiedRequiresMatchingEmail(t *testing.T) {
	db, svc := setupUserService(t)

	user, err := svc.Register(context.Background(), RegisterInput{Username: "verifyme", Password: "password123", Email: "verify@example.com"})
	require.NoError(t, err)

	require.Error(t, svc.MarkEmailVerified(context.Background(), user.ID, "other@example.com"))

	require.NoError(t, svc.MarkEmailVerified(context.Background(), user.ID, "verify@example.com"))

	var reloaded models.User
	require.NoError(t, db.Take(&reloaded, "id = ?", user.ID).Error)
	require.True(t, reloaded.EmailVerified)
}

func TestMarkEmailVerifiedIsIdempotent(t *testing.T) {
	db, svc := setupUserService(t)

	user, err := svc.Register(context.Background(), RegisterInput{Username: "reverify", Password: "password123", Email: "reverify@example.com"})
	require.NoError(t, err)

	require.NoError(t, svc.MarkEmailVerified(context.Background(), user.ID, "reverify@example.com"))

	// A second proof for the same address still succeeds.
	require.NoError(t, svc.MarkEmailVerified(context.Background(), user.ID, "reverify@example.com"))

	var reloaded models.User
	require.NoError(t, db.Take(&reloaded, "id = ?", user.ID).Error)
	require.True(t, reloaded.EmailVerified)
}

func TestSetActiveDeactivationInvalidatesAdminSnapshots(t *testing.T) {
	db, svc := setupUserService(t)

	user, err := svc.Register(context.Background(), RegisterInput{Username: "suspended", Password: "password123"})
	require.NoError(t, err)
	_, err = svc.SetRole(context.Background(), user.ID, models.RoleAdmin)
	require.NoError(t, err)

	role := models.RoleAdmin
	epoch := user.SecurityEpoch + 1
	session := &models.Session{
		UserID:       user.ID,
		RefreshToken: "suspended-refresh",
		AdminRole:    &role,
		AdminEpoch:   &epoch,
	}
	require.NoError(t, db.Create(session).Error)

	require.NoError(t, svc.SetActive(context.Background(), user.ID, false))

	var reloadedUser models.User
	require.NoError(t, db.Take(&reloadedUser, "id = ?", user.ID).Error)
	require.False(t, reloadedUser.IsActive)
	require.Equal(t, epoch+1, reloadedUser.SecurityEpoch)

	var reloadedSession models.Session
	require.NoError(t, db.Take(&reloadedSession, "id = ?", session.ID).Error)
	require.Nil(t, reloadedSession.AdminRole)
	require.Nil(t, reloadedSession.AdminEpoch)

	// Reactivation flips the flag back without disturbing the epoch.
	require.NoError(t, svc.SetActive(context.Background(), user.ID, true))
	require.NoError(t, db.Take(&reloadedUser, "id = ?", user.ID).Error)
	require.True(t, reloadedUser.IsActive)
	require.Equal(t, epoch+1, reloadedUser.SecurityEpoch)
}

func TestListUsersPagination(t *testing.T) {
	_, svc := setupUserService(t)

	for _, name := range []string{"u1", "u2", "u3"} {
		_, err := svc.Register(context.Background(), RegisterInput{Username: name, Password: "password123"})
		require.NoError(t, err)
	}

	users, total, err := svc.ListUsers(context.Background(), 0, 2)
	require.NoError(t, err)
	require.Equal(t, int64(3), total)
	require.Len(t, users, 2)

	users, _, err = svc.ListUsers(context.Background(), 2, 2)
	require.NoError(t, err)
	require.Len(t, users, 1)
}
