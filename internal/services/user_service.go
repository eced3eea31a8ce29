package services

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/jmswain/accountcore/internal/models"
	"github.com/jmswain/accountcore/pkg/crypto"
	apperrors "github.com/jmswain/accountcore/pkg/errors"
)

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// RegisterInput carries the fields accepted at registration. Email is
// optional; when present it stays untrusted until verified.
type RegisterInput struct {
	Username string
	Password string
	Email    string
}

// UserService owns account records: registration, password changes, role
// assignment, and lookups.
type UserService struct {
	db  *gorm.DB
	now func() time.Time
}

// NewUserService builds a UserService.
func NewUserService(db *gorm.DB) (*UserService, error) {
	if db == nil {
		return nil, errors.New("user service: db is required")
	}
	return &UserService{db: db, now: time.Now}, nil
}

// Register creates a new account with a freshly hashed password. Duplicate
// usernames and emails surface as Conflict; this is the one surface where
// specific duplicate feedback is acceptable.
func (s *UserService) Register(ctx context.Context, input RegisterInput) (*models.User, error) {
	username := strings.TrimSpace(input.Username)
	if username == "" || !usernamePattern.MatchString(username) {
		return nil, apperrors.NewBadRequest("Username may only contain letters, digits, underscores, and hyphens")
	}
	if len(input.Password) < 8 {
		return nil, apperrors.NewBadRequest("Password must be at least 8 characters")
	}

	var email *string
	if trimmed := strings.TrimSpace(strings.ToLower(input.Email)); trimmed != "" {
		email = &trimmed
	}

	hashed, err := crypto.HashPassword(input.Password)
	if err != nil {
		return nil, fmt.Errorf("user service: hash password: %w", err)
	}

	user := &models.User{
		Username: username,
		Email:    email,
		Password: hashed,
		IsActive: true,
		Role:     models.RoleNone,
	}

	if err := s.db.WithContext(ctx).Create(user).Error; err != nil {
		if isUniqueConstraintError(err) {
			return nil, s.conflictFor(ctx, username, email)
		}
		return nil, fmt.Errorf("user service: create user: %w", err)
	}

	return user, nil
}

// conflictFor inspects which unique column collided so registration can name
// it. Falls back to a generic conflict when the race resolved in between.
func (s *UserService) conflictFor(ctx context.Context, username string, email *string) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&models.User{}).
		Where("username = ?", username).Count(&count).Error; err == nil && count > 0 {
		return apperrors.NewConflict("Username is already taken")
	}
	if email != nil {
		if err := s.db.WithContext(ctx).Model(&models.User{}).
			Where("email = ?", *email).Count(&count).Error; err == nil && count > 0 {
			return apperrors.NewConflict("Email is already registered")
		}
	}
	return apperrors.ErrConflict
}

// GetByID fetches a user by primary key.
func (s *UserService) GetByID(ctx context.Context, userID string) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).Take(&user, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("user service: find user: %w", err)
	}
	return &user, nil
}

// GetByUsername fetches a user by username.
func (s *UserService) GetByUsername(ctx context.Context, username string) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).Take(&user, "username = ?", strings.TrimSpace(username)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("user service: find user: %w", err)
	}
	return &user, nil
}

// ChangePassword verifies the current password and stores a fresh hash. A new
// salt is drawn even when the new password equals the old one.
func (s *UserService) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	if len(newPassword) < 8 {
		return apperrors.NewBadRequest("Password must be at least 8 characters")
	}

	user, err := s.GetByID(ctx, userID)
	if err != nil {
		return err
	}

	if !crypto.VerifyPassword(user.Password, currentPassword) {
		return apperrors.ErrInvalidCredentials
	}

	hashed, err := crypto.HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("user service: hash password: %w", err)
	}

	if err := s.db.WithContext(ctx).Model(user).Update("password", hashed).Error; err != nil {
		return fmt.Errorf("user service: update password: %w", err)
	}

	return nil
}

// MarkEmailVerified flips the verified flag once ownership is proven. The
// update is conditioned on the account still carrying the verified address;
// verifying an already-verified account succeeds. The re-read on a zero
// rows-affected result keeps the already-verified case working on MySQL,
// which reports changed rows rather than matched rows.
func (s *UserService) MarkEmailVerified(ctx context.Context, userID, email string) error {
	normalized := strings.ToLower(strings.TrimSpace(email))
	result := s.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ? AND email = ?", userID, normalized).
		Update("email_verified", true)
	if result.Error != nil {
		return fmt.Errorf("user service: mark email verified: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		user, err := s.GetByID(ctx, userID)
		if err != nil {
			return err
		}
		if user.Email == nil || *user.Email != normalized || !user.EmailVerified {
			return apperrors.ErrNotFound
		}
	}
	return nil
}

// SetRole assigns an administrative role and bumps the user's security epoch
// so cached admin snapshots on existing sessions stop matching.
func (s *UserService) SetRole(ctx context.Context, userID, role string) (*models.User, error) {
	switch role {
	case models.RoleNone, models.RoleAdmin, models.RoleSuperAdmin:
	default:
		return nil, apperrors.NewBadRequest("Unknown role")
	}

	user, err := s.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.Role == role {
		return user, nil
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.User{}).
			Where("id = ?", userID).
			Updates(map[string]any{
				"role":           role,
				"security_epoch": gorm.Expr("security_epoch + 1"),
			}).Error; err != nil {
			return err
		}
		return tx.Model(&models.Session{}).
			Where("user_id = ?", userID).
			Updates(map[string]any{
				"admin_role":       nil,
				"admin_epoch":      nil,
				"admin_checked_at": nil,
			}).Error
	})
	if err != nil {
		return nil, fmt.Errorf("user service: set role: %w", err)
	}

	return s.GetByID(ctx, userID)
}

// SetActive enables or disables an account. Deactivation bumps the security
// epoch and drops cached admin snapshots so existing sessions lose privileged
// access immediately.
func (s *UserService) SetActive(ctx context.Context, userID string, active bool) error {
	if _, err := s.GetByID(ctx, userID); err != nil {
		return err
	}

	if active {
		if err := s.db.WithContext(ctx).Model(&models.User{}).
			Where("id = ?", userID).
			Update("is_active", true).Error; err != nil {
			return fmt.Errorf("user service: set active: %w", err)
		}
		return nil
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.User{}).
			Where("id = ?", userID).
			Updates(map[string]any{
				"is_active":      false,
				"security_epoch": gorm.Expr("security_epoch + 1"),
			}).Error; err != nil {
			return err
		}
		return tx.Model(&models.Session{}).
			Where("user_id = ?", userID).
			Updates(map[string]any{
				"admin_role":       nil,
				"admin_epoch":      nil,
				"admin_checked_at": nil,
			}).Error
	})
	if err != nil {
		return fmt.Errorf("user service: set active: %w", err)
	}
	return nil
}

// ListUsers returns a page of users ordered by creation time.
func (s *UserService) ListUsers(ctx context.Context, offset, limit int) ([]models.User, int64, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var total int64
	if err := s.db.WithContext(ctx).Model(&models.User{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("user service: count users: %w", err)
	}

	var users []models.User
	err := s.db.WithContext(ctx).
		Order("created_at ASC").
		Offset(offset).
		Limit(limit).
		Find(&users).Error
	if err != nil {
		return nil, 0, fmt.Errorf("user service: list users: %w", err)
	}

	return users, total, nil
}
