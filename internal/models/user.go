package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Admin role values stored on User.Role.
const (
	RoleNone       = "none"
	RoleAdmin      = "admin"
	RoleSuperAdmin = "superadmin"
)

// User is the identity record for a local account. Usernames are immutable
// after registration; the email is optional and only trusted once verified.
type User struct {
	ID       string  `gorm:"primaryKey;type:uuid" json:"id"`
	Username string  `gorm:"uniqueIndex;not null" json:"username"`
	Email    *string `gorm:"uniqueIndex" json:"email,omitempty"`
	Password string  `gorm:"not null" json:"-"`

	EmailVerified    bool `gorm:"default:false" json:"email_verified"`
	TwoFactorEnabled bool `gorm:"default:false" json:"two_factor_enabled"`

	Role string `gorm:"default:none" json:"role"`
	// SecurityEpoch increments on every role change; cached admin snapshots
	// from an earlier epoch are stale.
	SecurityEpoch int  `gorm:"default:0" json:"-"`
	IsActive      bool `gorm:"default:true" json:"is_active"`

	TwoFactor *TwoFactorSecret `gorm:"foreignKey:UserID" json:"-"`
	Sessions  []Session        `gorm:"foreignKey:UserID" json:"-"`

	LastLoginAt *time.Time `json:"last_login_at"`
	LastLoginIP string     `json:"-"`

	FailedAttempts int        `gorm:"default:0" json:"-"`
	LockedUntil    *time.Time `json:"-"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BeforeCreate ensures a UUID is present before persisting.
func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}

// IsAdmin reports whether the user currently holds an administrative role.
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin || u.Role == RoleSuperAdmin
}
