package models

import "time"

// EmailVerification stores email-ownership verification tokens. The target
// email is captured at issuance so a later address change cannot be
// retroactively validated by an old token.
type EmailVerification struct {
	BaseModel

	UserID     string     `gorm:"type:uuid;not null;index" json:"user_id"`
	Email      string     `gorm:"not null" json:"email"`
	TokenHash  string     `gorm:"uniqueIndex;not null" json:"-"`
	ExpiresAt  time.Time  `gorm:"index" json:"expires_at"`
	VerifiedAt *time.Time `json:"verified_at"`
}
