package models

import (
	"time"

	"gorm.io/datatypes"
)

// TwoFactorSecret holds the per-user second-factor material. The row existing
// with ConfirmedAt == nil means enrollment is pending; the user's
// TwoFactorEnabled flag is only flipped in the same transaction that sets
// ConfirmedAt, so an enabled account always has a secret, backup codes, and a
// recovery key.
type TwoFactorSecret struct {
	BaseModel

	UserID string `gorm:"type:uuid;uniqueIndex;not null" json:"user_id"`
	// Secret is the TOTP shared secret, AES-256-GCM encrypted at rest.
	Secret string `gorm:"not null" json:"-"`
	// BackupCodes is a JSON array of bcrypt digests; consumed codes are removed.
	BackupCodes datatypes.JSON `json:"-"`
	// PendingCodes holds the encrypted plaintext backup codes between setup
	// and confirmation so they can be shown once more, then cleared.
	PendingCodes string `json:"-"`
	// RecoveryKey is the bcrypt digest of the current recovery key; rotated on use.
	RecoveryKey string `json:"-"`

	ConfirmedAt *time.Time `json:"confirmed_at"`
	LastUsedAt  *time.Time `json:"last_used_at"`
}

// Confirmed reports whether enrollment completed and the factor is active.
func (s *TwoFactorSecret) Confirmed() bool {
	return s != nil && s.ConfirmedAt != nil
}
