package domain

import "time"

// RefreshToken is one member of a user's rotation chain. Only the hash of the
// opaque token value is stored; the value itself travels in a scoped cookie.
type RefreshToken struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	UserID        uint       `gorm:"index;not null" json:"user_id"`
	TokenHash     string     `gorm:"size:128;uniqueIndex;not null" json:"-"`
	ExpiresAt     time.Time  `gorm:"index;not null" json:"expires_at"`
	RevokedAt     *time.Time `gorm:"index" json:"revoked_at,omitempty"`
	RevokedReason *string    `gorm:"size:64" json:"revoked_reason,omitempty"`
	SupersededBy  *uint      `gorm:"index" json:"superseded_by,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// IsActive reports whether the token can still be presented: never revoked and
// not past its expiry. Revocation is monotonic, an inactive token never
// becomes active again.
func (t *RefreshToken) IsActive(now time.Time) bool {
	return t.RevokedAt == nil && now.Before(t.ExpiresAt)
}

const (
	RevokeReasonRotated       = "rotated"
	RevokeReasonReuseDetected = "reuse_detected"
	RevokeReasonLogout        = "logout"
)
