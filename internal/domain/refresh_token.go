package domain

import "time"

// RefreshToken is the persisted record behind one issued refresh token.
// The raw token string is never stored; TokenHash is a peppered HMAC of it
// and TokenID matches the jti claim embedded in the signed envelope.
type RefreshToken struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	UserID        uint       `gorm:"index;not null" json:"user_id"`
	TokenID       string     `gorm:"size:64;uniqueIndex;not null" json:"-"`
	TokenHash     string     `gorm:"size:128;uniqueIndex;not null" json:"-"`
	FamilyID      string     `gorm:"size:64;index;not null" json:"-"`
	ParentTokenID *string    `gorm:"size:64;index" json:"-"`
	UserAgent     string     `gorm:"size:512" json:"user_agent"`
	IP            string     `gorm:"size:64" json:"ip"`
	ExpiresAt     time.Time  `gorm:"index;not null" json:"expires_at"`
	LastUsedAt    *time.Time `json:"last_used_at,omitempty"`
	RevokedAt     *time.Time `gorm:"index" json:"revoked_at,omitempty"`
	RevokedReason *string    `gorm:"size:64" json:"revoked_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Live reports whether the token may still authorize a refresh at the given
// instant. The expiry boundary is exclusive: a token exactly at ExpiresAt is
// expired.
func (t *RefreshToken) Live(now time.Time) bool {
	return t.RevokedAt == nil && t.ExpiresAt.After(now)
}
