package models

import "time"

// LinkSession represents one attempt to link a user account to WHOOP: the
// OAuth state handshake. Single-use and time-boxed; at most one open session
// per user at any time.
type LinkSession struct {
	ID          int        `json:"id" gorm:"primaryKey;autoIncrement"`
	UserID      int        `json:"user_id" gorm:"index;not null"`
	State       string     `json:"-" gorm:"uniqueIndex;not null"`
	RedirectURI string     `json:"redirect_uri" gorm:"not null"`
	Scopes      string     `json:"scopes"`
	ExpiresAt   time.Time  `json:"expires_at" gorm:"not null"`
	CompletedAt *time.Time `json:"completed_at"`
	CancelledAt *time.Time `json:"cancelled_at"`
	CreatedAt   time.Time  `json:"created_at"`
}

// TableName specifies the table name for LinkSession
func (LinkSession) TableName() string {
	return "whoop_link_sessions"
}

// IsOpen reports whether the session is still usable at the given instant
func (s *LinkSession) IsOpen(now time.Time) bool {
	return s.CompletedAt == nil && s.CancelledAt == nil && now.Before(s.ExpiresAt)
}
