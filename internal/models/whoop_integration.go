package models

import (
	"strings"
	"time"
)

// Sync status values for a WhoopIntegration
const (
	SyncStatusPending = "PENDING"
	SyncStatusActive  = "ACTIVE"
)

// WhoopIntegration holds a user's WHOOP link: encrypted credentials plus sync
// state. One row per user, upserted on every link and token rotation.
type WhoopIntegration struct {
	ID            int     `json:"id" gorm:"primaryKey;autoIncrement"`
	UserID        int     `json:"user_id" gorm:"uniqueIndex;not null"`
	WhoopMemberID *string `json:"whoop_member_id" gorm:"index"`

	// Vault-encrypted token material. Never exposed in JSON.
	AccessToken  string  `json:"-" gorm:"not null"`
	RefreshToken *string `json:"-"` // nullable: some exchanges omit it

	ExpiresAt    *time.Time `json:"expires_at"`
	Scopes       string     `json:"scopes"` // space-delimited granted scopes
	SyncStatus   string     `json:"sync_status" gorm:"not null;default:PENDING"`
	LastSyncedAt *time.Time `json:"last_synced_at"`

	KeyVersion string     `json:"key_version" gorm:"not null"`
	RotatedAt  *time.Time `json:"rotated_at"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName specifies the table name for WhoopIntegration
func (WhoopIntegration) TableName() string {
	return "whoop_integrations"
}

// ScopeList returns the granted scopes as a slice
func (i *WhoopIntegration) ScopeList() []string {
	if i.Scopes == "" {
		return nil
	}
	return strings.Fields(i.Scopes)
}

// CanRefresh reports whether unattended token renewal is possible
func (i *WhoopIntegration) CanRefresh() bool {
	return i.RefreshToken != nil && *i.RefreshToken != ""
}
