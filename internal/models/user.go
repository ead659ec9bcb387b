package models

import "time"

// User represents a user in the system
type User struct {
	ID       int    `json:"id" gorm:"primaryKey;autoIncrement"`
	Username string `json:"username" gorm:"uniqueIndex;not null"`
	Email    string `json:"email" gorm:"uniqueIndex;not null"`
	Password string `json:"-" gorm:"not null"` // Never expose password in JSON
	Active   bool   `json:"active" gorm:"default:true"`

	// Denormalized WHOOP member id for webhook resolution
	WhoopMemberID *string `json:"whoop_member_id,omitempty" gorm:"index"`

	CreatedAt time.Time `json:"created_at"`
}

// TableName specifies the table name for User
func (User) TableName() string {
	return "users"
}
