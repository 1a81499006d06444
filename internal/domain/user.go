package domain

import "time"

type User struct {
	ID           uint       `gorm:"primaryKey" json:"id"`
	Email        string     `gorm:"size:320;uniqueIndex;not null" json:"email"`
	Name         string     `gorm:"size:256" json:"name"`
	PasswordHash string     `gorm:"size:128;not null" json:"-"`
	LastActiveAt *time.Time `json:"last_active_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}
