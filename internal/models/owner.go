package models

import (
	"time"
)

// Owner is a user whose portfolio is briefed daily
type Owner struct {
	ID          string    `json:"id" db:"id"`
	Email       string    `json:"email" db:"email"`
	Active      bool      `json:"active" db:"is_active"`
	AccessToken string    `json:"-" db:"access_token"`
	CreatedAt   time.Time `json:"createdAt" db:"created_at"`
}
