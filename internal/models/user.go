package models

import (
	"time"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User is the minimal account record the login path authenticates against.
type User struct {
	ID              string
	Username        string
	PasswordHash    string
	Role            string
	PasswordHistory []string // previous bcrypt hashes, newest first
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
