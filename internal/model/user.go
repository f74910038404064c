// Package model defines domain entities for the application.
package model

import (
	"regexp"
	"time"
)

var nicknameRegex = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// ValidNickname reports whether nickname may be registered.
func ValidNickname(nickname string) bool {
	return nicknameRegex.MatchString(nickname)
}

// User is a registered nickname. Nicknames are identifiers, not secrets.
type User struct {
	ID        string    `json:"id"`
	Nickname  string    `json:"nickname"`
	CreatedAt time.Time `json:"created_at"`
}

// RegisterRequest is the body of POST /register.
type RegisterRequest struct {
	Nickname string `json:"nickname"`
}

// RegisterResponse carries the freshly issued plaintext key (shown once).
type RegisterResponse struct {
	Nickname string `json:"nickname"`
	APIKey   string `json:"api_key"`
}

// ValidateResponse is returned by GET /validate for a live key.
type ValidateResponse struct {
	Nickname string `json:"nickname"`
	Status   string `json:"status"`
}
