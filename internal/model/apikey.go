package model

import "time"

// APIKey is a stored credential. Only its argon2 hash is kept; KeyPrefix is
// the clear lookup prefix.
type APIKey struct {
	ID         string     `json:"id"`
	UserID     string     `json:"user_id"`
	KeyHash    string     `json:"-"`
	KeyPrefix  string     `json:"key_prefix"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// IsRevoked reports whether a later registration replaced the key.
func (k *APIKey) IsRevoked() bool { return k.RevokedAt != nil }

// AuthContext is the caller resolved from a valid key. Bundles are owned by
// UserID.
type AuthContext struct {
	KeyID     string
	KeyPrefix string
	UserID    string
	Nickname  string
}
