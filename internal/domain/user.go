package domain

import "time"

// UserGroup is a named bucket of Users (e.g. "default", "admin").
type UserGroup struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// User is vmmaster's minimal identity record: a username, a hashed
// credential, an opaque API token, and the quotas enforced on session
// creation.
type User struct {
	ID                int64     `json:"id"`
	Username          string    `json:"username"`
	PasswordHash      string    `json:"-"`
	GroupID           int64     `json:"group_id,omitempty"`
	Token             string    `json:"token"`
	AllowedMachines   int       `json:"allowed_machines"`
	MaxStoredSessions int       `json:"max_stored_sessions"`
	IsActive          bool      `json:"is_active"`
	DateJoined        time.Time `json:"date_joined"`
	LastLogin         *time.Time `json:"last_login,omitempty"`
}
