package database

import "time"

// User is a registered account. PasswordHash is a bcrypt hash.
type User struct {
	ID           uint64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
}

// Session binds a random bearer token to a user for a fixed window.
type Session struct {
	ID        uint64
	UserID    uint64
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Expired reports whether the session is past its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// FileRecord holds the metadata needed to decrypt a stored blob.
// KDF and Iterations identify the derivation scheme used for Salt.
type FileRecord struct {
	OwnerID    uint64
	FileName   string
	Salt       string
	KDF        string
	Iterations int
	Size       int64
	UpdatedAt  time.Time
}
