package service

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"time"

	"saltvault/internal/server/database"
)

// SessionLifetime is fixed from issuance; validation does not extend it.
const SessionLifetime = time.Hour

const issueAttempts = 3

// SessionManager issues and validates bearer session tokens.
type SessionManager struct {
	repo database.Store
	now  func() time.Time
}

// SessionOption configures a SessionManager.
type SessionOption func(*SessionManager)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) SessionOption {
	return func(m *SessionManager) { m.now = now }
}

// NewSessionManager creates a session manager backed by repo.
func NewSessionManager(repo database.Store, opts ...SessionOption) *SessionManager {
	m := &SessionManager{repo: repo, now: time.Now}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Issue creates and persists a session for userID.
func (m *SessionManager) Issue(ctx context.Context, userID uint64) (*database.Session, error) {
	for attempt := 0; attempt < issueAttempts; attempt++ {
		id, err := randomSessionID()
		if err != nil {
			return nil, err
		}

		now := issueTime(m.now())
		session := &database.Session{
			ID:        id,
			UserID:    userID,
			CreatedAt: now,
			ExpiresAt: now.Add(SessionLifetime),
		}

		err = m.repo.CreateSession(ctx, session)
		if err == nil {
			return session, nil
		}
		if !errors.Is(err, database.ErrConflict) {
			return nil, storageFailure("session create", err, "user_id", userID)
		}
	}
	return nil, storageFailure("session create", errors.New("session id collisions"), "user_id", userID)
}

// Validate resolves a session token to its user id. Unknown tokens, expired
// sessions and sessions of deleted users all yield ErrUnauthorized.
func (m *SessionManager) Validate(ctx context.Context, sessionID uint64) (uint64, error) {
	session, err := m.repo.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return 0, ErrUnauthorized
		}
		return 0, storageFailure("session lookup", err)
	}

	if session.Expired(m.now()) {
		return 0, ErrUnauthorized
	}

	if _, err := m.repo.GetUserByID(ctx, session.UserID); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return 0, ErrUnauthorized
		}
		return 0, storageFailure("session user lookup", err, "user_id", session.UserID)
	}
	return session.UserID, nil
}

// issueTime rounds t up to the microsecond Postgres stores, so the persisted
// ExpiresAt is never earlier than t plus SessionLifetime.
func issueTime(t time.Time) time.Time {
	t = t.UTC()
	if r := t.Truncate(time.Microsecond); !r.Equal(t) {
		return r.Add(time.Microsecond)
	}
	return t
}

// PurgeExpired deletes session rows that can no longer validate.
func (m *SessionManager) PurgeExpired(ctx context.Context) (int64, error) {
	return m.repo.DeleteExpiredSessions(ctx, m.now().UTC())
}

// ParseToken decodes the decimal form a client presents.
func ParseToken(token string) (uint64, error) {
	id, err := strconv.ParseUint(token, 10, 64)
	if err != nil || id == 0 {
		return 0, ErrUnauthorized
	}
	return id, nil
}

// FormatToken renders a session id for the client.
func FormatToken(id uint64) string {
	return strconv.FormatUint(id, 10)
}

func randomSessionID() (uint64, error) {
	var b [8]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, fmt.Errorf("crypto/rand failure: %w", err)
		}
		if id := binary.BigEndian.Uint64(b[:]); id != 0 {
			return id, nil
		}
	}
}
