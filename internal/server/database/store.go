package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
)

// Store is the metadata persistence used by the service layer.
//
// PutFileRecord and DeleteFileRecord run commit inside the same transaction
// as the row change: if commit fails the row change is rolled back, and commit
// is never called when the row change itself fails.
type Store interface {
	CreateUser(ctx context.Context, username, passwordHash string) (uint64, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	GetUserByID(ctx context.Context, id uint64) (*User, error)
	DeleteUser(ctx context.Context, id uint64) error

	CreateSession(ctx context.Context, session *Session) error
	GetSession(ctx context.Context, id uint64) (*Session, error)
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)

	GetFileRecord(ctx context.Context, ownerID uint64, fileName string) (*FileRecord, error)
	ListFileRecords(ctx context.Context, ownerID uint64) ([]*FileRecord, error)
	PutFileRecord(ctx context.Context, rec *FileRecord, commit func() error) error
	DeleteFileRecord(ctx context.Context, ownerID uint64, fileName string, commit func() error) error

	HealthCheck(ctx context.Context) error
	Close()
}

// Open connects to the store named by databaseURL and applies migrations.
// postgres:// and postgresql:// URLs select Postgres; sqlite://<path> or a
// bare path selects SQLite.
func Open(ctx context.Context, databaseURL string) (Store, error) {
	switch {
	case strings.HasPrefix(databaseURL, "postgres://"), strings.HasPrefix(databaseURL, "postgresql://"):
		db, err := New(ctx, databaseURL)
		if err != nil {
			return nil, err
		}
		if err := db.RunMigrations(ctx); err != nil {
			db.Close()
			return nil, err
		}
		return NewRepository(db), nil
	case databaseURL == "":
		return nil, fmt.Errorf("database URL is empty")
	default:
		return NewSQLite(ctx, strings.TrimPrefix(databaseURL, "sqlite://"))
	}
}

// toDBID and fromDBID reinterpret unsigned ids as the signed 64-bit integers
// both SQL backends store. The mapping is bijective.
func toDBID(id uint64) int64   { return int64(id) }
func fromDBID(id int64) uint64 { return uint64(id) }
