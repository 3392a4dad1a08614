package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/pressly/goose/v3"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStore is the embedded implementation of Store. It keeps a single
// open connection, so every statement and transaction is serialized.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLite opens (or creates) a SQLite database at path and runs migrations.
func NewSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := migrate(ctx, db, goose.DialectSQLite3, "migrations/sqlite"); err != nil {
		db.Close()
		return nil, err
	}
	db.SetMaxOpenConns(1)

	slog.Info("connected to database", "driver", "sqlite", "path", path)
	return &SQLiteStore{db: db}, nil
}

func isSQLiteConstraint(err error) bool {
	var sqlErr *sqlite.Error
	if !errors.As(err, &sqlErr) {
		return false
	}
	code := sqlErr.Code()
	return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

// withTx begins a transaction, runs fn, and commits on success or rolls back
// on error or panic.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	return fn(tx)
}

func unixNano(t time.Time) int64 { return t.UTC().UnixNano() }
func fromUnixNano(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// CreateUser inserts a new user and returns its generated id.
func (s *SQLiteStore) CreateUser(ctx context.Context, username, passwordHash string) (uint64, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO users (username, password_hash, created_at) VALUES (?, ?, ?)",
		username, passwordHash, unixNano(time.Now()))
	if err != nil {
		if isSQLiteConstraint(err) {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("failed to create user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read user id: %w", err)
	}
	return fromDBID(id), nil
}

// GetUserByUsername retrieves a user by username.
func (s *SQLiteStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.getUser(ctx,
		"SELECT id, username, password_hash, created_at FROM users WHERE username = ?", username)
}

// GetUserByID retrieves a user by id.
func (s *SQLiteStore) GetUserByID(ctx context.Context, id uint64) (*User, error) {
	return s.getUser(ctx,
		"SELECT id, username, password_hash, created_at FROM users WHERE id = ?", toDBID(id))
}

func (s *SQLiteStore) getUser(ctx context.Context, query string, arg any) (*User, error) {
	user := &User{}
	var id, created int64
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&id, &user.Username, &user.PasswordHash, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	user.ID = fromDBID(id)
	user.CreatedAt = fromUnixNano(created)
	return user, nil
}

// DeleteUser removes a user. Sessions and file records cascade.
func (s *SQLiteStore) DeleteUser(ctx context.Context, id uint64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM users WHERE id = ?", toDBID(id))
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return requireAffected(res)
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateSession inserts a session record.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *Session) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO sessions (id, user_id, created_at, expires_at) VALUES (?, ?, ?, ?)",
		toDBID(session.ID), toDBID(session.UserID), unixNano(session.CreatedAt), unixNano(session.ExpiresAt))
	if err != nil {
		if isSQLiteConstraint(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by token.
func (s *SQLiteStore) GetSession(ctx context.Context, id uint64) (*Session, error) {
	var sid, uid, created, expires int64
	err := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, created_at, expires_at FROM sessions WHERE id = ?", toDBID(id),
	).Scan(&sid, &uid, &created, &expires)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return &Session{
		ID:        fromDBID(sid),
		UserID:    fromDBID(uid),
		CreatedAt: fromUnixNano(created),
		ExpiresAt: fromUnixNano(expires),
	}, nil
}

// DeleteExpiredSessions removes sessions whose expiry is before now.
func (s *SQLiteStore) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM sessions WHERE expires_at < ?", unixNano(now))
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return res.RowsAffected()
}

const fileRecordColumns = "owner_id, file_name, salt, kdf, iterations, size, updated_at"

type scanner interface {
	Scan(dest ...any) error
}

func scanFileRecord(row scanner) (*FileRecord, error) {
	rec := &FileRecord{}
	var owner, updated int64
	if err := row.Scan(&owner, &rec.FileName, &rec.Salt, &rec.KDF, &rec.Iterations, &rec.Size, &updated); err != nil {
		return nil, err
	}
	rec.OwnerID = fromDBID(owner)
	rec.UpdatedAt = fromUnixNano(updated)
	return rec, nil
}

// GetFileRecord retrieves the record for (ownerID, fileName).
func (s *SQLiteStore) GetFileRecord(ctx context.Context, ownerID uint64, fileName string) (*FileRecord, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+fileRecordColumns+" FROM file_records WHERE owner_id = ? AND file_name = ?",
		toDBID(ownerID), fileName)
	rec, err := scanFileRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get file record: %w", err)
	}
	return rec, nil
}

// ListFileRecords returns every record owned by ownerID, by name.
func (s *SQLiteStore) ListFileRecords(ctx context.Context, ownerID uint64) ([]*FileRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT "+fileRecordColumns+" FROM file_records WHERE owner_id = ? ORDER BY file_name",
		toDBID(ownerID))
	if err != nil {
		return nil, fmt.Errorf("failed to list file records: %w", err)
	}
	defer rows.Close()

	var records []*FileRecord
	for rows.Next() {
		rec, err := scanFileRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file record: %w", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// PutFileRecord upserts rec and runs commit inside the same transaction.
func (s *SQLiteStore) PutFileRecord(ctx context.Context, rec *FileRecord, commit func() error) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO file_records (`+fileRecordColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(owner_id, file_name) DO UPDATE SET
				salt = excluded.salt,
				kdf = excluded.kdf,
				iterations = excluded.iterations,
				size = excluded.size,
				updated_at = excluded.updated_at
		`, toDBID(rec.OwnerID), rec.FileName, rec.Salt, rec.KDF, rec.Iterations, rec.Size, unixNano(rec.UpdatedAt))
		if err != nil {
			return fmt.Errorf("failed to upsert file record: %w", err)
		}
		return commit()
	})
}

// DeleteFileRecord deletes the record and runs commit inside the same transaction.
func (s *SQLiteStore) DeleteFileRecord(ctx context.Context, ownerID uint64, fileName string, commit func() error) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"DELETE FROM file_records WHERE owner_id = ? AND file_name = ?",
			toDBID(ownerID), fileName)
		if err != nil {
			return fmt.Errorf("failed to delete file record: %w", err)
		}
		if err := requireAffected(res); err != nil {
			return err
		}
		return commit()
	})
}

// HealthCheck verifies the database connection is alive.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() {
	s.db.Close()
}
