package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const pgUniqueViolation = "23505"

// Repository is the Postgres implementation of Store.
type Repository struct {
	db *DB
}

// NewRepository creates a new Repository.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

var _ Store = (*Repository)(nil)

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

// CreateUser inserts a new user and returns its generated id.
func (r *Repository) CreateUser(ctx context.Context, username, passwordHash string) (uint64, error) {
	var id int64
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO users (username, password_hash, created_at)
		VALUES ($1, $2, $3)
		RETURNING id
	`, username, passwordHash, time.Now().UTC()).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrConflict
		}
		return 0, fmt.Errorf("failed to create user: %w", err)
	}
	return fromDBID(id), nil
}

// GetUserByUsername retrieves a user by username.
func (r *Repository) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return r.getUser(ctx, `
		SELECT id, username, password_hash, created_at
		FROM users WHERE username = $1
	`, username)
}

// GetUserByID retrieves a user by id.
func (r *Repository) GetUserByID(ctx context.Context, id uint64) (*User, error) {
	return r.getUser(ctx, `
		SELECT id, username, password_hash, created_at
		FROM users WHERE id = $1
	`, toDBID(id))
}

func (r *Repository) getUser(ctx context.Context, query string, arg any) (*User, error) {
	user := &User{}
	var id int64
	err := r.db.Pool.QueryRow(ctx, query, arg).Scan(
		&id,
		&user.Username,
		&user.PasswordHash,
		&user.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	user.ID = fromDBID(id)
	return user, nil
}

// DeleteUser removes a user. Sessions and file records cascade.
func (r *Repository) DeleteUser(ctx context.Context, id uint64) error {
	tag, err := r.db.Pool.Exec(ctx, "DELETE FROM users WHERE id = $1", toDBID(id))
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CreateSession inserts a session record.
func (r *Repository) CreateSession(ctx context.Context, s *Session) error {
	_, err := r.db.Pool.Exec(ctx, `
		INSERT INTO sessions (id, user_id, created_at, expires_at)
		VALUES ($1, $2, $3, $4)
	`, toDBID(s.ID), toDBID(s.UserID), s.CreatedAt, s.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by token.
func (r *Repository) GetSession(ctx context.Context, id uint64) (*Session, error) {
	s := &Session{}
	var sid, uid int64
	err := r.db.Pool.QueryRow(ctx, `
		SELECT id, user_id, created_at, expires_at
		FROM sessions WHERE id = $1
	`, toDBID(id)).Scan(&sid, &uid, &s.CreatedAt, &s.ExpiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	s.ID, s.UserID = fromDBID(sid), fromDBID(uid)
	return s, nil
}

// DeleteExpiredSessions removes sessions whose expiry is before now.
func (r *Repository) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, "DELETE FROM sessions WHERE expires_at < $1", now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetFileRecord retrieves the record for (ownerID, fileName).
func (r *Repository) GetFileRecord(ctx context.Context, ownerID uint64, fileName string) (*FileRecord, error) {
	rec := &FileRecord{}
	var owner int64
	err := r.db.Pool.QueryRow(ctx, `
		SELECT owner_id, file_name, salt, kdf, iterations, size, updated_at
		FROM file_records WHERE owner_id = $1 AND file_name = $2
	`, toDBID(ownerID), fileName).Scan(
		&owner,
		&rec.FileName,
		&rec.Salt,
		&rec.KDF,
		&rec.Iterations,
		&rec.Size,
		&rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get file record: %w", err)
	}
	rec.OwnerID = fromDBID(owner)
	return rec, nil
}

// ListFileRecords returns every record owned by ownerID, by name.
func (r *Repository) ListFileRecords(ctx context.Context, ownerID uint64) ([]*FileRecord, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT owner_id, file_name, salt, kdf, iterations, size, updated_at
		FROM file_records WHERE owner_id = $1
		ORDER BY file_name
	`, toDBID(ownerID))
	if err != nil {
		return nil, fmt.Errorf("failed to list file records: %w", err)
	}
	defer rows.Close()

	var records []*FileRecord
	for rows.Next() {
		rec := &FileRecord{}
		var owner int64
		if err := rows.Scan(
			&owner,
			&rec.FileName,
			&rec.Salt,
			&rec.KDF,
			&rec.Iterations,
			&rec.Size,
			&rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan file record: %w", err)
		}
		rec.OwnerID = fromDBID(owner)
		records = append(records, rec)
	}
	return records, rows.Err()
}

// PutFileRecord upserts rec and runs commit while the row is locked.
func (r *Repository) PutFileRecord(ctx context.Context, rec *FileRecord, commit func() error) error {
	return pgx.BeginFunc(ctx, r.db.Pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO file_records (owner_id, file_name, salt, kdf, iterations, size, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (owner_id, file_name) DO UPDATE SET
				salt = excluded.salt,
				kdf = excluded.kdf,
				iterations = excluded.iterations,
				size = excluded.size,
				updated_at = excluded.updated_at
		`, toDBID(rec.OwnerID), rec.FileName, rec.Salt, rec.KDF, rec.Iterations, rec.Size, rec.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to upsert file record: %w", err)
		}
		return commit()
	})
}

// DeleteFileRecord deletes the record and runs commit before the
// transaction is committed.
func (r *Repository) DeleteFileRecord(ctx context.Context, ownerID uint64, fileName string, commit func() error) error {
	return pgx.BeginFunc(ctx, r.db.Pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			"DELETE FROM file_records WHERE owner_id = $1 AND file_name = $2",
			toDBID(ownerID), fileName)
		if err != nil {
			return fmt.Errorf("failed to delete file record: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return commit()
	})
}

// HealthCheck verifies the database connection is alive.
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.HealthCheck(ctx)
}

// Close shuts down the connection pool.
func (r *Repository) Close() {
	r.db.Close()
}
