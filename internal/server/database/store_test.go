package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLiteStore(t *testing.T) Store {
	t.Helper()
	store, err := NewSQLite(context.Background(), filepath.Join(t.TempDir(), "vault.db"))
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func TestSQLiteStore(t *testing.T) {
	testStoreContract(t, newSQLiteStore)
}

func TestPostgresStore(t *testing.T) {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	testStoreContract(t, func(t *testing.T) Store {
		store, err := Open(context.Background(), url)
		require.NoError(t, err)
		t.Cleanup(store.Close)
		return store
	})
}

func TestOpen_EmptyURL(t *testing.T) {
	_, err := Open(context.Background(), "")
	assert.Error(t, err)
}

func TestOpen_SQLitePrefix(t *testing.T) {
	store, err := Open(context.Background(), "sqlite://"+filepath.Join(t.TempDir(), "v.db"))
	require.NoError(t, err)
	defer store.Close()
	assert.NoError(t, store.HealthCheck(context.Background()))
}

func TestOpen_CreatesParentDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage", "nested", "saltvault.db")

	store, err := Open(context.Background(), "sqlite://"+path)
	require.NoError(t, err)
	defer store.Close()

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestDBIDRoundTrip(t *testing.T) {
	for _, id := range []uint64{0, 1, 1 << 63, ^uint64(0)} {
		assert.Equal(t, id, fromDBID(toDBID(id)))
	}
}

// uniqueName keeps Postgres runs independent of leftovers from earlier runs.
func uniqueName(t *testing.T, base string) string {
	return fmt.Sprintf("%s-%d", base, time.Now().UnixNano())
}

func testStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("users", func(t *testing.T) {
		store := newStore(t)
		name := uniqueName(t, "alice")

		id, err := store.CreateUser(ctx, name, "hash")
		require.NoError(t, err)
		require.NotZero(t, id)

		_, err = store.CreateUser(ctx, name, "other")
		assert.ErrorIs(t, err, ErrConflict)

		byName, err := store.GetUserByUsername(ctx, name)
		require.NoError(t, err)
		assert.Equal(t, id, byName.ID)
		assert.Equal(t, "hash", byName.PasswordHash)

		byID, err := store.GetUserByID(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, name, byID.Username)

		_, err = store.GetUserByUsername(ctx, uniqueName(t, "ghost"))
		assert.ErrorIs(t, err, ErrNotFound)

		require.NoError(t, store.DeleteUser(ctx, id))
		assert.ErrorIs(t, store.DeleteUser(ctx, id), ErrNotFound)
		_, err = store.GetUserByID(ctx, id)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("sessions", func(t *testing.T) {
		store := newStore(t)
		uid, err := store.CreateUser(ctx, uniqueName(t, "bob"), "hash")
		require.NoError(t, err)

		now := time.Now().UTC().Truncate(time.Microsecond)
		s := &Session{
			ID:        1<<63 + uint64(now.UnixNano()&0xffff),
			UserID:    uid,
			CreatedAt: now,
			ExpiresAt: now.Add(time.Hour),
		}
		require.NoError(t, store.CreateSession(ctx, s))
		assert.ErrorIs(t, store.CreateSession(ctx, s), ErrConflict)

		got, err := store.GetSession(ctx, s.ID)
		require.NoError(t, err)
		assert.Equal(t, s.ID, got.ID, "high-bit ids must survive storage")
		assert.Equal(t, uid, got.UserID)
		assert.True(t, got.ExpiresAt.Equal(s.ExpiresAt))

		_, err = store.GetSession(ctx, s.ID+1)
		assert.ErrorIs(t, err, ErrNotFound)

		n, err := store.DeleteExpiredSessions(ctx, now.Add(2*time.Hour))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, int64(1))
		_, err = store.GetSession(ctx, s.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("file records", func(t *testing.T) {
		store := newStore(t)
		uid, err := store.CreateUser(ctx, uniqueName(t, "carol"), "hash")
		require.NoError(t, err)
		other, err := store.CreateUser(ctx, uniqueName(t, "dave"), "hash")
		require.NoError(t, err)

		rec := &FileRecord{
			OwnerID:    uid,
			FileName:   "notes.txt",
			Salt:       "aa",
			KDF:        "pbkdf2-sha512",
			Iterations: 600000,
			Size:       5,
			UpdatedAt:  time.Now().UTC(),
		}

		committed := 0
		require.NoError(t, store.PutFileRecord(ctx, rec, func() error { committed++; return nil }))
		assert.Equal(t, 1, committed)

		got, err := store.GetFileRecord(ctx, uid, "notes.txt")
		require.NoError(t, err)
		assert.Equal(t, "aa", got.Salt)
		assert.Equal(t, 600000, got.Iterations)

		_, err = store.GetFileRecord(ctx, other, "notes.txt")
		assert.ErrorIs(t, err, ErrNotFound, "records are scoped by owner")

		t.Run("upsert replaces", func(t *testing.T) {
			rec2 := *rec
			rec2.Salt = "bb"
			require.NoError(t, store.PutFileRecord(ctx, &rec2, func() error { return nil }))

			got, err := store.GetFileRecord(ctx, uid, "notes.txt")
			require.NoError(t, err)
			assert.Equal(t, "bb", got.Salt)

			list, err := store.ListFileRecords(ctx, uid)
			require.NoError(t, err)
			assert.Len(t, list, 1)
		})

		t.Run("commit failure rolls back", func(t *testing.T) {
			rec3 := *rec
			rec3.Salt = "cc"
			boom := errors.New("rename failed")
			err := store.PutFileRecord(ctx, &rec3, func() error { return boom })
			assert.ErrorIs(t, err, boom)

			got, err := store.GetFileRecord(ctx, uid, "notes.txt")
			require.NoError(t, err)
			assert.Equal(t, "bb", got.Salt)
		})

		t.Run("same name for another owner", func(t *testing.T) {
			rec4 := *rec
			rec4.OwnerID = other
			rec4.Salt = "dd"
			require.NoError(t, store.PutFileRecord(ctx, &rec4, func() error { return nil }))

			mine, err := store.GetFileRecord(ctx, uid, "notes.txt")
			require.NoError(t, err)
			assert.Equal(t, "bb", mine.Salt)
		})

		t.Run("delete", func(t *testing.T) {
			boom := errors.New("remove failed")
			err := store.DeleteFileRecord(ctx, uid, "notes.txt", func() error { return boom })
			assert.ErrorIs(t, err, boom)
			_, err = store.GetFileRecord(ctx, uid, "notes.txt")
			require.NoError(t, err, "failed commit keeps the record")

			called := false
			require.NoError(t, store.DeleteFileRecord(ctx, uid, "notes.txt", func() error { called = true; return nil }))
			assert.True(t, called)

			err = store.DeleteFileRecord(ctx, uid, "notes.txt", func() error {
				t.Error("commit must not run for a missing record")
				return nil
			})
			assert.ErrorIs(t, err, ErrNotFound)
		})

		t.Run("user delete cascades", func(t *testing.T) {
			require.NoError(t, store.DeleteUser(ctx, other))
			_, err := store.GetFileRecord(ctx, other, "notes.txt")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	})
}
