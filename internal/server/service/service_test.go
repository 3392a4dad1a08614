package service

import (
	"context"
	"path/filepath"
	"testing"

	"saltvault/internal/server/crypto"
	"saltvault/internal/server/database"
	"saltvault/internal/server/storage"
)

// testKDF keeps derivation fast; production iteration counts are covered in
// the crypto package.
var testKDF = crypto.KDF{Iterations: 1000}

type testEnv struct {
	repo     database.Store
	blobs    *storage.FileSystemStore
	blobDir  string
	creds    *CredentialStore
	sessions *SessionManager
	vault    *FileVault
}

func newTestEnv(t *testing.T, opts ...VaultOption) *testEnv {
	t.Helper()
	dir := t.TempDir()

	repo, err := database.NewSQLite(context.Background(), filepath.Join(dir, "vault.db"))
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(repo.Close)

	blobDir := filepath.Join(dir, "blobs")
	blobs := storage.NewFileSystemStore(blobDir)
	if err := blobs.EnsureDir(); err != nil {
		t.Fatalf("EnsureDir: %v", err)
	}

	return &testEnv{
		repo:     repo,
		blobs:    blobs,
		blobDir:  blobDir,
		creds:    NewCredentialStore(repo),
		sessions: NewSessionManager(repo),
		vault:    NewFileVault(repo, blobs, append([]VaultOption{WithKDF(testKDF)}, opts...)...),
	}
}

func (e *testEnv) register(t *testing.T, username string) uint64 {
	t.Helper()
	id, err := e.creds.Register(context.Background(), username, "pw-"+username)
	if err != nil {
		t.Fatalf("Register(%s): %v", username, err)
	}
	return id
}

func (e *testEnv) upload(t *testing.T, owner uint64, name, password, contents string) {
	t.Helper()
	if err := e.vault.Upload(context.Background(), owner, name, password, []byte(contents)); err != nil {
		t.Fatalf("Upload(%s): %v", name, err)
	}
}
