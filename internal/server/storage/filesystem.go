package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"saltvault/internal/server/pathguard"
)

// stagingDir holds blobs that are written but not yet committed, and blobs
// that were replaced but whose replacement is not yet committed. Owner
// directories are numeric, so this name never collides with one.
const stagingDir = ".staging"

var ErrBlobNotFound = errors.New("blob not found")

// Store defines the interface for blob storage backends.
type Store interface {
	EnsureDir() error
	Stage(data []byte) (*Staged, error)
	Swap(ownerID uint64, name string, staged *Staged) (*Swap, error)
	Detach(ownerID uint64, name string) (*Swap, error)
	Read(ownerID uint64, name string) ([]byte, error)
	RemoveOwner(ownerID uint64) error
	SweepStaging(olderThan time.Duration) (int, error)
}

// FileSystemStore stores blobs on the local filesystem at
// basePath/<owner_id>/<file_name>.
type FileSystemStore struct {
	basePath string
}

// NewFileSystemStore creates a new filesystem storage backend.
func NewFileSystemStore(basePath string) *FileSystemStore {
	return &FileSystemStore{basePath: basePath}
}

var _ Store = (*FileSystemStore)(nil)

// EnsureDir creates the storage and staging directories if they don't exist.
func (fs *FileSystemStore) EnsureDir() error {
	dir := filepath.Join(fs.basePath, stagingDir)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create storage directory %s: %w", dir, err)
	}
	return nil
}

// Staged is a fully written blob waiting to be moved into place.
type Staged struct {
	path string
}

// Discard removes the staged file. It is a no-op once the blob was swapped in.
func (s *Staged) Discard() {
	if s == nil || s.path == "" {
		return
	}
	os.Remove(s.path)
	s.path = ""
}

// Stage writes data to a new file in the staging directory and syncs it.
func (fs *FileSystemStore) Stage(data []byte) (*Staged, error) {
	file, err := os.CreateTemp(filepath.Join(fs.basePath, stagingDir), "blob-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create staging file: %w", err)
	}

	staged := &Staged{path: file.Name()}
	if _, err := file.Write(data); err != nil {
		file.Close()
		staged.Discard()
		return nil, fmt.Errorf("failed to write staging file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		staged.Discard()
		return nil, fmt.Errorf("failed to sync staging file: %w", err)
	}
	if err := file.Close(); err != nil {
		staged.Discard()
		return nil, fmt.Errorf("failed to close staging file: %w", err)
	}
	return staged, nil
}

// Swap records a change to a blob path that can still be undone.
// Exactly one of Rollback or Finish should be called.
type Swap struct {
	target   string
	backup   string // previous blob, empty if there was none
	replaced bool   // target now holds a newly staged blob
}

// Rollback restores the blob that was at the target before the swap.
func (s *Swap) Rollback() error {
	if s.replaced {
		if err := os.Remove(s.target); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove swapped blob: %w", err)
		}
	}
	if s.backup != "" {
		if err := os.Rename(s.backup, s.target); err != nil {
			return fmt.Errorf("failed to restore blob: %w", err)
		}
	}
	return nil
}

// Finish drops the previous blob.
func (s *Swap) Finish() error {
	if s.backup == "" {
		return nil
	}
	if err := os.Remove(s.backup); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove replaced blob: %w", err)
	}
	return nil
}

// Swap moves any existing blob for (ownerID, name) aside and renames staged
// into its place.
func (fs *FileSystemStore) Swap(ownerID uint64, name string, staged *Staged) (*Swap, error) {
	if staged == nil || staged.path == "" {
		return nil, errors.New("blob is not staged")
	}
	swap, err := fs.Detach(ownerID, name)
	if err != nil && !errors.Is(err, ErrBlobNotFound) {
		return nil, err
	}
	if swap == nil {
		target, err := fs.blobPath(ownerID, name)
		if err != nil {
			return nil, err
		}
		swap = &Swap{target: target}
	}

	if err := os.MkdirAll(filepath.Dir(swap.target), 0o700); err != nil {
		swap.Rollback()
		return nil, fmt.Errorf("failed to create owner directory: %w", err)
	}
	if err := os.Rename(staged.path, swap.target); err != nil {
		swap.Rollback()
		return nil, fmt.Errorf("failed to move blob into place: %w", err)
	}
	staged.path = ""
	swap.replaced = true
	return swap, nil
}

// Detach moves the blob for (ownerID, name) into the staging directory.
// Rollback puts it back; Finish deletes it.
func (fs *FileSystemStore) Detach(ownerID uint64, name string) (*Swap, error) {
	target, err := fs.blobPath(ownerID, name)
	if err != nil {
		return nil, err
	}

	backup, err := os.CreateTemp(filepath.Join(fs.basePath, stagingDir), "replaced-*")
	if err != nil {
		return nil, fmt.Errorf("failed to reserve backup file: %w", err)
	}
	backup.Close()

	if err := os.Rename(target, backup.Name()); err != nil {
		os.Remove(backup.Name())
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, name)
		}
		return nil, fmt.Errorf("failed to move blob aside: %w", err)
	}
	return &Swap{target: target, backup: backup.Name()}, nil
}

// Read returns the stored blob for (ownerID, name).
func (fs *FileSystemStore) Read(ownerID uint64, name string) ([]byte, error) {
	path, err := fs.blobPath(ownerID, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrBlobNotFound, name)
		}
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	return data, nil
}

// RemoveOwner deletes an owner's whole storage directory.
func (fs *FileSystemStore) RemoveOwner(ownerID uint64) error {
	dir := fs.ownerDir(ownerID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to delete owner directory %s: %w", dir, err)
	}
	return nil
}

// SweepStaging removes staging files older than olderThan. These are left
// behind only when the process dies between staging and commit.
func (fs *FileSystemStore) SweepStaging(olderThan time.Duration) (int, error) {
	dir := filepath.Join(fs.basePath, stagingDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to list staging directory: %w", err)
	}

	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !(strings.HasPrefix(e.Name(), "blob-") || strings.HasPrefix(e.Name(), "replaced-")) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err == nil {
			removed++
		}
	}
	return removed, nil
}

func (fs *FileSystemStore) ownerDir(ownerID uint64) string {
	return filepath.Join(fs.basePath, strconv.FormatUint(ownerID, 10))
}

// blobPath re-validates name so a path is never built from an unchecked value.
func (fs *FileSystemStore) blobPath(ownerID uint64, name string) (string, error) {
	return pathguard.Join(fs.ownerDir(ownerID), name)
}
