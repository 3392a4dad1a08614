package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"
	"unicode/utf8"

	"saltvault/internal/server/crypto"
	"saltvault/internal/server/database"
	"saltvault/internal/server/pathguard"
	"saltvault/internal/server/storage"
)

// DefaultMaxFileSize bounds a single upload's plaintext.
const DefaultMaxFileSize int64 = 10 << 20

// FileInfo describes a stored file without revealing its contents.
type FileInfo struct {
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FileVault encrypts text files under a per-upload password and stores them
// per owner. Records and blobs for the same (owner, name) are always
// replaced together.
type FileVault struct {
	repo        database.Store
	store       storage.Store
	kdf         crypto.KDF
	maxFileSize int64
	locks       *keyLock
	now         func() time.Time
}

// VaultOption configures a FileVault.
type VaultOption func(*FileVault)

// WithKDF sets the derivation used for new uploads. Existing records keep
// the parameters they were written with.
func WithKDF(kdf crypto.KDF) VaultOption {
	return func(v *FileVault) { v.kdf = kdf }
}

// WithMaxFileSize sets the largest accepted plaintext in bytes.
func WithMaxFileSize(n int64) VaultOption {
	return func(v *FileVault) { v.maxFileSize = n }
}

// NewFileVault creates a vault over a metadata store and a blob store.
func NewFileVault(repo database.Store, store storage.Store, opts ...VaultOption) *FileVault {
	v := &FileVault{
		repo:        repo,
		store:       store,
		kdf:         crypto.DefaultKDF,
		maxFileSize: DefaultMaxFileSize,
		locks:       newKeyLock(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func lockKey(ownerID uint64, name string) string {
	return strconv.FormatUint(ownerID, 10) + "/" + name
}

// Upload encrypts contents under a key derived from password and a fresh
// salt, then stores the record and blob, replacing any previous version.
func (v *FileVault) Upload(ctx context.Context, ownerID uint64, fileName, password string, contents []byte) error {
	name, err := pathguard.Validate(fileName)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}
	if int64(len(contents)) > v.maxFileSize {
		return ErrTooLarge
	}
	if !utf8.Valid(contents) {
		return fmt.Errorf("%w: file is not valid UTF-8 text", ErrRejected)
	}
	if password == "" {
		return fmt.Errorf("%w: password is required", ErrRejected)
	}

	salt, err := crypto.GenerateSalt()
	if err != nil {
		return err
	}
	saltBytes, err := crypto.DecodeSalt(salt)
	if err != nil {
		return err
	}

	key := v.kdf.Derive(password, saltBytes)
	sealed, err := crypto.Seal(key, contents)
	if err != nil {
		return fmt.Errorf("failed to encrypt file: %w", err)
	}

	staged, err := v.store.Stage(crypto.EncodeBlob(sealed))
	if err != nil {
		return storageFailure("blob stage", err, "owner_id", ownerID)
	}
	defer staged.Discard()

	rec := &database.FileRecord{
		OwnerID:    ownerID,
		FileName:   name,
		Salt:       salt,
		KDF:        v.kdf.Scheme(),
		Iterations: v.kdf.Iterations,
		Size:       int64(len(contents)),
		UpdatedAt:  v.now().UTC(),
	}

	unlock := v.locks.Lock(lockKey(ownerID, name))
	defer unlock()

	var swap *storage.Swap
	err = v.repo.PutFileRecord(ctx, rec, func() error {
		var err error
		swap, err = v.store.Swap(ownerID, name, staged)
		return err
	})
	if err != nil {
		if swap != nil {
			if rbErr := swap.Rollback(); rbErr != nil {
				slog.Error("blob rollback failed", "owner_id", ownerID, "file", name, "error", rbErr)
			}
		}
		return storageFailure("file record write", err, "owner_id", ownerID, "file", name)
	}

	if err := swap.Finish(); err != nil {
		slog.Warn("failed to drop replaced blob", "owner_id", ownerID, "file", name, "error", err)
	}

	slog.Info("file stored", "owner_id", ownerID, "file", name, "size", rec.Size)
	return nil
}

// Download decrypts the stored file with a key derived from password.
// A wrong password and a tampered blob are indistinguishable.
func (v *FileVault) Download(ctx context.Context, ownerID uint64, fileName, password string) (string, error) {
	name, err := pathguard.Validate(fileName)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRejected, err)
	}

	rec, blob, err := v.readLocked(ctx, ownerID, name)
	if err != nil {
		return "", err
	}

	kdf, err := crypto.ParseScheme(rec.KDF, rec.Iterations)
	if err != nil {
		slog.Error("unusable key derivation parameters", "owner_id", ownerID, "file", name, "error", err)
		return "", ErrCorrupt
	}
	salt, err := crypto.DecodeSalt(rec.Salt)
	if err != nil {
		slog.Error("unusable salt", "owner_id", ownerID, "file", name, "error", err)
		return "", ErrCorrupt
	}

	sealed, err := crypto.DecodeBlob(blob)
	if err != nil {
		return "", ErrUnauthorized
	}
	plaintext, err := crypto.Open(kdf.Derive(password, salt), sealed)
	if err != nil {
		return "", ErrUnauthorized
	}
	if !utf8.Valid(plaintext) {
		return "", ErrCorrupt
	}
	return string(plaintext), nil
}

// readLocked fetches the record and blob as one consistent pair.
func (v *FileVault) readLocked(ctx context.Context, ownerID uint64, name string) (*database.FileRecord, []byte, error) {
	unlock := v.locks.RLock(lockKey(ownerID, name))
	defer unlock()

	rec, err := v.repo.GetFileRecord(ctx, ownerID, name)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, storageFailure("file record read", err, "owner_id", ownerID, "file", name)
	}
	if _, err := pathguard.Validate(rec.FileName); err != nil {
		slog.Error("stored file name rejected", "owner_id", ownerID, "file", name, "error", err)
		return nil, nil, fmt.Errorf("%w: stored name: %v", ErrRejected, err)
	}

	blob, err := v.store.Read(ownerID, rec.FileName)
	if err != nil {
		return nil, nil, storageFailure("blob read", err, "owner_id", ownerID, "file", name)
	}
	return rec, blob, nil
}

// List returns the owner's files ordered by name.
func (v *FileVault) List(ctx context.Context, ownerID uint64) ([]FileInfo, error) {
	records, err := v.repo.ListFileRecords(ctx, ownerID)
	if err != nil {
		return nil, storageFailure("file record list", err, "owner_id", ownerID)
	}

	files := make([]FileInfo, 0, len(records))
	for _, rec := range records {
		files = append(files, FileInfo{Name: rec.FileName, Size: rec.Size, UpdatedAt: rec.UpdatedAt})
	}
	return files, nil
}

// Delete removes a file's record and blob together.
func (v *FileVault) Delete(ctx context.Context, ownerID uint64, fileName string) error {
	name, err := pathguard.Validate(fileName)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRejected, err)
	}

	unlock := v.locks.Lock(lockKey(ownerID, name))
	defer unlock()

	var swap *storage.Swap
	err = v.repo.DeleteFileRecord(ctx, ownerID, name, func() error {
		var err error
		swap, err = v.store.Detach(ownerID, name)
		if errors.Is(err, storage.ErrBlobNotFound) {
			slog.Warn("deleting record without blob", "owner_id", ownerID, "file", name)
			return nil
		}
		return err
	})
	if err != nil {
		if swap != nil {
			if rbErr := swap.Rollback(); rbErr != nil {
				slog.Error("blob rollback failed", "owner_id", ownerID, "file", name, "error", rbErr)
			}
		}
		if errors.Is(err, database.ErrNotFound) {
			return ErrNotFound
		}
		return storageFailure("file record delete", err, "owner_id", ownerID, "file", name)
	}

	if swap != nil {
		if err := swap.Finish(); err != nil {
			slog.Warn("failed to drop deleted blob", "owner_id", ownerID, "file", name, "error", err)
		}
	}

	slog.Info("file deleted", "owner_id", ownerID, "file", name)
	return nil
}

// PurgeOwner removes every blob belonging to ownerID.
func (v *FileVault) PurgeOwner(ctx context.Context, ownerID uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := v.store.RemoveOwner(ownerID); err != nil {
		return storageFailure("owner purge", err, "owner_id", ownerID)
	}
	return nil
}
