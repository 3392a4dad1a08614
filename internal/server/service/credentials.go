package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"saltvault/internal/server/database"

	"golang.org/x/crypto/bcrypt"
)

const maxUsernameLen = 255

// CredentialStore registers accounts and checks username/password pairs.
// Passwords are kept only as bcrypt hashes.
type CredentialStore struct {
	repo database.Store
	cost int

	dummyOnce sync.Once
	dummyHash []byte
}

// NewCredentialStore creates a credential store with bcrypt.DefaultCost.
func NewCredentialStore(repo database.Store) *CredentialStore {
	return &CredentialStore{repo: repo, cost: bcrypt.DefaultCost}
}

// Register creates a new account and returns its id.
func (c *CredentialStore) Register(ctx context.Context, username, password string) (uint64, error) {
	if username == "" || len(username) > maxUsernameLen {
		return 0, fmt.Errorf("%w: username must be 1-%d bytes", ErrRejected, maxUsernameLen)
	}
	if password == "" {
		return 0, fmt.Errorf("%w: password is required", ErrRejected)
	}

	if _, err := c.repo.GetUserByUsername(ctx, username); err == nil {
		return 0, ErrConflict
	} else if !errors.Is(err, database.ErrNotFound) {
		return 0, storageFailure("user lookup", err, "username", username)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), c.cost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return 0, fmt.Errorf("%w: password longer than 72 bytes", ErrRejected)
		}
		return 0, fmt.Errorf("failed to hash password: %w", err)
	}

	id, err := c.repo.CreateUser(ctx, username, string(hash))
	if err != nil {
		if errors.Is(err, database.ErrConflict) {
			return 0, ErrConflict
		}
		return 0, storageFailure("user create", err, "username", username)
	}

	slog.Info("user registered", "user_id", id, "username", username)
	return id, nil
}

// Authenticate returns the id of the account matching username and password.
// Unknown users and wrong passwords both yield ErrUnauthorized and take about
// the same time.
func (c *CredentialStore) Authenticate(ctx context.Context, username, password string) (uint64, error) {
	user, err := c.repo.GetUserByUsername(ctx, username)
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			return 0, storageFailure("user lookup", err, "username", username)
		}
		bcrypt.CompareHashAndPassword(c.dummy(), []byte(password))
		return 0, ErrUnauthorized
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return 0, ErrUnauthorized
	}
	return user.ID, nil
}

// Validate reports whether username and password match a stored account.
func (c *CredentialStore) Validate(ctx context.Context, username, password string) bool {
	_, err := c.Authenticate(ctx, username, password)
	return err == nil
}

// LookupID returns the id registered for username.
func (c *CredentialStore) LookupID(ctx context.Context, username string) (uint64, error) {
	user, err := c.repo.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return 0, ErrNotFound
		}
		return 0, storageFailure("user lookup", err, "username", username)
	}
	return user.ID, nil
}

// Delete removes an account with its sessions and file records, returning
// the id it had. Blob cleanup is the caller's job (FileVault.PurgeOwner).
func (c *CredentialStore) Delete(ctx context.Context, username string) (uint64, error) {
	id, err := c.LookupID(ctx, username)
	if err != nil {
		return 0, err
	}
	if err := c.repo.DeleteUser(ctx, id); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return 0, ErrNotFound
		}
		return 0, storageFailure("user delete", err, "user_id", id)
	}
	slog.Info("user deleted", "user_id", id, "username", username)
	return id, nil
}

func (c *CredentialStore) dummy() []byte {
	c.dummyOnce.Do(func() {
		c.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("saltvault-dummy-password"), c.cost)
	})
	return c.dummyHash
}
