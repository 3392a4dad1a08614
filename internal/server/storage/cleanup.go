package storage

import (
	"context"
	"log/slog"
	"time"
)

// SessionPurger deletes session rows that can no longer validate.
type SessionPurger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

// CleanupService periodically removes expired sessions from the database
// and staging files abandoned by interrupted uploads.
type CleanupService struct {
	sessions   SessionPurger
	store      Store
	interval   time.Duration
	stagingAge time.Duration
	done       chan struct{}
}

// NewCleanupService creates a new cleanup service. Staging files older than
// stagingAge are treated as abandoned.
func NewCleanupService(sessions SessionPurger, store Store, interval, stagingAge time.Duration) *CleanupService {
	return &CleanupService{
		sessions:   sessions,
		store:      store,
		interval:   interval,
		stagingAge: stagingAge,
		done:       make(chan struct{}),
	}
}

// Start begins the cleanup loop in a background goroutine.
func (cs *CleanupService) Start(ctx context.Context) {
	slog.Info("cleanup service started", "interval", cs.interval)

	go func() {
		ticker := time.NewTicker(cs.interval)
		defer ticker.Stop()

		// Run once immediately on start
		cs.runCleanup(ctx)

		for {
			select {
			case <-ticker.C:
				cs.runCleanup(ctx)
			case <-ctx.Done():
				slog.Info("cleanup service stopping")
				close(cs.done)
				return
			}
		}
	}()
}

// Wait blocks until the cleanup service has fully stopped.
func (cs *CleanupService) Wait() {
	<-cs.done
}

func (cs *CleanupService) runCleanup(ctx context.Context) {
	purged, err := cs.sessions.PurgeExpired(ctx)
	if err != nil {
		slog.Error("failed to purge expired sessions", "error", err)
	}

	swept, err := cs.store.SweepStaging(cs.stagingAge)
	if err != nil {
		slog.Error("failed to sweep staging directory", "error", err)
	}

	slog.Info("cleanup cycle complete",
		"expired_sessions", purged,
		"stale_staging_files", swept,
	)
}
