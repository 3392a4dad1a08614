package storage

import (
	"context"
	"os"
	"sync/atomic"
	"testing"
	"time"
)

type countingPurger struct {
	calls atomic.Int32
}

func (p *countingPurger) PurgeExpired(context.Context) (int64, error) {
	p.calls.Add(1)
	return 0, nil
}

func TestCleanupService(t *testing.T) {
	store, dir := newTestStore(t)

	stale, err := store.Stage([]byte("abandoned"))
	if err != nil {
		t.Fatalf("Stage: %v", err)
	}
	past := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(stale.path, past, past); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}

	purger := &countingPurger{}
	cs := NewCleanupService(purger, store, time.Hour, 24*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	cs.Start(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for purger.calls.Load() == 0 || stagingEntries(t, dir) != 0 {
		if time.Now().After(deadline) {
			cancel()
			t.Fatal("cleanup did not run on start")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	cs.Wait()
}
