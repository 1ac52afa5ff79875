package bbolt

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	apperrors "github.com/louisbranch/cacheline/internal/platform/errors"
	"github.com/louisbranch/cacheline/internal/services/cache/storage"
	"github.com/louisbranch/cacheline/internal/services/cache/storage/storagetest"
)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "cache.bolt"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close store: %v", err)
		}
	})
	return store
}

func TestConformance(t *testing.T) {
	storagetest.RunAdapterConformance(t, func(t *testing.T) storage.Adapter {
		return openTempStore(t)
	})
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestGetRejectsEmptyKey(t *testing.T) {
	store := openTempStore(t)
	_, _, err := store.Get(context.Background(), "")
	if apperrors.CodeOf(err) != apperrors.CodeInvalidArgument {
		t.Fatalf("err = %v, want invalid argument", err)
	}
}

func TestGetHonorsCancelledContext(t *testing.T) {
	store := openTempStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := store.Get(ctx, "k"); err == nil {
		t.Fatal("expected context error")
	}
}

func TestPurgeExpired(t *testing.T) {
	store := openTempStore(t)
	ctx := context.Background()
	now := time.UnixMilli(2_000_000)

	if err := store.Set(ctx, "old", storage.RawEntry{Data: 1, ExpireAt: now.Add(-time.Minute)}); err != nil {
		t.Fatalf("set old: %v", err)
	}
	if err := store.Set(ctx, "new", storage.RawEntry{Data: 2, ExpireAt: now.Add(time.Minute)}); err != nil {
		t.Fatalf("set new: %v", err)
	}

	purged, err := store.PurgeExpired(ctx, now)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Fatalf("purged = %d, want 1", purged)
	}
	if _, ok, _ := store.Get(ctx, "old"); ok {
		t.Fatal("expected old entry to be purged")
	}
	if _, ok, _ := store.Get(ctx, "new"); !ok {
		t.Fatal("expected new entry to remain")
	}
}
