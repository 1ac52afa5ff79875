package bigcache

import (
	"context"
	"strconv"
	"testing"

	"github.com/cespare/xxhash/v2"

	"github.com/louisbranch/cacheline/internal/services/cache/storage"
	"github.com/louisbranch/cacheline/internal/services/cache/storage/storagetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	store, err := New(ctx, Config{Shards: 16})
	if err != nil {
		cancel()
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
		cancel()
	})
	return store
}

func TestConformance(t *testing.T) {
	storagetest.RunAdapterConformance(t, func(t *testing.T) storage.Adapter {
		return newTestStore(t)
	})
}

func TestHasherUsesXXHash(t *testing.T) {
	t.Parallel()

	if got, want := (xxHasher{}).Sum64("ns:key"), xxhash.Sum64String("ns:key"); got != want {
		t.Fatalf("Sum64 = %d, want %d", got, want)
	}
}

func TestNewRejectsInvalidShardCount(t *testing.T) {
	t.Parallel()

	if _, err := New(context.Background(), Config{Shards: 3}); err == nil {
		t.Fatal("expected error for non power of two shard count")
	}
}

func TestLenTracksEntries(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if err := store.Set(ctx, storage.Key("n", strconv.Itoa(i)), storage.RawEntry{Data: i}); err != nil {
			t.Fatalf("set %d: %v", i, err)
		}
	}
	if store.Len() != 5 {
		t.Fatalf("len = %d, want 5", store.Len())
	}
	if _, err := store.RemovePrefix(ctx, storage.NamespacePrefix("n")); err != nil {
		t.Fatalf("remove prefix: %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("len = %d, want 0", store.Len())
	}
}
