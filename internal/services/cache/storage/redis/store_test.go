package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/louisbranch/cacheline/internal/services/cache/storage"
	"github.com/louisbranch/cacheline/internal/services/cache/storage/storagetest"
)

func newTestStore(t *testing.T, prefix string) (*Store, *miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})
	store, err := New(client, prefix)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return store, mr, client
}

func TestConformance(t *testing.T) {
	storagetest.RunAdapterConformance(t, func(t *testing.T) storage.Adapter {
		store, _, _ := newTestStore(t, "cache:")
		return store
	})
}

func TestNewRequiresClient(t *testing.T) {
	if _, err := New(nil, "x"); err == nil {
		t.Fatal("expected error for nil client")
	}
}

func TestSetPushesExpiryDown(t *testing.T) {
	store, mr, _ := newTestStore(t, "cache:")
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	if err := store.Set(ctx, "k", storage.RawEntry{Data: "v", ExpireAt: now.Add(1500 * time.Millisecond)}); err != nil {
		t.Fatalf("set: %v", err)
	}
	ttl := mr.TTL("cache:k")
	if ttl <= 0 || ttl > 1500*time.Millisecond {
		t.Fatalf("ttl = %v, want (0, 1.5s]", ttl)
	}

	mr.FastForward(2 * time.Second)
	if _, ok, err := store.Get(ctx, "k"); err != nil || ok {
		t.Fatalf("get after ttl = ok %v err %v, want miss", ok, err)
	}
}

func TestSetWithoutExpiryHasNoTTL(t *testing.T) {
	store, mr, _ := newTestStore(t, "cache:")
	if err := store.Set(context.Background(), "k", storage.RawEntry{Data: "v"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if ttl := mr.TTL("cache:k"); ttl != 0 {
		t.Fatalf("ttl = %v, want none", ttl)
	}
}

func TestSetPastExpiryRemoves(t *testing.T) {
	store, mr, _ := newTestStore(t, "cache:")
	ctx := context.Background()
	if err := store.Set(ctx, "k", storage.RawEntry{Data: "v"}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.Set(ctx, "k", storage.RawEntry{Data: "v", ExpireAt: time.Now().Add(-time.Second)}); err != nil {
		t.Fatalf("set expired: %v", err)
	}
	if mr.Exists("cache:k") {
		t.Fatal("expected expired write to delete the key")
	}
}

func TestClearOnlyTouchesOwnPrefix(t *testing.T) {
	store, mr, _ := newTestStore(t, "cache:")
	if err := mr.Set("other:key", "keep"); err != nil {
		t.Fatalf("seed foreign key: %v", err)
	}
	if err := store.Set(context.Background(), storage.Key("a", "1"), storage.RawEntry{Data: 1}); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := store.Clear(context.Background()); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if !mr.Exists("other:key") {
		t.Fatal("clear removed a key outside the store prefix")
	}
	if mr.Exists("cache:" + storage.Key("a", "1")) {
		t.Fatal("clear left an owned key behind")
	}
}

func TestGlobEscape(t *testing.T) {
	t.Parallel()

	if got := globEscape(`a*b?[c]\d`); got != `a\*b\?\[c\]\\d` {
		t.Fatalf("globEscape = %q", got)
	}
}
