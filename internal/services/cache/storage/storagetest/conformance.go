// Package storagetest provides reusable checks that a cache adapter honors
// the storage contract. Persistent adapters run the same suite against their
// own backend so tier behavior stays interchangeable.
package storagetest

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/louisbranch/cacheline/internal/services/cache/storage"
)

// Factory returns a fresh, empty adapter for one subtest.
type Factory func(t *testing.T) storage.Adapter

// RunAdapterConformance asserts:
//
//   - a stored entry reads back with data, expiry (ms precision), tag and
//     placeholder flag intact
//   - a missing key reports ok=false without an error
//   - Remove is idempotent
//   - Clear empties the adapter
//   - RemovePrefix only deletes keys of the given namespace, when supported
func RunAdapterConformance(t *testing.T, newAdapter Factory) {
	t.Helper()

	t.Run("set and get", func(t *testing.T) {
		adapter := newAdapter(t)
		ctx := context.Background()
		want := storage.RawEntry{
			Data:     map[string]any{"name": "alpha", "count": float64(2), "items": []any{"x", true, nil}},
			ExpireAt: time.UnixMilli(4_102_444_800_123).UTC(),
			Tag:      "v1",
		}
		key := storage.Key("users", "42")
		if err := adapter.Set(ctx, key, want); err != nil {
			t.Fatalf("set: %v", err)
		}
		got, ok, err := adapter.Get(ctx, key)
		if err != nil || !ok {
			t.Fatalf("get = ok %v err %v, want hit", ok, err)
		}
		AssertEntryEqual(t, got, want)
	})

	t.Run("never expiring numeric tag", func(t *testing.T) {
		adapter := newAdapter(t)
		ctx := context.Background()
		want := storage.RawEntry{Data: "plain", Tag: float64(7)}
		if err := adapter.Set(ctx, "k", want); err != nil {
			t.Fatalf("set: %v", err)
		}
		got, ok, err := adapter.Get(ctx, "k")
		if err != nil || !ok {
			t.Fatalf("get = ok %v err %v, want hit", ok, err)
		}
		AssertEntryEqual(t, got, want)
	})

	t.Run("placeholder flag", func(t *testing.T) {
		adapter := newAdapter(t)
		ctx := context.Background()
		want := storage.RawEntry{Data: "marker", Tag: "v2", Placeholder: true}
		if err := adapter.Set(ctx, "p", want); err != nil {
			t.Fatalf("set: %v", err)
		}
		got, ok, err := adapter.Get(ctx, "p")
		if err != nil || !ok {
			t.Fatalf("get = ok %v err %v, want hit", ok, err)
		}
		AssertEntryEqual(t, got, want)

		want.Placeholder = false
		mustSet(t, adapter, "p", want)
		got, _, _ = adapter.Get(ctx, "p")
		AssertEntryEqual(t, got, want)
	})

	t.Run("overwrite", func(t *testing.T) {
		adapter := newAdapter(t)
		ctx := context.Background()
		mustSet(t, adapter, "k", storage.RawEntry{Data: "old"})
		mustSet(t, adapter, "k", storage.RawEntry{Data: "new"})
		got, ok, err := adapter.Get(ctx, "k")
		if err != nil || !ok || got.Data != "new" {
			t.Fatalf("get = %#v ok %v err %v, want new", got, ok, err)
		}
	})

	t.Run("miss", func(t *testing.T) {
		adapter := newAdapter(t)
		_, ok, err := adapter.Get(context.Background(), "absent")
		if err != nil {
			t.Fatalf("get absent: %v", err)
		}
		if ok {
			t.Fatal("expected miss for absent key")
		}
	})

	t.Run("remove is idempotent", func(t *testing.T) {
		adapter := newAdapter(t)
		ctx := context.Background()
		mustSet(t, adapter, "k", storage.RawEntry{Data: "v"})
		for i := 0; i < 2; i++ {
			if err := adapter.Remove(ctx, "k"); err != nil {
				t.Fatalf("remove #%d: %v", i+1, err)
			}
		}
		if err := adapter.Remove(ctx, "never-set"); err != nil {
			t.Fatalf("remove absent: %v", err)
		}
		assertMiss(t, adapter, "k")
	})

	t.Run("clear", func(t *testing.T) {
		adapter := newAdapter(t)
		mustSet(t, adapter, storage.Key("a", "1"), storage.RawEntry{Data: "1"})
		mustSet(t, adapter, storage.Key("b", "2"), storage.RawEntry{Data: "2"})
		if err := adapter.Clear(context.Background()); err != nil {
			t.Fatalf("clear: %v", err)
		}
		assertMiss(t, adapter, storage.Key("a", "1"))
		assertMiss(t, adapter, storage.Key("b", "2"))
	})

	t.Run("remove prefix", func(t *testing.T) {
		adapter := newAdapter(t)
		remover, ok := adapter.(storage.PrefixRemover)
		if !ok {
			t.Skipf("%s does not support prefix removal", adapter.Name())
		}
		mustSet(t, adapter, storage.Key("users", "1"), storage.RawEntry{Data: "1"})
		mustSet(t, adapter, storage.Key("users", "2"), storage.RawEntry{Data: "2"})
		mustSet(t, adapter, storage.Key("users:admin", "3"), storage.RawEntry{Data: "3"})
		mustSet(t, adapter, storage.Key("teams", "1"), storage.RawEntry{Data: "4"})

		removed, err := remover.RemovePrefix(context.Background(), storage.NamespacePrefix("users"))
		if err != nil {
			t.Fatalf("remove prefix: %v", err)
		}
		if removed != 2 {
			t.Fatalf("removed = %d, want 2", removed)
		}
		assertMiss(t, adapter, storage.Key("users", "1"))
		assertMiss(t, adapter, storage.Key("users", "2"))
		assertHit(t, adapter, storage.Key("users:admin", "3"))
		assertHit(t, adapter, storage.Key("teams", "1"))
	})
}

// AssertEntryEqual compares two entries with millisecond expiry precision.
func AssertEntryEqual(t *testing.T, got, want storage.RawEntry) {
	t.Helper()
	if !reflect.DeepEqual(got.Data, want.Data) {
		t.Fatalf("data = %#v, want %#v", got.Data, want.Data)
	}
	if got.ExpireAt.IsZero() != want.ExpireAt.IsZero() ||
		got.ExpireAt.UnixMilli() != want.ExpireAt.UnixMilli() {
		t.Fatalf("expireAt = %v, want %v", got.ExpireAt, want.ExpireAt)
	}
	if !storage.TagsEqual(got.Tag, want.Tag) {
		t.Fatalf("tag = %#v, want %#v", got.Tag, want.Tag)
	}
	if got.Placeholder != want.Placeholder {
		t.Fatalf("placeholder = %v, want %v", got.Placeholder, want.Placeholder)
	}
}

func mustSet(t *testing.T, adapter storage.Adapter, key string, entry storage.RawEntry) {
	t.Helper()
	if err := adapter.Set(context.Background(), key, entry); err != nil {
		t.Fatalf("set %q: %v", key, err)
	}
}

func assertMiss(t *testing.T, adapter storage.Adapter, key string) {
	t.Helper()
	if _, ok, err := adapter.Get(context.Background(), key); err != nil || ok {
		t.Fatalf("get %q = ok %v err %v, want miss", key, ok, err)
	}
}

func assertHit(t *testing.T, adapter storage.Adapter, key string) {
	t.Helper()
	if _, ok, err := adapter.Get(context.Background(), key); err != nil || !ok {
		t.Fatalf("get %q = ok %v err %v, want hit", key, ok, err)
	}
}
