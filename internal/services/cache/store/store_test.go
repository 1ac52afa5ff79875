package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	apperrors "github.com/louisbranch/cacheline/internal/platform/errors"
	"github.com/louisbranch/cacheline/internal/services/cache/queue"
	"github.com/louisbranch/cacheline/internal/services/cache/serialize"
	"github.com/louisbranch/cacheline/internal/services/cache/storage"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// slowAdapter delays writes by the duration stored in the entry data so
// that unqueued writes would complete out of order.
type slowAdapter struct {
	*storage.Memory
}

func (a slowAdapter) Set(ctx context.Context, key string, entry storage.RawEntry) error {
	if m, ok := entry.Data.(map[string]any); ok {
		if ms, ok := m["delay_ms"].(float64); ok {
			time.Sleep(time.Duration(ms) * time.Millisecond)
		}
	}
	return a.Memory.Set(ctx, key, entry)
}

// plainAdapter hides the optional interfaces of Memory.
type plainAdapter struct {
	inner *storage.Memory
	err   error
}

func (a plainAdapter) Name() string { return "plain" }
func (a plainAdapter) Get(ctx context.Context, key string) (storage.RawEntry, bool, error) {
	return a.inner.Get(ctx, key)
}
func (a plainAdapter) Set(ctx context.Context, key string, entry storage.RawEntry) error {
	return a.inner.Set(ctx, key, entry)
}
func (a plainAdapter) Remove(ctx context.Context, key string) error { return a.inner.Remove(ctx, key) }
func (a plainAdapter) Clear(ctx context.Context) error {
	if a.err != nil {
		return a.err
	}
	return a.inner.Clear(ctx)
}

func newMemoryStore(t *testing.T, clock *fakeClock) (*Store, *storage.Memory) {
	t.Helper()
	adapter := storage.NewMemory()
	s, err := New(adapter, WithClock(clock.Now), WithLogf(t.Logf))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s, adapter
}

func newQueuedStore(t *testing.T, adapter storage.Adapter, clock *fakeClock) *Store {
	t.Helper()
	q := queue.New(queue.Options{Logf: t.Logf})
	t.Cleanup(q.Close)
	s, err := New(adapter, WithQueue(q), WithSerializer(serialize.Default()), WithClock(clock.Now), WithLogf(t.Logf))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func TestNewRequiresAdapter(t *testing.T) {
	t.Parallel()

	if _, err := New(nil); apperrors.CodeOf(err) != apperrors.CodeStorageNotConfigured {
		t.Fatalf("err = %v, want storage not configured", err)
	}
}

func TestGetExpiresAndRemovesEntry(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s, adapter := newMemoryStore(t, clock)
	ctx := context.Background()

	if !s.Set(ctx, "users", "42", map[string]any{"name": "ada"}, clock.Now().Add(1000*time.Millisecond), nil) {
		t.Fatal("expected set to be accepted")
	}

	clock.Advance(500 * time.Millisecond)
	if _, ok := s.Get(ctx, "users", "42", nil); !ok {
		t.Fatal("expected hit before expiry")
	}

	clock.Advance(600 * time.Millisecond)
	if _, ok := s.Get(ctx, "users", "42", nil); ok {
		t.Fatal("expected miss after expiry")
	}
	if _, ok, _ := adapter.Get(ctx, storage.Key("users", "42")); ok {
		t.Fatal("expected expired entry to be removed from the adapter")
	}
}

func TestGetTagMismatchMissesAndRemoves(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s, adapter := newMemoryStore(t, clock)
	ctx := context.Background()

	s.Set(ctx, "ns", "k", "v", Never, "v1")
	if got, ok := s.Get(ctx, "ns", "k", "v1"); !ok || got != "v" {
		t.Fatalf("get matching tag = %v, %v", got, ok)
	}
	if _, ok := s.Get(ctx, "ns", "k", "v2"); ok {
		t.Fatal("expected tag mismatch to miss")
	}
	if adapter.Len() != 0 {
		t.Fatal("expected tag mismatch to remove the entry")
	}

	s.Set(ctx, "ns", "k", "v", Never, nil)
	if _, ok := s.Get(ctx, "ns", "k", "v1"); ok {
		t.Fatal("tagged read must miss an untagged entry")
	}
}

func TestSetRejectsPastExpiryAndNilData(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s, adapter := newMemoryStore(t, clock)
	ctx := context.Background()

	if s.Set(ctx, "ns", "past", "v", clock.Now().Add(-time.Millisecond), nil) {
		t.Fatal("expected past expiry to be rejected")
	}
	if s.Set(ctx, "ns", "now", "v", ExpireIn(clock.Now(), 0), nil) {
		t.Fatal("expected zero ttl to be rejected")
	}
	if s.Set(ctx, "ns", "nil", nil, Never, nil) {
		t.Fatal("expected nil data to be rejected")
	}
	if adapter.Len() != 0 {
		t.Fatalf("adapter holds %d entries, want 0", adapter.Len())
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s, _ := newMemoryStore(t, clock)
	ctx := context.Background()
	s.Set(ctx, "ns", "k", 1, Never, nil)
	s.Remove(ctx, "ns", "k")
	s.Remove(ctx, "ns", "k")
	if _, ok := s.Get(ctx, "ns", "k", nil); ok {
		t.Fatal("expected miss after remove")
	}
}

func TestQueuedStoreSerializesAndReadsOwnWrites(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	adapter := storage.NewMemory()
	s := newQueuedStore(t, adapter, clock)
	ctx := context.Background()
	at := time.UnixMilli(1_000).UTC()

	if !s.Set(ctx, "ns", "k", map[string]any{"at": at}, Never, nil) {
		t.Fatal("expected set to be accepted")
	}
	got, ok := s.Get(ctx, "ns", "k", nil)
	if !ok {
		t.Fatal("expected queued read to observe the queued write")
	}
	if revived, _ := got.(map[string]any)["at"].(time.Time); !revived.Equal(at) {
		t.Fatalf("at = %#v, want %v", got, at)
	}

	raw, _, _ := adapter.Get(ctx, storage.Key("ns", "k"))
	stored := raw.Data.(map[string]any)["at"].([]any)
	if stored[0] != serialize.TagDate {
		t.Fatalf("adapter holds %#v, want serialized date", raw.Data)
	}
}

func TestQueuedWritesApplyInCallOrder(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s := newQueuedStore(t, slowAdapter{storage.NewMemory()}, clock)
	ctx := context.Background()

	s.Set(ctx, "ns", "k", map[string]any{"v": "first", "delay_ms": float64(30)}, Never, nil)
	s.Set(ctx, "ns", "k", map[string]any{"v": "second"}, Never, nil)
	s.Remove(ctx, "ns", "other")

	flushCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.Flush(flushCtx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	got, ok := s.Get(ctx, "ns", "k", nil)
	if !ok || got.(map[string]any)["v"] != "second" {
		t.Fatalf("get = %#v, %v; want the later write", got, ok)
	}
}

func TestPlaceholderEntriesAreNotServed(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s, adapter := newMemoryStore(t, clock)
	ctx := context.Background()
	if !s.SetPlaceholder(ctx, "ns", "k", "v", Never, "t") {
		t.Fatal("expected placeholder write to be accepted")
	}
	if got, ok := s.Get(ctx, "ns", "k", "t"); ok {
		t.Fatalf("get placeholder = %#v, want miss", got)
	}
	entry, ok := s.GetEntry(ctx, "ns", "k", "t")
	if !ok || !entry.Placeholder || entry.Data != "v" {
		t.Fatalf("get entry = %#v, %v; want flagged placeholder", entry, ok)
	}
	if adapter.Len() != 1 {
		t.Fatalf("adapter len = %d, want placeholder kept", adapter.Len())
	}
}

func TestLookupIgnoresPolicy(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s, _ := newMemoryStore(t, clock)
	ctx := context.Background()
	s.Set(ctx, "ns", "k", "v", clock.Now().Add(time.Second), "t")
	clock.Advance(2 * time.Second)

	entry, ok := s.Lookup(ctx, "ns", "k")
	if !ok || entry.Data != "v" {
		t.Fatalf("lookup = %#v, %v", entry, ok)
	}
	if _, ok := s.Lookup(ctx, "ns", "k"); !ok {
		t.Fatal("lookup must not remove expired entries")
	}
}

func TestClearNamespace(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	s, _ := newMemoryStore(t, clock)
	ctx := context.Background()
	s.Set(ctx, "users", "1", 1, Never, nil)
	s.Set(ctx, "users", "2", 2, Never, nil)
	s.Set(ctx, "teams", "1", 3, Never, nil)

	removed, err := s.ClearNamespace(ctx, "users")
	if err != nil {
		t.Fatalf("clear namespace: %v", err)
	}
	if removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	if _, ok := s.Get(ctx, "teams", "1", nil); !ok {
		t.Fatal("expected other namespace to survive")
	}
}

func TestClearNamespaceNeedsPrefixRemover(t *testing.T) {
	t.Parallel()

	s, err := New(plainAdapter{inner: storage.NewMemory()})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := s.ClearNamespace(context.Background(), "ns"); apperrors.CodeOf(err) != apperrors.CodeInvalidArgument {
		t.Fatalf("err = %v, want invalid argument", err)
	}
}

func TestClearAll(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	first, firstAdapter := newMemoryStore(t, clock)
	second := newQueuedStore(t, storage.NewMemory(), clock)
	ctx := context.Background()
	first.Set(ctx, "a", "1", 1, Never, nil)
	second.Set(ctx, "b", "2", 2, Never, nil)

	if err := ClearAll(ctx, first, second, nil); err != nil {
		t.Fatalf("clear all: %v", err)
	}
	if firstAdapter.Len() != 0 {
		t.Fatal("expected first store to be empty")
	}
	if _, ok := second.Get(ctx, "b", "2", nil); ok {
		t.Fatal("expected second store to be empty")
	}
}

func TestClearAllReportsFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	failing, err := New(plainAdapter{inner: storage.NewMemory(), err: boom})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	healthy, _ := newMemoryStore(t, newFakeClock())

	if err := ClearAll(context.Background(), healthy, failing); !errors.Is(err, boom) {
		t.Fatalf("clear all = %v, want %v", err, boom)
	}
}

func TestAdapterFailureIsAMiss(t *testing.T) {
	t.Parallel()

	var logged []string
	s, err := New(storage.NewMemory(), WithLogf(func(format string, args ...any) {
		logged = append(logged, format)
	}))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if s.Set(ctx, "ns", "k", 1, Never, nil) {
		t.Fatal("expected failed write to report false")
	}
	if _, ok := s.Get(ctx, "ns", "k", nil); ok {
		t.Fatal("expected failed read to miss")
	}
	if len(logged) != 2 {
		t.Fatalf("logged %d failures, want 2", len(logged))
	}
}

func TestParseMode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{in: "", want: ModeMemory},
		{in: "memory", want: ModeMemory},
		{in: "Placeholder", want: ModePlaceholder},
		{in: " restore ", want: ModeRestore},
		{in: "disk", wantErr: true},
	}
	for _, tc := range tests {
		got, err := ParseMode(tc.in)
		if (err != nil) != tc.wantErr {
			t.Fatalf("ParseMode(%q) err = %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("ParseMode(%q) = %v, want %v", tc.in, got, tc.want)
		}
		if !tc.wantErr && got.String() != "memory" && !got.Persistent() {
			t.Fatalf("%v should be persistent", got)
		}
	}
}

// corruptAdapter reports every stored value as an undecodable tuple.
type corruptAdapter struct {
	*storage.Memory
}

func (a corruptAdapter) Get(ctx context.Context, key string) (storage.RawEntry, bool, error) {
	if _, ok, _ := a.Memory.Get(ctx, key); !ok {
		return storage.RawEntry{}, false, nil
	}
	return storage.RawEntry{}, false, apperrors.New(apperrors.CodeMalformedPayload, "cache entry must be a 3-element tuple")
}

func TestGetDropsCorruptEntries(t *testing.T) {
	t.Parallel()

	memory := storage.NewMemory()
	s, err := New(corruptAdapter{memory}, WithLogf(t.Logf))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()
	if !s.Set(ctx, "ns", "k", "v", Never, nil) {
		t.Fatal("set rejected")
	}
	if _, ok := s.Get(ctx, "ns", "k", nil); ok {
		t.Fatal("expected corrupt entry to miss")
	}
	if memory.Len() != 0 {
		t.Fatalf("corrupt entry kept, len = %d", memory.Len())
	}
}
