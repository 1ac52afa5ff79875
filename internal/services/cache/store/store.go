// Package store applies cache policy on top of a storage adapter: expiry,
// tag checks, payload serialization, and ordering of persistent I/O.
package store

import (
	"context"
	"fmt"
	"log"
	"time"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/louisbranch/cacheline/internal/platform/errors"
	"github.com/louisbranch/cacheline/internal/services/cache/queue"
	"github.com/louisbranch/cacheline/internal/services/cache/serialize"
	"github.com/louisbranch/cacheline/internal/services/cache/storage"
)

// Never is the expiry of entries that do not expire.
var Never time.Time

// ExpireIn returns the expiry for a time-to-live measured from now. A
// non-positive ttl yields an expiry that Set rejects.
func ExpireIn(now time.Time, ttl time.Duration) time.Time {
	return now.Add(ttl)
}

// Store is the cache policy for one adapter.
type Store struct {
	adapter    storage.Adapter
	queue      *queue.Queue
	serializer *serialize.Performer
	now        func() time.Time
	logf       func(string, ...any)
}

// Option configures a Store.
type Option func(*Store)

// WithQueue drives every adapter call through q, one at a time in call order.
// Use it for adapters whose calls may complete out of order.
func WithQueue(q *queue.Queue) Option {
	return func(s *Store) { s.queue = q }
}

// WithSerializer wraps payloads before they reach the adapter and revives
// them on read. Persistent adapters need one; the in-process tier does not.
func WithSerializer(p *serialize.Performer) Option {
	return func(s *Store) { s.serializer = p }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogf overrides the log sink used for adapter failures.
func WithLogf(logf func(string, ...any)) Option {
	return func(s *Store) {
		if logf != nil {
			s.logf = logf
		}
	}
}

// New creates a Store over adapter.
func New(adapter storage.Adapter, opts ...Option) (*Store, error) {
	if adapter == nil {
		return nil, apperrors.New(apperrors.CodeStorageNotConfigured, "cache adapter is required")
	}
	s := &Store{adapter: adapter, now: time.Now, logf: log.Printf}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Adapter returns the wrapped adapter.
func (s *Store) Adapter() storage.Adapter {
	return s.adapter
}

// Set stores data under (namespace, key). It is a no-op returning false when
// data is nil or expireAt is not in the future. With a queue the write is
// scheduled and Set reports whether it was accepted.
func (s *Store) Set(ctx context.Context, namespace, key string, data any, expireAt time.Time, tag any) bool {
	return s.set(ctx, namespace, key, storage.RawEntry{Data: data, ExpireAt: expireAt, Tag: tag})
}

// SetPlaceholder is Set for a value that only records presence. Get treats
// placeholder entries as misses; GetEntry and Lookup return them flagged.
func (s *Store) SetPlaceholder(ctx context.Context, namespace, key string, data any, expireAt time.Time, tag any) bool {
	return s.set(ctx, namespace, key, storage.RawEntry{Data: data, ExpireAt: expireAt, Tag: tag, Placeholder: true})
}

func (s *Store) set(ctx context.Context, namespace, key string, entry storage.RawEntry) bool {
	if entry.Data == nil {
		return false
	}
	if !entry.ExpireAt.IsZero() && !entry.ExpireAt.After(s.now()) {
		return false
	}
	if s.serializer != nil {
		entry.Data = s.serializer.Serialize(entry.Data)
	}
	k := storage.Key(namespace, key)
	return s.write(ctx, "set "+k, func(ctx context.Context) error {
		return s.adapter.Set(ctx, k, entry)
	})
}

// Get returns the live value stored under (namespace, key) when tag matches
// the stored tag. Expired and mismatched entries are removed and reported as
// misses, and so are placeholder entries. Adapter failures are logged and
// reported as misses.
func (s *Store) Get(ctx context.Context, namespace, key string, tag any) (any, bool) {
	entry, ok := s.GetEntry(ctx, namespace, key, tag)
	if !ok || entry.Placeholder {
		return nil, false
	}
	return entry.Data, true
}

// GetEntry is Get returning the whole entry, with its data revived.
func (s *Store) GetEntry(ctx context.Context, namespace, key string, tag any) (storage.RawEntry, bool) {
	k := storage.Key(namespace, key)
	type result struct {
		entry storage.RawEntry
		ok    bool
	}
	results := make(chan result, 1)
	err := s.run(ctx, func(ctx context.Context) error {
		entry, ok, err := s.adapter.Get(ctx, k)
		if apperrors.HasCode(err, apperrors.CodeMalformedPayload) {
			results <- result{}
			s.logf("cache %s: drop corrupt %s: %v", s.adapter.Name(), k, err)
			return s.adapter.Remove(ctx, k)
		}
		if err != nil {
			return err
		}
		if !ok {
			results <- result{}
			return nil
		}
		if entry.Expired(s.now()) || !entry.TagMatches(tag) {
			results <- result{}
			return s.adapter.Remove(ctx, k)
		}
		if s.serializer != nil {
			data, err := s.serializer.Deserialize(entry.Data)
			if err != nil {
				results <- result{}
				s.logf("cache %s: revive %s: %v", s.adapter.Name(), k, err)
				return s.adapter.Remove(ctx, k)
			}
			entry.Data = data
		}
		results <- result{entry: entry, ok: true}
		return nil
	})
	if err != nil {
		s.logf("cache %s: get %s: %v", s.adapter.Name(), k, err)
		return storage.RawEntry{}, false
	}
	select {
	case r := <-results:
		return r.entry, r.ok
	default:
		return storage.RawEntry{}, false
	}
}

// Lookup returns the stored entry without applying expiry, tag or
// serialization policy. It never removes anything.
func (s *Store) Lookup(ctx context.Context, namespace, key string) (storage.RawEntry, bool) {
	k := storage.Key(namespace, key)
	type result struct {
		entry storage.RawEntry
		ok    bool
	}
	results := make(chan result, 1)
	err := s.run(ctx, func(ctx context.Context) error {
		entry, ok, err := s.adapter.Get(ctx, k)
		if err != nil {
			return err
		}
		results <- result{entry: entry, ok: ok}
		return nil
	})
	if err != nil {
		s.logf("cache %s: lookup %s: %v", s.adapter.Name(), k, err)
		return storage.RawEntry{}, false
	}
	r := <-results
	return r.entry, r.ok
}

// Remove deletes (namespace, key). Removing an absent key is a no-op.
func (s *Store) Remove(ctx context.Context, namespace, key string) {
	k := storage.Key(namespace, key)
	s.write(ctx, "remove "+k, func(ctx context.Context) error {
		return s.adapter.Remove(ctx, k)
	})
}

// Clear deletes every entry and waits for the adapter to finish.
func (s *Store) Clear(ctx context.Context) error {
	err := s.run(ctx, s.adapter.Clear)
	if err != nil {
		return fmt.Errorf("clear %s: %w", s.adapter.Name(), err)
	}
	return nil
}

// ClearNamespace deletes every entry of namespace. The adapter must
// implement storage.PrefixRemover.
func (s *Store) ClearNamespace(ctx context.Context, namespace string) (int, error) {
	remover, ok := s.adapter.(storage.PrefixRemover)
	if !ok {
		return 0, apperrors.WithMetadata(apperrors.CodeInvalidArgument,
			"adapter cannot clear a single namespace", map[string]string{"adapter": s.adapter.Name()})
	}
	removed := make(chan int, 1)
	err := s.run(ctx, func(ctx context.Context) error {
		n, err := remover.RemovePrefix(ctx, storage.NamespacePrefix(namespace))
		removed <- n
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("clear namespace %q in %s: %w", namespace, s.adapter.Name(), err)
	}
	return <-removed, nil
}

// Flush waits until every scheduled adapter call has completed.
func (s *Store) Flush(ctx context.Context) error {
	if s.queue == nil {
		return nil
	}
	return s.queue.Idle(ctx)
}

// ClearAll clears every store concurrently and returns the first failure.
func ClearAll(ctx context.Context, stores ...*Store) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, s := range stores {
		if s == nil {
			continue
		}
		g.Go(func() error {
			return s.Clear(gctx)
		})
	}
	return g.Wait()
}

// run executes fn now, or through the queue and waits for it.
func (s *Store) run(ctx context.Context, fn queue.Task) error {
	if s.queue == nil {
		return fn(ctx)
	}
	return s.queue.Do(ctx, fn)
}

// write executes fn now, or schedules it on the queue without waiting.
func (s *Store) write(ctx context.Context, what string, fn queue.Task) bool {
	if s.queue == nil {
		if err := fn(ctx); err != nil {
			s.logf("cache %s: %s: %v", s.adapter.Name(), what, err)
			return false
		}
		return true
	}
	accepted := s.queue.Submit(func(ctx context.Context) error {
		if err := fn(ctx); err != nil {
			s.logf("cache %s: %s: %v", s.adapter.Name(), what, err)
		}
		return nil
	})
	if !accepted {
		s.logf("cache %s: %s: dropped by queue", s.adapter.Name(), what)
	}
	return accepted
}
