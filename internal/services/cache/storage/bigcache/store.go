// Package bigcache provides a byte-arena in-process cache tier.
//
// Unlike storage.Memory, entries are encoded on write, so the tier holds no
// Go pointers and large caches stay cheap for the garbage collector.
package bigcache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/cespare/xxhash/v2"

	"github.com/louisbranch/cacheline/internal/services/cache/storage"
)

const (
	// DefaultLifeWindow bounds how long bigcache keeps any entry.
	DefaultLifeWindow = 24 * time.Hour
	// DefaultMaxEntriesInWindow sizes the initial shard allocation.
	DefaultMaxEntriesInWindow = 10_000
)

// Config tunes the arena.
type Config struct {
	// LifeWindow is the age after which bigcache evicts an entry regardless
	// of its own expiry. Defaults to DefaultLifeWindow.
	LifeWindow time.Duration
	// Shards must be a power of two. Zero keeps the bigcache default.
	Shards int
	// HardMaxCacheSizeMB caps memory use. Zero means unbounded.
	HardMaxCacheSizeMB int
	// MaxEntriesInWindow is the expected entry count used for preallocation.
	MaxEntriesInWindow int
}

// Store is a storage.Adapter over a bigcache arena.
type Store struct {
	cache *bigcache.BigCache
}

var (
	_ storage.Adapter       = (*Store)(nil)
	_ storage.PrefixRemover = (*Store)(nil)
)

type xxHasher struct{}

func (xxHasher) Sum64(key string) uint64 {
	return xxhash.Sum64String(key)
}

// New creates an arena. The cleanup goroutine stops when ctx is done.
func New(ctx context.Context, cfg Config) (*Store, error) {
	lifeWindow := cfg.LifeWindow
	if lifeWindow <= 0 {
		lifeWindow = DefaultLifeWindow
	}
	bigcacheConfig := bigcache.DefaultConfig(lifeWindow)
	if cfg.Shards > 0 {
		bigcacheConfig.Shards = cfg.Shards
	}
	bigcacheConfig.HardMaxCacheSize = cfg.HardMaxCacheSizeMB
	bigcacheConfig.MaxEntriesInWindow = DefaultMaxEntriesInWindow
	if cfg.MaxEntriesInWindow > 0 {
		bigcacheConfig.MaxEntriesInWindow = cfg.MaxEntriesInWindow
	}
	bigcacheConfig.Hasher = xxHasher{}
	bigcacheConfig.Verbose = false

	cache, err := bigcache.New(ctx, bigcacheConfig)
	if err != nil {
		return nil, fmt.Errorf("create bigcache arena: %w", err)
	}
	return &Store{cache: cache}, nil
}

// Close stops the arena.
func (s *Store) Close() error {
	return s.cache.Close()
}

// Name identifies the adapter in logs.
func (s *Store) Name() string { return "bigcache" }

// Get decodes the entry stored under key.
func (s *Store) Get(ctx context.Context, key string) (storage.RawEntry, bool, error) {
	if err := ctx.Err(); err != nil {
		return storage.RawEntry{}, false, err
	}
	data, err := s.cache.Get(key)
	if errors.Is(err, bigcache.ErrEntryNotFound) {
		return storage.RawEntry{}, false, nil
	}
	if err != nil {
		return storage.RawEntry{}, false, fmt.Errorf("get bigcache entry: %w", err)
	}
	entry, err := storage.DecodeEntry(data)
	if err != nil {
		return storage.RawEntry{}, false, err
	}
	return entry, true, nil
}

// Set encodes entry under key.
func (s *Store) Set(ctx context.Context, key string, entry storage.RawEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := storage.EncodeEntry(entry)
	if err != nil {
		return err
	}
	if err := s.cache.Set(key, data); err != nil {
		return fmt.Errorf("set bigcache entry: %w", err)
	}
	return nil
}

// Remove deletes key.
func (s *Store) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.cache.Delete(key); err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
		return fmt.Errorf("delete bigcache entry: %w", err)
	}
	return nil
}

// Clear resets every shard.
func (s *Store) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.cache.Reset()
}

// RemovePrefix deletes every key starting with prefix.
func (s *Store) RemovePrefix(ctx context.Context, prefix string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var keys []string
	it := s.cache.Iterator()
	for it.SetNext() {
		info, err := it.Value()
		if err != nil {
			continue
		}
		if strings.HasPrefix(info.Key(), prefix) {
			keys = append(keys, info.Key())
		}
	}
	removed := 0
	for _, key := range keys {
		err := s.cache.Delete(key)
		if errors.Is(err, bigcache.ErrEntryNotFound) {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("delete bigcache entry: %w", err)
		}
		removed++
	}
	return removed, nil
}

// Len returns the number of stored entries.
func (s *Store) Len() int {
	return s.cache.Len()
}
