// Package redis provides a shared persistent cache tier backed by Redis.
//
// Entry expiry is pushed down to Redis (millisecond TTL) so expired entries
// disappear without a read.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/louisbranch/cacheline/internal/services/cache/storage"
)

const scanCount = 256

// Store is a storage.Adapter over a Redis keyspace. Every key is stored
// under Prefix so several caches can share one database.
type Store struct {
	client goredis.UniversalClient
	prefix string
	now    func() time.Time
}

var (
	_ storage.Adapter       = (*Store)(nil)
	_ storage.PrefixRemover = (*Store)(nil)
)

// New wraps a client. The caller owns the client and closes it.
func New(client goredis.UniversalClient, prefix string) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	return &Store{client: client, prefix: prefix, now: time.Now}, nil
}

// Name identifies the adapter in logs.
func (s *Store) Name() string { return "redis" }

// Get loads the entry stored under key.
func (s *Store) Get(ctx context.Context, key string) (storage.RawEntry, bool, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return storage.RawEntry{}, false, nil
	}
	if err != nil {
		return storage.RawEntry{}, false, fmt.Errorf("get redis entry: %w", err)
	}
	entry, err := storage.DecodeEntry(data)
	if err != nil {
		return storage.RawEntry{}, false, err
	}
	return entry, true, nil
}

// Set writes entry under key with a TTL matching its expiry.
func (s *Store) Set(ctx context.Context, key string, entry storage.RawEntry) error {
	var ttl time.Duration
	if !entry.ExpireAt.IsZero() {
		ttl = entry.ExpireAt.Sub(s.now())
		if ttl <= 0 {
			return s.Remove(ctx, key)
		}
		// Sub-millisecond remainders would round the TTL down to zero,
		// which go-redis treats as no expiry.
		if ttl < time.Millisecond {
			ttl = time.Millisecond
		}
	}
	data, err := storage.EncodeEntry(entry)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.prefix+key, data, ttl).Err(); err != nil {
		return fmt.Errorf("set redis entry: %w", err)
	}
	return nil
}

// Remove deletes key.
func (s *Store) Remove(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("delete redis entry: %w", err)
	}
	return nil
}

// Clear deletes every key under the store prefix.
func (s *Store) Clear(ctx context.Context) error {
	_, err := s.RemovePrefix(ctx, "")
	return err
}

// RemovePrefix deletes every key under the store prefix that starts with
// prefix. Keys are found with SCAN, so writes racing the call may survive.
func (s *Store) RemovePrefix(ctx context.Context, prefix string) (int, error) {
	full := s.prefix + prefix
	pattern := globEscape(full) + "*"
	removed := 0
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, pattern, scanCount).Result()
		if err != nil {
			return removed, fmt.Errorf("scan redis keys: %w", err)
		}
		matched := keys[:0]
		for _, key := range keys {
			if strings.HasPrefix(key, full) {
				matched = append(matched, key)
			}
		}
		if len(matched) > 0 {
			n, err := s.client.Del(ctx, matched...).Result()
			if err != nil {
				return removed, fmt.Errorf("delete redis keys: %w", err)
			}
			removed += int(n)
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}

var globEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func globEscape(s string) string {
	return globEscaper.Replace(s)
}
