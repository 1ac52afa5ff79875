// Package bbolt provides a persistent cache tier backed by a BoltDB file.
package bbolt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/louisbranch/cacheline/internal/platform/errors"
	"github.com/louisbranch/cacheline/internal/services/cache/storage"
	"go.etcd.io/bbolt"
)

const entryBucket = "cache_entries"

// Store is a storage.Adapter over a BoltDB database.
type Store struct {
	db *bbolt.DB
}

var (
	_ storage.Adapter       = (*Store)(nil)
	_ storage.PrefixRemover = (*Store)(nil)
)

// Open opens a BoltDB-backed cache store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	db, err := bbolt.Open(cleanPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open cache bolt db: %w", err)
	}

	store := &Store{db: db}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying BoltDB database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Name identifies the adapter in logs.
func (s *Store) Name() string { return "bbolt" }

// Get fetches the entry stored under key.
func (s *Store) Get(ctx context.Context, key string) (storage.RawEntry, bool, error) {
	if err := s.check(ctx, key); err != nil {
		return storage.RawEntry{}, false, err
	}

	var entry storage.RawEntry
	found := false
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket, err := entries(tx)
		if err != nil {
			return err
		}
		payload := bucket.Get([]byte(key))
		if payload == nil {
			return nil
		}
		decoded, err := storage.DecodeEntry(payload)
		if err != nil {
			return err
		}
		entry, found = decoded, true
		return nil
	})
	if err != nil {
		return storage.RawEntry{}, false, err
	}
	return entry, found, nil
}

// Set persists entry under key.
func (s *Store) Set(ctx context.Context, key string, entry storage.RawEntry) error {
	if err := s.check(ctx, key); err != nil {
		return err
	}
	payload, err := storage.EncodeEntry(entry)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := entries(tx)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(key), payload)
	})
}

// Remove deletes key.
func (s *Store) Remove(ctx context.Context, key string) error {
	if err := s.check(ctx, key); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := entries(tx)
		if err != nil {
			return err
		}
		return bucket.Delete([]byte(key))
	})
}

// Clear drops and recreates the entry bucket.
func (s *Store) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return notConfigured()
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket([]byte(entryBucket)); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return fmt.Errorf("drop cache bucket: %w", err)
		}
		if _, err := tx.CreateBucket([]byte(entryBucket)); err != nil {
			return fmt.Errorf("create cache bucket: %w", err)
		}
		return nil
	})
}

// RemovePrefix deletes every key starting with prefix.
func (s *Store) RemovePrefix(ctx context.Context, prefix string) (int, error) {
	return s.deleteWhere(ctx, []byte(prefix), func([]byte) bool { return true })
}

// PurgeExpired deletes entries whose expiry is at or before now.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	return s.deleteWhere(ctx, nil, func(payload []byte) bool {
		entry, err := storage.DecodeEntry(payload)
		return err == nil && entry.Expired(now)
	})
}

// deleteWhere removes keys under prefix whose payload satisfies match.
// Keys are collected first; bolt cursors skip entries when deleting in place.
func (s *Store) deleteWhere(ctx context.Context, prefix []byte, match func(payload []byte) bool) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s == nil || s.db == nil {
		return 0, notConfigured()
	}
	removed := 0
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket, err := entries(tx)
		if err != nil {
			return err
		}
		var doomed [][]byte
		c := bucket.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if match(v) {
				doomed = append(doomed, append([]byte(nil), k...))
			}
		}
		for _, k := range doomed {
			if err := bucket.Delete(k); err != nil {
				return fmt.Errorf("delete cache entry: %w", err)
			}
		}
		removed = len(doomed)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(entryBucket)); err != nil {
			return fmt.Errorf("create cache bucket: %w", err)
		}
		return nil
	})
}

func (s *Store) check(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.db == nil {
		return notConfigured()
	}
	if key == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "cache key is required")
	}
	return nil
}

func entries(tx *bbolt.Tx) (*bbolt.Bucket, error) {
	bucket := tx.Bucket([]byte(entryBucket))
	if bucket == nil {
		return nil, fmt.Errorf("cache bucket is missing")
	}
	return bucket, nil
}

func notConfigured() error {
	return apperrors.New(apperrors.CodeStorageNotConfigured, "bolt cache storage is not configured")
}
