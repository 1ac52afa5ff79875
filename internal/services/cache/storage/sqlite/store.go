package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	apperrors "github.com/louisbranch/cacheline/internal/platform/errors"
	"github.com/louisbranch/cacheline/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/cacheline/internal/services/cache/storage"
	"github.com/louisbranch/cacheline/internal/services/cache/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store is a storage.Adapter over a SQLite database file.
type Store struct {
	sqlDB *sql.DB
}

var (
	_ storage.Adapter       = (*Store)(nil)
	_ storage.PrefixRemover = (*Store)(nil)
)

// Open opens and migrates a cache SQLite store.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := "file:" + cleanPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open cache sqlite db: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping cache sqlite db: %w", err)
	}

	if _, err := sqlitemigrate.Apply(context.Background(), sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close releases the underlying SQLite connection.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Name identifies the adapter in logs.
func (s *Store) Name() string { return "sqlite" }

// Get loads the entry stored under key.
func (s *Store) Get(ctx context.Context, key string) (storage.RawEntry, bool, error) {
	if err := s.check(key); err != nil {
		return storage.RawEntry{}, false, err
	}

	var payload string
	var tag sql.NullString
	var expiresAt sql.NullInt64
	var placeholder bool
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT payload_json, tag_json, expires_at, placeholder FROM cache_entries WHERE cache_key = ?`,
		key,
	).Scan(&payload, &tag, &expiresAt, &placeholder)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.RawEntry{}, false, nil
	}
	if err != nil {
		return storage.RawEntry{}, false, fmt.Errorf("get cache entry: %w", err)
	}

	entry := storage.RawEntry{Placeholder: placeholder}
	if err := json.Unmarshal([]byte(payload), &entry.Data); err != nil {
		return storage.RawEntry{}, false, apperrors.Wrap(apperrors.CodeMalformedPayload, "decode cache payload", err)
	}
	if tag.Valid {
		if err := json.Unmarshal([]byte(tag.String), &entry.Tag); err != nil {
			return storage.RawEntry{}, false, apperrors.Wrap(apperrors.CodeMalformedPayload, "decode cache tag", err)
		}
	}
	if expiresAt.Valid {
		entry.ExpireAt = unixMillisToTime(expiresAt.Int64)
	}
	return entry, true, nil
}

// Set upserts the entry stored under key.
func (s *Store) Set(ctx context.Context, key string, entry storage.RawEntry) error {
	if err := s.check(key); err != nil {
		return err
	}
	payload, err := json.Marshal(entry.Data)
	if err != nil {
		return fmt.Errorf("encode cache payload: %w", err)
	}
	var tag sql.NullString
	if entry.Tag != nil {
		encoded, err := json.Marshal(entry.Tag)
		if err != nil {
			return fmt.Errorf("encode cache tag: %w", err)
		}
		tag = sql.NullString{String: string(encoded), Valid: true}
	}
	var expiresAt sql.NullInt64
	if !entry.ExpireAt.IsZero() {
		expiresAt = sql.NullInt64{Int64: timeToUnixMillis(entry.ExpireAt), Valid: true}
	}

	_, err = s.sqlDB.ExecContext(ctx,
		`INSERT INTO cache_entries (cache_key, payload_json, tag_json, expires_at, placeholder, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(cache_key) DO UPDATE SET
		    payload_json = excluded.payload_json,
		    tag_json = excluded.tag_json,
		    expires_at = excluded.expires_at,
		    placeholder = excluded.placeholder,
		    updated_at = excluded.updated_at`,
		key,
		string(payload),
		tag,
		expiresAt,
		entry.Placeholder,
		timeToUnixMillis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("put cache entry: %w", err)
	}
	return nil
}

// Remove deletes key.
func (s *Store) Remove(ctx context.Context, key string) error {
	if err := s.check(key); err != nil {
		return err
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM cache_entries WHERE cache_key = ?`, key); err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

// Clear deletes every entry.
func (s *Store) Clear(ctx context.Context) error {
	if s == nil || s.sqlDB == nil {
		return notConfigured()
	}
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM cache_entries`); err != nil {
		return fmt.Errorf("clear cache entries: %w", err)
	}
	return nil
}

// RemovePrefix deletes every key starting with prefix.
func (s *Store) RemovePrefix(ctx context.Context, prefix string) (int, error) {
	if s == nil || s.sqlDB == nil {
		return 0, notConfigured()
	}
	result, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE substr(cache_key, 1, length(?1)) = ?1`,
		prefix,
	)
	if err != nil {
		return 0, fmt.Errorf("remove cache prefix: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count removed cache entries: %w", err)
	}
	return int(removed), nil
}

// PurgeExpired deletes entries whose expiry is at or before now.
func (s *Store) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	if s == nil || s.sqlDB == nil {
		return 0, notConfigured()
	}
	result, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM cache_entries WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		timeToUnixMillis(now),
	)
	if err != nil {
		return 0, fmt.Errorf("purge expired cache entries: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count purged cache entries: %w", err)
	}
	return int(removed), nil
}

func (s *Store) check(key string) error {
	if s == nil || s.sqlDB == nil {
		return notConfigured()
	}
	if key == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "cache key is required")
	}
	return nil
}

func notConfigured() error {
	return apperrors.New(apperrors.CodeStorageNotConfigured, "sqlite cache storage is not configured")
}

func timeToUnixMillis(value time.Time) int64 {
	if value.IsZero() {
		return 0
	}
	return value.UTC().UnixMilli()
}

func unixMillisToTime(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}
