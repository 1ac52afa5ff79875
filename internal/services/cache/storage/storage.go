// Package storage defines the adapter contract shared by cache tiers and the
// persisted entry format.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	apperrors "github.com/louisbranch/cacheline/internal/platform/errors"
)

// RawEntry is one stored cache value.
//
// A zero ExpireAt means the entry never expires. Tag is a string, a number,
// or nil. Entries persist as the JSON tuple [data, expireAtMillis|null, tag|null],
// with a fourth true element for placeholder entries.
type RawEntry struct {
	Data     any
	ExpireAt time.Time
	Tag      any
	// Placeholder marks a value that records presence only and must be
	// refreshed before it is served.
	Placeholder bool
}

// Expired reports whether the entry has passed its expiry at now.
func (e RawEntry) Expired(now time.Time) bool {
	return !e.ExpireAt.IsZero() && !now.Before(e.ExpireAt)
}

// TagMatches reports whether tag equals the stored tag. Numbers compare by
// value regardless of their Go type; nil only matches nil.
func (e RawEntry) TagMatches(tag any) bool {
	return TagsEqual(e.Tag, tag)
}

// MarshalJSON encodes the entry as a three element tuple.
func (e RawEntry) MarshalJSON() ([]byte, error) {
	var expireAt any
	if !e.ExpireAt.IsZero() {
		expireAt = e.ExpireAt.UnixMilli()
	}
	if e.Placeholder {
		return json.Marshal([]any{e.Data, expireAt, e.Tag, true})
	}
	return json.Marshal([]any{e.Data, expireAt, e.Tag})
}

// UnmarshalJSON decodes the tuple form.
func (e *RawEntry) UnmarshalJSON(data []byte) error {
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		return apperrors.Wrap(apperrors.CodeMalformedPayload, "decode cache entry", err)
	}
	if len(tuple) != 3 && len(tuple) != 4 {
		return apperrors.New(apperrors.CodeMalformedPayload, fmt.Sprintf("cache entry has %d fields, want 3 or 4", len(tuple)))
	}

	var decoded RawEntry
	if err := json.Unmarshal(tuple[0], &decoded.Data); err != nil {
		return apperrors.Wrap(apperrors.CodeMalformedPayload, "decode cache entry data", err)
	}
	var expireAt *float64
	if err := json.Unmarshal(tuple[1], &expireAt); err != nil {
		return apperrors.Wrap(apperrors.CodeMalformedPayload, "decode cache entry expiry", err)
	}
	if expireAt != nil {
		if math.IsNaN(*expireAt) || math.IsInf(*expireAt, 0) {
			return apperrors.New(apperrors.CodeMalformedPayload, "cache entry expiry is not finite")
		}
		decoded.ExpireAt = time.UnixMilli(int64(*expireAt)).UTC()
	}
	if err := json.Unmarshal(tuple[2], &decoded.Tag); err != nil {
		return apperrors.Wrap(apperrors.CodeMalformedPayload, "decode cache entry tag", err)
	}
	switch decoded.Tag.(type) {
	case nil, string, float64:
	default:
		return apperrors.New(apperrors.CodeMalformedPayload, "cache entry tag must be a string or number")
	}
	if len(tuple) == 4 {
		if err := json.Unmarshal(tuple[3], &decoded.Placeholder); err != nil {
			return apperrors.Wrap(apperrors.CodeMalformedPayload, "decode cache entry placeholder flag", err)
		}
	}
	*e = decoded
	return nil
}

// EncodeEntry returns the persisted form of entry.
func EncodeEntry(entry RawEntry) ([]byte, error) {
	data, err := json.Marshal(entry)
	if err != nil {
		return nil, fmt.Errorf("encode cache entry: %w", err)
	}
	return data, nil
}

// DecodeEntry parses the persisted form of an entry.
func DecodeEntry(data []byte) (RawEntry, error) {
	var entry RawEntry
	if err := entry.UnmarshalJSON(data); err != nil {
		return RawEntry{}, err
	}
	return entry, nil
}

// TagsEqual compares two cache tags.
func TagsEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	an, aNum := number(a)
	bn, bNum := number(b)
	if aNum || bNum {
		return aNum && bNum && an == bn
	}
	as, aStr := a.(string)
	bs, bStr := b.(string)
	return aStr && bStr && as == bs
}

// ValidTag reports whether tag is nil, a string, or a Go number that
// TagsEqual compares by value.
func ValidTag(tag any) bool {
	if tag == nil {
		return true
	}
	if _, ok := tag.(string); ok {
		return true
	}
	_, ok := number(tag)
	return ok
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

const separator = ":"

var namespaceEscaper = strings.NewReplacer(`\`, `\\`, separator, `\`+separator)

// Key joins a namespace and a logical key. The namespace is escaped so that
// distinct (namespace, key) pairs never produce the same key.
func Key(namespace, key string) string {
	return NamespacePrefix(namespace) + key
}

// NamespacePrefix returns the prefix shared by every key in namespace.
func NamespacePrefix(namespace string) string {
	return namespaceEscaper.Replace(namespace) + separator
}

// Adapter is a key-value backend for cache entries. Get reports a miss with
// ok=false and a nil error. Remove is idempotent.
type Adapter interface {
	Name() string
	Get(ctx context.Context, key string) (RawEntry, bool, error)
	Set(ctx context.Context, key string, entry RawEntry) error
	Remove(ctx context.Context, key string) error
	Clear(ctx context.Context) error
}

// PrefixRemover is implemented by adapters that can delete every key with a
// given prefix. It returns the number of removed entries.
type PrefixRemover interface {
	RemovePrefix(ctx context.Context, prefix string) (int, error)
}
