package storage

import (
	"context"
	"strings"
	"sync"
)

// Memory is an in-process adapter. Entries are stored as given, so values
// keep their Go types without serialization.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]RawEntry
}

var (
	_ Adapter       = (*Memory)(nil)
	_ PrefixRemover = (*Memory)(nil)
)

// NewMemory creates an empty in-process adapter.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]RawEntry)}
}

// Name identifies the adapter in logs.
func (m *Memory) Name() string { return "memory" }

// Get returns the entry stored under key.
func (m *Memory) Get(ctx context.Context, key string) (RawEntry, bool, error) {
	if err := ctx.Err(); err != nil {
		return RawEntry{}, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[key]
	return entry, ok, nil
}

// Set stores entry under key.
func (m *Memory) Set(ctx context.Context, key string, entry RawEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = entry
	return nil
}

// Remove deletes key.
func (m *Memory) Remove(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// Clear deletes every entry.
func (m *Memory) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.entries)
	return nil
}

// RemovePrefix deletes every key starting with prefix.
func (m *Memory) RemovePrefix(ctx context.Context, prefix string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for key := range m.entries {
		if strings.HasPrefix(key, prefix) {
			delete(m.entries, key)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
