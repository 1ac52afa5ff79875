package store

import (
	"context"
	"log"
	"time"

	apperrors "github.com/louisbranch/cacheline/internal/platform/errors"
	"github.com/louisbranch/cacheline/internal/services/cache/synchronizer"
)

// Publisher sends local mutations to other peers.
type Publisher interface {
	Publish(ctx context.Context, event synchronizer.Event) error
}

// SetOptions controls a Cache write.
type SetOptions struct {
	// ExpireAt is the absolute expiry; zero never expires.
	ExpireAt time.Time
	Mode     Mode
	Tag      any
}

// Cache is the two-tier cache callers use: an in-process tier that serves
// reads and an optional persistent tier for placeholder and restore values.
// Local mutations are published when a Publisher is configured; events
// received from peers enter through Apply and are never re-published.
type Cache struct {
	memory     *Store
	persistent *Store
	publisher  Publisher
	logf       func(string, ...any)
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithPublisher publishes local mutations through p.
func WithPublisher(p Publisher) CacheOption {
	return func(c *Cache) { c.publisher = p }
}

// WithCacheLogf overrides the log sink.
func WithCacheLogf(logf func(string, ...any)) CacheOption {
	return func(c *Cache) {
		if logf != nil {
			c.logf = logf
		}
	}
}

// NewCache builds a Cache. persistent may be nil, in which case every mode
// behaves like ModeMemory.
func NewCache(memory, persistent *Store, opts ...CacheOption) (*Cache, error) {
	if memory == nil {
		return nil, apperrors.New(apperrors.CodeStorageNotConfigured, "memory tier is required")
	}
	c := &Cache{memory: memory, persistent: persistent, logf: log.Printf}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Subscribe applies every event received by sync to this cache.
func (c *Cache) Subscribe(sync *synchronizer.Synchronizer) {
	sync.OnEvent(c.Apply)
}

// Set writes data to the memory tier, and to the persistent tier for
// persistent modes, then publishes it. It reports whether the memory tier
// accepted the value.
func (c *Cache) Set(ctx context.Context, namespace, key string, data any, opts SetOptions) bool {
	if !c.set(ctx, namespace, key, data, opts) {
		return false
	}
	c.publish(ctx, synchronizer.Event{
		Kind:      synchronizer.KindSet,
		Namespace: namespace,
		Key:       key,
		Tag:       opts.Tag,
		Data:      data,
		ExpireAt:  opts.ExpireAt,
		Mode:      opts.Mode.String(),
	})
	return true
}

// Get reads the memory tier.
func (c *Cache) Get(ctx context.Context, namespace, key string, tag any) (any, bool) {
	return c.memory.Get(ctx, namespace, key, tag)
}

// Restore hydrates a restore-mode value from the persistent tier into the
// memory tier with its original expiry and tag. Placeholder entries are never
// hydrated; callers refetch them.
func (c *Cache) Restore(ctx context.Context, namespace, key string, tag any) (any, bool) {
	if c.persistent == nil {
		return nil, false
	}
	entry, ok := c.persistent.GetEntry(ctx, namespace, key, tag)
	if !ok || entry.Placeholder {
		return nil, false
	}
	c.memory.Set(ctx, namespace, key, entry.Data, entry.ExpireAt, entry.Tag)
	return entry.Data, true
}

// Placeholder reports whether the persistent tier holds an unexpired value
// for the key. The value itself is not loaded.
func (c *Cache) Placeholder(ctx context.Context, namespace, key string) bool {
	if c.persistent == nil {
		return false
	}
	entry, ok := c.persistent.Lookup(ctx, namespace, key)
	return ok && !entry.Expired(c.persistent.now())
}

// Remove deletes the key from both tiers and publishes an invalidation.
func (c *Cache) Remove(ctx context.Context, namespace, key string) {
	c.remove(ctx, namespace, key)
	c.publish(ctx, synchronizer.Event{Kind: synchronizer.KindInvalidate, Namespace: namespace, Key: key})
}

// Clear wipes a namespace from both tiers, or everything when namespace is
// empty, and publishes it.
func (c *Cache) Clear(ctx context.Context, namespace string) error {
	if err := c.clear(ctx, namespace); err != nil {
		return err
	}
	c.publish(ctx, synchronizer.Event{Kind: synchronizer.KindClear, Namespace: namespace})
	return nil
}

// Apply mutates the local tiers for an event received from a peer.
func (c *Cache) Apply(ctx context.Context, event synchronizer.Event) {
	switch event.Kind {
	case synchronizer.KindInvalidate:
		c.remove(ctx, event.Namespace, event.Key)
	case synchronizer.KindSet:
		mode, err := ParseMode(event.Mode)
		if err != nil {
			c.logf("cache: apply set %s/%s: %v", event.Namespace, event.Key, err)
		}
		c.set(ctx, event.Namespace, event.Key, event.Data, SetOptions{ExpireAt: event.ExpireAt, Mode: mode, Tag: event.Tag})
	case synchronizer.KindClear:
		if err := c.clear(ctx, event.Namespace); err != nil {
			c.logf("cache: apply clear %q: %v", event.Namespace, err)
		}
	default:
		c.logf("cache: apply: unknown event kind %q", event.Kind)
	}
}

func (c *Cache) set(ctx context.Context, namespace, key string, data any, opts SetOptions) bool {
	if !c.memory.Set(ctx, namespace, key, data, opts.ExpireAt, opts.Tag) {
		return false
	}
	if c.persistent == nil {
		return true
	}
	switch opts.Mode {
	case ModePlaceholder:
		c.persistent.SetPlaceholder(ctx, namespace, key, data, opts.ExpireAt, opts.Tag)
	case ModeRestore:
		c.persistent.Set(ctx, namespace, key, data, opts.ExpireAt, opts.Tag)
	}
	return true
}

func (c *Cache) remove(ctx context.Context, namespace, key string) {
	c.memory.Remove(ctx, namespace, key)
	if c.persistent != nil {
		c.persistent.Remove(ctx, namespace, key)
	}
}

func (c *Cache) clear(ctx context.Context, namespace string) error {
	if namespace == "" {
		return ClearAll(ctx, c.memory, c.persistent)
	}
	if _, err := c.memory.ClearNamespace(ctx, namespace); err != nil {
		return err
	}
	if c.persistent != nil {
		if _, err := c.persistent.ClearNamespace(ctx, namespace); err != nil {
			return err
		}
	}
	return nil
}

func (c *Cache) publish(ctx context.Context, event synchronizer.Event) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.Publish(ctx, event); err != nil {
		c.logf("cache: publish %s %s/%s: %v", event.Kind, event.Namespace, event.Key, err)
	}
}
