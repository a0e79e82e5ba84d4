// Package primitives caches the tool, resource and prompt descriptors an
// endpoint advertises, so consumers can browse and verify tools without a
// round trip per request.
package primitives

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/bridgekit/mcp-bridge/pkg/logging"
	"github.com/bridgekit/mcp-bridge/pkg/protocol"
)

// Source fetches the live primitive set from the endpoint.
type Source interface {
	ListPrimitives(ctx context.Context) ([]protocol.Primitive, error)
}

// staleGraceFactor bounds how far past maxAge a set may still be served when
// a refresh fails: beyond staleGraceFactor*maxAge the failure surfaces instead.
const staleGraceFactor = 2

// Cache holds the most recently fetched primitive set. Reads are lock-cheap
// snapshots; refreshes collapse concurrent callers into one fetch. A refresh
// failure serves the previous set for a bounded grace period rather than
// erasing it, except when the caller forced the refresh.
type Cache struct {
	source Source
	maxAge time.Duration
	logger logging.Logger
	clock  func() time.Time

	group singleflight.Group

	mu        sync.RWMutex
	set       []protocol.Primitive
	fetchedAt time.Time
}

// NewCache creates a cache over source. Entries older than maxAge refetch on
// the next Get.
func NewCache(source Source, maxAge time.Duration, logger logging.Logger) *Cache {
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	if logger == nil {
		logger = logging.Noop()
	}
	return &Cache{
		source: source,
		maxAge: maxAge,
		logger: logger.WithComponent("primitives"),
		clock:  time.Now,
	}
}

// Get returns the primitive set, refreshing it when stale, never fetched, or
// forceRefresh is set. With forceRefresh the caller demanded fresh data, so a
// refresh failure surfaces. Otherwise a failed refresh serves the previous
// set while it is within the stale grace window; past the window, or with no
// previous set, the failure surfaces.
func (c *Cache) Get(ctx context.Context, forceRefresh bool) ([]protocol.Primitive, error) {
	c.mu.RLock()
	cached := c.set
	fresh := cached != nil && c.clock().Sub(c.fetchedAt) < c.maxAge
	c.mu.RUnlock()

	if fresh && !forceRefresh {
		return copySet(cached), nil
	}

	result, err, _ := c.group.Do("refresh", func() (interface{}, error) {
		fetched, err := c.source.ListPrimitives(ctx)
		if err != nil {
			return nil, err
		}
		if fetched == nil {
			fetched = []protocol.Primitive{}
		}
		c.mu.Lock()
		c.set = fetched
		c.fetchedAt = c.clock()
		c.mu.Unlock()
		return fetched, nil
	})
	if err != nil {
		if forceRefresh {
			return nil, err
		}
		c.mu.RLock()
		stale := c.set
		age := c.clock().Sub(c.fetchedAt)
		c.mu.RUnlock()
		if stale != nil && age <= staleGraceFactor*c.maxAge {
			c.logger.Warn("primitive refresh failed, serving stale set",
				logging.ErrorField(err),
				logging.Int("primitives", len(stale)),
				logging.Duration("age", age),
			)
			return copySet(stale), nil
		}
		return nil, err
	}
	return copySet(result.([]protocol.Primitive)), nil
}

// Snapshot returns the cached set without fetching. Nil when never fetched.
func (c *Cache) Snapshot() []protocol.Primitive {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.set == nil {
		return nil
	}
	return copySet(c.set)
}

// FindTool looks a tool up by name in the cached set. The second return is
// false when the set has never been fetched, so callers can distinguish
// "unknown tool" from "nothing to check against".
func (c *Cache) FindTool(name string) (protocol.Primitive, bool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.set == nil {
		return protocol.Primitive{}, false, false
	}
	for _, p := range c.set {
		if p.Kind == protocol.PrimitiveTool && p.Name == name {
			return p, true, true
		}
	}
	return protocol.Primitive{}, false, true
}

// ToolNames returns the cached tool names, sorted.
func (c *Cache) ToolNames() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var names []string
	for _, p := range c.set {
		if p.Kind == protocol.PrimitiveTool {
			names = append(names, p.Name)
		}
	}
	sort.Strings(names)
	return names
}

// Invalidate drops the cached set so the next Get refetches. Used when the
// endpoint signals a changed primitive list or the connection is replaced.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.set = nil
	c.fetchedAt = time.Time{}
	c.mu.Unlock()
	c.logger.Debug("primitive cache invalidated")
}

// Age returns how old the cached set is, or a negative value when never
// fetched.
func (c *Cache) Age() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.fetchedAt.IsZero() {
		return -1
	}
	return c.clock().Sub(c.fetchedAt)
}

func copySet(set []protocol.Primitive) []protocol.Primitive {
	out := make([]protocol.Primitive, len(set))
	copy(out, set)
	return out
}
