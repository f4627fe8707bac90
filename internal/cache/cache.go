// Package cache holds the latest known value for every canonical query key.
//
// Entries live in one of two tiers. Keys pinned by a live subscription sit in
// an unbounded map and are never evicted or invalidated; everything else
// (one-shot query results, values left behind by closed subscriptions,
// hydrated snapshots) sits in a bounded LRU.
package cache

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/rickgao/livesync/internal/canonical"
)

// DefaultMaxEntries bounds the inactive tier.
const DefaultMaxEntries = 1024

// Origin records which operation produced a cached value.
type Origin int

const (
	OriginQuery Origin = iota
	OriginSubscription
)

func (o Origin) String() string {
	switch o {
	case OriginSubscription:
		return "subscription"
	default:
		return "query"
	}
}

// ParseOrigin is the inverse of Origin.String.
func ParseOrigin(s string) Origin {
	if s == "subscription" {
		return OriginSubscription
	}
	return OriginQuery
}

// Entry is one cached value.
type Entry struct {
	Key         string
	Value       json.RawMessage
	LastUpdated time.Time
	Origin      Origin
}

// Function returns the function-name part of the entry's key.
func (e Entry) Function() string {
	return canonical.FunctionOf(e.Key)
}

// Change describes a mutation of the cache contents.
type Change struct {
	Entry   Entry
	Deleted bool
}

// Options configures a Cache.
type Options struct {
	MaxEntries int
	Clock      clock.Clock

	// OnChange is called after every write, removal and eviction, outside
	// the cache lock.
	OnChange func(Change)
}

// Cache is safe for concurrent use.
type Cache struct {
	mu       sync.RWMutex
	pinned   map[string]int
	active   map[string]Entry
	inactive *lru.Cache[string, Entry]
	clock    clock.Clock
	onChange func(Change)

	// set while moving entries between tiers so the eviction hook
	// does not report them as deleted
	moving  bool
	pending []Change
}

// New creates a Cache.
func New(opts Options) (*Cache, error) {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultMaxEntries
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}

	c := &Cache{
		pinned:   make(map[string]int),
		active:   make(map[string]Entry),
		clock:    opts.Clock,
		onChange: opts.OnChange,
	}
	inactive, err := lru.NewWithEvict[string, Entry](opts.MaxEntries, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	c.inactive = inactive
	return c, nil
}

func (c *Cache) onEvict(_ string, e Entry) {
	if c.moving {
		return
	}
	c.pending = append(c.pending, Change{Entry: e, Deleted: true})
}

// Get returns the entry for key from either tier.
func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if e, ok := c.active[key]; ok {
		return e, true
	}
	return c.inactive.Peek(key)
}

// Put stores value under key, stamping it with the current time.
func (c *Cache) Put(key string, value json.RawMessage, origin Origin) Entry {
	e := Entry{
		Key:         key,
		Value:       value,
		LastUpdated: c.clock.Now(),
		Origin:      origin,
	}

	c.mu.Lock()
	if c.pinned[key] > 0 {
		c.active[key] = e
	} else {
		c.inactive.Add(key, e)
	}
	c.pending = append(c.pending, Change{Entry: e})
	changes := c.takePending()
	c.mu.Unlock()

	c.emit(changes)
	return e
}

// Remove deletes key from both tiers. Pins are kept.
func (c *Cache) Remove(key string) bool {
	c.mu.Lock()
	e, ok := c.active[key]
	if ok {
		delete(c.active, key)
		c.pending = append(c.pending, Change{Entry: e, Deleted: true})
	} else {
		// eviction hook records the change
		ok = c.inactive.Remove(key)
	}
	changes := c.takePending()
	c.mu.Unlock()

	c.emit(changes)
	return ok
}

// Pin marks key as backed by a live subscription, promoting any inactive
// entry. Pins nest.
func (c *Cache) Pin(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pinned[key]++
	if c.pinned[key] > 1 {
		return
	}
	if e, ok := c.inactive.Peek(key); ok {
		c.moving = true
		c.inactive.Remove(key)
		c.moving = false
		c.active[key] = e
	}
}

// Unpin releases one pin. When the last pin goes the entry is demoted to
// the inactive tier.
func (c *Cache) Unpin(key string) {
	c.mu.Lock()
	n := c.pinned[key]
	if n == 0 {
		c.mu.Unlock()
		return
	}
	if n > 1 {
		c.pinned[key] = n - 1
		c.mu.Unlock()
		return
	}
	delete(c.pinned, key)
	if e, ok := c.active[key]; ok {
		delete(c.active, key)
		c.inactive.Add(key, e)
	}
	changes := c.takePending()
	c.mu.Unlock()

	c.emit(changes)
}

// Pinned reports whether key is backed by a live subscription.
func (c *Cache) Pinned(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pinned[key] > 0
}

// Invalidate removes every unpinned entry whose key satisfies match and
// returns the removed keys.
func (c *Cache) Invalidate(match func(key string) bool) []string {
	c.mu.Lock()
	var removed []string
	for _, key := range c.inactive.Keys() {
		if match(key) {
			c.inactive.Remove(key)
			removed = append(removed, key)
		}
	}
	changes := c.takePending()
	c.mu.Unlock()

	c.emit(changes)
	return removed
}

// Hydrate loads entries into the inactive tier without reporting changes.
// Existing entries are not overwritten.
func (c *Cache) Hydrate(entries []Entry) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, e := range entries {
		if _, ok := c.active[e.Key]; ok {
			continue
		}
		if c.inactive.Contains(e.Key) {
			continue
		}
		c.inactive.Add(e.Key, e)
		n++
	}
	c.pending = nil
	return n
}

// Snapshot returns a copy of every entry.
func (c *Cache) Snapshot() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]Entry, 0, len(c.active)+c.inactive.Len())
	for _, e := range c.active {
		out = append(out, e)
	}
	for _, key := range c.inactive.Keys() {
		if e, ok := c.inactive.Peek(key); ok {
			out = append(out, e)
		}
	}
	return out
}

// Stats is a point-in-time view of the cache size.
type Stats struct {
	Active   int
	Inactive int
}

// Stats returns entry counts per tier.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Stats{Active: len(c.active), Inactive: c.inactive.Len()}
}

func (c *Cache) takePending() []Change {
	out := c.pending
	c.pending = nil
	return out
}

func (c *Cache) emit(changes []Change) {
	if c.onChange == nil {
		return
	}
	for _, ch := range changes {
		c.onChange(ch)
	}
}
