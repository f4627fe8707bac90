// Package store persists query cache snapshots so a restarted client can
// serve cached reads before it reconnects.
//
// Stores:
//   - Memory: in-process, for tests and single-run tools
//   - Postgres: one row per (client_id, key) in livesync_cache
//
// The Persister streams cache changes into a Store in batches.
package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rickgao/livesync/internal/cache"
)

// Record is one persisted cache entry.
type Record struct {
	Key       string
	Value     json.RawMessage
	Origin    cache.Origin
	UpdatedAt time.Time
}

// FromEntry converts a cache entry.
func FromEntry(e cache.Entry) Record {
	return Record{Key: e.Key, Value: e.Value, Origin: e.Origin, UpdatedAt: e.LastUpdated}
}

// Entry converts r back into a cache entry.
func (r Record) Entry() cache.Entry {
	return cache.Entry{Key: r.Key, Value: r.Value, Origin: r.Origin, LastUpdated: r.UpdatedAt}
}

// Store is a durable home for cache records.
type Store interface {
	Load(ctx context.Context) ([]Record, error)

	// Save upserts records. A record older than the stored one for the
	// same key is ignored.
	Save(ctx context.Context, records []Record) error

	Delete(ctx context.Context, keys []string) error
	Close() error
}

// Entries converts records for cache hydration.
func Entries(records []Record) []cache.Entry {
	out := make([]cache.Entry, len(records))
	for i, r := range records {
		out[i] = r.Entry()
	}
	return out
}
