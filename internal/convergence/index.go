package convergence

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RefreshSource is the slice of the event store the index is derived from.
type RefreshSource interface {
	LatestRefreshTimestamp(ctx context.Context, characterID, eventType string) (int64, bool, error)
	RefreshTimestamps(ctx context.Context, eventType string) (map[string]int64, error)
}

type indexEntry struct {
	ts         int64
	ok         bool
	hydratedAt time.Time
	hydrated   bool
}

// Index maps a character to the timestamp of its newest accepted refresh
// event. It is a cache over the event store: entries are hydrated from the
// store on first read and again once they are older than refreshAfter, so
// refresh events written by other processes are eventually picked up.
// Values only ever move forward.
type Index struct {
	source       RefreshSource
	eventType    string
	refreshAfter time.Duration
	now          func() time.Time

	mu      sync.RWMutex
	entries map[string]indexEntry
}

// NewIndex builds an index over source. refreshAfter <= 0 hydrates each
// character once and then relies on Advance alone.
func NewIndex(source RefreshSource, eventType string, refreshAfter time.Duration, now func() time.Time) *Index {
	if now == nil {
		now = time.Now
	}
	return &Index{
		source:       source,
		eventType:    eventType,
		refreshAfter: refreshAfter,
		now:          now,
		entries:      map[string]indexEntry{},
	}
}

// Advance records a newly stored refresh event.
func (ix *Index) Advance(characterID string, ts int64) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	e := ix.entries[characterID]
	if !e.ok || ts > e.ts {
		e.ts = ts
		e.ok = true
	}
	ix.entries[characterID] = e
}

// Latest returns the newest refresh timestamp for characterID; ok is false
// when no refresh event was ever stored for it.
func (ix *Index) Latest(ctx context.Context, characterID string) (int64, bool, error) {
	ix.mu.RLock()
	e, found := ix.entries[characterID]
	ix.mu.RUnlock()
	if found && e.hydrated && !ix.stale(e) {
		return e.ts, e.ok, nil
	}

	ts, ok, err := ix.source.LatestRefreshTimestamp(ctx, characterID, ix.eventType)
	if err != nil {
		return 0, false, fmt.Errorf("hydrate index for %s: %w", characterID, err)
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	e = ix.entries[characterID]
	e = merge(e, ts, ok)
	e.hydrated = true
	e.hydratedAt = ix.now()
	ix.entries[characterID] = e
	return e.ts, e.ok, nil
}

// Rebuild replays every stored refresh event into the index.
func (ix *Index) Rebuild(ctx context.Context) (int, error) {
	all, err := ix.source.RefreshTimestamps(ctx, ix.eventType)
	if err != nil {
		return 0, fmt.Errorf("rebuild index: %w", err)
	}
	now := ix.now()

	ix.mu.Lock()
	defer ix.mu.Unlock()
	for characterID, ts := range all {
		e := merge(ix.entries[characterID], ts, true)
		e.hydrated = true
		e.hydratedAt = now
		ix.entries[characterID] = e
	}
	return len(all), nil
}

func (ix *Index) stale(e indexEntry) bool {
	return ix.refreshAfter > 0 && ix.now().Sub(e.hydratedAt) >= ix.refreshAfter
}

func merge(e indexEntry, ts int64, ok bool) indexEntry {
	if ok && (!e.ok || ts > e.ts) {
		e.ts = ts
		e.ok = true
	}
	return e
}
