// Package storage declares the persistence contracts the ingestion core
// depends on. Implementations live in the postgres, sqlite and memory
// subpackages; all of them report missing records with domain.ErrNotFound.
package storage

import (
	"context"

	"example.com/charsync/internal/domain"
)

// EventStore is the append-only event log, keyed by character.
type EventStore interface {
	// AppendEvents atomically stores events for characterID, skipping any
	// event whose (characterID, timestamp) is already present. Either every
	// non-duplicate event is stored or none is. It returns the events that
	// were newly inserted, in input order.
	AppendEvents(ctx context.Context, characterID string, events []domain.Event) ([]domain.Event, error)

	// LatestRefreshTimestamp returns the newest timestamp of a stored event of
	// eventType for characterID. ok is false when there is none.
	LatestRefreshTimestamp(ctx context.Context, characterID, eventType string) (ts int64, ok bool, err error)

	// RefreshTimestamps returns the newest eventType timestamp per character.
	RefreshTimestamps(ctx context.Context, eventType string) (map[string]int64, error)
}

// ViewModelStore is the read side of the worker-owned view model documents.
type ViewModelStore interface {
	ViewModel(ctx context.Context, characterID, variant string) (domain.ViewModel, error)

	// Subscribe delivers changes of one document until ctx is done. The
	// returned channel is closed when the subscription ends, including when
	// the underlying feed fails. Slow readers only see the latest change.
	Subscribe(ctx context.Context, characterID, variant string) (<-chan domain.ViewModel, error)
}

// AccountStore resolves character accounts.
type AccountStore interface {
	AccountByID(ctx context.Context, id string) (domain.Account, error)
	AccountByLogin(ctx context.Context, login string) (domain.Account, error)
}

// Backend bundles every store a running service needs.
type Backend interface {
	EventStore
	ViewModelStore
	AccountStore
	Ping(ctx context.Context) error
	Close() error
}
