// Package memory is an in-process storage backend used by tests and the
// "memory" profile. Writes made through PutViewModel reach subscribers
// immediately.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"example.com/charsync/internal/domain"
	"example.com/charsync/internal/idempotency"
	"example.com/charsync/internal/storage"
)

type docKey struct {
	characterID string
	variant     string
}

type Store struct {
	mu         sync.Mutex
	events     map[string]domain.Event
	viewModels map[docKey]domain.ViewModel
	accounts   map[string]domain.Account
	hub        *storage.Hub
}

func New() *Store {
	return &Store{
		events:     map[string]domain.Event{},
		viewModels: map[docKey]domain.ViewModel{},
		accounts:   map[string]domain.Account{},
		hub:        storage.NewHub(),
	}
}

func (s *Store) AppendEvents(ctx context.Context, characterID string, events []domain.Event) ([]domain.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := make([]domain.Event, 0, len(events))
	for _, ev := range events {
		key := idempotency.Key(characterID, ev.Timestamp)
		if _, ok := s.events[key]; ok {
			continue
		}
		ev.CharacterID = characterID
		s.events[key] = ev
		inserted = append(inserted, ev)
	}
	return inserted, nil
}

func (s *Store) LatestRefreshTimestamp(ctx context.Context, characterID, eventType string) (int64, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var latest int64
	found := false
	for _, ev := range s.events {
		if ev.CharacterID != characterID || ev.EventType != eventType {
			continue
		}
		if !found || ev.Timestamp > latest {
			latest = ev.Timestamp
			found = true
		}
	}
	return latest, found, nil
}

func (s *Store) RefreshTimestamps(ctx context.Context, eventType string) (map[string]int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	out := map[string]int64{}
	for _, ev := range s.events {
		if ev.EventType != eventType {
			continue
		}
		if cur, ok := out[ev.CharacterID]; !ok || ev.Timestamp > cur {
			out[ev.CharacterID] = ev.Timestamp
		}
	}
	return out, nil
}

// Events returns the stored events of a character ordered by timestamp.
func (s *Store) Events(characterID string) []domain.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Event
	for _, ev := range s.events {
		if ev.CharacterID == characterID {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp < out[j].Timestamp })
	return out
}

func (s *Store) ViewModel(ctx context.Context, characterID, variant string) (domain.ViewModel, error) {
	if err := ctx.Err(); err != nil {
		return domain.ViewModel{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	vm, ok := s.viewModels[docKey{characterID, variant}]
	if !ok {
		return domain.ViewModel{}, fmt.Errorf("view model %s/%s: %w", characterID, variant, domain.ErrNotFound)
	}
	return vm, nil
}

// PutViewModel stores a worker document and notifies subscribers. A document
// whose timestamp is older than the stored one is rejected with
// domain.ErrConflict.
func (s *Store) PutViewModel(vm domain.ViewModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := docKey{vm.CharacterID, vm.Variant}
	if cur, ok := s.viewModels[key]; ok && vm.Timestamp < cur.Timestamp {
		return fmt.Errorf("view model %s/%s timestamp %d < %d: %w",
			vm.CharacterID, vm.Variant, vm.Timestamp, cur.Timestamp, domain.ErrConflict)
	}
	s.viewModels[key] = vm
	s.hub.Publish(vm)
	return nil
}

func (s *Store) Subscribe(ctx context.Context, characterID, variant string) (<-chan domain.ViewModel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.hub.Subscribe(ctx, characterID, variant), nil
}

// Subscribers returns the number of live subscriptions for a document.
func (s *Store) Subscribers(characterID, variant string) int {
	return s.hub.Count(characterID, variant)
}

func (s *Store) PutAccount(acc domain.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts[acc.ID] = acc
}

func (s *Store) AccountByID(ctx context.Context, id string) (domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return domain.Account{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok := s.accounts[id]
	if !ok {
		return domain.Account{}, fmt.Errorf("account %s: %w", id, domain.ErrNotFound)
	}
	return acc, nil
}

func (s *Store) AccountByLogin(ctx context.Context, login string) (domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return domain.Account{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, acc := range s.accounts {
		if acc.Login == login {
			return acc, nil
		}
	}
	return domain.Account{}, fmt.Errorf("account login %s: %w", login, domain.ErrNotFound)
}

func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

func (s *Store) Close() error {
	s.hub.CloseAll()
	return nil
}

var _ storage.Backend = (*Store)(nil)
