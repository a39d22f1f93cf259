package storage

import (
	"context"
	"sync"

	"example.com/charsync/internal/domain"
)

// DocKey names one view model document.
type DocKey struct {
	CharacterID string
	Variant     string
}

type subscriber struct {
	ch   chan domain.ViewModel
	done chan struct{}
}

// Hub fans view model changes out to subscribers. Every backend feeds it
// from its own change source. Each subscriber holds at most one pending
// change; a newer change replaces an unread one.
type Hub struct {
	mu   sync.Mutex
	subs map[DocKey]map[*subscriber]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: map[DocKey]map[*subscriber]struct{}{}}
}

// Subscribe registers a subscriber for one document. The channel is closed
// once ctx is done or CloseAll runs.
func (h *Hub) Subscribe(ctx context.Context, characterID, variant string) <-chan domain.ViewModel {
	key := DocKey{characterID, variant}
	s := &subscriber{ch: make(chan domain.ViewModel, 1), done: make(chan struct{})}

	h.mu.Lock()
	if h.subs[key] == nil {
		h.subs[key] = map[*subscriber]struct{}{}
	}
	h.subs[key][s] = struct{}{}
	h.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			h.removeLocked(key, s)
			h.mu.Unlock()
		case <-s.done:
		}
	}()
	return s.ch
}

// Publish offers vm to every subscriber of its document.
func (h *Hub) Publish(vm domain.ViewModel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs[DocKey{vm.CharacterID, vm.Variant}] {
		offerLatest(s.ch, vm)
	}
}

// Watched lists the documents that currently have subscribers.
func (h *Hub) Watched() []DocKey {
	h.mu.Lock()
	defer h.mu.Unlock()
	keys := make([]DocKey, 0, len(h.subs))
	for k := range h.subs {
		keys = append(keys, k)
	}
	return keys
}

// Count returns the number of live subscribers of one document.
func (h *Hub) Count(characterID, variant string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[DocKey{characterID, variant}])
}

// CloseAll ends every subscription.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, set := range h.subs {
		for s := range set {
			h.removeLocked(key, s)
		}
	}
}

func (h *Hub) removeLocked(key DocKey, s *subscriber) {
	set, ok := h.subs[key]
	if !ok {
		return
	}
	if _, ok := set[s]; !ok {
		return
	}
	delete(set, s)
	if len(set) == 0 {
		delete(h.subs, key)
	}
	close(s.ch)
	close(s.done)
}

// offerLatest delivers vm without blocking, replacing an unread older value.
// Callers hold the hub lock, so nothing else sends on ch concurrently.
func offerLatest(ch chan domain.ViewModel, vm domain.ViewModel) {
	select {
	case ch <- vm:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- vm:
	default:
	}
}
