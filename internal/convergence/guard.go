package convergence

import "sync"

type guardKey struct {
	characterID string
	variant     string
}

// Guard admits at most one in-flight convergence wait per (character, variant).
// A second caller is turned away instead of queued.
type Guard struct {
	mu       sync.Mutex
	inflight map[guardKey]struct{}
}

func NewGuard() *Guard {
	return &Guard{inflight: map[guardKey]struct{}{}}
}

// TryAcquire marks the key as in flight without blocking. When ok is false the
// key is busy and release is nil. release is safe to call more than once.
func (g *Guard) TryAcquire(characterID, variant string) (release func(), ok bool) {
	key := guardKey{characterID, variant}

	g.mu.Lock()
	defer g.mu.Unlock()
	if _, busy := g.inflight[key]; busy {
		return nil, false
	}
	g.inflight[key] = struct{}{}

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.inflight, key)
			g.mu.Unlock()
		})
	}, true
}

// InFlight reports whether a wait currently holds the key.
func (g *Guard) InFlight(characterID, variant string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, busy := g.inflight[guardKey{characterID, variant}]
	return busy
}

// Len returns the number of held keys.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inflight)
}
