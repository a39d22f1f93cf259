package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/charsync/internal/domain"
	"example.com/charsync/internal/storage"
)

const notifyChannel = "view_model_changes"

var errFeedDown = errors.New("view model feed is not connected")

type notifyPayload struct {
	CharacterID string `json:"characterId"`
	Variant     string `json:"variant"`
}

// feed owns one connection that LISTENs for view model changes and hands
// them to the hub. Notifications only name the document; the body is read
// back from the table, and only for documents somebody is waiting on.
type feed struct {
	pool  *pgxpool.Pool
	hub   *storage.Hub
	retry time.Duration
	load  func(ctx context.Context, characterID, variant string) (domain.ViewModel, error)

	mu        sync.RWMutex
	connected bool
}

func newFeed(pool *pgxpool.Pool, hub *storage.Hub, retry time.Duration,
	load func(ctx context.Context, characterID, variant string) (domain.ViewModel, error)) *feed {
	return &feed{pool: pool, hub: hub, retry: retry, load: load}
}

func (f *feed) subscribe(ctx context.Context, characterID, variant string) (<-chan domain.ViewModel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.connected {
		return nil, errFeedDown
	}
	return f.hub.Subscribe(ctx, characterID, variant), nil
}

// run keeps the listener alive until ctx is done. Every time the connection
// drops, current subscriptions are closed so their waiters stop early.
func (f *feed) run(ctx context.Context) {
	for {
		err := f.listen(ctx)
		f.setConnected(false)
		f.hub.CloseAll()
		if ctx.Err() != nil {
			return
		}
		log.Printf("[pgfeed] listener stopped: %v; retrying in %s", err, f.retry)
		select {
		case <-ctx.Done():
			return
		case <-time.After(f.retry):
		}
	}
}

func (f *feed) listen(ctx context.Context) error {
	pc, err := f.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire: %w", err)
	}
	conn := pc.Hijack()
	defer func() { _ = conn.Close(context.Background()) }()

	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	f.setConnected(true)
	log.Printf("[pgfeed] listening on %s", notifyChannel)

	for {
		n, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		var p notifyPayload
		if err := json.Unmarshal([]byte(n.Payload), &p); err != nil {
			log.Printf("[pgfeed] bad payload %q: %v", n.Payload, err)
			continue
		}
		if f.hub.Count(p.CharacterID, p.Variant) == 0 {
			continue
		}
		vm, err := f.load(ctx, p.CharacterID, p.Variant)
		if err != nil {
			log.Printf("[pgfeed] load %s/%s: %v", p.CharacterID, p.Variant, err)
			continue
		}
		f.hub.Publish(vm)
	}
}

func (f *feed) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

func (f *feed) isConnected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}
