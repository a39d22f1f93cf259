package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"example.com/charsync/internal/domain"
)

// openTestDB connects to POSTGRES_DSN and isolates the test under a fresh
// character id prefix.
func openTestDB(t *testing.T) (*DB, string) {
	t.Helper()
	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_DSN not set (integration test)")
	}
	ctx := context.Background()
	db, err := Connect(ctx, dsn, 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	return db, fmt.Sprintf("it-%d", time.Now().UnixNano())
}

func waitConnected(t *testing.T, db *DB) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !db.feed.isConnected() {
		if time.Now().After(deadline) {
			t.Fatalf("feed never connected")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAppendEventsDedup(t *testing.T) {
	db, id := openTestDB(t)
	ctx := context.Background()

	first, err := db.AppendEvents(ctx, id, []domain.Event{
		{EventType: "Walk", Timestamp: 100, Data: json.RawMessage(`{"steps":3}`)},
		{EventType: "_RefreshModel", Timestamp: 200},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(first) != 2 {
		t.Fatalf("inserted %d, want 2", len(first))
	}

	again, err := db.AppendEvents(ctx, id, []domain.Event{
		{EventType: "Jump", Timestamp: 100},
		{EventType: "Walk", Timestamp: 300},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 1 || again[0].Timestamp != 300 {
		t.Fatalf("second append inserted %+v", again)
	}

	ts, ok, err := db.LatestRefreshTimestamp(ctx, id, "_RefreshModel")
	if err != nil || !ok || ts != 200 {
		t.Fatalf("latest refresh = %d %v %v", ts, ok, err)
	}
	all, err := db.RefreshTimestamps(ctx, "_RefreshModel")
	if err != nil {
		t.Fatal(err)
	}
	if all[id] != 200 {
		t.Fatalf("refresh timestamps[%s] = %d", id, all[id])
	}
	if _, ok, _ := db.LatestRefreshTimestamp(ctx, id+"-none", "_RefreshModel"); ok {
		t.Fatalf("unexpected refresh for unknown character")
	}
}

func TestViewModelsAndAccounts(t *testing.T) {
	db, id := openTestDB(t)
	ctx := context.Background()

	if _, err := db.ViewModel(ctx, id, "mobile"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	vm, _ := domain.NewViewModel(id, "mobile", json.RawMessage(`{"timestamp":420}`))
	if err := db.PutViewModel(ctx, vm); err != nil {
		t.Fatal(err)
	}
	old, _ := domain.NewViewModel(id, "mobile", json.RawMessage(`{"timestamp":100}`))
	if err := db.PutViewModel(ctx, old); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
	got, err := db.ViewModel(ctx, id, "mobile")
	if err != nil || got.Timestamp != 420 {
		t.Fatalf("view model = %+v %v", got, err)
	}

	acc := domain.Account{ID: id, Login: id + "-login", Password: "pw",
		Access: []domain.AccessEntry{{ID: "10001", Timestamp: 99}}}
	if err := db.PutAccount(ctx, acc); err != nil {
		t.Fatal(err)
	}
	byLogin, err := db.AccountByLogin(ctx, acc.Login)
	if err != nil || byLogin.ID != id || len(byLogin.Access) != 1 {
		t.Fatalf("account by login = %+v %v", byLogin, err)
	}
	if _, err := db.AccountByID(ctx, id+"-none"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestSubscribeSeesNotifiedChange(t *testing.T) {
	db, id := openTestDB(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	waitConnected(t, db)

	vm, _ := domain.NewViewModel(id, "mobile", json.RawMessage(`{"timestamp":420}`))
	if err := db.PutViewModel(ctx, vm); err != nil {
		t.Fatal(err)
	}
	ch, err := db.Subscribe(ctx, id, "mobile")
	if err != nil {
		t.Fatal(err)
	}
	next, _ := domain.NewViewModel(id, "mobile", json.RawMessage(`{"timestamp":4365}`))
	if err := db.PutViewModel(ctx, next); err != nil {
		t.Fatal(err)
	}

	for {
		select {
		case got, ok := <-ch:
			if !ok {
				t.Fatalf("feed closed")
			}
			if got.Timestamp == 4365 {
				return
			}
		case <-ctx.Done():
			t.Fatalf("no notification received")
		}
	}
}
