// Package postgres is the production storage backend. Events, view models
// and accounts live in Postgres; view model changes reach subscribers through
// LISTEN/NOTIFY.
package postgres

import (
	"context"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"example.com/charsync/internal/storage"
	"example.com/charsync/internal/storage/postgres/migrations"
)

// DefaultListenRetry is the pause between attempts to re-establish the
// change feed.
const DefaultListenRetry = time.Second

type DB struct {
	Pool *pgxpool.Pool

	feed   *feed
	cancel context.CancelFunc
	done   chan struct{}
}

// Connect opens the pool and starts the view model change feed. Call Migrate
// before serving traffic on a fresh database.
func Connect(ctx context.Context, dsn string, listenRetry time.Duration) (*DB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool: %w", err)
	}
	if listenRetry <= 0 {
		listenRetry = DefaultListenRetry
	}

	feedCtx, cancel := context.WithCancel(context.Background())
	db := &DB{Pool: pool, cancel: cancel, done: make(chan struct{})}
	db.feed = newFeed(pool, storage.NewHub(), listenRetry, db.ViewModel)
	go func() {
		defer close(db.done)
		db.feed.run(feedCtx)
	}()
	return db, nil
}

func (db *DB) Close() error {
	if db.cancel != nil {
		db.cancel()
		<-db.done
	}
	if db.Pool != nil {
		db.Pool.Close()
	}
	return nil
}

func (db *DB) Ping(ctx context.Context) error {
	var one int
	return db.Pool.QueryRow(ctx, "select 1").Scan(&one)
}

// Migrate applies the embedded schema files in name order, each at most once.
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
    name       TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}

	entries, err := fs.ReadDir(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, name := range files {
		body, err := fs.ReadFile(migrations.FS, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		tx, err := db.Pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", name, err)
		}
		tag, err := tx.Exec(ctx, `INSERT INTO schema_migrations (name) VALUES ($1) ON CONFLICT DO NOTHING`, name)
		if err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("record migration %s: %w", name, err)
		}
		if tag.RowsAffected() == 0 {
			_ = tx.Rollback(ctx)
			continue
		}
		if _, err := tx.Exec(ctx, string(body)); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("exec migration %s: %w", name, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit migration %s: %w", name, err)
		}
	}
	return nil
}

var _ storage.Backend = (*DB)(nil)
