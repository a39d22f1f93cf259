// Package sqlite is a single-node durable backend on an embedded SQLite file.
// View model changes are discovered by polling the documents that have
// subscribers.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"example.com/charsync/internal/domain"
	"example.com/charsync/internal/idempotency"
	"example.com/charsync/internal/storage"
	"example.com/charsync/internal/storage/sqlite/migrations"
)

// DefaultPollInterval is used when Open gets a non-positive interval.
const DefaultPollInterval = 100 * time.Millisecond

type Store struct {
	sqlDB *sql.DB
	hub   *storage.Hub

	cancel context.CancelFunc
	done   chan struct{}
}

// Open opens the database at path, applies migrations and starts the change
// poller.
func Open(path string, pollInterval time.Duration) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer at a time; readers queue behind it.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(context.Background(), sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{sqlDB: sqlDB, hub: storage.NewHub(), cancel: cancel, done: make(chan struct{})}
	go s.poll(ctx, pollInterval)
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.hub.CloseAll()
	return s.sqlDB.Close()
}

func (s *Store) Ping(ctx context.Context) error { return s.sqlDB.PingContext(ctx) }

func (s *Store) AppendEvents(ctx context.Context, characterID string, events []domain.Event) ([]domain.Event, error) {
	if len(events) == 0 {
		return nil, nil
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO events (event_key, character_id, event_type, ts, data, received_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT DO NOTHING`)
	if err != nil {
		return nil, fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC().UnixMilli()
	var out []domain.Event
	for _, ev := range events {
		var data any
		if len(ev.Data) > 0 {
			data = string(ev.Data)
		}
		res, err := stmt.ExecContext(ctx, idempotency.Key(characterID, ev.Timestamp), characterID, ev.EventType, ev.Timestamp, data, now)
		if err != nil {
			return nil, fmt.Errorf("insert event %d: %w", ev.Timestamp, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("rows affected: %w", err)
		}
		if n == 1 {
			ev.CharacterID = characterID
			out = append(out, ev)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return out, nil
}

func (s *Store) LatestRefreshTimestamp(ctx context.Context, characterID, eventType string) (int64, bool, error) {
	var ts sql.NullInt64
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT MAX(ts) FROM events WHERE character_id = ? AND event_type = ?`,
		characterID, eventType).Scan(&ts)
	if err != nil {
		return 0, false, fmt.Errorf("scan latest refresh: %w", err)
	}
	return ts.Int64, ts.Valid, nil
}

func (s *Store) RefreshTimestamps(ctx context.Context, eventType string) (map[string]int64, error) {
	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT character_id, MAX(ts)
FROM events
WHERE event_type = ?
GROUP BY character_id`, eventType)
	if err != nil {
		return nil, fmt.Errorf("query refresh timestamps: %w", err)
	}
	defer rows.Close()

	out := map[string]int64{}
	for rows.Next() {
		var id string
		var ts int64
		if err := rows.Scan(&id, &ts); err != nil {
			return nil, fmt.Errorf("scan refresh timestamp: %w", err)
		}
		out[id] = ts
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate refresh timestamps: %w", err)
	}
	return out, nil
}

func (s *Store) ViewModel(ctx context.Context, characterID, variant string) (domain.ViewModel, error) {
	var body string
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT body FROM view_models WHERE character_id = ? AND variant = ?`,
		characterID, variant).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ViewModel{}, fmt.Errorf("view model %s/%s: %w", characterID, variant, domain.ErrNotFound)
	}
	if err != nil {
		return domain.ViewModel{}, fmt.Errorf("query view model: %w", err)
	}
	return domain.NewViewModel(characterID, variant, json.RawMessage(body))
}

// PutViewModel upserts a document for seeding and tests. An older timestamp
// than the stored one is rejected with domain.ErrConflict.
func (s *Store) PutViewModel(ctx context.Context, vm domain.ViewModel) error {
	res, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO view_models (character_id, variant, ts, body, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (character_id, variant) DO UPDATE
SET ts = excluded.ts, body = excluded.body, updated_at = excluded.updated_at
WHERE view_models.ts <= excluded.ts`,
		vm.CharacterID, vm.Variant, vm.Timestamp, string(vm.Body), time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert view model: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("view model %s/%s timestamp %d regresses: %w",
			vm.CharacterID, vm.Variant, vm.Timestamp, domain.ErrConflict)
	}
	return nil
}

func (s *Store) Subscribe(ctx context.Context, characterID, variant string) (<-chan domain.ViewModel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.hub.Subscribe(ctx, characterID, variant), nil
}

// poll re-reads every watched document each interval and publishes the ones
// whose timestamp moved.
func (s *Store) poll(ctx context.Context, interval time.Duration) {
	defer close(s.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	seen := map[storage.DocKey]int64{}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		watched := s.hub.Watched()
		live := make(map[storage.DocKey]struct{}, len(watched))
		for _, key := range watched {
			live[key] = struct{}{}
			vm, err := s.ViewModel(ctx, key.CharacterID, key.Variant)
			if err != nil {
				if !errors.Is(err, domain.ErrNotFound) && ctx.Err() == nil {
					log.Printf("[sqlite] poll %s/%s: %v", key.CharacterID, key.Variant, err)
				}
				continue
			}
			if last, ok := seen[key]; ok && vm.Timestamp <= last {
				continue
			}
			seen[key] = vm.Timestamp
			s.hub.Publish(vm)
		}
		for key := range seen {
			if _, ok := live[key]; !ok {
				delete(seen, key)
			}
		}
	}
}

func (s *Store) AccountByID(ctx context.Context, id string) (domain.Account, error) {
	return s.account(ctx, "id", id)
}

func (s *Store) AccountByLogin(ctx context.Context, login string) (domain.Account, error) {
	return s.account(ctx, "login", login)
}

func (s *Store) account(ctx context.Context, column, value string) (domain.Account, error) {
	var acc domain.Account
	var access string
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT id, login, password, access FROM accounts WHERE `+column+` = ?`, value).
		Scan(&acc.ID, &acc.Login, &acc.Password, &access)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Account{}, fmt.Errorf("account %s %s: %w", column, value, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("query account: %w", err)
	}
	if err := json.Unmarshal([]byte(access), &acc.Access); err != nil {
		return domain.Account{}, fmt.Errorf("decode access list of %s: %w", acc.ID, err)
	}
	return acc, nil
}

// PutAccount upserts an account, used for seeding.
func (s *Store) PutAccount(ctx context.Context, acc domain.Account) error {
	access := acc.Access
	if access == nil {
		access = []domain.AccessEntry{}
	}
	b, err := json.Marshal(access)
	if err != nil {
		return fmt.Errorf("encode access list: %w", err)
	}
	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO accounts (id, login, password, access)
VALUES (?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE
SET login = excluded.login, password = excluded.password, access = excluded.access`,
		acc.ID, acc.Login, acc.Password, string(b))
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

var _ storage.Backend = (*Store)(nil)
