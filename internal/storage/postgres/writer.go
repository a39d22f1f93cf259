package postgres

import (
	"context"
	"fmt"
	"strings"

	"example.com/charsync/internal/domain"
	"example.com/charsync/internal/idempotency"
)

// AppendEvents inserts events in one transaction. ON CONFLICT DO NOTHING
// skips events already stored at the same (character_id, ts); RETURNING
// reports the ones that went in.
func (db *DB) AppendEvents(ctx context.Context, characterID string, events []domain.Event) ([]domain.Event, error) {
	if len(events) == 0 {
		return nil, nil
	}

	cols := []string{"event_key", "character_id", "event_type", "ts", "data"}
	placeholders := make([]string, 0, len(events))
	args := make([]any, 0, len(events)*len(cols))

	argi := 1
	for _, ev := range events {
		ph := make([]string, 0, len(cols))
		args = append(args, idempotency.Key(characterID, ev.Timestamp), characterID, ev.EventType, ev.Timestamp)
		for range 4 {
			ph = append(ph, fmt.Sprintf("$%d", argi))
			argi++
		}

		// data JSONB (nil or JSON text)
		if len(ev.Data) == 0 {
			args = append(args, nil)
		} else {
			args = append(args, string(ev.Data))
		}
		ph = append(ph, fmt.Sprintf("$%d::jsonb", argi))
		argi++

		placeholders = append(placeholders, "("+strings.Join(ph, ",")+")")
	}

	sql := "INSERT INTO events (" + strings.Join(cols, ",") + ") VALUES " +
		strings.Join(placeholders, ",") +
		" ON CONFLICT DO NOTHING RETURNING ts"

	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("insert events: %w", err)
	}
	inserted := map[int64]struct{}{}
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan inserted: %w", err)
		}
		inserted[ts] = struct{}{}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("insert events: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	out := make([]domain.Event, 0, len(inserted))
	for _, ev := range events {
		if _, ok := inserted[ev.Timestamp]; ok {
			ev.CharacterID = characterID
			out = append(out, ev)
			delete(inserted, ev.Timestamp)
		}
	}
	return out, nil
}
