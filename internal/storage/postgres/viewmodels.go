package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"example.com/charsync/internal/domain"
)

func (db *DB) ViewModel(ctx context.Context, characterID, variant string) (domain.ViewModel, error) {
	var body []byte
	err := db.Pool.QueryRow(ctx,
		`SELECT body FROM view_models WHERE character_id = $1 AND variant = $2`,
		characterID, variant).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ViewModel{}, fmt.Errorf("view model %s/%s: %w", characterID, variant, domain.ErrNotFound)
	}
	if err != nil {
		return domain.ViewModel{}, fmt.Errorf("query view model: %w", err)
	}
	return domain.NewViewModel(characterID, variant, body)
}

// PutViewModel upserts a document. The worker normally owns this table; the
// method exists for seeding and tests. An older timestamp than the stored
// one is rejected with domain.ErrConflict.
func (db *DB) PutViewModel(ctx context.Context, vm domain.ViewModel) error {
	tag, err := db.Pool.Exec(ctx, `
INSERT INTO view_models (character_id, variant, ts, body, updated_at)
VALUES ($1, $2, $3, $4::jsonb, now())
ON CONFLICT (character_id, variant) DO UPDATE
SET ts = EXCLUDED.ts, body = EXCLUDED.body, updated_at = now()
WHERE view_models.ts <= EXCLUDED.ts`,
		vm.CharacterID, vm.Variant, vm.Timestamp, string(vm.Body))
	if err != nil {
		return fmt.Errorf("upsert view model: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("view model %s/%s timestamp %d regresses: %w",
			vm.CharacterID, vm.Variant, vm.Timestamp, domain.ErrConflict)
	}
	return nil
}

// Subscribe follows one document through the shared LISTEN connection. It
// fails while the listener is disconnected.
func (db *DB) Subscribe(ctx context.Context, characterID, variant string) (<-chan domain.ViewModel, error) {
	return db.feed.subscribe(ctx, characterID, variant)
}
