package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"example.com/charsync/internal/domain"
)

func (db *DB) AccountByID(ctx context.Context, id string) (domain.Account, error) {
	return db.account(ctx, "id", id)
}

func (db *DB) AccountByLogin(ctx context.Context, login string) (domain.Account, error) {
	return db.account(ctx, "login", login)
}

func (db *DB) account(ctx context.Context, column, value string) (domain.Account, error) {
	var acc domain.Account
	var access []byte
	err := db.Pool.QueryRow(ctx,
		`SELECT id, login, password, access FROM accounts WHERE `+column+` = $1`, value).
		Scan(&acc.ID, &acc.Login, &acc.Password, &access)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Account{}, fmt.Errorf("account %s %s: %w", column, value, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("query account: %w", err)
	}
	if err := json.Unmarshal(access, &acc.Access); err != nil {
		return domain.Account{}, fmt.Errorf("decode access list of %s: %w", acc.ID, err)
	}
	return acc, nil
}

// PutAccount upserts an account, used for seeding.
func (db *DB) PutAccount(ctx context.Context, acc domain.Account) error {
	access := acc.Access
	if access == nil {
		access = []domain.AccessEntry{}
	}
	b, err := json.Marshal(access)
	if err != nil {
		return fmt.Errorf("encode access list: %w", err)
	}
	_, err = db.Pool.Exec(ctx, `
INSERT INTO accounts (id, login, password, access)
VALUES ($1, $2, $3, $4::jsonb)
ON CONFLICT (id) DO UPDATE
SET login = EXCLUDED.login, password = EXCLUDED.password, access = EXCLUDED.access`,
		acc.ID, acc.Login, acc.Password, string(b))
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}
