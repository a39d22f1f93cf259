// Package access authenticates callers and decides whether they may act on
// a character. Characters can delegate access to each other for a limited
// time through their account's access list.
package access

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"time"

	"example.com/charsync/internal/domain"
)

type Accounts interface {
	AccountByID(ctx context.Context, id string) (domain.Account, error)
	AccountByLogin(ctx context.Context, login string) (domain.Account, error)
}

type Gate struct {
	accounts Accounts
	now      func() time.Time
}

func NewGate(accounts Accounts, now func() time.Time) *Gate {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Gate{accounts: accounts, now: now}
}

// Resolve maps a login or a canonical id to its account.
func (g *Gate) Resolve(ctx context.Context, loginOrID string) (domain.Account, error) {
	acc, err := g.accounts.AccountByLogin(ctx, loginOrID)
	if err == nil {
		return acc, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Account{}, err
	}
	return g.accounts.AccountByID(ctx, loginOrID)
}

// Authenticate checks Basic credentials. An unknown login yields
// domain.ErrNotFound, a wrong password domain.ErrUnauthorized.
func (g *Gate) Authenticate(ctx context.Context, login, password string) (domain.Account, error) {
	acc, err := g.Resolve(ctx, login)
	if err != nil {
		return domain.Account{}, err
	}
	if subtle.ConstantTimeCompare([]byte(acc.Password), []byte(password)) != 1 {
		return domain.Account{}, fmt.Errorf("wrong password for %s: %w", login, domain.ErrUnauthorized)
	}
	return acc, nil
}

// Check resolves target and verifies requester may act on it.
func (g *Gate) Check(ctx context.Context, requester domain.Account, target string) (domain.Account, error) {
	acc, err := g.Resolve(ctx, target)
	if err != nil {
		return domain.Account{}, err
	}
	if !acc.Grants(requester.ID, g.now().UnixMilli()) {
		return domain.Account{}, fmt.Errorf("%s may not access %s: %w", requester.ID, acc.ID, domain.ErrUnauthorized)
	}
	return acc, nil
}
