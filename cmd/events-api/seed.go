package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"example.com/charsync/internal/domain"
	"example.com/charsync/internal/storage/memory"
)

// seedFile is the fixture format accepted by SEED_FILE.
type seedFile struct {
	Accounts []struct {
		ID       string               `json:"id"`
		Login    string               `json:"login"`
		Password string               `json:"password"`
		Access   []domain.AccessEntry `json:"access"`
	} `json:"accounts"`
	ViewModels []struct {
		CharacterID string          `json:"characterId"`
		Variant     string          `json:"variant"`
		Document    json.RawMessage `json:"document"`
	} `json:"viewModels"`
}

type seeder interface {
	PutAccount(ctx context.Context, acc domain.Account) error
	PutViewModel(ctx context.Context, vm domain.ViewModel) error
}

// memorySeeder adapts the context-free memory store writes.
type memorySeeder struct{ s *memory.Store }

func (m memorySeeder) PutAccount(_ context.Context, acc domain.Account) error {
	m.s.PutAccount(acc)
	return nil
}

func (m memorySeeder) PutViewModel(_ context.Context, vm domain.ViewModel) error {
	return m.s.PutViewModel(vm)
}

func seedFromFile(ctx context.Context, path string, backend any) error {
	var dst seeder
	switch b := backend.(type) {
	case *memory.Store:
		dst = memorySeeder{b}
	case seeder:
		dst = b
	default:
		return fmt.Errorf("backend %T cannot be seeded", backend)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var f seedFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	for _, a := range f.Accounts {
		acc := domain.Account{ID: a.ID, Login: a.Login, Password: a.Password, Access: a.Access}
		if err := dst.PutAccount(ctx, acc); err != nil {
			return fmt.Errorf("account %s: %w", a.ID, err)
		}
	}
	for _, v := range f.ViewModels {
		vm, err := domain.NewViewModel(v.CharacterID, v.Variant, v.Document)
		if err != nil {
			return err
		}
		if err := dst.PutViewModel(ctx, vm); err != nil {
			return fmt.Errorf("view model %s/%s: %w", v.CharacterID, v.Variant, err)
		}
	}
	return nil
}
