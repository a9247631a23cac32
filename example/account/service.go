package main

import (
	"context"
	"fmt"

	ges "github.com/mickamy/ges"
)

// AccountService orchestrates command handling using repository + store.
type AccountService struct {
	repo     *AccountRepository
	store    ges.EventStore
	snapshot func(ctx context.Context, repo *AccountRepository, a *Account) error
}

// NewAccountService wires a repository and store together, snapshotting
// every 5 committed events.
func NewAccountService(store ges.EventStore) *AccountService {
	return &AccountService{
		repo:     NewAccountRepository(store),
		store:    store,
		snapshot: SnapshotEvery(5),
	}
}

// Handle executes a command end-to-end: load an existing aggregate (or
// start a fresh one for OpenAccountCommand), route it through domain logic,
// persist whatever events resulted under userID's attribution, and apply
// the snapshot policy.
func (s *AccountService) Handle(ctx context.Context, cmd any, userID *string) error {
	id := extractAccountID(cmd)

	var acc *Account
	if _, ok := cmd.(OpenAccountCommand); ok {
		acc = &Account{}
	} else {
		loaded, err := s.repo.Load(ctx, id)
		if err != nil {
			return err
		}
		acc = loaded
	}

	if err := acc.Handle(cmd); err != nil {
		return err
	}

	if err := s.repo.Save(ctx, acc, fmt.Sprintf("%T", cmd), cmd, userID); err != nil {
		return err
	}

	return s.snapshot(ctx, s.repo, acc)
}

// extractAccountID is a tiny helper for this sample.
// In a real app, consider a command interface exposing AggregateID().
func extractAccountID(cmd any) string {
	switch c := cmd.(type) {
	case OpenAccountCommand:
		return c.AccountID
	case DepositCommand:
		return c.AccountID
	case WithdrawCommand:
		return c.AccountID
	default:
		return ""
	}
}
