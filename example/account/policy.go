package main

import "context"

// SnapshotEvery returns a policy that stores a snapshot of a whenever its
// version is a multiple of every, demonstrating the StoreSnapshots surface
// from a command caller's perspective rather than from a background sweeper.
func SnapshotEvery(every int64) func(ctx context.Context, repo *AccountRepository, a *Account) error {
	return func(ctx context.Context, repo *AccountRepository, a *Account) error {
		if every <= 0 || a.Version() == 0 || a.Version()%every != 0 {
			return nil
		}
		return repo.SaveSnapshot(ctx, a)
	}
}
