package main

import (
	"context"
	"fmt"

	ges "github.com/mickamy/ges"
)

// AccountRepository loads and saves Account aggregates using an EventStore.
type AccountRepository struct {
	store ges.EventStore
}

// NewAccountRepository creates a repository backed by the given store.
func NewAccountRepository(store ges.EventStore) *AccountRepository {
	return &AccountRepository{store: store}
}

// Load fetches and rehydrates an Account by its ID.
// It tries a snapshot first, then loads the delta events committed since.
func (r *AccountRepository) Load(ctx context.Context, id string) (*Account, error) {
	streamID := id

	var a Account

	snap, err := r.store.LoadLatestSnapshot(ctx, streamID)
	if err != nil {
		return nil, err
	}
	if s, ok, err := decodeSnapshot(snap); err != nil {
		return nil, err
	} else if ok {
		a.id = s.ID
		a.owner = s.Owner
		a.balance = s.Balance
		a.version = s.Version
		a.opened = s.ID != ""
	}

	_, events, err := r.store.LoadEvents(ctx, streamID)
	if err != nil {
		return nil, err
	}
	payloads := make([]ges.Event, len(events))
	for i, se := range events {
		payloads[i] = se.Payload
	}
	a.Restore(payloads)
	if !a.opened && len(events) == 0 && snap == nil {
		return nil, &ges.NotFoundError{Kind: "account", ID: id}
	}

	return &a, nil
}

// Save persists the aggregate's pending events as the effect of cmdType,
// using optimistic locking on the aggregate's current version. On success
// it clears the aggregate's pending buffer.
func (r *AccountRepository) Save(ctx context.Context, a *Account, cmdType string, cmdPayload any, userID *string) error {
	pending, expected := a.Flush()
	if len(pending) == 0 {
		return nil
	}

	streamID := a.StreamID()
	inputs := make([]ges.EventInput, len(pending))
	for i, e := range pending {
		inputs[i] = ges.EventInput{
			AggregateID:    streamID,
			SequenceNumber: expected + int64(i) + 1,
			EventType:      ges.EventType(e),
			Payload:        e,
		}
	}

	cmd := ges.CommandInput{
		UserID:      userID,
		AggregateID: &streamID,
		CommandType: cmdType,
		Command:     cmdPayload,
	}
	streams := []ges.StreamEvents{{
		Stream: ges.StreamDescriptor{
			AggregateID:   streamID,
			AggregateType: "Account",
		},
		Events: inputs,
	}}

	if _, err := r.store.CommitEvents(ctx, cmd, streams); err != nil {
		return fmt.Errorf("account repository: save: %w", err)
	}
	return nil
}

// SaveSnapshot persists the aggregate's current state as a snapshot, per
// the SnapshotEvery policy.
func (r *AccountRepository) SaveSnapshot(ctx context.Context, a *Account) error {
	snap := ges.SnapshotInput{
		AggregateID:    a.StreamID(),
		SequenceNumber: a.Version(),
		SnapshotType:   "AccountSnapshot",
		State:          serializeState(a),
	}
	return r.store.StoreSnapshots(ctx, []ges.SnapshotInput{snap})
}
