package ges

import (
	"context"
	"time"
)

// EventStore defines the interface for the durable, transactional event
// store described in spec §4.1: commit, load, snapshot, replay, and
// deletion operations, all subject to optimistic concurrency control on
// (aggregate_id, sequence_number).
//
// Implementations must be safe for concurrent use; see storepg (Postgres)
// and storemem (in-memory reference/test store).
type EventStore interface {
	// CommitEvents atomically persists one CommandInput and the events
	// produced against one or more streams. It upserts each StreamRecord
	// (creating it lazily if absent), inserts a CommandRecord, inserts every
	// EventRecord with CommandRecordID pointing at the new command and
	// XactID defaulted to the current transaction id, and — on success —
	// publishes the committed events through the configured Publisher.
	//
	// If any (aggregate_id, sequence_number) in streams collides with an
	// existing row, it returns an *OptimisticLockError wrapping the
	// underlying unique-violation cause. No partial state is persisted.
	CommitEvents(ctx context.Context, cmd CommandInput, streams []StreamEvents) ([]StoredEvent, error)

	// LoadEvents returns the stream and the events committed after the
	// latest snapshot (or from sequence 1 if none). If the aggregate does
	// not exist, both return values are nil.
	LoadEvents(ctx context.Context, aggregateID string) (*StreamRecord, []StoredEvent, error)

	// LoadEventsForAggregates is the batched form of LoadEvents.
	LoadEventsForAggregates(ctx context.Context, aggregateIDs []string) (map[string]LoadedStream, error)

	// LoadEvent fetches a single event by its composite key.
	LoadEvent(ctx context.Context, aggregateID string, sequenceNumber int64) (StoredEvent, error)

	// StreamEventsForAggregate yields (stream, event) pairs for aggregateID
	// in strictly increasing sequence_number order, filtering out any
	// snapshot-only bookkeeping rows. If loadUntil is non-nil, only events
	// with CreatedAt strictly before it are yielded. If no events would be
	// yielded, it returns ErrNoEvents.
	StreamEventsForAggregate(ctx context.Context, aggregateID string, loadUntil *time.Time, yield func(StreamRecord, StoredEvent) error) error

	// StoreSnapshots inserts snapshots and clears SnapshotOutdatedAt for
	// each affected stream.
	StoreSnapshots(ctx context.Context, snapshots []SnapshotInput) error

	// LoadLatestSnapshot returns the most recent snapshot for aggregateID,
	// or nil if none exists.
	LoadLatestSnapshot(ctx context.Context, aggregateID string) (*SnapshotRecord, error)

	// MarkAggregateForSnapshotting sets SnapshotOutdatedAt to now.
	MarkAggregateForSnapshotting(ctx context.Context, aggregateID string) error

	// ClearAggregateForSnapshotting clears SnapshotOutdatedAt.
	ClearAggregateForSnapshotting(ctx context.Context, aggregateID string) error

	// ClearAggregatesForSnapshottingWithLastEventBefore clears
	// SnapshotOutdatedAt for every stream whose most recent event was
	// created strictly before the given time.
	ClearAggregatesForSnapshottingWithLastEventBefore(ctx context.Context, before time.Time) error

	// AggregatesThatNeedSnapshots returns aggregate ids with a non-nil
	// SnapshotOutdatedAt, in ascending id order, strictly after lastID.
	// limit <= 0 means unbounded.
	AggregatesThatNeedSnapshots(ctx context.Context, lastID string, limit int) ([]string, error)

	// AggregatesThatNeedSnapshotsOrderedByPriority is the same filter as
	// AggregatesThatNeedSnapshots but ordered oldest-SnapshotOutdatedAt-first.
	AggregatesThatNeedSnapshotsOrderedByPriority(ctx context.Context, limit int) ([]string, error)

	// DeleteSnapshotsBefore deletes snapshots for aggregateID strictly below
	// sequenceNumber. If this removes the last remaining snapshot for an
	// aggregate that still has events, the aggregate re-enters the
	// "needs snapshot" set.
	DeleteSnapshotsBefore(ctx context.Context, aggregateID string, sequenceNumber int64) error

	// DeleteAllSnapshots removes every snapshot and re-marks every
	// aggregate that still has events as needing a snapshot.
	DeleteAllSnapshots(ctx context.Context) error

	// PermanentlyDeleteEventStream removes the stream and its events. The
	// pre-deletion rows are preserved in the audit shadow table with
	// operation 'D'.
	PermanentlyDeleteEventStream(ctx context.Context, aggregateID string) error

	// PermanentlyDeleteCommandsWithoutEvents removes command records for
	// aggregateID whose referenced events have all been deleted. It is a
	// no-op while any of those events still exist.
	PermanentlyDeleteCommandsWithoutEvents(ctx context.Context, aggregateID string) error

	// EventsExist reports whether any event exists for aggregateID.
	EventsExist(ctx context.Context, aggregateID string) (bool, error)

	// StreamExists reports whether a StreamRecord exists for aggregateID.
	StreamExists(ctx context.Context, aggregateID string) (bool, error)
}
