// Package storemem is an in-memory ges.EventStore implementation.
// It is grounded on the teacher's stores/mem package: a mutex-guarded map
// keyed by aggregate id, generalized to the full commit/load/snapshot/
// replay/delete surface of spec §4.1. Events and snapshots live only in
// process memory and are lost on restart; this store exists for tests,
// prototypes, and the storetest compliance suite, not production use.
package storemem

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"

	ges "github.com/mickamy/ges"
)

var errSequenceAlreadyUsed = errors.New("storemem: sequence number already used")

type streamState struct {
	record    ges.StreamRecord
	events    []ges.StoredEvent
	snapshots []ges.SnapshotRecord
}

// EventStore is an in-memory, concurrency-safe ges.EventStore.
type EventStore struct {
	mu            sync.RWMutex
	streams       map[string]*streamState
	commands      []ges.CommandRecord
	nextCommandID int64
	nextXactID    int64
	publisher     *ges.Publisher
}

// Option configures an EventStore.
type Option func(*EventStore)

// WithPublisher wires a ges.Publisher: on successful commit, CommitEvents
// drains the committed events through it, matching storepg's behavior.
func WithPublisher(p *ges.Publisher) Option {
	return func(s *EventStore) { s.publisher = p }
}

// New creates an empty in-memory EventStore.
func New(opts ...Option) *EventStore {
	s := &EventStore{streams: make(map[string]*streamState)}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CommitEvents implements ges.EventStore.
func (s *EventStore) CommitEvents(ctx context.Context, cmd ges.CommandInput, streams []ges.StreamEvents) ([]ges.StoredEvent, error) {
	s.mu.Lock()

	seen := make(map[string]map[int64]bool, len(streams))
	for _, se := range streams {
		existing := seen[se.Stream.AggregateID]
		if existing == nil {
			existing = make(map[int64]bool)
			if st, ok := s.streams[se.Stream.AggregateID]; ok {
				for _, e := range st.events {
					existing[e.SequenceNumber] = true
				}
			}
			seen[se.Stream.AggregateID] = existing
		}
		for _, ev := range se.Events {
			if existing[ev.SequenceNumber] {
				s.mu.Unlock()
				return nil, &ges.OptimisticLockError{
					AggregateID:    ev.AggregateID,
					SequenceNumber: ev.SequenceNumber,
					Cause:          errSequenceAlreadyUsed,
				}
			}
			existing[ev.SequenceNumber] = true
		}
	}

	s.nextCommandID++
	commandID := s.nextCommandID
	now := time.Now()
	s.commands = append(s.commands, ges.CommandRecord{
		ID:                  commandID,
		UserID:              cmd.UserID,
		AggregateID:         cmd.AggregateID,
		CommandType:         cmd.CommandType,
		EventAggregateID:    cmd.EventAggregateID,
		EventSequenceNumber: cmd.EventSequenceNumber,
		CreatedAt:           now,
	})

	s.nextXactID++
	xactID := s.nextXactID

	var committed []ges.StoredEvent
	for _, se := range streams {
		st := s.upsertStreamLocked(se.Stream, now)
		for _, ev := range se.Events {
			eventType := ev.EventType
			if eventType == "" {
				eventType = ges.EventType(ev.Payload)
			}
			createdAt := ev.CreatedAt
			if createdAt.IsZero() {
				createdAt = now
			}
			stored := ges.StoredEvent{
				AggregateID:     ev.AggregateID,
				SequenceNumber:  ev.SequenceNumber,
				CreatedAt:       createdAt,
				EventType:       eventType,
				Payload:         ev.Payload,
				CommandRecordID: commandID,
				XactID:          xactID,
			}
			st.events = append(st.events, stored)
			committed = append(committed, stored)
		}
		sort.Slice(st.events, func(i, j int) bool {
			return st.events[i].SequenceNumber < st.events[j].SequenceNumber
		})
	}

	publisher := s.publisher
	s.mu.Unlock()

	if publisher != nil && len(committed) > 0 {
		if err := publisher.PublishEvents(ctx, committed); err != nil {
			return committed, err
		}
	}
	return committed, nil
}

func (s *EventStore) upsertStreamLocked(sd ges.StreamDescriptor, now time.Time) *streamState {
	st, ok := s.streams[sd.AggregateID]
	if !ok {
		st = &streamState{record: ges.StreamRecord{
			AggregateID:   sd.AggregateID,
			AggregateType: sd.AggregateType,
			CreatedAt:     now,
		}}
		s.streams[sd.AggregateID] = st
	}
	if sd.SnapshotThreshold != nil {
		st.record.SnapshotThreshold = sd.SnapshotThreshold
	}
	if sd.EventsPartitionKey != nil {
		st.record.EventsPartitionKey = *sd.EventsPartitionKey
	}
	if sd.SnapshotOutdated != nil {
		if *sd.SnapshotOutdated {
			t := now
			st.record.SnapshotOutdatedAt = &t
		} else {
			st.record.SnapshotOutdatedAt = nil
		}
	}
	return st
}

// LoadEvents implements ges.EventStore.
func (s *EventStore) LoadEvents(ctx context.Context, aggregateID string) (*ges.StreamRecord, []ges.StoredEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.streams[aggregateID]
	if !ok {
		return nil, nil, nil
	}

	var fromSeq int64
	if n := len(st.snapshots); n > 0 {
		fromSeq = st.snapshots[n-1].SequenceNumber
	}

	var out []ges.StoredEvent
	for _, e := range st.events {
		if e.SequenceNumber > fromSeq {
			out = append(out, e)
		}
	}
	rec := st.record
	return &rec, out, nil
}

// LoadEventsForAggregates implements ges.EventStore.
func (s *EventStore) LoadEventsForAggregates(ctx context.Context, aggregateIDs []string) (map[string]ges.LoadedStream, error) {
	out := make(map[string]ges.LoadedStream, len(aggregateIDs))
	for _, id := range aggregateIDs {
		rec, events, err := s.LoadEvents(ctx, id)
		if err != nil {
			return nil, err
		}
		if rec == nil {
			continue
		}
		out[id] = ges.LoadedStream{Stream: rec, Events: events}
	}
	return out, nil
}

// LoadEvent implements ges.EventStore.
func (s *EventStore) LoadEvent(ctx context.Context, aggregateID string, sequenceNumber int64) (ges.StoredEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if st, ok := s.streams[aggregateID]; ok {
		for _, e := range st.events {
			if e.SequenceNumber == sequenceNumber {
				return e, nil
			}
		}
	}
	return ges.StoredEvent{}, &ges.NotFoundError{
		Kind: "event",
		ID:   fmt.Sprintf("%s/%d", aggregateID, sequenceNumber),
	}
}

// StreamEventsForAggregate implements ges.EventStore.
func (s *EventStore) StreamEventsForAggregate(ctx context.Context, aggregateID string, loadUntil *time.Time, yield func(ges.StreamRecord, ges.StoredEvent) error) error {
	s.mu.RLock()
	st, ok := s.streams[aggregateID]
	if !ok {
		s.mu.RUnlock()
		return ges.ErrNoEvents
	}
	rec := st.record
	events := make([]ges.StoredEvent, 0, len(st.events))
	for _, e := range st.events {
		if loadUntil != nil && !e.CreatedAt.Before(*loadUntil) {
			continue
		}
		events = append(events, e)
	}
	s.mu.RUnlock()

	if len(events) == 0 {
		return ges.ErrNoEvents
	}
	for _, e := range events {
		if err := yield(rec, e); err != nil {
			return err
		}
	}
	return nil
}

// StoreSnapshots implements ges.EventStore.
func (s *EventStore) StoreSnapshots(ctx context.Context, snapshots []ges.SnapshotInput) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, snap := range snapshots {
		st, ok := s.streams[snap.AggregateID]
		if !ok {
			st = &streamState{record: ges.StreamRecord{AggregateID: snap.AggregateID, CreatedAt: now}}
			s.streams[snap.AggregateID] = st
		}
		rec := ges.SnapshotRecord{
			AggregateID:    snap.AggregateID,
			SequenceNumber: snap.SequenceNumber,
			CreatedAt:      now,
			SnapshotType:   snap.SnapshotType,
			State:          snap.State,
		}

		replaced := false
		for i, existing := range st.snapshots {
			if existing.SequenceNumber == snap.SequenceNumber {
				st.snapshots[i] = rec
				replaced = true
				break
			}
		}
		if !replaced {
			st.snapshots = append(st.snapshots, rec)
			sort.Slice(st.snapshots, func(i, j int) bool {
				return st.snapshots[i].SequenceNumber < st.snapshots[j].SequenceNumber
			})
		}
		st.record.SnapshotOutdatedAt = nil
	}
	return nil
}

// LoadLatestSnapshot implements ges.EventStore.
func (s *EventStore) LoadLatestSnapshot(ctx context.Context, aggregateID string) (*ges.SnapshotRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.streams[aggregateID]
	if !ok || len(st.snapshots) == 0 {
		return nil, nil
	}
	rec := st.snapshots[len(st.snapshots)-1]
	return &rec, nil
}

// MarkAggregateForSnapshotting implements ges.EventStore.
func (s *EventStore) MarkAggregateForSnapshotting(ctx context.Context, aggregateID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[aggregateID]
	if !ok {
		return nil
	}
	now := time.Now()
	st.record.SnapshotOutdatedAt = &now
	return nil
}

// ClearAggregateForSnapshotting implements ges.EventStore.
func (s *EventStore) ClearAggregateForSnapshotting(ctx context.Context, aggregateID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[aggregateID]
	if !ok {
		return nil
	}
	st.record.SnapshotOutdatedAt = nil
	return nil
}

// ClearAggregatesForSnapshottingWithLastEventBefore implements ges.EventStore.
func (s *EventStore) ClearAggregatesForSnapshottingWithLastEventBefore(ctx context.Context, before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range s.streams {
		if len(st.events) == 0 {
			continue
		}
		last := st.events[len(st.events)-1]
		if last.CreatedAt.Before(before) {
			st.record.SnapshotOutdatedAt = nil
		}
	}
	return nil
}

// AggregatesThatNeedSnapshots implements ges.EventStore.
func (s *EventStore) AggregatesThatNeedSnapshots(ctx context.Context, lastID string, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, st := range s.streams {
		if st.record.SnapshotOutdatedAt != nil && id > lastID {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// AggregatesThatNeedSnapshotsOrderedByPriority implements ges.EventStore.
func (s *EventStore) AggregatesThatNeedSnapshotsOrderedByPriority(ctx context.Context, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type entry struct {
		id string
		at time.Time
	}
	var entries []entry
	for id, st := range s.streams {
		if st.record.SnapshotOutdatedAt != nil {
			entries = append(entries, entry{id: id, at: *st.record.SnapshotOutdatedAt})
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].at.Equal(entries[j].at) {
			return entries[i].id < entries[j].id
		}
		return entries[i].at.Before(entries[j].at)
	})

	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.id)
	}
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// DeleteSnapshotsBefore implements ges.EventStore.
func (s *EventStore) DeleteSnapshotsBefore(ctx context.Context, aggregateID string, sequenceNumber int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[aggregateID]
	if !ok {
		return nil
	}
	hadAny := len(st.snapshots) > 0
	kept := st.snapshots[:0:0]
	for _, snap := range st.snapshots {
		if snap.SequenceNumber >= sequenceNumber {
			kept = append(kept, snap)
		}
	}
	removedLast := hadAny && len(kept) == 0
	st.snapshots = kept
	if removedLast && len(st.events) > 0 {
		now := time.Now()
		st.record.SnapshotOutdatedAt = &now
	}
	return nil
}

// DeleteAllSnapshots implements ges.EventStore.
func (s *EventStore) DeleteAllSnapshots(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, st := range s.streams {
		st.snapshots = nil
		if len(st.events) > 0 {
			t := now
			st.record.SnapshotOutdatedAt = &t
		}
	}
	return nil
}

// PermanentlyDeleteEventStream implements ges.EventStore. It removes the
// stream with its events and snapshots; it keeps no audit copy of the
// deleted events.
func (s *EventStore) PermanentlyDeleteEventStream(ctx context.Context, aggregateID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.streams, aggregateID)
	return nil
}

// PermanentlyDeleteCommandsWithoutEvents implements ges.EventStore.
func (s *EventStore) PermanentlyDeleteCommandsWithoutEvents(ctx context.Context, aggregateID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	referenced := make(map[int64]bool)
	for _, st := range s.streams {
		for _, e := range st.events {
			referenced[e.CommandRecordID] = true
		}
	}

	kept := s.commands[:0:0]
	for _, cr := range s.commands {
		if cr.AggregateID != nil && *cr.AggregateID == aggregateID && !referenced[cr.ID] {
			continue
		}
		kept = append(kept, cr)
	}
	s.commands = kept
	return nil
}

// EventsExist implements ges.EventStore.
func (s *EventStore) EventsExist(ctx context.Context, aggregateID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.streams[aggregateID]
	return ok && len(st.events) > 0, nil
}

// StreamExists implements ges.EventStore.
func (s *EventStore) StreamExists(ctx context.Context, aggregateID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.streams[aggregateID]
	return ok, nil
}

// EventSource returns a ges.EventSource over this store's committed
// events strictly after afterXactID, ordered by (aggregate_id,
// sequence_number) as spec §4.1's get_events requires, for use with
// ges.ReplayEventsFromCursor.
func (s *EventStore) EventSource() ges.EventSource {
	return func(ctx context.Context, afterXactID int64) (iter.Seq2[ges.StoredEvent, error], error) {
		s.mu.RLock()
		var all []ges.StoredEvent
		for _, st := range s.streams {
			for _, e := range st.events {
				if e.XactID > afterXactID {
					all = append(all, e)
				}
			}
		}
		s.mu.RUnlock()

		sort.Slice(all, func(i, j int) bool {
			if all[i].AggregateID != all[j].AggregateID {
				return all[i].AggregateID < all[j].AggregateID
			}
			return all[i].SequenceNumber < all[j].SequenceNumber
		})

		return func(yield func(ges.StoredEvent, error) bool) {
			for _, e := range all {
				if !yield(e, nil) {
					return
				}
			}
		}, nil
	}
}

var _ ges.EventStore = (*EventStore)(nil)
