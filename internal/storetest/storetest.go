// Package storetest is a shared black-box compliance suite for
// ges.EventStore implementations. storepg and storemem each run it against
// a fresh instance; every subtest must pass for both backends, matching the
// teacher's approach of one suite exercised by every store it ships.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ges "github.com/mickamy/ges"
)

// Opened and Added are minimal domain-free event payloads used throughout
// the suite, so it never depends on a concrete domain model.
type Opened struct{ ID string }

func (Opened) EventType() string { return "Opened" }

type Added struct{ N int }

func (Added) EventType() string { return "Added" }

// Registry returns the codec registry the suite's event types need.
// Factories that back an EventStore with a codec-based registry (storepg)
// should wire this in.
func Registry() map[string]ges.EventCodec {
	return map[string]ges.EventCodec{
		"Opened": ges.JSONCodec[Opened](),
		"Added":  ges.JSONCodec[Added](),
	}
}

// Factory creates a fresh, isolated EventStore for one subtest, wired to
// publisher (which may be nil, meaning commits do not publish).
type Factory func(t *testing.T, publisher *ges.Publisher) ges.EventStore

// funcHandler implements ges.MessageHandler by delegating to a plain
// function, for tests that need to observe or react to dispatch directly.
type funcHandler struct {
	name string
	fn   func(ctx context.Context, e ges.StoredEvent) error
}

func (h *funcHandler) HandleMessage(ctx context.Context, e ges.StoredEvent) error { return h.fn(ctx, e) }
func (h *funcHandler) HandlesMessage(ges.StoredEvent) bool                        { return true }
func (h *funcHandler) String() string                                             { return h.name }

var _ ges.MessageHandler = (*funcHandler)(nil)

// recordingHandler appends every event it sees, safe for concurrent use.
type recordingHandler struct {
	mu   sync.Mutex
	seen []ges.StoredEvent
}

func (h *recordingHandler) HandleMessage(_ context.Context, e ges.StoredEvent) error {
	h.mu.Lock()
	h.seen = append(h.seen, e)
	h.mu.Unlock()
	return nil
}

func (h *recordingHandler) HandlesMessage(ges.StoredEvent) bool { return true }
func (h *recordingHandler) String() string                     { return "recordingHandler" }

func (h *recordingHandler) events() []ges.StoredEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ges.StoredEvent, len(h.seen))
	copy(out, h.seen)
	return out
}

var _ ges.MessageHandler = (*recordingHandler)(nil)

func commitOne(t *testing.T, ctx context.Context, store ges.EventStore, aggregateID string, fromSeq int64, payloads ...ges.Event) []ges.StoredEvent {
	t.Helper()
	events := make([]ges.EventInput, len(payloads))
	for i, p := range payloads {
		events[i] = ges.EventInput{
			AggregateID:    aggregateID,
			SequenceNumber: fromSeq + int64(i),
			EventType:      ges.EventType(p),
			Payload:        p,
		}
	}
	committed, err := store.CommitEvents(ctx, ges.CommandInput{
		AggregateID: &aggregateID,
		CommandType: "storetest.command",
	}, []ges.StreamEvents{{
		Stream: ges.StreamDescriptor{AggregateID: aggregateID, AggregateType: "storetest"},
		Events: events,
	}})
	require.NoError(t, err)
	return committed
}

// Run executes the full compliance suite against newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("append-only ordering", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		store := newStore(t, nil)
		id := "00000000-0000-0000-0000-000000000001"

		commitOne(t, ctx, store, id, 1, Opened{ID: id})
		commitOne(t, ctx, store, id, 2, Added{N: 1}, Added{N: 2})

		_, events, err := store.LoadEvents(ctx, id)
		require.NoError(t, err)
		require.Len(t, events, 3)
		for i, e := range events {
			assert.Equal(t, int64(i+1), e.SequenceNumber)
		}
	})

	t.Run("round-trip fidelity", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		store := newStore(t, nil)
		id := "00000000-0000-0000-0000-000000000002"

		weird := "with ' unsafe SQL characters;\né中"
		committed := commitOne(t, ctx, store, id, 1, Opened{ID: weird})
		require.Len(t, committed, 1)

		loaded, err := store.LoadEvent(ctx, id, 1)
		require.NoError(t, err)
		opened, ok := loaded.Payload.(Opened)
		require.True(t, ok, "expected Opened payload, got %T", loaded.Payload)
		assert.Equal(t, weird, opened.ID)
	})

	t.Run("optimistic lock", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		store := newStore(t, nil)
		id := "00000000-0000-0000-0000-000000000003"

		commitOne(t, ctx, store, id, 1, Opened{ID: id})

		_, err := store.CommitEvents(ctx, ges.CommandInput{
			AggregateID: &id,
			CommandType: "storetest.command",
		}, []ges.StreamEvents{{
			Stream: ges.StreamDescriptor{AggregateID: id, AggregateType: "storetest"},
			Events: []ges.EventInput{
				{AggregateID: id, SequenceNumber: 2, EventType: "Added", Payload: Added{N: 1}},
				{AggregateID: id, SequenceNumber: 2, EventType: "Added", Payload: Added{N: 2}},
			},
		}})

		var lockErr *ges.OptimisticLockError
		require.ErrorAs(t, err, &lockErr)
		assert.Equal(t, int64(2), lockErr.SequenceNumber)
	})

	t.Run("publish order with reentrant commit", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		id := "00000000-0000-0000-0000-000000000004"

		// The store itself must be wired to the publisher: the reentrant
		// handler below calls store.CommitEvents again from inside
		// HandleMessage, and that nested commit only enqueues its event
		// onto the same drain (instead of being published separately,
		// out of order) if the store it runs against auto-publishes
		// through this same *ges.Publisher.
		publisher := ges.NewPublisher()

		var store ges.EventStore
		rec := &recordingHandler{}
		var once sync.Once
		reentrant := &funcHandler{
			name: "reentrant",
			fn: func(ctx context.Context, e ges.StoredEvent) error {
				if e.SequenceNumber == 1 {
					once.Do(func() {
						commitOne(t, ctx, store, id, 3, Added{N: 99})
					})
				}
				return nil
			},
		}
		publisher.SetHandlers([]ges.MessageHandler{reentrant, rec})

		store = newStore(t, publisher)

		events := []ges.EventInput{
			{AggregateID: id, SequenceNumber: 1, EventType: "Opened", Payload: Opened{ID: id}},
			{AggregateID: id, SequenceNumber: 2, EventType: "Added", Payload: Added{N: 1}},
		}
		committed, err := store.CommitEvents(ctx, ges.CommandInput{AggregateID: &id, CommandType: "storetest.command"},
			[]ges.StreamEvents{{Stream: ges.StreamDescriptor{AggregateID: id, AggregateType: "storetest"}, Events: events}})
		require.NoError(t, err)
		require.Len(t, committed, 2)

		seen := rec.events()
		require.Len(t, seen, 3)
		assert.Equal(t, int64(1), seen[0].SequenceNumber)
		assert.Equal(t, int64(2), seen[1].SequenceNumber)
		assert.Equal(t, int64(3), seen[2].SequenceNumber)

		for i, e := range seen {
			for j, other := range seen {
				if i != j {
					assert.False(t, e.AggregateID == other.AggregateID && e.SequenceNumber == other.SequenceNumber,
						"handler saw the same event twice: %+v", e)
				}
			}
		}
	})

	t.Run("disabled handlers", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		id := "00000000-0000-0000-0000-000000000005"

		rec := &recordingHandler{}
		publisher := ges.NewPublisher()
		publisher.SetHandlers([]ges.MessageHandler{rec})
		publisher.SetDisabled(true)

		store := newStore(t, publisher)
		commitOne(t, ctx, store, id, 1, Opened{ID: id})

		assert.Empty(t, rec.events())
	})

	t.Run("failing handler wraps PublishEventError", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		store := newStore(t, nil)
		id := "00000000-0000-0000-0000-000000000006"

		boom := fmt.Errorf("Handler error")
		failing := &funcHandler{name: "FailingHandler", fn: func(context.Context, ges.StoredEvent) error { return boom }}

		publisher := ges.NewPublisher()
		publisher.SetHandlers([]ges.MessageHandler{failing})

		committed := commitOne(t, ctx, store, id, 1, Opened{ID: id})
		err := publisher.PublishEvents(ctx, committed)

		var pubErr *ges.PublishEventError
		require.ErrorAs(t, err, &pubErr)
		assert.Equal(t, "FailingHandler", pubErr.HandlerType)
		assert.Equal(t, committed[0], pubErr.Event)
		assert.EqualError(t, pubErr.Cause, "Handler error")
	})

	t.Run("partition key resilience under concurrent flips", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		store := newStore(t, nil)
		id := "00000000-0000-0000-0000-000000000007"

		commitOne(t, ctx, store, id, 1, Opened{ID: id})

		var wg sync.WaitGroup
		var nilCount int64
		var mu sync.Mutex

		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				rec, _, err := store.LoadEvents(ctx, id)
				require.NoError(t, err)
				if rec == nil {
					mu.Lock()
					nilCount++
					mu.Unlock()
				}
			}
		}()

		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				key := fmt.Sprintf("partition-%d", i)
				_, err := store.CommitEvents(ctx, ges.CommandInput{AggregateID: &id, CommandType: "storetest.repartition"},
					[]ges.StreamEvents{{
						Stream: ges.StreamDescriptor{AggregateID: id, AggregateType: "storetest", EventsPartitionKey: &key},
					}})
				require.NoError(t, err)
			}
		}()

		wg.Wait()
		assert.Zero(t, nilCount)
	})

	t.Run("snapshot lifecycle", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		store := newStore(t, nil)
		id := "00000000-0000-0000-0000-000000000008"

		commitOne(t, ctx, store, id, 1, Opened{ID: id}, Added{N: 1})

		require.NoError(t, store.MarkAggregateForSnapshotting(ctx, id))
		needing, err := store.AggregatesThatNeedSnapshots(ctx, "", 0)
		require.NoError(t, err)
		assert.Contains(t, needing, id)

		require.NoError(t, store.StoreSnapshots(ctx, []ges.SnapshotInput{{
			AggregateID:    id,
			SequenceNumber: 2,
			SnapshotType:   "test",
			State:          map[string]any{"n": 1},
		}}))

		needing, err = store.AggregatesThatNeedSnapshots(ctx, "", 0)
		require.NoError(t, err)
		assert.NotContains(t, needing, id)

		snap, err := store.LoadLatestSnapshot(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, snap)
		assert.Equal(t, int64(2), snap.SequenceNumber)

		require.NoError(t, store.DeleteAllSnapshots(ctx))
		needing, err = store.AggregatesThatNeedSnapshots(ctx, "", 0)
		require.NoError(t, err)
		assert.Contains(t, needing, id)
	})

	t.Run("stream events for aggregate respects load_until", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		store := newStore(t, nil)
		id := "00000000-0000-0000-0000-000000000009"

		base := time.Now().Add(-time.Hour)
		events := []ges.EventInput{
			{AggregateID: id, SequenceNumber: 1, CreatedAt: base, EventType: "Opened", Payload: Opened{ID: id}},
			{AggregateID: id, SequenceNumber: 2, CreatedAt: base.Add(5 * time.Minute), EventType: "Added", Payload: Added{N: 1}},
			{AggregateID: id, SequenceNumber: 3, CreatedAt: base.Add(10 * time.Minute), EventType: "Added", Payload: Added{N: 2}},
		}
		_, err := store.CommitEvents(ctx, ges.CommandInput{AggregateID: &id, CommandType: "storetest.command"},
			[]ges.StreamEvents{{Stream: ges.StreamDescriptor{AggregateID: id, AggregateType: "storetest"}, Events: events}})
		require.NoError(t, err)

		cutoff := base.Add(time.Minute)
		var yielded []ges.StoredEvent
		err = store.StreamEventsForAggregate(ctx, id, &cutoff, func(_ ges.StreamRecord, e ges.StoredEvent) error {
			yielded = append(yielded, e)
			return nil
		})
		require.NoError(t, err)
		require.Len(t, yielded, 1)
		assert.Equal(t, int64(1), yielded[0].SequenceNumber)
	})

	t.Run("stream events for aggregate with no events raises ErrNoEvents", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		store := newStore(t, nil)

		err := store.StreamEventsForAggregate(ctx, "00000000-0000-0000-0000-00000000000a", nil, func(ges.StreamRecord, ges.StoredEvent) error {
			return nil
		})
		assert.ErrorIs(t, err, ges.ErrNoEvents)
	})

	t.Run("load_events for unknown aggregate returns nil, nil", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		store := newStore(t, nil)

		rec, events, err := store.LoadEvents(ctx, "00000000-0000-0000-0000-00000000000b")
		require.NoError(t, err)
		assert.Nil(t, rec)
		assert.Nil(t, events)
	})

	t.Run("command cleanup is a no-op while events exist", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		store := newStore(t, nil)
		id := "00000000-0000-0000-0000-00000000000c"

		commitOne(t, ctx, store, id, 1, Opened{ID: id})
		require.NoError(t, store.PermanentlyDeleteCommandsWithoutEvents(ctx, id))

		exists, err := store.EventsExist(ctx, id)
		require.NoError(t, err)
		assert.True(t, exists)

		require.NoError(t, store.PermanentlyDeleteEventStream(ctx, id))
		require.NoError(t, store.PermanentlyDeleteCommandsWithoutEvents(ctx, id))

		exists, err = store.EventsExist(ctx, id)
		require.NoError(t, err)
		assert.False(t, exists)
	})

	t.Run("replay coverage from cursor", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		store := newStore(t, nil)
		id := "00000000-0000-0000-0000-00000000000d"

		sourcer, ok := store.(ges.EventSourcer)
		if !ok {
			t.Skip("store does not implement ges.EventSourcer")
		}

		commitOne(t, ctx, store, id, 1, Opened{ID: id}, Added{N: 1}, Added{N: 2}, Added{N: 3}, Added{N: 4})

		rec := &recordingHandler{}
		var progressCounts []int
		err := ges.ReplayEventsFromCursor(ctx, sourcer.EventSource(), 0, 2, []ges.MessageHandler{rec},
			func(cumulative int, _ int64, _ string) {
				progressCounts = append(progressCounts, cumulative)
			})
		require.NoError(t, err)

		assert.Len(t, rec.events(), 5)
		assert.Equal(t, []int{2, 4, 5}, progressCounts)
	})
}
