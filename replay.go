package ges

import (
	"context"
	"iter"
)

// EventSource streams StoredEvents ordered by (aggregate_id,
// sequence_number), as spec §4.1's get_events requires, restricted to
// events committed strictly after afterXactID. afterXactID only bounds
// which rows are included; it does not determine iteration order, so a
// single commit's events (which all share one xact_id) are never split
// across separate calls to the returned iterator — ReplayEventsFromCursor
// calls the EventSource exactly once per invocation and consumes it to
// completion.
type EventSource func(ctx context.Context, afterXactID int64) (iter.Seq2[StoredEvent, error], error)

// EventSourcer is implemented by EventStore backends that can provide an
// EventSource over their committed history for ReplayEventsFromCursor.
type EventSourcer interface {
	EventSource() EventSource
}

// ReplayEventsFromCursor re-dispatches previously committed events to
// handlers in blockSize-sized blocks, independent of the live Publisher
// (spec §4.1's replay path bypasses Publisher entirely, so handlers observe
// replayed history without it being entangled with new publication). It is
// used to rebuild a read model from scratch or to catch one up from a saved
// cursor.
//
// source is invoked exactly once, for events strictly after fromXactID, and
// consumed to completion in one continuous scan: block boundaries are
// purely an in-process dispatch-batching concern (when to call onProgress),
// not a re-query boundary. This matters because every event produced by one
// CommitEvents call shares a single xact_id — re-querying with
// "xact_id > lastSeen" at a block boundary that falls inside such a group
// would silently drop the rest of that commit's events. Restart-safety
// across separate process runs instead comes from calling
// ReplayEventsFromCursor again with fromXactID set to the lastXactID
// reported by the final onProgress call of a prior run.
//
// onProgress, if non-nil, is invoked once per block with the cumulative
// number of events dispatched so far and the position of the last one
// dispatched in that block.
func ReplayEventsFromCursor(
	ctx context.Context,
	source EventSource,
	fromXactID int64,
	blockSize int,
	handlers []MessageHandler,
	onProgress func(cumulative int, lastXactID int64, lastAggregateID string),
) error {
	if blockSize <= 0 {
		blockSize = 1
	}

	seq, err := source(ctx, fromXactID)
	if err != nil {
		return err
	}

	var (
		cumulative      int
		inBlock         int
		lastXactID      int64
		lastAggregateID string
	)

	for e, err := range seq {
		if err != nil {
			return err
		}
		for _, h := range handlers {
			if !h.HandlesMessage(e) {
				continue
			}
			if err := h.HandleMessage(ctx, e); err != nil {
				return &PublishEventError{
					HandlerType: handlerName(h),
					Event:       e,
					Cause:       err,
				}
			}
		}

		cumulative++
		inBlock++
		lastXactID = e.XactID
		lastAggregateID = e.AggregateID

		if inBlock >= blockSize {
			if onProgress != nil {
				onProgress(cumulative, lastXactID, lastAggregateID)
			}
			inBlock = 0
		}
	}

	if inBlock > 0 && onProgress != nil {
		onProgress(cumulative, lastXactID, lastAggregateID)
	}
	return nil
}
