package ges

import (
	"errors"
	"fmt"
)

var (
	// ErrOptimisticLock indicates a duplicate (aggregate_id, sequence_number)
	// was detected while committing events, typically due to a concurrent
	// writer racing on the same stream.
	ErrOptimisticLock = errors.New("ges: optimistic locking conflict")

	// ErrNoEvents is raised by StreamEventsForAggregate when no events would
	// be yielded for the requested window.
	ErrNoEvents = errors.New("ges: no events for this aggregate")
)

// OptimisticLockError carries the offending aggregate/sequence pair and the
// underlying unique-violation cause.
type OptimisticLockError struct {
	AggregateID    string
	SequenceNumber int64
	Cause          error
}

func (e *OptimisticLockError) Error() string {
	return fmt.Sprintf("ges: optimistic locking conflict on aggregate %s at sequence %d: %v", e.AggregateID, e.SequenceNumber, e.Cause)
}

func (e *OptimisticLockError) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, ErrOptimisticLock) to match this type.
func (e *OptimisticLockError) Is(target error) bool { return target == ErrOptimisticLock }

// PublishEventError wraps a handler failure encountered while draining the
// publisher queue. The cause is preserved; dispatch of later events in the
// same drain is aborted.
type PublishEventError struct {
	HandlerType string
	Event       StoredEvent
	Cause       error
}

func (e *PublishEventError) Error() string {
	return fmt.Sprintf("ges: handler %s failed on event %s (aggregate=%s seq=%d): %v",
		e.HandlerType, e.Event.EventType, e.Event.AggregateID, e.Event.SequenceNumber, e.Cause)
}

func (e *PublishEventError) Unwrap() error { return e.Cause }

// NotFoundError indicates a requested record does not exist.
type NotFoundError struct {
	Kind string // "stream", "event", "snapshot", "command"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("ges: %s not found: %s", e.Kind, e.ID)
}
