package ges

import (
	"fmt"
	"time"
)

// Event is a semantic alias of `any` that represents a domain event payload.
type Event any

// StoredEvent represents an event that has been persisted in the event store,
// mirroring one row of the event_records table (spec §6).
type StoredEvent struct {
	AggregateID     string
	SequenceNumber  int64
	CreatedAt       time.Time
	EventType       string
	Payload         Event
	CommandRecordID int64
	// XactID is the transaction id the event was committed under, used as a
	// monotonic global replay cursor.
	XactID int64
}

// EventType returns the canonical name for a given event.
// If the event implements `EventType() string`, that value is used.
// Otherwise, it falls back to the Go type name (e.g., "account.AccountOpened").
func EventType(e Event) string {
	if named, ok := e.(interface{ EventType() string }); ok {
		return named.EventType()
	}
	return fmt.Sprintf("%T", e)
}
