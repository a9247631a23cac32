package ges

import "time"

// StreamRecord is the identity row for an aggregate's event stream.
// It is created lazily on the first commit for an aggregate id.
type StreamRecord struct {
	AggregateID        string
	AggregateType      string
	CreatedAt          time.Time
	SnapshotThreshold  *int64
	EventsPartitionKey string
	SnapshotOutdatedAt *time.Time
}

// CommandRecord is the command that produced zero or more events.
// It is always persisted in the same transaction as the events it produced.
type CommandRecord struct {
	ID                  int64
	UserID              *string
	AggregateID         *string
	CommandType         string
	EventAggregateID    *string
	EventSequenceNumber *int64
	CommandJSON         []byte
	CreatedAt           time.Time
}

// CommandInput describes a command to persist via CommitEvents.
// storepg marshals Command into the command_json column; storemem does not
// keep a JSON copy of it.
type CommandInput struct {
	UserID              *string
	AggregateID         *string
	CommandType         string
	EventAggregateID    *string
	EventSequenceNumber *int64
	Command             any
}

// StreamDescriptor upserts a StreamRecord as part of CommitEvents.
// EventsPartitionKey and SnapshotOutdated are optional mutations: nil means
// "leave unchanged" for EventsPartitionKey, and nil means "leave unchanged"
// for SnapshotOutdated (true sets it to now, false clears it).
type StreamDescriptor struct {
	AggregateID        string
	AggregateType      string
	SnapshotThreshold  *int64
	EventsPartitionKey *string
	SnapshotOutdated   *bool
}

// EventInput is a single event to append to a stream as part of CommitEvents.
// EventType defaults to ges.EventType(Payload) when left empty.
type EventInput struct {
	AggregateID    string
	SequenceNumber int64
	CreatedAt      time.Time
	EventType      string
	Payload        Event
}

// StreamEvents pairs a stream mutation with the events it produces.
type StreamEvents struct {
	Stream StreamDescriptor
	Events []EventInput
}

// SnapshotInput is a snapshot to persist via StoreSnapshots.
type SnapshotInput struct {
	AggregateID    string
	SequenceNumber int64
	SnapshotType   string
	State          any
}

// SnapshotRecord is a materialized aggregate state at a sequence number.
type SnapshotRecord struct {
	AggregateID    string
	SequenceNumber int64
	CreatedAt      time.Time
	SnapshotType   string
	State          any
}

// LoadedStream is the result of a batched load for one aggregate.
type LoadedStream struct {
	Stream *StreamRecord
	Events []StoredEvent
}
