package ges

import (
	"context"
	"sync"
)

// publisherStateKey is the context key under which a drain's queue and
// reentrancy flag live. Design Note §9 calls for keying per-thread state by
// "task identity" in runtimes without OS threads; carrying it on the
// context is the idiomatic Go translation — it travels naturally with a
// call tree, including into a handler's own recursive commit, as long as
// the handler threads the context through (see MessageHandler).
type publisherStateKey struct{}

type publisherState struct {
	queue  []StoredEvent
	locked bool
}

// Publisher implements the per-unit-of-execution FIFO dispatch described in
// spec §4.2: committed events are enqueued and drained into every
// registered handler in order, even when a handler's own commit produces
// further events reentrantly.
type Publisher struct {
	mu       sync.RWMutex
	handlers []MessageHandler
	disabled bool
}

// NewPublisher creates a Publisher with no registered handlers.
func NewPublisher() *Publisher {
	return &Publisher{}
}

// SetHandlers replaces the registered handler list entirely.
func (p *Publisher) SetHandlers(handlers []MessageHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers = append([]MessageHandler(nil), handlers...)
}

// SetDisabled suppresses (or re-enables) all publication.
func (p *Publisher) SetDisabled(disabled bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disabled = disabled
}

// PublishEvents enqueues events onto the current execution's queue and
// drains it, per the protocol in spec §4.2:
//  1. If handlers are globally disabled, return without touching the queue.
//  2. Enqueue all events, preserving input order.
//  3. If a shallower frame is already draining (reentrant call), return —
//     that frame will dequeue these events in order.
//  4. Otherwise drain: dequeue the head, invoke every handler with it, and
//     repeat until empty. A handler error aborts the drain, discards the
//     remaining queue (see Design Note §9's resolved open question), and is
//     returned wrapped as *PublishEventError.
func (p *Publisher) PublishEvents(ctx context.Context, events []StoredEvent) error {
	p.mu.RLock()
	disabled := p.disabled
	handlers := p.handlers
	p.mu.RUnlock()

	if disabled || len(events) == 0 {
		return nil
	}

	state := ensurePublisherState(ctx)
	state.queue = append(state.queue, events...)

	if state.locked {
		return nil
	}
	return p.drain(ctx, state, handlers)
}

// ContextWithPublisherState returns a context carrying a fresh, empty
// publisher state, or ctx itself if it already carries one, for callers (typically an EventStore.CommitEvents
// implementation) that want to guarantee a specific execution's events are
// tracked under one reentrancy scope even across package boundaries.
func ContextWithPublisherState(ctx context.Context) context.Context {
	if _, ok := ctx.Value(publisherStateKey{}).(*publisherState); ok {
		return ctx
	}
	return context.WithValue(ctx, publisherStateKey{}, &publisherState{})
}

func ensurePublisherState(ctx context.Context) *publisherState {
	if s, ok := ctx.Value(publisherStateKey{}).(*publisherState); ok {
		return s
	}
	return &publisherState{}
}

func (p *Publisher) drain(ctx context.Context, state *publisherState, handlers []MessageHandler) error {
	state.locked = true
	defer func() { state.locked = false }()

	for len(state.queue) > 0 {
		e := state.queue[0]
		state.queue = state.queue[1:]

		for _, h := range handlers {
			if err := h.HandleMessage(withPublisherStateValue(ctx, state), e); err != nil {
				state.queue = nil
				return &PublishEventError{
					HandlerType: handlerName(h),
					Event:       e,
					Cause:       err,
				}
			}
		}
	}
	return nil
}

func withPublisherStateValue(ctx context.Context, state *publisherState) context.Context {
	if existing, ok := ctx.Value(publisherStateKey{}).(*publisherState); ok && existing == state {
		return ctx
	}
	return context.WithValue(ctx, publisherStateKey{}, state)
}
