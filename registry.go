package ges

import (
	"context"
	"fmt"
	"reflect"
)

// MessageHandler is the dispatch contract described in spec §4.3: given an
// event, invoke the callback registered for its concrete payload type, if
// any; HandlesMessage reports whether such a callback exists. ctx carries
// the publisher's per-execution reentrancy state (see publisher.go) and
// must be threaded through to any further EventStore.CommitEvents call a
// handler makes, so that recursive commits dispatch in FIFO order instead
// of interleaving.
type MessageHandler interface {
	HandleMessage(ctx context.Context, e StoredEvent) error
	HandlesMessage(e StoredEvent) bool
}

// Handler is a small builder implementing MessageHandler by mapping each
// concrete event payload type to a callback, replacing the source's
// class-level registration DSL (Design Note §9) with a generic On[T]
// builder. Registration is polymorphic: multiple event types can share one
// callback by calling On with the same function for each.
type Handler struct {
	name      string
	callbacks map[reflect.Type]func(context.Context, StoredEvent) error
}

// NewHandler creates an empty Handler identified by name (used in
// PublishEventError.HandlerType when this handler fails).
func NewHandler(name string) *Handler {
	return &Handler{name: name, callbacks: make(map[reflect.Type]func(context.Context, StoredEvent) error)}
}

// On registers cb for events whose Payload is of concrete type T.
func On[T any](h *Handler, cb func(context.Context, T, StoredEvent) error) *Handler {
	var zero T
	t := reflect.TypeOf(zero)
	h.callbacks[t] = func(ctx context.Context, e StoredEvent) error {
		payload, ok := e.Payload.(T)
		if !ok {
			return fmt.Errorf("ges: handler %s: event payload is %T, not %T", h.name, e.Payload, zero)
		}
		return cb(ctx, payload, e)
	}
	return h
}

// HandleMessage implements MessageHandler.
func (h *Handler) HandleMessage(ctx context.Context, e StoredEvent) error {
	cb, ok := h.callbacks[reflect.TypeOf(e.Payload)]
	if !ok {
		return nil
	}
	return cb(ctx, e)
}

// HandlesMessage implements MessageHandler.
func (h *Handler) HandlesMessage(e StoredEvent) bool {
	_, ok := h.callbacks[reflect.TypeOf(e.Payload)]
	return ok
}

// String returns the handler's registered name, used as HandlerType in
// PublishEventError when this type name is derived generically.
func (h *Handler) String() string { return h.name }

var _ MessageHandler = (*Handler)(nil)

// handlerName returns h's registered name if it implements fmt.Stringer
// (as *Handler does), otherwise its Go type name. Used to populate
// PublishEventError.HandlerType so failures name the handler a developer
// registered, not just its static type.
func handlerName(h MessageHandler) string {
	if s, ok := h.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", h)
}
