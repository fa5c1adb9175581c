package handlers

import (
	"context"
	"fmt"
	"sort"
	"sync"

	errspkg "github.com/drblury/cqrsflow/internal/runtime/errors"
)

// EventHandler reacts to one event. Errors cause the event to be redelivered
// unless the subscriber acks on handler failure.
type EventHandler interface {
	HandleEvent(ctx context.Context, mc MessageContext) error
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, mc MessageContext) error

func (f EventHandlerFunc) HandleEvent(ctx context.Context, mc MessageContext) error {
	return f(ctx, mc)
}

// NamedEventHandler pairs a handler with the name used in logs and failures.
type NamedEventHandler struct {
	Name    string
	Handler EventHandler
}

// EventRegistry maps type tags to every handler interested in them.
type EventRegistry struct {
	mu       sync.RWMutex
	handlers map[string][]NamedEventHandler
}

// NewEventRegistry returns an empty registry.
func NewEventRegistry() *EventRegistry {
	return &EventRegistry{handlers: make(map[string][]NamedEventHandler)}
}

// Register adds handler for typeTag. Names must be unique per tag.
func (r *EventRegistry) Register(typeTag, name string, handler EventHandler) error {
	if typeTag == "" {
		return errspkg.ErrTypeTagRequired
	}
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}
	if name == "" {
		name = fmt.Sprintf("%s#%d", typeTag, len(r.Handlers(typeTag))+1)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.handlers[typeTag] {
		if existing.Name == name {
			return fmt.Errorf("%w: %q handler %q", errspkg.ErrHandlerRegistered, typeTag, name)
		}
	}
	r.handlers[typeTag] = append(r.handlers[typeTag], NamedEventHandler{Name: name, Handler: handler})
	return nil
}

// Handlers returns the handlers for typeTag in registration order.
func (r *EventRegistry) Handlers(typeTag string) []NamedEventHandler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]NamedEventHandler(nil), r.handlers[typeTag]...)
}

// Types returns the type tags that have handlers, sorted.
func (r *EventRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.handlers))
	for tag := range r.handlers {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// TypedEventHandler reacts to a decoded event payload.
type TypedEventHandler[T any] func(ctx context.Context, mc MessageContext, evt T) error

// On registers a typed event handler under name.
func On[T any](r *EventRegistry, name string, handler TypedEventHandler[T]) error {
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}
	newPayload, typeTag, err := payloadFactory[T]()
	if err != nil {
		return err
	}
	return r.Register(typeTag, name, EventHandlerFunc(func(ctx context.Context, mc MessageContext) error {
		evt := newPayload()
		if err := mc.Decode(evt); err != nil {
			return &PayloadError{TypeTag: typeTag, Err: err}
		}
		return handler(ctx, mc, evt)
	}))
}
