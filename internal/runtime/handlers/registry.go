package handlers

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/drblury/cqrsflow/internal/runtime/codec"
	errspkg "github.com/drblury/cqrsflow/internal/runtime/errors"
)

// CommandHandler handles one command. A returned error is an infrastructure
// failure; business rejections are reported with Failed.
type CommandHandler interface {
	Handle(ctx context.Context, mc MessageContext) (Result, error)
}

// CommandHandlerFunc adapts a function to CommandHandler.
type CommandHandlerFunc func(ctx context.Context, mc MessageContext) (Result, error)

func (f CommandHandlerFunc) Handle(ctx context.Context, mc MessageContext) (Result, error) {
	return f(ctx, mc)
}

// Provider resolves the handler for a type tag.
type Provider interface {
	Resolve(typeTag string) (CommandHandler, bool)
}

// Factory creates a handler instance per command.
type Factory func() CommandHandler

// Registry maps type tags to handler factories. It is populated at startup
// and read concurrently afterwards.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds typeTag to factory. A tag can be registered once.
func (r *Registry) Register(typeTag string, factory Factory) error {
	if typeTag == "" {
		return errspkg.ErrTypeTagRequired
	}
	if factory == nil {
		return errspkg.ErrHandlerRequired
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[typeTag]; exists {
		return fmt.Errorf("%w: %q", errspkg.ErrHandlerRegistered, typeTag)
	}
	r.factories[typeTag] = factory
	return nil
}

// RegisterHandler binds typeTag to a shared handler instance.
func (r *Registry) RegisterHandler(typeTag string, handler CommandHandler) error {
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}
	return r.Register(typeTag, func() CommandHandler { return handler })
}

// Resolve implements Provider.
func (r *Registry) Resolve(typeTag string) (CommandHandler, bool) {
	r.mu.RLock()
	factory, ok := r.factories[typeTag]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return factory(), true
}

// Types returns the registered type tags, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tags := make([]string, 0, len(r.factories))
	for tag := range r.factories {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// TypedCommandHandler handles a decoded command payload.
type TypedCommandHandler[T any] func(ctx context.Context, mc MessageContext, cmd T) (Result, error)

// Handle registers a typed handler. T must be a pointer to a payload type
// that declares its type tag (codec.Typed or a protobuf message).
func Handle[T any](r *Registry, handler TypedCommandHandler[T]) error {
	if handler == nil {
		return errspkg.ErrHandlerRequired
	}
	newPayload, typeTag, err := payloadFactory[T]()
	if err != nil {
		return err
	}
	return r.RegisterHandler(typeTag, CommandHandlerFunc(func(ctx context.Context, mc MessageContext) (Result, error) {
		cmd := newPayload()
		if err := mc.Decode(cmd); err != nil {
			return Result{}, &PayloadError{TypeTag: typeTag, Err: err}
		}
		return handler(ctx, mc, cmd)
	}))
}

// PayloadError reports a payload that does not decode into the handler's
// type. Delivering the same message again fails the same way.
type PayloadError struct {
	TypeTag string
	Err     error
}

func (e *PayloadError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.TypeTag, e.Err)
}

func (e *PayloadError) Unwrap() error { return e.Err }

// payloadFactory returns a constructor for fresh T values and T's type tag.
func payloadFactory[T any]() (func() T, string, error) {
	var zero T
	typ := reflect.TypeOf(zero)
	if typ == nil {
		return nil, "", errspkg.ErrPayloadRequired
	}
	if typ.Kind() != reflect.Ptr {
		return nil, "", fmt.Errorf("%w: got %s", errspkg.ErrPointerRequired, typ)
	}
	elem := typ.Elem()
	newPayload := func() T {
		return reflect.New(elem).Interface().(T)
	}
	typeTag, err := codec.TypeOf(newPayload())
	if err != nil {
		return nil, "", err
	}
	return newPayload, typeTag, nil
}
