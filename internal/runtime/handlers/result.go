package handlers

import (
	errspkg "github.com/drblury/cqrsflow/internal/runtime/errors"
	metadatapkg "github.com/drblury/cqrsflow/internal/runtime/metadata"
)

// Fault codes produced by the runtime itself.
const (
	FaultHandlerPanic   = "handler_panic"
	FaultHandlerError   = "handler_error"
	FaultRoutingFailed  = "routing_failed"
	FaultHandlerMissing = "handler_not_found"
	FaultInvalidPayload = "invalid_payload"
)

// Type tags of replies that carry no handler payload.
const (
	AckType   = "cqrsflow.Ack"
	FaultType = "cqrsflow.Fault"
)

// Event is a domain event produced by a command handler.
type Event struct {
	AggregateID   string
	AggregateType string
	Payload       any
	Headers       metadatapkg.Metadata
}

// NewEvent builds an event for the given aggregate root.
func NewEvent(aggregateID, aggregateType string, payload any) Event {
	return Event{AggregateID: aggregateID, AggregateType: aggregateType, Payload: payload}
}

// WithHeader returns a copy of e carrying an extra header.
func (e Event) WithHeader(key, value string) Event {
	e.Headers = e.Headers.With(key, value)
	return e
}

// Result is the outcome of a command handler: either success with an
// optional reply value and events, or a business fault.
type Result struct {
	reply  any
	events []Event
	fault  *errspkg.HandlerFault
}

// Success reports a handled command. reply may be nil.
func Success(reply any, events ...Event) Result {
	return Result{reply: reply, events: events}
}

// Failed reports a business fault. No events are recorded for it.
func Failed(code, detail string) Result {
	return Result{fault: &errspkg.HandlerFault{Code: code, Detail: detail}}
}

// IsFault reports whether the handler rejected the command.
func (r Result) IsFault() bool { return r.fault != nil }

// Fault returns the business fault, or nil.
func (r Result) Fault() *errspkg.HandlerFault {
	if r.fault == nil {
		return nil
	}
	f := *r.fault
	return &f
}

// Reply returns the reply value, or nil.
func (r Result) Reply() any { return r.reply }

// Events returns the produced events in order.
func (r Result) Events() []Event {
	return append([]Event(nil), r.events...)
}
