// Package errors defines the sentinel and typed errors surfaced by the runtime.
package errors

import (
	sterrors "errors"
	"fmt"
	"time"
)

var (
	ErrStopped               = sterrors.New("cqrsflow: component is stopped")
	ErrNotStarted            = sterrors.New("cqrsflow: component is not started")
	ErrLoggerRequired        = sterrors.New("cqrsflow: logger is required")
	ErrPublisherRequired     = sterrors.New("cqrsflow: publisher is required")
	ErrSubscriberRequired    = sterrors.New("cqrsflow: subscriber is required")
	ErrTopicRequired         = sterrors.New("cqrsflow: topic is required")
	ErrStoreRequired         = sterrors.New("cqrsflow: message store is required")
	ErrHandlerRequired       = sterrors.New("cqrsflow: handler is required")
	ErrHandlerProvider       = sterrors.New("cqrsflow: handler provider is required")
	ErrHandlerRegistered     = sterrors.New("cqrsflow: handler already registered for type")
	ErrTypeTagRequired       = sterrors.New("cqrsflow: message type tag is required")
	ErrPayloadRequired       = sterrors.New("cqrsflow: payload is required")
	ErrPointerRequired       = sterrors.New("cqrsflow: payload type must be a pointer")
	ErrUnknownCodec          = sterrors.New("cqrsflow: unknown codec")
	ErrNoWorkers             = sterrors.New("cqrsflow: at least one worker endpoint is required")
	ErrReplyTopicRequired    = sterrors.New("cqrsflow: reply topic is required when a reply is requested")
	ErrFailurePolicyRequired = sterrors.New("cqrsflow: consumer failure policy must be configured")
	ErrMessageNotFound       = sterrors.New("cqrsflow: message not found")
	ErrVersionConflict       = sterrors.New("cqrsflow: version conflict")
	ErrAggregateRequired     = sterrors.New("cqrsflow: event aggregate root id is required")
	ErrLockNotAcquired       = sterrors.New("cqrsflow: lock not acquired")
	ErrSagaNotFound          = sterrors.New("cqrsflow: saga state not found")
)

// TransportError reports a send, subscribe, or acknowledge failure of the
// underlying transport.
type TransportError struct {
	Op    string
	Topic string
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("cqrsflow: transport %s on %q failed: %v", e.Op, e.Topic, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// TimeoutError is returned by the command bus when no reply arrived before the
// deadline. The command may still be processed.
type TimeoutError struct {
	MessageID string
	Timeout   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("cqrsflow: no reply for command %s within %s", e.MessageID, e.Timeout)
}

// HandlerFault is a business failure reported by a command handler. It travels
// back to the caller inside the reply.
type HandlerFault struct {
	MessageID string
	Code      string
	Detail    string
}

func (e *HandlerFault) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("cqrsflow: handler fault %s", e.Code)
	}
	return fmt.Sprintf("cqrsflow: handler fault %s: %s", e.Code, e.Detail)
}

// DuplicateMessageError is returned by a message store when a record with the
// same message ID already exists.
type DuplicateMessageError struct {
	MessageID string
}

func (e *DuplicateMessageError) Error() string {
	return fmt.Sprintf("cqrsflow: message %s already recorded", e.MessageID)
}

// SagaConcurrencyError is returned when saga state could not be saved within
// the configured retry budget.
type SagaConcurrencyError struct {
	SagaID   string
	Attempts int
	Err      error
}

func (e *SagaConcurrencyError) Error() string {
	return fmt.Sprintf("cqrsflow: saga %s not saved after %d attempts: %v", e.SagaID, e.Attempts, e.Err)
}

func (e *SagaConcurrencyError) Unwrap() error { return e.Err }

// DistributorRoutingError reports that a command could not be forwarded to a
// worker endpoint after all attempts.
type DistributorRoutingError struct {
	MessageID string
	Endpoint  string
	Attempts  int
	Err       error
}

func (e *DistributorRoutingError) Error() string {
	return fmt.Sprintf("cqrsflow: routing command %s to %q failed after %d attempts: %v", e.MessageID, e.Endpoint, e.Attempts, e.Err)
}

func (e *DistributorRoutingError) Unwrap() error { return e.Err }

// HandlerNotFoundError is returned when no handler is registered for a type tag.
type HandlerNotFoundError struct {
	TypeTag string
}

func (e *HandlerNotFoundError) Error() string {
	return fmt.Sprintf("cqrsflow: no handler registered for %q", e.TypeTag)
}

// ConfigValidationError wraps the aggregated configuration problems.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("cqrsflow: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error { return e.Err }

// NewConfigValidationError wraps err, returning nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
