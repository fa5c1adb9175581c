// Package store records processed commands and the events they produced.
// The records form a causal graph (command -> events -> reactive commands)
// and double as the idempotency oracle of the command consumer.
package store

import (
	"context"
	"time"
)

// Status is the processing state of a command.
type Status string

const (
	StatusInited    Status = "inited"
	StatusProcessed Status = "processed"
	StatusFaulted   Status = "faulted"
)

// Terminal reports whether a command in this state must not be handled again.
func (s Status) Terminal() bool {
	return s == StatusProcessed || s == StatusFaulted
}

// Message holds the fields shared by commands and events.
type Message struct {
	ID            string
	CorrelationID string
	Topic         string
	TypeTag       string
	ContentType   string
	Payload       []byte
	SagaID        string
	SagaType      string
	ParentID      string
	SentAt        time.Time
	ReceivedAt    time.Time
	ProcessedAt   time.Time
}

// Reply is the reply cached with a command so a redelivery can resend it.
type Reply struct {
	MessageID   string
	TypeTag     string
	ContentType string
	Payload     []byte
}

// Command is a handled command. ParentID is the event that caused it, if any.
type Command struct {
	Message
	Status          Status
	FaultCode       string
	FaultDetail     string
	ReplyTo         string
	Reply           *Reply
	EventsPublished bool
}

// Event is a produced domain event. ParentID is the producing command.
// Version is assigned by Save.
type Event struct {
	Message
	AggregateID   string
	AggregateType string
	Version       int64
}

// MessageStore persists commands with their events and answers dedup
// queries. Save is atomic: the command and all its events are written or
// none are.
type MessageStore interface {
	// Exists returns the stored status of a command.
	Exists(ctx context.Context, id string) (Status, bool, error)
	// Get returns a stored command or ErrMessageNotFound.
	Get(ctx context.Context, id string) (*Command, error)
	// Save records cmd and its children, setting each child's ParentID and
	// assigning the next Version per aggregate. A command id that is already
	// stored yields *DuplicateMessageError and writes nothing.
	Save(ctx context.Context, cmd *Command, children []*Event) error
	// Children returns the events produced by a command, in order.
	Children(ctx context.Context, id string) ([]*Event, error)
	// Parent returns the record that caused id: the producing command of an
	// event, or the triggering event of a command. ErrMessageNotFound when
	// there is none.
	Parent(ctx context.Context, id string) (*Message, error)
	// MarkEventsPublished flags that the command's events reached the
	// transport.
	MarkEventsPublished(ctx context.Context, id string) error
}
