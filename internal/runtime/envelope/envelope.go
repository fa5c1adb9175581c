// Package envelope defines the immutable message wrapper that travels over
// every transport, together with its mapping onto Watermill messages.
package envelope

import (
	"net"
	"strings"
	"sync"
	"time"

	"github.com/drblury/cqrsflow/internal/runtime/codec"
	errspkg "github.com/drblury/cqrsflow/internal/runtime/errors"
	idspkg "github.com/drblury/cqrsflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/cqrsflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/cqrsflow/internal/runtime/metadata"
)

// Kind distinguishes commands, events, and replies on the wire.
type Kind string

const (
	KindCommand Kind = "command"
	KindEvent   Kind = "event"
	KindReply   Kind = "reply"
)

// SagaInfo correlates the messages that belong to one long-running process.
type SagaInfo struct {
	SagaID   string
	SagaType string
}

// IsZero reports whether s carries no saga id.
func (s *SagaInfo) IsZero() bool {
	return s == nil || strings.TrimSpace(s.SagaID) == ""
}

// Aggregate identifies the aggregate root an event belongs to.
type Aggregate struct {
	ID      string
	Type    string
	Version int64
}

// Envelope is an immutable message. Derived envelopes are produced with the
// With* and Reply methods, which copy.
type Envelope struct {
	messageID     string
	correlationID string
	causationID   string
	causationKind Kind
	kind          Kind
	typeTag       string
	contentType   string
	topic         string
	key           string
	replyTo       string
	producer      string
	ip            string
	saga          *SagaInfo
	aggregate     *Aggregate
	fault         *errspkg.HandlerFault
	payload       []byte
	createdAt     time.Time
	headers       metadatapkg.Metadata
}

// Option customises an envelope at construction.
type Option func(*Envelope)

// WithKey sets the partition key used for sharding.
func WithKey(key string) Option {
	return func(e *Envelope) { e.key = key }
}

// WithReplyTo sets the address replies are sent to.
func WithReplyTo(addr string) Option {
	return func(e *Envelope) { e.replyTo = addr }
}

// WithTopic sets the destination address.
func WithTopic(topic string) Option {
	return func(e *Envelope) { e.topic = topic }
}

// WithProducer overrides the producer name.
func WithProducer(name string) Option {
	return func(e *Envelope) { e.producer = name }
}

// WithCorrelationID overrides the correlation id, which otherwise defaults to
// the message id.
func WithCorrelationID(id string) Option {
	return func(e *Envelope) {
		if id != "" {
			e.correlationID = id
		}
	}
}

// WithCausationID records the message that caused this one.
func WithCausationID(id string) Option {
	return func(e *Envelope) { e.causationID = id }
}

// WithCausationKind records the kind of the message that caused this one.
func WithCausationKind(kind Kind) Option {
	return func(e *Envelope) { e.causationKind = kind }
}

// WithSaga attaches saga info. Blank saga ids are ignored.
func WithSaga(info *SagaInfo) Option {
	return func(e *Envelope) {
		if info.IsZero() {
			return
		}
		copied := *info
		e.saga = &copied
	}
}

// WithAggregate marks an event with its aggregate root.
func WithAggregate(agg Aggregate) Option {
	return func(e *Envelope) {
		copied := agg
		e.aggregate = &copied
	}
}

// WithFault marks a reply as a business failure.
func WithFault(fault *errspkg.HandlerFault) Option {
	return func(e *Envelope) {
		if fault == nil {
			return
		}
		copied := *fault
		e.fault = &copied
	}
}

// WithHeader adds a custom header.
func WithHeader(key, value string) Option {
	return func(e *Envelope) { e.headers = e.headers.With(key, value) }
}

// WithHeaders adds custom headers.
func WithHeaders(md metadatapkg.Metadata) Option {
	return func(e *Envelope) { e.headers = e.headers.WithAll(md) }
}

// WithContentType names the codec the payload was written with.
func WithContentType(name string) Option {
	return func(e *Envelope) { e.contentType = name }
}

// WithMessageID overrides the generated message id. Intended for replaying
// stored messages.
func WithMessageID(id string) Option {
	return func(e *Envelope) {
		if id != "" {
			e.messageID = id
		}
	}
}

// WithCreatedAt overrides the creation time.
func WithCreatedAt(at time.Time) Option {
	return func(e *Envelope) { e.createdAt = at }
}

// DefaultProducer is stamped on envelopes that do not set one.
var DefaultProducer = "cqrsflow"

// New builds an envelope from an already encoded payload.
func New(kind Kind, typeTag string, payload []byte, opts ...Option) (*Envelope, error) {
	if typeTag == "" {
		return nil, errspkg.ErrTypeTagRequired
	}
	now := time.Now().UTC()
	id := idspkg.NewMessageIDAt(now)
	e := &Envelope{
		messageID:     id,
		correlationID: id,
		kind:          kind,
		typeTag:       typeTag,
		contentType:   codec.JSONName,
		producer:      DefaultProducer,
		ip:            localIP(),
		payload:       payload,
		createdAt:     now,
		headers:       metadatapkg.Metadata{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e, nil
}

// Encode builds an envelope whose payload is v encoded with codec.For(v).
func Encode(kind Kind, v any, opts ...Option) (*Envelope, error) {
	payload, codecName, typeTag, err := codec.Encode(v)
	if err != nil {
		return nil, err
	}
	return New(kind, typeTag, payload, append([]Option{WithContentType(codecName)}, opts...)...)
}

func (e *Envelope) MessageID() string     { return e.messageID }
func (e *Envelope) CorrelationID() string { return e.correlationID }
func (e *Envelope) CausationID() string   { return e.causationID }
func (e *Envelope) CausationKind() Kind    { return e.causationKind }
func (e *Envelope) Kind() Kind            { return e.kind }
func (e *Envelope) TypeTag() string       { return e.typeTag }
func (e *Envelope) ContentType() string   { return e.contentType }
func (e *Envelope) Topic() string         { return e.topic }
func (e *Envelope) Key() string           { return e.key }
func (e *Envelope) ReplyTo() string       { return e.replyTo }
func (e *Envelope) Producer() string      { return e.producer }
func (e *Envelope) IP() string            { return e.ip }
func (e *Envelope) CreatedAt() time.Time  { return e.createdAt }

// Payload returns a copy of the encoded payload.
func (e *Envelope) Payload() []byte {
	out := make([]byte, len(e.payload))
	copy(out, e.payload)
	return out
}

// Saga returns a copy of the saga info, or nil.
func (e *Envelope) Saga() *SagaInfo {
	if e.saga == nil {
		return nil
	}
	copied := *e.saga
	return &copied
}

// Aggregate returns a copy of the aggregate info, or nil for non-events.
func (e *Envelope) Aggregate() *Aggregate {
	if e.aggregate == nil {
		return nil
	}
	copied := *e.aggregate
	return &copied
}

// Fault returns the business failure carried by a reply, or nil.
func (e *Envelope) Fault() *errspkg.HandlerFault {
	if e.fault == nil {
		return nil
	}
	copied := *e.fault
	return &copied
}

// Headers returns a copy of the custom headers.
func (e *Envelope) Headers() metadatapkg.Metadata {
	return e.headers.Clone()
}

// Header returns one custom header.
func (e *Envelope) Header(key string) string {
	return e.headers[key]
}

// Decode unmarshals the payload into v using the envelope's content type.
func (e *Envelope) Decode(v any) error {
	c, err := codec.ByName(e.contentType)
	if err != nil {
		return err
	}
	return c.Unmarshal(e.payload, v)
}

// WithTopic returns a copy addressed to topic.
func (e *Envelope) WithTopic(topic string) *Envelope {
	copied := e.clone()
	copied.topic = topic
	return copied
}

// Reply builds the reply to this command. The reply's correlation id is this
// envelope's message id, saga info is carried over, and it is addressed to
// ReplyTo.
func (e *Envelope) Reply(typeTag string, payload []byte, opts ...Option) (*Envelope, error) {
	base := []Option{
		WithCorrelationID(e.messageID),
		WithCausationID(e.messageID),
		WithCausationKind(e.kind),
		WithTopic(e.replyTo),
		WithSaga(e.saga),
	}
	return New(KindReply, typeTag, payload, append(base, opts...)...)
}

func (e *Envelope) clone() *Envelope {
	copied := *e
	copied.headers = e.headers.Clone()
	if e.saga != nil {
		s := *e.saga
		copied.saga = &s
	}
	if e.aggregate != nil {
		a := *e.aggregate
		copied.aggregate = &a
	}
	if e.fault != nil {
		f := *e.fault
		copied.fault = &f
	}
	return &copied
}

// LogFields returns the standard structured fields for this envelope.
func (e *Envelope) LogFields() loggingpkg.LogFields {
	fields := loggingpkg.LogFields{
		"message_id":     e.messageID,
		"correlation_id": e.correlationID,
		"message_type":   e.typeTag,
		"kind":           string(e.kind),
	}
	if e.key != "" {
		fields["partition_key"] = e.key
	}
	if e.saga != nil {
		fields["saga_id"] = e.saga.SagaID
	}
	if e.aggregate != nil {
		fields["aggregate_id"] = e.aggregate.ID
		fields["version"] = e.aggregate.Version
	}
	return fields
}

var (
	localIPOnce  sync.Once
	localIPValue string
)

// localIP returns the first non-loopback IPv4 address of this host.
func localIP() string {
	localIPOnce.Do(func() {
		addrs, err := net.InterfaceAddrs()
		if err != nil {
			return
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.IsLoopback() {
				continue
			}
			if ip4 := ipNet.IP.To4(); ip4 != nil {
				localIPValue = ip4.String()
				return
			}
		}
	})
	return localIPValue
}
