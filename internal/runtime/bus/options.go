package bus

import (
	"time"

	envelopepkg "github.com/drblury/cqrsflow/internal/runtime/envelope"
	"github.com/drblury/cqrsflow/internal/runtime/handlers"
)

type sendOptions struct {
	envelope  []envelopepkg.Option
	topic     string
	needReply bool
	timeout   time.Duration
}

// SendOption customizes one Send.
type SendOption func(*sendOptions)

// WithKey sets the partition key. Commands with the same key are handled in
// order by the same worker.
func WithKey(key string) SendOption {
	return func(o *sendOptions) {
		o.envelope = append(o.envelope, envelopepkg.WithKey(key))
	}
}

// WithReply makes Send wait for the reply. A zero timeout uses the bus
// default.
func WithReply(timeout time.Duration) SendOption {
	return func(o *sendOptions) {
		o.needReply = true
		o.timeout = timeout
	}
}

// WithSaga tags the command with a saga.
func WithSaga(info envelopepkg.SagaInfo) SendOption {
	return func(o *sendOptions) {
		o.envelope = append(o.envelope, envelopepkg.WithSaga(&info))
	}
}

// WithCause marks the command as caused by the message being handled: it
// joins that message's correlation and saga. Only an event cause becomes the
// command's parent in the message store.
func WithCause(mc handlers.MessageContext) SendOption {
	return func(o *sendOptions) {
		if mc.Envelope == nil {
			return
		}
		o.envelope = append(o.envelope,
			envelopepkg.WithCausationID(mc.MessageID()),
			envelopepkg.WithCausationKind(mc.Envelope.Kind()),
			envelopepkg.WithCorrelationID(mc.CorrelationID()),
			envelopepkg.WithSaga(mc.Saga()),
		)
	}
}

// WithTopic sends the command straight to topic, bypassing the distributor.
func WithTopic(topic string) SendOption {
	return func(o *sendOptions) {
		o.topic = topic
	}
}

// WithHeader adds a custom header.
func WithHeader(key, value string) SendOption {
	return func(o *sendOptions) {
		o.envelope = append(o.envelope, envelopepkg.WithHeader(key, value))
	}
}
