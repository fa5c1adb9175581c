// Package bus is the caller side of the runtime: it sends commands and
// waits for their correlated replies.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	lru "github.com/hashicorp/golang-lru/v2"

	envelopepkg "github.com/drblury/cqrsflow/internal/runtime/envelope"
	errspkg "github.com/drblury/cqrsflow/internal/runtime/errors"
	"github.com/drblury/cqrsflow/internal/runtime/handlers"
	loggingpkg "github.com/drblury/cqrsflow/internal/runtime/logging"
	"github.com/drblury/cqrsflow/internal/runtime/metrics"
)

const (
	defaultTimeout = 30 * time.Second
	expiredWaiters = 4096
)

// Transport is the part of *transport.Client the bus uses.
type Transport interface {
	Send(ctx context.Context, topic string, msgs ...*message.Message) error
	Subscribe(ctx context.Context, topic, group string) (<-chan *message.Message, error)
}

// Config configures a command bus.
type Config struct {
	// Queue receives commands sent without WithTopic, normally the
	// distributor's inbound queue.
	Queue string
	// ReplyTopic is where this process receives replies. It must be unique
	// per process when several processes share a broker.
	ReplyTopic     string
	DefaultTimeout time.Duration
	Producer       string
}

type outcome struct {
	reply *Reply
	err   error
}

type waiter struct {
	done chan outcome
}

type state int

const (
	stateNew state = iota
	stateRunning
	stateStopped
)

// CommandBus sends commands and demultiplexes replies by correlation id.
type CommandBus struct {
	cfg       Config
	transport Transport
	logger    loggingpkg.ServiceLogger
	metrics   *metrics.Collectors

	mu      sync.Mutex
	state   state
	pending map[string]*waiter
	expired *lru.Cache[string, struct{}]
	cancel  context.CancelFunc
	done    chan struct{}
}

// New creates a stopped bus.
func New(cfg Config, transport Transport, logger loggingpkg.ServiceLogger, collectors *metrics.Collectors) (*CommandBus, error) {
	if transport == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if cfg.Queue == "" {
		return nil, fmt.Errorf("command bus: %w", errspkg.ErrTopicRequired)
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	expired, err := lru.New[string, struct{}](expiredWaiters)
	if err != nil {
		return nil, err
	}
	return &CommandBus{
		cfg:       cfg,
		transport: transport,
		logger:    logger.With(loggingpkg.LogFields{"component": "command_bus"}),
		metrics:   collectors,
		pending:   make(map[string]*waiter),
		expired:   expired,
	}, nil
}

// Start subscribes to the reply topic. Without a reply topic the bus can
// only send fire-and-forget commands. Idempotent.
func (b *CommandBus) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == stateRunning {
		return nil
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	if b.cfg.ReplyTopic == "" {
		close(done)
	} else {
		replies, err := b.transport.Subscribe(runCtx, b.cfg.ReplyTopic, "")
		if err != nil {
			cancel()
			return err
		}
		go b.receive(replies, done)
	}
	b.cancel = cancel
	b.done = done
	b.state = stateRunning
	b.logger.Info("Command bus started", loggingpkg.LogFields{"reply_topic": b.cfg.ReplyTopic})
	return nil
}

// Stop ends the reply subscription and fails every pending Send with
// ErrStopped. Idempotent.
func (b *CommandBus) Stop() error {
	b.mu.Lock()
	if b.state != stateRunning {
		b.mu.Unlock()
		return nil
	}
	b.state = stateStopped
	cancel, done := b.cancel, b.done
	pending := b.pending
	b.pending = make(map[string]*waiter)
	b.mu.Unlock()

	cancel()
	<-done
	for _, w := range pending {
		w.done <- outcome{err: errspkg.ErrStopped}
	}
	b.metrics.SetPendingReplies(0)
	b.logger.Info("Command bus stopped", loggingpkg.LogFields{"failed_waiters": len(pending)})
	return nil
}

// ReplyTopic returns the topic this bus receives replies on.
func (b *CommandBus) ReplyTopic() string { return b.cfg.ReplyTopic }

// Pending returns the number of sends waiting for a reply.
func (b *CommandBus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Send publishes cmd. Without WithReply it returns once the transport took
// the command. With WithReply it waits for the correlated reply and returns
// a *TimeoutError when none arrives in time; the command may still be
// handled later.
func (b *CommandBus) Send(ctx context.Context, cmd any, opts ...SendOption) (*Reply, error) {
	o := sendOptions{topic: b.cfg.Queue}
	for _, opt := range opts {
		opt(&o)
	}
	if o.needReply && b.cfg.ReplyTopic == "" {
		return nil, errspkg.ErrReplyTopicRequired
	}
	if o.needReply {
		o.envelope = append(o.envelope, envelopepkg.WithReplyTo(b.cfg.ReplyTopic))
	}
	if b.cfg.Producer != "" {
		o.envelope = append(o.envelope, envelopepkg.WithProducer(b.cfg.Producer))
	}
	env, err := envelopepkg.Encode(envelopepkg.KindCommand, cmd, append(o.envelope, envelopepkg.WithTopic(o.topic))...)
	if err != nil {
		return nil, err
	}
	return b.SendEnvelope(ctx, env, o.needReply, o.timeout)
}

// SendEnvelope publishes a prepared command envelope to its topic.
func (b *CommandBus) SendEnvelope(ctx context.Context, env *envelopepkg.Envelope, needReply bool, timeout time.Duration) (*Reply, error) {
	topic := env.Topic()
	if topic == "" {
		topic = b.cfg.Queue
	}
	logger := b.logger.With(env.LogFields())

	if !needReply {
		if err := b.transport.Send(ctx, topic, env.ToMessage()); err != nil {
			return nil, err
		}
		logger.Trace("Command sent", nil)
		return nil, nil
	}

	if timeout <= 0 {
		timeout = b.cfg.DefaultTimeout
	}
	w, err := b.register(env.MessageID())
	if err != nil {
		return nil, err
	}
	if err := b.transport.Send(ctx, topic, env.ToMessage()); err != nil {
		b.unregister(env.MessageID(), false)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case out := <-w.done:
		return out.reply, out.err
	case <-timer.C:
		if b.unregister(env.MessageID(), true) {
			b.metrics.Reply(metrics.ReplyTimeout)
			logger.Info("Timed out waiting for reply", loggingpkg.LogFields{"timeout": timeout.String()})
			return nil, &errspkg.TimeoutError{MessageID: env.MessageID(), Timeout: timeout}
		}
	case <-ctx.Done():
		if b.unregister(env.MessageID(), true) {
			return nil, ctx.Err()
		}
	}
	// The reply or Stop won the race with the deadline.
	out := <-w.done
	return out.reply, out.err
}

func (b *CommandBus) register(id string) (*waiter, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateNew:
		return nil, errspkg.ErrNotStarted
	case stateStopped:
		return nil, errspkg.ErrStopped
	}
	w := &waiter{done: make(chan outcome, 1)}
	b.pending[id] = w
	b.metrics.SetPendingReplies(len(b.pending))
	return w, nil
}

// unregister removes the waiter for id, reporting whether it was still
// pending. Expired ids are remembered so a late reply can be told apart
// from a stray one.
func (b *CommandBus) unregister(id string, expire bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.pending[id]; !ok {
		return false
	}
	delete(b.pending, id)
	if expire {
		b.expired.Add(id, struct{}{})
	}
	b.metrics.SetPendingReplies(len(b.pending))
	return true
}

func (b *CommandBus) receive(replies <-chan *message.Message, done chan struct{}) {
	defer close(done)
	for msg := range replies {
		b.dispatch(msg)
		msg.Ack()
	}
}

// dispatch hands one reply to its waiter.
func (b *CommandBus) dispatch(msg *message.Message) {
	env, err := envelopepkg.FromMessage(msg)
	if err != nil {
		b.logger.Error("Dropping malformed reply", err, loggingpkg.LogFields{"message_id": msg.UUID})
		return
	}
	id := env.CorrelationID()

	b.mu.Lock()
	w, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
		b.metrics.SetPendingReplies(len(b.pending))
	}
	late := !ok && b.expired.Contains(id)
	b.mu.Unlock()

	logger := b.logger.With(env.LogFields())
	switch {
	case ok:
		b.metrics.Reply(metrics.ReplyReceived)
		w.done <- replyOutcome(env)
	case late:
		b.metrics.Reply(metrics.ReplyLate)
		logger.Info("Dropping reply that arrived after its deadline", nil)
	default:
		b.metrics.Reply(metrics.ReplyUnmatched)
		logger.Debug("Dropping reply with no waiting sender", nil)
	}
}

func replyOutcome(env *envelopepkg.Envelope) outcome {
	reply := &Reply{env: env}
	if fault := env.Fault(); fault != nil && fault.Code == handlers.FaultRoutingFailed {
		return outcome{err: &errspkg.DistributorRoutingError{
			MessageID: env.CorrelationID(),
			Err:       errors.New(fault.Detail),
		}}
	}
	return outcome{reply: reply}
}

// Reply is the answer to a command.
type Reply struct {
	env *envelopepkg.Envelope
}

// Envelope returns the reply envelope.
func (r *Reply) Envelope() *envelopepkg.Envelope { return r.env }

// TypeTag returns the type of the reply payload.
func (r *Reply) TypeTag() string { return r.env.TypeTag() }

// Err returns the *HandlerFault when the handler rejected the command.
func (r *Reply) Err() error {
	if fault := r.env.Fault(); fault != nil {
		return fault
	}
	return nil
}

// Decode unmarshals the reply payload into v. It fails with the handler
// fault when there is one.
func (r *Reply) Decode(v any) error {
	if err := r.Err(); err != nil {
		return err
	}
	return r.env.Decode(v)
}
