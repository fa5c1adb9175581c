// Package consumer runs command handlers for one worker queue. Each command
// is deduplicated against the message store, handled inside a unit of work,
// recorded with the events it produced, and answered on its reply address
// before it is acknowledged.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	envelopepkg "github.com/drblury/cqrsflow/internal/runtime/envelope"
	errspkg "github.com/drblury/cqrsflow/internal/runtime/errors"
	"github.com/drblury/cqrsflow/internal/runtime/handlers"
	"github.com/drblury/cqrsflow/internal/runtime/keylock"
	"github.com/drblury/cqrsflow/internal/runtime/lifecycle"
	loggingpkg "github.com/drblury/cqrsflow/internal/runtime/logging"
	"github.com/drblury/cqrsflow/internal/runtime/metrics"
	"github.com/drblury/cqrsflow/internal/runtime/middleware"
	"github.com/drblury/cqrsflow/internal/runtime/store"
	"github.com/drblury/cqrsflow/internal/runtime/uow"
)

// Transport is the part of *transport.Client the consumer uses.
type Transport interface {
	Send(ctx context.Context, topic string, msgs ...*message.Message) error
	Subscriber(group string) (message.Subscriber, error)
	Publisher() message.Publisher
}

// EventPublisher hands produced events to the transport.
type EventPublisher interface {
	Publish(ctx context.Context, evt *envelopepkg.Envelope) error
}

// Config configures one consumer.
type Config struct {
	// Queue is the worker queue this consumer reads.
	Queue string
	// Group is the consumer group shared by competing instances of Queue.
	Group string
	// Name identifies the router handler, defaulting to "consumer.<queue>".
	Name            string
	DeadLetterQueue string
	Policy          FailurePolicy
	Producer        string
	CloseTimeout    time.Duration
	Hooks           middleware.Hooks
}

// Dependencies are the collaborators of a consumer. Store, Handlers, Events,
// Transport and Logger are required.
type Dependencies struct {
	Transport Transport
	Handlers  handlers.Provider
	Store     store.MessageStore
	Events    EventPublisher
	// UnitOfWork defaults to uow.Passthrough.
	UnitOfWork uow.UnitOfWork
	// Locks serializes work per message id. Share one set between
	// consumers using the same store.
	Locks   *keylock.Locks[string]
	Logger  loggingpkg.ServiceLogger
	Metrics *metrics.Collectors
}

// Consumer handles commands from one queue, one at a time.
type Consumer struct {
	cfg       Config
	transport Transport
	handlers  handlers.Provider
	store     store.MessageStore
	events    EventPublisher
	uow       uow.UnitOfWork
	locks     *keylock.Locks[string]
	logger    loggingpkg.ServiceLogger
	metrics   *metrics.Collectors
	runner    *lifecycle.Runner

	execMu sync.Mutex
}

// New creates a stopped consumer.
func New(cfg Config, deps Dependencies) (*Consumer, error) {
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	if cfg.Queue == "" {
		return nil, fmt.Errorf("consumer: %w", errspkg.ErrTopicRequired)
	}
	if cfg.Policy.Mode == FailureRetryThenDeadLetter && cfg.DeadLetterQueue == "" {
		return nil, errors.New("consumer: dead letter queue is required by the retry_then_dead_letter policy")
	}
	switch {
	case deps.Transport == nil:
		return nil, errspkg.ErrPublisherRequired
	case deps.Handlers == nil:
		return nil, errspkg.ErrHandlerProvider
	case deps.Store == nil:
		return nil, errspkg.ErrStoreRequired
	case deps.Events == nil:
		return nil, fmt.Errorf("consumer: event %w", errspkg.ErrPublisherRequired)
	case deps.Logger == nil:
		return nil, errspkg.ErrLoggerRequired
	}
	if cfg.Name == "" {
		cfg.Name = "consumer." + cfg.Queue
	}
	if deps.UnitOfWork == nil {
		deps.UnitOfWork = uow.Passthrough{}
	}
	if deps.Locks == nil {
		deps.Locks = keylock.New[string]()
	}

	c := &Consumer{
		cfg:       cfg,
		transport: deps.Transport,
		handlers:  deps.Handlers,
		store:     deps.Store,
		events:    deps.Events,
		uow:       deps.UnitOfWork,
		locks:     deps.Locks,
		logger:    deps.Logger.With(loggingpkg.LogFields{"component": "command_consumer", "queue": cfg.Queue}),
		metrics:   deps.Metrics,
	}
	c.runner = lifecycle.NewRunner(cfg.Name, cfg.CloseTimeout, c.logger, c.build)
	return c, nil
}

// Queue returns the worker queue this consumer reads.
func (c *Consumer) Queue() string { return c.cfg.Queue }

// Start subscribes to the queue. Idempotent.
func (c *Consumer) Start(ctx context.Context) error {
	return c.runner.Start(ctx)
}

// Stop drains the handler in flight and unsubscribes. Idempotent.
func (c *Consumer) Stop() error {
	return c.runner.Stop()
}

func (c *Consumer) build(router *message.Router) error {
	sub, err := c.transport.Subscriber(c.cfg.Group)
	if err != nil {
		return err
	}
	chain, err := c.middlewares()
	if err != nil {
		return err
	}
	c.metrics.AddRouterMetrics(router, "consumer")
	handler := router.AddNoPublisherHandler(c.cfg.Name, c.cfg.Queue, sub, c.HandleMessage)
	handler.AddMiddleware(chain...)
	return nil
}

// middlewares returns the handler chain, outermost first.
func (c *Consumer) middlewares() ([]message.HandlerMiddleware, error) {
	chain := []message.HandlerMiddleware{
		middleware.Recoverer,
		middleware.Correlation,
		middleware.Tracer("cqrsflow.command"),
	}
	logMessages, err := middleware.LogMessages(c.logger)
	if err != nil {
		return nil, err
	}
	chain = append(chain, logMessages)
	if !c.cfg.Hooks.IsZero() {
		chain = append(chain, c.cfg.Hooks.Middleware)
	}
	chain = append(chain, middleware.Metrics(c.metrics, "command_consumer"))

	if c.cfg.DeadLetterQueue != "" {
		poison, err := middleware.PoisonQueue(c.transport.Publisher(), c.cfg.DeadLetterQueue, c.shouldDeadLetter)
		if err != nil {
			return nil, err
		}
		chain = append(chain, poison)
	}
	chain = append(chain, c.finalizeFaults)

	if c.cfg.Policy.Mode == FailureRetryThenDeadLetter {
		retry, err := middleware.Retry(middleware.RetryConfig{
			MaxRetries:      c.cfg.Policy.MaxRetries,
			InitialInterval: c.cfg.Policy.InitialInterval,
			MaxInterval:     c.cfg.Policy.MaxInterval,
			RetryIf: func(err error) bool {
				var (
					attempt   *faultAttempt
					malformed *malformedError
				)
				if errors.As(err, &malformed) {
					return false
				}
				return !errors.As(err, &attempt) || !attempt.terminal()
			},
		}, loggingpkg.NewWatermillAdapter(c.logger))
		if err != nil {
			return nil, err
		}
		chain = append(chain, retry)
	}
	return chain, nil
}

// HandleMessage processes one delivery. A nil error acks it.
func (c *Consumer) HandleMessage(msg *message.Message) error {
	env, err := envelopepkg.FromMessage(msg)
	if err != nil {
		return &malformedError{messageID: msg.UUID, err: err}
	}
	return c.Process(msg.Context(), env)
}

// Process handles one command envelope. It returns nil when the command is
// settled (processed, recorded as faulted, or already handled), a
// *faultAttempt when the handler reported a fault that still has to be
// recorded, and any other error for infrastructure failures that must be
// redelivered.
func (c *Consumer) Process(ctx context.Context, env *envelopepkg.Envelope) error {
	c.execMu.Lock()
	defer c.execMu.Unlock()

	unlock, err := c.locks.Lock(ctx, env.MessageID())
	if err != nil {
		return err
	}
	defer unlock()

	started := time.Now()
	logger := c.logger.With(env.LogFields())

	status, exists, err := c.store.Exists(ctx, env.MessageID())
	if err != nil {
		c.metrics.CommandHandled(env.TypeTag(), metrics.OutcomeError, time.Since(started))
		return fmt.Errorf("dedup check %s: %w", env.MessageID(), err)
	}
	if exists && status.Terminal() {
		logger.Info("Command already handled, resending outcome", loggingpkg.LogFields{"status": string(status)})
		c.metrics.CommandHandled(env.TypeTag(), metrics.OutcomeDuplicate, time.Since(started))
		return c.resend(ctx, env.MessageID())
	}

	err = c.execute(ctx, env, started.UTC(), logger)
	var attempt *faultAttempt
	switch {
	case err == nil:
		c.metrics.CommandHandled(env.TypeTag(), metrics.OutcomeProcessed, time.Since(started))
	case errors.As(err, &attempt) && attempt.missing:
		c.metrics.CommandHandled(env.TypeTag(), metrics.OutcomeNotFound, time.Since(started))
	case errors.As(err, &attempt):
		c.metrics.CommandHandled(env.TypeTag(), metrics.OutcomeFaulted, time.Since(started))
	default:
		c.metrics.CommandHandled(env.TypeTag(), metrics.OutcomeError, time.Since(started))
		logger.Error("Command handling failed, awaiting redelivery", err, nil)
	}
	return err
}

var errFaultRollback = errors.New("handler reported a fault")

func (c *Consumer) execute(ctx context.Context, env *envelopepkg.Envelope, received time.Time, logger loggingpkg.ServiceLogger) error {
	handler, ok := c.handlers.Resolve(env.TypeTag())
	if !ok {
		notFound := &errspkg.HandlerNotFoundError{TypeTag: env.TypeTag()}
		logger.Error("No handler registered for command", notFound, nil)
		return &faultAttempt{
			env:      env,
			received: received,
			fault:    &errspkg.HandlerFault{MessageID: env.MessageID(), Code: handlers.FaultHandlerMissing, Detail: notFound.Error()},
			missing:  true,
		}
	}

	mc := handlers.NewMessageContext(env, c.logger)
	var (
		result  handlers.Result
		cmd     *store.Command
		records []*store.Event
	)
	err := c.uow.Do(ctx, func(txCtx context.Context) error {
		var err error
		result, err = invoke(txCtx, handler, mc)
		if err != nil {
			return err
		}
		if result.IsFault() {
			return errFaultRollback
		}

		cmd = c.commandRecord(env, store.StatusProcessed, received)
		records, err = c.eventRecords(cmd, result.Events())
		if err != nil {
			return err
		}
		cmd.EventsPublished = len(records) == 0
		if cmd.ReplyTo != "" {
			if cmd.Reply, err = replyRecord(result.Reply()); err != nil {
				return err
			}
		}
		return c.store.Save(txCtx, cmd, records)
	})

	var (
		duplicate   *errspkg.DuplicateMessageError
		undecodable *handlers.PayloadError
	)
	switch {
	case errors.Is(err, errFaultRollback):
		fault := result.Fault()
		fault.MessageID = env.MessageID()
		logger.Info("Command rejected by handler", loggingpkg.LogFields{"fault_code": fault.Code, "fault_detail": fault.Detail})
		return &faultAttempt{env: env, received: received, fault: fault}
	case errors.As(err, &duplicate) && duplicate.MessageID == env.MessageID():
		logger.Info("Command recorded concurrently, resending outcome", nil)
		return c.resend(ctx, env.MessageID())
	case errors.As(err, &undecodable):
		logger.Error("Command payload does not decode", err, nil)
		return &faultAttempt{
			env:         env,
			received:    received,
			fault:       &errspkg.HandlerFault{MessageID: env.MessageID(), Code: handlers.FaultInvalidPayload, Detail: undecodable.Error()},
			undecodable: true,
		}
	case err != nil:
		return err
	}

	evts := result.Events()
	envs := make([]*envelopepkg.Envelope, 0, len(records))
	for i, rec := range records {
		evt, err := c.eventEnvelope(rec, evts[i].Headers)
		if err != nil {
			return err
		}
		envs = append(envs, evt)
	}
	return c.complete(ctx, cmd, envs)
}

// invoke runs the handler, turning a panic into a fault.
func invoke(ctx context.Context, handler handlers.CommandHandler, mc handlers.MessageContext) (handlers.Result, error) {
	var result handlers.Result
	_, err := middleware.Recoverer(func(*message.Message) ([]*message.Message, error) {
		var err error
		result, err = handler.Handle(ctx, mc)
		return nil, err
	})(message.NewMessage(mc.MessageID(), nil))
	if v, panicked := middleware.IsPanic(err); panicked {
		mc.Logger.Error("Command handler panicked", err, nil)
		return handlers.Failed(handlers.FaultHandlerPanic, fmt.Sprint(v)), nil
	}
	return result, err
}

// complete publishes the events of a recorded command, marks them
// published, and sends the cached reply.
func (c *Consumer) complete(ctx context.Context, cmd *store.Command, events []*envelopepkg.Envelope) error {
	if !cmd.EventsPublished {
		for _, evt := range events {
			if err := c.events.Publish(ctx, evt); err != nil {
				return fmt.Errorf("publish event %s of command %s: %w", evt.MessageID(), cmd.ID, err)
			}
		}
		if err := c.store.MarkEventsPublished(ctx, cmd.ID); err != nil {
			return err
		}
	}
	return c.sendReply(ctx, cmd)
}

func (c *Consumer) sendReply(ctx context.Context, cmd *store.Command) error {
	reply, err := c.replyEnvelope(cmd)
	if err != nil || reply == nil {
		return err
	}
	return c.transport.Send(ctx, reply.Topic(), reply.ToMessage())
}

// resend settles a redelivered command without running its handler:
// unpublished events are published from the store and the cached reply is
// sent again.
func (c *Consumer) resend(ctx context.Context, id string) error {
	cmd, err := c.store.Get(ctx, id)
	if err != nil {
		return err
	}
	var events []*envelopepkg.Envelope
	if cmd.Status == store.StatusProcessed && !cmd.EventsPublished {
		children, err := c.store.Children(ctx, id)
		if err != nil {
			return err
		}
		for _, rec := range children {
			evt, err := c.eventEnvelope(rec, nil)
			if err != nil {
				return err
			}
			events = append(events, evt)
		}
	}
	if cmd.Status == store.StatusFaulted {
		cmd.EventsPublished = true
	}
	return c.complete(ctx, cmd, events)
}

// recordFault stores a faulted command and sends its fault reply.
func (c *Consumer) recordFault(ctx context.Context, attempt *faultAttempt) error {
	unlock, err := c.locks.Lock(ctx, attempt.env.MessageID())
	if err != nil {
		return err
	}
	defer unlock()

	cmd := c.commandRecord(attempt.env, store.StatusFaulted, attempt.received)
	cmd.FaultCode = attempt.fault.Code
	cmd.FaultDetail = attempt.fault.Detail
	cmd.EventsPublished = true
	if cmd.ReplyTo != "" {
		cmd.Reply = faultReplyRecord()
	}

	err = c.uow.Do(ctx, func(txCtx context.Context) error {
		return c.store.Save(txCtx, cmd, nil)
	})
	var duplicate *errspkg.DuplicateMessageError
	if errors.As(err, &duplicate) {
		return c.resend(ctx, cmd.ID)
	}
	if err != nil {
		return err
	}
	return c.sendReply(ctx, cmd)
}

// finalizeFaults records commands whose handler fault survived every
// retry. The fault is passed on only when it has to be dead-lettered.
// Malformed deliveries are dropped when there is no dead letter queue.
func (c *Consumer) finalizeFaults(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		produced, err := h(msg)
		var (
			attempt   *faultAttempt
			malformed *malformedError
		)
		if errors.As(err, &malformed) {
			if c.cfg.DeadLetterQueue != "" {
				return nil, err
			}
			c.logger.Error("Dropping malformed command", err, loggingpkg.LogFields{"message_id": msg.UUID})
			return nil, nil
		}
		if !errors.As(err, &attempt) {
			return produced, err
		}
		if recordErr := c.recordFault(msg.Context(), attempt); recordErr != nil {
			return nil, recordErr
		}
		deadLetter := attempt.terminal() || c.cfg.Policy.Mode == FailureRetryThenDeadLetter
		if !deadLetter || c.cfg.DeadLetterQueue == "" {
			return nil, nil
		}
		if attempt.missing {
			return nil, &errspkg.HandlerNotFoundError{TypeTag: attempt.env.TypeTag()}
		}
		return nil, attempt.fault
	}
}

// shouldDeadLetter is the poison queue filter.
func (c *Consumer) shouldDeadLetter(err error) bool {
	var (
		fault     *errspkg.HandlerFault
		notFound  *errspkg.HandlerNotFoundError
		malformed *malformedError
	)
	switch {
	case errors.As(err, &notFound):
		c.metrics.DeadLettered(c.cfg.DeadLetterQueue, handlers.FaultHandlerMissing)
	case errors.As(err, &fault):
		c.metrics.DeadLettered(c.cfg.DeadLetterQueue, fault.Code)
	case errors.As(err, &malformed):
		c.metrics.DeadLettered(c.cfg.DeadLetterQueue, "malformed")
	default:
		return false
	}
	return true
}

// faultAttempt carries a handler fault out of one attempt.
type faultAttempt struct {
	env         *envelopepkg.Envelope
	received    time.Time
	fault       *errspkg.HandlerFault
	missing     bool
	undecodable bool
}

// terminal reports a fault no retry can change. It is recorded and
// dead-lettered under every policy.
func (e *faultAttempt) terminal() bool { return e.missing || e.undecodable }

func (e *faultAttempt) Error() string { return e.fault.Error() }
func (e *faultAttempt) Unwrap() error { return e.fault }

type malformedError struct {
	messageID string
	err       error
}

func (e *malformedError) Error() string {
	return fmt.Sprintf("cqrsflow: malformed command %s: %v", e.messageID, e.err)
}

func (e *malformedError) Unwrap() error { return e.err }
