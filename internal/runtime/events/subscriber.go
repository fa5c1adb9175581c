package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"

	envelopepkg "github.com/drblury/cqrsflow/internal/runtime/envelope"
	errspkg "github.com/drblury/cqrsflow/internal/runtime/errors"
	"github.com/drblury/cqrsflow/internal/runtime/handlers"
	"github.com/drblury/cqrsflow/internal/runtime/lifecycle"
	loggingpkg "github.com/drblury/cqrsflow/internal/runtime/logging"
	"github.com/drblury/cqrsflow/internal/runtime/metrics"
	"github.com/drblury/cqrsflow/internal/runtime/middleware"
)

const (
	defaultHighWaterMarks = 10000
	maxRecordedFailures   = 100
)

// SubscriberSource returns the subscriber of a consumer group.
// *transport.Client implements it.
type SubscriberSource interface {
	Subscriber(group string) (message.Subscriber, error)
}

// SubscriberConfig configures one event subscription.
type SubscriberConfig struct {
	Topic string
	// Group is the consumer group. Subscribers sharing a group compete for
	// events; different groups each receive every event.
	Group string
	// Name identifies the router handler, defaulting to "events.<group>".
	Name string
	// AckOnHandlerFailure acks an event even when a handler failed. By
	// default the whole event is redelivered.
	AckOnHandlerFailure bool
	// HighWaterMarks bounds how many aggregates have their latest delivered
	// version remembered.
	HighWaterMarks int
	CloseTimeout   time.Duration
	Hooks          middleware.Hooks
}

// HandlerFailure records one failed handler invocation.
type HandlerFailure struct {
	MessageID string
	TypeTag   string
	Handler   string
	Err       error
	At        time.Time
}

// Subscriber delivers events to every handler registered for their type.
type Subscriber struct {
	source   SubscriberSource
	registry *handlers.EventRegistry
	cfg      SubscriberConfig
	logger   loggingpkg.ServiceLogger
	metrics  *metrics.Collectors
	runner   *lifecycle.Runner

	hwMu      sync.Mutex
	highWater *lru.Cache[string, int64]

	failMu   sync.Mutex
	failures []HandlerFailure
}

// NewSubscriber creates a stopped subscriber.
func NewSubscriber(source SubscriberSource, registry *handlers.EventRegistry, cfg SubscriberConfig, logger loggingpkg.ServiceLogger, collectors *metrics.Collectors) (*Subscriber, error) {
	if source == nil {
		return nil, errspkg.ErrSubscriberRequired
	}
	if registry == nil {
		return nil, errspkg.ErrHandlerProvider
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("event subscriber: %w", errspkg.ErrTopicRequired)
	}
	if cfg.Name == "" {
		cfg.Name = "events." + cfg.Group
	}
	if cfg.HighWaterMarks <= 0 {
		cfg.HighWaterMarks = defaultHighWaterMarks
	}
	highWater, err := lru.New[string, int64](cfg.HighWaterMarks)
	if err != nil {
		return nil, err
	}

	s := &Subscriber{
		source:    source,
		registry:  registry,
		cfg:       cfg,
		logger:    logger.With(loggingpkg.LogFields{"component": "event_subscriber", "topic": cfg.Topic, "group": cfg.Group}),
		metrics:   collectors,
		highWater: highWater,
	}
	s.runner = lifecycle.NewRunner(cfg.Name, cfg.CloseTimeout, s.logger, s.build)
	return s, nil
}

func (s *Subscriber) build(router *message.Router) error {
	sub, err := s.source.Subscriber(s.cfg.Group)
	if err != nil {
		return err
	}
	s.metrics.AddRouterMetrics(router, "events")
	handler := router.AddNoPublisherHandler(s.cfg.Name, s.cfg.Topic, sub, s.HandleMessage)
	handler.AddMiddleware(
		middleware.Recoverer,
		middleware.Correlation,
		middleware.Tracer("cqrsflow.event"),
		middleware.Metrics(s.metrics, "event_subscriber"),
	)
	if !s.cfg.Hooks.IsZero() {
		handler.AddMiddleware(s.cfg.Hooks.Middleware)
	}
	return nil
}

// Start subscribes and begins delivering events. Idempotent.
func (s *Subscriber) Start(ctx context.Context) error {
	return s.runner.Start(ctx)
}

// Stop drains in-flight deliveries and unsubscribes. Idempotent.
func (s *Subscriber) Stop() error {
	return s.runner.Stop()
}

// HandleMessage delivers one event. A non-nil error nacks it.
func (s *Subscriber) HandleMessage(msg *message.Message) error {
	env, err := envelopepkg.FromMessage(msg)
	if err != nil {
		s.logger.Error("Dropping malformed event", err, loggingpkg.LogFields{"message_id": msg.UUID})
		s.metrics.Error("event_subscriber", err)
		return nil
	}
	return s.Deliver(msg.Context(), env)
}

// Deliver runs every handler registered for the event's type concurrently
// and waits for all of them. Events older than one already delivered for the
// same aggregate are dropped.
func (s *Subscriber) Deliver(ctx context.Context, env *envelopepkg.Envelope) error {
	logger := s.logger.With(env.LogFields())
	agg := env.Aggregate()
	if s.stale(agg) {
		logger.Debug("Dropping stale event", nil)
		s.metrics.EventStale(env.TypeTag())
		return nil
	}

	registered := s.registry.Handlers(env.TypeTag())
	if len(registered) == 0 {
		logger.Trace("No handler for event", nil)
		s.advance(agg)
		return nil
	}

	mc := handlers.NewMessageContext(env, s.logger)
	var (
		g         errgroup.Group
		mu        sync.Mutex
		failed    []error
		retryable bool
	)
	for _, named := range registered {
		g.Go(func() error {
			err := invokeEventHandler(ctx, named, mc)
			if err == nil {
				return nil
			}
			s.recordFailure(env, named.Name, err)
			var undecodable *handlers.PayloadError
			mu.Lock()
			failed = append(failed, fmt.Errorf("%s: %w", named.Name, err))
			retryable = retryable || !errors.As(err, &undecodable)
			mu.Unlock()
			return err
		})
	}
	if err := g.Wait(); err != nil {
		if retryable && !s.cfg.AckOnHandlerFailure {
			return errors.Join(failed...)
		}
		if !retryable {
			logger.Error("Event payload does not decode, acking", err, nil)
		}
	}
	s.advance(agg)
	return nil
}

func invokeEventHandler(ctx context.Context, named handlers.NamedEventHandler, mc handlers.MessageContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return named.Handler.HandleEvent(ctx, mc)
}

func (s *Subscriber) stale(agg *envelopepkg.Aggregate) bool {
	if agg == nil || agg.ID == "" || agg.Version <= 0 {
		return false
	}
	s.hwMu.Lock()
	defer s.hwMu.Unlock()
	seen, ok := s.highWater.Get(agg.ID)
	return ok && agg.Version < seen
}

func (s *Subscriber) advance(agg *envelopepkg.Aggregate) {
	if agg == nil || agg.ID == "" || agg.Version <= 0 {
		return
	}
	s.hwMu.Lock()
	defer s.hwMu.Unlock()
	if seen, ok := s.highWater.Get(agg.ID); !ok || agg.Version > seen {
		s.highWater.Add(agg.ID, agg.Version)
	}
}

func (s *Subscriber) recordFailure(env *envelopepkg.Envelope, handler string, err error) {
	s.logger.Error("Event handler failed", err, env.LogFields().Merge(loggingpkg.LogFields{"handler": handler}))
	s.metrics.EventHandlerFailed(env.TypeTag(), handler)

	s.failMu.Lock()
	defer s.failMu.Unlock()
	s.failures = append(s.failures, HandlerFailure{
		MessageID: env.MessageID(),
		TypeTag:   env.TypeTag(),
		Handler:   handler,
		Err:       err,
		At:        time.Now(),
	})
	if len(s.failures) > maxRecordedFailures {
		s.failures = s.failures[len(s.failures)-maxRecordedFailures:]
	}
}

// Failures returns the most recent handler failures, oldest first.
func (s *Subscriber) Failures() []HandlerFailure {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return append([]HandlerFailure(nil), s.failures...)
}
