// Package distributor forwards commands from the inbound command queue to
// a fixed set of worker queues. Commands with a partition key always land on
// the same worker; keyless commands are spread round robin.
package distributor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v5"
	"github.com/cespare/xxhash/v2"
	"github.com/sony/gobreaker"

	envelopepkg "github.com/drblury/cqrsflow/internal/runtime/envelope"
	errspkg "github.com/drblury/cqrsflow/internal/runtime/errors"
	"github.com/drblury/cqrsflow/internal/runtime/handlers"
	"github.com/drblury/cqrsflow/internal/runtime/lifecycle"
	loggingpkg "github.com/drblury/cqrsflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/cqrsflow/internal/runtime/metadata"
	"github.com/drblury/cqrsflow/internal/runtime/metrics"
	"github.com/drblury/cqrsflow/internal/runtime/middleware"
)

// Transport is the part of *transport.Client the distributor uses.
type Transport interface {
	Send(ctx context.Context, topic string, msgs ...*message.Message) error
	Subscriber(group string) (message.Subscriber, error)
}

// Config configures a distributor.
type Config struct {
	// Queue is the inbound command queue.
	Queue string
	Group string
	// Workers are the worker queues, in routing order. Reordering them
	// changes which worker owns a key.
	Workers []string
	// DeadLetterQueue receives commands that could not be forwarded. Without
	// one, such commands are nacked and redelivered.
	DeadLetterQueue string
	Name            string
	Producer        string
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// BreakerFailures consecutive failures open an endpoint's breaker for
	// BreakerTimeout.
	BreakerFailures uint32
	BreakerTimeout  time.Duration
	CloseTimeout    time.Duration
	Hooks           middleware.Hooks
}

func (cfg Config) withDefaults() Config {
	if cfg.Name == "" {
		cfg.Name = "distributor"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 5 * time.Second
	}
	if cfg.BreakerFailures == 0 {
		cfg.BreakerFailures = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	return cfg
}

// Distributor routes commands to worker queues.
type Distributor struct {
	cfg       Config
	transport Transport
	logger    loggingpkg.ServiceLogger
	metrics   *metrics.Collectors
	breakers  []*gobreaker.CircuitBreaker
	runner    *lifecycle.Runner

	next atomic.Uint64
}

// New creates a stopped distributor.
func New(cfg Config, transport Transport, logger loggingpkg.ServiceLogger, collectors *metrics.Collectors) (*Distributor, error) {
	if transport == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if cfg.Queue == "" {
		return nil, fmt.Errorf("distributor: %w", errspkg.ErrTopicRequired)
	}
	if len(cfg.Workers) == 0 {
		return nil, errspkg.ErrNoWorkers
	}
	for i, worker := range cfg.Workers {
		if worker == "" {
			return nil, fmt.Errorf("distributor: worker %d: %w", i, errspkg.ErrTopicRequired)
		}
	}
	cfg = cfg.withDefaults()

	d := &Distributor{
		cfg:       cfg,
		transport: transport,
		logger:    logger.With(loggingpkg.LogFields{"component": "distributor", "queue": cfg.Queue}),
		metrics:   collectors,
	}
	for _, worker := range cfg.Workers {
		d.breakers = append(d.breakers, gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        worker,
			MaxRequests: 1,
			Timeout:     cfg.BreakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.BreakerFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				d.logger.Info("Worker endpoint breaker changed state", loggingpkg.LogFields{
					"endpoint": name,
					"from":     from.String(),
					"to":       to.String(),
				})
			},
		}))
	}
	d.runner = lifecycle.NewRunner(cfg.Name, cfg.CloseTimeout, d.logger, d.build)
	return d, nil
}

// Start subscribes to the inbound queue. Idempotent.
func (d *Distributor) Start(ctx context.Context) error {
	return d.runner.Start(ctx)
}

// Stop finishes the forward in flight and unsubscribes. Idempotent.
func (d *Distributor) Stop() error {
	return d.runner.Stop()
}

// Workers returns the worker queues in routing order.
func (d *Distributor) Workers() []string {
	return append([]string(nil), d.cfg.Workers...)
}

func (d *Distributor) build(router *message.Router) error {
	sub, err := d.transport.Subscriber(d.cfg.Group)
	if err != nil {
		return err
	}
	d.metrics.AddRouterMetrics(router, "distributor")
	handler := router.AddNoPublisherHandler(d.cfg.Name, d.cfg.Queue, sub, d.HandleMessage)
	chain := []message.HandlerMiddleware{
		middleware.Recoverer,
		middleware.Correlation,
		middleware.Tracer("cqrsflow.distribute"),
	}
	if !d.cfg.Hooks.IsZero() {
		chain = append(chain, d.cfg.Hooks.Middleware)
	}
	chain = append(chain, middleware.Metrics(d.metrics, "distributor"))
	handler.AddMiddleware(chain...)
	return nil
}

// Route returns the index and name of the worker queue that owns env.
func (d *Distributor) Route(env *envelopepkg.Envelope) (int, string) {
	n := uint64(len(d.cfg.Workers))
	var idx uint64
	if key := env.Key(); key != "" {
		idx = xxhash.Sum64String(key) % n
	} else {
		idx = (d.next.Add(1) - 1) % n
	}
	return int(idx), d.cfg.Workers[idx]
}

// HandleMessage forwards one inbound delivery. It returns an error only when
// the command could neither be forwarded nor parked.
func (d *Distributor) HandleMessage(msg *message.Message) error {
	ctx := msg.Context()
	env, err := envelopepkg.FromMessage(msg)
	if err != nil {
		d.logger.Error("Received malformed command", err, loggingpkg.LogFields{"message_id": msg.UUID})
		if d.cfg.DeadLetterQueue == "" {
			return nil
		}
		return d.park(ctx, msg, "malformed", err)
	}

	err = d.Forward(ctx, env)
	var routingErr *errspkg.DistributorRoutingError
	if !errors.As(err, &routingErr) {
		return err
	}
	// The caller only hears about the failure once the command is parked.
	// Until then it may still be forwarded on redelivery.
	if err := d.park(ctx, env.ToMessage(), handlers.FaultRoutingFailed, routingErr); err != nil {
		return err
	}
	if err := d.replyRoutingFault(ctx, env, routingErr); err != nil {
		d.logger.Error("Routing fault reply not sent", err, env.LogFields())
	}
	return nil
}

// Forward sends env unchanged to its worker queue, retrying with backoff.
// Exhaustion yields *DistributorRoutingError.
func (d *Distributor) Forward(ctx context.Context, env *envelopepkg.Envelope) error {
	if env == nil {
		return errspkg.ErrPayloadRequired
	}
	idx, endpoint := d.Route(env)
	breaker := d.breakers[idx]
	logger := d.logger.With(env.LogFields()).With(loggingpkg.LogFields{"endpoint": endpoint})

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = d.cfg.InitialInterval
	expBackoff.MaxInterval = d.cfg.MaxInterval

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		_, err := breaker.Execute(func() (interface{}, error) {
			return nil, d.transport.Send(ctx, endpoint, env.ToMessage())
		})
		if errors.Is(err, errspkg.ErrStopped) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(uint(d.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Debug("Retrying command forward", loggingpkg.LogFields{"error": err.Error(), "retry_in": next.String()})
		}),
	)
	if err != nil {
		d.metrics.RoutingFailed(endpoint)
		logger.Error("Command could not be forwarded", err, loggingpkg.LogFields{"attempts": attempts})
		return &errspkg.DistributorRoutingError{
			MessageID: env.MessageID(),
			Endpoint:  endpoint,
			Attempts:  attempts,
			Err:       err,
		}
	}
	d.metrics.Forwarded(endpoint)
	logger.Trace("Command forwarded", nil)
	return nil
}

// park moves an unroutable delivery to the dead letter queue.
func (d *Distributor) park(ctx context.Context, msg *message.Message, reason string, cause error) error {
	if d.cfg.DeadLetterQueue == "" {
		return cause
	}
	parked := msg.Copy()
	parked.Metadata.Set(metadatapkg.KeyDeadLetterReason, cause.Error())
	if err := d.transport.Send(ctx, d.cfg.DeadLetterQueue, parked); err != nil {
		return fmt.Errorf("dead-letter %s: %w", msg.UUID, err)
	}
	d.metrics.DeadLettered(d.cfg.DeadLetterQueue, reason)
	return nil
}

// replyRoutingFault tells a waiting caller that its command was not routed.
func (d *Distributor) replyRoutingFault(ctx context.Context, env *envelopepkg.Envelope, cause *errspkg.DistributorRoutingError) error {
	if env.ReplyTo() == "" {
		return nil
	}
	opts := []envelopepkg.Option{
		envelopepkg.WithFault(&errspkg.HandlerFault{
			MessageID: env.MessageID(),
			Code:      handlers.FaultRoutingFailed,
			Detail:    cause.Error(),
		}),
	}
	if d.cfg.Producer != "" {
		opts = append(opts, envelopepkg.WithProducer(d.cfg.Producer))
	}
	reply, err := env.Reply(handlers.FaultType, []byte("{}"), opts...)
	if err != nil {
		return err
	}
	return d.transport.Send(ctx, reply.Topic(), reply.ToMessage())
}
