// Package events publishes domain events and fans received events out to
// the in-process handlers registered for their type.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/cenkalti/backoff/v5"

	envelopepkg "github.com/drblury/cqrsflow/internal/runtime/envelope"
	errspkg "github.com/drblury/cqrsflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/cqrsflow/internal/runtime/logging"
	"github.com/drblury/cqrsflow/internal/runtime/metrics"
)

// Sender publishes messages to a topic. *transport.Client implements it.
type Sender interface {
	Send(ctx context.Context, topic string, msgs ...*message.Message) error
}

// PublisherConfig tunes event publishing.
type PublisherConfig struct {
	// Topic is used for events that carry no topic of their own.
	Topic           string
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (cfg PublisherConfig) withDefaults() PublisherConfig {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 100 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 5 * time.Second
	}
	return cfg
}

// Publisher hands events to the transport keyed by aggregate root id.
type Publisher struct {
	sender  Sender
	cfg     PublisherConfig
	logger  loggingpkg.ServiceLogger
	metrics *metrics.Collectors

	mu      sync.RWMutex
	stopped bool
}

// NewPublisher creates a publisher. It can publish right away; Stop makes
// later publishes fail with ErrStopped.
func NewPublisher(sender Sender, cfg PublisherConfig, logger loggingpkg.ServiceLogger, collectors *metrics.Collectors) (*Publisher, error) {
	if sender == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("event publisher: %w", errspkg.ErrTopicRequired)
	}
	return &Publisher{
		sender:  sender,
		cfg:     cfg.withDefaults(),
		logger:  logger.With(loggingpkg.LogFields{"component": "event_publisher"}),
		metrics: collectors,
	}, nil
}

// Start re-enables a stopped publisher.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = false
	return nil
}

// Stop makes later publishes fail. In-flight publishes finish.
func (p *Publisher) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	return nil
}

// Topic returns the default event topic.
func (p *Publisher) Topic() string { return p.cfg.Topic }

// Publish sends evt, retrying transport failures with exponential backoff.
// After the last attempt the *TransportError is returned.
func (p *Publisher) Publish(ctx context.Context, evt *envelopepkg.Envelope) error {
	if evt == nil {
		return errspkg.ErrPayloadRequired
	}
	agg := evt.Aggregate()
	if agg == nil || agg.ID == "" {
		return fmt.Errorf("event %s: %w", evt.MessageID(), errspkg.ErrAggregateRequired)
	}

	p.mu.RLock()
	stopped := p.stopped
	p.mu.RUnlock()
	if stopped {
		return errspkg.ErrStopped
	}

	topic := evt.Topic()
	if topic == "" {
		topic = p.cfg.Topic
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = p.cfg.InitialInterval
	expBackoff.MaxInterval = p.cfg.MaxInterval

	logger := p.logger.With(evt.LogFields())
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := p.sender.Send(ctx, topic, evt.ToMessage())
		if err != nil && errors.Is(err, errspkg.ErrStopped) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(uint(p.cfg.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Debug("Retrying event publish", loggingpkg.LogFields{"error": err.Error(), "retry_in": next.String()})
		}),
	)
	if err != nil {
		p.metrics.EventPublishFailed(evt.TypeTag())
		logger.Error("Event publish failed", err, loggingpkg.LogFields{"topic": topic, "attempts": p.cfg.MaxAttempts})
		var transportErr *errspkg.TransportError
		if errors.As(err, &transportErr) {
			return transportErr
		}
		return &errspkg.TransportError{Op: "publish", Topic: topic, Err: err}
	}
	p.metrics.EventPublished(evt.TypeTag())
	return nil
}
