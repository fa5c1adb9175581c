// Package metrics holds the Prometheus collectors of the runtime. A nil
// *Collectors is valid and records nothing, so components take it as an
// optional dependency.
package metrics

import (
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"

	errspkg "github.com/drblury/cqrsflow/internal/runtime/errors"
)

// Namespace prefixes every metric name.
const Namespace = "cqrsflow"

// Command outcomes.
const (
	OutcomeProcessed = "processed"
	OutcomeFaulted   = "faulted"
	OutcomeDuplicate = "duplicate"
	OutcomeNotFound  = "not_found"
	OutcomeError     = "error"
)

// Reply outcomes seen by the command bus.
const (
	ReplyReceived  = "received"
	ReplyTimeout   = "timeout"
	ReplyLate      = "late"
	ReplyUnmatched = "unmatched"
)

// Collectors groups the runtime's metrics.
type Collectors struct {
	mu sync.RWMutex

	commandsHandled    *prometheus.CounterVec
	commandDuration    *prometheus.HistogramVec
	eventsPublished    *prometheus.CounterVec
	eventPublishErrors *prometheus.CounterVec
	eventHandlerErrors *prometheus.CounterVec
	eventsStale        *prometheus.CounterVec
	forwarded          *prometheus.CounterVec
	routingFailures    *prometheus.CounterVec
	deadLetters        *prometheus.CounterVec
	replies            *prometheus.CounterVec
	pendingReplies     prometheus.Gauge
	errors             *prometheus.CounterVec

	deadLetterTopics map[string]*DeadLetterStats

	registerer prometheus.Registerer
	registered bool
}

// DeadLetterStats summarises what a process sent to one dead-letter topic.
type DeadLetterStats struct {
	Messages  uint64            `json:"messages"`
	ByReason  map[string]uint64 `json:"by_reason"`
	OldestAt  time.Time         `json:"oldest_at,omitempty"`
	NewestAt  time.Time         `json:"newest_at,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

func newCounterVec(subsystem, name, help string, labels ...string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: Namespace,
		Subsystem: subsystem,
		Name:      name,
		Help:      help,
	}, labels)
}

// New creates the collectors. A nil registerer means the default one.
func New(registerer prometheus.Registerer) *Collectors {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &Collectors{
		registerer:         registerer,
		deadLetterTopics:   make(map[string]*DeadLetterStats),
		commandsHandled:    newCounterVec("consumer", "commands_total", "Commands handled by outcome", "type", "outcome"),
		eventsPublished:    newCounterVec("events", "published_total", "Events handed to the transport", "type"),
		eventPublishErrors: newCounterVec("events", "publish_failures_total", "Event publishes that exhausted their retries", "type"),
		eventHandlerErrors: newCounterVec("events", "handler_failures_total", "Event handler invocations that failed", "type", "handler"),
		eventsStale:        newCounterVec("events", "stale_total", "Events dropped because a newer version was already delivered", "type"),
		forwarded:          newCounterVec("distributor", "forwarded_total", "Commands forwarded to a worker endpoint", "endpoint"),
		routingFailures:    newCounterVec("distributor", "routing_failures_total", "Commands that could not be forwarded", "endpoint"),
		deadLetters:        newCounterVec("dead_letter", "messages_total", "Messages published to a dead-letter topic", "topic", "reason"),
		replies:            newCounterVec("bus", "replies_total", "Replies observed by the command bus", "outcome"),
		errors:             newCounterVec("", "errors_total", "Errors by category", "component", "category"),
		commandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "consumer",
			Name:      "command_duration_seconds",
			Help:      "Time spent handling a command",
			Buckets:   prometheus.DefBuckets,
		}, []string{"type"}),
		pendingReplies: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "bus",
			Name:      "pending_replies",
			Help:      "Commands waiting for a reply",
		}),
	}
}

// Register registers the collectors. Safe to call more than once.
func (c *Collectors) Register() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.registered {
		return nil
	}

	for _, collector := range []prometheus.Collector{
		c.commandsHandled, c.commandDuration, c.eventsPublished, c.eventPublishErrors,
		c.eventHandlerErrors, c.eventsStale, c.forwarded, c.routingFailures,
		c.deadLetters, c.replies, c.pendingReplies, c.errors,
	} {
		if err := c.registerer.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}
	c.registered = true
	return nil
}

// AddRouterMetrics instruments a Watermill router with handler and
// publisher metrics under the cqrsflow namespace.
func (c *Collectors) AddRouterMetrics(router *message.Router, subsystem string) {
	if c == nil || router == nil {
		return
	}
	metrics.NewPrometheusMetricsBuilder(c.registerer, Namespace, subsystem).AddPrometheusRouterMetrics(router)
}

func (c *Collectors) CommandHandled(typeTag, outcome string, took time.Duration) {
	if c == nil {
		return
	}
	c.commandsHandled.WithLabelValues(typeTag, outcome).Inc()
	c.commandDuration.WithLabelValues(typeTag).Observe(took.Seconds())
}

func (c *Collectors) EventPublished(typeTag string) {
	if c == nil {
		return
	}
	c.eventsPublished.WithLabelValues(typeTag).Inc()
}

func (c *Collectors) EventPublishFailed(typeTag string) {
	if c == nil {
		return
	}
	c.eventPublishErrors.WithLabelValues(typeTag).Inc()
}

func (c *Collectors) EventHandlerFailed(typeTag, handler string) {
	if c == nil {
		return
	}
	c.eventHandlerErrors.WithLabelValues(typeTag, handler).Inc()
}

func (c *Collectors) EventStale(typeTag string) {
	if c == nil {
		return
	}
	c.eventsStale.WithLabelValues(typeTag).Inc()
}

func (c *Collectors) Forwarded(endpoint string) {
	if c == nil {
		return
	}
	c.forwarded.WithLabelValues(endpoint).Inc()
}

func (c *Collectors) RoutingFailed(endpoint string) {
	if c == nil {
		return
	}
	c.routingFailures.WithLabelValues(endpoint).Inc()
}

func (c *Collectors) Reply(outcome string) {
	if c == nil {
		return
	}
	c.replies.WithLabelValues(outcome).Inc()
}

func (c *Collectors) SetPendingReplies(n int) {
	if c == nil {
		return
	}
	c.pendingReplies.Set(float64(n))
}

// Error counts err under its errspkg.Classify category.
func (c *Collectors) Error(component string, err error) {
	if c == nil || err == nil {
		return
	}
	c.errors.WithLabelValues(component, string(errspkg.Classify(err))).Inc()
}

// DeadLettered records a message published to a dead-letter topic.
func (c *Collectors) DeadLettered(topic, reason string) {
	if c == nil {
		return
	}
	c.deadLetters.WithLabelValues(topic, reason).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	stats, ok := c.deadLetterTopics[topic]
	if !ok {
		stats = &DeadLetterStats{ByReason: make(map[string]uint64), OldestAt: now}
		c.deadLetterTopics[topic] = stats
	}
	stats.Messages++
	stats.ByReason[reason]++
	stats.NewestAt = now
	stats.UpdatedAt = now
}

// DeadLetters returns a copy of the per-topic dead-letter statistics.
func (c *Collectors) DeadLetters() map[string]DeadLetterStats {
	if c == nil {
		return nil
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]DeadLetterStats, len(c.deadLetterTopics))
	for topic, stats := range c.deadLetterTopics {
		copied := *stats
		copied.ByReason = make(map[string]uint64, len(stats.ByReason))
		for reason, n := range stats.ByReason {
			copied.ByReason[reason] = n
		}
		out[topic] = copied
	}
	return out
}
