// Package middleware holds the Watermill handler middlewares shared by the
// distributor, the command consumers, and the event subscribers.
package middleware

import (
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	wmmiddleware "github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	errspkg "github.com/drblury/cqrsflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/cqrsflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/cqrsflow/internal/runtime/metadata"
	"github.com/drblury/cqrsflow/internal/runtime/metrics"
)

// TracerName is the otel instrumentation name used for handler spans.
const TracerName = "github.com/drblury/cqrsflow"

// Correlation sets the correlation id to the message id when a message
// arrives without one. An existing correlation id is never replaced.
func Correlation(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		if msg.Metadata.Get(metadatapkg.KeyCorrelationID) == "" {
			msg.Metadata.Set(metadatapkg.KeyCorrelationID, msg.UUID)
		}
		return h(msg)
	}
}

// Tracer wraps handling in an OpenTelemetry span named spanName.
func Tracer(spanName string) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			ctx, span := otel.Tracer(TracerName).Start(msg.Context(), spanName, trace.WithSpanKind(trace.SpanKindConsumer))
			defer span.End()
			msg.SetContext(ctx)

			span.SetAttributes(
				attribute.String("messaging.message.id", msg.UUID),
				attribute.String("messaging.message.conversation_id", msg.Metadata.Get(metadatapkg.KeyCorrelationID)),
				attribute.String("cqrs.message_type", msg.Metadata.Get(metadatapkg.KeyMessageType)),
				attribute.String("messaging.destination.name", message.SubscribeTopicFromCtx(ctx)),
			)
			if sagaID := msg.Metadata.Get(metadatapkg.KeySagaID); sagaID != "" {
				span.SetAttributes(attribute.String("cqrs.saga_id", sagaID))
			}

			produced, err := h(msg)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			return produced, err
		}
	}
}

// LogMessages logs every handled message at debug level.
func LogMessages(logger loggingpkg.ServiceLogger) (message.HandlerMiddleware, error) {
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			logger.Debug("Processing message", loggingpkg.LogFields{
				"message_id": msg.UUID,
				"handler":    message.HandlerNameFromCtx(msg.Context()),
				"payload":    string(msg.Payload),
				"metadata":   msg.Metadata,
			})
			return h(msg)
		}
	}, nil
}

// RetryConfig tunes the in-process retry of a failing handler. MaxRetries is
// taken as given: zero means the handler runs once.
type RetryConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// RetryIf limits retries to matching errors. Nil retries everything.
	RetryIf func(error) bool
}

// Validate rejects impossible settings.
func (cfg RetryConfig) Validate() error {
	var errs []error
	if cfg.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("retry: max retries cannot be negative: %d", cfg.MaxRetries))
	}
	if cfg.InitialInterval < 0 || cfg.MaxInterval < 0 {
		errs = append(errs, errors.New("retry: intervals cannot be negative"))
	}
	if cfg.MaxInterval > 0 && cfg.InitialInterval > cfg.MaxInterval {
		errs = append(errs, errors.New("retry: initial interval cannot exceed max interval"))
	}
	return errors.Join(errs...)
}

// Retry re-runs a failing handler with exponential backoff.
func Retry(cfg RetryConfig, logger watermill.LoggerAdapter) (message.HandlerMiddleware, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MaxRetries == 0 {
		return func(h message.HandlerFunc) message.HandlerFunc { return h }, nil
	}
	retryIf := cfg.RetryIf
	return wmmiddleware.Retry{
		MaxRetries:      cfg.MaxRetries,
		InitialInterval: cfg.InitialInterval,
		MaxInterval:     cfg.MaxInterval,
		Logger:          logger,
		ShouldRetry: func(params wmmiddleware.RetryParams) bool {
			if retryIf == nil {
				return true
			}
			return retryIf(params.Err)
		},
	}.Middleware, nil
}

// PoisonQueue publishes messages whose handler error matches filter to topic
// and acks them.
func PoisonQueue(pub message.Publisher, topic string, filter func(error) bool) (message.HandlerMiddleware, error) {
	if pub == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	if filter == nil {
		filter = func(error) bool { return true }
	}
	return wmmiddleware.PoisonQueueWithFilter(pub, topic, filter)
}

// Recoverer turns a handler panic into an error.
func Recoverer(h message.HandlerFunc) message.HandlerFunc {
	return wmmiddleware.Recoverer(h)
}

// IsPanic reports whether err came from a recovered panic, and returns the
// panic value.
func IsPanic(err error) (any, bool) {
	var recovered wmmiddleware.RecoveredPanicError
	if errors.As(err, &recovered) {
		return recovered.V, true
	}
	return nil, false
}

// Metrics counts handler errors by category under component.
func Metrics(collectors *metrics.Collectors, component string) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			produced, err := h(msg)
			if err != nil {
				collectors.Error(component, err)
			}
			return produced, err
		}
	}
}
