package middleware

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	loggingpkg "github.com/drblury/cqrsflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/cqrsflow/internal/runtime/metadata"
)

// HookContext describes one handler execution.
type HookContext struct {
	HandlerName string
	Topic       string
	MessageID   string
	TypeTag     string
	Context     context.Context
	StartedAt   time.Time
	// Duration is only set for OnDone and OnFault.
	Duration time.Duration
}

// Hooks are optional callbacks around handler execution. OnFault receives
// the error a handler returned; business faults recorded by the consumer are
// successful executions from the router's point of view.
type Hooks struct {
	OnStart func(HookContext)
	OnDone  func(HookContext)
	OnFault func(HookContext, error)
}

// IsZero reports whether no hook is set.
func (h Hooks) IsZero() bool {
	return h.OnStart == nil && h.OnDone == nil && h.OnFault == nil
}

// Merge returns hooks calling h first, then other.
func (h Hooks) Merge(other Hooks) Hooks {
	return Hooks{
		OnStart: chain(h.OnStart, other.OnStart),
		OnDone:  chain(h.OnDone, other.OnDone),
		OnFault: chainFault(h.OnFault, other.OnFault),
	}
}

func chain(a, b func(HookContext)) func(HookContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(hc HookContext) {
		a(hc)
		b(hc)
	}
}

func chainFault(a, b func(HookContext, error)) func(HookContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(hc HookContext, err error) {
		a(hc, err)
		b(hc, err)
	}
}

// Middleware invokes the hooks around every handled message.
func (h Hooks) Middleware(next message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		ctx := msg.Context()
		hc := HookContext{
			HandlerName: message.HandlerNameFromCtx(ctx),
			Topic:       message.SubscribeTopicFromCtx(ctx),
			MessageID:   msg.UUID,
			TypeTag:     msg.Metadata.Get(metadatapkg.KeyMessageType),
			Context:     ctx,
			StartedAt:   time.Now(),
		}
		if h.OnStart != nil {
			h.OnStart(hc)
		}

		produced, err := next(msg)
		hc.Duration = time.Since(hc.StartedAt)
		if err != nil {
			if h.OnFault != nil {
				h.OnFault(hc, err)
			}
		} else if h.OnDone != nil {
			h.OnDone(hc)
		}
		return produced, err
	}
}

// LoggingHooks log handler lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) Hooks {
	fields := func(hc HookContext) loggingpkg.LogFields {
		return loggingpkg.LogFields{
			"handler":      hc.HandlerName,
			"topic":        hc.Topic,
			"message_id":   hc.MessageID,
			"message_type": hc.TypeTag,
		}
	}
	return Hooks{
		OnStart: func(hc HookContext) {
			logger.Debug("Handler started", fields(hc))
		},
		OnDone: func(hc HookContext) {
			logger.Debug("Handler completed", fields(hc).Merge(loggingpkg.LogFields{"duration_ms": hc.Duration.Milliseconds()}))
		},
		OnFault: func(hc HookContext, err error) {
			logger.Error("Handler failed", err, fields(hc).Merge(loggingpkg.LogFields{"duration_ms": hc.Duration.Milliseconds()}))
		},
	}
}
