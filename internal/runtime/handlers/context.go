// Package handlers defines the command and event handler contracts and the
// registries that resolve them by type tag.
package handlers

import (
	envelopepkg "github.com/drblury/cqrsflow/internal/runtime/envelope"
	loggingpkg "github.com/drblury/cqrsflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/cqrsflow/internal/runtime/metadata"
)

// MessageContext is passed explicitly to every handler. It exposes the
// incoming envelope and a logger already carrying the envelope's fields.
type MessageContext struct {
	Envelope *envelopepkg.Envelope
	Logger   loggingpkg.ServiceLogger
}

// NewMessageContext builds the context for env. A nil logger becomes a no-op
// logger.
func NewMessageContext(env *envelopepkg.Envelope, logger loggingpkg.ServiceLogger) MessageContext {
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}
	return MessageContext{
		Envelope: env,
		Logger:   logger.With(env.LogFields()),
	}
}

func (c MessageContext) MessageID() string     { return c.Envelope.MessageID() }
func (c MessageContext) CorrelationID() string { return c.Envelope.CorrelationID() }
func (c MessageContext) TypeTag() string       { return c.Envelope.TypeTag() }
func (c MessageContext) Key() string           { return c.Envelope.Key() }

// Saga returns the saga the message belongs to, or nil.
func (c MessageContext) Saga() *envelopepkg.SagaInfo {
	return c.Envelope.Saga()
}

// Headers returns a copy of the custom headers.
func (c MessageContext) Headers() metadatapkg.Metadata {
	return c.Envelope.Headers()
}

// Decode unmarshals the payload into v.
func (c MessageContext) Decode(v any) error {
	return c.Envelope.Decode(v)
}
