package consumer

import (
	"fmt"
	"time"

	"github.com/drblury/cqrsflow/internal/runtime/codec"
	envelopepkg "github.com/drblury/cqrsflow/internal/runtime/envelope"
	errspkg "github.com/drblury/cqrsflow/internal/runtime/errors"
	"github.com/drblury/cqrsflow/internal/runtime/handlers"
	idspkg "github.com/drblury/cqrsflow/internal/runtime/ids"
	metadatapkg "github.com/drblury/cqrsflow/internal/runtime/metadata"
	"github.com/drblury/cqrsflow/internal/runtime/store"
)

func (c *Consumer) commandRecord(env *envelopepkg.Envelope, status store.Status, received time.Time) *store.Command {
	topic := env.Topic()
	if topic == "" {
		topic = c.cfg.Queue
	}
	cmd := &store.Command{
		Message: store.Message{
			ID:            env.MessageID(),
			CorrelationID: env.CorrelationID(),
			Topic:         topic,
			TypeTag:       env.TypeTag(),
			ContentType:   env.ContentType(),
			Payload:       env.Payload(),
			ParentID:      parentEvent(env),
			SentAt:        env.CreatedAt(),
			ReceivedAt:    received,
			ProcessedAt:   time.Now().UTC(),
		},
		Status:  status,
		ReplyTo: env.ReplyTo(),
	}
	if saga := env.Saga(); saga != nil {
		cmd.SagaID = saga.SagaID
		cmd.SagaType = saga.SagaType
	}
	return cmd
}

// parentEvent returns the event that caused env, or "". A command sent while
// handling another command keeps that link only in its causation id.
func parentEvent(env *envelopepkg.Envelope) string {
	if env.CausationKind() != envelopepkg.KindEvent {
		return ""
	}
	return env.CausationID()
}

// eventRecords encodes the handler's events. Versions are assigned by the
// store when the command is saved.
func (c *Consumer) eventRecords(cmd *store.Command, events []handlers.Event) ([]*store.Event, error) {
	records := make([]*store.Event, 0, len(events))
	for _, evt := range events {
		if evt.AggregateID == "" {
			return nil, errspkg.ErrAggregateRequired
		}
		payload, codecName, typeTag, err := codec.Encode(evt.Payload)
		if err != nil {
			return nil, err
		}
		records = append(records, &store.Event{
			Message: store.Message{
				ID:            idspkg.NewMessageID(),
				CorrelationID: cmd.CorrelationID,
				TypeTag:       typeTag,
				ContentType:   codecName,
				Payload:       payload,
				SagaID:        cmd.SagaID,
				SagaType:      cmd.SagaType,
				ParentID:      cmd.ID,
				SentAt:        cmd.ProcessedAt,
				ReceivedAt:    cmd.ReceivedAt,
				ProcessedAt:   cmd.ProcessedAt,
			},
			AggregateID:   evt.AggregateID,
			AggregateType: evt.AggregateType,
		})
	}
	return records, nil
}

// replyRecord encodes the reply value, or an empty acknowledgement when the
// handler returned none.
func replyRecord(value any) (*store.Reply, error) {
	rec := &store.Reply{MessageID: idspkg.NewMessageID()}
	if value == nil {
		rec.TypeTag = handlers.AckType
		rec.ContentType = codec.JSONName
		rec.Payload = []byte("{}")
		return rec, nil
	}
	payload, codecName, typeTag, err := codec.Encode(value)
	if err != nil {
		return nil, fmt.Errorf("encode reply: %w", err)
	}
	rec.TypeTag = typeTag
	rec.ContentType = codecName
	rec.Payload = payload
	return rec, nil
}

func faultReplyRecord() *store.Reply {
	return &store.Reply{
		MessageID:   idspkg.NewMessageID(),
		TypeTag:     handlers.FaultType,
		ContentType: codec.JSONName,
		Payload:     []byte("{}"),
	}
}

func (c *Consumer) producerOption() envelopepkg.Option {
	if c.cfg.Producer == "" {
		return nil
	}
	return envelopepkg.WithProducer(c.cfg.Producer)
}

// replyEnvelope rebuilds the reply cached on cmd. The same message id is
// used every time it is sent.
func (c *Consumer) replyEnvelope(cmd *store.Command) (*envelopepkg.Envelope, error) {
	if cmd.ReplyTo == "" || cmd.Reply == nil {
		return nil, nil
	}
	opts := []envelopepkg.Option{
		envelopepkg.WithMessageID(cmd.Reply.MessageID),
		envelopepkg.WithCorrelationID(cmd.ID),
		envelopepkg.WithCausationID(cmd.ID),
		envelopepkg.WithCausationKind(envelopepkg.KindCommand),
		envelopepkg.WithTopic(cmd.ReplyTo),
		envelopepkg.WithContentType(cmd.Reply.ContentType),
		envelopepkg.WithSaga(&envelopepkg.SagaInfo{SagaID: cmd.SagaID, SagaType: cmd.SagaType}),
		c.producerOption(),
	}
	if cmd.Status == store.StatusFaulted {
		opts = append(opts, envelopepkg.WithFault(&errspkg.HandlerFault{
			MessageID: cmd.ID,
			Code:      cmd.FaultCode,
			Detail:    cmd.FaultDetail,
		}))
	}
	return envelopepkg.New(envelopepkg.KindReply, cmd.Reply.TypeTag, cmd.Reply.Payload, opts...)
}

// eventEnvelope rebuilds a stored event for publishing. Headers are only
// known on first publish; they are not stored.
func (c *Consumer) eventEnvelope(rec *store.Event, headers metadatapkg.Metadata) (*envelopepkg.Envelope, error) {
	return envelopepkg.New(envelopepkg.KindEvent, rec.TypeTag, rec.Payload,
		envelopepkg.WithMessageID(rec.ID),
		envelopepkg.WithCorrelationID(rec.CorrelationID),
		envelopepkg.WithCausationID(rec.ParentID),
		envelopepkg.WithCausationKind(envelopepkg.KindCommand),
		envelopepkg.WithKey(rec.AggregateID),
		envelopepkg.WithAggregate(envelopepkg.Aggregate{ID: rec.AggregateID, Type: rec.AggregateType, Version: rec.Version}),
		envelopepkg.WithContentType(rec.ContentType),
		envelopepkg.WithSaga(&envelopepkg.SagaInfo{SagaID: rec.SagaID, SagaType: rec.SagaType}),
		envelopepkg.WithCreatedAt(rec.SentAt),
		envelopepkg.WithHeaders(headers),
		c.producerOption(),
	)
}
