package envelope

import (
	"fmt"
	"strconv"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/cqrsflow/internal/runtime/errors"
	metadatapkg "github.com/drblury/cqrsflow/internal/runtime/metadata"
)

// ToMessage maps the envelope onto a Watermill message. The Watermill UUID is
// the envelope's message id.
func (e *Envelope) ToMessage() *message.Message {
	md := e.headers.Clone()
	md[metadatapkg.KeyCorrelationID] = e.correlationID
	md[metadatapkg.KeyKind] = string(e.kind)
	md[metadatapkg.KeyMessageType] = e.typeTag
	md[metadatapkg.KeyContentType] = e.contentType
	md[metadatapkg.KeyCreatedAt] = e.createdAt.Format(time.RFC3339Nano)
	setIfNotEmpty(md, metadatapkg.KeyCausationID, e.causationID)
	setIfNotEmpty(md, metadatapkg.KeyCausationKind, string(e.causationKind))
	setIfNotEmpty(md, metadatapkg.KeyTopic, e.topic)
	setIfNotEmpty(md, metadatapkg.KeyPartitionKey, e.key)
	setIfNotEmpty(md, metadatapkg.KeyReplyTo, e.replyTo)
	setIfNotEmpty(md, metadatapkg.KeyProducer, e.producer)
	setIfNotEmpty(md, metadatapkg.KeyProducerIP, e.ip)
	if e.saga != nil {
		md[metadatapkg.KeySagaID] = e.saga.SagaID
		setIfNotEmpty(md, metadatapkg.KeySagaType, e.saga.SagaType)
	}
	if e.aggregate != nil {
		md[metadatapkg.KeyAggregateID] = e.aggregate.ID
		setIfNotEmpty(md, metadatapkg.KeyAggregateType, e.aggregate.Type)
		md[metadatapkg.KeyVersion] = strconv.FormatInt(e.aggregate.Version, 10)
	}
	if e.fault != nil {
		md[metadatapkg.KeyFaultCode] = e.fault.Code
		setIfNotEmpty(md, metadatapkg.KeyFaultDetail, e.fault.Detail)
	}

	msg := message.NewMessage(e.messageID, e.Payload())
	msg.Metadata = metadatapkg.ToWatermill(md)
	return msg
}

// FromMessage rebuilds an envelope from a Watermill message.
func FromMessage(msg *message.Message) (*Envelope, error) {
	if msg == nil {
		return nil, errspkg.ErrPayloadRequired
	}
	md := metadatapkg.FromWatermill(msg.Metadata)
	typeTag := md[metadatapkg.KeyMessageType]
	if typeTag == "" {
		return nil, fmt.Errorf("message %s: %w", msg.UUID, errspkg.ErrTypeTagRequired)
	}

	e := &Envelope{
		messageID:     msg.UUID,
		correlationID: md[metadatapkg.KeyCorrelationID],
		causationID:   md[metadatapkg.KeyCausationID],
		causationKind: Kind(md[metadatapkg.KeyCausationKind]),
		kind:          Kind(md[metadatapkg.KeyKind]),
		typeTag:       typeTag,
		contentType:   md[metadatapkg.KeyContentType],
		topic:         md[metadatapkg.KeyTopic],
		key:           md[metadatapkg.KeyPartitionKey],
		replyTo:       md[metadatapkg.KeyReplyTo],
		producer:      md[metadatapkg.KeyProducer],
		ip:            md[metadatapkg.KeyProducerIP],
		headers:       md.Custom(),
	}
	e.payload = make([]byte, len(msg.Payload))
	copy(e.payload, msg.Payload)

	if e.correlationID == "" {
		e.correlationID = e.messageID
	}
	if raw := md[metadatapkg.KeyCreatedAt]; raw != "" {
		if at, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			e.createdAt = at
		}
	}
	if sagaID := md[metadatapkg.KeySagaID]; sagaID != "" {
		e.saga = &SagaInfo{SagaID: sagaID, SagaType: md[metadatapkg.KeySagaType]}
	}
	if aggID := md[metadatapkg.KeyAggregateID]; aggID != "" {
		agg := &Aggregate{ID: aggID, Type: md[metadatapkg.KeyAggregateType]}
		if raw := md[metadatapkg.KeyVersion]; raw != "" {
			version, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return nil, fmt.Errorf("message %s: invalid version %q: %w", msg.UUID, raw, err)
			}
			agg.Version = version
		}
		e.aggregate = agg
	}
	if code := md[metadatapkg.KeyFaultCode]; code != "" {
		e.fault = &errspkg.HandlerFault{MessageID: e.correlationID, Code: code, Detail: md[metadatapkg.KeyFaultDetail]}
	}
	return e, nil
}

func setIfNotEmpty(md metadatapkg.Metadata, key, value string) {
	if value != "" {
		md[key] = value
	}
}
