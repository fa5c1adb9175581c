// Package metadata holds the header map carried by envelopes and the reserved
// header names used on the wire.
package metadata

// Reserved header names. Custom headers must not reuse them.
const (
	KeyCorrelationID = "correlation_id"
	KeyCausationID   = "cqrs_causation_id"
	KeyCausationKind = "cqrs_causation_kind"
	KeyMessageType   = "cqrs_type"
	KeyKind          = "cqrs_kind"
	KeyContentType   = "cqrs_content_type"
	KeyPartitionKey  = "cqrs_partition_key"
	KeyReplyTo       = "cqrs_reply_to"
	KeyProducer      = "cqrs_producer"
	KeyProducerIP    = "cqrs_producer_ip"
	KeyTopic         = "cqrs_topic"
	KeyCreatedAt     = "cqrs_created_at"
	KeySagaID        = "cqrs_saga_id"
	KeySagaType      = "cqrs_saga_type"

	KeyAggregateID   = "cqrs_aggregate_id"
	KeyAggregateType = "cqrs_aggregate_type"
	KeyVersion       = "cqrs_version"

	KeyFaultCode   = "cqrs_fault_code"
	KeyFaultDetail = "cqrs_fault_detail"

	KeyDeadLetterReason = "cqrs_dead_letter_reason"
)

// Metadata represents the headers carried alongside a message.
type Metadata map[string]string

func (m Metadata) cloneWithExtra(extra int) Metadata {
	size := len(m) + extra
	if size <= 0 {
		return Metadata{}
	}

	cloned := make(Metadata, size)
	for k, v := range m {
		cloned[k] = v
	}
	return cloned
}

// Clone returns a shallow copy of the metadata map.
func (m Metadata) Clone() Metadata {
	return m.cloneWithExtra(0)
}

// With returns a cloned metadata map containing the provided key/value pair.
func (m Metadata) With(key, value string) Metadata {
	cloned := m.cloneWithExtra(1)
	cloned[key] = value
	return cloned
}

// WithAll returns a cloned metadata map containing the supplied entries.
func (m Metadata) WithAll(entries Metadata) Metadata {
	cloned := m.cloneWithExtra(len(entries))
	for k, v := range entries {
		cloned[k] = v
	}
	return cloned
}

// Custom returns the entries that are not reserved header names.
func (m Metadata) Custom() Metadata {
	out := Metadata{}
	for k, v := range m {
		if !IsReserved(k) {
			out[k] = v
		}
	}
	return out
}

// IsReserved reports whether key is one of the runtime's own header names.
func IsReserved(key string) bool {
	_, ok := reserved[key]
	return ok
}

var reserved = map[string]struct{}{
	KeyCorrelationID: {}, KeyCausationID: {}, KeyCausationKind: {}, KeyMessageType: {}, KeyKind: {},
	KeyContentType: {}, KeyPartitionKey: {}, KeyReplyTo: {}, KeyProducer: {},
	KeyProducerIP: {}, KeyTopic: {}, KeyCreatedAt: {}, KeySagaID: {}, KeySagaType: {},
	KeyAggregateID: {}, KeyAggregateType: {}, KeyVersion: {},
	KeyFaultCode: {}, KeyFaultDetail: {}, KeyDeadLetterReason: {},
}

// New constructs a Metadata map from alternating key/value pairs.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i < len(pairs)-1; i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}
