package transport

// Capabilities describes what a broker adapter guarantees. The runtime uses
// it to reject deployments whose semantics it cannot honour.
type Capabilities struct {
	Name string

	// SupportsOrdering means messages sharing a partition key arrive in
	// publish order.
	SupportsOrdering bool

	// SupportsPartitioning means the partition key header selects the broker
	// partition.
	SupportsPartitioning bool

	// SupportsAck and SupportsNack describe acknowledgment. Without Nack a
	// failed message cannot be redelivered by the broker.
	SupportsAck  bool
	SupportsNack bool

	// SupportsConsumerGroups means subscribers in one group compete and
	// separate groups each receive every message.
	SupportsConsumerGroups bool

	// SupportsCompetingConsumers means several subscribers of one queue
	// share its messages instead of each receiving a copy.
	SupportsCompetingConsumers bool

	// SupportsDurability means messages survive a broker restart.
	SupportsDurability bool

	// MaxMessageSize in bytes, 0 when unknown.
	MaxMessageSize int64
}

// SupportsReliableDelivery reports at-least-once delivery (ack and nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Capability sets of the bundled adapters.
var (
	// ChannelCapabilities: every subscriber of a topic receives a copy, so a
	// worker queue must have exactly one consumer.
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	KafkaCapabilities = Capabilities{
		Name:                       "kafka",
		SupportsOrdering:           true,
		SupportsPartitioning:       true,
		SupportsAck:                true,
		SupportsNack:               true,
		SupportsConsumerGroups:     true,
		SupportsCompetingConsumers: true,
		SupportsDurability:         true,
		MaxMessageSize:             1048576,
	}

	RabbitMQCapabilities = Capabilities{
		Name:                       "rabbitmq",
		SupportsOrdering:           true,
		SupportsAck:                true,
		SupportsNack:               true,
		SupportsConsumerGroups:     true,
		SupportsCompetingConsumers: true,
		SupportsDurability:         true,
	}

	NATSCapabilities = Capabilities{
		Name:                       "nats",
		SupportsAck:                true,
		SupportsNack:               true,
		SupportsConsumerGroups:     true,
		SupportsCompetingConsumers: true,
		MaxMessageSize:             1048576,
	}

	AWSCapabilities = Capabilities{
		Name:                       "aws",
		SupportsAck:                true,
		SupportsNack:               true,
		SupportsConsumerGroups:     true,
		SupportsCompetingConsumers: true,
		SupportsDurability:         true,
		MaxMessageSize:             262144,
	}

	HTTPCapabilities = Capabilities{
		Name: "http",
	}

	// SQLCapabilities: competing subscribers claim rows independently, so
	// publish order holds only with one subscriber per group.
	SQLCapabilities = Capabilities{
		Name:                       "sql",
		SupportsAck:                true,
		SupportsNack:               true,
		SupportsConsumerGroups:     true,
		SupportsCompetingConsumers: true,
		SupportsDurability:         true,
	}
)
