// Package transport defines the broker contract used by the runtime and the
// registry through which broker adapters are selected. Each adapter (kafka,
// rabbitmq, nats, aws, http, channel) lives in its own sub-package and
// registers itself here.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// GroupSubscriberFactory creates a subscriber that joins the named consumer
// group. Members of one group compete for messages; separate groups each
// receive every message.
type GroupSubscriberFactory func(group string) (message.Subscriber, error)

// Transport combines the publisher and subscribers produced by a builder.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	// NewGroupSubscriber is nil for brokers without consumer groups; the
	// shared Subscriber is used instead.
	NewGroupSubscriber GroupSubscriberFactory
}

// Builder creates a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config exposes the settings broker adapters read, so they do not depend on
// the full config package.
type Config interface {
	GetPubSubSystem() string
	GetProducer() string

	GetKafkaBrokers() []string
	GetKafkaClientID() string
	GetKafkaConsumerGroup() string

	GetRabbitMQURL() string

	GetNATSURL() string
	GetNATSJetStream() bool

	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string

	// GetStoreDriver and GetStoreDSN address the database the sql transport
	// shares with the message store.
	GetStoreDriver() string
	GetStoreDSN() string
}

// CapabilitiesProvider is implemented by transports that report capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
