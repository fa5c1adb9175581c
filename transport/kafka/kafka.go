// Package kafka provides the Kafka transport. Messages are partitioned by the
// envelope's partition key so one key always lands on one partition.
package kafka

import (
	"context"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	metadatapkg "github.com/drblury/cqrsflow/internal/runtime/metadata"
	"github.com/drblury/cqrsflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "kafka"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the Kafka transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// PartitionKey returns the partition key header, falling back to the message
// UUID so unkeyed messages spread over partitions.
func PartitionKey(topic string, msg *message.Message) (string, error) {
	if key := msg.Metadata.Get(metadatapkg.KeyPartitionKey); key != "" {
		return key, nil
	}
	return msg.UUID, nil
}

// Build creates a new Kafka transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	brokers := cfg.GetKafkaBrokers()
	marshaler := kafka.NewWithPartitioningMarshaler(PartitionKey)

	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:               brokers,
			Marshaler:             marshaler,
			OverwriteSaramaConfig: publisherSaramaConfig(cfg),
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	newGroupSubscriber := func(group string) (message.Subscriber, error) {
		return SubscriberFactory(
			kafka.SubscriberConfig{
				Brokers:               brokers,
				Unmarshaler:           marshaler,
				ConsumerGroup:         group,
				OverwriteSaramaConfig: subscriberSaramaConfig(cfg),
			},
			logger,
		)
	}

	subscriber, err := newGroupSubscriber(cfg.GetKafkaConsumerGroup())
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:          publisher,
		Subscriber:         subscriber,
		NewGroupSubscriber: newGroupSubscriber,
	}, nil
}

func publisherSaramaConfig(cfg transport.Config) *sarama.Config {
	sc := kafka.DefaultSaramaSyncPublisherConfig()
	sc.Producer.Partitioner = sarama.NewHashPartitioner
	sc.Producer.RequiredAcks = sarama.WaitForAll
	if id := clientID(cfg); id != "" {
		sc.ClientID = id
	}
	return sc
}

func subscriberSaramaConfig(cfg transport.Config) *sarama.Config {
	sc := kafka.DefaultSaramaSubscriberConfig()
	sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	if id := clientID(cfg); id != "" {
		sc.ClientID = id
	}
	return sc
}

func clientID(cfg transport.Config) string {
	if id := cfg.GetKafkaClientID(); id != "" {
		return id
	}
	return cfg.GetProducer()
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}
