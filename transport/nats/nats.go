// Package nats provides the NATS transport. Core NATS is the default;
// JetStream persistence is switched on by config.
package nats

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	natsgo "github.com/nats-io/nats.go"

	"github.com/drblury/cqrsflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats"

const reconnectWait = 2 * time.Second

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the NATS transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.NATSCapabilities)
}

// Build creates a new NATS transport. Group subscribers join a queue group
// named after the group, so members of one group share the subject.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetNATSURL()
	marshaler := &nats.NATSMarshaler{}
	options := connectOptions(cfg)

	publisher, err := PublisherFactory(
		nats.PublisherConfig{
			URL:         url,
			NatsOptions: options,
			Marshaler:   marshaler,
			JetStream:   jetStreamConfig(cfg, ""),
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	newSubscriber := func(group string) (message.Subscriber, error) {
		return SubscriberFactory(
			nats.SubscriberConfig{
				URL:              url,
				QueueGroupPrefix: group,
				SubscribersCount: 1,
				NatsOptions:      options,
				Unmarshaler:      marshaler,
				JetStream:        jetStreamConfig(cfg, group),
			},
			logger,
		)
	}

	subscriber, err := newSubscriber("")
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:          publisher,
		Subscriber:         subscriber,
		NewGroupSubscriber: newSubscriber,
	}, nil
}

func connectOptions(cfg transport.Config) []natsgo.Option {
	options := []natsgo.Option{
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(reconnectWait),
	}
	if producer := cfg.GetProducer(); producer != "" {
		options = append(options, natsgo.Name(producer))
	}
	return options
}

func jetStreamConfig(cfg transport.Config, durable string) nats.JetStreamConfig {
	return nats.JetStreamConfig{
		Disabled:      !cfg.GetNATSJetStream(),
		AutoProvision: true,
		DurablePrefix: durable,
	}
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}
