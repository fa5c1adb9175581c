// Package channel provides the in-memory Go channel transport, used for tests
// and single-process deployments.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/cqrsflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// DefaultConfig keeps per-topic order by blocking Publish until every
// subscriber acked. A handler must therefore never wait synchronously for a
// message that only it can consume.
var DefaultConfig = gochannel.Config{
	OutputChannelBuffer:            64,
	BlockPublishUntilSubscriberAck: true,
}

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	Register()
}

// Register registers the channel transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates a new Go channel transport. Messages published before a
// subscriber exists are dropped.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	return New(logger), nil
}

// New creates a channel transport without going through the registry.
func New(logger watermill.LoggerAdapter) transport.Transport {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	pub, sub := Factory(DefaultConfig, logger)
	return transport.Transport{
		Publisher:  pub,
		Subscriber: sub,
	}
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
