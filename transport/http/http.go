// Package http provides the HTTP transport. Publishing POSTs each message to
// <publisher url>/<topic>; subscribing serves POST /<topic> on the local
// server address. There are no consumer groups and no durability.
package http

import (
	"context"
	nethttp "net/http"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-http/v2/pkg/http"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/cqrsflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "http"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(config http.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return http.NewPublisher(config, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(addr string, config http.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return http.NewSubscriber(addr, config, logger)
}

func init() {
	Register()
}

// Register registers the HTTP transport with the default registry.
func Register() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.HTTPCapabilities)
}

// Build creates a new HTTP transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	base := strings.TrimSuffix(cfg.GetHTTPPublisherURL(), "/")

	publisher, err := PublisherFactory(
		http.PublisherConfig{
			MarshalMessageFunc: func(topic string, msg *message.Message) (*nethttp.Request, error) {
				return http.DefaultMarshalMessageFunc(base+TopicPath(topic), msg)
			},
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		cfg.GetHTTPServerAddress(),
		http.SubscriberConfig{
			UnmarshalMessageFunc: http.DefaultUnmarshalMessageFunc,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: &serverSubscriber{Subscriber: subscriber, logger: logger},
	}, nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.HTTPCapabilities
}

// TopicPath returns the URL path a topic is served on.
func TopicPath(topic string) string {
	return "/" + strings.TrimPrefix(topic, "/")
}

// serverSubscriber maps topics to URL paths and starts the HTTP server once
// the first route is registered.
type serverSubscriber struct {
	message.Subscriber
	logger watermill.LoggerAdapter
	once   sync.Once
}

func (s *serverSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	messages, err := s.Subscriber.Subscribe(ctx, TopicPath(topic))
	if err != nil {
		return nil, err
	}
	s.once.Do(s.startServer)
	return messages, nil
}

func (s *serverSubscriber) startServer() {
	server, ok := s.Subscriber.(*http.Subscriber)
	if !ok {
		return
	}
	go func() {
		if err := server.StartHTTPServer(); err != nil && err != nethttp.ErrServerClosed {
			s.logger.Error("HTTP subscriber server stopped", err, nil)
		}
	}()
}
