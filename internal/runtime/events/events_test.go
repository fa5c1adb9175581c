package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	envelopepkg "github.com/drblury/cqrsflow/internal/runtime/envelope"
	errspkg "github.com/drblury/cqrsflow/internal/runtime/errors"
	"github.com/drblury/cqrsflow/internal/runtime/handlers"
	loggingpkg "github.com/drblury/cqrsflow/internal/runtime/logging"
	"github.com/drblury/cqrsflow/transport"
	"github.com/drblury/cqrsflow/transport/channel"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type orderCreated struct {
	OrderID string `json:"order_id"`
}

func (orderCreated) MessageType() string { return "orders.OrderCreated" }

func newEvent(t *testing.T, orderID string, version int64) *envelopepkg.Envelope {
	t.Helper()
	env, err := envelopepkg.Encode(envelopepkg.KindEvent, &orderCreated{OrderID: orderID},
		envelopepkg.WithKey(orderID),
		envelopepkg.WithAggregate(envelopepkg.Aggregate{ID: orderID, Type: "order", Version: version}),
	)
	require.NoError(t, err)
	return env
}

type flakySender struct {
	mu       sync.Mutex
	failures int
	calls    int
	sent     []*message.Message
}

func (f *flakySender) Send(ctx context.Context, topic string, msgs ...*message.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failures {
		return &errspkg.TransportError{Op: "publish", Topic: topic, Err: errors.New("broker unavailable")}
	}
	f.sent = append(f.sent, msgs...)
	return nil
}

func fastPublisherConfig(attempts int) PublisherConfig {
	return PublisherConfig{Topic: "events", MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestPublisherRetriesTransientFailures(t *testing.T) {
	sender := &flakySender{failures: 2}
	pub, err := NewPublisher(sender, fastPublisherConfig(5), loggingpkg.NewNopLogger(), nil)
	require.NoError(t, err)

	evt := newEvent(t, "order-1", 1)
	require.NoError(t, pub.Publish(context.Background(), evt))
	assert.Equal(t, 3, sender.calls)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, evt.MessageID(), sender.sent[0].UUID)
}

func TestPublisherReturnsTransportErrorWhenExhausted(t *testing.T) {
	sender := &flakySender{failures: 10}
	pub, err := NewPublisher(sender, fastPublisherConfig(3), loggingpkg.NewNopLogger(), nil)
	require.NoError(t, err)

	err = pub.Publish(context.Background(), newEvent(t, "order-1", 1))
	var transportErr *errspkg.TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, "events", transportErr.Topic)
	assert.Equal(t, 3, sender.calls)
}

func TestPublisherValidation(t *testing.T) {
	_, err := NewPublisher(nil, fastPublisherConfig(1), loggingpkg.NewNopLogger(), nil)
	assert.ErrorIs(t, err, errspkg.ErrPublisherRequired)
	_, err = NewPublisher(&flakySender{}, PublisherConfig{}, loggingpkg.NewNopLogger(), nil)
	assert.ErrorIs(t, err, errspkg.ErrTopicRequired)

	pub, err := NewPublisher(&flakySender{}, fastPublisherConfig(1), loggingpkg.NewNopLogger(), nil)
	require.NoError(t, err)
	noAggregate, err := envelopepkg.Encode(envelopepkg.KindEvent, &orderCreated{OrderID: "x"})
	require.NoError(t, err)
	assert.ErrorIs(t, pub.Publish(context.Background(), noAggregate), errspkg.ErrAggregateRequired)
}

func TestPublisherStop(t *testing.T) {
	sender := &flakySender{}
	pub, err := NewPublisher(sender, fastPublisherConfig(1), loggingpkg.NewNopLogger(), nil)
	require.NoError(t, err)

	require.NoError(t, pub.Stop())
	require.NoError(t, pub.Stop())
	assert.ErrorIs(t, pub.Publish(context.Background(), newEvent(t, "order-1", 1)), errspkg.ErrStopped)

	require.NoError(t, pub.Start(context.Background()))
	assert.NoError(t, pub.Publish(context.Background(), newEvent(t, "order-1", 1)))
}

type staticSource struct{ sub message.Subscriber }

func (s staticSource) Subscriber(string) (message.Subscriber, error) { return s.sub, nil }

func newTestSubscriber(t *testing.T, registry *handlers.EventRegistry, cfg SubscriberConfig) *Subscriber {
	t.Helper()
	if cfg.Topic == "" {
		cfg.Topic = "events"
	}
	s, err := NewSubscriber(staticSource{}, registry, cfg, loggingpkg.NewNopLogger(), nil)
	require.NoError(t, err)
	return s
}

func TestDeliverFansOutToEveryHandler(t *testing.T) {
	registry := handlers.NewEventRegistry()
	var mu sync.Mutex
	var seen []string
	for _, name := range []string{"projection", "notifier"} {
		require.NoError(t, handlers.On(registry, name, func(ctx context.Context, mc handlers.MessageContext, evt *orderCreated) error {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, name+":"+evt.OrderID)
			return nil
		}))
	}

	s := newTestSubscriber(t, registry, SubscriberConfig{Group: "billing"})
	require.NoError(t, s.Deliver(context.Background(), newEvent(t, "order-1", 1)))
	assert.ElementsMatch(t, []string{"projection:order-1", "notifier:order-1"}, seen)
	assert.Empty(t, s.Failures())
}

func TestDeliverIsolatesFailingHandler(t *testing.T) {
	registry := handlers.NewEventRegistry()
	okCalls := 0
	require.NoError(t, registry.Register("orders.OrderCreated", "ok", handlers.EventHandlerFunc(func(context.Context, handlers.MessageContext) error {
		okCalls++
		return nil
	})))
	require.NoError(t, registry.Register("orders.OrderCreated", "broken", handlers.EventHandlerFunc(func(context.Context, handlers.MessageContext) error {
		return errors.New("projection unavailable")
	})))
	require.NoError(t, registry.Register("orders.OrderCreated", "panics", handlers.EventHandlerFunc(func(context.Context, handlers.MessageContext) error {
		panic("nil map")
	})))

	s := newTestSubscriber(t, registry, SubscriberConfig{Group: "billing"})
	evt := newEvent(t, "order-1", 1)
	err := s.Deliver(context.Background(), evt)
	require.Error(t, err)
	assert.ErrorContains(t, err, "projection unavailable")
	assert.Equal(t, 1, okCalls)

	failures := s.Failures()
	require.Len(t, failures, 2)
	names := []string{failures[0].Handler, failures[1].Handler}
	assert.ElementsMatch(t, []string{"broken", "panics"}, names)
	assert.Equal(t, evt.MessageID(), failures[0].MessageID)
}

func TestUndecodableEventIsAckedAndRecorded(t *testing.T) {
	registry := handlers.NewEventRegistry()
	calls := 0
	require.NoError(t, handlers.On(registry, "projection", func(context.Context, handlers.MessageContext, *orderCreated) error {
		calls++
		return nil
	}))

	s := newTestSubscriber(t, registry, SubscriberConfig{Group: "billing"})
	evt, err := envelopepkg.New(envelopepkg.KindEvent, "orders.OrderCreated", []byte(`{"order_id":`),
		envelopepkg.WithAggregate(envelopepkg.Aggregate{ID: "order-1", Type: "order", Version: 2}),
	)
	require.NoError(t, err)

	require.NoError(t, s.Deliver(context.Background(), evt))
	assert.Zero(t, calls)

	failures := s.Failures()
	require.Len(t, failures, 1)
	var undecodable *handlers.PayloadError
	assert.ErrorAs(t, failures[0].Err, &undecodable)

	require.NoError(t, s.Deliver(context.Background(), newEvent(t, "order-1", 1)))
	assert.Zero(t, calls, "older version is stale once the undecodable one was settled")
}

func TestDeliverAcksOnHandlerFailureWhenConfigured(t *testing.T) {
	registry := handlers.NewEventRegistry()
	require.NoError(t, registry.Register("orders.OrderCreated", "broken", handlers.EventHandlerFunc(func(context.Context, handlers.MessageContext) error {
		return errors.New("boom")
	})))

	s := newTestSubscriber(t, registry, SubscriberConfig{Group: "billing", AckOnHandlerFailure: true})
	assert.NoError(t, s.Deliver(context.Background(), newEvent(t, "order-1", 1)))
	assert.Len(t, s.Failures(), 1)
}

func TestDeliverDropsStaleVersions(t *testing.T) {
	registry := handlers.NewEventRegistry()
	var versions []int64
	require.NoError(t, registry.Register("orders.OrderCreated", "recorder", handlers.EventHandlerFunc(func(ctx context.Context, mc handlers.MessageContext) error {
		versions = append(versions, mc.Envelope.Aggregate().Version)
		return nil
	})))

	s := newTestSubscriber(t, registry, SubscriberConfig{Group: "billing"})
	for _, v := range []int64{1, 3, 2, 3, 4} {
		require.NoError(t, s.Deliver(context.Background(), newEvent(t, "order-1", v)))
	}
	require.NoError(t, s.Deliver(context.Background(), newEvent(t, "order-2", 1)))

	assert.Equal(t, []int64{1, 3, 3, 4, 1}, versions)
}

func TestFailedDeliveryDoesNotAdvanceHighWater(t *testing.T) {
	registry := handlers.NewEventRegistry()
	fail := true
	var versions []int64
	require.NoError(t, registry.Register("orders.OrderCreated", "flaky", handlers.EventHandlerFunc(func(ctx context.Context, mc handlers.MessageContext) error {
		v := mc.Envelope.Aggregate().Version
		if v == 2 && fail {
			fail = false
			return errors.New("try again")
		}
		versions = append(versions, v)
		return nil
	})))

	s := newTestSubscriber(t, registry, SubscriberConfig{Group: "billing"})
	require.NoError(t, s.Deliver(context.Background(), newEvent(t, "order-1", 1)))
	assert.Error(t, s.Deliver(context.Background(), newEvent(t, "order-1", 2)))
	require.NoError(t, s.Deliver(context.Background(), newEvent(t, "order-1", 2)))
	assert.Equal(t, []int64{1, 2}, versions)
}

func TestPublishSubscribeOverChannelTransport(t *testing.T) {
	client, err := transport.NewClient(channel.New(watermill.NopLogger{}), channel.Capabilities())
	require.NoError(t, err)
	defer client.Close()

	registry := handlers.NewEventRegistry()
	received := make(chan string, 3)
	require.NoError(t, handlers.On(registry, "collector", func(ctx context.Context, mc handlers.MessageContext, evt *orderCreated) error {
		received <- mc.CorrelationID()
		return nil
	}))

	s, err := NewSubscriber(client, registry, SubscriberConfig{Topic: "events", Group: "billing", CloseTimeout: time.Second}, loggingpkg.NewNopLogger(), nil)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()

	pub, err := NewPublisher(client, fastPublisherConfig(3), loggingpkg.NewNopLogger(), nil)
	require.NoError(t, err)

	var want []string
	for v := int64(1); v <= 3; v++ {
		evt := newEvent(t, "order-1", v)
		want = append(want, evt.CorrelationID())
		require.NoError(t, pub.Publish(context.Background(), evt))
	}

	var got []string
	for range want {
		select {
		case id := <-received:
			got = append(got, id)
		case <-time.After(2 * time.Second):
			t.Fatal("event not delivered")
		}
	}
	assert.Equal(t, want, got)
	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
}
