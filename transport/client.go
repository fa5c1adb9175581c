package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/cqrsflow/internal/runtime/errors"
)

// Client is the send/subscribe/close surface the runtime components use. It
// caches one subscriber per consumer group and closes all of them once.
type Client struct {
	transport Transport
	caps      Capabilities

	shared *borrowedSubscriber

	mu        sync.Mutex
	groupSubs map[string]*borrowedSubscriber
	closed    bool
}

// borrowedSubscriber is handed to routers, which close their subscribers on
// shutdown. The client owns the real subscriber so a stopped component can
// be started again on the same connection.
type borrowedSubscriber struct {
	message.Subscriber
}

func (borrowedSubscriber) Close() error { return nil }

// NewClient wraps a built transport.
func NewClient(t Transport, caps Capabilities) (*Client, error) {
	if t.Publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if t.Subscriber == nil {
		return nil, errspkg.ErrSubscriberRequired
	}
	return &Client{
		transport: t,
		caps:      caps,
		shared:    &borrowedSubscriber{Subscriber: t.Subscriber},
		groupSubs: make(map[string]*borrowedSubscriber),
	}, nil
}

// Capabilities returns what the underlying broker guarantees.
func (c *Client) Capabilities() Capabilities { return c.caps }

// Publisher exposes the raw publisher for Watermill middleware such as the
// poison queue.
func (c *Client) Publisher() message.Publisher { return c.transport.Publisher }

// Send publishes msgs to topic. Failures are returned as *TransportError.
func (c *Client) Send(ctx context.Context, topic string, msgs ...*message.Message) error {
	if topic == "" {
		return errspkg.ErrTopicRequired
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return &errspkg.TransportError{Op: "publish", Topic: topic, Err: errspkg.ErrStopped}
	}
	for _, msg := range msgs {
		msg.SetContext(ctx)
	}
	if err := c.transport.Publisher.Publish(topic, msgs...); err != nil {
		return &errspkg.TransportError{Op: "publish", Topic: topic, Err: err}
	}
	return nil
}

// Subscriber returns the subscriber for group. Closing it is a no-op; the
// client closes the real subscriber in Close. An empty group, or a broker
// without consumer groups, yields the shared subscriber.
func (c *Client) Subscriber(group string) (message.Subscriber, error) {
	if group == "" || c.transport.NewGroupSubscriber == nil {
		return c.shared, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errspkg.ErrStopped
	}
	if sub, ok := c.groupSubs[group]; ok {
		return sub, nil
	}
	sub, err := c.transport.NewGroupSubscriber(group)
	if err != nil {
		return nil, &errspkg.TransportError{Op: "subscribe", Topic: group, Err: err}
	}
	borrowed := &borrowedSubscriber{Subscriber: sub}
	c.groupSubs[group] = borrowed
	return borrowed, nil
}

// Subscribe starts receiving topic as a member of group. Every delivered
// message must be acked or nacked.
func (c *Client) Subscribe(ctx context.Context, topic, group string) (<-chan *message.Message, error) {
	if topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	sub, err := c.Subscriber(group)
	if err != nil {
		return nil, err
	}
	ch, err := sub.Subscribe(ctx, topic)
	if err != nil {
		return nil, &errspkg.TransportError{Op: "subscribe", Topic: topic, Err: err}
	}
	return ch, nil
}

// Close closes the publisher and every subscriber. Later calls are no-ops.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	groupSubs := c.groupSubs
	c.groupSubs = nil
	c.mu.Unlock()

	var errs []error
	if err := c.transport.Publisher.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := c.transport.Subscriber.Close(); err != nil {
		errs = append(errs, err)
	}
	for _, sub := range groupSubs {
		if err := sub.Subscriber.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
