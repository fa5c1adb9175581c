package transport_test

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/cqrsflow/internal/runtime/errors"
	"github.com/drblury/cqrsflow/transport"
	"github.com/drblury/cqrsflow/transport/transporttest"
)

func TestNewClientRequiresPubSub(t *testing.T) {
	_, err := transport.NewClient(transport.Transport{Subscriber: &transporttest.Subscriber{}}, transport.Capabilities{})
	assert.ErrorIs(t, err, errspkg.ErrPublisherRequired)

	_, err = transport.NewClient(transport.Transport{Publisher: &transporttest.Publisher{}}, transport.Capabilities{})
	assert.ErrorIs(t, err, errspkg.ErrSubscriberRequired)
}

func TestClientSend(t *testing.T) {
	pub := &transporttest.Publisher{}
	client, err := transport.NewClient(transport.Transport{Publisher: pub, Subscriber: &transporttest.Subscriber{}}, transport.ChannelCapabilities)
	require.NoError(t, err)

	msg := message.NewMessage("m1", []byte("x"))
	require.NoError(t, client.Send(context.Background(), "orders", msg))
	assert.Len(t, pub.Messages("orders"), 1)

	assert.ErrorIs(t, client.Send(context.Background(), "", msg), errspkg.ErrTopicRequired)

	pub.Err = errors.New("broker down")
	err = client.Send(context.Background(), "orders", msg)
	var transportErr *errspkg.TransportError
	require.ErrorAs(t, err, &transportErr)
	assert.Equal(t, "orders", transportErr.Topic)
}

func TestClientGroupSubscribers(t *testing.T) {
	shared := &transporttest.Subscriber{}
	created := map[string]*transporttest.Subscriber{}
	client, err := transport.NewClient(transport.Transport{
		Publisher:  &transporttest.Publisher{},
		Subscriber: shared,
		NewGroupSubscriber: func(group string) (message.Subscriber, error) {
			sub := &transporttest.Subscriber{}
			created[group] = sub
			return sub, nil
		},
	}, transport.KafkaCapabilities)
	require.NoError(t, err)

	sub, err := client.Subscriber("")
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	assert.Zero(t, shared.Closed)

	first, err := client.Subscriber("billing")
	require.NoError(t, err)
	second, err := client.Subscriber("billing")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Len(t, created, 1)

	_, err = client.Subscribe(context.Background(), "events", "shipping")
	require.NoError(t, err)
	assert.Equal(t, []string{"events"}, created["shipping"].Topics)

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
	assert.Equal(t, 1, shared.Closed)
	assert.Equal(t, 1, created["billing"].Closed)
	assert.Equal(t, 1, created["shipping"].Closed)

	err = client.Send(context.Background(), "orders", message.NewMessage("m", nil))
	assert.ErrorIs(t, err, errspkg.ErrStopped)
}
