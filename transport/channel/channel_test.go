package channel

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/cqrsflow/transport"
	"github.com/drblury/cqrsflow/transport/transporttest"
)

func TestRegister(t *testing.T) {
	orig := transport.DefaultRegistry
	t.Cleanup(func() { transport.DefaultRegistry = orig })
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(TransportName)
	assert.Equal(t, "channel", caps.Name)
	assert.True(t, caps.SupportsOrdering)
	assert.True(t, caps.SupportsReliableDelivery())
	assert.False(t, caps.SupportsCompetingConsumers)
	assert.Equal(t, transport.ChannelCapabilities, Capabilities())
}

func TestBuildUsesFactory(t *testing.T) {
	orig := Factory
	t.Cleanup(func() { Factory = orig })

	pub := &transporttest.Publisher{}
	sub := &transporttest.Subscriber{}
	var got gochannel.Config
	Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
		got = cfg
		return pub, sub
	}

	tr, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Same(t, pub, tr.Publisher)
	assert.Same(t, sub, tr.Subscriber)
	assert.True(t, got.BlockPublishUntilSubscriberAck)
	assert.Nil(t, tr.NewGroupSubscriber)
}

func TestPublishPreservesOrder(t *testing.T) {
	tr := New(nil)
	t.Cleanup(func() { _ = tr.Publisher.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := tr.Subscriber.Subscribe(ctx, "ordered")
	require.NoError(t, err)

	received := make(chan string, 10)
	go func() {
		for msg := range ch {
			received <- msg.UUID
			msg.Ack()
		}
	}()

	for _, id := range []string{"1", "2", "3", "4", "5"} {
		require.NoError(t, tr.Publisher.Publish("ordered", message.NewMessage(id, nil)))
	}

	for _, want := range []string{"1", "2", "3", "4", "5"} {
		select {
		case got := <-received:
			assert.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for message %s", want)
		}
	}
}
