// Package storetest holds the behaviour every MessageStore must show.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/cqrsflow/internal/runtime/errors"
	"github.com/drblury/cqrsflow/internal/runtime/ids"
	"github.com/drblury/cqrsflow/internal/runtime/store"
)

// Factory returns an empty store for one subtest.
type Factory func(t *testing.T) store.MessageStore

// NewCommand returns a processed command record with a fresh id.
func NewCommand() *store.Command {
	id := ids.NewMessageID()
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &store.Command{
		Message: store.Message{
			ID:            id,
			CorrelationID: id,
			Topic:         "orders.worker.1",
			TypeTag:       "orders.CreateOrder",
			ContentType:   "json",
			Payload:       []byte(`{"order_id":"1"}`),
			SentAt:        now,
			ReceivedAt:    now,
			ProcessedAt:   now,
		},
		Status: store.StatusProcessed,
	}
}

// NewEvent returns an event record for aggregateID with a fresh id.
func NewEvent(aggregateID string) *store.Event {
	id := ids.NewMessageID()
	return &store.Event{
		Message: store.Message{
			ID:          id,
			Topic:       "orders.events",
			TypeTag:     "orders.OrderCreated",
			ContentType: "json",
			Payload:     []byte(`{"order_id":"1"}`),
			SentAt:      time.Now().UTC().Truncate(time.Millisecond),
		},
		AggregateID:   aggregateID,
		AggregateType: "Order",
	}
}

// Run exercises a MessageStore implementation.
func Run(t *testing.T, newStore Factory) {
	t.Run("save and read back", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		cmd := NewCommand()
		cmd.SagaID, cmd.SagaType = "saga-1", "checkout"
		cmd.ReplyTo = "replies"
		cmd.Reply = &store.Reply{MessageID: ids.NewMessageID(), TypeTag: "orders.Accepted", ContentType: "json", Payload: []byte(`{}`)}
		evt := NewEvent("order-1")

		require.NoError(t, s.Save(ctx, cmd, []*store.Event{evt}))
		assert.Equal(t, int64(1), evt.Version)
		assert.Equal(t, cmd.ID, evt.ParentID)

		status, ok, err := s.Exists(ctx, cmd.ID)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, store.StatusProcessed, status)

		got, err := s.Get(ctx, cmd.ID)
		require.NoError(t, err)
		assert.Equal(t, cmd.CorrelationID, got.CorrelationID)
		assert.Equal(t, "saga-1", got.SagaID)
		assert.Equal(t, "checkout", got.SagaType)
		assert.Equal(t, cmd.Payload, got.Payload)
		require.NotNil(t, got.Reply)
		assert.Equal(t, cmd.Reply.MessageID, got.Reply.MessageID)
		assert.Equal(t, cmd.Reply.Payload, got.Reply.Payload)
		assert.False(t, got.EventsPublished)

		children, err := s.Children(ctx, cmd.ID)
		require.NoError(t, err)
		require.Len(t, children, 1)
		assert.Equal(t, evt.ID, children[0].ID)
		assert.Equal(t, int64(1), children[0].Version)
		assert.Equal(t, "order-1", children[0].AggregateID)
	})

	t.Run("unknown ids", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		_, ok, err := s.Exists(ctx, "missing")
		require.NoError(t, err)
		assert.False(t, ok)

		_, err = s.Get(ctx, "missing")
		assert.ErrorIs(t, err, errspkg.ErrMessageNotFound)
		_, err = s.Children(ctx, "missing")
		assert.ErrorIs(t, err, errspkg.ErrMessageNotFound)
		_, err = s.Parent(ctx, "missing")
		assert.ErrorIs(t, err, errspkg.ErrMessageNotFound)
		assert.ErrorIs(t, s.MarkEventsPublished(ctx, "missing"), errspkg.ErrMessageNotFound)
	})

	t.Run("duplicate id writes nothing", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		cmd := NewCommand()
		require.NoError(t, s.Save(ctx, cmd, []*store.Event{NewEvent("order-1")}))

		again := NewCommand()
		again.ID = cmd.ID
		err := s.Save(ctx, again, []*store.Event{NewEvent("order-1")})
		var dup *errspkg.DuplicateMessageError
		require.ErrorAs(t, err, &dup)
		assert.Equal(t, cmd.ID, dup.MessageID)

		next := NewCommand()
		evt := NewEvent("order-1")
		require.NoError(t, s.Save(ctx, next, []*store.Event{evt}))
		assert.Equal(t, int64(2), evt.Version)
	})

	t.Run("versions increase per aggregate", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		a1, a2, b1 := NewEvent("a"), NewEvent("a"), NewEvent("b")
		require.NoError(t, s.Save(ctx, NewCommand(), []*store.Event{a1, a2, b1}))
		a3 := NewEvent("a")
		require.NoError(t, s.Save(ctx, NewCommand(), []*store.Event{a3}))

		assert.Equal(t, []int64{1, 2, 3}, []int64{a1.Version, a2.Version, a3.Version})
		assert.Equal(t, int64(1), b1.Version)
	})

	t.Run("event without aggregate is rejected", func(t *testing.T) {
		s := newStore(t)
		cmd := NewCommand()
		err := s.Save(context.Background(), cmd, []*store.Event{NewEvent("")})
		assert.ErrorIs(t, err, errspkg.ErrAggregateRequired)
		_, ok, _ := s.Exists(context.Background(), cmd.ID)
		assert.False(t, ok)
	})

	t.Run("faulted command", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		cmd := NewCommand()
		cmd.Status = store.StatusFaulted
		cmd.FaultCode, cmd.FaultDetail = "validation", "quantity must be positive"
		require.NoError(t, s.Save(ctx, cmd, nil))

		got, err := s.Get(ctx, cmd.ID)
		require.NoError(t, err)
		assert.Equal(t, store.StatusFaulted, got.Status)
		assert.Equal(t, "validation", got.FaultCode)
		assert.Equal(t, "quantity must be positive", got.FaultDetail)
		assert.Nil(t, got.Reply)

		children, err := s.Children(ctx, cmd.ID)
		require.NoError(t, err)
		assert.Empty(t, children)
	})

	t.Run("causal links", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		root := NewCommand()
		evt := NewEvent("order-1")
		require.NoError(t, s.Save(ctx, root, []*store.Event{evt}))

		reaction := NewCommand()
		reaction.ParentID = evt.ID
		require.NoError(t, s.Save(ctx, reaction, nil))

		parent, err := s.Parent(ctx, evt.ID)
		require.NoError(t, err)
		assert.Equal(t, root.ID, parent.ID)

		parent, err = s.Parent(ctx, reaction.ID)
		require.NoError(t, err)
		assert.Equal(t, evt.ID, parent.ID)

		_, err = s.Parent(ctx, root.ID)
		assert.ErrorIs(t, err, errspkg.ErrMessageNotFound)
	})

	t.Run("mark events published", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		cmd := NewCommand()
		require.NoError(t, s.Save(ctx, cmd, []*store.Event{NewEvent("order-1")}))
		require.NoError(t, s.MarkEventsPublished(ctx, cmd.ID))

		got, err := s.Get(ctx, cmd.ID)
		require.NoError(t, err)
		assert.True(t, got.EventsPublished)
	})

	t.Run("concurrent saves on one aggregate", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		const n = 10
		var wg sync.WaitGroup
		errs := make(chan error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- s.Save(ctx, NewCommand(), []*store.Event{NewEvent("hot")})
			}()
		}
		wg.Wait()
		close(errs)

		saved := 0
		for err := range errs {
			if err == nil {
				saved++
			}
		}
		require.Positive(t, saved)

		final := NewEvent("hot")
		require.NoError(t, s.Save(ctx, NewCommand(), []*store.Event{final}))
		assert.Equal(t, int64(saved+1), final.Version, fmt.Sprintf("saved=%d", saved))
	})
}
