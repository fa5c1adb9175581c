package handlers

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	envelopepkg "github.com/drblury/cqrsflow/internal/runtime/envelope"
	errspkg "github.com/drblury/cqrsflow/internal/runtime/errors"
)

type createOrder struct {
	OrderID string `json:"order_id"`
}

func (createOrder) MessageType() string { return "orders.CreateOrder" }

type orderCreated struct {
	OrderID string `json:"order_id"`
}

func (orderCreated) MessageType() string { return "orders.OrderCreated" }

func newContext(t *testing.T, v any, opts ...envelopepkg.Option) MessageContext {
	t.Helper()
	env, err := envelopepkg.Encode(envelopepkg.KindCommand, v, opts...)
	require.NoError(t, err)
	return NewMessageContext(env, nil)
}

func TestMessageContextAccessors(t *testing.T) {
	saga := &envelopepkg.SagaInfo{SagaID: "s-1", SagaType: "checkout"}
	mc := newContext(t, &createOrder{OrderID: "1"}, envelopepkg.WithKey("order-1"), envelopepkg.WithSaga(saga), envelopepkg.WithHeader("tenant", "acme"))

	assert.NotEmpty(t, mc.MessageID())
	assert.Equal(t, mc.MessageID(), mc.CorrelationID())
	assert.Equal(t, "orders.CreateOrder", mc.TypeTag())
	assert.Equal(t, "order-1", mc.Key())
	assert.Equal(t, saga, mc.Saga())
	assert.Equal(t, "acme", mc.Headers()["tenant"])
	assert.NotNil(t, mc.Logger)

	var decoded createOrder
	require.NoError(t, mc.Decode(&decoded))
	assert.Equal(t, "1", decoded.OrderID)
}

func TestResult(t *testing.T) {
	evt := NewEvent("order-1", "Order", &orderCreated{OrderID: "1"}).WithHeader("source", "test")
	ok := Success("accepted", evt)
	assert.False(t, ok.IsFault())
	assert.Nil(t, ok.Fault())
	assert.Equal(t, "accepted", ok.Reply())
	require.Len(t, ok.Events(), 1)
	assert.Equal(t, "test", ok.Events()[0].Headers["source"])

	failed := Failed("validation", "quantity must be positive")
	assert.True(t, failed.IsFault())
	assert.Equal(t, "validation", failed.Fault().Code)
	assert.Empty(t, failed.Events())

	failed.Fault().Code = "mutated"
	assert.Equal(t, "validation", failed.Fault().Code)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	handler := CommandHandlerFunc(func(ctx context.Context, mc MessageContext) (Result, error) {
		return Success(nil), nil
	})

	require.NoError(t, r.RegisterHandler("b", handler))
	require.NoError(t, r.Register("a", func() CommandHandler { return handler }))
	assert.ErrorIs(t, r.RegisterHandler("a", handler), errspkg.ErrHandlerRegistered)
	assert.ErrorIs(t, r.RegisterHandler("", handler), errspkg.ErrTypeTagRequired)
	assert.ErrorIs(t, r.Register("c", nil), errspkg.ErrHandlerRequired)
	assert.ErrorIs(t, r.RegisterHandler("c", nil), errspkg.ErrHandlerRequired)

	assert.Equal(t, []string{"a", "b"}, r.Types())
	_, ok := r.Resolve("a")
	assert.True(t, ok)
	_, ok = r.Resolve("missing")
	assert.False(t, ok)
}

func TestHandleTyped(t *testing.T) {
	r := NewRegistry()
	var got string
	require.NoError(t, Handle(r, func(ctx context.Context, mc MessageContext, cmd *createOrder) (Result, error) {
		got = cmd.OrderID
		return Success(nil), nil
	}))

	h, ok := r.Resolve("orders.CreateOrder")
	require.True(t, ok)
	_, err := h.Handle(context.Background(), newContext(t, &createOrder{OrderID: "42"}))
	require.NoError(t, err)
	assert.Equal(t, "42", got)

	env, err := envelopepkg.New(envelopepkg.KindCommand, "orders.CreateOrder", []byte("{not json"))
	require.NoError(t, err)
	_, err = h.Handle(context.Background(), NewMessageContext(env, nil))
	assert.ErrorContains(t, err, "decode orders.CreateOrder")
}

func TestHandleTypedRejectsBadTypes(t *testing.T) {
	r := NewRegistry()
	err := Handle(r, func(ctx context.Context, mc MessageContext, cmd createOrder) (Result, error) {
		return Success(nil), nil
	})
	assert.ErrorIs(t, err, errspkg.ErrPointerRequired)

	err = Handle(r, func(ctx context.Context, mc MessageContext, cmd *struct{ ID string }) (Result, error) {
		return Success(nil), nil
	})
	assert.ErrorIs(t, err, errspkg.ErrTypeTagRequired)

	assert.ErrorIs(t, Handle[*createOrder](r, nil), errspkg.ErrHandlerRequired)
}

func TestEventRegistry(t *testing.T) {
	r := NewEventRegistry()
	var calls []string
	require.NoError(t, On(r, "projection", func(ctx context.Context, mc MessageContext, evt *orderCreated) error {
		calls = append(calls, "projection:"+evt.OrderID)
		return nil
	}))
	require.NoError(t, r.Register("orders.OrderCreated", "", EventHandlerFunc(func(ctx context.Context, mc MessageContext) error {
		calls = append(calls, "anonymous")
		return errors.New("boom")
	})))
	assert.ErrorIs(t, r.Register("orders.OrderCreated", "projection", EventHandlerFunc(func(context.Context, MessageContext) error { return nil })), errspkg.ErrHandlerRegistered)

	hs := r.Handlers("orders.OrderCreated")
	require.Len(t, hs, 2)
	assert.Equal(t, "projection", hs[0].Name)
	assert.Equal(t, "orders.OrderCreated#2", hs[1].Name)

	mc := newContext(t, &orderCreated{OrderID: "7"})
	require.NoError(t, hs[0].Handler.HandleEvent(context.Background(), mc))
	assert.Error(t, hs[1].Handler.HandleEvent(context.Background(), mc))
	assert.Equal(t, []string{"projection:7", "anonymous"}, calls)
	assert.Empty(t, r.Handlers("unknown"))
}
