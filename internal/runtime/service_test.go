package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/drblury/cqrsflow/internal/runtime/bus"
	"github.com/drblury/cqrsflow/internal/runtime/codec"
	configpkg "github.com/drblury/cqrsflow/internal/runtime/config"
	envelopepkg "github.com/drblury/cqrsflow/internal/runtime/envelope"
	errspkg "github.com/drblury/cqrsflow/internal/runtime/errors"
	"github.com/drblury/cqrsflow/internal/runtime/handlers"
	loggingpkg "github.com/drblury/cqrsflow/internal/runtime/logging"
	"github.com/drblury/cqrsflow/internal/runtime/saga"
	"github.com/drblury/cqrsflow/internal/runtime/store"
	"github.com/drblury/cqrsflow/transport"
	"github.com/drblury/cqrsflow/transport/channel"
	"github.com/drblury/cqrsflow/transport/sqlqueue"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type placeOrder struct {
	OrderID string `json:"order_id"`
	Qty     int    `json:"qty"`
}

func (placeOrder) MessageType() string { return "orders.PlaceOrder" }

type orderAccepted struct {
	OrderID string `json:"order_id"`
}

func (orderAccepted) MessageType() string { return "orders.OrderAccepted" }

type orderPlaced struct {
	OrderID string `json:"order_id"`
}

func (orderPlaced) MessageType() string { return "orders.OrderPlaced" }

type checkoutState struct {
	Orders int `json:"orders"`
}

func channelRegistry() *transport.Registry {
	reg := transport.NewRegistry()
	reg.RegisterWithCapabilities(channel.TransportName, channel.Build, channel.Capabilities())
	return reg
}

func testConfig() *configpkg.Config {
	return &configpkg.Config{
		PubSubSystem:          channel.TransportName,
		Producer:              "orders",
		WorkerCount:           2,
		ConsumerFailurePolicy: configpkg.FailureRecord,
		CommandTimeout:        5 * time.Second,
		ShutdownGracePeriod:   time.Second,
	}
}

func newTestService(t *testing.T, conf *configpkg.Config, deps ServiceDependencies) *Service {
	t.Helper()
	if deps.Transports == nil {
		deps.Transports = channelRegistry()
	}
	svc, err := NewService(context.Background(), conf, loggingpkg.NewNopLogger(), deps)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, svc.Close(context.Background()))
	})
	return svc
}

func placeOrderHandler(svc *Service) handlers.TypedCommandHandler[*placeOrder] {
	return func(ctx context.Context, mc handlers.MessageContext, cmd *placeOrder) (handlers.Result, error) {
		if cmd.Qty <= 0 {
			return handlers.Failed("invalid_quantity", "quantity must be positive"), nil
		}
		if info := mc.Saga(); !info.IsZero() {
			err := saga.Update(ctx, svc.Sagas(), *info, func(ctx context.Context, state *checkoutState) error {
				state.Orders++
				return nil
			})
			if err != nil {
				return handlers.Result{}, err
			}
		}
		return handlers.Success(
			orderAccepted{OrderID: cmd.OrderID},
			handlers.NewEvent(cmd.OrderID, "order", orderPlaced{OrderID: cmd.OrderID}),
		), nil
	}
}

func TestNewServiceValidation(t *testing.T) {
	ctx := context.Background()

	_, err := NewService(ctx, testConfig(), nil, ServiceDependencies{})
	assert.ErrorIs(t, err, errspkg.ErrLoggerRequired)

	_, err = NewService(ctx, &configpkg.Config{PubSubSystem: "nats"}, loggingpkg.NewNopLogger(), ServiceDependencies{})
	assert.ErrorContains(t, err, "nats: URL is required")

	_, err = NewService(ctx, &configpkg.Config{PubSubSystem: "carrier-pigeon"}, loggingpkg.NewNopLogger(), ServiceDependencies{Transports: channelRegistry()})
	assert.ErrorContains(t, err, "carrier-pigeon")

	noPolicy := testConfig()
	noPolicy.ConsumerFailurePolicy = ""
	_, err = NewService(ctx, noPolicy, loggingpkg.NewNopLogger(), ServiceDependencies{Transports: channelRegistry()})
	assert.ErrorIs(t, err, errspkg.ErrFailurePolicyRequired)
}

func TestServiceHandlesCommandEndToEnd(t *testing.T) {
	svc := newTestService(t, testConfig(), ServiceDependencies{})

	placed := make(chan *orderPlaced, 1)
	require.NoError(t, HandleCommand(svc, placeOrderHandler(svc)))
	require.NoError(t, OnEvent(svc, "projection", func(ctx context.Context, mc handlers.MessageContext, evt *orderPlaced) error {
		placed <- evt
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, svc.Start(ctx))

	reply, err := svc.Bus().Send(ctx, &placeOrder{OrderID: "o-1", Qty: 2}, bus.WithKey("o-1"), bus.WithReply(5*time.Second))
	require.NoError(t, err)

	var accepted orderAccepted
	require.NoError(t, reply.Decode(&accepted))
	assert.Equal(t, "o-1", accepted.OrderID)
	assert.Equal(t, "orders.OrderAccepted", reply.TypeTag())

	select {
	case evt := <-placed:
		assert.Equal(t, "o-1", evt.OrderID)
	case <-ctx.Done():
		t.Fatal("event not delivered")
	}

	cmdID := reply.Envelope().CorrelationID()
	status, ok, err := svc.Store().Exists(ctx, cmdID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, store.StatusProcessed, status)

	children, err := svc.Store().Children(ctx, cmdID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, int64(1), children[0].Version)
}

func TestServiceReturnsHandlerFaultInReply(t *testing.T) {
	svc := newTestService(t, testConfig(), ServiceDependencies{})
	require.NoError(t, HandleCommand(svc, placeOrderHandler(svc)))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, svc.Start(ctx))

	reply, err := svc.Bus().Send(ctx, &placeOrder{OrderID: "o-2"}, bus.WithReply(5*time.Second))
	require.NoError(t, err)

	var fault *errspkg.HandlerFault
	require.ErrorAs(t, reply.Err(), &fault)
	assert.Equal(t, "invalid_quantity", fault.Code)
	assert.ErrorAs(t, reply.Decode(&orderAccepted{}), &fault)

	status, _, err := svc.Store().Exists(ctx, reply.Envelope().CorrelationID())
	require.NoError(t, err)
	assert.Equal(t, store.StatusFaulted, status)
}

func TestServiceAppliesSagaSteps(t *testing.T) {
	svc := newTestService(t, testConfig(), ServiceDependencies{})
	require.NoError(t, HandleCommand(svc, placeOrderHandler(svc)))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, svc.Start(ctx))

	info := envelopepkg.SagaInfo{SagaID: "checkout-1", SagaType: "checkout"}
	for _, id := range []string{"o-3", "o-4"} {
		_, err := svc.Bus().Send(ctx, &placeOrder{OrderID: id, Qty: 1}, bus.WithSaga(info), bus.WithReply(5*time.Second))
		require.NoError(t, err)
	}

	state, err := svc.Sagas().Load(ctx, "checkout-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), state.Version)

	var data checkoutState
	require.NoError(t, codec.Unmarshal(state.Data, &data))
	assert.Equal(t, 2, data.Orders)
}

func TestServiceStartStopLifecycle(t *testing.T) {
	svc := newTestService(t, testConfig(), ServiceDependencies{})
	ctx := context.Background()

	require.NoError(t, svc.Start(ctx))
	require.NoError(t, svc.Start(ctx))
	require.NoError(t, svc.Stop(ctx))
	require.NoError(t, svc.Stop(ctx))

	require.NoError(t, svc.Start(ctx))
	require.NoError(t, svc.Close(ctx))
	assert.ErrorIs(t, svc.Start(ctx), errspkg.ErrStopped)
}

func TestServiceRoles(t *testing.T) {
	svc := newTestService(t, testConfig(), ServiceDependencies{Roles: RoleDistributor})
	assert.Empty(t, svc.consumers)
	assert.NotNil(t, svc.distributor)
	assert.Nil(t, svc.subscriber)
	assert.NotNil(t, svc.Bus())

	conf := testConfig()
	conf.ConsumerFailurePolicy = ""
	client := newTestService(t, conf, ServiceDependencies{Roles: RoleEvents})
	assert.Empty(t, client.consumers)
	assert.Nil(t, client.distributor)
	assert.NotNil(t, client.subscriber)

	workers := newTestService(t, testConfig(), ServiceDependencies{Roles: RoleWorker})
	assert.Len(t, workers.consumers, 2)
	assert.Equal(t, "orders.worker.1", workers.consumers[0].Queue())
}

func TestServiceUsesProvidedDependencies(t *testing.T) {
	reg := prometheus.NewRegistry()
	mem := store.NewMemory()
	svc := newTestService(t, testConfig(), ServiceDependencies{Registry: reg, Store: mem})

	assert.Same(t, reg, svc.Registry())
	assert.Same(t, mem, svc.Store())
	assert.NotNil(t, svc.UnitOfWork())
	assert.NotNil(t, svc.Metrics())
}

func TestServiceWithSQLiteStore(t *testing.T) {
	conf := testConfig()
	conf.StoreDriver = configpkg.StoreSQLite
	conf.StoreDSN = "file:" + t.TempDir() + "/cqrs.db"

	svc := newTestService(t, conf, ServiceDependencies{})
	require.NoError(t, HandleCommand(svc, placeOrderHandler(svc)))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, svc.Start(ctx))

	info := envelopepkg.SagaInfo{SagaID: "checkout-sql", SagaType: "checkout"}
	reply, err := svc.Bus().Send(ctx, &placeOrder{OrderID: "o-5", Qty: 1}, bus.WithSaga(info), bus.WithReply(5*time.Second))
	require.NoError(t, err)
	require.NoError(t, reply.Err())

	state, err := svc.Sagas().Load(ctx, "checkout-sql")
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.Version)
}

func TestDefaultReplyTopicIsPerInstance(t *testing.T) {
	first := newTestService(t, testConfig(), ServiceDependencies{})
	second := newTestService(t, testConfig(), ServiceDependencies{})

	assert.True(t, strings.HasPrefix(first.Bus().ReplyTopic(), "orders."))
	assert.True(t, strings.HasSuffix(first.Bus().ReplyTopic(), ".replies"))
	assert.NotEqual(t, first.Bus().ReplyTopic(), second.Bus().ReplyTopic())

	conf := testConfig()
	conf.ReplyTopic = "orders.gateway.replies"
	named := newTestService(t, conf, ServiceDependencies{})
	assert.Equal(t, "orders.gateway.replies", named.Bus().ReplyTopic())
}

func TestProcessesSharingQueueKeepTheirReplies(t *testing.T) {
	reg := transport.NewRegistry()
	reg.RegisterWithCapabilities(sqlqueue.TransportName, sqlqueue.Build, transport.SQLCapabilities)
	dsn := "file:" + t.TempDir() + "/shared.db"

	sharedConfig := func() *configpkg.Config {
		conf := testConfig()
		conf.PubSubSystem = sqlqueue.TransportName
		conf.StoreDriver = configpkg.StoreSQLite
		conf.StoreDSN = dsn
		return conf
	}

	sender := newTestService(t, sharedConfig(), ServiceDependencies{Transports: reg})
	require.NoError(t, HandleCommand(sender, placeOrderHandler(sender)))
	bystander := newTestService(t, sharedConfig(), ServiceDependencies{Transports: reg, Roles: RoleEvents})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	require.NoError(t, sender.Start(ctx))
	require.NoError(t, bystander.Start(ctx))

	for i := range 5 {
		reply, err := sender.Bus().Send(ctx, &placeOrder{OrderID: fmt.Sprintf("o-shared-%d", i), Qty: 1}, bus.WithReply(5*time.Second))
		require.NoError(t, err, "send %d", i)
		require.NoError(t, reply.Err())
	}
}

func TestIntrospectionEndpoints(t *testing.T) {
	conf := testConfig()
	conf.MetricsEnabled = true
	conf.MetricsPort = 19191
	svc := newTestService(t, conf, ServiceDependencies{})
	require.NoError(t, HandleCommand(svc, placeOrderHandler(svc)))
	require.NoError(t, OnEvent(svc, "projection", func(context.Context, handlers.MessageContext, *orderPlaced) error {
		return nil
	}))
	svc.Metrics().DeadLettered("orders.dlq", "out_of_stock")

	mux := svc.httpServers[19191].mux
	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	rec := get("/api/handlers")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var summary HandlerSummary
	require.NoError(t, codec.Unmarshal(rec.Body.Bytes(), &summary))
	assert.Equal(t, []string{"orders.PlaceOrder"}, summary.Commands)
	assert.Equal(t, []string{"orders.OrderPlaced"}, summary.Events)

	rec = get("/api/dead-letters")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "orders.dlq")

	rec = get("/api/event-failures")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())

	rec = get("/api/resources")
	require.Equal(t, http.StatusOK, rec.Code)
	var usage ResourceUsage
	require.NoError(t, codec.Unmarshal(rec.Body.Bytes(), &usage))
	assert.Positive(t, usage.Goroutines)

	rec = get("/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cqrsflow_dead_letter_messages_total")

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/handlers", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHTTPServersFollowServiceLifecycle(t *testing.T) {
	svc := newTestService(t, testConfig(), ServiceDependencies{})
	svc.RegisterHTTPHandler(0, "/ping", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	ctx := context.Background()
	require.NoError(t, svc.Start(ctx))
	assert.NotNil(t, svc.httpServers[0].server)
	require.NoError(t, svc.Stop(ctx))
	assert.Nil(t, svc.httpServers[0].server)
}

func TestResourceTrackerSnapshot(t *testing.T) {
	tracker := newResourceTracker()
	now := time.Unix(0, 0)
	tracker.now = func() time.Time { return now }

	first := tracker.Snapshot()
	assert.Zero(t, first.CPUPercent)
	assert.Positive(t, first.MemoryBytes)
	assert.Positive(t, first.Goroutines)

	now = now.Add(time.Second)
	second := tracker.Snapshot()
	assert.GreaterOrEqual(t, second.CPUPercent, 0.0)

	var nilTracker *resourceTracker
	assert.Equal(t, ResourceUsage{}, nilTracker.Snapshot())
}

func TestRoleHas(t *testing.T) {
	assert.True(t, RoleAll.Has(RoleWorker))
	assert.False(t, RoleDistributor.Has(RoleEvents))
	assert.True(t, errors.Is(errspkg.ErrStopped, errspkg.ErrStopped))
}
