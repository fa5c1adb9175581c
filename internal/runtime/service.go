package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/cqrsflow/internal/runtime/bus"
	configpkg "github.com/drblury/cqrsflow/internal/runtime/config"
	"github.com/drblury/cqrsflow/internal/runtime/consumer"
	"github.com/drblury/cqrsflow/internal/runtime/distributor"
	errspkg "github.com/drblury/cqrsflow/internal/runtime/errors"
	"github.com/drblury/cqrsflow/internal/runtime/events"
	"github.com/drblury/cqrsflow/internal/runtime/handlers"
	"github.com/drblury/cqrsflow/internal/runtime/ids"
	"github.com/drblury/cqrsflow/internal/runtime/keylock"
	loggingpkg "github.com/drblury/cqrsflow/internal/runtime/logging"
	"github.com/drblury/cqrsflow/internal/runtime/metrics"
	"github.com/drblury/cqrsflow/internal/runtime/middleware"
	"github.com/drblury/cqrsflow/internal/runtime/saga"
	"github.com/drblury/cqrsflow/internal/runtime/store"
	"github.com/drblury/cqrsflow/internal/runtime/store/sqlstore"
	"github.com/drblury/cqrsflow/internal/runtime/uow"
	"github.com/drblury/cqrsflow/transport"
)

const (
	defaultEventTopic = "events"
	defaultProducer   = "cqrsflow"
	repliesSuffix     = ".replies"
)

// Role selects the components a process runs. Every process can send
// commands through the bus.
type Role uint8

const (
	// RoleDistributor routes the command queue to the worker queues.
	RoleDistributor Role = 1 << iota
	// RoleWorker runs one command consumer per worker queue.
	RoleWorker
	// RoleEvents subscribes the registered event handlers.
	RoleEvents

	RoleAll = RoleDistributor | RoleWorker | RoleEvents
)

// Has reports whether r includes role.
func (r Role) Has(role Role) bool { return r&role != 0 }

// ServiceDependencies holds optional collaborators. Nil fields are built
// from the configuration.
type ServiceDependencies struct {
	// Roles defaults to RoleAll.
	Roles Role
	// Transports resolves Config.PubSubSystem, defaulting to the registry the
	// transport packages register with.
	Transports *transport.Registry
	Store      store.MessageStore
	UnitOfWork uow.UnitOfWork
	SagaStore  saga.Repository
	SagaLocker saga.Locker
	// Registry receives the metrics. A private registry is used when nil.
	Registry *prometheus.Registry
	Hooks    middleware.Hooks
}

// component is the start/stop contract shared by every hosted part.
type component interface {
	Start(ctx context.Context) error
	Stop() error
}

// Service hosts the runtime components of one process over a shared
// transport client, message store, and metrics registry.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	// instance names this process in its default reply topic.
	instance string
	roles    Role
	hooks    middleware.Hooks
	client   *transport.Client
	commands *handlers.Registry
	events   *handlers.EventRegistry
	store    store.MessageStore
	unit     uow.UnitOfWork
	registry *prometheus.Registry
	metrics  *metrics.Collectors
	sagas    *saga.Coordinator

	publisher   *events.Publisher
	consumers   []*consumer.Consumer
	distributor *distributor.Distributor
	subscriber  *events.Subscriber
	bus         *bus.CommandBus

	closers []func() error

	httpServers   map[int]*httpServer
	httpServersMu sync.Mutex
	resources     *resourceTracker

	mu      sync.Mutex
	running bool
	closed  bool
}

// NewService connects the transport and the stores and builds every
// component selected by deps.Roles. Register handlers through Commands and
// Events before calling Start.
func NewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := configpkg.ValidateConfig(conf); err != nil {
		return nil, err
	}
	log.Info("Creating cqrs service", loggingpkg.LogFields{
		"pubsub_system": conf.PubSubSystem,
		"config":        conf.String(),
	})

	s := &Service{
		Conf:      conf,
		Logger:    log,
		instance:  strings.ToLower(ids.NewMessageID()),
		roles:     deps.Roles,
		hooks:     deps.Hooks,
		commands:  handlers.NewRegistry(),
		events:    handlers.NewEventRegistry(),
		registry:  deps.Registry,
		resources: newResourceTracker(),
	}
	if s.roles == 0 {
		s.roles = RoleAll
	}
	if s.registry == nil {
		s.registry = prometheus.NewRegistry()
	}
	s.metrics = metrics.New(s.registry)
	if err := s.metrics.Register(); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	if err := s.build(ctx, deps); err != nil {
		return nil, errors.Join(err, s.release())
	}
	if conf.MetricsEnabled {
		s.registerIntrospection(conf.MetricsPort)
	}
	return s, nil
}

func (s *Service) build(ctx context.Context, deps ServiceDependencies) error {
	if err := s.buildTransport(ctx, deps.Transports); err != nil {
		return err
	}
	sagaRepo, err := s.buildStore(ctx, deps)
	if err != nil {
		return err
	}
	if err := s.buildSagas(sagaRepo, deps.SagaLocker); err != nil {
		return err
	}
	return s.buildComponents()
}

func (s *Service) buildTransport(ctx context.Context, registry *transport.Registry) error {
	wmLogger := loggingpkg.NewWatermillAdapter(s.Logger)
	var (
		built transport.Transport
		caps  transport.Capabilities
		err   error
	)
	if registry != nil {
		built, err = registry.Build(ctx, s.Conf, wmLogger)
		caps = registry.GetCapabilities(s.Conf.PubSubSystem)
	} else {
		built, err = transport.Build(ctx, s.Conf, wmLogger)
		caps = transport.GetCapabilities(s.Conf.PubSubSystem)
	}
	if err != nil {
		return fmt.Errorf("build transport %q: %w", s.Conf.PubSubSystem, err)
	}

	client, err := transport.NewClient(built, caps)
	if err != nil {
		return err
	}
	s.client = client
	s.closers = append(s.closers, client.Close)
	if !caps.SupportsReliableDelivery() {
		s.Logger.Info("Transport does not guarantee delivery across restarts", loggingpkg.LogFields{
			"pubsub_system": s.Conf.PubSubSystem,
		})
	}
	return nil
}

// buildStore opens the message store and returns the saga repository that
// shares its database, if any.
func (s *Service) buildStore(ctx context.Context, deps ServiceDependencies) (saga.Repository, error) {
	s.unit = deps.UnitOfWork
	sagaRepo := deps.SagaStore

	switch {
	case deps.Store != nil:
		s.store = deps.Store
	case s.Conf.StoreDriver == "" || s.Conf.StoreDriver == configpkg.StoreMemory:
		s.store = store.NewMemory()
	default:
		sqlStore, err := sqlstore.Open(ctx, sqlstore.Config{Driver: s.Conf.StoreDriver, DSN: s.Conf.StoreDSN})
		if err != nil {
			return nil, err
		}
		s.store = sqlStore
		s.closers = append(s.closers, sqlStore.Close)
		if s.unit == nil {
			s.unit = uow.NewSQL(sqlStore.DB())
		}
		if sagaRepo == nil {
			repo := saga.NewSQLRepository(sqlStore.DB(), sqlStore.Dialect())
			if err := repo.Migrate(ctx); err != nil {
				return nil, err
			}
			sagaRepo = repo
		}
	}

	if s.unit == nil {
		s.unit = uow.Passthrough{}
	}
	if sagaRepo == nil {
		sagaRepo = saga.NewMemoryRepository()
	}
	return sagaRepo, nil
}

func (s *Service) buildSagas(repo saga.Repository, locker saga.Locker) error {
	if locker == nil && len(s.Conf.RedisAddress) > 0 {
		client, err := saga.DialRedis(s.Conf.RedisAddress)
		if err != nil {
			return err
		}
		s.closers = append(s.closers, func() error {
			client.Close()
			return nil
		})
		redisLocker, err := saga.NewRedisLocker(client, saga.RedisLockerConfig{
			Prefix: s.producer() + ":saga:",
			TTL:    s.Conf.SagaLockLease(),
		})
		if err != nil {
			return err
		}
		locker = redisLocker
	}

	coordinator, err := saga.NewCoordinator(repo, locker, s.Conf.SagaRetries(), s.Logger)
	if err != nil {
		return err
	}
	s.sagas = coordinator
	return nil
}

func (s *Service) buildComponents() error {
	attempts := s.Conf.PublishAttempts()
	initial, maxInterval := s.Conf.PublishIntervals()
	eventTopic := s.eventTopic()
	deadLetters := s.Conf.QueueName(s.Conf.DeadLetterQueue)

	publisher, err := events.NewPublisher(s.client, events.PublisherConfig{
		Topic:           eventTopic,
		MaxAttempts:     attempts,
		InitialInterval: initial,
		MaxInterval:     maxInterval,
	}, s.Logger, s.metrics)
	if err != nil {
		return err
	}
	s.publisher = publisher

	if s.roles.Has(RoleWorker) {
		policy, err := consumer.PolicyFromConfig(s.Conf)
		if err != nil {
			return err
		}
		locks := keylock.New[string]()
		for _, queue := range s.Conf.WorkerQueueNames() {
			c, err := consumer.New(consumer.Config{
				Queue:           queue,
				Group:           queue,
				DeadLetterQueue: deadLetters,
				Policy:          policy,
				Producer:        s.producer(),
				CloseTimeout:    s.Conf.GracePeriod(),
				Hooks:           s.hooks,
			}, consumer.Dependencies{
				Transport:  s.client,
				Handlers:   s.commands,
				Store:      s.store,
				Events:     publisher,
				UnitOfWork: s.unit,
				Locks:      locks,
				Logger:     s.Logger,
				Metrics:    s.metrics,
			})
			if err != nil {
				return fmt.Errorf("consumer %s: %w", queue, err)
			}
			s.consumers = append(s.consumers, c)
		}
	}

	if s.roles.Has(RoleDistributor) {
		d, err := distributor.New(distributor.Config{
			Queue:           s.Conf.CommandQueueName(),
			Group:           s.Conf.CommandQueueName(),
			Workers:         s.Conf.WorkerQueueNames(),
			DeadLetterQueue: deadLetters,
			Producer:        s.producer(),
			MaxAttempts:     attempts,
			InitialInterval: initial,
			MaxInterval:     maxInterval,
			CloseTimeout:    s.Conf.GracePeriod(),
			Hooks:           s.hooks,
		}, s.client, s.Logger, s.metrics)
		if err != nil {
			return err
		}
		s.distributor = d
	}

	if s.roles.Has(RoleEvents) {
		sub, err := events.NewSubscriber(s.client, s.events, events.SubscriberConfig{
			Topic:               eventTopic,
			Group:               s.Conf.ConsumerGroupName(),
			AckOnHandlerFailure: s.Conf.EventFailurePolicy == configpkg.EventFailureAck,
			CloseTimeout:        s.Conf.GracePeriod(),
			Hooks:               s.hooks,
		}, s.Logger, s.metrics)
		if err != nil {
			return err
		}
		s.subscriber = sub
	}

	replyTopic := s.Conf.QueueName(s.Conf.ReplyTopic)
	if replyTopic == "" {
		replyTopic = s.Conf.QueueName(s.producer() + "." + s.instance + repliesSuffix)
	}
	b, err := bus.New(bus.Config{
		Queue:          s.Conf.CommandQueueName(),
		ReplyTopic:     replyTopic,
		DefaultTimeout: s.Conf.DefaultCommandTimeout(),
		Producer:       s.producer(),
	}, s.client, s.Logger, s.metrics)
	if err != nil {
		return err
	}
	s.bus = b
	return nil
}

func (s *Service) producer() string {
	if s.Conf.Producer != "" {
		return s.Conf.Producer
	}
	return defaultProducer
}

func (s *Service) eventTopic() string {
	if s.Conf.EventTopic != "" {
		return s.Conf.QueueName(s.Conf.EventTopic)
	}
	return s.Conf.QueueName(defaultEventTopic)
}

// Commands is the command handler registry used by the consumers.
func (s *Service) Commands() *handlers.Registry { return s.commands }

// Events is the event handler registry used by the subscriber.
func (s *Service) Events() *handlers.EventRegistry { return s.events }

// Bus returns the command bus.
func (s *Service) Bus() *bus.CommandBus { return s.bus }

// Sagas returns the saga coordinator.
func (s *Service) Sagas() *saga.Coordinator { return s.sagas }

// Store returns the message store.
func (s *Service) Store() store.MessageStore { return s.store }

// UnitOfWork returns the transaction boundary shared with the store.
func (s *Service) UnitOfWork() uow.UnitOfWork { return s.unit }

// Metrics returns the service's collectors.
func (s *Service) Metrics() *metrics.Collectors { return s.metrics }

// Registry returns the Prometheus registry the collectors live in.
func (s *Service) Registry() *prometheus.Registry { return s.registry }

// EventFailures returns the recent failed event handler invocations.
func (s *Service) EventFailures() []events.HandlerFailure {
	if s.subscriber == nil {
		return nil
	}
	return s.subscriber.Failures()
}

// HandleCommand registers a typed command handler on svc.
func HandleCommand[T any](svc *Service, handler handlers.TypedCommandHandler[T]) error {
	return handlers.Handle(svc.commands, handler)
}

// OnEvent registers a named typed event handler on svc.
func OnEvent[T any](svc *Service, name string, handler handlers.TypedEventHandler[T]) error {
	return handlers.On(svc.events, name, handler)
}

func (s *Service) components() []component {
	parts := []component{s.publisher}
	for _, c := range s.consumers {
		parts = append(parts, c)
	}
	if s.distributor != nil {
		parts = append(parts, s.distributor)
	}
	if s.subscriber != nil {
		parts = append(parts, s.subscriber)
	}
	return append(parts, s.bus)
}

// Start starts the components, consumers before the distributor feeding
// them, then the HTTP servers. Calling Start on a running service is a no-op.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errspkg.ErrStopped
	}
	if s.running {
		return nil
	}

	parts := s.components()
	for i, part := range parts {
		if err := part.Start(ctx); err != nil {
			return errors.Join(err, stopAll(parts[:i]))
		}
	}
	if err := s.startHTTPServers(); err != nil {
		return errors.Join(err, stopAll(parts))
	}

	s.running = true
	s.Logger.Info("Service started", loggingpkg.LogFields{
		"consumers":   len(s.consumers),
		"distributor": s.distributor != nil,
		"events":      s.subscriber != nil,
	})
	return nil
}

// Stop stops the components in reverse start order, waiting for in-flight
// handlers. The service can be started again.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	s.running = false

	err := errors.Join(s.stopHTTPServers(ctx), stopAll(s.components()))
	s.Logger.Info("Service stopped", nil)
	return err
}

// Close stops the service and releases the transport and the stores.
func (s *Service) Close(ctx context.Context) error {
	stopErr := s.Stop(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stopErr
	}
	s.closed = true
	return errors.Join(stopErr, s.release())
}

func (s *Service) release() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

func stopAll(parts []component) error {
	var errs []error
	for i := len(parts) - 1; i >= 0; i-- {
		if err := parts[i].Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RegisterHTTPHandler mounts handler on the server listening on port. The
// server starts with the service.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*httpServer)
	}
	srv, ok := s.httpServers[port]
	if !ok {
		srv = newHTTPServer(port)
		s.httpServers[port] = srv
	}
	srv.mux.Handle(pattern, handler)
}
