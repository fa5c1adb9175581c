package cqrsflow

import (
	"context"
	"log/slog"

	runtimepkg "github.com/drblury/cqrsflow/internal/runtime"
	buspkg "github.com/drblury/cqrsflow/internal/runtime/bus"
	configpkg "github.com/drblury/cqrsflow/internal/runtime/config"
	envelopepkg "github.com/drblury/cqrsflow/internal/runtime/envelope"
	errspkg "github.com/drblury/cqrsflow/internal/runtime/errors"
	handlerpkg "github.com/drblury/cqrsflow/internal/runtime/handlers"
	idspkg "github.com/drblury/cqrsflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/cqrsflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/cqrsflow/internal/runtime/metadata"
	middlewarepkg "github.com/drblury/cqrsflow/internal/runtime/middleware"
	sagapkg "github.com/drblury/cqrsflow/internal/runtime/saga"
	storepkg "github.com/drblury/cqrsflow/internal/runtime/store"
	transportpkg "github.com/drblury/cqrsflow/transport"
	_ "github.com/drblury/cqrsflow/transport/transports"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	Role                = runtimepkg.Role
	HandlerSummary      = runtimepkg.HandlerSummary
	ResourceUsage       = runtimepkg.ResourceUsage

	CommandBus  = buspkg.CommandBus
	Reply       = buspkg.Reply
	SendOption  = buspkg.SendOption
	Envelope    = envelopepkg.Envelope
	SagaInfo    = envelopepkg.SagaInfo
	Metadata    = metadatapkg.Metadata
	MessageKind = envelopepkg.Kind

	MessageContext             = handlerpkg.MessageContext
	Result                     = handlerpkg.Result
	Event                      = handlerpkg.Event
	CommandHandler             = handlerpkg.CommandHandler
	CommandHandlerFunc         = handlerpkg.CommandHandlerFunc
	TypedCommandHandler[T any] = handlerpkg.TypedCommandHandler[T]
	EventHandler               = handlerpkg.EventHandler
	EventHandlerFunc           = handlerpkg.EventHandlerFunc
	TypedEventHandler[T any]   = handlerpkg.TypedEventHandler[T]
	CommandRegistry            = handlerpkg.Registry
	EventRegistry              = handlerpkg.EventRegistry
	Hooks                      = middlewarepkg.Hooks
	HookContext                = middlewarepkg.HookContext
	MessageStore               = storepkg.MessageStore
	MessageStatus              = storepkg.Status
	SagaCoordinator            = sagapkg.Coordinator
	SagaState                  = sagapkg.State
	SagaRepository             = sagapkg.Repository
	SagaLocker                 = sagapkg.Locker
	LogFields                  = loggingpkg.LogFields
	ServiceLogger              = loggingpkg.ServiceLogger
	TransportRegistry          = transportpkg.Registry
	TransportCapabilities      = transportpkg.Capabilities
	TransportBuilder           = transportpkg.Builder
	ConfigValidationError      = errspkg.ConfigValidationError
	TimeoutError               = errspkg.TimeoutError
	HandlerFault               = errspkg.HandlerFault
	HandlerNotFoundError       = errspkg.HandlerNotFoundError
	DistributorRoutingError    = errspkg.DistributorRoutingError
	SagaConcurrencyError       = errspkg.SagaConcurrencyError
	DuplicateMessageError      = errspkg.DuplicateMessageError
	TransportError             = errspkg.TransportError
)

// Component roles of a Service.
const (
	RoleDistributor = runtimepkg.RoleDistributor
	RoleWorker      = runtimepkg.RoleWorker
	RoleEvents      = runtimepkg.RoleEvents
	RoleAll         = runtimepkg.RoleAll
)

// Failure policies, store drivers, and message statuses.
const (
	FailureRecord              = configpkg.FailureRecord
	FailureRetryThenDeadLetter = configpkg.FailureRetryThenDeadLetter

	StoreMemory   = configpkg.StoreMemory
	StorePostgres = configpkg.StorePostgres
	StoreSQLite   = configpkg.StoreSQLite

	StatusProcessed = storepkg.StatusProcessed
	StatusFaulted   = storepkg.StatusFaulted

	FaultHandlerPanic   = handlerpkg.FaultHandlerPanic
	FaultHandlerMissing = handlerpkg.FaultHandlerMissing
	FaultRoutingFailed  = handlerpkg.FaultRoutingFailed
)

var (
	NewService     = runtimepkg.NewService
	LoadConfig     = configpkg.Load
	ValidateConfig = configpkg.ValidateConfig

	Success  = handlerpkg.Success
	Failed   = handlerpkg.Failed
	NewEvent = handlerpkg.NewEvent

	WithKey    = buspkg.WithKey
	WithReply  = buspkg.WithReply
	WithSaga   = buspkg.WithSaga
	WithCause  = buspkg.WithCause
	WithTopic  = buspkg.WithTopic
	WithHeader = buspkg.WithHeader

	LoggingHooks = middlewarepkg.LoggingHooks

	NewMemorySagaRepository = sagapkg.NewMemoryRepository
	NewLocalSagaLocker      = sagapkg.NewLocalLocker

	NewTransportRegistry     = transportpkg.NewRegistry
	DefaultTransportRegistry = transportpkg.DefaultRegistry
	RegisterTransport        = transportpkg.Register

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewNopLogger              = loggingpkg.NewNopLogger

	NewMetadata  = metadatapkg.New
	NewMessageID = idspkg.NewMessageID

	ErrStopped               = errspkg.ErrStopped
	ErrNotStarted            = errspkg.ErrNotStarted
	ErrLoggerRequired        = errspkg.ErrLoggerRequired
	ErrReplyTopicRequired    = errspkg.ErrReplyTopicRequired
	ErrFailurePolicyRequired = errspkg.ErrFailurePolicyRequired
	ErrHandlerRegistered     = errspkg.ErrHandlerRegistered
	ErrMessageNotFound       = errspkg.ErrMessageNotFound
	ErrSagaNotFound          = errspkg.ErrSagaNotFound
	ErrVersionConflict       = errspkg.ErrVersionConflict
	ErrLockNotAcquired       = errspkg.ErrLockNotAcquired
)

// HandleCommand registers a typed command handler. T must be a pointer to a
// payload that declares its type tag.
func HandleCommand[T any](svc *Service, handler TypedCommandHandler[T]) error {
	return runtimepkg.HandleCommand(svc, handler)
}

// OnEvent registers a named typed event handler. Every handler registered
// for an event's type receives it.
func OnEvent[T any](svc *Service, name string, handler TypedEventHandler[T]) error {
	return runtimepkg.OnEvent(svc, name, handler)
}

// UpdateSaga applies fn to the decoded state of a saga and saves it.
func UpdateSaga[T any](ctx context.Context, svc *Service, info SagaInfo, fn func(ctx context.Context, data *T) error) error {
	return sagapkg.Update(ctx, svc.Sagas(), info, fn)
}

// NewDefaultLogger returns a ServiceLogger writing to slog's default handler.
func NewDefaultLogger() ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(slog.Default())
}
