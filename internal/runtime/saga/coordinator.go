// Package saga coordinates the state of long-running processes that span
// several messages. Every message of a saga is applied under an exclusive
// per-saga lock to freshly loaded state, and the result is saved with an
// optimistic version check.
package saga

import (
	"context"
	"errors"
	"fmt"

	"github.com/drblury/cqrsflow/internal/runtime/codec"
	envelopepkg "github.com/drblury/cqrsflow/internal/runtime/envelope"
	errspkg "github.com/drblury/cqrsflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/cqrsflow/internal/runtime/logging"
)

const defaultMaxRetries = 3

// Coordinator applies saga steps one at a time per saga id.
type Coordinator struct {
	repo       Repository
	locker     Locker
	maxRetries int
	logger     loggingpkg.ServiceLogger
}

// NewCoordinator returns a coordinator. maxRetries is how many times a step
// is re-applied after a version conflict; zero uses the default.
func NewCoordinator(repo Repository, locker Locker, maxRetries int, logger loggingpkg.ServiceLogger) (*Coordinator, error) {
	if repo == nil {
		return nil, errspkg.ErrStoreRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if locker == nil {
		locker = NewLocalLocker()
	}
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &Coordinator{
		repo:       repo,
		locker:     locker,
		maxRetries: maxRetries,
		logger:     logger.With(loggingpkg.LogFields{"component": "saga_coordinator"}),
	}, nil
}

// StepFunc mutates the saga state. An error aborts the step without saving.
type StepFunc func(ctx context.Context, state *State) error

// Handle runs fn against the current state of the saga and saves the
// result. A version conflict reloads the state and runs fn again, up to the
// retry budget; then *SagaConcurrencyError is returned.
func (c *Coordinator) Handle(ctx context.Context, info envelopepkg.SagaInfo, fn StepFunc) error {
	if info.IsZero() {
		return fmt.Errorf("saga: %w", errspkg.ErrSagaNotFound)
	}
	if fn == nil {
		return errspkg.ErrHandlerRequired
	}

	unlock, err := c.locker.Lock(ctx, info.SagaID)
	if err != nil {
		return err
	}
	defer unlock()

	logger := c.logger.With(loggingpkg.LogFields{"saga_id": info.SagaID, "saga_type": info.SagaType})
	attempts := c.maxRetries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		state, err := c.load(ctx, info)
		if err != nil {
			return err
		}
		expected := state.Version
		if err := fn(ctx, state); err != nil {
			return err
		}
		state.SagaID = info.SagaID
		err = c.repo.Save(ctx, state, expected)
		if err == nil {
			return nil
		}
		if !errors.Is(err, errspkg.ErrVersionConflict) {
			return err
		}
		lastErr = err
		logger.Debug("Saga state changed concurrently, reloading", loggingpkg.LogFields{"attempt": attempt})
	}
	logger.Error("Saga step could not be saved", lastErr, loggingpkg.LogFields{"attempts": attempts})
	return &errspkg.SagaConcurrencyError{SagaID: info.SagaID, Attempts: attempts, Err: lastErr}
}

// Load returns the current state of a saga, or ErrSagaNotFound.
func (c *Coordinator) Load(ctx context.Context, sagaID string) (*State, error) {
	return c.repo.Load(ctx, sagaID)
}

func (c *Coordinator) load(ctx context.Context, info envelopepkg.SagaInfo) (*State, error) {
	state, err := c.repo.Load(ctx, info.SagaID)
	if errors.Is(err, errspkg.ErrSagaNotFound) {
		return &State{SagaID: info.SagaID, SagaType: info.SagaType}, nil
	}
	if err != nil {
		return nil, err
	}
	if state.SagaType == "" {
		state.SagaType = info.SagaType
	}
	return state, nil
}

// Update runs fn against the saga's data decoded as JSON into T.
func Update[T any](ctx context.Context, c *Coordinator, info envelopepkg.SagaInfo, fn func(ctx context.Context, data *T) error) error {
	return c.Handle(ctx, info, func(ctx context.Context, state *State) error {
		var data T
		if len(state.Data) > 0 {
			if err := codec.Unmarshal(state.Data, &data); err != nil {
				return fmt.Errorf("saga %s: decode state: %w", state.SagaID, err)
			}
		}
		if err := fn(ctx, &data); err != nil {
			return err
		}
		encoded, err := codec.Marshal(&data)
		if err != nil {
			return fmt.Errorf("saga %s: encode state: %w", state.SagaID, err)
		}
		state.Data = encoded
		return nil
	})
}
