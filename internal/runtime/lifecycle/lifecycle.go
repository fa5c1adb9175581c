// Package lifecycle gives router-backed components idempotent Start and
// Stop. Every Start builds a fresh Watermill router because a closed router
// cannot be run again.
package lifecycle

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	loggingpkg "github.com/drblury/cqrsflow/internal/runtime/logging"
)

// routerRun is overridden in tests.
var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

// BuildFunc adds handlers and middleware to a new router.
type BuildFunc func(router *message.Router) error

// Runner runs one router at a time.
type Runner struct {
	name         string
	logger       loggingpkg.ServiceLogger
	closeTimeout time.Duration
	build        BuildFunc

	mu     sync.Mutex
	router *message.Router
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRunner creates a stopped runner. closeTimeout bounds how long Stop
// waits for in-flight handlers.
func NewRunner(name string, closeTimeout time.Duration, logger loggingpkg.ServiceLogger, build BuildFunc) *Runner {
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}
	return &Runner{
		name:         name,
		logger:       logger.With(loggingpkg.LogFields{"component": name}),
		closeTimeout: closeTimeout,
		build:        build,
	}
}

// Running reports whether the router is running.
func (r *Runner) Running() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.router != nil
}

// Start builds and runs the router, returning once it is consuming. Calling
// Start on a running component is a no-op.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.router != nil {
		return nil
	}

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: r.closeTimeout}, loggingpkg.NewWatermillAdapter(r.logger))
	if err != nil {
		return err
	}
	if err := r.build(router); err != nil {
		_ = router.Close()
		return err
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	var runErr error
	go func() {
		defer close(done)
		runErr = routerRun(router, runCtx)
	}()

	select {
	case <-router.Running():
	case <-done:
		cancel()
		if runErr == nil {
			runErr = errors.New("router stopped before running")
		}
		return runErr
	case <-ctx.Done():
		_ = router.Close()
		cancel()
		<-done
		return ctx.Err()
	}

	r.router = router
	r.cancel = cancel
	r.done = done
	r.logger.Info("Component started", nil)
	return nil
}

// Stop closes the router, waiting up to the close timeout for in-flight
// handlers. Work still running after that is abandoned and logged. Stop on
// a stopped component is a no-op.
func (r *Runner) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.router == nil {
		return nil
	}

	router, cancel, done := r.router, r.cancel, r.done
	r.router, r.cancel, r.done = nil, nil, nil

	err := router.Close()
	cancel()
	if err != nil {
		r.logger.Error("Shutdown grace period exceeded, abandoning in-flight work", err, loggingpkg.LogFields{
			"grace_period": r.closeTimeout.String(),
		})
		return err
	}
	<-done
	r.logger.Info("Component stopped", nil)
	return nil
}
