package consumer

import (
	"errors"
	"fmt"
	"time"

	configpkg "github.com/drblury/cqrsflow/internal/runtime/config"
	errspkg "github.com/drblury/cqrsflow/internal/runtime/errors"
)

// FailureMode decides what happens to a command whose handler reported a
// business fault.
type FailureMode int

const (
	failureUnset FailureMode = iota
	// FailureRecord stores the command as faulted, replies with the fault,
	// and acks. The handler runs once.
	FailureRecord
	// FailureRetryThenDeadLetter re-runs the handler MaxRetries times, then
	// stores the command as faulted, replies with the fault, and publishes
	// it to the dead-letter queue.
	FailureRetryThenDeadLetter
)

func (m FailureMode) String() string {
	switch m {
	case FailureRecord:
		return configpkg.FailureRecord
	case FailureRetryThenDeadLetter:
		return configpkg.FailureRetryThenDeadLetter
	}
	return "unset"
}

// FailurePolicy has no usable zero value: a consumer refuses to start
// without an explicit policy.
type FailurePolicy struct {
	Mode            FailureMode
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// RecordFaults returns the policy that records faults without retrying.
func RecordFaults() FailurePolicy {
	return FailurePolicy{Mode: FailureRecord}
}

// RetryThenDeadLetter returns the policy that retries maxRetries times before
// dead-lettering.
func RetryThenDeadLetter(maxRetries int, initial, maxInterval time.Duration) FailurePolicy {
	return FailurePolicy{
		Mode:            FailureRetryThenDeadLetter,
		MaxRetries:      maxRetries,
		InitialInterval: initial,
		MaxInterval:     maxInterval,
	}
}

// Validate rejects the zero policy and impossible retry settings.
func (p FailurePolicy) Validate() error {
	switch p.Mode {
	case FailureRecord:
		return nil
	case FailureRetryThenDeadLetter:
		if p.MaxRetries < 0 {
			return fmt.Errorf("consumer: max retries cannot be negative: %d", p.MaxRetries)
		}
		return nil
	case failureUnset:
		return errspkg.ErrFailurePolicyRequired
	}
	return fmt.Errorf("consumer: unknown failure mode %d", p.Mode)
}

// PolicyFromConfig builds the policy named by cfg.ConsumerFailurePolicy.
func PolicyFromConfig(cfg *configpkg.Config) (FailurePolicy, error) {
	if cfg == nil {
		return FailurePolicy{}, errors.New("consumer: config is required")
	}
	switch cfg.ConsumerFailurePolicy {
	case configpkg.FailureRecord:
		return RecordFaults(), nil
	case configpkg.FailureRetryThenDeadLetter:
		return RetryThenDeadLetter(cfg.RetryMaxRetries, cfg.RetryInitialInterval, cfg.RetryMaxInterval), nil
	case "":
		return FailurePolicy{}, errspkg.ErrFailurePolicyRequired
	}
	return FailurePolicy{}, fmt.Errorf("consumer: unknown failure policy %q", cfg.ConsumerFailurePolicy)
}
