package consumer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/cqrsflow/internal/runtime/config"
	errspkg "github.com/drblury/cqrsflow/internal/runtime/errors"
)

func TestFailurePolicyValidate(t *testing.T) {
	assert.ErrorIs(t, FailurePolicy{}.Validate(), errspkg.ErrFailurePolicyRequired)
	assert.NoError(t, RecordFaults().Validate())
	assert.NoError(t, RetryThenDeadLetter(3, time.Second, time.Minute).Validate())
	assert.Error(t, RetryThenDeadLetter(-1, 0, 0).Validate())
	assert.Error(t, FailurePolicy{Mode: FailureMode(9)}.Validate())
}

func TestPolicyFromConfig(t *testing.T) {
	_, err := PolicyFromConfig(&configpkg.Config{})
	assert.ErrorIs(t, err, errspkg.ErrFailurePolicyRequired)

	policy, err := PolicyFromConfig(&configpkg.Config{ConsumerFailurePolicy: configpkg.FailureRecord})
	require.NoError(t, err)
	assert.Equal(t, FailureRecord, policy.Mode)

	policy, err = PolicyFromConfig(&configpkg.Config{
		ConsumerFailurePolicy: configpkg.FailureRetryThenDeadLetter,
		RetryMaxRetries:       4,
		RetryInitialInterval:  time.Second,
		RetryMaxInterval:      time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, RetryThenDeadLetter(4, time.Second, time.Minute), policy)
	assert.Equal(t, "retry_then_dead_letter", policy.Mode.String())

	_, err = PolicyFromConfig(&configpkg.Config{ConsumerFailurePolicy: "drop"})
	assert.ErrorContains(t, err, "unknown failure policy")

	_, err = PolicyFromConfig(nil)
	assert.Error(t, err)
}
