package executor

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestResourceManager_Admit(t *testing.T) {
	cpu, mem := 10.0, 20.0
	rm := NewResourceManager(ResourceLimits{MaxTasks: 2, MaxCPU: 80, MaxMemory: 90},
		func() (float64, float64, error) { return cpu, mem, nil }, zaptest.NewLogger(t))
	require.NoError(t, rm.Refresh())

	release1, err := rm.Admit()
	require.NoError(t, err)
	release2, err := rm.Admit()
	require.NoError(t, err)
	assert.Equal(t, 2, rm.Stats().TaskCount)

	_, err = rm.Admit()
	assert.ErrorIs(t, err, ErrAtCapacity)

	release1()
	release1()
	assert.Equal(t, 1, rm.Stats().TaskCount, "release is idempotent")

	t.Run("high CPU defers work", func(t *testing.T) {
		cpu = 95
		require.NoError(t, rm.Refresh())
		_, err := rm.Admit()
		assert.ErrorIs(t, err, ErrOverloaded)
		cpu = 10
	})

	t.Run("high memory defers work", func(t *testing.T) {
		mem = 95
		require.NoError(t, rm.Refresh())
		_, err := rm.Admit()
		assert.ErrorIs(t, err, ErrOverloaded)
		mem = 20
	})

	require.NoError(t, rm.Refresh())
	release3, err := rm.Admit()
	require.NoError(t, err)
	release2()
	release3()
	assert.Zero(t, rm.Stats().TaskCount)
}

func TestResourceManager_Defaults(t *testing.T) {
	rm := NewResourceManager(ResourceLimits{}, func() (float64, float64, error) { return 100, 100, nil }, zaptest.NewLogger(t))
	require.NoError(t, rm.Refresh())

	release, err := rm.Admit()
	require.NoError(t, err, "zero percent limits are not enforced")
	_, err = rm.Admit()
	assert.ErrorIs(t, err, ErrAtCapacity, "at least one task is allowed")
	release()

	failing := NewResourceManager(ResourceLimits{}, func() (float64, float64, error) {
		return 0, 0, errors.New("no procfs")
	}, zaptest.NewLogger(t))
	assert.Error(t, failing.Refresh())
	assert.True(t, failing.Stats().CollectedAt.IsZero())
}
