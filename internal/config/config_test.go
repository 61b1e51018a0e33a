package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "app:\n  name: test\n"))
	require.NoError(t, err)

	assert.Equal(t, "test", cfg.App.Name)
	assert.Equal(t, 15*time.Second, cfg.Scheduler.TickInterval)
	assert.Equal(t, "clamp", cfg.Scheduler.BacklogPolicy)
	assert.Equal(t, 2*time.Minute, cfg.Scheduler.CancelTimeout)
	assert.Equal(t, time.Minute, cfg.Retry.BaseDelay)
	assert.Equal(t, time.Hour, cfg.Retry.MaxDelay)
	assert.InDelta(t, 0.2, cfg.Retry.Jitter, 1e-9)
	assert.Equal(t, 120*time.Second, cfg.Monitor.Grace)
	assert.Equal(t, 3, cfg.Monitor.RepeatedFailures)
	assert.Equal(t, 720*time.Hour, cfg.Retention.Executions)
	assert.Equal(t, 168*time.Hour, cfg.Retention.Logs)
	assert.Equal(t, []string{"default"}, cfg.Executor.Lanes)
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeConfig(t, `
scheduler:
  tick_interval: 5s
  backlog_policy: burst
executor:
  lanes: [maintenance, reports]
`)
	t.Setenv("TASKSCHED_MONITOR_GRACE", "45s")
	t.Setenv("TASKSCHED_NATS_URL", "nats://broker:4222")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Scheduler.TickInterval)
	assert.Equal(t, "burst", cfg.Scheduler.BacklogPolicy)
	assert.Equal(t, []string{"maintenance", "reports"}, cfg.Executor.Lanes)
	assert.Equal(t, 45*time.Second, cfg.Monitor.Grace)
	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		msg  string
	}{
		{"zero tick", "scheduler:\n  tick_interval: 0s\n", "tick_interval"},
		{"unknown backlog policy", "scheduler:\n  backlog_policy: replay\n", "backlog_policy"},
		{"negative grace", "monitor:\n  grace: -1s\n", "grace"},
		{"logs outlive executions", "retention:\n  logs: 800h\n", "retention.logs"},
		{"jitter out of range", "retry:\n  jitter: 1.5\n", "jitter"},
		{"max below base delay", "retry:\n  base_delay: 2h\n", "retry delays"},
		{"lease shorter than tick", "scheduler:\n  lease:\n    enabled: true\n    ttl: 10s\n", "lease.ttl"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger(LogConfig{Level: "debug", Development: true})
	require.NoError(t, err)
	assert.NotNil(t, logger)

	_, err = NewLogger(LogConfig{Level: "loud"})
	assert.Error(t, err)
}
