package monitor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nats-io/nats.go"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/taskscheduler/internal/clock"
	"github.com/t77yq/taskscheduler/internal/runner"
	"github.com/t77yq/taskscheduler/internal/stats"
	"github.com/t77yq/taskscheduler/internal/storage"
)

// ScheduleMetricsSubject carries the periodic per-schedule summaries
const ScheduleMetricsSubject = runner.MetricsPrefix + "schedules"

// HostUsage is the scheduler host load at publication time
type HostUsage struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
}

// ScheduleMetrics is the payload published on ScheduleMetricsSubject
type ScheduleMetrics struct {
	Timestamp time.Time       `json:"timestamp"`
	Window    time.Duration   `json:"window"`
	Host      *HostUsage      `json:"host,omitempty"`
	Overall   stats.Summary   `json:"overall"`
	Schedules []stats.Summary `json:"schedules"`
}

// MetricsCollector publishes execution statistics over a trailing window
type MetricsCollector struct {
	logger *zap.Logger
	js     nats.JetStreamContext
	store  storage.Store
	clock  clock.Clock
	window time.Duration
}

// NewMetricsCollector creates a statistics publisher over the trailing window
func NewMetricsCollector(js nats.JetStreamContext, store storage.Store, clk clock.Clock, window time.Duration, logger *zap.Logger) (*MetricsCollector, error) {
	logger = logger.Named("metrics-collector")
	if window <= 0 {
		window = 24 * time.Hour
	}
	if err := runner.EnsureStreams(js, logger); err != nil {
		return nil, err
	}
	return &MetricsCollector{
		logger: logger,
		js:     js,
		store:  store,
		clock:  clk,
		window: window,
	}, nil
}

// Collect aggregates the trailing window and publishes it
func (c *MetricsCollector) Collect(ctx context.Context) (*ScheduleMetrics, error) {
	now := c.clock.Now()
	from := now.Add(-c.window)

	execs, err := c.store.ListExecutions(ctx, storage.ExecutionFilter{
		FinishedFrom: &from,
		FinishedTo:   &now,
	})
	if err != nil {
		return nil, errors.Wrap(err, "list finished executions")
	}

	report := stats.Aggregate(execs, stats.Query{From: from, To: now})
	metrics := &ScheduleMetrics{
		Timestamp: now,
		Window:    c.window,
		Host:      c.hostUsage(),
		Overall:   report.Overall,
		Schedules: report.BySchedule,
	}

	data, err := json.Marshal(metrics)
	if err != nil {
		return nil, errors.Wrap(err, "failed to marshal metrics")
	}
	if _, err := c.js.Publish(ScheduleMetricsSubject, data, nats.Context(ctx)); err != nil {
		return nil, errors.Wrap(err, "failed to publish metrics")
	}

	c.logger.Debug("Metrics published",
		zap.Int("executions", report.Overall.Total),
		zap.Int("schedules", len(report.BySchedule)),
		zap.Float64("success_rate", report.Overall.SuccessRate))
	return metrics, nil
}

// hostUsage samples CPU and memory. Sampling failures are logged and the
// host section is left out.
func (c *MetricsCollector) hostUsage() *HostUsage {
	cpuPercent, err := cpu.Percent(0, false)
	if err != nil || len(cpuPercent) == 0 {
		c.logger.Debug("Failed to get CPU usage", zap.Error(err))
		return nil
	}
	memInfo, err := mem.VirtualMemory()
	if err != nil {
		c.logger.Debug("Failed to get memory usage", zap.Error(err))
		return nil
	}
	return &HostUsage{CPUPercent: cpuPercent[0], MemoryPercent: memInfo.UsedPercent}
}
