package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// Monitor periodically runs missed-run detection, alert evaluation and
// statistics publication.
type Monitor struct {
	logger    *zap.Logger
	detector  *MissedRunDetector
	alerts    *AlertManager
	collector *MetricsCollector
	interval  time.Duration

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// New creates a monitor. collector may be nil.
func New(logger *zap.Logger, detector *MissedRunDetector, alerts *AlertManager, collector *MetricsCollector, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Monitor{
		logger:    logger.Named("monitor"),
		detector:  detector,
		alerts:    alerts,
		collector: collector,
		interval:  interval,
	}
}

// RunOnce runs a single monitoring pass
func (m *Monitor) RunOnce(ctx context.Context) error {
	var errs error

	missed, err := m.detector.Detect(ctx)
	if err != nil {
		errs = errors.CombineErrors(errs, errors.Wrap(err, "detect missed runs"))
	}
	if err := m.alerts.Evaluate(ctx); err != nil {
		errs = errors.CombineErrors(errs, errors.Wrap(err, "evaluate alerts"))
	}
	if m.collector != nil {
		if _, err := m.collector.Collect(ctx); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrap(err, "collect metrics"))
		}
	}

	m.logger.Debug("Monitor pass finished", zap.Int("missed", missed), zap.Error(errs))
	return errs
}

// Start runs the monitoring loop until Stop is called or ctx is done
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		return errors.New("monitor already started")
	}
	m.stop = make(chan struct{})
	m.done = make(chan struct{})

	go m.loop(ctx, m.stop, m.done)
	m.logger.Info("Monitor started", zap.Duration("interval", m.interval))
	return nil
}

// Stop stops the loop and waits for the running pass to finish
func (m *Monitor) Stop() {
	m.mu.Lock()
	stop, done := m.stop, m.done
	m.stop = nil
	m.mu.Unlock()
	if stop == nil {
		return
	}

	close(stop)
	<-done
	m.logger.Info("Monitor stopped")
}

func (m *Monitor) loop(ctx context.Context, stop, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if err := m.RunOnce(ctx); err != nil {
				m.logger.Error("Monitor pass failed", zap.Error(err))
			}
		}
	}
}
