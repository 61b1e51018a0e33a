package monitor

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/t77yq/taskscheduler/internal/runner"
)

const (
	// AlertStreamName holds alert lifecycle events
	AlertStreamName = "ALERTS"
	// MetricsStreamName holds published statistics
	MetricsStreamName = runner.MetricsStreamName

	alertPrefix = "alert."

	eventMaxAge = 7 * 24 * time.Hour
)

// AlertSubject returns the subject alert events of kind are published on
func AlertSubject(kind string) string { return alertPrefix + kind }

// NATSNotifier publishes alert events to JetStream. Publishing is throttled
// by a token bucket; events over the limit are dropped and logged.
type NATSNotifier struct {
	logger  *zap.Logger
	js      nats.JetStreamContext
	limiter *rate.Limiter
}

// NewNATSNotifier creates a notifier allowing perSecond events with a burst
// of the same size. perSecond <= 0 disables throttling.
func NewNATSNotifier(js nats.JetStreamContext, logger *zap.Logger, perSecond float64) (*NATSNotifier, error) {
	logger = logger.Named("alert-notifier")
	if err := ensureStream(js, logger, AlertStreamName, alertPrefix+">"); err != nil {
		return nil, err
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if perSecond > 0 {
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}

	return &NATSNotifier{logger: logger, js: js, limiter: limiter}, nil
}

// Notify publishes ev without waiting for the acknowledgement
func (n *NATSNotifier) Notify(_ context.Context, ev AlertEvent) {
	if ev.Alert == nil {
		return
	}
	fields := []zap.Field{
		zap.String("type", ev.Type),
		zap.String("alert_id", ev.Alert.ID),
		zap.String("kind", string(ev.Alert.Kind)),
	}

	if !n.limiter.Allow() {
		n.logger.Warn("Alert notification dropped", fields...)
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		n.logger.Error("Failed to marshal alert event", append(fields, zap.Error(err))...)
		return
	}

	if _, err := n.js.PublishAsync(AlertSubject(string(ev.Alert.Kind)), data); err != nil {
		n.logger.Warn("Alert notification dropped", append(fields, zap.Error(err))...)
		return
	}
	n.logger.Debug("Alert notification published", fields...)
}

// Flush waits until pending notifications are acknowledged or ctx is done
func (n *NATSNotifier) Flush(ctx context.Context) error {
	select {
	case <-n.js.PublishAsyncComplete():
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "flush alert notifications")
	}
}

func ensureStream(js nats.JetStreamContext, logger *zap.Logger, name, subject string) error {
	info, err := js.StreamInfo(name)
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		return errors.Wrapf(err, "failed to get stream info %s", name)
	}
	if info != nil {
		return nil
	}

	_, err = js.AddStream(&nats.StreamConfig{
		Name:      name,
		Subjects:  []string{subject},
		Retention: nats.LimitsPolicy,
		MaxAge:    eventMaxAge,
		Discard:   nats.DiscardOld,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return errors.Wrapf(err, "failed to create stream %s", name)
	}
	logger.Info("Created stream", zap.String("name", name))
	return nil
}
