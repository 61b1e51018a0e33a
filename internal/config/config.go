// Package config loads the scheduler configuration from config/config.yaml,
// an optional .env file and TASKSCHED_ environment variables.
package config

import (
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/t77yq/taskscheduler/internal/schedule"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "TASKSCHED"

// Config is the complete process configuration
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Log       LogConfig       `mapstructure:"log"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Retention RetentionConfig `mapstructure:"retention"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	API       APIConfig       `mapstructure:"api"`
}

type AppConfig struct {
	Name string `mapstructure:"name"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type NATSConfig struct {
	URL            string        `mapstructure:"url"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type StorageConfig struct {
	Path    string        `mapstructure:"path"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type LeaseConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Bucket  string        `mapstructure:"bucket"`
	TTL     time.Duration `mapstructure:"ttl"`
}

type SchedulerConfig struct {
	TickInterval    time.Duration `mapstructure:"tick_interval"`
	BacklogPolicy   string        `mapstructure:"backlog_policy"`
	CancelTimeout   time.Duration `mapstructure:"cancel_timeout"`
	TimeoutGrace    time.Duration `mapstructure:"timeout_grace"`
	RedispatchAfter time.Duration `mapstructure:"redispatch_after"`
	Lease           LeaseConfig   `mapstructure:"lease"`
}

type RetryConfig struct {
	BaseDelay time.Duration `mapstructure:"base_delay"`
	MaxDelay  time.Duration `mapstructure:"max_delay"`
	Jitter    float64       `mapstructure:"jitter"`
}

type MonitorConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	Grace            time.Duration `mapstructure:"grace"`
	RepeatedFailures int           `mapstructure:"repeated_failures"`
	StaleFactor      float64       `mapstructure:"stale_factor"`
	NotifyRate       float64       `mapstructure:"notify_rate"`
	StatsWindow      time.Duration `mapstructure:"stats_window"`
}

type RetentionConfig struct {
	Executions time.Duration `mapstructure:"executions"`
	Logs       time.Duration `mapstructure:"logs"`
	Interval   time.Duration `mapstructure:"interval"`
}

type ExecutorConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	ID                string        `mapstructure:"id"`
	Lanes             []string      `mapstructure:"lanes"`
	MaxTasks          int           `mapstructure:"max_tasks"`
	MaxCPU            float64       `mapstructure:"max_cpu"`
	MaxMemory         float64       `mapstructure:"max_memory"`
	WorkDir           string        `mapstructure:"work_dir"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

type APIConfig struct {
	Addr        string        `mapstructure:"addr"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

// SetDefaults configures the default value of every key
func SetDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "taskscheduler")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.max_reconnects", 60)
	v.SetDefault("nats.reconnect_wait", 2*time.Second)
	v.SetDefault("nats.connect_timeout", 5*time.Second)

	v.SetDefault("storage.path", "taskscheduler.db")
	v.SetDefault("storage.timeout", 5*time.Second)

	v.SetDefault("scheduler.tick_interval", 15*time.Second)
	v.SetDefault("scheduler.backlog_policy", string(schedule.BacklogClamp))
	v.SetDefault("scheduler.cancel_timeout", 2*time.Minute)
	v.SetDefault("scheduler.timeout_grace", 30*time.Second)
	v.SetDefault("scheduler.redispatch_after", 5*time.Minute)
	v.SetDefault("scheduler.lease.enabled", false)
	v.SetDefault("scheduler.lease.bucket", "SCHEDULER_LEASE")
	v.SetDefault("scheduler.lease.ttl", 30*time.Second)

	v.SetDefault("retry.base_delay", 60*time.Second)
	v.SetDefault("retry.max_delay", time.Hour)
	v.SetDefault("retry.jitter", 0.2)

	v.SetDefault("monitor.interval", 60*time.Second)
	v.SetDefault("monitor.grace", 120*time.Second)
	v.SetDefault("monitor.repeated_failures", 3)
	v.SetDefault("monitor.stale_factor", 3.0)
	v.SetDefault("monitor.notify_rate", 5.0)
	v.SetDefault("monitor.stats_window", 24*time.Hour)

	v.SetDefault("retention.executions", 720*time.Hour)
	v.SetDefault("retention.logs", 168*time.Hour)
	v.SetDefault("retention.interval", 24*time.Hour)

	v.SetDefault("executor.enabled", true)
	v.SetDefault("executor.id", "executor-1")
	v.SetDefault("executor.lanes", []string{"default"})
	v.SetDefault("executor.max_tasks", 10)
	v.SetDefault("executor.max_cpu", 80.0)
	v.SetDefault("executor.max_memory", 90.0)
	v.SetDefault("executor.work_dir", "/tmp/taskscheduler")
	v.SetDefault("executor.heartbeat_interval", 15*time.Second)

	v.SetDefault("api.addr", ":8080")
	v.SetDefault("api.read_timeout", 15*time.Second)
}

// Load reads the configuration. path selects a config file explicitly;
// otherwise config.yaml is searched in ./config and the working directory
// and its absence is not an error.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // .env is optional

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the scheduler cannot run with
func (c *Config) Validate() error {
	if c.Scheduler.TickInterval <= 0 {
		return errors.New("scheduler.tick_interval must be > 0")
	}
	if _, err := schedule.ParseBacklogPolicy(c.Scheduler.BacklogPolicy); err != nil {
		return errors.Wrap(err, "scheduler.backlog_policy")
	}
	if c.Scheduler.CancelTimeout <= 0 {
		return errors.New("scheduler.cancel_timeout must be > 0")
	}
	if c.Scheduler.Lease.Enabled && c.Scheduler.Lease.TTL <= c.Scheduler.TickInterval {
		return errors.New("scheduler.lease.ttl must be longer than scheduler.tick_interval")
	}
	if c.Retry.BaseDelay <= 0 || c.Retry.MaxDelay < c.Retry.BaseDelay {
		return errors.New("retry delays must satisfy 0 < base_delay <= max_delay")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter >= 1 {
		return errors.New("retry.jitter must be in [0, 1)")
	}
	if c.Monitor.Interval <= 0 {
		return errors.New("monitor.interval must be > 0")
	}
	if c.Monitor.Grace < 0 {
		return errors.New("monitor.grace must be >= 0")
	}
	if c.Retention.Logs <= 0 || c.Retention.Executions <= 0 {
		return errors.New("retention windows must be > 0")
	}
	if c.Retention.Logs > c.Retention.Executions {
		return errors.New("retention.logs must not exceed retention.executions")
	}
	if c.Executor.MaxTasks <= 0 {
		return errors.New("executor.max_tasks must be > 0")
	}
	return nil
}

// NewLogger builds the process logger
func NewLogger(cfg LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, errors.Wrapf(err, "log.level %q", cfg.Level)
	}

	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
