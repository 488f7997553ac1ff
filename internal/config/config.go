// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Supported backends.
const (
	FetchModeHTTP     = "http"
	FetchModeHeadless = "headless"

	BackendMemory   = "memory"
	BackendLocal    = "local"
	BackendPostgres = "postgres"
	BackendGCS      = "gcs"
	BackendNone     = "none"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Worker       WorkerConfig       `mapstructure:"worker"`
	Fetch        FetchConfig        `mapstructure:"fetch"`
	Headless     HeadlessConfig     `mapstructure:"headless"`
	Storage      StorageConfig      `mapstructure:"storage"`
	DB           DBConfig           `mapstructure:"db"`
	PubSub       PubSubConfig       `mapstructure:"pubsub"`
	Schedule     ScheduleConfig     `mapstructure:"schedule"`
	Logging      LoggingConfig      `mapstructure:"logging"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	RequestTimeoutSeconds  int `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// OrchestratorConfig governs run lifetime.
type OrchestratorConfig struct {
	DefaultItems        []string `mapstructure:"default_items"`
	RunTimeoutSeconds   int      `mapstructure:"run_timeout_seconds"`
	ReapIntervalSeconds int      `mapstructure:"reap_interval_seconds"`
}

// WorkerConfig sizes the pool and its queue.
type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"`
	QueueDepth  int `mapstructure:"queue_depth"`
}

// FetchConfig configures the fetch activity.
type FetchConfig struct {
	Mode             string  `mapstructure:"mode"`
	UserAgent        string  `mapstructure:"user_agent"`
	TimeoutSeconds   int     `mapstructure:"timeout_seconds"`
	MaxBodyBytes     int     `mapstructure:"max_body_bytes"`
	MaxRetries       int     `mapstructure:"max_retries"`
	BackoffInitialMs int     `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int     `mapstructure:"backoff_max_ms"`
	RatePerHost      float64 `mapstructure:"rate_per_host"`
	Burst            int     `mapstructure:"burst"`
	TitleSuffix      string  `mapstructure:"title_suffix"`
	RespectRobots    bool    `mapstructure:"respect_robots"`
}

// HeadlessConfig configures the headless rendering subsystem.
type HeadlessConfig struct {
	MaxParallel   int `mapstructure:"max_parallel"`
	NavTimeoutSec int `mapstructure:"nav_timeout_seconds"`
	TitleWaitMs   int `mapstructure:"title_wait_ms"`
}

// StorageConfig selects the event log and snapshot backends.
type StorageConfig struct {
	Backend     string `mapstructure:"backend"`
	LocalDir    string `mapstructure:"local_dir"`
	Snapshots   string `mapstructure:"snapshots"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// PubSubConfig holds metadata for run notifications. An empty topic disables
// publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ScheduleConfig holds an optional cron spec for default-item runs.
type ScheduleConfig struct {
	Cron string `mapstructure:"cron"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TelemetryConfig controls tracing.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
	// Exporter is "stdout" or "none".
	Exporter string `mapstructure:"exporter"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FANOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Every key needs a default so AutomaticEnv can resolve it on Unmarshal.
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 30)
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("orchestrator.default_items", []string{
		"https://learn.microsoft.com/azure/azure-functions/durable/durable-functions-overview",
		"https://learn.microsoft.com/azure/azure-functions/durable/durable-task-scheduler/durable-task-scheduler",
		"https://learn.microsoft.com/azure/azure-functions/functions-scenarios",
		"https://learn.microsoft.com/azure/azure-functions/functions-create-ai-enabled-apps",
	})
	v.SetDefault("orchestrator.run_timeout_seconds", 120)
	v.SetDefault("orchestrator.reap_interval_seconds", 1)
	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.queue_depth", 64)
	v.SetDefault("fetch.mode", FetchModeHTTP)
	v.SetDefault("fetch.user_agent", "title-fanout/0.1")
	v.SetDefault("fetch.timeout_seconds", 15)
	v.SetDefault("fetch.max_body_bytes", 2<<20)
	v.SetDefault("fetch.max_retries", 2)
	v.SetDefault("fetch.backoff_initial_ms", 250)
	v.SetDefault("fetch.backoff_max_ms", 2000)
	v.SetDefault("fetch.rate_per_host", 2.0)
	v.SetDefault("fetch.burst", 2)
	v.SetDefault("fetch.title_suffix", "Microsoft Learn")
	v.SetDefault("fetch.respect_robots", false)
	v.SetDefault("headless.max_parallel", 1)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("headless.title_wait_ms", 2000)
	v.SetDefault("storage.backend", BackendMemory)
	v.SetDefault("storage.local_dir", "data")
	v.SetDefault("storage.snapshots", BackendNone)
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("schedule.cron", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "title-fanout")
	v.SetDefault("telemetry.exporter", "none")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		errs = append(errs, errors.New("auth.api_key must be set when auth is enabled"))
	}
	if c.Orchestrator.RunTimeoutSeconds < 0 {
		errs = append(errs, errors.New("orchestrator.run_timeout_seconds must be >= 0"))
	}
	if c.Orchestrator.ReapIntervalSeconds <= 0 {
		errs = append(errs, errors.New("orchestrator.reap_interval_seconds must be > 0"))
	}
	if c.Worker.Concurrency <= 0 {
		errs = append(errs, errors.New("worker.concurrency must be > 0"))
	}
	if c.Worker.QueueDepth <= 0 {
		errs = append(errs, errors.New("worker.queue_depth must be > 0"))
	}
	switch c.Fetch.Mode {
	case FetchModeHTTP:
	case FetchModeHeadless:
		if c.Headless.MaxParallel <= 0 {
			errs = append(errs, errors.New("headless.max_parallel must be > 0 when fetch.mode is headless"))
		}
	default:
		errs = append(errs, fmt.Errorf("fetch.mode %q is not one of http, headless", c.Fetch.Mode))
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		errs = append(errs, errors.New("fetch.timeout_seconds must be > 0"))
	}
	if c.Fetch.MaxRetries < 0 {
		errs = append(errs, errors.New("fetch.max_retries must be >= 0"))
	}
	if c.Fetch.RatePerHost < 0 {
		errs = append(errs, errors.New("fetch.rate_per_host must be >= 0"))
	}
	if c.Telemetry.Exporter != "stdout" && c.Telemetry.Exporter != "none" && c.Telemetry.Exporter != "" {
		errs = append(errs, fmt.Errorf("telemetry.exporter %q is not one of stdout, none", c.Telemetry.Exporter))
	}
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendLocal:
		if c.Storage.LocalDir == "" {
			errs = append(errs, errors.New("storage.local_dir is required for the local backend"))
		}
	case BackendPostgres:
		if c.DB.DSN == "" {
			errs = append(errs, errors.New("db.dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not one of memory, local, postgres", c.Storage.Backend))
	}
	switch c.Storage.Snapshots {
	case BackendNone, BackendMemory:
	case BackendLocal:
		if c.Storage.LocalDir == "" {
			errs = append(errs, errors.New("storage.local_dir is required for local snapshots"))
		}
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			errs = append(errs, errors.New("storage.gcs_bucket is required for gcs snapshots"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.snapshots %q is not one of none, memory, local, gcs", c.Storage.Snapshots))
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		errs = append(errs, errors.New("pubsub.project_id is required when pubsub.topic_name is set"))
	}
	if c.Schedule.Cron != "" && len(c.Orchestrator.DefaultItems) == 0 {
		errs = append(errs, errors.New("orchestrator.default_items must be set when schedule.cron is set"))
	}
	return errors.Join(errs...)
}

// RunTimeout is the join barrier deadline. Zero disables it.
func (c Config) RunTimeout() time.Duration {
	return time.Duration(c.Orchestrator.RunTimeoutSeconds) * time.Second
}

// ReapInterval is the period between expiry sweeps.
func (c Config) ReapInterval() time.Duration {
	return time.Duration(c.Orchestrator.ReapIntervalSeconds) * time.Second
}

// FetchTimeout bounds a single outbound request.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetch.TimeoutSeconds) * time.Second
}

// Backoff returns the initial and maximum retry delays.
func (c Config) Backoff() (time.Duration, time.Duration) {
	return time.Duration(c.Fetch.BackoffInitialMs) * time.Millisecond,
		time.Duration(c.Fetch.BackoffMaxMs) * time.Millisecond
}

// NavTimeout bounds a headless navigation.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Headless.NavTimeoutSec) * time.Second
}

// TitleWait bounds how long a headless render waits for a scripted title.
func (c Config) TitleWait() time.Duration {
	return time.Duration(c.Headless.TitleWaitMs) * time.Millisecond
}

// RequestTimeout bounds one API request.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful HTTP shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}
