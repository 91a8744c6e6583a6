// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Fetch drivers.
const (
	DriverHeadless = "headless"
	DriverHTTP     = "http"
)

// Notify drivers.
const (
	NotifyLog    = "log"
	NotifyMemory = "memory"
	NotifyPubSub = "pubsub"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Output    OutputConfig    `mapstructure:"output"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines who may drive the command channel.
type AuthConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	APIKey       string   `mapstructure:"api_key"`
	AllowedUsers []string `mapstructure:"allowed_users"`
}

// SchedulerConfig bounds worker allocation.
type SchedulerConfig struct {
	TotalWorkers   int           `mapstructure:"total_workers"`
	MinPerUser     int           `mapstructure:"min_per_user"`
	MaxPerUser     int           `mapstructure:"max_per_user"`
	SessionTimeout time.Duration `mapstructure:"session_timeout"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
}

// PipelineConfig governs the three harvest stages.
type PipelineConfig struct {
	MaxProducts    int           `mapstructure:"max_products"`
	MaxLinkPages   int           `mapstructure:"max_link_pages"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
	PayloadTimeout time.Duration `mapstructure:"payload_timeout"`
	RestartGrace   time.Duration `mapstructure:"restart_grace"`
	DefaultFields  []string      `mapstructure:"default_fields"`
}

// FetchConfig selects and tunes the fetch sessions.
type FetchConfig struct {
	Driver         string        `mapstructure:"driver"`
	BaseURL        string        `mapstructure:"base_url"`
	UserAgent      string        `mapstructure:"user_agent"`
	Timeout        time.Duration `mapstructure:"timeout"`
	Headless       bool          `mapstructure:"headless"`
	AntibotWait    time.Duration `mapstructure:"antibot_wait"`
	ReloadAttempts int           `mapstructure:"reload_attempts"`
	ReloadPause    time.Duration `mapstructure:"reload_pause"`
	RatePerSecond  float64       `mapstructure:"rate_per_second"`
	Burst          int           `mapstructure:"burst"`
}

// OutputConfig sets where reports are written. A bucket switches to GCS; Memory keeps
// artifacts in process for dry runs.
type OutputConfig struct {
	Memory    bool   `mapstructure:"memory"`
	RootDir   string `mapstructure:"root_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	GCSPrefix string `mapstructure:"gcs_prefix"`
	Excel     bool   `mapstructure:"excel"`
}

// NotifyConfig selects the notification sink.
type NotifyConfig struct {
	Driver        string        `mapstructure:"driver"`
	ProjectID     string        `mapstructure:"project_id"`
	Topic         string        `mapstructure:"topic"`
	BufferSize    int           `mapstructure:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// TelemetryConfig controls tracing export.
type TelemetryConfig struct {
	ServiceName string `mapstructure:"service_name"`
	ProjectID   string `mapstructure:"project_id"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.allowed_users", []string{})
	v.SetDefault("scheduler.total_workers", 15)
	v.SetDefault("scheduler.min_per_user", 2)
	v.SetDefault("scheduler.max_per_user", 5)
	v.SetDefault("scheduler.session_timeout", 30*time.Minute)
	v.SetDefault("scheduler.sweep_interval", 60*time.Second)
	v.SetDefault("pipeline.max_products", 100)
	v.SetDefault("pipeline.max_link_pages", 20)
	v.SetDefault("pipeline.max_attempts", 3)
	v.SetDefault("pipeline.retry_backoff", 5*time.Second)
	v.SetDefault("pipeline.payload_timeout", 30*time.Second)
	v.SetDefault("pipeline.restart_grace", 3*time.Second)
	v.SetDefault("pipeline.default_fields", []string{"name", "company_name", "product_url", "image_url"})
	v.SetDefault("fetch.driver", DriverHeadless)
	v.SetDefault("fetch.base_url", "https://www.ozon.ru")
	v.SetDefault("fetch.user_agent", "")
	v.SetDefault("fetch.timeout", 60*time.Second)
	v.SetDefault("fetch.headless", true)
	v.SetDefault("fetch.antibot_wait", 240*time.Second)
	v.SetDefault("fetch.reload_attempts", 3)
	v.SetDefault("fetch.reload_pause", 15*time.Second)
	v.SetDefault("fetch.rate_per_second", 2.0)
	v.SetDefault("fetch.burst", 2)
	v.SetDefault("output.memory", false)
	v.SetDefault("output.root_dir", "output")
	v.SetDefault("output.excel", true)
	v.SetDefault("notify.driver", NotifyLog)
	v.SetDefault("notify.topic", "harvester-events")
	v.SetDefault("notify.buffer_size", 256)
	v.SetDefault("notify.batch_size", 16)
	v.SetDefault("notify.flush_interval", time.Second)
	v.SetDefault("telemetry.service_name", "catalog-harvester")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Scheduler.TotalWorkers <= 0 {
		return fmt.Errorf("scheduler.total_workers must be > 0")
	}
	if c.Scheduler.MinPerUser <= 0 || c.Scheduler.MaxPerUser < c.Scheduler.MinPerUser {
		return fmt.Errorf("scheduler per-user bounds must satisfy 0 < min_per_user <= max_per_user")
	}
	if c.Pipeline.MaxProducts <= 0 {
		return fmt.Errorf("pipeline.max_products must be > 0")
	}
	if c.Pipeline.MaxAttempts <= 0 {
		return fmt.Errorf("pipeline.max_attempts must be > 0")
	}
	if c.Pipeline.RetryBackoff < 0 {
		return fmt.Errorf("pipeline.retry_backoff must be >= 0")
	}
	switch c.Fetch.Driver {
	case DriverHeadless, DriverHTTP:
	default:
		return fmt.Errorf("fetch.driver must be %q or %q", DriverHeadless, DriverHTTP)
	}
	if c.Fetch.BaseURL == "" {
		return fmt.Errorf("fetch.base_url is required")
	}
	if !c.Output.Memory && c.Output.GCSBucket == "" && c.Output.RootDir == "" {
		return fmt.Errorf("output.root_dir is required without output.gcs_bucket")
	}
	switch c.Notify.Driver {
	case NotifyLog, NotifyMemory:
	case NotifyPubSub:
		if c.Notify.ProjectID == "" || c.Notify.Topic == "" {
			return fmt.Errorf("notify.project_id and notify.topic are required for pubsub")
		}
	default:
		return fmt.Errorf("notify.driver must be one of %q, %q, %q", NotifyLog, NotifyMemory, NotifyPubSub)
	}
	return nil
}
