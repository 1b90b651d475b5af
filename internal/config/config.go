// Package config loads and validates gateway configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Auth        AuthConfig        `mapstructure:"auth"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	BrowserPool BrowserPoolConfig `mapstructure:"browser_pool"`
	Memory      MemoryConfig      `mapstructure:"memory"`
	RateLimit   RateLimitConfig   `mapstructure:"rate_limit"`
	PDF         PDFConfig         `mapstructure:"pdf"`
	Wasm        WasmConfig        `mapstructure:"wasm"`
	Performance PerformanceConfig `mapstructure:"performance"`
	Timeouts    TimeoutConfig     `mapstructure:"timeouts"`
	Events      EventsConfig      `mapstructure:"events"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Database    DatabaseConfig    `mapstructure:"database"`
	PubSub      PubSubConfig      `mapstructure:"pubsub"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// BrowserPoolConfig sizes the headless browser pool and its maintenance loop.
type BrowserPoolConfig struct {
	InitialPoolSize     int           `mapstructure:"initial_pool_size"`
	MinPoolSize         int           `mapstructure:"min_pool_size"`
	MaxPoolSize         int           `mapstructure:"max_pool_size"`
	CheckoutTimeout     time.Duration `mapstructure:"checkout_timeout"`
	IdleTimeout         time.Duration `mapstructure:"idle_timeout"`
	MaxLifetime         time.Duration `mapstructure:"max_lifetime"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	HealthProbeTimeout  time.Duration `mapstructure:"health_probe_timeout"`
	LaunchTimeout       time.Duration `mapstructure:"launch_timeout"`
	MaxRetries          int           `mapstructure:"max_retries"`
	RetryBackoff        time.Duration `mapstructure:"retry_backoff"`
	SoftMemoryLimitMB   float64       `mapstructure:"soft_memory_limit_mb"`
	HardMemoryLimitMB   float64       `mapstructure:"hard_memory_limit_mb"`
	MaxPagesPerBrowser  int           `mapstructure:"max_pages_per_browser"`
	RestartThreshold    int           `mapstructure:"restart_threshold"`
	EnableRecycling     bool          `mapstructure:"enable_recycling"`
	UserAgent           string        `mapstructure:"user_agent"`
	ExecPath            string        `mapstructure:"exec_path"`
	NoSandbox           bool          `mapstructure:"no_sandbox"`
}

// MemoryConfig sets the global memory budget used for pressure checks.
type MemoryConfig struct {
	GlobalLimitMB        int64   `mapstructure:"global_limit_mb"`
	PressureThreshold    float64 `mapstructure:"pressure_threshold"`
	GCTriggerThresholdMB int64   `mapstructure:"gc_trigger_threshold_mb"`
	RenderEstimateMB     int64   `mapstructure:"render_estimate_mb"`
	PDFEstimateMB        int64   `mapstructure:"pdf_estimate_mb"`
}

// RateLimitConfig governs per-host token buckets.
type RateLimitConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
	JitterFactor      float64       `mapstructure:"jitter_factor"`
	MaxTrackedHosts   int           `mapstructure:"max_tracked_hosts"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
}

// PDFConfig caps concurrent PDF generation.
type PDFConfig struct {
	MaxConcurrent int           `mapstructure:"max_concurrent"`
	QueueTimeout  time.Duration `mapstructure:"queue_timeout"`
}

// WasmConfig controls per-worker extractor instances.
type WasmConfig struct {
	ModulePath               string        `mapstructure:"module_path"`
	ExtractFunction          string        `mapstructure:"extract_function"`
	MaxOperationsPerInstance uint64        `mapstructure:"max_operations_per_instance"`
	RestartThreshold         int           `mapstructure:"restart_threshold"`
	MaxMemoryPages           uint32        `mapstructure:"max_memory_pages"`
	MaxInstanceAge           time.Duration `mapstructure:"max_instance_age"`
	EnableRecycling          bool          `mapstructure:"enable_recycling"`
}

// PerformanceConfig sets the targets used for degradation scoring.
type PerformanceConfig struct {
	RenderLatencyTarget  time.Duration `mapstructure:"render_latency_target"`
	MaxErrorRate         float64       `mapstructure:"max_error_rate"`
	MemoryTargetMB       float64       `mapstructure:"memory_target_mb"`
	DegradationThreshold float64       `mapstructure:"degradation_threshold"`
	WindowSize           int           `mapstructure:"window_size"`
	AutoCleanupOnTimeout bool          `mapstructure:"auto_cleanup_on_timeout"`
}

// TimeoutConfig holds per-operation-kind timeouts.
type TimeoutConfig struct {
	Render time.Duration `mapstructure:"render"`
	PDF    time.Duration `mapstructure:"pdf"`
	Wasm   time.Duration `mapstructure:"wasm"`
	HTTP   time.Duration `mapstructure:"http"`
	Global time.Duration `mapstructure:"global"`
}

// EventsConfig controls the pool event hub and its sinks.
type EventsConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	LogEnabled     bool          `mapstructure:"log_enabled"`
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
}

// StorageConfig selects where rendered artifacts are written.
type StorageConfig struct {
	Backend string             `mapstructure:"backend"`
	Bucket  string             `mapstructure:"bucket"`
	Prefix  string             `mapstructure:"prefix"`
	Local   LocalStorageConfig `mapstructure:"local"`
}

// LocalStorageConfig configures the filesystem artifact store.
type LocalStorageConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// DatabaseConfig controls the optional Postgres event journal.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	EventsTable     string        `mapstructure:"events_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig holds the topic used for memory alerts and evictions.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RENDERGW")
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
	v.SetDefault("server.request_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("logging.development", true)

	v.SetDefault("browser_pool.initial_pool_size", 2)
	v.SetDefault("browser_pool.min_pool_size", 1)
	v.SetDefault("browser_pool.max_pool_size", 20)
	v.SetDefault("browser_pool.checkout_timeout", "5s")
	v.SetDefault("browser_pool.idle_timeout", "30s")
	v.SetDefault("browser_pool.max_lifetime", "300s")
	v.SetDefault("browser_pool.health_check_interval", "10s")
	v.SetDefault("browser_pool.health_probe_timeout", "5s")
	v.SetDefault("browser_pool.launch_timeout", "30s")
	v.SetDefault("browser_pool.max_retries", 3)
	v.SetDefault("browser_pool.retry_backoff", "500ms")
	v.SetDefault("browser_pool.soft_memory_limit_mb", 400)
	v.SetDefault("browser_pool.hard_memory_limit_mb", 500)
	v.SetDefault("browser_pool.max_pages_per_browser", 10)
	v.SetDefault("browser_pool.restart_threshold", 5)
	v.SetDefault("browser_pool.enable_recycling", true)
	v.SetDefault("browser_pool.user_agent", "render-gateway/0.1")
	v.SetDefault("browser_pool.no_sandbox", false)

	v.SetDefault("memory.global_limit_mb", 2048)
	v.SetDefault("memory.pressure_threshold", 0.85)
	v.SetDefault("memory.gc_trigger_threshold_mb", 1024)
	v.SetDefault("memory.render_estimate_mb", 256)
	v.SetDefault("memory.pdf_estimate_mb", 128)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests_per_second", 1.5)
	v.SetDefault("rate_limit.burst", 3)
	v.SetDefault("rate_limit.jitter_factor", 0.1)
	v.SetDefault("rate_limit.max_tracked_hosts", 10000)
	v.SetDefault("rate_limit.idle_timeout", "300s")
	v.SetDefault("rate_limit.cleanup_interval", "60s")

	v.SetDefault("pdf.max_concurrent", 2)
	v.SetDefault("pdf.queue_timeout", "5s")

	v.SetDefault("wasm.extract_function", "extract")
	v.SetDefault("wasm.max_operations_per_instance", 1000)
	v.SetDefault("wasm.restart_threshold", 10)
	v.SetDefault("wasm.max_memory_pages", 256)
	v.SetDefault("wasm.enable_recycling", true)

	v.SetDefault("performance.render_latency_target", "2s")
	v.SetDefault("performance.max_error_rate", 0.05)
	v.SetDefault("performance.memory_target_mb", 1800)
	v.SetDefault("performance.degradation_threshold", 0.5)
	v.SetDefault("performance.window_size", 100)
	v.SetDefault("performance.auto_cleanup_on_timeout", true)

	v.SetDefault("timeouts.render", "3s")
	v.SetDefault("timeouts.pdf", "10s")
	v.SetDefault("timeouts.wasm", "5s")
	v.SetDefault("timeouts.http", "10s")
	v.SetDefault("timeouts.global", "30s")

	v.SetDefault("events.enabled", true)
	v.SetDefault("events.log_enabled", true)
	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.max_batch_events", 100)
	v.SetDefault("events.max_batch_wait", "500ms")
	v.SetDefault("events.sink_timeout", "5s")

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.prefix", "artifacts")
	v.SetDefault("database.events_table", "pool_events")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.max_conn_lifetime", "30m")
}

// Validate enforces required values and reasonable limits.
//
//nolint:gocyclo // flat list of independent checks
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	bp := c.BrowserPool
	if bp.MaxPoolSize <= 0 {
		return fmt.Errorf("browser_pool.max_pool_size must be > 0")
	}
	if bp.MinPoolSize < 0 || bp.MinPoolSize > bp.MaxPoolSize {
		return fmt.Errorf("browser_pool.min_pool_size must be between 0 and max_pool_size")
	}
	if bp.InitialPoolSize < 0 || bp.InitialPoolSize > bp.MaxPoolSize {
		return fmt.Errorf("browser_pool.initial_pool_size must be between 0 and max_pool_size")
	}
	if bp.CheckoutTimeout <= 0 {
		return fmt.Errorf("browser_pool.checkout_timeout must be > 0")
	}
	if bp.HealthCheckInterval <= 0 {
		return fmt.Errorf("browser_pool.health_check_interval must be > 0")
	}
	if bp.HardMemoryLimitMB > 0 && bp.SoftMemoryLimitMB > bp.HardMemoryLimitMB {
		return fmt.Errorf("browser_pool.soft_memory_limit_mb must be <= hard_memory_limit_mb")
	}
	if c.Memory.PressureThreshold <= 0 || c.Memory.PressureThreshold > 1 {
		return fmt.Errorf("memory.pressure_threshold must be in (0, 1]")
	}
	if c.Memory.GlobalLimitMB < 0 {
		return fmt.Errorf("memory.global_limit_mb must be >= 0")
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limit.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimit.Burst < 1 {
			return fmt.Errorf("rate_limit.burst must be >= 1 when rate limiting is enabled")
		}
	}
	if c.RateLimit.JitterFactor < 0 || c.RateLimit.JitterFactor > 1 {
		return fmt.Errorf("rate_limit.jitter_factor must be in [0, 1]")
	}
	if c.PDF.MaxConcurrent < 0 {
		return fmt.Errorf("pdf.max_concurrent must be >= 0")
	}
	if c.Wasm.MaxOperationsPerInstance == 0 {
		return fmt.Errorf("wasm.max_operations_per_instance must be > 0")
	}
	if c.Timeouts.Render <= 0 || c.Timeouts.PDF <= 0 || c.Timeouts.Wasm <= 0 {
		return fmt.Errorf("timeouts.render, timeouts.pdf and timeouts.wasm must be > 0")
	}
	if c.Performance.DegradationThreshold < 0 || c.Performance.DegradationThreshold > 1 {
		return fmt.Errorf("performance.degradation_threshold must be in [0, 1]")
	}
	switch c.Storage.Backend {
	case "", "memory":
	case "local":
		if strings.TrimSpace(c.Storage.Local.BaseDir) == "" {
			return fmt.Errorf("storage.local.base_dir must be set for the local backend")
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend must be one of memory, local, gcs")
	}
	return nil
}

// Timeout returns the configured timeout for an operation kind, falling back
// to the global timeout for unknown kinds.
func (t TimeoutConfig) Timeout(kind string) time.Duration {
	switch kind {
	case "render":
		return t.Render
	case "pdf":
		return t.PDF
	case "wasm":
		return t.Wasm
	case "http":
		return t.HTTP
	default:
		return t.Global
	}
}
