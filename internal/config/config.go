package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Redis configures the key-value store client (C2): queue lists, the
// persisted QueueSystemConfig, result records and history lists, and
// config-change pub/sub all live on this connection.
type Redis struct {
	Addr               string        `mapstructure:"addr"`
	Username           string        `mapstructure:"username"`
	Password           string        `mapstructure:"password"`
	DB                 int           `mapstructure:"db"`
	PoolSizeMultiplier int           `mapstructure:"pool_size_multiplier"`
	MinIdleConns       int           `mapstructure:"min_idle_conns"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout        time.Duration `mapstructure:"read_timeout"`
	WriteTimeout       time.Duration `mapstructure:"write_timeout"`
	MaxRetries         int           `mapstructure:"max_retries"`
}

// Broker configures the message-bus client (C1).
type Broker struct {
	URL            string        `mapstructure:"url"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxReconnects  int           `mapstructure:"max_reconnects"`
	ReconnectWait  time.Duration `mapstructure:"reconnect_wait"`
}

// CircuitBreaker is instantiated once per message-bus subject family by
// internal/breaker, guarding C8's dispatch calls.
type CircuitBreaker struct {
	FailureThreshold float64       `mapstructure:"failure_threshold"`
	Window           time.Duration `mapstructure:"window"`
	CooldownPeriod   time.Duration `mapstructure:"cooldown_period"`
	MinSamples       int           `mapstructure:"min_samples"`
}

// Cache configures the response cache (C6).
type Cache struct {
	MaxSize         int           `mapstructure:"max_size"`
	DefaultTTL      time.Duration `mapstructure:"default_ttl"`
	StaticTTL       time.Duration `mapstructure:"static_ttl"`
	UserScopedTTL   time.Duration `mapstructure:"user_scoped_ttl"`
	VolatileTTL     time.Duration `mapstructure:"volatile_ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	Eviction        string        `mapstructure:"eviction"`
	Exclusions      []string      `mapstructure:"exclusions"`
}

// Idempotency configures the at-most-one-execution guard keyed by
// X-Idempotency-Key.
type Idempotency struct {
	TTL             time.Duration `mapstructure:"ttl"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
	MaxEntries      int           `mapstructure:"max_entries"`
	Eviction        string        `mapstructure:"eviction"`
}

// QueueDefinitionConfig bootstraps the queue registry (C4) the first time
// the gateway starts against an empty key-value store; subsequent runs
// load the persisted QueueSystemConfig instead.
type QueueDefinitionConfig struct {
	Name               string   `mapstructure:"name"`
	Label              string   `mapstructure:"label"`
	Priority           int      `mapstructure:"priority"`
	TimeoutSeconds     int      `mapstructure:"timeout_seconds"`
	Attempts           int      `mapstructure:"attempts"`
	RetryDelayMS       int      `mapstructure:"retry_delay_ms"`
	Concurrency        int      `mapstructure:"concurrency"`
	Workers            int      `mapstructure:"workers"`
	URLPatterns        []string `mapstructure:"url_patterns"`
	ProcessingDelayMS  int      `mapstructure:"processing_delay_ms"`
	RetentionCompleted int      `mapstructure:"retention_completed"`
	RetentionFailed    int      `mapstructure:"retention_failed"`
	Enabled            bool     `mapstructure:"enabled"`
}

// QueueSystem configures the queue registry and the ambient interception
// knobs that the original source exposed as env vars (spec.md §6).
type QueueSystem struct {
	Enabled            bool                    `mapstructure:"enabled"`
	DefaultQueueName    string                  `mapstructure:"default_queue_name"`
	JobTTL              time.Duration           `mapstructure:"job_ttl"`
	PollingTimeout      time.Duration           `mapstructure:"polling_timeout"`
	ConfigKey           string                  `mapstructure:"config_key"`
	ConfigChannel       string                  `mapstructure:"config_channel"`
	ResultTTL           time.Duration           `mapstructure:"result_ttl"`
	ResultHistoryLimit  int64                   `mapstructure:"result_history_limit"`
	Exclusions          []string                `mapstructure:"exclusions"`
	Bootstrap           []QueueDefinitionConfig `mapstructure:"bootstrap"`
	WorkerStrategy      string                  `mapstructure:"worker_strategy"`
	MaxWorkersPerQueue  int                     `mapstructure:"max_workers_per_queue"`
}

// HTTP configures the top-level gateway listener and its ambient
// middleware: admission rate limiting and audit logging of mutations.
type HTTP struct {
	Addr               string  `mapstructure:"addr"`
	AdminAddr          string  `mapstructure:"admin_addr"`
	RateLimitPerSecond float64 `mapstructure:"rate_limit_per_second"`
	RateLimitBurst     int     `mapstructure:"rate_limit_burst"`
	AuditLogPath       string  `mapstructure:"audit_log_path"`
	AuditMaxSizeMB     int     `mapstructure:"audit_max_size_mb"`
	AuditMaxBackups    int     `mapstructure:"audit_max_backups"`
	AuditMaxAgeDays    int     `mapstructure:"audit_max_age_days"`
	AdminAuthEnabled   bool    `mapstructure:"admin_auth_enabled"`
	AdminAuthSecret    string  `mapstructure:"admin_auth_secret"`
	AdminRateLimitPerMinute int `mapstructure:"admin_rate_limit_per_minute"`
	AdminRateLimitBurst     int `mapstructure:"admin_rate_limit_burst"`
}

type TracingConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	Endpoint         string        `mapstructure:"endpoint"`
	Environment      string        `mapstructure:"environment"`
	SamplingStrategy string        `mapstructure:"sampling_strategy"`
	SamplingRate     float64       `mapstructure:"sampling_rate"`
}

type Observability struct {
	MetricsPort         int           `mapstructure:"metrics_port"`
	LogLevel            string        `mapstructure:"log_level"`
	Tracing             TracingConfig `mapstructure:"tracing"`
	QueueSampleInterval time.Duration `mapstructure:"queue_sample_interval"`
}

// Housekeeping configures the cron schedule for the periodic tasks
// spec.md §5 names: cache sweep and status GC.
type Housekeeping struct {
	StatusGCCron     string `mapstructure:"status_gc_cron"`
	CacheSweepCron   string `mapstructure:"cache_sweep_cron"`
}

type Config struct {
	Redis          Redis          `mapstructure:"redis"`
	Broker         Broker         `mapstructure:"broker"`
	CircuitBreaker CircuitBreaker `mapstructure:"circuit_breaker"`
	Cache          Cache          `mapstructure:"cache"`
	Idempotency    Idempotency    `mapstructure:"idempotency"`
	QueueSystem    QueueSystem    `mapstructure:"queue_system"`
	HTTP           HTTP           `mapstructure:"http"`
	Observability  Observability  `mapstructure:"observability"`
	Housekeeping   Housekeeping   `mapstructure:"housekeeping"`
}

func defaultConfig() *Config {
	return &Config{
		Redis: Redis{
			Addr:               "localhost:6379",
			PoolSizeMultiplier: 10,
			MinIdleConns:       5,
			DialTimeout:        5 * time.Second,
			ReadTimeout:        3 * time.Second,
			WriteTimeout:       3 * time.Second,
			MaxRetries:         3,
		},
		Broker: Broker{
			URL:            "nats://localhost:4222",
			ConnectTimeout: 5 * time.Second,
			RequestTimeout: 10 * time.Second,
			MaxReconnects:  -1,
			ReconnectWait:  2 * time.Second,
		},
		CircuitBreaker: CircuitBreaker{
			FailureThreshold: 0.5,
			Window:           1 * time.Minute,
			CooldownPeriod:   30 * time.Second,
			MinSamples:       20,
		},
		Cache: Cache{
			MaxSize:         10000,
			DefaultTTL:      5 * time.Minute,
			StaticTTL:       15 * time.Minute,
			UserScopedTTL:   5 * time.Minute,
			VolatileTTL:     1 * time.Minute,
			CleanupInterval: 1 * time.Minute,
			Eviction:        "lru",
			Exclusions:      []string{"/queues", "/health", "/metrics", "/admin", "/auth", "/jobs"},
		},
		Idempotency: Idempotency{
			TTL:             1 * time.Hour,
			CleanupInterval: 1 * time.Minute,
			MaxEntries:      50000,
			Eviction:        "oldest",
		},
		QueueSystem: QueueSystem{
			Enabled:            true,
			DefaultQueueName:   "standard",
			JobTTL:             24 * time.Hour,
			PollingTimeout:     30 * time.Second,
			ConfigKey:          "queues:config",
			ConfigChannel:      "queues:config:events",
			ResultTTL:          86400 * time.Second,
			ResultHistoryLimit: 100,
			Exclusions:         []string{"/status", "/admin", "/health", "/metrics", "/monitoring", "/jobs", "/internal", "/static"},
			WorkerStrategy:     "redis",
			MaxWorkersPerQueue: 16,
			Bootstrap: []QueueDefinitionConfig{
				{Name: "critical", Label: "Critical", Priority: 30, TimeoutSeconds: 15, Attempts: 5, RetryDelayMS: 500, Concurrency: 4, Workers: 2, URLPatterns: []string{"/atomic-enrollment/*"}, RetentionCompleted: 200, RetentionFailed: 200, Enabled: true},
				{Name: "standard", Label: "Standard", Priority: 10, TimeoutSeconds: 30, Attempts: 3, RetryDelayMS: 1000, Concurrency: 4, Workers: 2, URLPatterns: []string{"/*"}, RetentionCompleted: 100, RetentionFailed: 100, Enabled: true},
				{Name: "background", Label: "Background", Priority: 1, TimeoutSeconds: 120, Attempts: 3, RetryDelayMS: 5000, Concurrency: 2, Workers: 1, URLPatterns: []string{"/reports/*", "/exports/*"}, RetentionCompleted: 50, RetentionFailed: 50, Enabled: true},
			},
		},
		HTTP: HTTP{
			Addr:               ":8080",
			AdminAddr:          ":8081",
			RateLimitPerSecond: 200,
			RateLimitBurst:     400,
			AuditLogPath:       "log/audit.log",
			AuditMaxSizeMB:     100,
			AuditMaxBackups:    5,
			AuditMaxAgeDays:    30,
			AdminAuthEnabled:   false,
			AdminRateLimitPerMinute: 120,
			AdminRateLimitBurst:     30,
		},
		Observability: Observability{
			MetricsPort:         9090,
			LogLevel:            "info",
			Tracing:             TracingConfig{Enabled: false},
			QueueSampleInterval: 2 * time.Second,
		},
		Housekeeping: Housekeeping{
			StatusGCCron:   "@every 5m",
			CacheSweepCron: "@every 1m",
		},
	}
}

// Load reads configuration from a YAML file and applies environment
// overrides, following the gateway's convention of "." -> "_" for env
// var names (e.g. QUEUE_SYSTEM_DEFAULT_QUEUE_NAME).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	def := defaultConfig()
	setDefaults(v, def)

	if _, err := os.Stat(path); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("redis.addr", def.Redis.Addr)
	v.SetDefault("redis.pool_size_multiplier", def.Redis.PoolSizeMultiplier)
	v.SetDefault("redis.min_idle_conns", def.Redis.MinIdleConns)
	v.SetDefault("redis.dial_timeout", def.Redis.DialTimeout)
	v.SetDefault("redis.read_timeout", def.Redis.ReadTimeout)
	v.SetDefault("redis.write_timeout", def.Redis.WriteTimeout)
	v.SetDefault("redis.max_retries", def.Redis.MaxRetries)

	v.SetDefault("broker.url", def.Broker.URL)
	v.SetDefault("broker.connect_timeout", def.Broker.ConnectTimeout)
	v.SetDefault("broker.request_timeout", def.Broker.RequestTimeout)
	v.SetDefault("broker.max_reconnects", def.Broker.MaxReconnects)
	v.SetDefault("broker.reconnect_wait", def.Broker.ReconnectWait)

	v.SetDefault("circuit_breaker.failure_threshold", def.CircuitBreaker.FailureThreshold)
	v.SetDefault("circuit_breaker.window", def.CircuitBreaker.Window)
	v.SetDefault("circuit_breaker.cooldown_period", def.CircuitBreaker.CooldownPeriod)
	v.SetDefault("circuit_breaker.min_samples", def.CircuitBreaker.MinSamples)

	v.SetDefault("cache.max_size", def.Cache.MaxSize)
	v.SetDefault("cache.default_ttl", def.Cache.DefaultTTL)
	v.SetDefault("cache.static_ttl", def.Cache.StaticTTL)
	v.SetDefault("cache.user_scoped_ttl", def.Cache.UserScopedTTL)
	v.SetDefault("cache.volatile_ttl", def.Cache.VolatileTTL)
	v.SetDefault("cache.cleanup_interval", def.Cache.CleanupInterval)
	v.SetDefault("cache.eviction", def.Cache.Eviction)
	v.SetDefault("cache.exclusions", def.Cache.Exclusions)

	v.SetDefault("idempotency.ttl", def.Idempotency.TTL)
	v.SetDefault("idempotency.cleanup_interval", def.Idempotency.CleanupInterval)
	v.SetDefault("idempotency.max_entries", def.Idempotency.MaxEntries)
	v.SetDefault("idempotency.eviction", def.Idempotency.Eviction)

	v.SetDefault("queue_system.enabled", def.QueueSystem.Enabled)
	v.SetDefault("queue_system.default_queue_name", def.QueueSystem.DefaultQueueName)
	v.SetDefault("queue_system.job_ttl", def.QueueSystem.JobTTL)
	v.SetDefault("queue_system.polling_timeout", def.QueueSystem.PollingTimeout)
	v.SetDefault("queue_system.config_key", def.QueueSystem.ConfigKey)
	v.SetDefault("queue_system.config_channel", def.QueueSystem.ConfigChannel)
	v.SetDefault("queue_system.result_ttl", def.QueueSystem.ResultTTL)
	v.SetDefault("queue_system.result_history_limit", def.QueueSystem.ResultHistoryLimit)
	v.SetDefault("queue_system.exclusions", def.QueueSystem.Exclusions)
	v.SetDefault("queue_system.bootstrap", def.QueueSystem.Bootstrap)
	v.SetDefault("queue_system.worker_strategy", def.QueueSystem.WorkerStrategy)
	v.SetDefault("queue_system.max_workers_per_queue", def.QueueSystem.MaxWorkersPerQueue)

	v.SetDefault("http.addr", def.HTTP.Addr)
	v.SetDefault("http.admin_addr", def.HTTP.AdminAddr)
	v.SetDefault("http.rate_limit_per_second", def.HTTP.RateLimitPerSecond)
	v.SetDefault("http.rate_limit_burst", def.HTTP.RateLimitBurst)
	v.SetDefault("http.audit_log_path", def.HTTP.AuditLogPath)
	v.SetDefault("http.audit_max_size_mb", def.HTTP.AuditMaxSizeMB)
	v.SetDefault("http.audit_max_backups", def.HTTP.AuditMaxBackups)
	v.SetDefault("http.audit_max_age_days", def.HTTP.AuditMaxAgeDays)
	v.SetDefault("http.admin_auth_enabled", def.HTTP.AdminAuthEnabled)
	v.SetDefault("http.admin_auth_secret", def.HTTP.AdminAuthSecret)
	v.SetDefault("http.admin_rate_limit_per_minute", def.HTTP.AdminRateLimitPerMinute)
	v.SetDefault("http.admin_rate_limit_burst", def.HTTP.AdminRateLimitBurst)

	v.SetDefault("observability.metrics_port", def.Observability.MetricsPort)
	v.SetDefault("observability.log_level", def.Observability.LogLevel)
	v.SetDefault("observability.tracing.enabled", def.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", def.Observability.Tracing.Endpoint)
	v.SetDefault("observability.queue_sample_interval", def.Observability.QueueSampleInterval)

	v.SetDefault("housekeeping.status_gc_cron", def.Housekeeping.StatusGCCron)
	v.SetDefault("housekeeping.cache_sweep_cron", def.Housekeeping.CacheSweepCron)
}

// Validate checks config constraints and returns an error on invalid settings.
func Validate(cfg *Config) error {
	if cfg.Broker.URL == "" {
		return fmt.Errorf("broker.url must be set")
	}
	if cfg.QueueSystem.DefaultQueueName == "" {
		return fmt.Errorf("queue_system.default_queue_name must be set")
	}
	foundDefault := false
	names := map[string]bool{}
	for _, q := range cfg.QueueSystem.Bootstrap {
		if names[q.Name] {
			return fmt.Errorf("queue_system.bootstrap has duplicate queue name %q", q.Name)
		}
		names[q.Name] = true
		if q.Concurrency < 1 {
			return fmt.Errorf("queue %q: concurrency must be >= 1", q.Name)
		}
		if q.Workers < 0 {
			return fmt.Errorf("queue %q: workers must be >= 0", q.Name)
		}
		if q.Name == cfg.QueueSystem.DefaultQueueName {
			foundDefault = true
		}
	}
	if len(cfg.QueueSystem.Bootstrap) > 0 && !foundDefault {
		return fmt.Errorf("queue_system.bootstrap must include the default queue %q", cfg.QueueSystem.DefaultQueueName)
	}
	if cfg.QueueSystem.ResultHistoryLimit < 1 {
		return fmt.Errorf("queue_system.result_history_limit must be >= 1")
	}
	if cfg.Cache.MaxSize < 1 {
		return fmt.Errorf("cache.max_size must be >= 1")
	}
	switch cfg.Cache.Eviction {
	case "lru", "fifo", "oldest":
	default:
		return fmt.Errorf("cache.eviction must be one of lru|fifo|oldest")
	}
	if cfg.HTTP.RateLimitPerSecond <= 0 {
		return fmt.Errorf("http.rate_limit_per_second must be > 0")
	}
	if cfg.Observability.MetricsPort <= 0 || cfg.Observability.MetricsPort > 65535 {
		return fmt.Errorf("observability.metrics_port must be 1..65535")
	}
	if cfg.HTTP.AdminAuthEnabled && cfg.HTTP.AdminAuthSecret == "" {
		return fmt.Errorf("http.admin_auth_secret must be set when http.admin_auth_enabled is true")
	}
	return nil
}
