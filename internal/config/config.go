// Package config provides configuration loading for the GPU orchestrator.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/riftforge/gpu-orchestrator/internal/models"
)

// Config holds all configuration for the application.
type Config struct {
	Server    ServerConfig          `mapstructure:"server"`
	Database  DatabaseConfig        `mapstructure:"database"`
	Redis     RedisConfig           `mapstructure:"redis"`
	Upstream  UpstreamConfig        `mapstructure:"upstream"`
	Queue     QueueConfig           `mapstructure:"queue"`
	Webhook   WebhookConfig         `mapstructure:"webhook"`
	Probe     ProbeConfig           `mapstructure:"probe"`
	Migration MigrationConfig       `mapstructure:"migration"`
	Cache     CacheConfig           `mapstructure:"cache"`
	Regions   []models.RegionConfig `mapstructure:"regions"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Host         string        `mapstructure:"host"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	Environment  string        `mapstructure:"environment"`
	LogLevel     string        `mapstructure:"log_level"`
}

// DatabaseConfig holds PostgreSQL configuration for the audit trail.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// RedisConfig holds the KV/queue backend configuration, populated from
// the redis.* keys (GPUORCH_REDIS_HOST, GPUORCH_REDIS_PASSWORD, ...).
// REDIS_URL and REDIS_TOKEN are not read.
type RedisConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	Namespace string `mapstructure:"namespace"`
}

// Addr returns the Redis address string.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// UpstreamConfig configures the upstream provider adapter.
type UpstreamConfig struct {
	APIKey             string        `mapstructure:"api_key"`
	BaseURL            string        `mapstructure:"base_url"`
	DefaultRegion      string        `mapstructure:"default_region"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout"`
	MaxRetryAttempts   int           `mapstructure:"max_retry_attempts"`
	RetryBaseDelay     time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay      time.Duration `mapstructure:"retry_max_delay"`
	BreakerThreshold   int           `mapstructure:"breaker_threshold"`
	BreakerCooldown    time.Duration `mapstructure:"breaker_cooldown"`
	InstancePollPeriod time.Duration `mapstructure:"instance_poll_interval"`
}

// QueueConfig configures the job queue and worker pool.
type QueueConfig struct {
	MaxConcurrentJobs int           `mapstructure:"max_concurrent_jobs"`
	LeaseDuration     time.Duration `mapstructure:"lease_duration"`
	JobTimeout        time.Duration `mapstructure:"job_timeout"`
	RetentionPeriod   time.Duration `mapstructure:"retention_period"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	Concurrency       map[string]int
}

// WebhookConfig configures the webhook deliverer.
type WebhookConfig struct {
	Timeout    time.Duration `mapstructure:"timeout"`
	Secret     string        `mapstructure:"secret"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// ProbeConfig configures the readiness prober defaults.
type ProbeConfig struct {
	TimeoutMs     int64 `mapstructure:"timeout_ms"`
	RetryAttempts int   `mapstructure:"retry_attempts"`
	RetryDelayMs  int64 `mapstructure:"retry_delay_ms"`
	MaxWaitMs     int64 `mapstructure:"max_wait_ms"`
}

// MigrationConfig configures the migration scheduler.
type MigrationConfig struct {
	Enabled               bool          `mapstructure:"enabled"`
	ScheduleInterval       time.Duration `mapstructure:"schedule_interval"`
	JobTimeout             time.Duration `mapstructure:"job_timeout"`
	MaxConcurrentMigrations int          `mapstructure:"max_concurrent"`
	DryRun                 bool          `mapstructure:"dry_run"`
	RetryFailedMigrations  bool          `mapstructure:"retry_failed"`
}

// CacheConfig configures the named cache instances.
type CacheConfig struct {
	DefaultTTL            time.Duration `mapstructure:"default_ttl"`
	MergedInstancesTTL     time.Duration `mapstructure:"merged_instances_ttl"`
	CleanupInterval        time.Duration `mapstructure:"cleanup_interval"`
	MaxSize                int           `mapstructure:"max_size"`
}

// Load reads configuration from files and environment variables,
// validating ranges. An invalid value is a CONFIGURATION
// error; callers (cmd/server/main.go) treat it as fatal.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/gpu-orchestrator")

	v.SetEnvPrefix("GPUORCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Queue.Concurrency = defaultConcurrency(v)
	if len(cfg.Regions) == 0 {
		// No regions.* config section found; fall back to a single
		// region built from upstream.default_region so the selector
		// always has at least one candidate to try.
		cfg.Regions = []models.RegionConfig{{ID: cfg.Upstream.DefaultRegion, Name: cfg.Upstream.DefaultRegion, Priority: 0}}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate enforces the range/format constraints. Returns
// a wrapped error describing every violation found.
func (c *Config) Validate() error {
	var problems []string

	if len(c.Upstream.APIKey) < 10 {
		problems = append(problems, "upstream.api_key must be at least 10 characters")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		problems = append(problems, "server.port must be in [1,65535]")
	}
	switch c.Server.LogLevel {
	case "error", "warn", "info", "debug":
	default:
		problems = append(problems, "server.log_level must be one of error/warn/info/debug")
	}
	if d := c.Upstream.InstancePollPeriod; d < 10*time.Second || d > 300*time.Second {
		problems = append(problems, "upstream.instance_poll_interval must be in [10s,300s]")
	}
	if c.Upstream.MaxRetryAttempts < 1 || c.Upstream.MaxRetryAttempts > 10 {
		problems = append(problems, "upstream.max_retry_attempts must be in [1,10]")
	}
	if d := c.Upstream.RequestTimeout; d < 5*time.Second || d > 120*time.Second {
		problems = append(problems, "upstream.request_timeout must be in [5s,120s]")
	}
	if d := c.Webhook.Timeout; d < time.Second || d > 30*time.Second {
		problems = append(problems, "webhook.timeout must be in [1s,30s]")
	}
	if c.Queue.MaxConcurrentJobs < 1 || c.Queue.MaxConcurrentJobs > 100 {
		problems = append(problems, "queue.max_concurrent_jobs must be in [1,100]")
	}
	if d := c.Migration.ScheduleInterval; d < time.Minute || d > 60*time.Minute {
		problems = append(problems, "migration.schedule_interval must be in [1m,60m]")
	}
	if d := c.Migration.JobTimeout; d < 60*time.Second || d > 1800*time.Second {
		problems = append(problems, "migration.job_timeout must be in [60s,1800s]")
	}
	if c.Migration.MaxConcurrentMigrations < 1 || c.Migration.MaxConcurrentMigrations > 20 {
		problems = append(problems, "migration.max_concurrent must be in [1,20]")
	}
	if d := c.Cache.DefaultTTL; d < 60*time.Second || d > 3600*time.Second {
		problems = append(problems, "cache.default_ttl must be in [60s,3600s]")
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration invalid: %s", strings.Join(problems, "; "))
	}
	return nil
}

func defaultConcurrency(v *viper.Viper) map[string]int {
	return map[string]int{
		"CREATE_INSTANCE":   v.GetInt("queue.concurrency.create_instance"),
		"MONITOR_STARTUP":   v.GetInt("queue.concurrency.monitor_startup"),
		"MONITOR_INSTANCE":  v.GetInt("queue.concurrency.monitor_instance"),
		"HEALTH_CHECK":      v.GetInt("queue.concurrency.health_check"),
		"SEND_WEBHOOK":      v.GetInt("queue.concurrency.send_webhook"),
		"MIGRATE_INSTANCE":  v.GetInt("queue.concurrency.migrate_instance"),
		"MIGRATE_BATCH":     v.GetInt("queue.concurrency.migrate_batch"),
	}
}

// setDefaults configures default values for all settings.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.environment", "dev")
	v.SetDefault("server.log_level", "info")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "gpuorch")
	v.SetDefault("database.password", "gpuorch")
	v.SetDefault("database.database", "gpuorch")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.namespace", "gpuorch")

	v.SetDefault("upstream.base_url", "https://api.upstream-provider.example")
	v.SetDefault("upstream.default_region", "region-01")
	v.SetDefault("upstream.request_timeout", "30s")
	v.SetDefault("upstream.max_retry_attempts", 3)
	v.SetDefault("upstream.retry_base_delay", "500ms")
	v.SetDefault("upstream.retry_max_delay", "10s")
	v.SetDefault("upstream.breaker_threshold", 5)
	v.SetDefault("upstream.breaker_cooldown", "30s")
	v.SetDefault("upstream.instance_poll_interval", "30s")

	v.SetDefault("queue.max_concurrent_jobs", 10)
	v.SetDefault("queue.lease_duration", "60s")
	v.SetDefault("queue.job_timeout", "10m")
	v.SetDefault("queue.retention_period", "24h")
	v.SetDefault("queue.poll_interval", "100ms")
	v.SetDefault("queue.concurrency.create_instance", 10)
	v.SetDefault("queue.concurrency.monitor_startup", 50)
	v.SetDefault("queue.concurrency.monitor_instance", 50)
	v.SetDefault("queue.concurrency.health_check", 20)
	v.SetDefault("queue.concurrency.send_webhook", 20)
	v.SetDefault("queue.concurrency.migrate_instance", 5)
	v.SetDefault("queue.concurrency.migrate_batch", 1)

	v.SetDefault("webhook.timeout", "10s")
	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.max_retries", 3)

	v.SetDefault("probe.timeout_ms", 5000)
	v.SetDefault("probe.retry_attempts", 3)
	v.SetDefault("probe.retry_delay_ms", 1000)
	v.SetDefault("probe.max_wait_ms", 300000)

	v.SetDefault("migration.enabled", true)
	v.SetDefault("migration.schedule_interval", "15m")
	v.SetDefault("migration.job_timeout", "600000ms")
	v.SetDefault("migration.max_concurrent", 5)
	v.SetDefault("migration.dry_run", false)
	v.SetDefault("migration.retry_failed", true)

	v.SetDefault("cache.default_ttl", "300s")
	v.SetDefault("cache.merged_instances_ttl", "60s")
	v.SetDefault("cache.cleanup_interval", "60s")
	v.SetDefault("cache.max_size", 1000)
}
