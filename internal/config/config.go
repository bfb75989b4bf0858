package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete PulseHub Profile Engine configuration.
type Config struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Database DatabaseConfig `mapstructure:"database"`
	Log      LogConfig      `mapstructure:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	App      AppConfig      `mapstructure:"app"`

	// Profile holds the Dynamic Profile Store's TTL and key-space defaults.
	Profile ProfileConfig `mapstructure:"profile"`

	// Reaper holds the TTL-Aware Expiry Reaper's batch, lease, and
	// deadline knobs.
	Reaper ReaperConfig `mapstructure:"reaper"`
}

// ProfileConfig holds the Dynamic Profile Store's TTL defaults.
type ProfileConfig struct {
	// DefaultTTL is the TTL applied to newly-created and mutated profiles.
	// Range: 1h - 30 days.
	DefaultTTL time.Duration `mapstructure:"default_ttl"`

	// ActiveUsersTTL is loaded and defaulted but not read by the server; the
	// index maintainer sets each index key's TTL to the profile's TTL plus a
	// fixed 24h padding.
	ActiveUsersTTL time.Duration `mapstructure:"active_users_ttl"`
}

// ReaperConfig holds the TTL-Aware Expiry Reaper's tunables.
type ReaperConfig struct {
	// BatchSize bounds how many expired entries are reconciled per sweep
	// iteration. Range: 1-10000.
	BatchSize int `mapstructure:"batch_size"`

	// MaxIterations hard-caps the number of batches a single sweep may run.
	MaxIterations int `mapstructure:"max_iterations"`

	// LockExpireTime is the lease duration acquired before a sweep starts.
	// MUST be greater than MaxExecutionTime.
	LockExpireTime time.Duration `mapstructure:"lock_expire_time"`

	// MaxExecutionTime is the outer deadline enforced independently of the
	// lease, bounding total sweep wall-clock time.
	MaxExecutionTime time.Duration `mapstructure:"max_execution_time"`

	// ScheduleCron is the cron expression governing scheduled sweep runs.
	ScheduleCron string `mapstructure:"schedule_cron"`
}

// DatabaseConfig holds Postgres connection configuration, used by both the
// Static Profile Collaborator and the Cold-Tier Document Collaborator.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Database        string        `mapstructure:"database"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConnections  int           `mapstructure:"max_connections"`
	MinConnections  int           `mapstructure:"min_connections"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
	URL             string        `mapstructure:"url"`
}

// RedisConfig holds Redis connection configuration — the backing store for
// the hot tier (profiles, indices, lease primitive, cache.Cache instances).
type RedisConfig struct {
	Addr            string        `mapstructure:"addr"`
	Password        string        `mapstructure:"password"`
	DB              int           `mapstructure:"db"`
	PoolSize        int           `mapstructure:"pool_size"`
	MinIdleConns    int           `mapstructure:"min_idle_conns"`
	DialTimeout     time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
	MinRetryBackoff time.Duration `mapstructure:"min_retry_backoff"`
	MaxRetryBackoff time.Duration `mapstructure:"max_retry_backoff"`
}

// LogConfig holds logging configuration, including lumberjack-backed file
// rotation when Output is set to a filename rather than stdout.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// AppConfig holds application-identity configuration.
type AppConfig struct {
	Name          string        `mapstructure:"name"`
	Version       string        `mapstructure:"version"`
	Environment   string        `mapstructure:"environment"`
	Debug         bool          `mapstructure:"debug"`
	Timezone      string        `mapstructure:"timezone"`
	MaxWorkers    int           `mapstructure:"max_workers"`
	WorkerTimeout time.Duration `mapstructure:"worker_timeout"`
}

// MetricsConfig holds the Prometheus exposition endpoint configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	Port    int    `mapstructure:"port"`
}

// LoadConfig loads configuration from file, then environment variables,
// then validates it.
func LoadConfig(configPath string) (*Config, error) {
	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configPath != "" {
		viper.SetConfigFile(configPath)
		viper.SetConfigType("yaml")

		if err := viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadConfigFromEnv loads configuration from environment variables only.
func LoadConfigFromEnv() (*Config, error) {
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

func setDefaults() {
	// Profile defaults
	viper.SetDefault("profile.default_ttl", "168h") // 7 days
	viper.SetDefault("profile.active_users_ttl", "24h")

	// Reaper defaults
	viper.SetDefault("reaper.batch_size", 1000)
	viper.SetDefault("reaper.max_iterations", 100)
	viper.SetDefault("reaper.lock_expire_time", "50m")
	viper.SetDefault("reaper.max_execution_time", "45m")
	viper.SetDefault("reaper.schedule_cron", "0 * * * *") // top-of-hour UTC

	// Database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.database", "pulsehub")
	viper.SetDefault("database.username", "dev")
	viper.SetDefault("database.password", "dev")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_connections", 25)
	viper.SetDefault("database.min_connections", 5)
	viper.SetDefault("database.max_conn_lifetime", "1h")
	viper.SetDefault("database.max_conn_idle_time", "30m")
	viper.SetDefault("database.connect_timeout", "10s")
	viper.SetDefault("database.query_timeout", "30s")

	// Redis defaults
	viper.SetDefault("redis.addr", "localhost:6379")
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)
	viper.SetDefault("redis.pool_size", 10)
	viper.SetDefault("redis.min_idle_conns", 5)
	viper.SetDefault("redis.dial_timeout", "5s")
	viper.SetDefault("redis.read_timeout", "3s")
	viper.SetDefault("redis.write_timeout", "3s")
	viper.SetDefault("redis.max_retries", 3)
	viper.SetDefault("redis.min_retry_backoff", "100ms")
	viper.SetDefault("redis.max_retry_backoff", "500ms")

	// Log defaults
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "json")
	viper.SetDefault("log.output", "stdout")
	viper.SetDefault("log.filename", "")
	viper.SetDefault("log.max_size", 100)
	viper.SetDefault("log.max_backups", 3)
	viper.SetDefault("log.max_age", 28)
	viper.SetDefault("log.compress", true)

	// App defaults
	viper.SetDefault("app.name", "pulsehub-profile-engine")
	viper.SetDefault("app.version", "1.0.0")
	viper.SetDefault("app.environment", "development")
	viper.SetDefault("app.debug", false)
	viper.SetDefault("app.timezone", "UTC")
	viper.SetDefault("app.max_workers", 10)
	viper.SetDefault("app.worker_timeout", "5m")

	// Metrics defaults
	viper.SetDefault("metrics.enabled", true)
	viper.SetDefault("metrics.path", "/metrics")
	viper.SetDefault("metrics.port", 9090)
}

// Validate validates the configuration against the engine's documented
// bounds (profile TTL range, reaper lease/deadline ordering, batch bounds).
func (c *Config) Validate() error {
	if c.Profile.DefaultTTL < time.Hour || c.Profile.DefaultTTL > 30*24*time.Hour {
		return fmt.Errorf("profile.default_ttl must be between 1h and 30 days, got %s", c.Profile.DefaultTTL)
	}

	if c.Reaper.BatchSize < 1 || c.Reaper.BatchSize > 10000 {
		return fmt.Errorf("reaper.batch_size must be between 1 and 10000, got %d", c.Reaper.BatchSize)
	}

	if c.Reaper.MaxIterations < 1 {
		return fmt.Errorf("reaper.max_iterations must be positive, got %d", c.Reaper.MaxIterations)
	}

	if c.Reaper.LockExpireTime <= c.Reaper.MaxExecutionTime {
		return fmt.Errorf("reaper.lock_expire_time (%s) must be greater than reaper.max_execution_time (%s)",
			c.Reaper.LockExpireTime, c.Reaper.MaxExecutionTime)
	}

	if c.Reaper.ScheduleCron == "" {
		return fmt.Errorf("reaper.schedule_cron cannot be empty")
	}

	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr cannot be empty")
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database.host cannot be empty")
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database.database cannot be empty")
	}

	if c.Log.Level == "" {
		return fmt.Errorf("log.level cannot be empty")
	}

	if c.App.Name == "" {
		return fmt.Errorf("app.name cannot be empty")
	}

	return nil
}

// GetDatabaseURL constructs a Postgres connection URL from configuration.
func (c *Config) GetDatabaseURL() string {
	if c.Database.URL != "" {
		return c.Database.URL
	}

	sslMode := c.Database.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.Username,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
		sslMode,
	)
}

// IsDevelopment returns true if the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.App.Environment == "development"
}

// IsProduction returns true if the application is running in production mode.
func (c *Config) IsProduction() bool {
	return c.App.Environment == "production"
}

// IsDebug returns true if debug mode is enabled.
func (c *Config) IsDebug() bool {
	return c.App.Debug || c.IsDevelopment()
}
