package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetViper clears viper's global state between tests.
func resetViper() {
	viper.Reset()
}

func unsetEnvKeys(keys ...string) {
	for _, k := range keys {
		_ = os.Unsetenv(k)
	}
}

func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	err := os.WriteFile(path, []byte(content), 0o600)
	require.NoError(t, err)
	return path
}

func TestLoadConfigFromEnv_Defaults(t *testing.T) {
	resetViper()
	unsetEnvKeys(
		"REDIS_ADDR",
		"DATABASE_HOST",
		"DATABASE_DATABASE",
		"APP_ENVIRONMENT",
		"APP_DEBUG",
		"PROFILE_DEFAULT_TTL",
		"REAPER_BATCH_SIZE",
		"REAPER_LOCK_EXPIRE_TIME",
		"REAPER_MAX_EXECUTION_TIME",
	)

	cfg, err := LoadConfigFromEnv()
	require.NoError(t, err)

	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "development", cfg.App.Environment)
	assert.False(t, cfg.App.Debug)
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, "pulsehub", cfg.Database.Database)

	assert.Equal(t, 168*time.Hour, cfg.Profile.DefaultTTL)
	assert.Equal(t, 24*time.Hour, cfg.Profile.ActiveUsersTTL)
	assert.Equal(t, 1000, cfg.Reaper.BatchSize)
	assert.Equal(t, 100, cfg.Reaper.MaxIterations)
	assert.Equal(t, 50*time.Minute, cfg.Reaper.LockExpireTime)
	assert.Equal(t, 45*time.Minute, cfg.Reaper.MaxExecutionTime)
	assert.Equal(t, "0 * * * *", cfg.Reaper.ScheduleCron)
}

func TestLoadConfig_File(t *testing.T) {
	resetViper()
	unsetEnvKeys("DATABASE_HOST", "APP_ENVIRONMENT", "APP_DEBUG", "REDIS_ADDR")

	yaml := `
app:
  environment: "production"
  debug: false
database:
  host: "db.local"
  port: 5433
  database: "testdb"
  username: "user"
  password: "pass"
  ssl_mode: "disable"
redis:
  addr: "redis:6379"
log:
  level: "debug"
profile:
  default_ttl: "48h"
reaper:
  batch_size: 500
  schedule_cron: "30 * * * *"
`
	path := writeTempYAML(t, yaml)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.App.Environment)
	assert.False(t, cfg.App.Debug)

	assert.Equal(t, "db.local", cfg.Database.Host)
	assert.Equal(t, 5433, cfg.Database.Port)
	assert.Equal(t, "testdb", cfg.Database.Database)
	assert.Equal(t, "user", cfg.Database.Username)
	assert.Equal(t, "pass", cfg.Database.Password)
	assert.Equal(t, "disable", cfg.Database.SSLMode)

	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "debug", cfg.Log.Level)

	assert.Equal(t, 48*time.Hour, cfg.Profile.DefaultTTL)
	assert.Equal(t, 500, cfg.Reaper.BatchSize)
	assert.Equal(t, "30 * * * *", cfg.Reaper.ScheduleCron)
}

func TestLoadConfig_EnvOverridesFile(t *testing.T) {
	resetViper()
	yaml := `
database:
  host: "file-db.local"
app:
  environment: "development"
  debug: true
`
	path := writeTempYAML(t, yaml)

	require.NoError(t, os.Setenv("DATABASE_HOST", "env-db.local"))
	require.NoError(t, os.Setenv("APP_ENVIRONMENT", "production"))
	require.NoError(t, os.Setenv("APP_DEBUG", "false"))
	t.Cleanup(func() {
		unsetEnvKeys("DATABASE_HOST", "APP_ENVIRONMENT", "APP_DEBUG")
	})

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "env-db.local", cfg.Database.Host, "env should override file")
	assert.Equal(t, "production", cfg.App.Environment, "env should override file")
	assert.False(t, cfg.App.Debug, "env should override file")
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	resetViper()

	invalid := `
database:
  port: : invalid
`
	path := writeTempYAML(t, invalid)

	cfg, err := LoadConfig(path)
	require.Error(t, err)
	assert.Nil(t, cfg)
}

func TestLoadConfig_ValidationError_TTLOutOfRange(t *testing.T) {
	resetViper()

	yaml := `
profile:
  default_ttl: "1m"
`
	path := writeTempYAML(t, yaml)

	cfg, err := LoadConfig(path)
	require.Error(t, err, "default_ttl below 1h must fail validation")
	assert.Nil(t, cfg)
}

func TestLoadConfig_ValidationError_LeaseNotGreaterThanDeadline(t *testing.T) {
	resetViper()

	yaml := `
reaper:
  lock_expire_time: "10m"
  max_execution_time: "45m"
`
	path := writeTempYAML(t, yaml)

	cfg, err := LoadConfig(path)
	require.Error(t, err, "lock_expire_time must exceed max_execution_time")
	assert.Nil(t, cfg)
}

func TestValidate_RejectsEmptyScheduleCron(t *testing.T) {
	cfg := validConfig()
	cfg.Reaper.ScheduleCron = ""
	require.Error(t, cfg.Validate())
}

func TestValidate_RejectsOutOfRangeBatchSize(t *testing.T) {
	cfg := validConfig()
	cfg.Reaper.BatchSize = 10001
	require.Error(t, cfg.Validate())
}

func TestGetDatabaseURL_PrefersExplicitURL(t *testing.T) {
	cfg := validConfig()
	cfg.Database.URL = "postgres://explicit/db"
	assert.Equal(t, "postgres://explicit/db", cfg.GetDatabaseURL())
}

func TestGetDatabaseURL_ConstructsFromFields(t *testing.T) {
	cfg := validConfig()
	cfg.Database.URL = ""
	url := cfg.GetDatabaseURL()
	assert.Contains(t, url, cfg.Database.Host)
	assert.Contains(t, url, cfg.Database.Database)
}

func validConfig() *Config {
	return &Config{
		Profile: ProfileConfig{DefaultTTL: 168 * time.Hour, ActiveUsersTTL: 24 * time.Hour},
		Reaper: ReaperConfig{
			BatchSize:        1000,
			MaxIterations:    100,
			LockExpireTime:   50 * time.Minute,
			MaxExecutionTime: 45 * time.Minute,
			ScheduleCron:     "0 * * * *",
		},
		Redis:    RedisConfig{Addr: "localhost:6379"},
		Database: DatabaseConfig{Host: "localhost", Database: "pulsehub"},
		Log:      LogConfig{Level: "info"},
		App:      AppConfig{Name: "pulsehub-profile-engine"},
	}
}
