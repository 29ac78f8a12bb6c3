package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupFrom(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func validConfig() *Config {
	cfg := Default()
	cfg.FetchQueue = "jobs"
	cfg.ResultQueue = "results"
	cfg.DataDir = "/data"
	cfg.RedisHost = "localhost"
	cfg.StorageDir = "/srv/results"
	return cfg
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "redis", cfg.QueueDriver)
	assert.Equal(t, "rsmq", cfg.RedisNamespace)
	assert.Equal(t, 120*time.Second, cfg.VisibilityTimeout)
	assert.Equal(t, 1, cfg.MaxReceiveCount)
	assert.Equal(t, 1, cfg.Concurrency)
	assert.Equal(t, "docker", cfg.MeasureRunner)
	assert.Equal(t, "sitespeedio/sitespeed.io", cfg.Image)
	assert.Equal(t, 30*time.Minute, cfg.MeasureTimeout)
	assert.Equal(t, "worker.log", cfg.LogFile)
	assert.Equal(t, ":8080", cfg.HealthAddr)
}

func TestLoadEnv(t *testing.T) {
	cfg := Default()
	err := cfg.loadEnv(lookupFrom(map[string]string{
		"FETCH_QUEUE":              "jobs",
		"REDIS_RESULT_QUEUE":       "results",
		"DATA_DIR":                 "/data",
		"REDIS_HOST":               "redis.internal",
		"REDIS_DB":                 "3",
		"QUEUE_VISIBILITY_TIMEOUT": "5m",
		"WORKER_CONCURRENCY":       "4",
		"HEALTH_ADDR":              "",
	}))
	require.NoError(t, err)

	assert.Equal(t, "jobs", cfg.FetchQueue)
	assert.Equal(t, "results", cfg.ResultQueue)
	assert.Equal(t, "/data", cfg.DataDir)
	assert.Equal(t, "redis.internal", cfg.RedisHost)
	assert.Equal(t, 3, cfg.RedisDB)
	assert.Equal(t, 5*time.Minute, cfg.VisibilityTimeout)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Empty(t, cfg.HealthAddr, "an empty variable disables the health server")
	assert.Equal(t, time.Second, cfg.PollInterval, "unset variables keep their default")
}

func TestLoadEnv_ResultQueueAlias(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.loadEnv(lookupFrom(map[string]string{"RESULT_QUEUE": "out"})))
	assert.Equal(t, "out", cfg.ResultQueue)

	cfg = Default()
	require.NoError(t, cfg.loadEnv(lookupFrom(map[string]string{
		"RESULT_QUEUE":       "out",
		"REDIS_RESULT_QUEUE": "redis-out",
	})))
	assert.Equal(t, "redis-out", cfg.ResultQueue)
}

func TestLoadEnv_InvalidValues(t *testing.T) {
	cfg := Default()
	err := cfg.loadEnv(lookupFrom(map[string]string{
		"REDIS_DB":        "zero",
		"MEASURE_TIMEOUT": "forever",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid REDIS_DB")
	assert.Contains(t, err.Error(), "invalid MEASURE_TIMEOUT")
}

func TestLoad_YAMLThenEnv(t *testing.T) {
	content := `
fetch_queue: from-file
result_queue: results
data_dir: /data
queue_driver: postgres
database_url: postgres://localhost/worker
measure_timeout: 10m
concurrency: 2
`
	path := filepath.Join(t.TempDir(), "worker.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	t.Setenv("FETCH_QUEUE", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.FetchQueue)
	assert.Equal(t, "results", cfg.ResultQueue)
	assert.Equal(t, "postgres", cfg.QueueDriver)
	assert.Equal(t, "postgres://localhost/worker", cfg.DatabaseURL)
	assert.Equal(t, 10*time.Minute, cfg.MeasureTimeout)
	assert.Equal(t, 2, cfg.Concurrency)
	assert.Equal(t, "sitespeedio/sitespeed.io", cfg.Image)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.yaml")
	require.NoError(t, os.WriteFile(path, []byte("fetch_queue: [unclosed"), 0644))

	cfg, err := Load(path)
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to parse config YAML")
}

func TestLoad_FileNotFound(t *testing.T) {
	cfg, err := Load("/nonexistent/path/worker.yaml")
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "missing fetch queue", mutate: func(c *Config) { c.FetchQueue = "" }, wantErr: "FETCH_QUEUE"},
		{name: "missing result queue", mutate: func(c *Config) { c.ResultQueue = "" }, wantErr: "REDIS_RESULT_QUEUE"},
		{name: "missing data dir", mutate: func(c *Config) { c.DataDir = "" }, wantErr: "DATA_DIR"},
		{name: "redis without host", mutate: func(c *Config) { c.RedisHost = "" }, wantErr: "REDIS_HOST"},
		{name: "unknown driver", mutate: func(c *Config) { c.QueueDriver = "sqs" }, wantErr: "QUEUE_DRIVER"},
		{
			name:    "postgres without url",
			mutate:  func(c *Config) { c.QueueDriver = "postgres"; c.RedisHost = "" },
			wantErr: "DATABASE_URL",
		},
		{
			name:   "postgres with url",
			mutate: func(c *Config) { c.QueueDriver = "Postgres"; c.RedisHost = ""; c.DatabaseURL = "postgres://x" },
		},
		{
			name:    "amqp without url",
			mutate:  func(c *Config) { c.QueueDriver = "amqp" },
			wantErr: "AMQP_URL",
		},
		{
			name:    "gcs without bucket",
			mutate:  func(c *Config) { c.StorageDriver = "gcs" },
			wantErr: "GCS_BUCKET",
		},
		{
			name:    "local without dir",
			mutate:  func(c *Config) { c.StorageDir = "" },
			wantErr: "STORAGE_DIR",
		},
		{
			name:   "browser runner needs no image",
			mutate: func(c *Config) { c.MeasureRunner = "browser"; c.Image = "" },
		},
		{name: "zero concurrency", mutate: func(c *Config) { c.Concurrency = 0 }, wantErr: "WORKER_CONCURRENCY"},
		{name: "zero max receive", mutate: func(c *Config) { c.MaxReceiveCount = 0 }, wantErr: "QUEUE_MAX_RECEIVE_COUNT"},
		{name: "bad log level", mutate: func(c *Config) { c.LogLevel = "verbose" }, wantErr: "LOG_LEVEL"},
		{name: "bad public url", mutate: func(c *Config) { c.PublicBaseURL = "not a url" }, wantErr: "PUBLIC_BASE_URL"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_ExpandsHome(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	cfg := validConfig()
	cfg.DataDir = "~/pagetest"
	require.NoError(t, cfg.Validate())
	assert.Equal(t, filepath.Join(home, "pagetest"), cfg.DataDir)
}

func TestValidate_MakesDirectoriesAbsolute(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg := validConfig()
	cfg.DataDir = "data"
	cfg.StorageDir = "./results"
	cfg.AssetsDir = ""
	require.NoError(t, cfg.Validate())

	assert.Equal(t, filepath.Join(dir, "data"), cfg.DataDir)
	assert.Equal(t, filepath.Join(dir, "results"), cfg.StorageDir)
	assert.Empty(t, cfg.AssetsDir, "an unset directory stays unset")
}

func TestRedisAddr(t *testing.T) {
	tests := []struct {
		host string
		want string
	}{
		{"", ""},
		{"localhost", "localhost:6379"},
		{"redis:6380", "redis:6380"},
		{"::1", "[::1]:6379"},
	}
	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			cfg := &Config{RedisHost: tt.host}
			assert.Equal(t, tt.want, cfg.RedisAddr())
		})
	}
}

func TestValidateExcept(t *testing.T) {
	cfg := Default()
	cfg.DataDir = "/data"
	cfg.StorageDir = "/srv/results"

	require.Error(t, cfg.Validate())
	assert.NoError(t, cfg.ValidateExcept("FetchQueue", "ResultQueue", "RedisHost"))
}
