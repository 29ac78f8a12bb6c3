// Package config provides configuration loading and validation for the worker.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

// Defaults applied before the config file and the environment.
const (
	DefaultQueueDriver       = "redis"
	DefaultRedisNamespace    = "rsmq"
	DefaultRedisPort         = "6379"
	DefaultVisibilityTimeout = 120 * time.Second
	DefaultPollInterval      = time.Second
	DefaultMaxReceiveCount   = 1
	DefaultConcurrency       = 1
	DefaultMeasureRunner     = "docker"
	DefaultImage             = "sitespeedio/sitespeed.io"
	DefaultMeasureTimeout    = 30 * time.Minute
	DefaultStorageDriver     = "local"
	DefaultPublicBaseURL     = "http://results.sitespeed.io/"
	DefaultHealthAddr        = ":8080"
	DefaultLogLevel          = "info"
	DefaultLogFile           = "worker.log"
)

// Config is the complete worker configuration. Every field can come from the
// YAML file and from the environment variable named in its env tag.
type Config struct {
	FetchQueue  string `yaml:"fetch_queue" env:"FETCH_QUEUE" validate:"required"`
	ResultQueue string `yaml:"result_queue" env:"REDIS_RESULT_QUEUE" validate:"required"`
	DataDir     string `yaml:"data_dir" env:"DATA_DIR" validate:"required"`

	QueueDriver       string        `yaml:"queue_driver" env:"QUEUE_DRIVER" validate:"oneof=redis postgres amqp"`
	RedisHost         string        `yaml:"redis_host" env:"REDIS_HOST" validate:"required_if=QueueDriver redis"`
	RedisPassword     string        `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB           int           `yaml:"redis_db" env:"REDIS_DB" validate:"min=0"`
	RedisNamespace    string        `yaml:"redis_namespace" env:"REDIS_NAMESPACE" validate:"required_if=QueueDriver redis"`
	DatabaseURL       string        `yaml:"database_url" env:"DATABASE_URL" validate:"required_if=QueueDriver postgres"`
	AMQPURL           string        `yaml:"amqp_url" env:"AMQP_URL" validate:"required_if=QueueDriver amqp"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout" env:"QUEUE_VISIBILITY_TIMEOUT" validate:"gt=0"`
	PollInterval      time.Duration `yaml:"poll_interval" env:"QUEUE_POLL_INTERVAL" validate:"gt=0"`
	MaxReceiveCount   int           `yaml:"max_receive_count" env:"QUEUE_MAX_RECEIVE_COUNT" validate:"min=1"`
	Concurrency       int           `yaml:"concurrency" env:"WORKER_CONCURRENCY" validate:"min=1,max=64"`

	MeasureRunner        string        `yaml:"measure_runner" env:"MEASURE_RUNNER" validate:"oneof=docker browser"`
	Image                string        `yaml:"image" env:"DOCKER_SITESPEEDIO" validate:"required_if=MeasureRunner docker"`
	MeasureTimeout       time.Duration `yaml:"measure_timeout" env:"MEASURE_TIMEOUT" validate:"gt=0"`
	ImageRefreshSchedule string        `yaml:"image_refresh_schedule" env:"IMAGE_REFRESH_SCHEDULE"`

	StorageDriver string `yaml:"storage_driver" env:"STORAGE_DRIVER" validate:"oneof=gcs local"`
	GCSBucket     string `yaml:"gcs_bucket" env:"GCS_BUCKET" validate:"required_if=StorageDriver gcs"`
	StorageDir    string `yaml:"storage_dir" env:"STORAGE_DIR" validate:"required_if=StorageDriver local"`
	PublicBaseURL string `yaml:"public_base_url" env:"PUBLIC_BASE_URL" validate:"omitempty,url"`
	AssetsDir     string `yaml:"assets_dir" env:"ASSETS_DIR"`

	HealthAddr string `yaml:"health_addr" env:"HEALTH_ADDR"`
	LogLevel   string `yaml:"log_level" env:"LOG_LEVEL" validate:"oneof=debug info warn error"`
	LogFile    string `yaml:"log_file" env:"LOG_FILE"`
}

// Default returns a Config holding only default values.
func Default() *Config {
	return &Config{
		QueueDriver:       DefaultQueueDriver,
		RedisNamespace:    DefaultRedisNamespace,
		VisibilityTimeout: DefaultVisibilityTimeout,
		PollInterval:      DefaultPollInterval,
		MaxReceiveCount:   DefaultMaxReceiveCount,
		Concurrency:       DefaultConcurrency,
		MeasureRunner:     DefaultMeasureRunner,
		Image:             DefaultImage,
		MeasureTimeout:    DefaultMeasureTimeout,
		StorageDriver:     DefaultStorageDriver,
		PublicBaseURL:     DefaultPublicBaseURL,
		HealthAddr:        DefaultHealthAddr,
		LogLevel:          DefaultLogLevel,
		LogFile:           DefaultLogFile,
	}
}

// Load builds the configuration from defaults, then the YAML file at path
// (skipped when path is empty), then the environment. Call Validate once
// flags and arguments have been applied.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.loadEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	path, err := homedir.Expand(path)
	if err != nil {
		return fmt.Errorf("failed to resolve config path %s: %w", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config YAML: %w", err)
	}
	return nil
}

// loadEnv overrides every field whose env variable is set. RESULT_QUEUE is
// accepted as an alias of REDIS_RESULT_QUEUE for the non-redis transports.
func (c *Config) loadEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("RESULT_QUEUE"); ok && v != "" {
		c.ResultQueue = v
	}

	var errs []error
	rv := reflect.ValueOf(c).Elem()
	rt := rv.Type()
	for i := 0; i < rt.NumField(); i++ {
		key := rt.Field(i).Tag.Get("env")
		if key == "" {
			continue
		}
		v, ok := lookup(key)
		if !ok {
			continue
		}
		if err := setField(rv.Field(i), v); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s: %w", key, err))
		}
	}
	return errors.Join(errs...)
}

func setField(f reflect.Value, v string) error {
	switch f.Interface().(type) {
	case string:
		f.SetString(v)
	case time.Duration:
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		f.SetInt(int64(d))
	case int:
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		f.SetInt(int64(n))
	default:
		return fmt.Errorf("unsupported field type %s", f.Type())
	}
	return nil
}

// Validate makes directory paths absolute and checks the configuration against its struct
// rules. Errors name the offending variables.
func (c *Config) Validate() error {
	return c.ValidateExcept()
}

// ValidateExcept is Validate with the rules of the named fields skipped, for
// commands that only use part of the configuration.
func (c *Config) ValidateExcept(fields ...string) error {
	c.QueueDriver = strings.ToLower(c.QueueDriver)
	c.MeasureRunner = strings.ToLower(c.MeasureRunner)
	c.StorageDriver = strings.ToLower(c.StorageDriver)
	c.LogLevel = strings.ToLower(c.LogLevel)

	// DataDir is bind-mounted into the container, where a relative path would
	// name a docker volume instead.
	for _, p := range []*string{&c.DataDir, &c.StorageDir, &c.AssetsDir} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("config error: %w", err)
		}
		abs, err := filepath.Abs(expanded)
		if err != nil {
			return fmt.Errorf("config error: %w", err)
		}
		*p = abs
	}

	err := validator.New().StructExcept(c, fields...)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("config error: %w", err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s (%s)", envName(fe.StructField()), fe.Tag()))
	}
	return fmt.Errorf("config error: invalid or missing %s", strings.Join(msgs, ", "))
}

// RedisAddr returns RedisHost with the default port added when it has none.
func (c *Config) RedisAddr() string {
	if c.RedisHost == "" {
		return ""
	}
	if _, _, err := net.SplitHostPort(c.RedisHost); err == nil {
		return c.RedisHost
	}
	return net.JoinHostPort(c.RedisHost, DefaultRedisPort)
}

func envName(field string) string {
	if f, ok := reflect.TypeOf(Config{}).FieldByName(field); ok {
		if key := f.Tag.Get("env"); key != "" {
			return key
		}
	}
	return field
}
