// Package config loads exposurelog configuration from an optional YAML
// file, a .env file and EXPOSURELOG_* environment variables, in that order
// of increasing precedence.
package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kimhsiao/exposurelog/internal/backend"
	"github.com/kimhsiao/exposurelog/internal/errors"
)

const envPrefix = "EXPOSURELOG_"

type Config struct {
	DataDir      string             `yaml:"data_dir"`
	LogLevel     string             `yaml:"log_level"`
	Backend      BackendConfig      `yaml:"backend"`
	ObjectStore  ObjectStoreConfig  `yaml:"object_store"`
	Queue        QueueConfig        `yaml:"queue"`
	Sync         SyncConfig         `yaml:"sync"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	HTTP         HTTPConfig         `yaml:"http"`
}

type BackendConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

// ObjectStoreConfig enables direct-to-bucket photo uploads.
type ObjectStoreConfig struct {
	Enabled                   bool `yaml:"enabled"`
	backend.ObjectStoreConfig `yaml:",inline"`
}

type QueueConfig struct {
	MaxAttempts          int           `yaml:"max_attempts"`
	MaxConcurrentUploads int           `yaml:"max_concurrent_uploads"`
	LargeFileThreshold   int64         `yaml:"large_file_threshold_bytes"`
	AttemptTimeout       time.Duration `yaml:"attempt_timeout"`
	FailFastOnPermanent  bool          `yaml:"fail_fast_on_permanent"`
}

type SyncConfig struct {
	DrainInterval time.Duration `yaml:"drain_interval"`
	PassTimeout   time.Duration `yaml:"pass_timeout"`
}

// ConnectivityConfig configures the HTTP reachability prober used on
// hosts without a platform connectivity API.
type ConnectivityConfig struct {
	ProbeURL       string        `yaml:"probe_url"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
	ConnectionType string        `yaml:"connection_type"`
}

type HTTPConfig struct {
	Addr             string `yaml:"addr"`
	TriggerPerMinute int    `yaml:"trigger_per_minute"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		DataDir:  "./data",
		LogLevel: "info",
		Queue: QueueConfig{
			MaxAttempts:          5,
			MaxConcurrentUploads: 2,
			LargeFileThreshold:   5 * 1024 * 1024,
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval:  15 * time.Second,
			ConnectionType: "wifi",
		},
		HTTP: HTTPConfig{
			Addr:             "127.0.0.1:8089",
			TriggerPerMinute: 6,
		},
	}
}

// Load builds a Config from defaults, the YAML file at path (optional),
// envFiles (default ".env", missing files ignored) and the environment.
func Load(path string, envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrap(errors.ErrConfig, "load "+f, err)
		}
	}

	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(errors.ErrConfig, "read config file", err)
		}
		if err := decodeYAML(raw, cfg); err != nil {
			return nil, errors.Wrap(errors.ErrConfig, "parse "+path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decodeYAML(raw []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return err
	}
	return nil
}

// applyEnv overrides fields from EXPOSURELOG_* variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(envPrefix + name); ok {
			*dst = v
		}
	}
	var firstErr error
	fail := func(name string, err error) {
		if firstErr == nil {
			firstErr = errors.Wrap(errors.ErrConfig, fmt.Sprintf("invalid %s%s", envPrefix, name), err)
		}
	}
	integer := func(name string, dst *int) {
		if v, ok := lookup(envPrefix + name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				fail(name, err)
				return
			}
			*dst = n
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v, ok := lookup(envPrefix + name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				fail(name, err)
				return
			}
			*dst = d
		}
	}
	boolean := func(name string, dst *bool) {
		if v, ok := lookup(envPrefix + name); ok {
			b, err := strconv.ParseBool(v)
			if err != nil {
				fail(name, err)
				return
			}
			*dst = b
		}
	}

	str("DATA_DIR", &c.DataDir)
	str("LOG_LEVEL", &c.LogLevel)

	str("BACKEND_URL", &c.Backend.BaseURL)
	str("BACKEND_TOKEN", &c.Backend.Token)
	duration("BACKEND_TIMEOUT", &c.Backend.Timeout)

	boolean("S3_ENABLED", &c.ObjectStore.Enabled)
	str("S3_PROVIDER", &c.ObjectStore.Provider)
	str("S3_ENDPOINT", &c.ObjectStore.Endpoint)
	str("S3_ACCOUNT_ID", &c.ObjectStore.AccountID)
	str("S3_BUCKET", &c.ObjectStore.BucketName)
	str("S3_REGION", &c.ObjectStore.Region)
	str("S3_ACCESS_KEY", &c.ObjectStore.AccessKey)
	str("S3_SECRET_KEY", &c.ObjectStore.SecretKey)
	boolean("S3_USE_SSL", &c.ObjectStore.UseSSL)

	integer("MAX_ATTEMPTS", &c.Queue.MaxAttempts)
	integer("MAX_CONCURRENT_UPLOADS", &c.Queue.MaxConcurrentUploads)
	if v, ok := lookup(envPrefix + "LARGE_FILE_THRESHOLD"); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			fail("LARGE_FILE_THRESHOLD", err)
		} else {
			c.Queue.LargeFileThreshold = n
		}
	}
	duration("ATTEMPT_TIMEOUT", &c.Queue.AttemptTimeout)
	boolean("FAIL_FAST_ON_PERMANENT", &c.Queue.FailFastOnPermanent)

	duration("DRAIN_INTERVAL", &c.Sync.DrainInterval)
	duration("PASS_TIMEOUT", &c.Sync.PassTimeout)

	str("PROBE_URL", &c.Connectivity.ProbeURL)
	duration("PROBE_INTERVAL", &c.Connectivity.ProbeInterval)
	str("CONNECTION_TYPE", &c.Connectivity.ConnectionType)

	str("HTTP_ADDR", &c.HTTP.Addr)
	integer("TRIGGER_PER_MINUTE", &c.HTTP.TriggerPerMinute)

	return firstErr
}

// Validate rejects configurations the queues cannot run with.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.DataDir) == "" {
		problems = append(problems, "data_dir is required")
	}
	if c.Queue.MaxAttempts < 1 {
		problems = append(problems, "queue.max_attempts must be at least 1")
	}
	if c.Queue.MaxConcurrentUploads < 1 {
		problems = append(problems, "queue.max_concurrent_uploads must be at least 1")
	}
	if c.Queue.LargeFileThreshold < 1 {
		problems = append(problems, "queue.large_file_threshold_bytes must be positive")
	}
	if c.Queue.AttemptTimeout < 0 || c.Sync.DrainInterval < 0 || c.Sync.PassTimeout < 0 || c.Backend.Timeout < 0 {
		problems = append(problems, "durations cannot be negative")
	}
	if c.Connectivity.ProbeURL != "" && c.Connectivity.ProbeInterval <= 0 {
		problems = append(problems, "connectivity.probe_interval must be positive when probe_url is set")
	}
	switch c.Connectivity.ConnectionType {
	case "wifi", "cellular", "other":
	default:
		problems = append(problems, fmt.Sprintf("connectivity.connection_type %q is not one of wifi, cellular, other", c.Connectivity.ConnectionType))
	}
	if c.ObjectStore.Enabled && c.ObjectStore.BucketName == "" {
		problems = append(problems, "object_store.bucket is required when enabled")
	}
	if c.HTTP.TriggerPerMinute < 1 {
		problems = append(problems, "http.trigger_per_minute must be at least 1")
	}

	if len(problems) > 0 {
		return errors.New(errors.ErrConfig, strings.Join(problems, "; "))
	}
	return nil
}
