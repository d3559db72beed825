// Package config loads fieldsync configuration from an optional YAML file and
// FIELDSYNC_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/logging"
	"github.com/kimhsiao/fieldsync/internal/sync/assets"
	"github.com/kimhsiao/fieldsync/internal/sync/scheduler"
)

// Asset backend kinds.
const (
	BackendHTTP = "http"
	BackendS3   = "s3"
)

// Config is the full process configuration.
type Config struct {
	DataDir  string `yaml:"data_dir"`
	DeviceID string `yaml:"device_id"`

	Log          LogConfig          `yaml:"log"`
	Remote       RemoteConfig       `yaml:"remote"`
	Assets       AssetsConfig       `yaml:"assets"`
	Retry        RetryConfig        `yaml:"retry"`
	Store        StoreConfig        `yaml:"store"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Server       ServerConfig       `yaml:"server"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// RemoteConfig points at the realtime record store.
type RemoteConfig struct {
	BaseURL           string `yaml:"base_url"`
	Token             string `yaml:"token"`
	ConditionalWrites bool   `yaml:"conditional_writes"`
}

// AssetsConfig selects and configures the asset backend. An empty Backend disables uploads.
type AssetsConfig struct {
	Backend    string          `yaml:"backend"`
	BaseURL    string          `yaml:"base_url"`
	UploadURL  string          `yaml:"upload_url"`
	Token      string          `yaml:"token"`
	RootFolder string          `yaml:"root_folder"`
	S3         assets.S3Config `yaml:"s3"`
}

type RetryConfig struct {
	Ladder         []time.Duration `yaml:"ladder"`
	MaxRetries     int             `yaml:"max_retries"`
	JitterFraction float64         `yaml:"jitter_fraction"`
	SafetyInterval time.Duration   `yaml:"safety_interval"`
}

type StoreConfig struct {
	QuotaBytes int64 `yaml:"quota_bytes"`
}

type ConnectivityConfig struct {
	ProbeURL      string        `yaml:"probe_url"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when no file or variable overrides it.
func Default() *Config {
	policy := scheduler.DefaultPolicy()
	return &Config{
		DataDir: defaultDataDir(),
		Log:     LogConfig{Level: "info"},
		Retry: RetryConfig{
			Ladder:         policy.Ladder,
			MaxRetries:     policy.MaxRetries,
			JitterFraction: policy.JitterFraction,
			SafetyInterval: 5 * time.Minute,
		},
		Store:        StoreConfig{QuotaBytes: 5 * 1024 * 1024},
		Connectivity: ConnectivityConfig{ProbeInterval: 30 * time.Second},
		Server:       ServerConfig{Addr: "127.0.0.1:8765"},
	}
}

func defaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "fieldsync")
	}
	return ".fieldsync"
}

// Load reads path (optional; an empty path skips the file), applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode parses YAML over the current values, rejecting unknown keys.
func (c *Config) decode(data []byte) error {
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return apperrors.Wrap(apperrors.ErrInvalid, "failed to parse config file", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.DataDir = envOr("FIELDSYNC_DATA_DIR", c.DataDir)
	c.DeviceID = envOr("FIELDSYNC_DEVICE_ID", c.DeviceID)
	c.Log.Level = envOr("FIELDSYNC_LOG_LEVEL", c.Log.Level)

	c.Remote.BaseURL = envOr("FIELDSYNC_REMOTE_URL", c.Remote.BaseURL)
	c.Remote.Token = envOr("FIELDSYNC_REMOTE_TOKEN", c.Remote.Token)
	c.Remote.ConditionalWrites = envBool("FIELDSYNC_CONDITIONAL_WRITES", c.Remote.ConditionalWrites)

	c.Assets.Backend = envOr("FIELDSYNC_ASSETS_BACKEND", c.Assets.Backend)
	c.Assets.BaseURL = envOr("FIELDSYNC_ASSETS_URL", c.Assets.BaseURL)
	c.Assets.UploadURL = envOr("FIELDSYNC_ASSETS_UPLOAD_URL", c.Assets.UploadURL)
	c.Assets.Token = envOr("FIELDSYNC_ASSETS_TOKEN", c.Assets.Token)
	c.Assets.RootFolder = envOr("FIELDSYNC_ASSETS_ROOT", c.Assets.RootFolder)
	c.Assets.S3.Provider = envOr("FIELDSYNC_S3_PROVIDER", c.Assets.S3.Provider)
	c.Assets.S3.Region = envOr("FIELDSYNC_S3_REGION", c.Assets.S3.Region)
	c.Assets.S3.Bucket = envOr("FIELDSYNC_S3_BUCKET", c.Assets.S3.Bucket)
	c.Assets.S3.Endpoint = envOr("FIELDSYNC_S3_ENDPOINT", c.Assets.S3.Endpoint)
	c.Assets.S3.AccountID = envOr("FIELDSYNC_S3_ACCOUNT_ID", c.Assets.S3.AccountID)
	c.Assets.S3.AccessKeyID = envOr("FIELDSYNC_S3_ACCESS_KEY", c.Assets.S3.AccessKeyID)
	c.Assets.S3.SecretAccessKey = envOr("FIELDSYNC_S3_SECRET_KEY", c.Assets.S3.SecretAccessKey)
	c.Assets.S3.UseSSL = envBool("FIELDSYNC_S3_USE_SSL", c.Assets.S3.UseSSL)

	c.Retry.Ladder = envDurations("FIELDSYNC_RETRY_LADDER", c.Retry.Ladder)
	c.Retry.MaxRetries = envInt("FIELDSYNC_MAX_RETRIES", c.Retry.MaxRetries)
	c.Retry.JitterFraction = envFloat("FIELDSYNC_JITTER_FRACTION", c.Retry.JitterFraction)
	c.Retry.SafetyInterval = envDuration("FIELDSYNC_SAFETY_INTERVAL", c.Retry.SafetyInterval)

	c.Store.QuotaBytes = envInt64("FIELDSYNC_QUOTA_BYTES", c.Store.QuotaBytes)
	c.Connectivity.ProbeURL = envOr("FIELDSYNC_PROBE_URL", c.Connectivity.ProbeURL)
	c.Connectivity.ProbeInterval = envDuration("FIELDSYNC_PROBE_INTERVAL", c.Connectivity.ProbeInterval)
	c.Server.Addr = envOr("FIELDSYNC_SERVER_ADDR", c.Server.Addr)
}

// Validate checks the configuration is internally consistent.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DataDir) == "" {
		return invalid("data_dir is required")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return invalid(err.Error())
	}
	if c.Remote.BaseURL != "" {
		if err := checkURL("remote.base_url", c.Remote.BaseURL); err != nil {
			return err
		}
	}
	if err := c.RetryPolicy().Validate(); err != nil {
		return invalid("retry: " + err.Error())
	}
	if c.Retry.SafetyInterval < 0 {
		return invalid("retry.safety_interval must not be negative")
	}
	if c.Store.QuotaBytes < 0 {
		return invalid("store.quota_bytes must not be negative")
	}
	if c.Connectivity.ProbeInterval < 0 {
		return invalid("connectivity.probe_interval must not be negative")
	}

	switch c.Assets.Backend {
	case "":
	case BackendHTTP:
		if err := checkURL("assets.base_url", c.Assets.BaseURL); err != nil {
			return err
		}
		if c.Assets.UploadURL != "" {
			if err := checkURL("assets.upload_url", c.Assets.UploadURL); err != nil {
				return err
			}
		}
	case BackendS3:
		if _, err := c.Assets.S3.Resolve(); err != nil {
			return err
		}
	default:
		return invalid(fmt.Sprintf("unknown assets.backend %q", c.Assets.Backend))
	}
	return nil
}

// RetryPolicy returns the scheduler policy described by the retry section.
func (c *Config) RetryPolicy() scheduler.Policy {
	return scheduler.Policy{
		Ladder:         c.Retry.Ladder,
		MaxRetries:     c.Retry.MaxRetries,
		JitterFraction: c.Retry.JitterFraction,
	}
}

// LogLevel returns the parsed log level. Validate guarantees it parses.
func (c *Config) LogLevel() logging.LogLevel {
	level, _ := logging.ParseLevel(c.Log.Level)
	return level
}

func checkURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return invalid(fmt.Sprintf("%s must be an absolute URL, got %q", field, raw))
	}
	return nil
}

func invalid(msg string) error {
	return apperrors.New(apperrors.ErrInvalid, "invalid config: "+msg)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// envDurations parses a comma-separated list such as "1s,5s,15s".
func envDurations(key string, fallback []time.Duration) []time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []time.Duration
	for _, part := range strings.Split(v, ",") {
		d, err := time.ParseDuration(strings.TrimSpace(part))
		if err != nil {
			return fallback
		}
		out = append(out, d)
	}
	return out
}
