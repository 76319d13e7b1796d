// Package config loads and validates the snapqueue YAML configuration.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by validation when a field is unset.
const (
	DefaultProbeInterval  = 5 * time.Second
	DefaultRequestTimeout = 15 * time.Second
	DefaultRecoverAfter   = 1
	DefaultMaxInFlight    = 4
	DefaultRetryInterval  = 30 * time.Second
	DefaultTombstoneTTL   = 24 * time.Hour
	DefaultListenAddr     = "127.0.0.1:7480"
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// APIURL is the base URL of the remote photo collection (e.g. "https://photos.example.com/api").
	APIURL string `yaml:"api_url"`

	// APIToken is an optional bearer token sent with every gateway request.
	APIToken string `yaml:"api_token,omitempty"`

	// ProbeURL is the reachability target. Defaults to APIURL.
	ProbeURL string `yaml:"probe_url,omitempty"`

	// ProbeInterval controls how often connectivity is probed.
	// Minimum 1s, maximum 5m. Defaults to 5s if unset.
	ProbeInterval time.Duration `yaml:"probe_interval"`

	// RequestTimeout bounds every gateway call. Maximum 2m. Defaults to 15s.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// RecoverAfter is the number of consecutive successful probes needed
	// before the network counts as usable again. Defaults to 1.
	RecoverAfter int `yaml:"recover_after"`

	// MaxInFlight bounds concurrent uploads per retry or flush. Defaults to 4.
	MaxInFlight int `yaml:"max_in_flight"`

	// RetryInterval is how often errored uploads are checked for retry.
	// Defaults to 30s.
	RetryInterval time.Duration `yaml:"retry_interval"`

	// AutoRetry enables automatic retries of errored uploads. Defaults to
	// true; set to false to retry only on request.
	AutoRetry *bool `yaml:"auto_retry,omitempty"`

	// TombstoneTTL is how long a confirmed removal keeps suppressing its ID.
	// Defaults to 24h; a negative value keeps tombstones forever.
	TombstoneTTL time.Duration `yaml:"tombstone_ttl"`

	// JournalPath is the SQLite journal for queued uploads. Empty keeps the
	// queue in memory only.
	JournalPath string `yaml:"journal_path,omitempty"`

	// ListenAddr is the host:port of the local control API. Defaults to
	// 127.0.0.1:7480.
	ListenAddr string `yaml:"listen_addr"`

	// InboxDir, when set, is watched for new image files that are queued
	// for upload automatically.
	InboxDir string `yaml:"inbox_dir,omitempty"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "snapqueue".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request, e.g. Authorization: "Bearer <token>".
	Headers map[string]string `yaml:"headers,omitempty"`
}

// RetryAutomatically reports whether errored uploads are retried without
// being asked.
func (c *Config) RetryAutomatically() bool {
	return c.AutoRetry == nil || *c.AutoRetry
}

// DefaultPath returns the default config file path: ~/.config/snapqueue/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "snapqueue", "config.yaml"), nil
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required fields are present and well-formed and
// fills in defaults.
func (c *Config) validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("api_url is required")
	}
	if !isHTTPURL(c.APIURL) {
		return fmt.Errorf("api_url %q must be a valid http or https URL", c.APIURL)
	}
	if c.ProbeURL == "" {
		c.ProbeURL = c.APIURL
	}
	if !isHTTPURL(c.ProbeURL) {
		return fmt.Errorf("probe_url %q must be a valid http or https URL", c.ProbeURL)
	}

	if c.ProbeInterval == 0 {
		c.ProbeInterval = DefaultProbeInterval
	}
	if c.ProbeInterval < time.Second {
		return fmt.Errorf("probe_interval %v is too short (minimum 1s)", c.ProbeInterval)
	}
	if c.ProbeInterval > 5*time.Minute {
		return fmt.Errorf("probe_interval %v is too long (maximum 5m)", c.ProbeInterval)
	}

	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.RequestTimeout < 0 || c.RequestTimeout > 2*time.Minute {
		return fmt.Errorf("request_timeout %v is out of range (0, 2m]", c.RequestTimeout)
	}

	if c.RecoverAfter == 0 {
		c.RecoverAfter = DefaultRecoverAfter
	}
	if c.RecoverAfter < 0 {
		return fmt.Errorf("recover_after must be positive, got %d", c.RecoverAfter)
	}

	if c.MaxInFlight == 0 {
		c.MaxInFlight = DefaultMaxInFlight
	}
	if c.MaxInFlight < 0 {
		return fmt.Errorf("max_in_flight must be positive, got %d", c.MaxInFlight)
	}

	if c.RetryInterval == 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.RetryInterval < time.Second {
		return fmt.Errorf("retry_interval %v is too short (minimum 1s)", c.RetryInterval)
	}

	if c.TombstoneTTL == 0 {
		c.TombstoneTTL = DefaultTombstoneTTL
	}

	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
		return fmt.Errorf("listen_addr %q: %w", c.ListenAddr, err)
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}

func isHTTPURL(s string) bool {
	u, err := url.ParseRequestURI(s)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
