package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c360/dataplane/errors"
	"github.com/c360/dataplane/pkg/security"
)

// Store modes
const (
	StoreModeMemory = "memory"
	StoreModeKV     = "kv"
)

// Config is the complete dataplane configuration
type Config struct {
	InstanceID string `json:"instance_id,omitempty" yaml:"instance_id,omitempty"`

	Dispatcher DispatcherConfig   `json:"dispatcher" yaml:"dispatcher"`
	Partition  PartitionConfig    `json:"partition" yaml:"partition"`
	Store      StoreConfig        `json:"store" yaml:"store"`
	NATS       NATSConfig         `json:"nats" yaml:"nats"`
	API        APIConfig          `json:"api" yaml:"api"`
	Metrics    MetricsConfig      `json:"metrics" yaml:"metrics"`
	Backends   BackendsConfig     `json:"backends" yaml:"backends"`
	Security   security.TLSConfig `json:"security" yaml:"security"`
}

// DispatcherConfig sizes the queue and worker pool
type DispatcherConfig struct {
	QueueCapacity int      `json:"queue_capacity" yaml:"queue_capacity"`
	Workers       int      `json:"workers" yaml:"workers"`
	WaitTimeout   Duration `json:"wait_timeout" yaml:"wait_timeout"`
	Backpressure  string   `json:"backpressure" yaml:"backpressure"` // reject or block
}

// PartitionConfig controls how sinks group parts
type PartitionConfig struct {
	Size        int `json:"size" yaml:"size"`
	Concurrency int `json:"concurrency" yaml:"concurrency"`
}

// StoreConfig selects the flow store
type StoreConfig struct {
	Mode    string   `json:"mode" yaml:"mode"`
	Bucket  string   `json:"bucket,omitempty" yaml:"bucket,omitempty"`
	History int      `json:"history,omitempty" yaml:"history,omitempty"`
	TTL     Duration `json:"ttl,omitempty" yaml:"ttl,omitempty"`
}

// NATSConfig defines NATS connection settings
type NATSConfig struct {
	URLs          []string `json:"urls" yaml:"urls"`
	MaxReconnects int      `json:"max_reconnects" yaml:"max_reconnects"`
	ReconnectWait Duration `json:"reconnect_wait" yaml:"reconnect_wait"`
	Username      string   `json:"username,omitempty" yaml:"username,omitempty"`
	Password      string   `json:"password,omitempty" yaml:"password,omitempty"`
	Token         string   `json:"token,omitempty" yaml:"token,omitempty"`

	// EventSubject prefixes published transfer events; empty disables publishing.
	EventSubject string `json:"event_subject,omitempty" yaml:"event_subject,omitempty"`
}

// APIConfig mirrors api.Config with loadable durations
type APIConfig struct {
	Enabled         bool     `json:"enabled" yaml:"enabled"`
	Addr            string   `json:"addr" yaml:"addr"`
	ReadTimeout     Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    Duration `json:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	MaxRequestSize  int64    `json:"max_request_size" yaml:"max_request_size"`
	RateLimit       float64  `json:"rate_limit" yaml:"rate_limit"`
	RateBurst       int      `json:"rate_burst" yaml:"rate_burst"`
	EnableCORS      bool     `json:"enable_cors" yaml:"enable_cors"`
	CORSOrigins     []string `json:"cors_origins,omitempty" yaml:"cors_origins,omitempty"`
	EventBuffer     int      `json:"event_buffer" yaml:"event_buffer"`
}

// MetricsConfig controls the standalone Prometheus endpoint
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Port    int    `json:"port" yaml:"port"`
	Path    string `json:"path" yaml:"path"`
}

// RetryConfig is the loadable form of errors.RetryConfig
type RetryConfig struct {
	MaxAttempts int      `json:"max_attempts" yaml:"max_attempts"`
	MinBackoff  Duration `json:"min_backoff" yaml:"min_backoff"`
	MaxBackoff  Duration `json:"max_backoff" yaml:"max_backoff"`
}

// Retry converts to the classified-error retry policy
func (r RetryConfig) Retry() errors.RetryConfig {
	return errors.RetryConfig{
		MaxAttempts: r.MaxAttempts,
		MinBackoff:  r.MinBackoff.Duration(),
		MaxBackoff:  r.MaxBackoff.Duration(),
	}
}

// BackendsConfig enables backend families
type BackendsConfig struct {
	File        BackendToggle   `json:"file" yaml:"file"`
	HTTP        HTTPBackend     `json:"http" yaml:"http"`
	S3          RetryingBackend `json:"s3" yaml:"s3"`
	ObjectStore RetryingBackend `json:"objectstore" yaml:"objectstore"`
}

// BackendToggle is a backend with nothing but an enable flag
type BackendToggle struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
}

// RetryingBackend is a backend whose writes retry transient failures
type RetryingBackend struct {
	Enabled bool        `json:"enabled" yaml:"enabled"`
	Retry   RetryConfig `json:"retry" yaml:"retry"`
}

// HTTPBackend configures the HttpData backend
type HTTPBackend struct {
	Enabled bool        `json:"enabled" yaml:"enabled"`
	Timeout Duration    `json:"timeout" yaml:"timeout"`
	Retry   RetryConfig `json:"retry" yaml:"retry"`
}

// Default returns the configuration used when no layer overrides a value
func Default() *Config {
	return &Config{
		Dispatcher: DispatcherConfig{
			QueueCapacity: 100,
			Workers:       4,
			WaitTimeout:   Duration(time.Second),
			Backpressure:  "reject",
		},
		Partition: PartitionConfig{Size: 5},
		Store: StoreConfig{
			Mode:    StoreModeMemory,
			Bucket:  "DATAPLANE_FLOWS",
			History: 1,
		},
		NATS: NATSConfig{
			URLs:          []string{"nats://localhost:4222"},
			MaxReconnects: -1,
			ReconnectWait: Duration(2 * time.Second),
		},
		API: APIConfig{
			Enabled:         true,
			Addr:            ":8181",
			ReadTimeout:     Duration(30 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
			MaxRequestSize:  1 << 20,
			EventBuffer:     64,
		},
		Metrics: MetricsConfig{Port: 9090, Path: "/metrics"},
		Backends: BackendsConfig{
			File: BackendToggle{Enabled: true},
			HTTP: HTTPBackend{
				Enabled: true,
				Timeout: Duration(30 * time.Second),
				Retry:   defaultRetry(),
			},
			S3:          RetryingBackend{Retry: defaultRetry()},
			ObjectStore: RetryingBackend{Retry: defaultRetry()},
		},
	}
}

func defaultRetry() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		MinBackoff:  Duration(100 * time.Millisecond),
		MaxBackoff:  Duration(5 * time.Second),
	}
}

// NeedsNATS reports whether any configured component connects to NATS
func (c *Config) NeedsNATS() bool {
	return c.Store.Mode == StoreModeKV || c.Backends.ObjectStore.Enabled || c.NATS.EventSubject != ""
}

// Validate checks the configuration
func (c *Config) Validate() error {
	d := c.Dispatcher
	switch {
	case d.QueueCapacity < 0:
		return invalid("dispatcher.queue_capacity", "must not be negative")
	case d.Workers < 0:
		return invalid("dispatcher.workers", "must not be negative")
	case d.WaitTimeout < 0:
		return invalid("dispatcher.wait_timeout", "must not be negative")
	}
	switch d.Backpressure {
	case "", "reject", "block":
	default:
		return invalid("dispatcher.backpressure", fmt.Sprintf("%q is not reject or block", d.Backpressure))
	}

	if c.Partition.Size < 0 || c.Partition.Concurrency < 0 {
		return invalid("partition", "size and concurrency must not be negative")
	}

	switch c.Store.Mode {
	case StoreModeMemory:
	case StoreModeKV:
		if c.Store.Bucket == "" {
			return invalid("store.bucket", "required for kv mode")
		}
		if c.Store.History < 0 || c.Store.History > 64 {
			return invalid("store.history", "must be between 0 and 64")
		}
	default:
		return invalid("store.mode", fmt.Sprintf("%q is not memory or kv", c.Store.Mode))
	}

	if c.NeedsNATS() && len(c.NATS.URLs) == 0 {
		return invalid("nats.urls", "required by kv store, objectstore backend or event publishing")
	}
	if c.NATS.EventSubject != "" && !validSubject(c.NATS.EventSubject) {
		return invalid("nats.event_subject", fmt.Sprintf("%q is not a valid subject", c.NATS.EventSubject))
	}

	if c.API.Enabled && c.API.Addr == "" {
		return invalid("api.addr", "required when the api is enabled")
	}
	if c.API.RateLimit < 0 || c.API.MaxRequestSize < 0 {
		return invalid("api", "rate_limit and max_request_size must not be negative")
	}

	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		return invalid("metrics.port", fmt.Sprintf("%d out of range", c.Metrics.Port))
	}

	retries := []struct {
		field string
		retry RetryConfig
	}{
		{"backends.http.retry", c.Backends.HTTP.Retry},
		{"backends.s3.retry", c.Backends.S3.Retry},
		{"backends.objectstore.retry", c.Backends.ObjectStore.Retry},
	}
	for _, r := range retries {
		if err := r.retry.validate(r.field); err != nil {
			return err
		}
	}

	return c.validateSecurity()
}

func (r RetryConfig) validate(field string) error {
	if r.MaxAttempts < 0 || r.MinBackoff < 0 || r.MaxBackoff < 0 {
		return invalid(field, "values must not be negative")
	}
	if r.MaxBackoff > 0 && r.MinBackoff > r.MaxBackoff {
		return invalid(field, "min_backoff exceeds max_backoff")
	}
	return nil
}

func (c *Config) validateSecurity() error {
	srv := c.Security.Server
	if srv.Enabled {
		if srv.CertFile == "" || srv.KeyFile == "" {
			return invalid("security.server", "cert_file and key_file required when TLS is enabled")
		}
		if err := validateTLSVersion(srv.MinVersion); err != nil {
			return err
		}
		if srv.MTLS.Enabled && len(srv.MTLS.ClientCAFiles) == 0 {
			return invalid("security.server.mtls", "client_ca_files required when mTLS is enabled")
		}
	}
	cli := c.Security.Client
	if err := validateTLSVersion(cli.MinVersion); err != nil {
		return err
	}
	if cli.MTLS.Enabled && (cli.MTLS.CertFile == "" || cli.MTLS.KeyFile == "") {
		return invalid("security.client.mtls", "cert_file and key_file required when mTLS is enabled")
	}
	return nil
}

func validateTLSVersion(version string) error {
	switch version {
	case "", "1.2", "1.3":
		return nil
	}
	return invalid("min_version", fmt.Sprintf("unsupported TLS version %q (want 1.2 or 1.3)", version))
}

// Valid characters are alphanumeric, dots, dashes, and underscores.
func validSubject(s string) bool {
	if s == "" || strings.HasPrefix(s, ".") || strings.HasSuffix(s, ".") {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '.', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}

func invalid(field, msg string) error {
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s %s", errors.ErrInvalidConfig, field, msg),
		"Config", "Validate", "check "+field)
}

// Clone creates a deep copy of the configuration
func (c *Config) Clone() *Config {
	if c == nil {
		return nil
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil
	}
	var clone Config
	if err := json.Unmarshal(data, &clone); err != nil {
		return nil
	}
	return &clone
}

// String returns a JSON representation with credentials masked
func (c *Config) String() string {
	masked := c.Clone()
	if masked == nil {
		return "{}"
	}
	if masked.NATS.Password != "" {
		masked.NATS.Password = "***"
	}
	if masked.NATS.Token != "" {
		masked.NATS.Token = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// SafeConfig provides thread-safe access to configuration
type SafeConfig struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewSafeConfig creates a new thread-safe config wrapper
func NewSafeConfig(cfg *Config) *SafeConfig {
	if cfg == nil {
		cfg = Default()
	}
	return &SafeConfig{cfg: cfg.Clone()}
}

// Get returns a deep copy of the current configuration
func (sc *SafeConfig) Get() *Config {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.cfg.Clone()
}

// Update atomically replaces the configuration after validation
func (sc *SafeConfig) Update(cfg *Config) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "SafeConfig", "Update", "check config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	sc.mu.Lock()
	sc.cfg = cfg.Clone()
	sc.mu.Unlock()
	return nil
}

// Duration is a time.Duration that loads from "90s", "2m" or "14d" strings
// and from integer nanoseconds.
type Duration time.Duration

// Duration returns the standard library value
func (d Duration) Duration() time.Duration { return time.Duration(d) }

// String formats like time.Duration
func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON writes the duration as a string
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON accepts a duration string or nanoseconds
func (d *Duration) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch val := v.(type) {
	case string:
		parsed, err := parseDurationWithDays(val)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", val, err)
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(int64(val))
	case nil:
		*d = 0
	default:
		return fmt.Errorf("invalid duration %v", v)
	}
	return nil
}

// MarshalYAML writes the duration as a string
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// UnmarshalYAML accepts the same forms as UnmarshalJSON
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	if node.Tag == "!!int" {
		n, err := strconv.ParseInt(node.Value, 10, 64)
		if err != nil {
			return err
		}
		*d = Duration(n)
		return nil
	}
	parsed, err := parseDurationWithDays(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// parseDurationWithDays parses durations that may include days (e.g., "14d")
func parseDurationWithDays(s string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(s, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, err
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(s)
}
