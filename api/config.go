package api

import (
	"fmt"
	"time"

	"github.com/c360/dataplane/errors"
	"github.com/c360/dataplane/pkg/security"
)

// Config holds the HTTP server settings
type Config struct {
	Addr            string        `json:"addr" yaml:"addr"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	MaxRequestSize  int64         `json:"max_request_size" yaml:"max_request_size"`

	// RateLimit bounds enqueue and pull requests per second; 0 disables it.
	RateLimit float64 `json:"rate_limit" yaml:"rate_limit"`
	RateBurst int     `json:"rate_burst" yaml:"rate_burst"`

	EnableCORS  bool     `json:"enable_cors" yaml:"enable_cors"`
	CORSOrigins []string `json:"cors_origins,omitempty" yaml:"cors_origins,omitempty"`

	// EventBuffer is the number of events buffered per websocket client
	// before further events to that client are dropped.
	EventBuffer int `json:"event_buffer" yaml:"event_buffer"`

	TLS security.ServerTLSConfig `json:"tls" yaml:"tls"`
}

// DefaultConfig returns the default server settings
func DefaultConfig() Config {
	return Config{
		Addr:            ":8181",
		ReadTimeout:     30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		MaxRequestSize:  1 << 20,
		EventBuffer:     64,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Addr == "" {
		c.Addr = d.Addr
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = d.ShutdownTimeout
	}
	if c.MaxRequestSize == 0 {
		c.MaxRequestSize = d.MaxRequestSize
	}
	if c.EventBuffer == 0 {
		c.EventBuffer = d.EventBuffer
	}
	if c.RateLimit > 0 && c.RateBurst == 0 {
		c.RateBurst = max(1, int(c.RateLimit))
	}
	return c
}

// Validate checks the configuration for errors
func (c Config) Validate() error {
	switch {
	case c.MaxRequestSize < 0:
		return errors.WrapInvalid(fmt.Errorf("%w: max_request_size must not be negative", errors.ErrInvalidConfig),
			"Config", "Validate", "check max_request_size")
	case c.RateLimit < 0 || c.RateBurst < 0:
		return errors.WrapInvalid(fmt.Errorf("%w: rate_limit and rate_burst must not be negative", errors.ErrInvalidConfig),
			"Config", "Validate", "check rate limit")
	case c.EventBuffer < 0:
		return errors.WrapInvalid(fmt.Errorf("%w: event_buffer must not be negative", errors.ErrInvalidConfig),
			"Config", "Validate", "check event_buffer")
	case c.TLS.Enabled && (c.TLS.CertFile == "" || c.TLS.KeyFile == ""):
		return errors.WrapInvalid(fmt.Errorf("%w: tls requires cert_file and key_file", errors.ErrInvalidConfig),
			"Config", "Validate", "check tls")
	}
	return nil
}
