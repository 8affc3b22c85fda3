// Package config loads the worker configuration from an optional file and
// DRAGONFLY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/dragonfly-scan/dragonfly"
	"github.com/dragonfly-scan/dragonfly/auth"
)

// Defaults.
const (
	DefaultBaseURL      = "https://dragonfly.vipyrsec.com"
	DefaultAuth0Domain  = "vipyrsec.us.auth0.com"
	DefaultAudience     = "https://dragonfly.vipyrsec.com"
	DefaultGrantType    = "password"
	DefaultMaxScanSize  = "128MB"
	DefaultWaitDuration = 60 * time.Second
	DefaultHTTPTimeout  = 2 * time.Minute
	DefaultLogLevel     = "info"
	DefaultLogFormat    = "text"
)

// DefaultThreads is the number of jobs processed concurrently.
var DefaultThreads = runtime.NumCPU()

// Config is the worker configuration. It's read-only once loaded.
type Config struct {
	BaseURL     string `mapstructure:"base_url"`
	Auth0Domain string `mapstructure:"auth0_domain"`
	// TokenURL overrides the token endpoint derived from Auth0Domain.
	TokenURL string `mapstructure:"token_url"`

	Audience     string `mapstructure:"audience"`
	GrantType    string `mapstructure:"grant_type"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`

	Threads int `mapstructure:"threads"`
	// MaxScanSize is a human readable size like "128MB" or "1GiB".
	MaxScanSize  string        `mapstructure:"max_scan_size"`
	WaitDuration time.Duration `mapstructure:"wait_duration"`
	HTTPTimeout  time.Duration `mapstructure:"http_timeout"`

	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"`
	MetricsAddr string `mapstructure:"metrics_addr"`
	// TraceEndpoint is an OTLP/HTTP collector URL. Tracing is off when empty.
	TraceEndpoint string `mapstructure:"trace_endpoint"`

	// MaxScanBytes is MaxScanSize, parsed by Validate.
	MaxScanBytes int64 `mapstructure:"-"`
}

// Secrets returns the values sent in token requests.
func (c *Config) Secrets() auth.Secrets {
	return auth.Secrets{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		Audience:     c.Audience,
		GrantType:    c.GrantType,
		Username:     c.Username,
		Password:     c.Password,
	}
}

// Validate checks the configuration and fills in derived fields.
func (c *Config) Validate() error {
	var errs []error
	for _, req := range []struct {
		key, val string
	}{
		{"base_url", c.BaseURL},
		{"client_id", c.ClientID},
		{"client_secret", c.ClientSecret},
		{"username", c.Username},
		{"password", c.Password},
	} {
		if req.val == "" {
			errs = append(errs, fmt.Errorf("%s is required", req.key))
		}
	}
	if c.Auth0Domain == "" && c.TokenURL == "" {
		errs = append(errs, errors.New("one of auth0_domain or token_url is required"))
	}
	if c.Threads < 1 {
		errs = append(errs, fmt.Errorf("threads must be positive, got %d", c.Threads))
	}
	if c.WaitDuration < 0 {
		errs = append(errs, fmt.Errorf("wait_duration must not be negative, got %v", c.WaitDuration))
	}
	n, err := humanize.ParseBytes(c.MaxScanSize)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("max_scan_size: %w", err))
	case n == 0 || n > 1<<40:
		errs = append(errs, fmt.Errorf("max_scan_size out of range: %s", c.MaxScanSize))
	default:
		c.MaxScanBytes = int64(n)
	}
	if err := errors.Join(errs...); err != nil {
		return &dragonfly.Error{
			Op:      "config.Validate",
			Kind:    dragonfly.ErrInvalid,
			Message: "invalid configuration",
			Inner:   err,
		}
	}
	return nil
}
