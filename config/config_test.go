package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/dragonfly-scan/dragonfly"
)

func setRequired(t *testing.T) {
	t.Setenv("DRAGONFLY_CLIENT_ID", "id")
	t.Setenv("DRAGONFLY_CLIENT_SECRET", "secret")
	t.Setenv("DRAGONFLY_USERNAME", "worker@example.com")
	t.Setenv("DRAGONFLY_PASSWORD", "hunter2")
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())
	setRequired(t)

	got, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	want := &Config{
		BaseURL:      DefaultBaseURL,
		Auth0Domain:  DefaultAuth0Domain,
		Audience:     DefaultAudience,
		GrantType:    DefaultGrantType,
		ClientID:     "id",
		ClientSecret: "secret",
		Username:     "worker@example.com",
		Password:     "hunter2",
		Threads:      DefaultThreads,
		MaxScanSize:  DefaultMaxScanSize,
		WaitDuration: DefaultWaitDuration,
		HTTPTimeout:  DefaultHTTPTimeout,
		LogLevel:     DefaultLogLevel,
		LogFormat:    DefaultLogFormat,
		MaxScanBytes: 128_000_000,
	}
	if !cmp.Equal(got, want) {
		t.Error(cmp.Diff(got, want))
	}
}

func TestLoadFile(t *testing.T) {
	setRequired(t)
	t.Setenv("DRAGONFLY_THREADS", "3")
	p := filepath.Join(t.TempDir(), "dragonfly.yaml")
	conf := `
base_url: https://dragonfly.example
threads: 8
max_scan_size: 1GiB
wait_duration: 5s
log_format: json
`
	if err := os.WriteFile(p, []byte(conf), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err := Load(p)
	if err != nil {
		t.Fatal(err)
	}
	if got, want := got.BaseURL, "https://dragonfly.example"; got != want {
		t.Errorf("base_url: got: %q, want: %q", got, want)
	}
	// Environment beats the file.
	if got, want := got.Threads, 3; got != want {
		t.Errorf("threads: got: %d, want: %d", got, want)
	}
	if got, want := got.MaxScanBytes, int64(1<<30); got != want {
		t.Errorf("max_scan_size: got: %d, want: %d", got, want)
	}
	if got, want := got.WaitDuration, 5*time.Second; got != want {
		t.Errorf("wait_duration: got: %v, want: %v", got, want)
	}
	if got, want := got.LogFormat, "json"; got != want {
		t.Errorf("log_format: got: %q, want: %q", got, want)
	}
	if got, want := got.Secrets().Password, "hunter2"; got != want {
		t.Errorf("password: got: %q, want: %q", got, want)
	}
}

func TestLoadMissingFile(t *testing.T) {
	setRequired(t)
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for an explicit, missing file")
	}
}

func TestValidate(t *testing.T) {
	tt := []struct {
		Name string
		Mod  func(*Config)
	}{
		{"NoPassword", func(c *Config) { c.Password = "" }},
		{"NoAuth", func(c *Config) { c.Auth0Domain = "" }},
		{"Threads", func(c *Config) { c.Threads = 0 }},
		{"Size", func(c *Config) { c.MaxScanSize = "lots" }},
		{"ZeroSize", func(c *Config) { c.MaxScanSize = "0" }},
		{"Wait", func(c *Config) { c.WaitDuration = -time.Second }},
	}
	for _, tc := range tt {
		t.Run(tc.Name, func(t *testing.T) {
			c := Config{
				BaseURL:      DefaultBaseURL,
				Auth0Domain:  DefaultAuth0Domain,
				ClientID:     "id",
				ClientSecret: "secret",
				Username:     "user",
				Password:     "pass",
				Threads:      1,
				MaxScanSize:  "1MB",
			}
			if err := c.Validate(); err != nil {
				t.Fatalf("baseline invalid: %v", err)
			}
			tc.Mod(&c)
			err := c.Validate()
			t.Log(err)
			if !errors.Is(err, dragonfly.ErrInvalid) {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}
