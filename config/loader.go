package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// ConfigName is the config file name without extension.
const configName = ".dragonfly"

// EnvPrefix is the environment variable prefix for dragonfly settings.
const envPrefix = "DRAGONFLY"

// Load loads configuration from file, env vars, and defaults.
//
// If "path" is non-empty, it's used as the explicit config file path.
// Otherwise, a ".dragonfly" file of any format viper understands is
// searched for in the working directory and $HOME. A missing config file is
// not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	applyDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults registers every key, which is also what lets AutomaticEnv
// see them during Unmarshal.
func applyDefaults(v *viper.Viper) {
	v.SetDefault("base_url", DefaultBaseURL)
	v.SetDefault("auth0_domain", DefaultAuth0Domain)
	v.SetDefault("token_url", "")
	v.SetDefault("audience", DefaultAudience)
	v.SetDefault("grant_type", DefaultGrantType)
	v.SetDefault("client_id", "")
	v.SetDefault("client_secret", "")
	v.SetDefault("username", "")
	v.SetDefault("password", "")
	v.SetDefault("threads", DefaultThreads)
	v.SetDefault("max_scan_size", DefaultMaxScanSize)
	v.SetDefault("wait_duration", DefaultWaitDuration)
	v.SetDefault("http_timeout", DefaultHTTPTimeout)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("log_format", DefaultLogFormat)
	v.SetDefault("metrics_addr", "")
	v.SetDefault("trace_endpoint", "")
}
