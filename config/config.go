// Package config loads fabrpc settings.
//
// Values are resolved with the following precedence:
//  1. Command-line flags that were explicitly set
//  2. Environment variables (FABRPC_* prefix)
//  3. Configuration file (YAML)
//  4. Defaults
//
// Flag names use dashes (max-message-size) and map onto the underscore keys
// used by files and the environment (FABRPC_MAX_MESSAGE_SIZE).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/rocketbitz/fabrpc/codec"
	"github.com/rocketbitz/fabrpc/transport"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "FABRPC"

// Supported metrics backends.
const (
	MetricsPrometheus = "prometheus"
	MetricsVictoria   = "victoria"
)

// Config holds transport, server and CLI settings.
type Config struct {
	// Address is the TCP address served by `fabping serve` and dialled by
	// `fabping ping`.
	Address string `mapstructure:"address"`
	// MetricsAddress exposes /metrics when non-empty.
	MetricsAddress string `mapstructure:"metrics_address"`
	// MetricsBackend selects the exporter behind /metrics: prometheus or
	// victoria.
	MetricsBackend string `mapstructure:"metrics_backend"`
	// Name identifies the transport in logs and metrics.
	Name string `mapstructure:"name"`

	MaxMessageSize          int           `mapstructure:"max_message_size"`
	CompletionQueueCapacity int           `mapstructure:"completion_queue_capacity"`
	ReceiveCredits          int           `mapstructure:"receive_credits"`
	RegionPoolCapacity      int           `mapstructure:"region_pool_capacity"`
	Compression             string        `mapstructure:"compression"`
	CompressionMinSize      int           `mapstructure:"compression_min_size"`
	CallTimeout             time.Duration `mapstructure:"call_timeout"`

	// Workers bounds concurrent request handlers on the serving side.
	Workers int `mapstructure:"workers"`
	// ReplyOnError answers failed requests with an empty response.
	ReplyOnError bool `mapstructure:"reply_on_error"`
	// RegistrationLimit caps live memory registrations per endpoint.
	RegistrationLimit int `mapstructure:"registration_limit"`

	Debug bool `mapstructure:"debug"`
}

// Load reads configuration from path (optional), the environment and the
// flags in fs (optional).
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		var bindErr error
		fs.VisitAll(func(f *pflag.Flag) {
			key := strings.ReplaceAll(f.Name, "-", "_")
			if !isKnownKey(key) {
				return
			}
			if err := v.BindPFlag(key, f); err != nil && bindErr == nil {
				bindErr = fmt.Errorf("bind flag %s: %w", f.Name, err)
			}
		})
		if bindErr != nil {
			return nil, bindErr
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var defaults = map[string]any{
	"address":                   "127.0.0.1:7471",
	"metrics_address":           "",
	"metrics_backend":           MetricsPrometheus,
	"name":                      "",
	"max_message_size":          transport.DefaultMaxMessageSize,
	"completion_queue_capacity": transport.DefaultCompletionQueueCapacity,
	"receive_credits":           transport.DefaultReceiveCredits,
	"region_pool_capacity":      transport.DefaultRegionPoolCapacity,
	"compression":               string(codec.CompressionNone),
	"compression_min_size":      codec.DefaultMinCompressSize,
	"call_timeout":              transport.DefaultCallTimeout,
	"workers":                   transport.DefaultWorkers,
	"reply_on_error":            false,
	"registration_limit":        0,
	"debug":                     false,
}

func setDefaults(v *viper.Viper) {
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

func isKnownKey(key string) bool {
	_, ok := defaults[key]
	return ok
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if _, err := codec.ParseCompression(c.Compression); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.MetricsBackend) {
	case MetricsPrometheus, MetricsVictoria:
	default:
		errs = append(errs, fmt.Errorf("metrics_backend must be %q or %q, got %q", MetricsPrometheus, MetricsVictoria, c.MetricsBackend))
	}
	if c.MaxMessageSize <= codec.IDSize {
		errs = append(errs, fmt.Errorf("max_message_size must exceed %d bytes, got %d", codec.IDSize, c.MaxMessageSize))
	}
	if c.CompletionQueueCapacity <= 0 {
		errs = append(errs, fmt.Errorf("completion_queue_capacity must be positive, got %d", c.CompletionQueueCapacity))
	}
	if c.ReceiveCredits <= 0 {
		errs = append(errs, fmt.Errorf("receive_credits must be positive, got %d", c.ReceiveCredits))
	}
	if c.CallTimeout < 0 {
		errs = append(errs, fmt.Errorf("call_timeout must not be negative, got %s", c.CallTimeout))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.RegistrationLimit < 0 {
		errs = append(errs, fmt.Errorf("registration_limit must not be negative, got %d", c.RegistrationLimit))
	}
	return errors.Join(errs...)
}

// Transport converts the settings into a transport configuration. Hooks such
// as loggers and metrics are left for the caller to fill in.
func (c *Config) Transport() transport.Config {
	compression, _ := codec.ParseCompression(c.Compression)
	return transport.Config{
		MaxMessageSize:          c.MaxMessageSize,
		CompletionQueueCapacity: c.CompletionQueueCapacity,
		ReceiveCredits:          c.ReceiveCredits,
		RegionPoolCapacity:      c.RegionPoolCapacity,
		Compression:             compression,
		CompressionMinSize:      c.CompressionMinSize,
		CallTimeout:             c.CallTimeout,
		Name:                    c.Name,
	}
}

// Server converts the settings into a server configuration.
func (c *Config) Server() transport.ServerConfig {
	return transport.ServerConfig{
		Config:       c.Transport(),
		Workers:      c.Workers,
		ReplyOnError: c.ReplyOnError,
	}
}
