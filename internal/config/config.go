// Copyright Shadow Proxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package config loads the proxy configuration from a TOML file with
// environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	toml "github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/shadowproxy-io/shadowproxy/internal/mode"
)

// RequestFormat values for TargetConfig.RequestFormat.
const (
	RequestFormatAnthropic = "anthropic"
	RequestFormatOpenAI    = "openai"
)

// defaultPath is the config file probed when neither a flag, a positional
// argument, nor CC_PROXY_CONFIG names one.
const defaultPath = "shadowproxy.toml"

// Config is the top-level proxy configuration.
type Config struct {
	// DefaultMode is the mode the proxy starts in: "target", "compare", or
	// "anthropic-only".
	DefaultMode string `koanf:"default_mode"`

	Server      ServerConfig      `koanf:"server"`
	Passthrough PassthroughConfig `koanf:"passthrough"`
	Target      TargetConfig      `koanf:"target"`
	Tracing     TracingConfig     `koanf:"tracing"`

	// ModelOverride replaces the model field in /v1/messages request bodies.
	// Set via the --model flag, never from TOML.
	ModelOverride string `koanf:"-"`

	// AnthropicOnlyAllowed permits switching into anthropic-only mode at
	// runtime. Set via --allow-anthropic-only, never from TOML.
	AnthropicOnlyAllowed bool `koanf:"-"`
}

// ServerConfig holds the listener settings.
type ServerConfig struct {
	ListenAddress string `koanf:"listen_address"`
}

// PassthroughConfig points at the real Anthropic API, used in compare and
// anthropic-only modes and by the catch-all route.
type PassthroughConfig struct {
	URL string `koanf:"url"`

	// PassthroughAuth forwards the client's x-api-key upstream. When false
	// the key is stripped and the operator injects credentials upstream.
	PassthroughAuth bool `koanf:"passthrough_auth"`

	TimeoutSecs uint64 `koanf:"timeout_secs"`
}

// TargetConfig points at the self-hosted deployment that serves target mode
// and receives compare mirrors.
type TargetConfig struct {
	URL string `koanf:"url"`

	TimeoutSecs   uint64 `koanf:"timeout_secs"`
	MaxConcurrent int    `koanf:"max_concurrent"`

	// RequestFormat selects the compare mirror's wire format: "anthropic"
	// sends the body verbatim, "openai" converts it to a chat completion.
	RequestFormat string `koanf:"request_format"`

	// Optional request defaults applied only when the client omits the field.
	Temperature *float64 `koanf:"temperature"`
	TopP        *float64 `koanf:"top_p"`
	MaxTokens   *uint64  `koanf:"max_tokens"`
}

// TracingConfig configures OTLP trace export and the log level.
type TracingConfig struct {
	// ServiceName is reported to the collector as service.name.
	ServiceName string `koanf:"service_name"`

	// OTLPEndpoint is the collector URL, e.g. "http://phoenix:4317". Empty
	// disables the configured exporter (OTEL_* env may still enable one).
	OTLPEndpoint string `koanf:"otlp_endpoint"`

	// Protocol is the OTLP transport, "grpc" or "http".
	Protocol string `koanf:"protocol"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `koanf:"log_level"`
}

// SlogLevel maps LogLevel onto a slog.Level, defaulting to info.
func (t TracingConfig) SlogLevel() slog.Level {
	switch t.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DefaultMode: mode.ModeTarget.String(),
		Server: ServerConfig{
			ListenAddress: "0.0.0.0:3080",
		},
		Passthrough: PassthroughConfig{
			URL:             "https://api.anthropic.com",
			PassthroughAuth: true,
			TimeoutSecs:     300,
		},
		Target: TargetConfig{
			TimeoutSecs:   300,
			MaxConcurrent: 50,
			RequestFormat: RequestFormatAnthropic,
		},
		Tracing: TracingConfig{
			ServiceName: "shadowproxy",
			Protocol:    "grpc",
			LogLevel:    "info",
		},
	}
}

// ResolvePath picks the config file path: the --config flag, then the
// positional argument, then CC_PROXY_CONFIG, then the built-in default.
// Only the first two are explicit; discovered paths may be missing without
// error.
func ResolvePath(flagPath, positional string) (path string, explicit bool) {
	switch {
	case flagPath != "":
		return flagPath, true
	case positional != "":
		return positional, true
	case os.Getenv("CC_PROXY_CONFIG") != "":
		return os.Getenv("CC_PROXY_CONFIG"), false
	default:
		return defaultPath, false
	}
}

// Load reads the TOML file at path and layers environment overrides on top
// of the built-in defaults. Priority, lowest to highest: defaults, file,
// SHADOW_ env, CC_ env. Nesting uses double underscores, so
// CC_TARGET__TIMEOUT_SECS sets target.timeout_secs. A missing file is an
// error only when pathExplicit is true.
//
// Load does not validate: the CLI applies flag overrides first and then
// calls Validate.
func Load(path string, pathExplicit bool) (*Config, error) {
	// Load .env into the process environment (ignored if not present).
	_ = godotenv.Load()

	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			if pathExplicit || !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("loading config file %s: %w", path, err)
			}
		}
	}

	// SHADOW_ is the legacy prefix. CC_ loads second so it wins when both
	// name the same key.
	for _, prefix := range []string{"SHADOW_", "CC_"} {
		if err := k.Load(env.Provider(prefix, ".", envKeyMapper(prefix)), nil); err != nil {
			return nil, fmt.Errorf("loading %s environment overrides: %w", prefix, err)
		}
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}

// envKeyMapper turns CC_TARGET__TIMEOUT_SECS into target.timeout_secs.
// Single underscores stay: they belong to the key names themselves.
func envKeyMapper(prefix string) func(string) string {
	return func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, prefix)), "__", ".")
	}
}

// Validate checks cross-field requirements after CLI overrides are applied.
func (c *Config) Validate() error {
	m, err := mode.Parse(c.DefaultMode)
	if err != nil {
		return fmt.Errorf("default_mode: %w", err)
	}
	if m == mode.ModeTarget && c.Target.URL == "" {
		return errors.New(`target.url is required when default_mode is "target" (set it in the config file or pass --target-url)`)
	}
	switch c.Target.RequestFormat {
	case RequestFormatAnthropic, RequestFormatOpenAI:
	default:
		return fmt.Errorf("target.request_format %q: expected %q or %q",
			c.Target.RequestFormat, RequestFormatAnthropic, RequestFormatOpenAI)
	}
	return nil
}

// Mode returns the parsed DefaultMode. Only meaningful after Validate.
func (c *Config) Mode() mode.Mode {
	m, _ := mode.Parse(c.DefaultMode)
	return m
}
