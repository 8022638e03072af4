// Copyright Shadow Proxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shadowproxy.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.Equal(t, "target", cfg.DefaultMode)
	require.Equal(t, "0.0.0.0:3080", cfg.Server.ListenAddress)
	require.Equal(t, "https://api.anthropic.com", cfg.Passthrough.URL)
	require.True(t, cfg.Passthrough.PassthroughAuth)
	require.Equal(t, uint64(300), cfg.Passthrough.TimeoutSecs)
	require.Empty(t, cfg.Target.URL)
	require.Equal(t, uint64(300), cfg.Target.TimeoutSecs)
	require.Equal(t, 50, cfg.Target.MaxConcurrent)
	require.Equal(t, RequestFormatAnthropic, cfg.Target.RequestFormat)
	require.Nil(t, cfg.Target.Temperature)
	require.Nil(t, cfg.Target.TopP)
	require.Nil(t, cfg.Target.MaxTokens)
	require.Equal(t, "shadowproxy", cfg.Tracing.ServiceName)
	require.Empty(t, cfg.Tracing.OTLPEndpoint)
	require.Equal(t, "grpc", cfg.Tracing.Protocol)
	require.Equal(t, "info", cfg.Tracing.LogLevel)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
default_mode = "compare"

[server]
listen_address = "127.0.0.1:9090"

[target]
url = "http://localhost:8000"
timeout_secs = 120
temperature = 0.2

[tracing]
otlp_endpoint = "http://phoenix:4317"
protocol = "http"
`)
	cfg, err := Load(path, true)
	require.NoError(t, err)
	require.Equal(t, "compare", cfg.DefaultMode)
	require.Equal(t, "127.0.0.1:9090", cfg.Server.ListenAddress)
	require.Equal(t, "http://localhost:8000", cfg.Target.URL)
	require.Equal(t, uint64(120), cfg.Target.TimeoutSecs)
	require.NotNil(t, cfg.Target.Temperature)
	require.Equal(t, 0.2, *cfg.Target.Temperature)
	require.Equal(t, "http://phoenix:4317", cfg.Tracing.OTLPEndpoint)
	require.Equal(t, "http", cfg.Tracing.Protocol)

	// Untouched keys keep their defaults.
	require.Equal(t, "https://api.anthropic.com", cfg.Passthrough.URL)
	require.Equal(t, 50, cfg.Target.MaxConcurrent)
	require.Equal(t, "shadowproxy", cfg.Tracing.ServiceName)
}

func TestLoadMissingFile(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.toml")

	t.Run("explicit path errors", func(t *testing.T) {
		_, err := Load(missing, true)
		require.Error(t, err)
	})

	t.Run("discovered path falls back to defaults", func(t *testing.T) {
		cfg, err := Load(missing, false)
		require.NoError(t, err)
		require.Equal(t, "target", cfg.DefaultMode)
		require.Equal(t, "0.0.0.0:3080", cfg.Server.ListenAddress)
	})
}

func TestLoadMalformedFile(t *testing.T) {
	path := writeConfig(t, "default_mode = [broken")

	// A syntax error is reported even for discovered paths.
	_, err := Load(path, false)
	require.Error(t, err)
}

func TestLoadPrecedence(t *testing.T) {
	path := writeConfig(t, `
[target]
url = "http://file:8000"
timeout_secs = 100
`)

	t.Run("file overrides defaults", func(t *testing.T) {
		cfg, err := Load(path, true)
		require.NoError(t, err)
		require.Equal(t, uint64(100), cfg.Target.TimeoutSecs)
	})

	t.Run("SHADOW_ overrides file", func(t *testing.T) {
		t.Setenv("SHADOW_TARGET__TIMEOUT_SECS", "200")
		cfg, err := Load(path, true)
		require.NoError(t, err)
		require.Equal(t, uint64(200), cfg.Target.TimeoutSecs)
		require.Equal(t, "http://file:8000", cfg.Target.URL)
	})

	t.Run("CC_ overrides SHADOW_", func(t *testing.T) {
		t.Setenv("SHADOW_TARGET__TIMEOUT_SECS", "200")
		t.Setenv("CC_TARGET__TIMEOUT_SECS", "300")
		cfg, err := Load(path, true)
		require.NoError(t, err)
		require.Equal(t, uint64(300), cfg.Target.TimeoutSecs)
	})

	t.Run("top-level and boolean keys", func(t *testing.T) {
		t.Setenv("CC_DEFAULT_MODE", "anthropic-only")
		t.Setenv("CC_PASSTHROUGH__PASSTHROUGH_AUTH", "false")
		cfg, err := Load(path, true)
		require.NoError(t, err)
		require.Equal(t, "anthropic-only", cfg.DefaultMode)
		require.False(t, cfg.Passthrough.PassthroughAuth)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "target mode requires url",
			mutate:  func(*Config) {},
			wantErr: "target.url is required",
		},
		{
			name:   "target mode with url",
			mutate: func(c *Config) { c.Target.URL = "http://localhost:8000" },
		},
		{
			name:   "compare mode does not require url",
			mutate: func(c *Config) { c.DefaultMode = "compare" },
		},
		{
			name:    "unknown mode",
			mutate:  func(c *Config) { c.DefaultMode = "mirror" },
			wantErr: "default_mode",
		},
		{
			name: "unknown request format",
			mutate: func(c *Config) {
				c.DefaultMode = "compare"
				c.Target.RequestFormat = "grpc"
			},
			wantErr: "request_format",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestResolvePath(t *testing.T) {
	t.Run("flag wins over positional and env", func(t *testing.T) {
		t.Setenv("CC_PROXY_CONFIG", "/env.toml")
		path, explicit := ResolvePath("/flag.toml", "/positional.toml")
		require.Equal(t, "/flag.toml", path)
		require.True(t, explicit)
	})

	t.Run("positional wins over env", func(t *testing.T) {
		t.Setenv("CC_PROXY_CONFIG", "/env.toml")
		path, explicit := ResolvePath("", "/positional.toml")
		require.Equal(t, "/positional.toml", path)
		require.True(t, explicit)
	})

	t.Run("env discovery is not explicit", func(t *testing.T) {
		t.Setenv("CC_PROXY_CONFIG", "/env.toml")
		path, explicit := ResolvePath("", "")
		require.Equal(t, "/env.toml", path)
		require.False(t, explicit)
	})

	t.Run("built-in default", func(t *testing.T) {
		t.Setenv("CC_PROXY_CONFIG", "")
		path, explicit := ResolvePath("", "")
		require.Equal(t, "shadowproxy.toml", path)
		require.False(t, explicit)
	})
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, TracingConfig{LogLevel: tt.level}.SlogLevel(), "level %q", tt.level)
	}
}
