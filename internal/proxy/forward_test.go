// Copyright Shadow Proxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package proxy

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCopyRequestHeaders(t *testing.T) {
	src := http.Header{}
	src.Set("Content-Type", "text/plain")
	src.Set("Content-Length", "42")
	src.Set("X-Shadow-Request-Id", "stale-id")
	src.Set("Connection", "keep-alive")
	src.Set("Keep-Alive", "timeout=5")
	src.Set("Transfer-Encoding", "chunked")
	src.Set("Upgrade", "h2c")
	src.Set("Te", "trailers")
	src.Set("Proxy-Authorization", "Basic xxx")
	src.Set("X-Api-Key", "sk-secret")
	src.Set("Authorization", "Bearer tok")
	src.Set("Anthropic-Version", "2023-06-01")
	src.Add("X-Team", "research")
	src.Add("X-Team", "infra")

	t.Run("keeps api key", func(t *testing.T) {
		dst := http.Header{}
		copyRequestHeaders(dst, src, false)

		require.Equal(t, "sk-secret", dst.Get("X-Api-Key"))
		require.Equal(t, "Bearer tok", dst.Get("Authorization"))
		require.Equal(t, "2023-06-01", dst.Get("Anthropic-Version"))
		require.Equal(t, []string{"research", "infra"}, dst.Values("X-Team"))

		for _, gone := range []string{
			"Content-Type", "Content-Length", "X-Shadow-Request-Id",
			"Connection", "Keep-Alive", "Transfer-Encoding", "Upgrade",
			"Te", "Proxy-Authorization",
		} {
			require.Empty(t, dst.Get(gone), "%s must not cross the proxy", gone)
		}
	})

	t.Run("strips api key", func(t *testing.T) {
		dst := http.Header{}
		copyRequestHeaders(dst, src, true)

		require.Empty(t, dst.Get("X-Api-Key"))
		require.Equal(t, "Bearer tok", dst.Get("Authorization"))
	})
}

func TestCopyResponseHeaders(t *testing.T) {
	src := http.Header{}
	src.Set("Content-Type", "application/json")
	src.Set("Content-Length", "120")
	src.Set("X-Request-Id", "req_abc")
	src.Set("Retry-After", "5")
	src.Set("Connection", "close")
	src.Set("Transfer-Encoding", "chunked")

	dst := http.Header{}
	copyResponseHeaders(dst, src)

	require.Equal(t, "application/json", dst.Get("Content-Type"))
	require.Equal(t, "120", dst.Get("Content-Length"), "response bodies relay verbatim, so the length survives")
	require.Equal(t, "req_abc", dst.Get("X-Request-Id"))
	require.Equal(t, "5", dst.Get("Retry-After"))
	require.Empty(t, dst.Get("Connection"))
	require.Empty(t, dst.Get("Transfer-Encoding"))
}

func TestUpstreamErrorStatus(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		expStatus int
		expBody   string
	}{
		{
			name:      "deadline exceeded",
			err:       context.DeadlineExceeded,
			expStatus: http.StatusGatewayTimeout,
			expBody:   "upstream timeout",
		},
		{
			name:      "wrapped deadline",
			err:       &url.Error{Op: "Post", URL: "http://u/v1/messages", Err: context.DeadlineExceeded},
			expStatus: http.StatusGatewayTimeout,
			expBody:   "upstream timeout",
		},
		{
			name:      "connection refused",
			err:       &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED},
			expStatus: http.StatusBadGateway,
			expBody:   "upstream connection error",
		},
		{
			name:      "unexpected eof",
			err:       io.ErrUnexpectedEOF,
			expStatus: http.StatusBadGateway,
			expBody:   "upstream connection error",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body, _ := upstreamErrorStatus(tt.err)
			require.Equal(t, tt.expStatus, status)
			require.Equal(t, tt.expBody, body)
		})
	}
}

func TestHostOf(t *testing.T) {
	tests := []struct {
		base string
		exp  string
	}{
		{"https://api.anthropic.com", "api.anthropic.com"},
		{"http://localhost:8000", "localhost:8000"},
		{"http://localhost:8000/litellm", "localhost:8000"},
		{"127.0.0.1:9", "127.0.0.1:9"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.exp, hostOf(tt.base))
	}
}
