// Copyright Shadow Proxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package pprof

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRun_disabled(t *testing.T) {
	t.Setenv(DisableEnvVarKey, "anything")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	Run(ctx, slog.New(slog.NewTextHandler(io.Discard, nil)))

	response, err := http.Get("http://localhost:6060/debug/pprof/") //nolint:bodyclose
	require.Error(t, err)
	require.Nil(t, response)
}

func TestRun_enabled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	Run(ctx, slog.New(slog.NewTextHandler(io.Discard, nil)))

	var body []byte
	require.Eventually(t, func() bool {
		resp, err := http.Get("http://localhost:6060/debug/pprof/cmdline")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, err = io.ReadAll(resp.Body)
		return err == nil
	}, 5*time.Second, 50*time.Millisecond)
	require.Contains(t, string(body),
		// Test binary name should be present in the cmdline output.
		"pprof.test")
}
