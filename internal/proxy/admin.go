// Copyright Shadow Proxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package proxy

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/shadowproxy-io/shadowproxy/internal/mode"
)

// maxAdminBodyBytes caps admin PUT bodies, which are tiny JSON objects.
const maxAdminBodyBytes = 1 << 20

type errorBody struct {
	Error string `json:"error"`
}

type modeBody struct {
	Mode mode.Mode `json:"mode"`
}

type tracingBody struct {
	Enabled bool `json:"enabled"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleGetStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.stats.Snapshot())
}

func (s *Server) handleGetMode(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, modeBody{Mode: s.modeReg.Load()})
}

// handleSetMode switches the live proxy mode. Anthropic-only stays behind the
// startup flag: flipping a header-only proxy into a mode that bills the
// passthrough account for everything should not be one stray PUT away.
func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAdminBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "missing 'mode' field"})
		return
	}
	name := gjson.GetBytes(body, "mode")
	if name.Type != gjson.String {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "missing 'mode' field"})
		return
	}
	m, err := mode.Parse(name.String())
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{
			Error: "invalid mode, expected: target, compare, or anthropic-only",
		})
		return
	}
	if m == mode.ModeAnthropicOnly && !s.cfg.AnthropicOnlyAllowed {
		writeJSON(w, http.StatusForbidden, errorBody{
			Error: "anthropic-only mode is disabled; restart with --allow-anthropic-only",
		})
		return
	}
	s.modeReg.Store(m)
	s.logger.Info("Proxy mode changed", slog.String("mode", m.String()))
	writeJSON(w, http.StatusOK, modeBody{Mode: m})
}

func (s *Server) handleGetTracing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, tracingBody{Enabled: s.tracingFlag.Enabled()})
}

func (s *Server) handleSetTracing(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxAdminBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "missing 'enabled' boolean field"})
		return
	}
	v := gjson.GetBytes(body, "enabled")
	if v.Type != gjson.True && v.Type != gjson.False {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "missing 'enabled' boolean field"})
		return
	}
	s.tracingFlag.Set(v.Bool())
	s.logger.Info("Trace logging toggled", slog.Bool("enabled", v.Bool()))
	writeJSON(w, http.StatusOK, tracingBody{Enabled: v.Bool()})
}
