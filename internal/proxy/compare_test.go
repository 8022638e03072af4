// Copyright Shadow Proxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package proxy

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/shadowproxy-io/shadowproxy/internal/config"
)

// TestCompareCapacityDrop holds the single semaphore slot with a stalled
// mirror exchange and checks that the next mirror attempt is dropped while
// both client exchanges succeed untouched.
func TestCompareCapacityDrop(t *testing.T) {
	passthrough, _ := jsonUpstream(t, messagesResponse, nil)

	entered := make(chan struct{}, 8)
	release := make(chan struct{})
	mirror := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entered <- struct{}{}
		<-release
		_, _ = io.WriteString(w, `{}`)
	}))
	t.Cleanup(mirror.Close)

	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.DefaultMode = "compare"
		cfg.Passthrough.URL = passthrough.URL
		cfg.Target.URL = mirror.URL
		cfg.Target.MaxConcurrent = 1
	})

	resp, _ := env.do(t, http.MethodPost, "/v1/messages", messagesRequest, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// The slot is taken once the mirror has the first request on the wire.
	select {
	case <-entered:
	case <-time.After(3 * time.Second):
		t.Fatal("first compare request never reached the mirror")
	}

	resp, body := env.do(t, http.MethodPost, "/v1/messages", messagesRequest, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, messagesResponse, string(body), "a dropped mirror is invisible to the client")

	require.Eventually(t, func() bool {
		return strings.Contains(env.logs.String(), "Compare semaphore full, dropping request")
	}, 3*time.Second, 10*time.Millisecond)

	close(release)
	env.server.dispatcher.drain(t.Context())
	require.Empty(t, entered, "the dropped request must never reach the mirror")
}

func TestCompareTimeout(t *testing.T) {
	passthrough, _ := jsonUpstream(t, messagesResponse, nil)

	mirror := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(mirror.Close)

	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.DefaultMode = "compare"
		cfg.Passthrough.URL = passthrough.URL
		cfg.Target.URL = mirror.URL
		cfg.Target.TimeoutSecs = 1
	})

	resp, _ := env.do(t, http.MethodPost, "/v1/messages", messagesRequest, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "mirror timeout never surfaces to the client")

	require.Eventually(t, func() bool {
		return strings.Contains(env.logs.String(), "Compare request timed out")
	}, 5*time.Second, 10*time.Millisecond)
	env.server.dispatcher.drain(t.Context())
}

func TestCompareMirrorUnreachable(t *testing.T) {
	passthrough, _ := jsonUpstream(t, messagesResponse, nil)

	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.DefaultMode = "compare"
		cfg.Passthrough.URL = passthrough.URL
		cfg.Target.URL = "http://127.0.0.1:1"
	})

	resp, body := env.do(t, http.MethodPost, "/v1/messages", messagesRequest, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, messagesResponse, string(body))

	require.Eventually(t, func() bool {
		return strings.Contains(env.logs.String(), "Compare request failed")
	}, 3*time.Second, 10*time.Millisecond)
	env.server.dispatcher.drain(t.Context())
}

// TestCompareOpenAIFormat checks the request_format="openai" sink path: the
// mirror receives a chat-completions request at /v1/chat/completions and its
// prompt/completion token usage lands in the completion log.
func TestCompareOpenAIFormat(t *testing.T) {
	passthrough, _ := jsonUpstream(t, messagesResponse, nil)
	mirror, mirrorSaw := jsonUpstream(t, `{"usage":{"prompt_tokens":9,"completion_tokens":21}}`, nil)

	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.DefaultMode = "compare"
		cfg.Passthrough.URL = passthrough.URL
		cfg.Target.URL = mirror.URL
		cfg.Target.RequestFormat = config.RequestFormatOpenAI
	})

	resp, _ := env.do(t, http.MethodPost, "/v1/messages",
		`{"model":"claude-sonnet-4","max_tokens":1024,"system":"Be terse.","messages":[{"role":"user","content":"Hello"}]}`,
		map[string]string{"Content-Type": "application/json"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got capturedRequest
	select {
	case got = <-mirrorSaw:
	case <-time.After(3 * time.Second):
		t.Fatal("compare mirror never received the request")
	}
	require.Equal(t, "/v1/chat/completions", got.path)
	require.Equal(t, "application/json", got.header.Get("Content-Type"))

	require.Equal(t, "claude-sonnet-4", gjson.GetBytes(got.body, "model").String())
	require.Equal(t, int64(1024), gjson.GetBytes(got.body, "max_completion_tokens").Int())
	require.False(t, gjson.GetBytes(got.body, "stream").Bool())
	require.Equal(t, "system", gjson.GetBytes(got.body, "messages.0.role").String())
	require.Equal(t, "Be terse.", gjson.GetBytes(got.body, "messages.0.content").String())
	require.Equal(t, "user", gjson.GetBytes(got.body, "messages.1.role").String())
	require.Equal(t, "Hello", gjson.GetBytes(got.body, "messages.1.content").String())

	require.Eventually(t, func() bool {
		logs := env.logs.String()
		return strings.Contains(logs, "Compare request complete") &&
			strings.Contains(logs, "input_tokens=9") &&
			strings.Contains(logs, "output_tokens=21")
	}, 3*time.Second, 10*time.Millisecond)
	env.server.dispatcher.drain(t.Context())
}
