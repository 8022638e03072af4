// Copyright Shadow Proxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package rewrite patches selected top-level fields of a Messages API
// request body before it is forwarded upstream.
package rewrite

import (
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// DefaultMaxTokens is written into requests that omit max_tokens. 65536 is
// the recommended ceiling for coding workloads on the target models.
const DefaultMaxTokens = 65536

// sjsonOptions ensure patches never mutate the caller's buffer: the original
// body may still be referenced by the handler when a patch fails.
var sjsonOptions = &sjson.Options{
	Optimistic:     true,
	ReplaceInPlace: false,
}

// Options select which fields Rewrite patches.
type Options struct {
	// ModelOverride replaces the top-level model field when non-empty,
	// inserting it if the request omitted one.
	ModelOverride string
	// MaxTokensDefault is written when max_tokens is absent or null.
	// Zero means DefaultMaxTokens.
	MaxTokensDefault int64
	// Temperature is written only when the request has no temperature.
	// Nil leaves the request untouched.
	Temperature *float64
	// TopP is written only when the request has no top_p. Nil leaves the
	// request untouched.
	TopP *float64
}

// Rewrite returns body with Options applied. Every byte outside the patched
// fields is preserved exactly, including key order and literal encodings;
// sjson splices rather than re-serializes.
//
// A body that is not valid JSON is returned unchanged with a non-nil error
// so the caller can log and forward the original. A valid body whose top
// level is not an object (arrays, scalars) is returned unchanged with no
// error, mirroring a permissive parse that finds nothing to patch.
func Rewrite(body []byte, opts Options) ([]byte, error) {
	if !gjson.ValidBytes(body) {
		return body, fmt.Errorf("request body is not valid JSON")
	}
	if !gjson.ParseBytes(body).IsObject() {
		return body, nil
	}

	out := body
	var err error

	if opts.ModelOverride != "" {
		out, err = sjson.SetBytesOptions(out, "model", opts.ModelOverride, sjsonOptions)
		if err != nil {
			return body, fmt.Errorf("override model: %w", err)
		}
	}

	if mt := gjson.GetBytes(out, "max_tokens"); !mt.Exists() || mt.Type == gjson.Null {
		def := opts.MaxTokensDefault
		if def == 0 {
			def = DefaultMaxTokens
		}
		out, err = sjson.SetBytesOptions(out, "max_tokens", def, sjsonOptions)
		if err != nil {
			return body, fmt.Errorf("default max_tokens: %w", err)
		}
	}

	if opts.Temperature != nil && !gjson.GetBytes(out, "temperature").Exists() {
		out, err = sjson.SetBytesOptions(out, "temperature", *opts.Temperature, sjsonOptions)
		if err != nil {
			return body, fmt.Errorf("default temperature: %w", err)
		}
	}

	if opts.TopP != nil && !gjson.GetBytes(out, "top_p").Exists() {
		out, err = sjson.SetBytesOptions(out, "top_p", *opts.TopP, sjsonOptions)
		if err != nil {
			return body, fmt.Errorf("default top_p: %w", err)
		}
	}

	return out, nil
}
