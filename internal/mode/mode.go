// Copyright Shadow Proxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package mode defines the proxy operating modes and the lock-free registers
// read on the request hot path and written by the admin API.
package mode

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
)

// Mode selects where /v1/messages traffic goes.
type Mode uint8

const (
	// ModeAnthropicOnly forwards to the passthrough upstream and nothing else.
	ModeAnthropicOnly Mode = iota
	// ModeTarget forwards to the self-hosted target endpoint only.
	ModeTarget
	// ModeCompare forwards to the passthrough upstream and mirrors a
	// fire-and-forget copy to the target.
	ModeCompare
)

const (
	nameAnthropicOnly = "anthropic-only"
	nameTarget        = "target"
	nameCompare       = "compare"
)

// String returns the kebab-case wire name used in JSON and config.
func (m Mode) String() string {
	switch m {
	case ModeAnthropicOnly:
		return nameAnthropicOnly
	case ModeTarget:
		return nameTarget
	default:
		return nameCompare
	}
}

// Parse converts a kebab-case mode name to a Mode.
func Parse(s string) (Mode, error) {
	switch s {
	case nameAnthropicOnly:
		return ModeAnthropicOnly, nil
	case nameTarget:
		return ModeTarget, nil
	case nameCompare:
		return ModeCompare, nil
	default:
		return ModeCompare, fmt.Errorf("invalid mode %q: expected %s, %s, or %s",
			s, nameTarget, nameCompare, nameAnthropicOnly)
	}
}

// MarshalJSON implements json.Marshaler using the kebab-case names.
func (m Mode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}

// UnmarshalJSON implements json.Unmarshaler using the kebab-case names.
func (m *Mode) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Register holds the current Mode. Loads and stores are atomic; readers may
// observe a value at most one store stale, which is acceptable for a mode
// switch that takes effect "on the next request".
type Register struct {
	v atomic.Uint32
}

// NewRegister returns a Register initialized to m.
func NewRegister(m Mode) *Register {
	r := &Register{}
	r.Store(m)
	return r
}

// Load returns the current mode. Values outside the known range (possible
// only through memory corruption, kept for parity with the wire format's
// catch-all) read as ModeCompare.
func (r *Register) Load() Mode {
	v := r.v.Load()
	if v > uint32(ModeCompare) {
		return ModeCompare
	}
	return Mode(v)
}

// Store replaces the current mode.
func (r *Register) Store(m Mode) {
	r.v.Store(uint32(m))
}

// Flag is an atomic boolean register with the same publication semantics as
// Register. It backs the /api/tracing toggle.
type Flag struct {
	v atomic.Bool
}

// NewFlag returns a Flag initialized to enabled.
func NewFlag(enabled bool) *Flag {
	f := &Flag{}
	f.v.Store(enabled)
	return f
}

// Enabled reports the current value.
func (f *Flag) Enabled() bool {
	return f.v.Load()
}

// Set replaces the current value.
func (f *Flag) Set(enabled bool) {
	f.v.Store(enabled)
}
