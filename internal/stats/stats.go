// Copyright Shadow Proxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

// Package stats holds the process-wide request counters surfaced by the
// /api/stats admin endpoint.
package stats

import "sync/atomic"

// Stats is a set of monotonic counters updated from the request hot path.
// All methods are safe for concurrent use. The counters are display-only:
// no ordering is guaranteed relative to any other memory operation.
type Stats struct {
	totalRequests atomic.Uint64
	inputTokens   atomic.Uint64
	outputTokens  atomic.Uint64
	toolCalls     atomic.Uint64
}

// New returns a zeroed counter set.
func New() *Stats {
	return &Stats{}
}

// IncRequests adds one to the total request count.
func (s *Stats) IncRequests() {
	s.totalRequests.Add(1)
}

// AddInputTokens adds n input tokens observed on a primary response.
func (s *Stats) AddInputTokens(n uint64) {
	s.inputTokens.Add(n)
}

// AddOutputTokens adds n output tokens observed on a primary response.
func (s *Stats) AddOutputTokens(n uint64) {
	s.outputTokens.Add(n)
}

// AddToolCalls adds n tool_use blocks observed on a primary response.
func (s *Stats) AddToolCalls(n uint64) {
	s.toolCalls.Add(n)
}

// Snapshot is a point-in-time copy of the counters in the JSON shape served
// by GET /api/stats.
type Snapshot struct {
	TotalRequests uint64 `json:"total_requests"`
	InputTokens   uint64 `json:"input_tokens"`
	OutputTokens  uint64 `json:"output_tokens"`
	ToolCalls     uint64 `json:"tool_calls"`
}

// Snapshot reads each counter once. Counters incremented concurrently may or
// may not be included; the result is always internally plausible because the
// counters are independent.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		TotalRequests: s.totalRequests.Load(),
		InputTokens:   s.inputTokens.Load(),
		OutputTokens:  s.outputTokens.Load(),
		ToolCalls:     s.toolCalls.Load(),
	}
}
