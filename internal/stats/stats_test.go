// Copyright Shadow Proxy Authors
// SPDX-License-Identifier: Apache-2.0
// The full text of the Apache license is available in the LICENSE file at
// the root of the repo.

package stats

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSnapshot(t *testing.T) {
	s := New()
	s.IncRequests()
	s.IncRequests()
	s.AddInputTokens(100)
	s.AddOutputTokens(25)
	s.AddToolCalls(3)

	require.Equal(t, Snapshot{
		TotalRequests: 2,
		InputTokens:   100,
		OutputTokens:  25,
		ToolCalls:     3,
	}, s.Snapshot())
}

func TestSnapshotJSON(t *testing.T) {
	s := New()
	s.IncRequests()
	s.AddInputTokens(7)

	b, err := json.Marshal(s.Snapshot())
	require.NoError(t, err)
	require.JSONEq(t, `{"total_requests":1,"input_tokens":7,"output_tokens":0,"tool_calls":0}`, string(b))
}

func TestConcurrentUpdates(t *testing.T) {
	s := New()

	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				s.IncRequests()
				s.AddInputTokens(2)
				s.AddOutputTokens(1)
			}
		}()
	}
	wg.Wait()

	snap := s.Snapshot()
	require.Equal(t, uint64(5000), snap.TotalRequests)
	require.Equal(t, uint64(10000), snap.InputTokens)
	require.Equal(t, uint64(5000), snap.OutputTokens)
	require.Zero(t, snap.ToolCalls)
}
