package olap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSamplerAdmitGate(t *testing.T) {
	s := newSampler(30 * time.Second)
	now := time.Unix(1700000000, 0)
	s.now = func() time.Time { return now }

	require.True(t, s.admit("agent-1"), "first heartbeat always passes")
	require.False(t, s.admit("agent-1"))

	now = now.Add(29 * time.Second)
	require.False(t, s.admit("agent-1"))

	now = now.Add(time.Second)
	require.True(t, s.admit("agent-1"), "interval boundary admits")
	require.False(t, s.admit("agent-1"))
}

func TestSamplerTracksAgentsIndependently(t *testing.T) {
	s := newSampler(30 * time.Second)
	now := time.Unix(1700000000, 0)
	s.now = func() time.Time { return now }

	require.True(t, s.admit("agent-1"))
	require.True(t, s.admit("agent-2"))
	require.False(t, s.admit("agent-1"))
	require.False(t, s.admit("agent-2"))
}

func TestSamplerPrune(t *testing.T) {
	s := newSampler(30 * time.Second)
	now := time.Unix(1700000000, 0)
	s.now = func() time.Time { return now }

	require.True(t, s.admit("stale"))

	now = now.Add(2 * time.Hour)
	require.True(t, s.admit("fresh"))

	removed := s.prune(time.Hour)
	require.Equal(t, []string{"stale"}, removed)
	require.Empty(t, s.prune(time.Hour))

	// A pruned agent is new again: its next heartbeat passes.
	require.True(t, s.admit("stale"))
}
