package olap

import (
	"sync"
	"time"
)

// sampler gates heartbeat rows to at most one per agent per interval.
// The first heartbeat from an agent always passes.
type sampler struct {
	mu       sync.Mutex
	interval time.Duration
	last     map[string]time.Time
	now      func() time.Time
}

func newSampler(interval time.Duration) *sampler {
	return &sampler{
		interval: interval,
		last:     make(map[string]time.Time),
		now:      time.Now,
	}
}

// admit reports whether a heartbeat for the agent should be written,
// recording the admission time when it is.
func (s *sampler) admit(agentID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if last, ok := s.last[agentID]; ok && now.Sub(last) < s.interval {
		return false
	}
	s.last[agentID] = now
	return true
}

// prune forgets agents whose last admission is older than maxAge and
// returns their IDs so callers can drop any per-agent state of their own.
func (s *sampler) prune(maxAge time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var removed []string
	for id, last := range s.last {
		if now.Sub(last) > maxAge {
			delete(s.last, id)
			removed = append(removed, id)
		}
	}
	return removed
}
