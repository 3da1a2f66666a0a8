// Package subscriptions keeps the coordinator subscribed to every
// agent's result subjects so module replies reach the workflow engine.
package subscriptions

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aiori-io/aiori/internal/common/logger"
	"github.com/aiori-io/aiori/internal/coordinator/registry"
	"github.com/aiori-io/aiori/internal/events"
	"github.com/aiori-io/aiori/internal/events/bus"
	v1 "github.com/aiori-io/aiori/pkg/api/v1"
)

const (
	maxSyncAttempts = 5
	initialBackoff  = 200 * time.Millisecond
)

// Manager tracks, per agent, which result subjects the coordinator
// listens on. Subjects that drop out of an agent's capability doc are
// forgotten from tracking only; the bus subscription stays armed, and
// the shared handler tolerates the extra deliveries.
type Manager struct {
	bus     bus.Bus
	handler bus.Handler
	logger  *logger.Logger

	mu      sync.Mutex
	tracked map[string]map[string]struct{}

	maxAttempts int
	backoff     time.Duration
}

var _ registry.SubscriptionSyncer = (*Manager)(nil)

// New creates a subscription manager delivering result messages to
// handler, normally the workflow engine's result handler.
func New(b bus.Bus, handler bus.Handler, log *logger.Logger) *Manager {
	return &Manager{
		bus:         b,
		handler:     handler,
		logger:      log.WithFields(zap.String("component", "subscriptions")),
		tracked:     make(map[string]map[string]struct{}),
		maxAttempts: maxSyncAttempts,
		backoff:     initialBackoff,
	}
}

// Targets computes the result subjects for one agent: the generic
// output subject plus every module's non-empty output subject, deduped.
func Targets(agent *v1.Agent) []string {
	seen := map[string]struct{}{
		events.AgentOutputSubject(agent.ID): {},
	}
	for _, desc := range agent.Capabilities.Spec {
		if desc.OutputSubject == "" {
			continue
		}
		seen[desc.OutputSubject] = struct{}{}
	}

	targets := make([]string, 0, len(seen))
	for subject := range seen {
		targets = append(targets, subject)
	}
	sort.Strings(targets)
	return targets
}

// SyncAgent reconciles the coordinator's subscriptions with the
// agent's current capability doc.
func (m *Manager) SyncAgent(ctx context.Context, agent *v1.Agent) error {
	return m.Sync(ctx, agent.ID, Targets(agent))
}

// Sync makes the tracked set for agentID equal to targets. Stale
// subjects are forgotten; missing ones are subscribed, retried with
// exponential backoff. Success requires every target subscribed.
func (m *Manager) Sync(ctx context.Context, agentID string, targets []string) error {
	m.forgetStale(agentID, targets)

	backoff := m.backoff
	var lastErr error
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		lastErr = m.subscribeMissing(agentID, targets)
		if lastErr == nil {
			return nil
		}
		if attempt == m.maxAttempts {
			break
		}

		m.logger.Warn("subscription sync attempt failed",
			zap.String("agent_id", agentID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(lastErr))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}

	m.logger.Error("subscription sync failed",
		zap.String("agent_id", agentID),
		zap.Int("max_attempts", m.maxAttempts),
		zap.Error(lastErr))
	return fmt.Errorf("sync agent %s: %w", agentID, lastErr)
}

// Active returns the tracked subject count per agent.
func (m *Manager) Active() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]int, len(m.tracked))
	for agentID, subjects := range m.tracked {
		out[agentID] = len(subjects)
	}
	return out
}

// Subjects returns the tracked subjects for one agent, sorted.
func (m *Manager) Subjects(agentID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	subjects := make([]string, 0, len(m.tracked[agentID]))
	for subject := range m.tracked[agentID] {
		subjects = append(subjects, subject)
	}
	sort.Strings(subjects)
	return subjects
}

func (m *Manager) forgetStale(agentID string, targets []string) {
	want := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		want[t] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for subject := range m.tracked[agentID] {
		if _, ok := want[subject]; !ok {
			delete(m.tracked[agentID], subject)
			m.logger.Debug("forgot result subject",
				zap.String("agent_id", agentID),
				zap.String("subject", subject))
		}
	}
}

// subscribeMissing arms a bus subscription for every target not yet
// tracked. Targets subscribed by an earlier attempt stay tracked, so a
// retry touches only what is still missing.
func (m *Manager) subscribeMissing(agentID string, targets []string) error {
	for _, subject := range targets {
		m.mu.Lock()
		if _, ok := m.tracked[agentID][subject]; ok {
			m.mu.Unlock()
			continue
		}
		m.mu.Unlock()

		if _, err := m.bus.Subscribe(subject, m.handler); err != nil {
			return fmt.Errorf("subscribe %s: %w", subject, err)
		}

		m.mu.Lock()
		if m.tracked[agentID] == nil {
			m.tracked[agentID] = make(map[string]struct{})
		}
		m.tracked[agentID][subject] = struct{}{}
		m.mu.Unlock()

		m.logger.Info("subscribed to result subject",
			zap.String("agent_id", agentID),
			zap.String("subject", subject))
	}
	return nil
}
