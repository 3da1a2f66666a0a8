// Package registry tracks the agent fleet from heartbeat documents:
// who exists, what modules they advertise, and whether they are alive.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/aiori-io/aiori/internal/common/errors"
	"github.com/aiori-io/aiori/internal/common/logger"
	"github.com/aiori-io/aiori/internal/coordinator/store"
	"github.com/aiori-io/aiori/internal/events"
	"github.com/aiori-io/aiori/internal/events/bus"
	"github.com/aiori-io/aiori/internal/metrics"
	v1 "github.com/aiori-io/aiori/pkg/api/v1"
)

// Filter selects which agents List returns.
type Filter string

const (
	FilterAll   Filter = "all"
	FilterAlive Filter = "alive"
	FilterDead  Filter = "dead"
)

// ParseFilter validates a filter string; empty means all.
func ParseFilter(s string) (Filter, error) {
	switch Filter(s) {
	case "", FilterAll:
		return FilterAll, nil
	case FilterAlive:
		return FilterAlive, nil
	case FilterDead:
		return FilterDead, nil
	default:
		return "", apperrors.BadRequest(fmt.Sprintf("unknown agent filter %q", s))
	}
}

// SubscriptionSyncer keeps the coordinator subscribed to an agent's
// result subjects. Implemented by the subscription manager.
type SubscriptionSyncer interface {
	SyncAgent(ctx context.Context, agent *v1.Agent) error
}

// record wraps one tracked agent. needsSync marks that the result
// subscriptions for the current capability doc are not confirmed yet.
type record struct {
	agent     *v1.Agent
	needsSync bool
}

// Registry is the coordinator's view of the fleet.
type Registry struct {
	store  store.AgentStore
	bus    bus.Bus
	logger *logger.Logger

	syncer  SubscriptionSyncer
	onDeath func(agentID string)

	agents map[string]*record
	mu     sync.RWMutex

	interval      time.Duration
	timeoutFactor int
	now           func() time.Time

	sub    bus.Subscription
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates an agent registry. interval is the expected heartbeat
// period; an agent is dead once its silence exceeds interval × factor.
func New(st store.AgentStore, b bus.Bus, log *logger.Logger, interval time.Duration, timeoutFactor int) *Registry {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if timeoutFactor <= 0 {
		timeoutFactor = 2
	}
	return &Registry{
		store:         st,
		bus:           b,
		logger:        log.WithFields(zap.String("component", "agent_registry")),
		agents:        make(map[string]*record),
		interval:      interval,
		timeoutFactor: timeoutFactor,
		now:           time.Now,
		stopCh:        make(chan struct{}),
	}
}

// SetSyncer installs the subscription manager. Must be called before Start.
func (r *Registry) SetSyncer(s SubscriptionSyncer) {
	r.syncer = s
}

// SetDeathHandler installs the callback invoked when the sweeper marks
// an agent dead. Must be called before Start.
func (r *Registry) SetDeathHandler(fn func(agentID string)) {
	r.onDeath = fn
}

// Start hydrates from the store, subscribes to heartbeats, and begins
// the liveness sweep loop.
func (r *Registry) Start(ctx context.Context) error {
	if err := r.hydrate(ctx); err != nil {
		return fmt.Errorf("hydrate agents: %w", err)
	}

	sub, err := r.bus.Subscribe(events.SubjectHeartbeat, r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeats: %w", err)
	}
	r.sub = sub

	r.wg.Add(1)
	go r.sweepLoop(ctx)

	r.logger.Info("agent registry started",
		zap.Duration("heartbeat_interval", r.interval),
		zap.Int("timeout_factor", r.timeoutFactor))
	return nil
}

// Stop halts the sweeper and drops the heartbeat subscription.
func (r *Registry) Stop() {
	close(r.stopCh)
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
	}
	r.wg.Wait()
}

// Timeout returns the silence span after which an agent counts as dead.
func (r *Registry) Timeout() time.Duration {
	return r.interval * time.Duration(r.timeoutFactor)
}

// Get returns a copy of one agent record.
func (r *Registry) Get(agentID string) (*v1.Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rec, ok := r.agents[agentID]
	if !ok {
		return nil, false
	}
	return cloneAgent(rec.agent), true
}

// List returns agent records matching the filter, ordered by first_seen.
func (r *Registry) List(filter Filter) []*v1.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*v1.Agent, 0, len(r.agents))
	for _, rec := range r.agents {
		switch filter {
		case FilterAlive:
			if !rec.agent.Alive {
				continue
			}
		case FilterDead:
			if rec.agent.Alive {
				continue
			}
		}
		result = append(result, cloneAgent(rec.agent))
	}
	sortAgents(result)
	return result
}

// handleHeartbeat ingests one heartbeat document. Errors never
// propagate to the bus client; a malformed document is logged and
// dropped.
func (r *Registry) handleHeartbeat(ctx context.Context, msg *bus.Message) error {
	var hb v1.Heartbeat
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.logger.Warn("malformed heartbeat dropped", zap.Error(err))
		return nil
	}
	if hb.Agent.ID == "" {
		r.logger.Debug("heartbeat without agent id dropped")
		return nil
	}

	now := r.now().UTC()
	raw := hb.Agent.Modules

	r.mu.Lock()
	rec, exists := r.agents[hb.Agent.ID]
	if !exists {
		agent := &v1.Agent{
			ID:              hb.Agent.ID,
			Name:            hb.Agent.Name,
			Hostname:        hb.Agent.Hostname,
			Alive:           true,
			FirstSeen:       now,
			LastSeen:        now,
			TotalHeartbeats: 1,
			Tags:            hb.Tags,
			CapabilityRaw:   raw,
		}
		_ = json.Unmarshal(raw, &agent.Capabilities)
		rec = &record{agent: agent, needsSync: true}
		r.agents[hb.Agent.ID] = rec
		r.logger.Info("agent joined",
			zap.String("agent_id", agent.ID),
			zap.String("agent_name", agent.Name),
			zap.Strings("modules", agent.Capabilities.Modules))
	} else {
		if !rec.agent.Alive {
			r.logger.Info("agent revived", zap.String("agent_id", hb.Agent.ID))
		}
		rec.agent.Alive = true
		rec.agent.LastSeen = now
		rec.agent.TotalHeartbeats++
		rec.agent.Name = hb.Agent.Name
		rec.agent.Hostname = hb.Agent.Hostname
		rec.agent.Tags = hb.Tags

		if !bytes.Equal(rec.agent.CapabilityRaw, raw) {
			rec.agent.CapabilityRaw = raw
			rec.agent.Capabilities = v1.CapabilityDoc{}
			_ = json.Unmarshal(raw, &rec.agent.Capabilities)
			rec.needsSync = true
			r.logger.Info("agent capabilities changed",
				zap.String("agent_id", hb.Agent.ID),
				zap.Strings("modules", rec.agent.Capabilities.Modules))
		}
	}
	needsSync := rec.needsSync
	snapshot := cloneAgent(rec.agent)
	r.mu.Unlock()

	metrics.HeartbeatsIngested.Inc()
	r.updateAliveGauge()

	// Write-through; memory stays authoritative.
	if err := r.store.UpsertAgent(ctx, snapshot); err != nil {
		r.logger.Warn("agent write-through failed",
			zap.String("agent_id", snapshot.ID), zap.Error(err))
	}

	if needsSync {
		r.syncAgent(ctx, snapshot)
	}
	return nil
}

// syncAgent asks the subscription manager for this agent's result
// subjects. The pending flag is cleared only when the capability doc we
// synced is still current, so a failed or raced sync is retried on the
// next heartbeat.
func (r *Registry) syncAgent(ctx context.Context, snapshot *v1.Agent) {
	if r.syncer == nil {
		return
	}
	if err := r.syncer.SyncAgent(ctx, snapshot); err != nil {
		r.logger.Warn("subscription sync failed",
			zap.String("agent_id", snapshot.ID), zap.Error(err))
		return
	}

	r.mu.Lock()
	if rec, ok := r.agents[snapshot.ID]; ok && bytes.Equal(rec.agent.CapabilityRaw, snapshot.CapabilityRaw) {
		rec.needsSync = false
	}
	r.mu.Unlock()
}

// hydrate loads the persisted fleet and resumes result subscriptions
// for agents that were alive when the coordinator went down.
func (r *Registry) hydrate(ctx context.Context) error {
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return err
	}

	alive := 0
	r.mu.Lock()
	for _, agent := range agents {
		agent.FirstSeen = agent.FirstSeen.UTC()
		agent.LastSeen = agent.LastSeen.UTC()
		r.agents[agent.ID] = &record{agent: agent, needsSync: agent.Alive}
		if agent.Alive {
			alive++
		}
	}
	r.mu.Unlock()
	r.updateAliveGauge()

	for _, agent := range agents {
		if agent.Alive {
			r.syncAgent(ctx, cloneAgent(agent))
		}
	}

	r.logger.Info("hydrated agents",
		zap.Int("total", len(agents)),
		zap.Int("alive", alive))
	return nil
}

// sweepLoop periodically marks silent agents dead.
func (r *Registry) sweepLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// sweep marks every agent silent for longer than the timeout as dead.
// Silence exactly at the timeout still counts as alive.
func (r *Registry) sweep(ctx context.Context) {
	timeout := r.Timeout()
	now := r.now().UTC()

	var died []*v1.Agent
	r.mu.Lock()
	for _, rec := range r.agents {
		if !rec.agent.Alive {
			continue
		}
		if now.Sub(rec.agent.LastSeen) > timeout {
			rec.agent.Alive = false
			died = append(died, cloneAgent(rec.agent))
			r.logger.Info("agent died",
				zap.String("agent_id", rec.agent.ID),
				zap.Time("last_seen", rec.agent.LastSeen))
		}
	}
	r.mu.Unlock()

	if len(died) == 0 {
		return
	}
	r.updateAliveGauge()

	for _, agent := range died {
		if err := r.store.UpsertAgent(ctx, agent); err != nil {
			r.logger.Warn("agent write-through failed",
				zap.String("agent_id", agent.ID), zap.Error(err))
		}
		if r.onDeath != nil {
			r.onDeath(agent.ID)
		}
	}
}

func (r *Registry) updateAliveGauge() {
	r.mu.RLock()
	alive := 0
	for _, rec := range r.agents {
		if rec.agent.Alive {
			alive++
		}
	}
	r.mu.RUnlock()
	metrics.AgentsAlive.Set(float64(alive))
}

func sortAgents(agents []*v1.Agent) {
	sort.Slice(agents, func(i, j int) bool {
		return agents[i].FirstSeen.Before(agents[j].FirstSeen)
	})
}

func cloneAgent(a *v1.Agent) *v1.Agent {
	out := *a
	if a.Tags != nil {
		out.Tags = make(map[string]string, len(a.Tags))
		for k, v := range a.Tags {
			out.Tags[k] = v
		}
	}
	if a.CapabilityRaw != nil {
		out.CapabilityRaw = append([]byte(nil), a.CapabilityRaw...)
	}
	if a.Capabilities.Modules != nil {
		out.Capabilities.Modules = append([]string(nil), a.Capabilities.Modules...)
	}
	if a.Capabilities.Spec != nil {
		out.Capabilities.Spec = make(map[string]v1.ModuleDescriptor, len(a.Capabilities.Spec))
		for k, v := range a.Capabilities.Spec {
			out.Capabilities.Spec[k] = v
		}
	}
	return &out
}
