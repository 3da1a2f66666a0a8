package registry

import (
	"context"
	"time"

	"go.uber.org/zap"

	v1 "github.com/aiori-io/aiori/pkg/api/v1"
)

// StartReconciler launches the optional store reconcile loop. A single
// coordinator never drifts from its own write-through; the loop exists
// for deployments where several coordinators share one store. Must be
// called after Start and before Stop.
func (r *Registry) StartReconciler(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			case <-ticker.C:
				if err := r.reconcile(ctx); err != nil {
					r.logger.Warn("store reconcile failed", zap.Error(err))
				}
			}
		}
	}()

	r.logger.Info("store reconciler started", zap.Duration("interval", interval))
}

// reconcile merges persisted agent rows into memory, last writer wins.
// Rows where memory is newer are pushed back so both sides converge.
func (r *Registry) reconcile(ctx context.Context) error {
	persisted, err := r.store.ListAgents(ctx)
	if err != nil {
		return err
	}

	var (
		pushBack []*v1.Agent
		resync   []*v1.Agent
		adopted  int
	)

	r.mu.Lock()
	for _, stored := range persisted {
		stored.FirstSeen = stored.FirstSeen.UTC()
		stored.LastSeen = stored.LastSeen.UTC()

		rec, ok := r.agents[stored.ID]
		if !ok {
			r.agents[stored.ID] = &record{agent: stored, needsSync: stored.Alive}
			if stored.Alive {
				resync = append(resync, cloneAgent(stored))
			}
			adopted++
			continue
		}

		if newerAgent(stored, rec.agent) {
			rec.agent = stored
			rec.needsSync = stored.Alive
			if stored.Alive {
				resync = append(resync, cloneAgent(stored))
			}
			adopted++
		} else if newerAgent(rec.agent, stored) {
			pushBack = append(pushBack, cloneAgent(rec.agent))
		}
	}
	r.mu.Unlock()

	if adopted == 0 && len(pushBack) == 0 {
		return nil
	}
	r.updateAliveGauge()

	for _, agent := range pushBack {
		if err := r.store.UpsertAgent(ctx, agent); err != nil {
			r.logger.Warn("agent write-through failed",
				zap.String("agent_id", agent.ID), zap.Error(err))
		}
	}
	for _, agent := range resync {
		r.syncAgent(ctx, agent)
	}

	r.logger.Info("store reconcile applied",
		zap.Int("adopted", adopted),
		zap.Int("pushed_back", len(pushBack)))
	return nil
}

// newerAgent reports whether a supersedes b: later last_seen wins,
// ties resolve toward the higher heartbeat count.
func newerAgent(a, b *v1.Agent) bool {
	if !a.LastSeen.Equal(b.LastSeen) {
		return a.LastSeen.After(b.LastSeen)
	}
	return a.TotalHeartbeats > b.TotalHeartbeats
}
