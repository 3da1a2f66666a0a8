// Package heartbeat implements the heartbeat emitter: the worker that
// periodically advertises the agent and its running modules on the bus.
// Every heartbeat document is self-sufficient; the coordinator can
// rebuild its view of an agent from a single one.
package heartbeat

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/aiori-io/aiori/internal/agent/worker"
	"github.com/aiori-io/aiori/internal/events"
	v1 "github.com/aiori-io/aiori/pkg/api/v1"
	"go.uber.org/zap"
)

const (
	// DefaultModuleName is the well-known name of the emitter worker.
	DefaultModuleName = "heartbeat_module"

	defaultIntervalSeconds = 2
	maxIntervalSeconds     = 5
)

// Emitter publishes heartbeat documents at a fixed interval. It runs
// under the module host's supervisor like any other worker.
type Emitter struct {
	wctx     *worker.Context
	interval time.Duration
}

var _ worker.Worker = (*Emitter)(nil)

// New constructs the emitter. The interval comes from the module config
// key "interval_seconds", clamped to 2..5 seconds.
func New(wctx *worker.Context) (worker.Worker, error) {
	secs := wctx.ConfigInt("interval_seconds", defaultIntervalSeconds)
	if secs < defaultIntervalSeconds {
		secs = defaultIntervalSeconds
	}
	if secs > maxIntervalSeconds {
		secs = maxIntervalSeconds
	}
	return &Emitter{
		wctx:     wctx,
		interval: time.Duration(secs) * time.Second,
	}, nil
}

func (e *Emitter) Name() string { return e.wctx.ModuleName }

func (e *Emitter) Setup(ctx context.Context) (bool, error) { return true, nil }

// Run emits one heartbeat immediately and then on every tick until the
// context is cancelled. The final stopped notification is published on
// a fresh context because the run context is already dead.
func (e *Emitter) Run(ctx context.Context) error {
	e.notify(ctx, "Started module")
	defer e.notify(context.Background(), "Stopped module")

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	e.emit(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.emit(ctx)
		}
	}
}

func (e *Emitter) emit(ctx context.Context) {
	hb, err := e.buildHeartbeat(ctx)
	if err != nil {
		e.wctx.Logger.Error("failed to build heartbeat", zap.Error(err))
		return
	}
	data, err := json.Marshal(hb)
	if err != nil {
		e.wctx.Logger.Error("failed to marshal heartbeat", zap.Error(err))
		return
	}
	if err := e.wctx.Bus.Publish(ctx, events.SubjectHeartbeat, data); err != nil {
		e.wctx.Logger.Warn("failed to publish heartbeat", zap.Error(err))
	}
}

// buildHeartbeat probes the host fresh and snapshots the running
// modules. Module names are sorted so identical capability sets always
// marshal to identical bytes.
func (e *Emitter) buildHeartbeat(ctx context.Context) (*v1.Heartbeat, error) {
	caps := v1.CapabilityDoc{
		Modules: []string{},
		Spec:    map[string]v1.ModuleDescriptor{},
	}
	if e.wctx.Modules != nil {
		caps.Spec = e.wctx.Modules.Running()
		for name := range caps.Spec {
			caps.Modules = append(caps.Modules, name)
		}
		sort.Strings(caps.Modules)
	}
	rawCaps, err := json.Marshal(&caps)
	if err != nil {
		return nil, fmt.Errorf("marshal capabilities: %w", err)
	}

	hostname, _ := os.Hostname()
	zone, _ := time.Now().Zone()

	return &v1.Heartbeat{
		Module:    e.Name(),
		Timestamp: worker.UnixNow(),
		Tags:      e.wctx.Tags,
		Agent: v1.AgentInfo{
			ID:       e.wctx.AgentID,
			Name:     e.wctx.AgentName,
			Hostname: hostname,
			PID:      os.Getpid(),
			Timezone: []string{zone},
			Modules:  rawCaps,
			Network:  probeNetwork(ctx),
			System:   probeSystem(ctx),
			User:     probeUser(ctx),
		},
	}, nil
}

func (e *Emitter) notify(ctx context.Context, message string) {
	n := v1.Notification{
		Message: message,
		Name:    e.Name(),
		AgentID: e.wctx.AgentID,
	}
	data, err := json.Marshal(&n)
	if err != nil {
		return
	}
	if err := e.wctx.Bus.Publish(ctx, events.SubjectNotifications, data); err != nil {
		e.wctx.Logger.Warn("failed to publish notification",
			zap.String("message", message), zap.Error(err))
	}
}
