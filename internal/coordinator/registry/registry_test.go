package registry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apperrors "github.com/aiori-io/aiori/internal/common/errors"
	"github.com/aiori-io/aiori/internal/common/logger"
	"github.com/aiori-io/aiori/internal/coordinator/store"
	"github.com/aiori-io/aiori/internal/events"
	"github.com/aiori-io/aiori/internal/events/bus"
	v1 "github.com/aiori-io/aiori/pkg/api/v1"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "json",
		OutputPath: "stderr",
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

type fakeSyncer struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeSyncer) SyncAgent(ctx context.Context, agent *v1.Agent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, agent.ID)
	return f.err
}

func (f *fakeSyncer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeSyncer) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func heartbeatMsg(t *testing.T, agentID string, modules ...string) *bus.Message {
	t.Helper()
	spec := make(map[string]v1.ModuleDescriptor, len(modules))
	for _, m := range modules {
		spec[m] = v1.ModuleDescriptor{
			InputSubject:  events.ModuleInputSubject(agentID, m),
			OutputSubject: events.ModuleOutputSubject(agentID, m),
			ErrorSubject:  events.ModuleErrorSubject(agentID, m),
		}
	}
	rawCaps, err := json.Marshal(v1.CapabilityDoc{Modules: modules, Spec: spec})
	require.NoError(t, err)

	data, err := json.Marshal(v1.Heartbeat{
		Module:    "heartbeat_module",
		Timestamp: float64(time.Now().UnixNano()) / 1e9,
		Agent: v1.AgentInfo{
			ID:       agentID,
			Name:     "name-" + agentID,
			Hostname: "host-" + agentID,
			Modules:  rawCaps,
		},
	})
	require.NoError(t, err)
	return &bus.Message{Subject: events.SubjectHeartbeat, Data: data}
}

func newTestRegistry(t *testing.T) (*Registry, *store.Memory, *fakeSyncer) {
	t.Helper()
	st := store.NewMemory()
	r := New(st, bus.NewMemoryBus(testLogger(t)), testLogger(t), 2*time.Second, 2)
	syncer := &fakeSyncer{}
	r.SetSyncer(syncer)
	return r, st, syncer
}

func TestIngestNewAgent(t *testing.T) {
	r, st, syncer := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.handleHeartbeat(ctx, heartbeatMsg(t, "a1", "echo", "ping")))

	agent, ok := r.Get("a1")
	require.True(t, ok)
	require.True(t, agent.Alive)
	require.EqualValues(t, 1, agent.TotalHeartbeats)
	require.Equal(t, []string{"echo", "ping"}, agent.Capabilities.Modules)
	require.Equal(t, agent.FirstSeen, agent.LastSeen)

	require.Equal(t, 1, syncer.callCount(), "first heartbeat must trigger subscription setup")

	persisted, err := st.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	require.Equal(t, "a1", persisted[0].ID)
}

func TestIngestUnchangedCapabilities(t *testing.T) {
	r, _, syncer := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.handleHeartbeat(ctx, heartbeatMsg(t, "a1", "echo")))
	require.NoError(t, r.handleHeartbeat(ctx, heartbeatMsg(t, "a1", "echo")))
	require.NoError(t, r.handleHeartbeat(ctx, heartbeatMsg(t, "a1", "echo")))

	agent, ok := r.Get("a1")
	require.True(t, ok)
	require.EqualValues(t, 3, agent.TotalHeartbeats)
	require.Equal(t, 1, syncer.callCount(), "byte-equal capability docs must not retrigger sync")
}

func TestIngestChangedCapabilities(t *testing.T) {
	r, _, syncer := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.handleHeartbeat(ctx, heartbeatMsg(t, "a1", "echo")))
	require.NoError(t, r.handleHeartbeat(ctx, heartbeatMsg(t, "a1", "echo", "faulty")))

	agent, ok := r.Get("a1")
	require.True(t, ok)
	require.Equal(t, []string{"echo", "faulty"}, agent.Capabilities.Modules)
	require.Contains(t, agent.Capabilities.Spec, "faulty")
	require.Equal(t, 2, syncer.callCount(), "capability change must retrigger sync")
}

func TestFailedSyncRetriesOnNextHeartbeat(t *testing.T) {
	r, _, syncer := newTestRegistry(t)
	ctx := context.Background()

	syncer.setErr(context.DeadlineExceeded)
	require.NoError(t, r.handleHeartbeat(ctx, heartbeatMsg(t, "a1", "echo")))
	require.Equal(t, 1, syncer.callCount())

	// Same capability doc, but the previous sync never succeeded.
	syncer.setErr(nil)
	require.NoError(t, r.handleHeartbeat(ctx, heartbeatMsg(t, "a1", "echo")))
	require.Equal(t, 2, syncer.callCount())

	// Confirmed now; byte-equal heartbeats stay quiet.
	require.NoError(t, r.handleHeartbeat(ctx, heartbeatMsg(t, "a1", "echo")))
	require.Equal(t, 2, syncer.callCount())
}

func TestMalformedHeartbeatDropped(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.handleHeartbeat(ctx, &bus.Message{Data: []byte("{broken")}))
	require.NoError(t, r.handleHeartbeat(ctx, &bus.Message{Data: []byte(`{"agent":{}}`)}))
	require.Empty(t, r.List(FilterAll))
}

func TestSweepLivenessBoundary(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }
	require.NoError(t, r.handleHeartbeat(ctx, heartbeatMsg(t, "a1", "echo")))

	var died []string
	r.SetDeathHandler(func(agentID string) { died = append(died, agentID) })

	// Silence of exactly interval × factor keeps the agent alive.
	r.now = func() time.Time { return base.Add(r.Timeout()) }
	r.sweep(ctx)
	agent, _ := r.Get("a1")
	require.True(t, agent.Alive)
	require.Empty(t, died)

	// One tick past the timeout kills it.
	r.now = func() time.Time { return base.Add(r.Timeout() + time.Nanosecond) }
	r.sweep(ctx)
	agent, _ = r.Get("a1")
	require.False(t, agent.Alive)
	require.Equal(t, []string{"a1"}, died)
}

func TestDeadAgentRevivesOnHeartbeat(t *testing.T) {
	r, st, _ := newTestRegistry(t)
	ctx := context.Background()

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }
	require.NoError(t, r.handleHeartbeat(ctx, heartbeatMsg(t, "a1", "echo")))

	r.now = func() time.Time { return base.Add(time.Minute) }
	r.sweep(ctx)
	agent, _ := r.Get("a1")
	require.False(t, agent.Alive)

	require.NoError(t, r.handleHeartbeat(ctx, heartbeatMsg(t, "a1", "echo")))
	agent, _ = r.Get("a1")
	require.True(t, agent.Alive)
	require.EqualValues(t, 2, agent.TotalHeartbeats)

	persisted, err := st.ListAgents(ctx)
	require.NoError(t, err)
	require.True(t, persisted[0].Alive)
}

func TestHydrateResumesAliveSubscriptions(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()

	seed := func(id string, alive bool) {
		require.NoError(t, st.UpsertAgent(ctx, &v1.Agent{
			ID:            id,
			Name:          "name-" + id,
			Alive:         alive,
			FirstSeen:     time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC),
			LastSeen:      time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC),
			CapabilityRaw: json.RawMessage(`{"modules":["echo"],"spec":{}}`),
		}))
	}
	seed("alive-1", true)
	seed("dead-1", false)

	r := New(st, bus.NewMemoryBus(testLogger(t)), testLogger(t), 2*time.Second, 2)
	syncer := &fakeSyncer{}
	r.SetSyncer(syncer)

	require.NoError(t, r.hydrate(ctx))

	require.Len(t, r.List(FilterAll), 2)
	require.Len(t, r.List(FilterAlive), 1)
	require.Len(t, r.List(FilterDead), 1)
	require.Equal(t, []string{"alive-1"}, syncer.calls, "only agents loaded alive resume subscriptions")

	agent, ok := r.Get("alive-1")
	require.True(t, ok)
	require.Equal(t, time.UTC, agent.LastSeen.Location())
}

func TestParseFilter(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Filter
	}{
		{"", FilterAll},
		{"all", FilterAll},
		{"alive", FilterAlive},
		{"dead", FilterDead},
	} {
		got, err := ParseFilter(tc.in)
		require.NoError(t, err)
		require.Equal(t, tc.want, got)
	}

	_, err := ParseFilter("zombie")
	require.Error(t, err)
	require.True(t, apperrors.HasCode(err, apperrors.ErrCodeBadRequest))
}

func TestGetReturnsCopy(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.handleHeartbeat(ctx, heartbeatMsg(t, "a1", "echo")))

	agent, ok := r.Get("a1")
	require.True(t, ok)
	agent.Alive = false
	agent.Capabilities.Modules[0] = "tampered"

	fresh, _ := r.Get("a1")
	require.True(t, fresh.Alive)
	require.Equal(t, "echo", fresh.Capabilities.Modules[0])
}
