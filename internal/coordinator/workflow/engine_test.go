package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apperrors "github.com/aiori-io/aiori/internal/common/errors"
	"github.com/aiori-io/aiori/internal/common/logger"
	"github.com/aiori-io/aiori/internal/coordinator/store"
	"github.com/aiori-io/aiori/internal/durable"
	"github.com/aiori-io/aiori/internal/events"
	"github.com/aiori-io/aiori/internal/events/bus"
	v1 "github.com/aiori-io/aiori/pkg/api/v1"
)

const echoSchema = `{"type":"object","properties":{"message":{"type":"string"}},"required":["message"]}`

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

type fakeDirectory struct {
	mu     sync.Mutex
	agents map[string]*v1.Agent
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{agents: make(map[string]*v1.Agent)}
}

func (d *fakeDirectory) Get(agentID string) (*v1.Agent, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	agent, ok := d.agents[agentID]
	return agent, ok
}

func (d *fakeDirectory) put(agent *v1.Agent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.agents[agent.ID] = agent
}

func (d *fakeDirectory) kill(agentID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if agent, ok := d.agents[agentID]; ok {
		agent.Alive = false
	}
}

func liveAgent(id string, withSchema bool) *v1.Agent {
	desc := v1.ModuleDescriptor{
		InputSubject:  events.ModuleInputSubject(id, "echo"),
		OutputSubject: events.ModuleOutputSubject(id, "echo"),
		ErrorSubject:  events.ModuleErrorSubject(id, "echo"),
	}
	if withSchema {
		desc.InputSchema = json.RawMessage(echoSchema)
	}
	return &v1.Agent{
		ID:    id,
		Alive: true,
		Capabilities: v1.CapabilityDoc{
			Modules: []string{"echo"},
			Spec:    map[string]v1.ModuleDescriptor{"echo": desc},
		},
	}
}

// publishCounter wraps a bus and can refuse Publish calls.
type publishCounter struct {
	bus.Bus
	mu       sync.Mutex
	failures int
	calls    int
}

func (p *publishCounter) Publish(ctx context.Context, subject string, data []byte) error {
	p.mu.Lock()
	p.calls++
	fail := p.failures > 0
	if fail {
		p.failures--
	}
	p.mu.Unlock()
	if fail {
		return errors.New("publish refused")
	}
	return p.Bus.Publish(ctx, subject, data)
}

func (p *publishCounter) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type testEnv struct {
	engine *Engine
	dir    *fakeDirectory
	bus    *publishCounter
	store  *store.Memory
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := newFakeDirectory()
	pb := &publishCounter{Bus: bus.NewMemoryBus(testLogger(t))}
	st := store.NewMemory()
	e := New(st, pb, dir, durable.NewMemory(64), testLogger(t), time.Minute)
	return &testEnv{engine: e, dir: dir, bus: pb, store: st}
}

func statuses(history []v1.WorkflowState) []v1.WorkflowStatus {
	out := make([]v1.WorkflowStatus, 0, len(history))
	for _, s := range history {
		out = append(out, s.Status)
	}
	return out
}

func TestExecuteHappyPath(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.dir.put(liveAgent("a1", false))

	var published []byte
	var pubMu sync.Mutex
	_, err := env.bus.Subscribe(events.ModuleInputSubject("a1", "echo"), func(ctx context.Context, msg *bus.Message) error {
		pubMu.Lock()
		published = msg.Data
		pubMu.Unlock()
		return nil
	})
	require.NoError(t, err)

	receipt, err := env.engine.ExecuteModule(ctx, "a1", "echo", map[string]interface{}{"message": "hi"}, false)
	require.NoError(t, err)
	require.Equal(t, "accepted", receipt.Status)
	require.NotEmpty(t, receipt.WorkflowID)

	view, err := env.engine.Get(ctx, receipt.WorkflowID)
	require.NoError(t, err)
	require.Equal(t, []v1.WorkflowStatus{v1.WorkflowStatusRunning}, statuses(view.History))
	require.Equal(t, "a1", view.Workflow.AgentID)
	require.Equal(t, "echo", view.Workflow.ModuleName)

	// The dispatched request carries the minted workflow id.
	require.Eventually(t, func() bool {
		pubMu.Lock()
		defer pubMu.Unlock()
		return published != nil
	}, 2*time.Second, 10*time.Millisecond)
	pubMu.Lock()
	var sent map[string]interface{}
	require.NoError(t, json.Unmarshal(published, &sent))
	pubMu.Unlock()
	require.Equal(t, receipt.WorkflowID, sent["workflow_id"])
	require.Equal(t, "hi", sent["message"])

	// Module reply settles the workflow.
	reply := map[string]interface{}{
		"workflow_id": receipt.WorkflowID,
		"from_module": "echo",
		"message":     "hi",
	}
	data, _ := json.Marshal(reply)
	require.NoError(t, env.engine.HandleResult(ctx, &bus.Message{Subject: "agent.a1.out", Data: data}))

	view, err = env.engine.Get(ctx, receipt.WorkflowID)
	require.NoError(t, err)
	require.Equal(t, []v1.WorkflowStatus{v1.WorkflowStatusRunning, v1.WorkflowStatusCompleted}, statuses(view.History))

	// Write-through kept the store in step.
	persisted, err := env.store.ListWorkflowStates(ctx, receipt.WorkflowID)
	require.NoError(t, err)
	require.Len(t, persisted, 2)
}

func TestExecuteAgentUnavailable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.ExecuteModule(ctx, "ghost", "echo", nil, false)
	require.True(t, apperrors.HasCode(err, apperrors.ErrCodeAgentUnavailable))

	env.dir.put(liveAgent("a1", false))
	env.dir.kill("a1")
	_, err = env.engine.ExecuteModule(ctx, "a1", "echo", nil, false)
	require.True(t, apperrors.HasCode(err, apperrors.ErrCodeAgentUnavailable))
}

func TestExecuteModuleUnknown(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.dir.put(liveAgent("a1", false))

	_, err := env.engine.ExecuteModule(ctx, "a1", "mystery", nil, false)
	require.True(t, apperrors.HasCode(err, apperrors.ErrCodeModuleUnknown))
}

func TestExecuteSchemaRejection(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.dir.put(liveAgent("a1", true))

	_, err := env.engine.ExecuteModule(ctx, "a1", "echo", map[string]interface{}{"wrong": "field"}, false)
	require.True(t, apperrors.HasCode(err, apperrors.ErrCodeSchemaRejected))

	// Rejection leaves nothing behind: no record, no publish.
	workflows, err := env.engine.List(ctx, "", 0)
	require.NoError(t, err)
	require.Empty(t, workflows)
	require.Equal(t, 0, env.bus.callCount())

	// A conforming request on the same compiled schema goes through.
	receipt, err := env.engine.ExecuteModule(ctx, "a1", "echo", map[string]interface{}{"message": "hi"}, false)
	require.NoError(t, err)
	require.NotEmpty(t, receipt.WorkflowID)
}

func TestExecuteUntracked(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.dir.put(liveAgent("a1", false))

	receipt, err := env.engine.ExecuteModule(ctx, "a1", "echo", map[string]interface{}{"message": "hi"}, true)
	require.NoError(t, err)
	require.NotEmpty(t, receipt.WorkflowID)

	_, err = env.engine.Get(ctx, receipt.WorkflowID)
	require.True(t, apperrors.HasCode(err, apperrors.ErrCodeWorkflowNotFound))
	require.Equal(t, 1, env.bus.callCount())
}

func TestExecutePublishRetries(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.dir.put(liveAgent("a1", false))
	env.bus.failures = 2

	receipt, err := env.engine.ExecuteModule(ctx, "a1", "echo", map[string]interface{}{"message": "hi"}, false)
	require.NoError(t, err)
	require.Equal(t, 3, env.bus.callCount())

	view, err := env.engine.Get(ctx, receipt.WorkflowID)
	require.NoError(t, err)
	require.Equal(t, []v1.WorkflowStatus{v1.WorkflowStatusRunning}, statuses(view.History))
}

func TestExecutePublishExhaustionFailsWorkflow(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.dir.put(liveAgent("a1", false))
	env.bus.failures = 100

	_, err := env.engine.ExecuteModule(ctx, "a1", "echo", map[string]interface{}{"message": "hi"}, false)
	require.Error(t, err)
	require.Equal(t, 3, env.bus.callCount())

	workflows, err := env.engine.List(ctx, v1.WorkflowStatusFailed, 0)
	require.NoError(t, err)
	require.Len(t, workflows, 1)

	view, err := env.engine.Get(ctx, workflows[0].ID)
	require.NoError(t, err)
	require.Equal(t, []v1.WorkflowStatus{v1.WorkflowStatusRunning, v1.WorkflowStatusFailed}, statuses(view.History))
}

func TestExecuteReplaySkipsRecordedSteps(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.dir.put(liveAgent("a1", false))

	workflowID := "wf-replay"
	_, err := env.engine.Execute(ctx, workflowID, "a1", "echo", map[string]interface{}{"message": "hi"}, false)
	require.NoError(t, err)
	require.Equal(t, 1, env.bus.callCount())

	// A redelivered task replays the workflow; every step is memoized.
	_, err = env.engine.Execute(ctx, workflowID, "a1", "echo", map[string]interface{}{"message": "hi"}, false)
	require.NoError(t, err)
	require.Equal(t, 1, env.bus.callCount(), "memoized publish must not repeat")

	view, err := env.engine.Get(ctx, workflowID)
	require.NoError(t, err)
	require.Equal(t, []v1.WorkflowStatus{v1.WorkflowStatusRunning}, statuses(view.History))
}

func TestCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.dir.put(liveAgent("a1", false))

	receipt, err := env.engine.ExecuteModule(ctx, "a1", "echo", map[string]interface{}{"message": "hi"}, false)
	require.NoError(t, err)

	view, err := env.engine.Cancel(ctx, receipt.WorkflowID)
	require.NoError(t, err)
	require.Equal(t, []v1.WorkflowStatus{v1.WorkflowStatusRunning, v1.WorkflowStatusFailed}, statuses(view.History))
	require.Equal(t, "cancelled", view.History[1].Reason)

	// Cancelling again is a no-op returning the unchanged record.
	view, err = env.engine.Cancel(ctx, receipt.WorkflowID)
	require.NoError(t, err)
	require.Len(t, view.History, 2)

	_, err = env.engine.Cancel(ctx, "no-such-workflow")
	require.True(t, apperrors.HasCode(err, apperrors.ErrCodeWorkflowNotFound))
}

func TestResultAfterCancelIsDropped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.dir.put(liveAgent("a1", false))

	receipt, err := env.engine.ExecuteModule(ctx, "a1", "echo", map[string]interface{}{"message": "hi"}, false)
	require.NoError(t, err)
	_, err = env.engine.Cancel(ctx, receipt.WorkflowID)
	require.NoError(t, err)

	reply, _ := json.Marshal(map[string]interface{}{
		"workflow_id": receipt.WorkflowID,
		"from_module": "echo",
	})
	require.NoError(t, env.engine.HandleResult(ctx, &bus.Message{Data: reply}))

	view, err := env.engine.Get(ctx, receipt.WorkflowID)
	require.NoError(t, err)
	require.Equal(t, []v1.WorkflowStatus{v1.WorkflowStatusRunning, v1.WorkflowStatusFailed}, statuses(view.History))
}

func TestAgentDeathFailsWorkflows(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.dir.put(liveAgent("a1", false))

	r1, err := env.engine.ExecuteModule(ctx, "a1", "echo", map[string]interface{}{"message": "one"}, false)
	require.NoError(t, err)
	r2, err := env.engine.ExecuteModule(ctx, "a1", "echo", map[string]interface{}{"message": "two"}, false)
	require.NoError(t, err)

	env.dir.kill("a1")
	env.engine.failAgentWorkflows(ctx, "a1")

	for _, id := range []string{r1.WorkflowID, r2.WorkflowID} {
		view, err := env.engine.Get(ctx, id)
		require.NoError(t, err)
		require.Equal(t, []v1.WorkflowStatus{v1.WorkflowStatusRunning, v1.WorkflowStatusFailed}, statuses(view.History))
		require.Equal(t, "agent died", view.History[1].Reason)
	}
}

func TestDeathSweeperCatchesDeadAgents(t *testing.T) {
	env := newTestEnv(t)
	env.engine.sweepInterval = 20 * time.Millisecond
	ctx := context.Background()
	env.dir.put(liveAgent("a1", false))

	require.NoError(t, env.engine.Start(ctx))
	defer env.engine.Stop()

	receipt, err := env.engine.ExecuteModule(ctx, "a1", "echo", map[string]interface{}{"message": "hi"}, false)
	require.NoError(t, err)

	env.dir.kill("a1")

	require.Eventually(t, func() bool {
		view, err := env.engine.Get(ctx, receipt.WorkflowID)
		if err != nil {
			return false
		}
		last := view.History[len(view.History)-1]
		return last.Status == v1.WorkflowStatusFailed && last.Reason == "agent died"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHydrateRestoresRunningWorkflows(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	created := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, st.InsertWorkflow(ctx, &v1.Workflow{
		ID: "wf-run", AgentID: "a1", ModuleName: "echo",
		Request: json.RawMessage(`{"workflow_id":"wf-run"}`), CreatedAt: created,
	}))
	require.NoError(t, st.AppendWorkflowState(ctx, &v1.WorkflowState{
		WorkflowID: "wf-run", Sequence: 0, Status: v1.WorkflowStatusRunning, Timestamp: created,
	}))

	require.NoError(t, st.InsertWorkflow(ctx, &v1.Workflow{
		ID: "wf-done", AgentID: "a1", ModuleName: "echo",
		Request: json.RawMessage(`{"workflow_id":"wf-done"}`), CreatedAt: created,
	}))
	require.NoError(t, st.AppendWorkflowState(ctx, &v1.WorkflowState{
		WorkflowID: "wf-done", Sequence: 0, Status: v1.WorkflowStatusRunning, Timestamp: created,
	}))
	require.NoError(t, st.AppendWorkflowState(ctx, &v1.WorkflowState{
		WorkflowID: "wf-done", Sequence: 1, Status: v1.WorkflowStatusCompleted, Timestamp: created.Add(time.Second),
	}))

	dir := newFakeDirectory()
	e := New(st, bus.NewMemoryBus(testLogger(t)), dir, durable.NewMemory(64), testLogger(t), time.Minute)
	require.NoError(t, e.hydrate(ctx))

	require.True(t, e.tracks("wf-run"))
	require.False(t, e.tracks("wf-done"))

	// The hydrated workflow is live again: a result settles it.
	reply, _ := json.Marshal(map[string]interface{}{"workflow_id": "wf-run", "result": "ok"})
	require.NoError(t, e.HandleResult(ctx, &bus.Message{Data: reply}))

	view, err := e.Get(ctx, "wf-run")
	require.NoError(t, err)
	require.Equal(t, []v1.WorkflowStatus{v1.WorkflowStatusRunning, v1.WorkflowStatusCompleted}, statuses(view.History))

	// Finished history is still readable through the store fallback.
	view, err = e.Get(ctx, "wf-done")
	require.NoError(t, err)
	require.Len(t, view.History, 2)

	// Cancelling a finished, untracked workflow is a no-op.
	view, err = e.Cancel(ctx, "wf-done")
	require.NoError(t, err)
	require.Equal(t, v1.WorkflowStatusCompleted, view.History[len(view.History)-1].Status)
}

func TestParseStatus(t *testing.T) {
	for in, want := range map[string]v1.WorkflowStatus{
		"":          "",
		"RUNNING":   v1.WorkflowStatusRunning,
		"running":   v1.WorkflowStatusRunning,
		"COMPLETED": v1.WorkflowStatusCompleted,
		"failed":    v1.WorkflowStatusFailed,
	} {
		got, err := ParseStatus(in)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}

	_, err := ParseStatus("EXPLODED")
	require.True(t, apperrors.HasCode(err, apperrors.ErrCodeBadRequest))
}
