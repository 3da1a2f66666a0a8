package subscriptions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aiori-io/aiori/internal/common/logger"
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

// flakyBus wraps a memory bus and refuses the first n Subscribe calls.
type flakyBus struct {
	bus.Bus
	mu       sync.Mutex
	failures int
	calls    int
}

func (f *flakyBus) Subscribe(subject string, h bus.Handler) (bus.Subscription, error) {
	f.mu.Lock()
	f.calls++
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()

	if fail {
		return nil, errors.New("subscribe refused")
	}
	return f.Bus.Subscribe(subject, h)
}

func (f *flakyBus) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type countingHandler struct {
	mu       sync.Mutex
	subjects []string
}

func (c *countingHandler) handle(ctx context.Context, msg *bus.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subjects = append(c.subjects, msg.Subject)
	return nil
}

func (c *countingHandler) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subjects)
}

func testAgent(id string, modules ...string) *v1.Agent {
	spec := make(map[string]v1.ModuleDescriptor, len(modules))
	for _, m := range modules {
		spec[m] = v1.ModuleDescriptor{
			InputSubject:  events.ModuleInputSubject(id, m),
			OutputSubject: events.ModuleOutputSubject(id, m),
			ErrorSubject:  events.ModuleErrorSubject(id, m),
		}
	}
	return &v1.Agent{
		ID:           id,
		Alive:        true,
		Capabilities: v1.CapabilityDoc{Modules: modules, Spec: spec},
	}
}

func TestTargets(t *testing.T) {
	agent := testAgent("a1", "echo", "ping")
	require.Equal(t, []string{
		"agent.a1.echo.out",
		"agent.a1.out",
		"agent.a1.ping.out",
	}, Targets(agent))

	// Empty output subjects are skipped; duplicates collapse.
	agent.Capabilities.Spec["silent"] = v1.ModuleDescriptor{}
	agent.Capabilities.Spec["alias"] = v1.ModuleDescriptor{OutputSubject: events.AgentOutputSubject("a1")}
	require.Equal(t, []string{
		"agent.a1.echo.out",
		"agent.a1.out",
		"agent.a1.ping.out",
	}, Targets(agent))
}

func TestSyncAgentSubscribesAndDelivers(t *testing.T) {
	b := bus.NewMemoryBus(testLogger(t))
	handler := &countingHandler{}
	m := New(b, handler.handle, testLogger(t))
	ctx := context.Background()

	agent := testAgent("a1", "echo")
	require.NoError(t, m.SyncAgent(ctx, agent))
	require.Equal(t, []string{"agent.a1.echo.out", "agent.a1.out"}, m.Subjects("a1"))

	require.NoError(t, b.Publish(ctx, "agent.a1.echo.out", []byte(`{"ok":true}`)))
	require.Eventually(t, func() bool { return handler.count() == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestSyncIdempotent(t *testing.T) {
	fb := &flakyBus{Bus: bus.NewMemoryBus(testLogger(t))}
	handler := &countingHandler{}
	m := New(fb, handler.handle, testLogger(t))
	ctx := context.Background()

	agent := testAgent("a1", "echo")
	require.NoError(t, m.SyncAgent(ctx, agent))
	calls := fb.callCount()

	require.NoError(t, m.SyncAgent(ctx, agent))
	require.Equal(t, calls, fb.callCount(), "re-sync of an unchanged doc must not touch the bus")
}

func TestSyncForgetsStaleWithoutUnsubscribe(t *testing.T) {
	b := bus.NewMemoryBus(testLogger(t))
	handler := &countingHandler{}
	m := New(b, handler.handle, testLogger(t))
	ctx := context.Background()

	require.NoError(t, m.SyncAgent(ctx, testAgent("a1", "echo")))
	require.NoError(t, m.SyncAgent(ctx, testAgent("a1", "ping")))

	require.Equal(t, []string{"agent.a1.out", "agent.a1.ping.out"}, m.Subjects("a1"))

	// The forgotten subject was never unsubscribed; deliveries on it
	// still reach the shared handler.
	require.NoError(t, b.Publish(ctx, "agent.a1.echo.out", []byte(`{}`)))
	require.Eventually(t, func() bool { return handler.count() == 1 },
		2*time.Second, 10*time.Millisecond)
}

func TestSyncRetriesUntilSuccess(t *testing.T) {
	fb := &flakyBus{Bus: bus.NewMemoryBus(testLogger(t)), failures: 2}
	handler := &countingHandler{}
	m := New(fb, handler.handle, testLogger(t))
	m.backoff = time.Millisecond

	require.NoError(t, m.Sync(context.Background(), "a1", []string{"agent.a1.out"}))
	require.Equal(t, 3, fb.callCount())
	require.Equal(t, []string{"agent.a1.out"}, m.Subjects("a1"))
}

func TestSyncRetriesOnlyMissingTargets(t *testing.T) {
	// First attempt subscribes target one, then fails on target two.
	fb := &flakyBus{Bus: bus.NewMemoryBus(testLogger(t))}
	handler := &countingHandler{}
	m := New(fb, handler.handle, testLogger(t))
	m.backoff = time.Millisecond

	fb.mu.Lock()
	fb.calls = 0
	fb.mu.Unlock()

	targets := []string{"agent.a1.echo.out", "agent.a1.out"}
	fb.failures = 0
	require.NoError(t, m.Sync(context.Background(), "a1", targets[:1]))

	fb.failures = 1
	require.NoError(t, m.Sync(context.Background(), "a1", targets))
	// One failed attempt on the missing subject, then one successful
	// retry; the already-tracked subject is never re-subscribed.
	require.Equal(t, 3, fb.callCount())
	require.Equal(t, targets, m.Subjects("a1"))
}

func TestSyncFailsAfterMaxAttempts(t *testing.T) {
	fb := &flakyBus{Bus: bus.NewMemoryBus(testLogger(t)), failures: 100}
	handler := &countingHandler{}
	m := New(fb, handler.handle, testLogger(t))
	m.backoff = time.Millisecond

	err := m.Sync(context.Background(), "a1", []string{"agent.a1.out"})
	require.Error(t, err)
	require.Equal(t, maxSyncAttempts, fb.callCount())
	require.Empty(t, m.Subjects("a1"))
}

func TestActiveCounts(t *testing.T) {
	b := bus.NewMemoryBus(testLogger(t))
	handler := &countingHandler{}
	m := New(b, handler.handle, testLogger(t))
	ctx := context.Background()

	require.NoError(t, m.SyncAgent(ctx, testAgent("a1", "echo")))
	require.NoError(t, m.SyncAgent(ctx, testAgent("a2", "echo", "ping")))

	require.Equal(t, map[string]int{"a1": 2, "a2": 3}, m.Active())
}
