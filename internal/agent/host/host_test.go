package host

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aiori-io/aiori/internal/agent/registry"
	"github.com/aiori-io/aiori/internal/agent/worker"
	apperrors "github.com/aiori-io/aiori/internal/common/errors"
	"github.com/aiori-io/aiori/internal/common/logger"
	"github.com/aiori-io/aiori/internal/events"
	"github.com/aiori-io/aiori/internal/events/bus"
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

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// fakeWorker is a controllable module for host tests.
type fakeWorker struct {
	name    string
	setupOK bool
	starts  *int32
	block   chan struct{} // non-nil: Run ignores cancellation
}

func (w *fakeWorker) Name() string { return w.name }

func (w *fakeWorker) Setup(ctx context.Context) (bool, error) { return w.setupOK, nil }

func (w *fakeWorker) Run(ctx context.Context) error {
	if w.starts != nil {
		atomic.AddInt32(w.starts, 1)
	}
	if w.block != nil {
		<-w.block
		return nil
	}
	<-ctx.Done()
	return nil
}

func fakeFactory(starts *int32) registry.Factory {
	return func(wctx *worker.Context) (worker.Worker, error) {
		return &fakeWorker{name: wctx.ModuleName, setupOK: true, starts: starts}, nil
	}
}

func writeManifest(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write manifest: %v", err)
	}
	return path
}

func newTestHost(t *testing.T, reg *registry.Registry) (*Host, string) {
	t.Helper()
	dir := t.TempDir()
	h := New(Config{
		AgentID:     "agent-1",
		AgentName:   "test-agent",
		ModulesDir:  dir,
		WorkDir:     t.TempDir(),
		StopTimeout: 2 * time.Second,
		Debounce:    20 * time.Millisecond,
	}, bus.NewMemoryBus(testLogger(t)), reg, testLogger(t))
	return h, dir
}

func TestHostStartsModulesFromManifests(t *testing.T) {
	reg := registry.New()
	var starts int32
	if err := reg.Register("fake", fakeFactory(&starts)); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := reg.Register("heartbeat", fakeFactory(nil)); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	h, dir := newTestHost(t, reg)
	writeManifest(t, dir, "echo.module.json", `{"type":"fake"}`)

	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer h.Stop()

	running := h.Running()
	if _, ok := running["echo"]; !ok {
		t.Fatal("expected module echo to be running")
	}
	if _, ok := running["heartbeat_module"]; !ok {
		t.Fatal("expected built-in heartbeat module to be running")
	}

	desc := running["echo"]
	if got, want := desc.InputSubject, events.ModuleInputSubject("agent-1", "echo"); got != want {
		t.Errorf("expected input subject %s, got %s", want, got)
	}
	if got, want := desc.OutputSubject, events.ModuleOutputSubject("agent-1", "echo"); got != want {
		t.Errorf("expected output subject %s, got %s", want, got)
	}
	if atomic.LoadInt32(&starts) != 1 {
		t.Errorf("expected 1 worker start, got %d", starts)
	}
}

func TestHostSubjectOverrides(t *testing.T) {
	reg := registry.New()
	if err := reg.Register("fake", fakeFactory(nil)); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	h, dir := newTestHost(t, reg)
	writeManifest(t, dir, "custom.module.json",
		`{"type":"fake","input_subject":"in.custom","output_subject":"out.custom"}`)

	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer h.Stop()

	desc, ok := h.Running()["custom"]
	if !ok {
		t.Fatal("expected module custom to be running")
	}
	if desc.InputSubject != "in.custom" {
		t.Errorf("expected overridden input subject, got %s", desc.InputSubject)
	}
	if desc.OutputSubject != "out.custom" {
		t.Errorf("expected overridden output subject, got %s", desc.OutputSubject)
	}
	if got, want := desc.ErrorSubject, events.ModuleErrorSubject("agent-1", "custom"); got != want {
		t.Errorf("expected default error subject %s, got %s", want, got)
	}
}

func TestHostSetupDeclinedSkipsModule(t *testing.T) {
	reg := registry.New()
	err := reg.Register("declining", func(wctx *worker.Context) (worker.Worker, error) {
		return &fakeWorker{name: wctx.ModuleName, setupOK: false}, nil
	})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	h, dir := newTestHost(t, reg)
	writeManifest(t, dir, "shy.module.json", `{"type":"declining"}`)

	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer h.Stop()

	if _, ok := h.Running()["shy"]; ok {
		t.Fatal("module with declined setup must not run")
	}
}

func TestHostWatcherStartsNewManifest(t *testing.T) {
	reg := registry.New()
	var starts int32
	if err := reg.Register("fake", fakeFactory(&starts)); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	h, dir := newTestHost(t, reg)
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer h.Stop()

	writeManifest(t, dir, "late.module.json", `{"type":"fake"}`)

	waitUntil(t, "late module to start", func() bool {
		_, ok := h.Running()["late"]
		return ok
	})
	if atomic.LoadInt32(&starts) != 1 {
		t.Errorf("expected 1 worker start, got %d", starts)
	}
}

func TestHostReloadRestartsModule(t *testing.T) {
	reg := registry.New()
	var starts int32
	if err := reg.Register("fake", fakeFactory(&starts)); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	h, dir := newTestHost(t, reg)
	path := writeManifest(t, dir, "echo.module.json", `{"type":"fake"}`)

	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer h.Stop()

	waitUntil(t, "initial start", func() bool {
		return atomic.LoadInt32(&starts) == 1
	})

	if err := os.WriteFile(path, []byte(`{"type":"fake","config":{"mode":"loud"}}`), 0644); err != nil {
		t.Fatalf("failed to rewrite manifest: %v", err)
	}

	waitUntil(t, "module restart", func() bool {
		return atomic.LoadInt32(&starts) == 2
	})
	if _, ok := h.Running()["echo"]; !ok {
		t.Fatal("expected module echo to be running after reload")
	}
}

func TestHostBadManifestKeepsOldModule(t *testing.T) {
	reg := registry.New()
	var starts int32
	if err := reg.Register("fake", fakeFactory(&starts)); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	h, dir := newTestHost(t, reg)
	path := writeManifest(t, dir, "echo.module.json", `{"type":"fake"}`)

	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer h.Stop()

	if err := os.WriteFile(path, []byte(`{not json`), 0644); err != nil {
		t.Fatalf("failed to rewrite manifest: %v", err)
	}

	// Give the debounced reload a chance to run, then confirm
	// the original instance survived.
	time.Sleep(150 * time.Millisecond)
	if _, ok := h.Running()["echo"]; !ok {
		t.Fatal("module must keep running on a broken manifest")
	}
	if atomic.LoadInt32(&starts) != 1 {
		t.Errorf("expected no restart, got %d starts", starts)
	}
}

func TestHostRemoveStopsModule(t *testing.T) {
	reg := registry.New()
	if err := reg.Register("fake", fakeFactory(nil)); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	h, dir := newTestHost(t, reg)
	path := writeManifest(t, dir, "echo.module.json", `{"type":"fake"}`)

	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer h.Stop()

	if err := os.Remove(path); err != nil {
		t.Fatalf("failed to remove manifest: %v", err)
	}

	waitUntil(t, "module stop", func() bool {
		_, ok := h.Running()["echo"]
		return !ok
	})
}

func TestHostStopTimeoutClearsEntry(t *testing.T) {
	block := make(chan struct{})
	defer close(block)

	reg := registry.New()
	err := reg.Register("stuck", func(wctx *worker.Context) (worker.Worker, error) {
		return &fakeWorker{name: wctx.ModuleName, setupOK: true, block: block}, nil
	})
	if err != nil {
		t.Fatalf("register failed: %v", err)
	}

	dir := t.TempDir()
	h := New(Config{
		AgentID:     "agent-1",
		AgentName:   "test-agent",
		ModulesDir:  dir,
		WorkDir:     t.TempDir(),
		StopTimeout: 50 * time.Millisecond,
		Debounce:    20 * time.Millisecond,
	}, bus.NewMemoryBus(testLogger(t)), reg, testLogger(t))
	writeManifest(t, dir, "stuck.module.json", `{"type":"stuck"}`)

	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	defer h.Stop()

	stopErr := h.stopModule("stuck")
	if stopErr == nil {
		t.Fatal("expected stop timeout error")
	}
	if !apperrors.HasCode(stopErr, apperrors.ErrCodeStopTimeout) {
		t.Errorf("expected STOP_TIMEOUT code, got %v", stopErr)
	}
	if _, ok := h.Running()["stuck"]; ok {
		t.Fatal("timed-out module must be forgotten")
	}
}
