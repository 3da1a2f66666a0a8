// Package host runs the agent's modules: it loads module manifests,
// constructs workers through the factory registry, supervises their run
// loops, and hot-reloads them when manifests change on disk.
package host

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/aiori-io/aiori/internal/agent/heartbeat"
	"github.com/aiori-io/aiori/internal/agent/registry"
	"github.com/aiori-io/aiori/internal/agent/worker"
	apperrors "github.com/aiori-io/aiori/internal/common/errors"
	"github.com/aiori-io/aiori/internal/common/logger"
	"github.com/aiori-io/aiori/internal/events"
	"github.com/aiori-io/aiori/internal/events/bus"
	v1 "github.com/aiori-io/aiori/pkg/api/v1"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Config holds the host's runtime parameters.
type Config struct {
	AgentID           string
	AgentName         string
	Tags              map[string]string
	ModulesDir        string
	WorkDir           string
	HeartbeatInterval time.Duration
	StopTimeout       time.Duration
	Debounce          time.Duration
}

// moduleEntry tracks one loaded module.
type moduleEntry struct {
	name         string
	typeName     string
	manifestPath string
	handle       *worker.Handle
	desc         v1.ModuleDescriptor
}

// Host owns the module lifecycle on an agent.
type Host struct {
	cfg      Config
	bus      bus.Bus
	logger   *logger.Logger
	registry *registry.Registry
	sup      *worker.Supervisor

	mu      sync.RWMutex
	modules map[string]*moduleEntry
	byPath  map[string]string

	watcher *fsnotify.Watcher
	baseCtx context.Context
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

var _ worker.ModuleLister = (*Host)(nil)

// New creates a module host.
func New(cfg Config, b bus.Bus, reg *registry.Registry, log *logger.Logger) *Host {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 2 * time.Second
	}
	return &Host{
		cfg:      cfg,
		bus:      b,
		logger:   log.WithFields(zap.String("component", "module_host")),
		registry: reg,
		sup:      worker.NewSupervisor(cfg.AgentID, b, log, cfg.WorkDir, cfg.StopTimeout),
		modules:  make(map[string]*moduleEntry),
		byPath:   make(map[string]string),
		stopCh:   make(chan struct{}),
	}
}

// Start loads all manifests, makes sure the heartbeat emitter is
// running, and begins watching the modules directory.
func (h *Host) Start(ctx context.Context) error {
	h.baseCtx = ctx

	if err := os.MkdirAll(h.cfg.ModulesDir, 0755); err != nil {
		return fmt.Errorf("create modules dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(h.cfg.ModulesDir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watch modules dir: %w", err)
	}
	h.watcher = watcher

	entries, err := os.ReadDir(h.cfg.ModulesDir)
	if err != nil {
		_ = watcher.Close()
		return fmt.Errorf("scan modules dir: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !isManifest(entry.Name()) {
			continue
		}
		h.loadAndStart(filepath.Join(h.cfg.ModulesDir, entry.Name()))
	}

	// The emitter always runs, manifest or not.
	if !h.has(heartbeat.DefaultModuleName) {
		h.startModule(&Manifest{
			Module: heartbeat.DefaultModuleName,
			Type:   "heartbeat",
			Config: map[string]interface{}{
				"interval_seconds": int(h.cfg.HeartbeatInterval / time.Second),
			},
		}, "")
	}

	h.wg.Add(1)
	go h.watchLoop()

	h.logger.Info("module host started",
		zap.String("modules_dir", h.cfg.ModulesDir),
		zap.Int("modules", len(h.Running())))
	return nil
}

// Stop halts every module and then the watcher.
func (h *Host) Stop() {
	close(h.stopCh)

	for _, name := range h.names() {
		if err := h.stopModule(name); err != nil {
			h.logger.WithModule(name).Warn("module stop failed during shutdown", zap.Error(err))
		}
	}

	if h.watcher != nil {
		_ = h.watcher.Close()
	}
	h.wg.Wait()
	h.logger.Info("module host stopped")
}

// Running returns the descriptors of the currently running modules.
func (h *Host) Running() map[string]v1.ModuleDescriptor {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]v1.ModuleDescriptor, len(h.modules))
	for name, entry := range h.modules {
		out[name] = entry.desc
	}
	return out
}

func (h *Host) has(name string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.modules[name]
	return ok
}

func (h *Host) names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.modules))
	for name := range h.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (h *Host) nameForPath(path string) string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.byPath[path]
}

// loadAndStart parses a manifest and starts its module. Failures are
// logged, never fatal: one broken manifest must not take the host down.
func (h *Host) loadAndStart(path string) {
	m, err := loadManifest(path)
	if err != nil {
		h.logger.Error("failed to load manifest", zap.String("path", path), zap.Error(err))
		return
	}
	h.startModule(m, path)
}

// startModule constructs, sets up, and launches one worker.
func (h *Host) startModule(m *Manifest, path string) {
	log := h.logger.WithModule(m.Module)

	if h.has(m.Module) {
		log.Warn("module already running, manifest ignored", zap.String("path", path))
		return
	}

	wctx := h.buildContext(m)
	w, err := h.registry.Build(m.Type, wctx)
	if err != nil {
		log.Error("failed to construct module", zap.String("type", m.Type), zap.Error(err))
		return
	}

	ok, err := h.sup.SetupSafe(h.baseCtx, w)
	if err != nil {
		log.Error("module setup failed", zap.Error(err))
		return
	}
	if !ok {
		log.Info("setup declined, module skipped")
		return
	}

	desc := v1.ModuleDescriptor{
		InputSubject:  wctx.Subjects.Input,
		OutputSubject: wctx.Subjects.Output,
		ErrorSubject:  wctx.Subjects.Error,
	}
	if sp, ok := w.(worker.SchemaProvider); ok {
		desc.InputSchema = sp.InputSchema()
	}

	handle := h.sup.Start(h.baseCtx, w)

	h.mu.Lock()
	h.modules[m.Module] = &moduleEntry{
		name:         m.Module,
		typeName:     m.Type,
		manifestPath: path,
		handle:       handle,
		desc:         desc,
	}
	if path != "" {
		h.byPath[path] = m.Module
	}
	h.mu.Unlock()

	h.notify("Started module", m.Module)
	log.Info("module started", zap.String("type", m.Type))
}

// stopModule stops a worker with the bounded wait and forgets it. The
// entry is cleared even when the stop times out: the task is abandoned.
func (h *Host) stopModule(name string) error {
	h.mu.RLock()
	entry, ok := h.modules[name]
	h.mu.RUnlock()
	if !ok {
		return nil
	}

	err := h.sup.Stop(entry.handle)

	h.mu.Lock()
	delete(h.modules, name)
	if entry.manifestPath != "" {
		delete(h.byPath, entry.manifestPath)
	}
	h.mu.Unlock()

	h.notify("Stopped module", name)
	h.logger.WithModule(name).Info("module stopped")
	return err
}

// reloadFile applies a manifest change: stop the old worker, then start
// the new instance. A stop timeout aborts the reload; the old entry is
// already cleared at that point.
func (h *Host) reloadFile(path string) {
	m, err := loadManifest(path)
	if err != nil {
		// The old instance, if any, keeps running on a bad manifest.
		h.logger.Error("failed to reload manifest", zap.String("path", path), zap.Error(err))
		return
	}

	// A rename inside the manifest leaves a worker under the old name;
	// stop whichever module this file previously declared.
	if old := h.nameForPath(path); old != "" && old != m.Module {
		if err := h.stopModule(old); err != nil {
			h.logger.WithModule(old).Error("reload aborted, old module did not stop", zap.Error(err))
			return
		}
	}
	if h.has(m.Module) {
		if err := h.stopModule(m.Module); err != nil {
			if apperrors.HasCode(err, apperrors.ErrCodeStopTimeout) {
				h.logger.WithModule(m.Module).Error("reload aborted, old module did not stop", zap.Error(err))
				return
			}
			h.logger.WithModule(m.Module).Warn("stop before reload failed", zap.Error(err))
		}
	}

	h.startModule(m, path)
}

// removeFile stops and forgets the module a deleted manifest declared.
func (h *Host) removeFile(path string) {
	name := h.nameForPath(path)
	if name == "" {
		return
	}
	if err := h.stopModule(name); err != nil {
		h.logger.WithModule(name).Warn("stop after manifest removal failed", zap.Error(err))
	}
}

// buildContext resolves the worker context for a manifest, applying the
// default subject layout where the manifest has no overrides.
func (h *Host) buildContext(m *Manifest) *worker.Context {
	subjects := worker.Subjects{
		Input:  m.InputSubject,
		Output: m.OutputSubject,
		Error:  m.ErrorSubject,
	}
	if subjects.Input == "" {
		subjects.Input = events.ModuleInputSubject(h.cfg.AgentID, m.Module)
	}
	if subjects.Output == "" {
		subjects.Output = events.ModuleOutputSubject(h.cfg.AgentID, m.Module)
	}
	if subjects.Error == "" {
		subjects.Error = events.ModuleErrorSubject(h.cfg.AgentID, m.Module)
	}

	return &worker.Context{
		AgentID:    h.cfg.AgentID,
		AgentName:  h.cfg.AgentName,
		ModuleName: m.Module,
		Tags:       h.cfg.Tags,
		Bus:        h.bus,
		Logger:     h.logger.WithModule(m.Module),
		Config:     m.Config,
		Subjects:   subjects,
		Modules:    h,
	}
}

// notify publishes a lifecycle notice. The heartbeat emitter announces
// itself, so the host stays quiet about it.
func (h *Host) notify(message, name string) {
	if name == heartbeat.DefaultModuleName {
		return
	}
	data, err := json.Marshal(&v1.Notification{
		Message: message,
		Name:    name,
		AgentID: h.cfg.AgentID,
	})
	if err != nil {
		return
	}
	if err := h.bus.Publish(context.Background(), events.SubjectNotifications, data); err != nil {
		h.logger.Warn("failed to publish notification",
			zap.String("message", message), zap.String("module", name), zap.Error(err))
	}
}
