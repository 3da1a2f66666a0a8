package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/aiori-io/aiori/internal/common/errors"
	"github.com/aiori-io/aiori/internal/common/logger"
	"github.com/aiori-io/aiori/internal/events"
	"github.com/aiori-io/aiori/internal/events/bus"
	v1 "github.com/aiori-io/aiori/pkg/api/v1"
	"go.uber.org/zap"
)

// Handle tracks one supervised worker run.
type Handle struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

// Name returns the worker name.
func (h *Handle) Name() string { return h.name }

// Done is closed when the worker's run loop has returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the run error, valid after Done is closed.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Supervisor executes worker run loops, publishing lifecycle states and
// crash reports. Workers are never restarted automatically.
type Supervisor struct {
	agentID     string
	bus         bus.Bus
	logger      *logger.Logger
	workDir     string
	stopTimeout time.Duration
}

// NewSupervisor creates a supervisor. workDir receives crash files;
// stopTimeout bounds Stop (default 20s when zero).
func NewSupervisor(agentID string, b bus.Bus, log *logger.Logger, workDir string, stopTimeout time.Duration) *Supervisor {
	if stopTimeout <= 0 {
		stopTimeout = 20 * time.Second
	}
	return &Supervisor{
		agentID:     agentID,
		bus:         b,
		logger:      log.WithFields(zap.String("component", "supervisor")),
		workDir:     workDir,
		stopTimeout: stopTimeout,
	}
}

// Start launches the worker's run loop in a goroutine. The returned
// handle controls the run. The parent context bounds the worker's life;
// Stop cancels just this worker.
func (s *Supervisor) Start(ctx context.Context, w Worker) *Handle {
	runCtx, cancel := context.WithCancel(ctx)
	h := &Handle{
		name:   w.Name(),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(h.done)

		s.publishState(runCtx, w.Name(), v1.ModuleStateRunning, "")

		stack, err := s.runSafe(runCtx, w)
		if err != nil && runCtx.Err() == nil {
			h.mu.Lock()
			h.err = err
			h.mu.Unlock()

			s.logger.WithModule(w.Name()).Error("worker run failed", zap.Error(err))
			s.publishState(context.Background(), w.Name(), v1.ModuleStateFailed, err.Error())
			s.reportCrash(w.Name(), err, stack)
			return
		}

		s.publishState(context.Background(), w.Name(), v1.ModuleStateCompleted, "")
	}()

	return h
}

// Stop cancels the worker and waits for its run loop to return, bounded
// by the stop timeout. On timeout the run is abandoned and StopTimeout
// is returned; the handle no longer represents a running worker.
func (s *Supervisor) Stop(h *Handle) error {
	h.cancel()

	select {
	case <-h.done:
		return nil
	case <-time.After(s.stopTimeout):
		s.logger.WithModule(h.name).Warn("worker did not stop in time, abandoning",
			zap.Duration("timeout", s.stopTimeout))
		return errors.StopTimeout(h.name)
	}
}

// runSafe invokes Run, converting panics into errors with a captured
// stack for the crash report.
func (s *Supervisor) runSafe(ctx context.Context, w Worker) (stack []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			stack = debug.Stack()
		}
	}()
	return nil, w.Run(ctx)
}

// SetupSafe invokes Setup with panic recovery. A panic counts as a
// declined start and produces a crash report.
func (s *Supervisor) SetupSafe(ctx context.Context, w Worker) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err = fmt.Errorf("panic: %v", r)
			s.reportCrash(w.Name(), err, debug.Stack())
		}
	}()
	return w.Setup(ctx)
}

func (s *Supervisor) publishState(ctx context.Context, module, state, errMsg string) {
	st := v1.ModuleState{
		AgentID:      s.agentID,
		ModuleName:   module,
		State:        state,
		ErrorMessage: errMsg,
	}
	if err := PublishState(ctx, s.bus, st); err != nil {
		s.logger.WithModule(module).Warn("failed to publish module state",
			zap.String("state", state), zap.Error(err))
	}
}

// reportCrash publishes a crash report and writes a local crash file.
// Both are best effort.
func (s *Supervisor) reportCrash(module string, cause error, stack []byte) {
	report := v1.CrashReport{
		AgentID: s.agentID,
		Module:  module,
		Error:   cause.Error(),
		Stack:   string(stack),
	}
	if data, err := json.Marshal(&report); err == nil {
		if err := s.bus.Publish(context.Background(), events.SubjectErrors, data); err != nil {
			s.logger.WithModule(module).Warn("failed to publish crash report", zap.Error(err))
		}
	}

	if s.workDir == "" {
		return
	}
	name := fmt.Sprintf("crash_%s_%d.log", module, time.Now().Unix())
	path := filepath.Join(s.workDir, name)
	body := fmt.Sprintf("module: %s\nagent: %s\ntime: %s\nerror: %v\n\n%s\n",
		module, s.agentID, time.Now().UTC().Format(time.RFC3339), cause, stack)
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		s.logger.WithModule(module).Warn("failed to write crash file",
			zap.String("path", path), zap.Error(err))
	}
}
