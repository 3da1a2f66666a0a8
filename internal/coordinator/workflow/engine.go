// Package workflow tracks module executions from dispatch to terminal
// state. Dispatch runs as a durable workflow so a coordinator crash
// mid-execute replays without repeating finished steps.
package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	apperrors "github.com/aiori-io/aiori/internal/common/errors"
	"github.com/aiori-io/aiori/internal/common/logger"
	"github.com/aiori-io/aiori/internal/common/tracing"
	"github.com/aiori-io/aiori/internal/coordinator/store"
	"github.com/aiori-io/aiori/internal/durable"
	"github.com/aiori-io/aiori/internal/events"
	"github.com/aiori-io/aiori/internal/events/bus"
	"github.com/aiori-io/aiori/internal/metrics"
	v1 "github.com/aiori-io/aiori/pkg/api/v1"
)

// List limits for workflow queries.
const (
	ListLimitDefault = 100
	ListLimitMax     = 1000
)

// AgentDirectory is the registry view the engine needs: current agent
// records by id.
type AgentDirectory interface {
	Get(agentID string) (*v1.Agent, bool)
}

// View is a workflow record with its full ordered state history.
type View struct {
	Workflow *v1.Workflow       `json:"workflow"`
	History  []v1.WorkflowState `json:"history"`
}

// tracked is the in-memory state of one workflow. Its mutex serializes
// transitions; the history is append-only and never rewritten.
type tracked struct {
	mu      sync.Mutex
	record  *v1.Workflow
	history []v1.WorkflowState
}

// CompletionHook observes workflows reaching a terminal state.
type CompletionHook func(wf *v1.Workflow, final *v1.WorkflowState)

// Engine validates, dispatches, and tracks module executions.
type Engine struct {
	store      store.WorkflowStore
	bus        bus.Bus
	agents     AgentDirectory
	runner     *durable.Runner
	schemas    *schemaCache
	logger     *logger.Logger
	tracer     trace.Tracer
	onTerminal CompletionHook

	mu        sync.RWMutex
	workflows map[string]*tracked
	running   map[string]map[string]struct{}

	sweepInterval time.Duration
	deathCh       chan string
	stateSub      bus.Subscription
	stopCh        chan struct{}
	wg            sync.WaitGroup
	now           func() time.Time
}

// New creates a workflow engine. substrate backs the durable dispatch
// steps; sweepInterval bounds how long a dead agent's workflows stay
// RUNNING between death notifications.
func New(st store.WorkflowStore, b bus.Bus, agents AgentDirectory, substrate durable.Store, log *logger.Logger, sweepInterval time.Duration) *Engine {
	if sweepInterval <= 0 {
		sweepInterval = 30 * time.Second
	}
	return &Engine{
		store:         st,
		bus:           b,
		agents:        agents,
		runner:        durable.NewRunner(substrate, log),
		schemas:       newSchemaCache(),
		logger:        log.WithFields(zap.String("component", "workflow_engine")),
		tracer:        tracing.Tracer("workflow_engine"),
		workflows:     make(map[string]*tracked),
		running:       make(map[string]map[string]struct{}),
		sweepInterval: sweepInterval,
		deathCh:       make(chan string, 64),
		stopCh:        make(chan struct{}),
		now:           time.Now,
	}
}

// SetCompletionHook installs an observer for terminal transitions.
// Must be called before Start. The hook runs on its own goroutine with
// copies of the record and final state.
func (e *Engine) SetCompletionHook(fn CompletionHook) {
	e.onTerminal = fn
}

// Start hydrates RUNNING workflows from the store, subscribes to agent
// state messages, and begins the death sweeper.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.hydrate(ctx); err != nil {
		return fmt.Errorf("hydrate workflows: %w", err)
	}

	sub, err := e.bus.Subscribe(events.SubjectModuleState, e.HandleModuleState)
	if err != nil {
		return fmt.Errorf("subscribe module state: %w", err)
	}
	e.stateSub = sub

	e.wg.Add(1)
	go e.deathLoop(ctx)

	e.logger.Info("workflow engine started",
		zap.Duration("death_sweep_interval", e.sweepInterval))
	return nil
}

// Stop halts the sweeper and drops the state subscription.
func (e *Engine) Stop() {
	close(e.stopCh)
	if e.stateSub != nil {
		_ = e.stateSub.Unsubscribe()
	}
	e.wg.Wait()
}

// ExecuteModule validates and dispatches one module execution under a
// freshly minted workflow id.
func (e *Engine) ExecuteModule(ctx context.Context, agentID, moduleName string, request map[string]interface{}, untracked bool) (*v1.ExecuteReceipt, error) {
	return e.Execute(ctx, uuid.NewString(), agentID, moduleName, request, untracked)
}

// Execute runs the dispatch workflow under a caller-minted id. The
// async queue uses it directly so a redelivered task replays the same
// workflow and already-recorded steps are skipped.
func (e *Engine) Execute(ctx context.Context, workflowID, agentID, moduleName string, request map[string]interface{}, untracked bool) (*v1.ExecuteReceipt, error) {
	if request == nil {
		request = map[string]interface{}{}
	}
	enriched := make(map[string]interface{}, len(request)+1)
	for k, v := range request {
		enriched[k] = v
	}
	enriched["workflow_id"] = workflowID
	payload, err := json.Marshal(enriched)
	if err != nil {
		return nil, apperrors.BadRequest(fmt.Sprintf("request not serializable: %v", err))
	}

	ctx, span := e.tracer.Start(ctx, "workflow.execute", trace.WithAttributes(
		attribute.String("workflow.id", workflowID),
		attribute.String("agent.id", agentID),
		attribute.String("module.name", moduleName),
	))
	defer span.End()

	noRetry := &durable.RetryPolicy{MaxAttempts: 1}
	steps := []durable.Step{
		{
			Name:  "validate_agent",
			Retry: noRetry,
			Run: func(ctx context.Context) (interface{}, error) {
				agent, ok := e.agents.Get(agentID)
				if !ok || !agent.Alive {
					return nil, apperrors.AgentUnavailable(agentID)
				}
				return "ok", nil
			},
		},
		{
			Name:  "validate_schema",
			Retry: noRetry,
			Run: func(ctx context.Context) (interface{}, error) {
				desc, err := e.lookupModule(agentID, moduleName)
				if err != nil {
					return nil, err
				}
				if len(desc.InputSchema) == 0 {
					return "no schema", nil
				}
				schema, err := e.schemas.compile(agentID, moduleName, desc.InputSchema)
				if err != nil {
					return nil, apperrors.SchemaRejected(moduleName, err)
				}
				if err := schema.Validate(request); err != nil {
					return nil, apperrors.SchemaRejected(moduleName, err)
				}
				return "ok", nil
			},
		},
	}

	if !untracked {
		steps = append(steps, durable.Step{
			Name:  "create_record",
			Retry: noRetry,
			Run: func(ctx context.Context) (interface{}, error) {
				e.createRecord(ctx, &v1.Workflow{
					ID:         workflowID,
					AgentID:    agentID,
					ModuleName: moduleName,
					Request:    payload,
					CreatedAt:  e.now().UTC(),
				})
				return "ok", nil
			},
		})
	}

	steps = append(steps, durable.Step{
		Name:  "publish",
		Retry: &durable.RetryPolicy{MaxAttempts: 3, InitialInterval: 200 * time.Millisecond, BackoffCoefficient: 2.0},
		Run: func(ctx context.Context) (interface{}, error) {
			// Re-derived here: memoized earlier steps do not re-run.
			desc, err := e.lookupModule(agentID, moduleName)
			if err != nil {
				return nil, err
			}
			if err := e.bus.Publish(ctx, desc.InputSubject, payload); err != nil {
				return nil, err
			}
			return desc.InputSubject, nil
		},
	})

	if err := e.runner.Execute(ctx, workflowID, steps); err != nil {
		span.SetStatus(codes.Error, err.Error())
		if e.tracks(workflowID) {
			e.transition(ctx, workflowID, v1.WorkflowStatusFailed, err.Error(), nil)
		}
		return nil, err
	}

	e.logger.Info("module execution dispatched",
		zap.String("workflow_id", workflowID),
		zap.String("agent_id", agentID),
		zap.String("module", moduleName),
		zap.Bool("untracked", untracked))
	return &v1.ExecuteReceipt{Status: "accepted", WorkflowID: workflowID}, nil
}

// lookupModule resolves a module's descriptor on a live agent. Modules
// advertised without a descriptor get the default input subject.
func (e *Engine) lookupModule(agentID, moduleName string) (v1.ModuleDescriptor, error) {
	agent, ok := e.agents.Get(agentID)
	if !ok || !agent.Alive {
		return v1.ModuleDescriptor{}, apperrors.AgentUnavailable(agentID)
	}

	desc, ok := agent.Capabilities.Spec[moduleName]
	if !ok {
		known := false
		for _, m := range agent.Capabilities.Modules {
			if m == moduleName {
				known = true
				break
			}
		}
		if !known {
			return v1.ModuleDescriptor{}, apperrors.ModuleUnknown(agentID, moduleName)
		}
	}
	if desc.InputSubject == "" {
		desc.InputSubject = events.ModuleInputSubject(agentID, moduleName)
	}
	return desc, nil
}

// createRecord registers a workflow with its initial RUNNING state.
// Safe to replay: an already-tracked id is left untouched.
func (e *Engine) createRecord(ctx context.Context, wf *v1.Workflow) {
	e.mu.Lock()
	if _, exists := e.workflows[wf.ID]; exists {
		e.mu.Unlock()
		return
	}

	state := v1.WorkflowState{
		WorkflowID: wf.ID,
		Sequence:   0,
		Status:     v1.WorkflowStatusRunning,
		Timestamp:  wf.CreatedAt,
	}
	t := &tracked{record: wf, history: []v1.WorkflowState{state}}
	t.mu.Lock()
	e.workflows[wf.ID] = t
	if e.running[wf.AgentID] == nil {
		e.running[wf.AgentID] = make(map[string]struct{})
	}
	e.running[wf.AgentID][wf.ID] = struct{}{}
	e.mu.Unlock()

	// Write-through; memory stays authoritative.
	if err := e.store.InsertWorkflow(ctx, wf); err != nil {
		e.logger.Warn("workflow write-through failed",
			zap.String("workflow_id", wf.ID), zap.Error(err))
	} else if err := e.store.AppendWorkflowState(ctx, &state); err != nil {
		e.logger.Warn("workflow state write-through failed",
			zap.String("workflow_id", wf.ID), zap.Error(err))
	}
	t.mu.Unlock()

	metrics.WorkflowTransitions.WithLabelValues(string(v1.WorkflowStatusRunning)).Inc()
}

// transition appends a state to a tracked workflow. Terminal states are
// sticky; a transition on a finished workflow is dropped. Returns
// whether the state was applied.
func (e *Engine) transition(ctx context.Context, workflowID string, status v1.WorkflowStatus, reason string, details map[string]interface{}) bool {
	e.mu.RLock()
	t := e.workflows[workflowID]
	e.mu.RUnlock()
	if t == nil {
		return false
	}

	t.mu.Lock()
	last := t.history[len(t.history)-1]
	if last.Status.Terminal() {
		t.mu.Unlock()
		e.logger.Debug("transition on terminal workflow dropped",
			zap.String("workflow_id", workflowID),
			zap.String("current", string(last.Status)),
			zap.String("attempted", string(status)))
		return false
	}

	state := v1.WorkflowState{
		WorkflowID: workflowID,
		Sequence:   last.Sequence + 1,
		Status:     status,
		Timestamp:  e.now().UTC(),
		Reason:     reason,
		Details:    details,
	}
	t.history = append(t.history, state)
	if err := e.store.AppendWorkflowState(ctx, &state); err != nil {
		e.logger.Warn("workflow state write-through failed",
			zap.String("workflow_id", workflowID), zap.Error(err))
	}
	record := *t.record
	t.mu.Unlock()

	metrics.WorkflowTransitions.WithLabelValues(string(status)).Inc()

	if status.Terminal() {
		e.mu.Lock()
		delete(e.running[record.AgentID], workflowID)
		if len(e.running[record.AgentID]) == 0 {
			delete(e.running, record.AgentID)
		}
		e.mu.Unlock()

		if e.onTerminal != nil {
			go e.onTerminal(&record, &state)
		}
	}

	e.logger.Info("workflow transitioned",
		zap.String("workflow_id", workflowID),
		zap.String("state", string(status)),
		zap.String("reason", reason))
	return true
}

// Cancel fails a RUNNING workflow with reason "cancelled". Cancelling
// a finished workflow is a no-op returning the record.
func (e *Engine) Cancel(ctx context.Context, workflowID string) (*View, error) {
	e.mu.RLock()
	t := e.workflows[workflowID]
	e.mu.RUnlock()

	if t == nil {
		// Not tracked: either unknown or finished before this process
		// started. The store settles which.
		return e.loadView(ctx, workflowID)
	}

	e.transition(ctx, workflowID, v1.WorkflowStatusFailed, "cancelled", nil)
	return e.Get(ctx, workflowID)
}

// Get returns a workflow record with its full history.
func (e *Engine) Get(ctx context.Context, workflowID string) (*View, error) {
	e.mu.RLock()
	t := e.workflows[workflowID]
	e.mu.RUnlock()

	if t != nil {
		t.mu.Lock()
		wf := *t.record
		history := append([]v1.WorkflowState(nil), t.history...)
		t.mu.Unlock()
		return &View{Workflow: &wf, History: history}, nil
	}
	return e.loadView(ctx, workflowID)
}

// List returns workflow records, newest first, optionally filtered by
// current status. limit is clamped to [1, 1000], defaulting to 100.
func (e *Engine) List(ctx context.Context, status v1.WorkflowStatus, limit int) ([]*v1.Workflow, error) {
	if limit <= 0 {
		limit = ListLimitDefault
	}
	if limit > ListLimitMax {
		limit = ListLimitMax
	}
	workflows, err := e.store.ListWorkflows(ctx, status, limit)
	if err != nil {
		return nil, apperrors.PersistenceUnavailable(err)
	}
	return workflows, nil
}

// OnAgentDeath wakes the sweeper for one agent. Wired to the registry's
// death handler so orphaned workflows fail promptly.
func (e *Engine) OnAgentDeath(agentID string) {
	select {
	case e.deathCh <- agentID:
	default:
		// Channel full; the periodic sweep picks it up.
	}
}

func (e *Engine) loadView(ctx context.Context, workflowID string) (*View, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeWorkflowNotFound) {
			return nil, err
		}
		return nil, apperrors.PersistenceUnavailable(err)
	}
	states, err := e.store.ListWorkflowStates(ctx, workflowID)
	if err != nil {
		return nil, apperrors.PersistenceUnavailable(err)
	}
	history := make([]v1.WorkflowState, 0, len(states))
	for _, s := range states {
		history = append(history, *s)
	}
	return &View{Workflow: wf, History: history}, nil
}

// hydrate restores RUNNING workflows and their histories from the
// store after a restart.
func (e *Engine) hydrate(ctx context.Context) error {
	workflows, err := e.store.ListRunningWorkflows(ctx)
	if err != nil {
		return err
	}

	restored := 0
	for _, wf := range workflows {
		states, err := e.store.ListWorkflowStates(ctx, wf.ID)
		if err != nil {
			return err
		}
		if len(states) == 0 {
			e.logger.Warn("skipping workflow without history",
				zap.String("workflow_id", wf.ID))
			continue
		}
		history := make([]v1.WorkflowState, 0, len(states))
		for _, s := range states {
			s.Timestamp = s.Timestamp.UTC()
			history = append(history, *s)
		}
		if history[len(history)-1].Status.Terminal() {
			continue
		}

		e.mu.Lock()
		e.workflows[wf.ID] = &tracked{record: wf, history: history}
		if e.running[wf.AgentID] == nil {
			e.running[wf.AgentID] = make(map[string]struct{})
		}
		e.running[wf.AgentID][wf.ID] = struct{}{}
		e.mu.Unlock()
		restored++
	}

	e.logger.Info("hydrated workflows", zap.Int("running", restored))
	return nil
}

// deathLoop fails orphaned workflows: immediately when the registry
// reports a death, and on a slow tick as a safety net.
func (e *Engine) deathLoop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case agentID := <-e.deathCh:
			e.failAgentWorkflows(ctx, agentID)
		case <-ticker.C:
			e.sweepDeadAgents(ctx)
		}
	}
}

func (e *Engine) sweepDeadAgents(ctx context.Context) {
	e.mu.RLock()
	agentIDs := make([]string, 0, len(e.running))
	for agentID := range e.running {
		agentIDs = append(agentIDs, agentID)
	}
	e.mu.RUnlock()

	for _, agentID := range agentIDs {
		agent, ok := e.agents.Get(agentID)
		if !ok || !agent.Alive {
			e.failAgentWorkflows(ctx, agentID)
		}
	}
}

func (e *Engine) failAgentWorkflows(ctx context.Context, agentID string) {
	e.mu.RLock()
	ids := make([]string, 0, len(e.running[agentID]))
	for id := range e.running[agentID] {
		ids = append(ids, id)
	}
	e.mu.RUnlock()

	if len(ids) == 0 {
		return
	}
	e.logger.Info("failing workflows of dead agent",
		zap.String("agent_id", agentID),
		zap.Int("count", len(ids)))
	for _, id := range ids {
		e.transition(ctx, id, v1.WorkflowStatusFailed, "agent died", nil)
	}
}

func (e *Engine) tracks(workflowID string) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.workflows[workflowID]
	return ok
}

// ParseStatus validates a workflow status filter; empty means all.
func ParseStatus(s string) (v1.WorkflowStatus, error) {
	switch status := v1.WorkflowStatus(strings.ToUpper(s)); status {
	case "", v1.WorkflowStatusRunning, v1.WorkflowStatusCompleted, v1.WorkflowStatusFailed:
		return status, nil
	default:
		return "", apperrors.BadRequest(fmt.Sprintf("unknown workflow status %q", s))
	}
}
