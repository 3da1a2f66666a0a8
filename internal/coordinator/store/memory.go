package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	apperrors "github.com/aiori-io/aiori/internal/common/errors"
	v1 "github.com/aiori-io/aiori/pkg/api/v1"
)

// Memory is a map-backed store for tests and single-process runs. It
// copies records on the way in and out so callers cannot alias what a
// real database would have serialized.
type Memory struct {
	mu        sync.RWMutex
	agents    map[string]*v1.Agent
	workflows map[string]*v1.Workflow
	states    map[string][]*v1.WorkflowState
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		agents:    make(map[string]*v1.Agent),
		workflows: make(map[string]*v1.Workflow),
		states:    make(map[string][]*v1.WorkflowState),
	}
}

// Close is a no-op for the in-memory store.
func (m *Memory) Close() error {
	return nil
}

// UpsertAgent inserts or replaces the agent record.
func (m *Memory) UpsertAgent(ctx context.Context, agent *v1.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.agents[agent.ID] = cloneAgent(agent)
	return nil
}

// ListAgents returns every stored agent record.
func (m *Memory) ListAgents(ctx context.Context) ([]*v1.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*v1.Agent, 0, len(m.agents))
	for _, agent := range m.agents {
		result = append(result, cloneAgent(agent))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].FirstSeen.Before(result[j].FirstSeen)
	})
	return result, nil
}

// InsertWorkflow stores the immutable execution record.
func (m *Memory) InsertWorkflow(ctx context.Context, wf *v1.Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.workflows[wf.ID]; exists {
		return fmt.Errorf("workflow already exists: %s", wf.ID)
	}
	m.workflows[wf.ID] = cloneWorkflow(wf)
	return nil
}

// AppendWorkflowState appends one history entry, mirroring the SQL
// backends' composite-key and foreign-key constraints.
func (m *Memory) AppendWorkflowState(ctx context.Context, state *v1.WorkflowState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.workflows[state.WorkflowID]; !exists {
		return fmt.Errorf("workflow not found: %s", state.WorkflowID)
	}
	for _, existing := range m.states[state.WorkflowID] {
		if existing.Sequence == state.Sequence {
			return fmt.Errorf("duplicate state sequence %d for workflow %s", state.Sequence, state.WorkflowID)
		}
	}
	m.states[state.WorkflowID] = append(m.states[state.WorkflowID], cloneState(state))
	return nil
}

// GetWorkflow retrieves one workflow record by ID.
func (m *Memory) GetWorkflow(ctx context.Context, id string) (*v1.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wf, ok := m.workflows[id]
	if !ok {
		return nil, apperrors.WorkflowNotFound(id)
	}
	return cloneWorkflow(wf), nil
}

// ListWorkflows returns workflows filtered by current status, newest first.
func (m *Memory) ListWorkflows(ctx context.Context, status v1.WorkflowStatus, limit int) ([]*v1.Workflow, error) {
	if limit <= 0 {
		limit = 100
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*v1.Workflow
	for id, wf := range m.workflows {
		if status != "" && m.currentStatus(id) != status {
			continue
		}
		result = append(result, cloneWorkflow(wf))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ListWorkflowStates returns the full history ordered by sequence.
func (m *Memory) ListWorkflowStates(ctx context.Context, workflowID string) ([]*v1.WorkflowState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	history := m.states[workflowID]
	result := make([]*v1.WorkflowState, 0, len(history))
	for _, state := range history {
		result = append(result, cloneState(state))
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Sequence < result[j].Sequence
	})
	return result, nil
}

// ListRunningWorkflows returns every workflow whose latest state is RUNNING.
func (m *Memory) ListRunningWorkflows(ctx context.Context) ([]*v1.Workflow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*v1.Workflow
	for id, wf := range m.workflows {
		if m.currentStatus(id) == v1.WorkflowStatusRunning {
			result = append(result, cloneWorkflow(wf))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// currentStatus returns the max-sequence state; callers hold the lock.
func (m *Memory) currentStatus(workflowID string) v1.WorkflowStatus {
	var current v1.WorkflowStatus
	maxSeq := -1
	for _, state := range m.states[workflowID] {
		if state.Sequence > maxSeq {
			maxSeq = state.Sequence
			current = state.Status
		}
	}
	return current
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

func cloneWorkflow(wf *v1.Workflow) *v1.Workflow {
	out := *wf
	if wf.Request != nil {
		out.Request = append([]byte(nil), wf.Request...)
	}
	return &out
}

func cloneState(s *v1.WorkflowState) *v1.WorkflowState {
	out := *s
	if s.Details != nil {
		out.Details = make(map[string]interface{}, len(s.Details))
		for k, v := range s.Details {
			out.Details[k] = v
		}
	}
	return &out
}
