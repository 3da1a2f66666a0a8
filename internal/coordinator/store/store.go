// Package store persists the coordinator's fleet and workflow records.
// Memory stays authoritative at runtime; the store exists so a restart
// can hydrate the same view (agents, RUNNING workflows, histories).
package store

import (
	"context"
	"fmt"

	"github.com/aiori-io/aiori/internal/common/config"
	"github.com/aiori-io/aiori/internal/common/logger"
	v1 "github.com/aiori-io/aiori/pkg/api/v1"
)

// AgentStore persists fleet membership records.
type AgentStore interface {
	// UpsertAgent inserts or replaces the record for the agent's id.
	UpsertAgent(ctx context.Context, agent *v1.Agent) error

	// ListAgents returns every stored agent record.
	ListAgents(ctx context.Context) ([]*v1.Agent, error)
}

// WorkflowStore persists tracked module executions. Workflow records
// are immutable; progress lives in the append-only state history keyed
// by (workflow_id, sequence).
type WorkflowStore interface {
	InsertWorkflow(ctx context.Context, wf *v1.Workflow) error
	AppendWorkflowState(ctx context.Context, state *v1.WorkflowState) error
	GetWorkflow(ctx context.Context, id string) (*v1.Workflow, error)

	// ListWorkflows filters by current (latest-sequence) status; empty
	// status means all. Results are newest-first, capped at limit.
	ListWorkflows(ctx context.Context, status v1.WorkflowStatus, limit int) ([]*v1.Workflow, error)

	// ListWorkflowStates returns the full history ordered by sequence.
	ListWorkflowStates(ctx context.Context, workflowID string) ([]*v1.WorkflowState, error)

	// ListRunningWorkflows returns every workflow whose latest state is
	// RUNNING, for startup hydration.
	ListRunningWorkflows(ctx context.Context) ([]*v1.Workflow, error)
}

// Store is the full persistence port.
type Store interface {
	AgentStore
	WorkflowStore
	Close() error
}

// Open selects the implementation from the database configuration.
func Open(cfg config.DatabaseConfig, log *logger.Logger) (Store, error) {
	switch cfg.Driver {
	case "sqlite", "":
		return NewSQLiteStore(cfg.Path)
	case "postgres":
		return OpenPostgres(cfg.URL)
	case "memory":
		log.Warn("using in-memory store, records will not survive a restart")
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}
