// Package olap forwards fleet telemetry to ClickHouse for offline
// analysis: one row per terminal workflow, sampled agent heartbeats,
// and every module state message. Writes are best effort; insert
// failures are logged and never propagate to the callers.
package olap

import (
	"context"

	v1 "github.com/aiori-io/aiori/pkg/api/v1"
)

// Sink receives fleet telemetry. Implementations must not block the
// caller; rows that cannot be buffered are dropped.
type Sink interface {
	// Start attaches the sink to the bus subjects it consumes and
	// launches the writer.
	Start(ctx context.Context) error

	// OnWorkflowTerminal records a finished workflow. Wired as the
	// workflow engine's completion hook.
	OnWorkflowTerminal(wf *v1.Workflow, final *v1.WorkflowState)

	// Close stops the writer and releases the connection.
	Close() error
}

// Nop is the disabled sink, used when no ClickHouse host is configured.
type Nop struct{}

// NewNop returns a sink that discards everything.
func NewNop() *Nop { return &Nop{} }

func (*Nop) Start(context.Context) error                         { return nil }
func (*Nop) OnWorkflowTerminal(*v1.Workflow, *v1.WorkflowState) {}
func (*Nop) Close() error                                        { return nil }
