package api

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/aiori-io/aiori/internal/common/logger"
	"github.com/aiori-io/aiori/internal/coordinator/workflow"
	"github.com/aiori-io/aiori/internal/durable"
)

// TaskKindExecute is the durable queue kind for async module executions.
const TaskKindExecute = "execute_module"

// executePayload is the queued form of an async execute request. The
// workflow id travels on the task itself so redeliveries replay the
// same durable workflow.
type executePayload struct {
	AgentID    string                 `json:"agent_id"`
	ModuleName string                 `json:"module_name"`
	Request    map[string]interface{} `json:"request,omitempty"`
	Untracked  bool                   `json:"untracked,omitempty"`
}

// RegisterExecuteWorker installs the async execution job on the worker
// queue. Must be called before the queue starts.
func RegisterExecuteWorker(queue *durable.WorkerQueue, eng *workflow.Engine, log *logger.Logger) {
	queue.Register(TaskKindExecute, func(ctx context.Context, task *durable.Task) error {
		var p executePayload
		if err := json.Unmarshal(task.Payload, &p); err != nil {
			log.Error("dropping execute task with malformed payload",
				zap.String("task_id", task.ID),
				zap.String("workflow_id", task.WorkflowID),
				zap.Error(err))
			return nil
		}

		_, err := eng.Execute(ctx, task.WorkflowID, p.AgentID, p.ModuleName, p.Request, p.Untracked)
		if err == nil {
			return nil
		}

		// Once the engine tracks the workflow it also settles it on
		// failure, so a retry would dispatch work for a workflow that
		// is already terminal. Only retry executions that never started.
		if view, verr := eng.Get(ctx, task.WorkflowID); verr == nil && len(view.History) > 0 {
			log.Warn("queued execution settled by engine, not retrying",
				zap.String("workflow_id", task.WorkflowID),
				zap.Error(err))
			return nil
		}

		log.Warn("queued execution failed before starting",
			zap.String("workflow_id", task.WorkflowID),
			zap.String("agent_id", p.AgentID),
			zap.String("module", p.ModuleName),
			zap.Error(err))
		return err
	})
}
