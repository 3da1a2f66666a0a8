package workflow

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/aiori-io/aiori/internal/events/bus"
	v1 "github.com/aiori-io/aiori/pkg/api/v1"
)

// resultFields mark a payload as a module reply when no explicit
// success flag is present.
var resultFields = []string{"from_module", "processed_at", "result", "data", "output"}

// HandleResult consumes module replies delivered via the subscription
// manager and settles the matching workflow. Wired as the shared
// result handler for every agent output subject.
func (e *Engine) HandleResult(ctx context.Context, msg *bus.Message) error {
	var payload map[string]interface{}
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		e.logger.Debug("ignoring non-JSON result",
			zap.String("subject", msg.Subject), zap.Error(err))
		return nil
	}

	workflowID, _ := payload["workflow_id"].(string)
	if workflowID == "" {
		// Untracked request or foreign traffic on a shared subject.
		return nil
	}
	if !e.tracks(workflowID) {
		e.logger.Debug("result for unknown workflow",
			zap.String("workflow_id", workflowID),
			zap.String("subject", msg.Subject))
		return nil
	}

	// The reply payload rides on the terminal state so the workflow
	// detail endpoint and the OLAP sink see the module's result.
	if resultSuccess(payload) {
		e.transition(ctx, workflowID, v1.WorkflowStatusCompleted, "", payload)
		return nil
	}
	e.transition(ctx, workflowID, v1.WorkflowStatusFailed, failureReason(payload), payload)
	return nil
}

// HandleModuleState folds agent-reported module states into workflow
// transitions. Host lifecycle states carry no workflow id and pass
// through untouched.
func (e *Engine) HandleModuleState(ctx context.Context, msg *bus.Message) error {
	var state v1.ModuleState
	if err := json.Unmarshal(msg.Data, &state); err != nil {
		e.logger.Debug("malformed module state dropped", zap.Error(err))
		return nil
	}
	if state.WorkflowID == "" {
		return nil
	}

	status, ok := foldState(state.State)
	if !ok {
		e.logger.Debug("unmapped module state ignored",
			zap.String("state", state.State),
			zap.String("workflow_id", state.WorkflowID))
		return nil
	}
	if !e.tracks(state.WorkflowID) {
		e.logger.Debug("state for unknown workflow",
			zap.String("workflow_id", state.WorkflowID))
		return nil
	}

	e.transition(ctx, state.WorkflowID, status, state.ErrorMessage, state.Details)
	return nil
}

// foldState maps the richer wire states onto tracked statuses.
func foldState(wire string) (v1.WorkflowStatus, bool) {
	switch wire {
	case v1.ModuleStateStarted, v1.ModuleStateRunning:
		return v1.WorkflowStatusRunning, true
	case v1.ModuleStateCompleted:
		return v1.WorkflowStatusCompleted, true
	case v1.ModuleStateError, v1.ModuleStateFailed:
		return v1.WorkflowStatusFailed, true
	default:
		return "", false
	}
}

// resultSuccess decides whether a reply payload reports success. An
// explicit success boolean wins; otherwise any identifying result
// field counts as success.
func resultSuccess(payload map[string]interface{}) bool {
	if success, ok := payload["success"].(bool); ok {
		return success
	}
	for _, field := range resultFields {
		if _, ok := payload[field]; ok {
			return true
		}
	}
	return false
}

func failureReason(payload map[string]interface{}) string {
	if reason, ok := payload["error"].(string); ok && reason != "" {
		return reason
	}
	if reason, ok := payload["error_message"].(string); ok && reason != "" {
		return reason
	}
	return "module reported failure"
}
