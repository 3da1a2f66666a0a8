// Package api exposes the coordinator's HTTP surface: fleet inspection,
// module execution and workflow queries, plus the diagnostics WebSocket.
package api

import (
	v1 "github.com/aiori-io/aiori/pkg/api/v1"
)

// Execution modes accepted by the execute endpoint.
const (
	ModeSync  = "sync"
	ModeAsync = "async"
)

// ExecuteRequest is the body of POST /agents/:agentId/modules/:module/execute.
// Mode defaults to sync. Untracked skips workflow recording.
type ExecuteRequest struct {
	Request   map[string]interface{} `json:"request"`
	Mode      string                 `json:"mode,omitempty"`
	Untracked bool                   `json:"untracked,omitempty"`
}

// AgentsListResponse for listing fleet members
type AgentsListResponse struct {
	Agents []*v1.Agent `json:"agents"`
	Total  int         `json:"total"`
}

// WorkflowsListResponse for listing workflow records
type WorkflowsListResponse struct {
	Workflows []*v1.Workflow `json:"workflows"`
	Total     int            `json:"total"`
}
