package api

import (
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aiori-io/aiori/internal/common/errors"
	"github.com/aiori-io/aiori/internal/common/logger"
	"github.com/aiori-io/aiori/internal/coordinator/registry"
	"github.com/aiori-io/aiori/internal/coordinator/workflow"
	"github.com/aiori-io/aiori/internal/durable"
	v1 "github.com/aiori-io/aiori/pkg/api/v1"
)

// Handler contains HTTP handlers for the coordinator API
type Handler struct {
	registry *registry.Registry
	engine   *workflow.Engine
	queue    *durable.WorkerQueue
	logger   *logger.Logger
}

// NewHandler creates a new API handler
func NewHandler(reg *registry.Registry, eng *workflow.Engine, queue *durable.WorkerQueue, log *logger.Logger) *Handler {
	return &Handler{
		registry: reg,
		engine:   eng,
		queue:    queue,
		logger:   log,
	}
}

// Agent endpoints

// ListAgents returns the known fleet members
// GET /api/v1/agents?filter=all|alive|dead
func (h *Handler) ListAgents(c *gin.Context) {
	filter, err := registry.ParseFilter(c.DefaultQuery("filter", "all"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	agents := h.registry.List(filter)
	c.JSON(http.StatusOK, AgentsListResponse{Agents: agents, Total: len(agents)})
}

// GetAgent retrieves one agent by ID
// GET /api/v1/agents/:agentId
func (h *Handler) GetAgent(c *gin.Context) {
	agentID := c.Param("agentId")

	agent, ok := h.registry.Get(agentID)
	if !ok {
		appErr := errors.NotFound("agent", agentID)
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	c.JSON(http.StatusOK, agent)
}

// Execution endpoints

// ExecuteModule dispatches a request to a module hosted on an agent
// POST /api/v1/agents/:agentId/modules/:module/execute
func (h *Handler) ExecuteModule(c *gin.Context) {
	agentID := c.Param("agentId")
	moduleName := c.Param("module")

	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		appErr := errors.BadRequest(err.Error())
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	mode := req.Mode
	if mode == "" {
		mode = ModeSync
	}

	switch mode {
	case ModeSync:
		receipt, err := h.engine.ExecuteModule(c.Request.Context(), agentID, moduleName, req.Request, req.Untracked)
		if err != nil {
			h.respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, receipt)

	case ModeAsync:
		receipt, err := h.enqueueExecute(c, agentID, moduleName, &req)
		if err != nil {
			h.respondError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, receipt)

	default:
		appErr := errors.BadRequest("mode must be sync or async")
		c.JSON(appErr.HTTPStatus, appErr)
	}
}

// enqueueExecute mints the workflow id up front so the caller can poll
// it while the queued task waits for a worker.
func (h *Handler) enqueueExecute(c *gin.Context, agentID, moduleName string, req *ExecuteRequest) (*v1.ExecuteReceipt, error) {
	workflowID := uuid.New().String()

	payload, err := json.Marshal(executePayload{
		AgentID:    agentID,
		ModuleName: moduleName,
		Request:    req.Request,
		Untracked:  req.Untracked,
	})
	if err != nil {
		return nil, errors.BadRequest("request is not serializable: " + err.Error())
	}

	now := time.Now().UTC()
	task := &durable.Task{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		Kind:       TaskKindExecute,
		Payload:    payload,
		EnqueuedAt: now,
		ReadyAt:    now,
	}

	if err := h.queue.Submit(c.Request.Context(), task); err != nil {
		if stderrors.Is(err, durable.ErrQueueFull) {
			return nil, errors.QueueFull()
		}
		return nil, errors.PersistenceUnavailable(err)
	}

	h.logger.Info("queued module execution",
		zap.String("workflow_id", workflowID),
		zap.String("agent_id", agentID),
		zap.String("module", moduleName))

	return &v1.ExecuteReceipt{Status: "queued", WorkflowID: workflowID}, nil
}

// Workflow endpoints

// ListWorkflows returns workflow records, newest first
// GET /api/v1/workflows?status=&limit=
func (h *Handler) ListWorkflows(c *gin.Context) {
	status, err := workflow.ParseStatus(c.Query("status"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	limit := 0
	if raw := c.Query("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			appErr := errors.BadRequest("limit must be an integer")
			c.JSON(appErr.HTTPStatus, appErr)
			return
		}
	}

	records, err := h.engine.List(c.Request.Context(), status, limit)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, WorkflowsListResponse{Workflows: records, Total: len(records)})
}

// GetWorkflow retrieves a workflow record with its full state history
// GET /api/v1/workflows/:workflowId
func (h *Handler) GetWorkflow(c *gin.Context) {
	view, err := h.engine.Get(c.Request.Context(), c.Param("workflowId"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, view)
}

// CancelWorkflow marks a running workflow FAILED with reason "cancelled"
// POST /api/v1/workflows/:workflowId/cancel
func (h *Handler) CancelWorkflow(c *gin.Context) {
	view, err := h.engine.Cancel(c.Request.Context(), c.Param("workflowId"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, view)
}

// respondError maps service errors onto HTTP responses. Server-side
// failures are logged; client errors are only returned.
func (h *Handler) respondError(c *gin.Context, err error) {
	var appErr *errors.AppError
	if !stderrors.As(err, &appErr) {
		appErr = errors.InternalError("request failed", err)
	}

	if appErr.HTTPStatus >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", c.Request.URL.Path),
			zap.String("code", appErr.Code),
			zap.Error(err))
	}

	c.JSON(appErr.HTTPStatus, appErr)
}
