package api

import (
	"github.com/gin-gonic/gin"

	"github.com/aiori-io/aiori/internal/common/logger"
	"github.com/aiori-io/aiori/internal/coordinator/registry"
	"github.com/aiori-io/aiori/internal/coordinator/workflow"
	"github.com/aiori-io/aiori/internal/durable"
)

// SetupRoutes configures the coordinator API routes
func SetupRoutes(router *gin.RouterGroup, reg *registry.Registry, eng *workflow.Engine, queue *durable.WorkerQueue, stream *Stream, log *logger.Logger) {
	handler := NewHandler(reg, eng, queue, log)

	// Agent routes
	agents := router.Group("/agents")
	{
		agents.GET("", handler.ListAgents)
		agents.GET("/:agentId", handler.GetAgent)
		agents.POST("/:agentId/modules/:module/execute", handler.ExecuteModule)
	}

	// Workflow routes
	workflows := router.Group("/workflows")
	{
		workflows.GET("", handler.ListWorkflows)
		workflows.GET("/:workflowId", handler.GetWorkflow)
		workflows.POST("/:workflowId/cancel", handler.CancelWorkflow)
	}

	// Diagnostics stream
	if stream != nil {
		router.GET("/stream", stream.HandleStream)
	}
}
