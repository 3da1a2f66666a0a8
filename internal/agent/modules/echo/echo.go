// Package echo implements the echo module: every request comes back
// enriched with processing metadata.
package echo

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aiori-io/aiori/internal/agent/worker"
	"github.com/aiori-io/aiori/internal/events/bus"
	v1 "github.com/aiori-io/aiori/pkg/api/v1"
	"go.uber.org/zap"
)

// inputSchema is advertised in the capability doc; the coordinator
// validates requests against it before publishing.
var inputSchema = json.RawMessage(`{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"title": "EchoQuery",
	"type": "object",
	"properties": {
		"message": {
			"type": "string",
			"title": "Message",
			"description": "The message to echo back"
		}
	},
	"required": ["message"]
}`)

// Module echoes requests back on its output subject.
type Module struct {
	wctx   *worker.Context
	dedupe *worker.Dedupe
}

var (
	_ worker.Worker         = (*Module)(nil)
	_ worker.SchemaProvider = (*Module)(nil)
)

// New constructs the echo module.
func New(wctx *worker.Context) (worker.Worker, error) {
	return &Module{
		wctx:   wctx,
		dedupe: worker.NewDedupe(0),
	}, nil
}

// Name returns the module name.
func (m *Module) Name() string { return m.wctx.ModuleName }

// InputSchema returns the request schema.
func (m *Module) InputSchema() json.RawMessage { return inputSchema }

// Setup always accepts.
func (m *Module) Setup(ctx context.Context) (bool, error) { return true, nil }

// Run subscribes to the input subject and serves until cancelled.
func (m *Module) Run(ctx context.Context) error {
	sub, err := m.wctx.Bus.Subscribe(m.wctx.Subjects.Input, m.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", m.wctx.Subjects.Input, err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	m.wctx.Logger.Info("listening", zap.String("subject", m.wctx.Subjects.Input))
	<-ctx.Done()
	return nil
}

func (m *Module) handle(ctx context.Context, msg *bus.Message) error {
	var payload map[string]interface{}
	if err := json.Unmarshal(msg.Data, &payload); err != nil {
		m.publishError(ctx, "", err)
		return nil
	}

	workflowID, _ := payload["workflow_id"].(string)
	if m.dedupe.Seen(workflowID) {
		m.wctx.Logger.Debug("duplicate request ignored", zap.String("workflow_id", workflowID))
		return nil
	}

	m.publishRequestState(ctx, v1.ModuleStateRunning, workflowID, "")

	payload["processed_at"] = worker.UnixNow()
	payload["from_module"] = m.Name()

	reply, err := json.Marshal(payload)
	if err != nil {
		m.publishError(ctx, workflowID, err)
		return nil
	}
	if err := m.wctx.Bus.Publish(ctx, m.wctx.Subjects.Output, reply); err != nil {
		m.publishError(ctx, workflowID, err)
		return err
	}

	m.publishRequestState(ctx, v1.ModuleStateCompleted, workflowID, "")
	return nil
}

func (m *Module) publishRequestState(ctx context.Context, state, workflowID, errMsg string) {
	err := worker.PublishState(ctx, m.wctx.Bus, v1.ModuleState{
		AgentID:      m.wctx.AgentID,
		ModuleName:   m.Name(),
		State:        state,
		WorkflowID:   workflowID,
		ErrorMessage: errMsg,
	})
	if err != nil {
		m.wctx.Logger.Warn("failed to publish request state", zap.Error(err))
	}
}

func (m *Module) publishError(ctx context.Context, workflowID string, cause error) {
	m.wctx.Logger.WithError(cause).Error("failed to handle request",
		zap.String("workflow_id", workflowID))
	if err := m.wctx.Bus.Publish(ctx, m.wctx.Subjects.Error, []byte(cause.Error())); err != nil {
		m.wctx.Logger.Warn("failed to publish error", zap.Error(err))
	}
	m.publishRequestState(ctx, v1.ModuleStateFailed, workflowID, cause.Error())
}
