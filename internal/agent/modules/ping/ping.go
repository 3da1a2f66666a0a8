// Package ping implements the minimal responder module used to verify
// end-to-end reachability of an agent.
package ping

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aiori-io/aiori/internal/agent/worker"
	"github.com/aiori-io/aiori/internal/events/bus"
	"go.uber.org/zap"
)

// Module answers every request with a pong.
type Module struct {
	wctx   *worker.Context
	dedupe *worker.Dedupe
}

var _ worker.Worker = (*Module)(nil)

// New constructs the ping module.
func New(wctx *worker.Context) (worker.Worker, error) {
	return &Module{
		wctx:   wctx,
		dedupe: worker.NewDedupe(0),
	}, nil
}

func (m *Module) Name() string { return m.wctx.ModuleName }

func (m *Module) Setup(ctx context.Context) (bool, error) { return true, nil }

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
		if pubErr := m.wctx.Bus.Publish(ctx, m.wctx.Subjects.Error, []byte(err.Error())); pubErr != nil {
			m.wctx.Logger.Warn("failed to publish error", zap.Error(pubErr))
		}
		return nil
	}

	workflowID, _ := payload["workflow_id"].(string)
	if m.dedupe.Seen(workflowID) {
		m.wctx.Logger.Debug("duplicate request ignored", zap.String("workflow_id", workflowID))
		return nil
	}

	reply, err := json.Marshal(map[string]interface{}{
		"pong":         true,
		"from_module":  m.Name(),
		"processed_at": worker.UnixNow(),
		"workflow_id":  workflowID,
	})
	if err != nil {
		return err
	}
	return m.wctx.Bus.Publish(ctx, m.wctx.Subjects.Output, reply)
}
