// Package faulty implements a module that misbehaves on demand, used to
// exercise failure paths: delays, per-request failures, and a crash of
// the whole run loop after a configured number of requests.
package faulty

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/aiori-io/aiori/internal/agent/worker"
	"github.com/aiori-io/aiori/internal/events/bus"
	v1 "github.com/aiori-io/aiori/pkg/api/v1"
	"go.uber.org/zap"
)

// Module simulates failures. Knobs come from the manifest config and
// can be overridden per request:
//
//	delay_ms     sleep before replying
//	fail         reply with an error instead of a result
//	crash_after  fail the run loop after this many requests (config only)
type Module struct {
	wctx   *worker.Context
	dedupe *worker.Dedupe

	delay      time.Duration
	fail       bool
	crashAfter int64

	handled int64
	crashCh chan error
}

var _ worker.Worker = (*Module)(nil)

// New constructs the faulty module from its manifest config.
func New(wctx *worker.Context) (worker.Worker, error) {
	return &Module{
		wctx:       wctx,
		dedupe:     worker.NewDedupe(0),
		delay:      time.Duration(wctx.ConfigInt("delay_ms", 0)) * time.Millisecond,
		fail:       wctx.ConfigBool("fail", false),
		crashAfter: int64(wctx.ConfigInt("crash_after", 0)),
		crashCh:    make(chan error, 1),
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

	select {
	case <-ctx.Done():
		return nil
	case err := <-m.crashCh:
		return err
	}
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

	handled := atomic.AddInt64(&m.handled, 1)
	if m.crashAfter > 0 && handled >= m.crashAfter {
		err := fmt.Errorf("intentional crash after %d requests", handled)
		select {
		case m.crashCh <- err:
		default:
		}
		return err
	}

	m.publishRequestState(ctx, v1.ModuleStateRunning, workflowID, "")

	delay := m.delay
	if ms := intField(payload, "delay_ms"); ms > 0 {
		delay = time.Duration(ms) * time.Millisecond
	}
	if delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	fail := m.fail
	if v, ok := payload["fail"].(bool); ok {
		fail = v
	}
	if fail {
		err := errors.New("intentional failure triggered")
		m.publishError(ctx, workflowID, err)
		return nil
	}

	reply, err := json.Marshal(map[string]interface{}{
		"from_module":  m.Name(),
		"processed_at": worker.UnixNow(),
		"input":        payload,
		"workflow_id":  workflowID,
	})
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
	m.wctx.Logger.WithError(cause).Error("request failed",
		zap.String("workflow_id", workflowID))
	if err := m.wctx.Bus.Publish(ctx, m.wctx.Subjects.Error, []byte(cause.Error())); err != nil {
		m.wctx.Logger.Warn("failed to publish error", zap.Error(err))
	}
	m.publishRequestState(ctx, v1.ModuleStateFailed, workflowID, cause.Error())
}

func intField(payload map[string]interface{}, key string) int {
	if v, ok := payload[key].(float64); ok {
		return int(v)
	}
	return 0
}
