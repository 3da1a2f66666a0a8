package durable

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aiori-io/aiori/internal/common/logger"
	"go.uber.org/zap"
)

// RetryPolicy bounds the retries of one step.
type RetryPolicy struct {
	MaxAttempts        int
	InitialInterval    time.Duration
	BackoffCoefficient float64
}

// DefaultRetryPolicy is applied to steps that do not carry their own.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:        3,
		InitialInterval:    200 * time.Millisecond,
		BackoffCoefficient: 2.0,
	}
}

// StepFunc performs one step of a workflow. The returned value is
// recorded as the step result; it must be JSON-marshalable.
type StepFunc func(ctx context.Context) (interface{}, error)

// Step is a named unit of a durable workflow. Steps with a recorded
// result are skipped on re-execution, so side-effecting steps must
// tolerate at-least-once delivery downstream.
type Step struct {
	Name  string
	Run   StepFunc
	Retry *RetryPolicy
}

// Runner executes named-step workflows against a Store, memoizing
// completed steps so a replayed workflow never redoes finished work.
type Runner struct {
	store  Store
	logger *logger.Logger
}

// NewRunner creates a runner on the given substrate.
func NewRunner(store Store, log *logger.Logger) *Runner {
	return &Runner{
		store:  store,
		logger: log.WithFields(zap.String("component", "durable_runner")),
	}
}

// Execute runs the steps in order under workflowID. A step whose result
// is already recorded is skipped. Each step retries per its policy;
// exhausting the policy fails the workflow with the step's last error.
func (r *Runner) Execute(ctx context.Context, workflowID string, steps []Step) error {
	recorded, err := r.store.LoadSteps(ctx, workflowID)
	if err != nil {
		// Steps are written to be retry-safe, so losing the memo only
		// costs re-execution.
		r.logger.Warn("failed to load recorded steps, re-executing all",
			zap.String("workflow_id", workflowID),
			zap.Error(err))
		recorded = nil
	}

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return err
		}

		if _, done := recorded[step.Name]; done {
			r.logger.Debug("step already recorded, skipping",
				zap.String("workflow_id", workflowID),
				zap.String("step", step.Name))
			continue
		}

		result, err := r.runStep(ctx, workflowID, step)
		if err != nil {
			return err
		}

		data, err := json.Marshal(result)
		if err != nil {
			r.logger.Warn("step result not marshalable, recording null",
				zap.String("workflow_id", workflowID),
				zap.String("step", step.Name),
				zap.Error(err))
			data = []byte("null")
		}
		if err := r.store.SaveStep(ctx, workflowID, step.Name, data); err != nil {
			// Best effort: a lost record re-runs the step on replay.
			r.logger.Warn("failed to record step result",
				zap.String("workflow_id", workflowID),
				zap.String("step", step.Name),
				zap.Error(err))
		}
	}

	return nil
}

func (r *Runner) runStep(ctx context.Context, workflowID string, step Step) (interface{}, error) {
	policy := DefaultRetryPolicy()
	if step.Retry != nil {
		policy = *step.Retry
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	if policy.BackoffCoefficient < 1 {
		policy.BackoffCoefficient = 1
	}

	interval := policy.InitialInterval
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		result, err := step.Run(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		if attempt == policy.MaxAttempts {
			break
		}

		r.logger.Debug("step failed, retrying",
			zap.String("workflow_id", workflowID),
			zap.String("step", step.Name),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", interval),
			zap.Error(err))

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		interval = time.Duration(float64(interval) * policy.BackoffCoefficient)
	}

	return nil, fmt.Errorf("step %q failed after %d attempts: %w", step.Name, policy.MaxAttempts, lastErr)
}
