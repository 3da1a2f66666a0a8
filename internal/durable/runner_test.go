package durable

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aiori-io/aiori/internal/common/logger"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      "error",
		Format:     "json",
		OutputPath: "stderr",
	})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

func TestRunnerExecutesStepsInOrder(t *testing.T) {
	r := NewRunner(NewMemory(0), testLogger(t))

	var order []string
	steps := []Step{
		{Name: "first", Run: func(ctx context.Context) (interface{}, error) {
			order = append(order, "first")
			return "a", nil
		}},
		{Name: "second", Run: func(ctx context.Context) (interface{}, error) {
			order = append(order, "second")
			return "b", nil
		}},
	}

	require.NoError(t, r.Execute(context.Background(), "wf-1", steps))
	require.Equal(t, []string{"first", "second"}, order)
}

func TestRunnerSkipsRecordedSteps(t *testing.T) {
	store := NewMemory(0)
	r := NewRunner(store, testLogger(t))
	ctx := context.Background()

	var firstRuns, secondRuns int
	steps := []Step{
		{Name: "first", Run: func(ctx context.Context) (interface{}, error) {
			firstRuns++
			return nil, nil
		}},
		{Name: "second", Run: func(ctx context.Context) (interface{}, error) {
			secondRuns++
			return nil, nil
		}},
	}

	require.NoError(t, r.Execute(ctx, "wf-1", steps))
	require.NoError(t, r.Execute(ctx, "wf-1", steps))

	require.Equal(t, 1, firstRuns, "recorded step re-ran")
	require.Equal(t, 1, secondRuns, "recorded step re-ran")

	// A different workflow id means a fresh run.
	require.NoError(t, r.Execute(ctx, "wf-2", steps))
	require.Equal(t, 2, firstRuns)
}

func TestRunnerResumesAfterFailure(t *testing.T) {
	store := NewMemory(0)
	r := NewRunner(store, testLogger(t))
	ctx := context.Background()

	var firstRuns int
	fail := true
	steps := []Step{
		{Name: "first", Run: func(ctx context.Context) (interface{}, error) {
			firstRuns++
			return nil, nil
		}},
		{
			Name: "second",
			Run: func(ctx context.Context) (interface{}, error) {
				if fail {
					return nil, errors.New("boom")
				}
				return nil, nil
			},
			Retry: &RetryPolicy{MaxAttempts: 1},
		},
	}

	require.Error(t, r.Execute(ctx, "wf-1", steps))

	// Replay skips the completed first step and retries the failed one.
	fail = false
	require.NoError(t, r.Execute(ctx, "wf-1", steps))
	require.Equal(t, 1, firstRuns)
}

func TestRunnerRetriesPerPolicy(t *testing.T) {
	r := NewRunner(NewMemory(0), testLogger(t))

	var attempts int
	steps := []Step{{
		Name: "flaky",
		Run: func(ctx context.Context) (interface{}, error) {
			attempts++
			if attempts < 3 {
				return nil, errors.New("transient")
			}
			return nil, nil
		},
		Retry: &RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, BackoffCoefficient: 2},
	}}

	require.NoError(t, r.Execute(context.Background(), "wf-1", steps))
	require.Equal(t, 3, attempts)
}

func TestRunnerFailsAfterMaxAttempts(t *testing.T) {
	r := NewRunner(NewMemory(0), testLogger(t))

	var attempts int
	steps := []Step{{
		Name: "broken",
		Run: func(ctx context.Context) (interface{}, error) {
			attempts++
			return nil, errors.New("permanent")
		},
		Retry: &RetryPolicy{MaxAttempts: 2, InitialInterval: time.Millisecond, BackoffCoefficient: 2},
	}}

	err := r.Execute(context.Background(), "wf-1", steps)
	require.Error(t, err)
	require.Contains(t, err.Error(), `step "broken" failed after 2 attempts`)
	require.Equal(t, 2, attempts)
}

func TestRunnerStopsOnContextCancel(t *testing.T) {
	r := NewRunner(NewMemory(0), testLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	var secondRan bool
	steps := []Step{
		{Name: "first", Run: func(ctx context.Context) (interface{}, error) {
			cancel()
			return nil, nil
		}},
		{Name: "second", Run: func(ctx context.Context) (interface{}, error) {
			secondRan = true
			return nil, nil
		}},
	}

	err := r.Execute(ctx, "wf-1", steps)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, secondRan)
}
