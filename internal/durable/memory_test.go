package durable

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemorySaveAndLoadSteps(t *testing.T) {
	m := NewMemory(0)
	ctx := context.Background()

	require.NoError(t, m.SaveStep(ctx, "wf-1", "validate", []byte(`{"ok":true}`)))
	require.NoError(t, m.SaveStep(ctx, "wf-1", "publish", []byte(`null`)))
	require.NoError(t, m.SaveStep(ctx, "wf-2", "validate", []byte(`1`)))

	steps, err := m.LoadSteps(ctx, "wf-1")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	require.Equal(t, []byte(`{"ok":true}`), steps["validate"])

	steps, err = m.LoadSteps(ctx, "wf-3")
	require.NoError(t, err)
	require.Empty(t, steps)
}

func TestMemoryEnqueueClaimAck(t *testing.T) {
	m := NewMemory(0)
	ctx := context.Background()

	require.NoError(t, m.Enqueue(ctx, &Task{ID: "t-1", WorkflowID: "wf-1", Kind: "execute"}))

	claimed, err := m.Claim(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, "t-1", claimed[0].ID)

	// Claimed tasks are invisible until the visibility timeout.
	again, err := m.Claim(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, again)

	require.NoError(t, m.Ack(ctx, "t-1"))
	require.ErrorIs(t, m.Ack(ctx, "t-1"), ErrTaskNotFound)
}

func TestMemoryEnqueueDuplicate(t *testing.T) {
	m := NewMemory(0)
	ctx := context.Background()

	require.NoError(t, m.Enqueue(ctx, &Task{ID: "t-1"}))
	require.ErrorIs(t, m.Enqueue(ctx, &Task{ID: "t-1"}), ErrTaskExists)
}

func TestMemoryQueueFull(t *testing.T) {
	m := NewMemory(2)
	ctx := context.Background()

	require.NoError(t, m.Enqueue(ctx, &Task{ID: "t-1"}))
	require.NoError(t, m.Enqueue(ctx, &Task{ID: "t-2"}))
	require.ErrorIs(t, m.Enqueue(ctx, &Task{ID: "t-3"}), ErrQueueFull)

	// Draining frees capacity.
	_, err := m.Claim(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, m.Enqueue(ctx, &Task{ID: "t-3"}))
}

func TestMemoryClaimHonorsReadyAt(t *testing.T) {
	m := NewMemory(0)
	ctx := context.Background()

	now := time.Now()
	m.now = func() time.Time { return now }

	require.NoError(t, m.Enqueue(ctx, &Task{ID: "due", ReadyAt: now.Add(-time.Second)}))
	require.NoError(t, m.Enqueue(ctx, &Task{ID: "later", ReadyAt: now.Add(time.Hour)}))

	claimed, err := m.Claim(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, "due", claimed[0].ID)

	// Advance past the delayed task's ready time.
	m.now = func() time.Time { return now.Add(2 * time.Hour) }
	claimed, err = m.Claim(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, "later", claimed[0].ID)
}

func TestMemoryNackRedelivers(t *testing.T) {
	m := NewMemory(0)
	ctx := context.Background()

	now := time.Now()
	m.now = func() time.Time { return now }

	require.NoError(t, m.Enqueue(ctx, &Task{ID: "t-1"}))
	claimed, err := m.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, 0, claimed[0].Attempts)

	require.NoError(t, m.Nack(ctx, "t-1", time.Minute))

	// Not due yet.
	claimed, err = m.Claim(ctx, 1)
	require.NoError(t, err)
	require.Empty(t, claimed)

	m.now = func() time.Time { return now.Add(2 * time.Minute) }
	claimed, err = m.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, 1, claimed[0].Attempts)
}

func TestMemoryRequeueExpired(t *testing.T) {
	m := NewMemory(0)
	ctx := context.Background()

	now := time.Now()
	m.now = func() time.Time { return now }

	require.NoError(t, m.Enqueue(ctx, &Task{ID: "t-1"}))
	claimed, err := m.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	// Within the visibility window nothing comes back.
	n, err := m.RequeueExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	m.now = func() time.Time { return now.Add(VisibilityTimeout + time.Second) }
	n, err = m.RequeueExpired(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	claimed, err = m.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.Equal(t, "t-1", claimed[0].ID)
}

func TestMemoryPending(t *testing.T) {
	m := NewMemory(0)
	ctx := context.Background()

	require.NoError(t, m.Enqueue(ctx, &Task{ID: "t-1"}))
	require.NoError(t, m.Enqueue(ctx, &Task{ID: "t-2"}))

	pending, err := m.Pending(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), pending)

	_, err = m.Claim(ctx, 1)
	require.NoError(t, err)

	pending, err = m.Pending(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), pending)
}
