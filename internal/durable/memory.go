package durable

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// queuedTask wraps a Task in the due-time heap.
type queuedTask struct {
	task  *Task
	index int // index in the heap (used by container/heap)
}

// taskHeap orders queued tasks by ready time, earliest first.
type taskHeap []*queuedTask

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if !h[i].task.ReadyAt.Equal(h[j].task.ReadyAt) {
		return h[i].task.ReadyAt.Before(h[j].task.ReadyAt)
	}
	return h[i].task.EnqueuedAt.Before(h[j].task.EnqueuedAt)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*queuedTask)
	item.index = n
	*h = append(*h, item)
}

func (h *taskHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // avoid memory leak
	item.index = -1 // for safety
	*h = old[0 : n-1]
	return item
}

// claimedTask tracks an in-flight claim and its redelivery deadline.
type claimedTask struct {
	task     *Task
	deadline time.Time
}

// Memory is the in-process substrate used for tests and single-process
// runs. It is the fallback when no substrate DSN is configured.
type Memory struct {
	mu         sync.Mutex
	steps      map[string]map[string][]byte
	heap       taskHeap
	taskMap    map[string]*queuedTask
	inflight   map[string]*claimedTask
	maxPending int

	// now is swappable for deterministic tests.
	now func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory creates an in-memory substrate. maxPending <= 0 means
// unbounded.
func NewMemory(maxPending int) *Memory {
	m := &Memory{
		steps:      make(map[string]map[string][]byte),
		heap:       make(taskHeap, 0),
		taskMap:    make(map[string]*queuedTask),
		inflight:   make(map[string]*claimedTask),
		maxPending: maxPending,
		now:        time.Now,
	}
	heap.Init(&m.heap)
	return m
}

// SaveStep records a step result.
func (m *Memory) SaveStep(ctx context.Context, workflowID, step string, result []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	results, ok := m.steps[workflowID]
	if !ok {
		results = make(map[string][]byte)
		m.steps[workflowID] = results
	}
	data := make([]byte, len(result))
	copy(data, result)
	results[step] = data
	return nil
}

// LoadSteps returns the recorded step results for a workflow.
func (m *Memory) LoadSteps(ctx context.Context, workflowID string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	results := make(map[string][]byte, len(m.steps[workflowID]))
	for step, data := range m.steps[workflowID] {
		results[step] = data
	}
	return results, nil
}

// Enqueue adds a task to the due queue.
func (m *Memory) Enqueue(ctx context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.taskMap[task.ID]; exists {
		return ErrTaskExists
	}
	if _, exists := m.inflight[task.ID]; exists {
		return ErrTaskExists
	}
	if m.maxPending > 0 && len(m.heap) >= m.maxPending {
		return ErrQueueFull
	}

	t := *task
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = m.now()
	}
	if t.ReadyAt.IsZero() {
		t.ReadyAt = t.EnqueuedAt
	}

	qt := &queuedTask{task: &t}
	heap.Push(&m.heap, qt)
	m.taskMap[t.ID] = qt
	return nil
}

// Claim moves up to limit due tasks into the in-flight set.
func (m *Memory) Claim(ctx context.Context, limit int) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	m.requeueExpiredLocked(now)

	var claimed []*Task
	for len(claimed) < limit && len(m.heap) > 0 {
		next := m.heap[0]
		if next.task.ReadyAt.After(now) {
			break
		}
		qt := heap.Pop(&m.heap).(*queuedTask)
		delete(m.taskMap, qt.task.ID)
		m.inflight[qt.task.ID] = &claimedTask{
			task:     qt.task,
			deadline: now.Add(VisibilityTimeout),
		}
		t := *qt.task
		claimed = append(claimed, &t)
	}
	return claimed, nil
}

// Ack discards a claimed task.
func (m *Memory) Ack(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.inflight[taskID]; !ok {
		return ErrTaskNotFound
	}
	delete(m.inflight, taskID)
	return nil
}

// Nack returns a claimed task to the queue after retryDelay.
func (m *Memory) Nack(ctx context.Context, taskID string, retryDelay time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	ct, ok := m.inflight[taskID]
	if !ok {
		return ErrTaskNotFound
	}
	delete(m.inflight, taskID)

	ct.task.Attempts++
	ct.task.ReadyAt = m.now().Add(retryDelay)

	qt := &queuedTask{task: ct.task}
	heap.Push(&m.heap, qt)
	m.taskMap[ct.task.ID] = qt
	return nil
}

// RequeueExpired returns abandoned claims to the queue.
func (m *Memory) RequeueExpired(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requeueExpiredLocked(m.now()), nil
}

func (m *Memory) requeueExpiredLocked(now time.Time) int {
	var requeued int
	for id, ct := range m.inflight {
		if ct.deadline.After(now) {
			continue
		}
		delete(m.inflight, id)
		ct.task.ReadyAt = now
		qt := &queuedTask{task: ct.task}
		heap.Push(&m.heap, qt)
		m.taskMap[id] = qt
		requeued++
	}
	return requeued
}

// Pending returns the number of queued tasks.
func (m *Memory) Pending(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.heap)), nil
}

// Close is a no-op for the in-memory substrate.
func (m *Memory) Close() error {
	return nil
}
