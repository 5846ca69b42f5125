package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/convoy-sh/convoy/internal/model"
)

// Memory is an in-process queue with the same lease semantics as the
// MongoDB backend. It backs local runs and end-to-end tests.
type Memory struct {
	mu   sync.Mutex
	docs map[string]*taskDoc
	seq  int
}

var _ Queue = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{docs: map[string]*taskDoc{}}
}

// Add enqueues a task as READY.
func (m *Memory) Add(task model.Task, priority int) {
	m.addState(task, priority, stateReady)
}

// AddBlocked enqueues a task as WAITING on dependencies.
func (m *Memory) AddBlocked(task model.Task, priority int) {
	m.addState(task, priority, stateWaiting)
}

func (m *Memory) addState(task model.Task, priority int, state string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.docs[task.ID] = &taskDoc{
		Task:      task,
		State:     state,
		Priority:  priority,
		CreatedAt: time.Unix(int64(m.seq), 0),
	}
}

// Promote moves a WAITING task to READY, standing in for the workflow
// engine's dependency resolution.
func (m *Memory) Promote(taskID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.docs[taskID]; ok && d.State == stateWaiting {
		d.State = stateReady
	}
}

// Result returns the reported result for a task, if any.
func (m *Memory) Result(taskID string) (model.TaskResult, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[taskID]
	if !ok || d.Result == nil {
		return model.TaskResult{}, false
	}
	return *d.Result, true
}

// State returns a task's queue state.
func (m *Memory) State(taskID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.docs[taskID]; ok {
		return d.State
	}
	return ""
}

func (m *Memory) Lease(ctx context.Context, worker string) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ready []*taskDoc
	for _, d := range m.docs {
		if d.State == stateReady {
			ready = append(ready, d)
		}
	}
	if len(ready) == 0 {
		return nil, nil
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].CreatedAt.Before(ready[j].CreatedAt)
	})

	d := ready[0]
	d.State = stateRunning
	d.Worker = worker
	d.LeasedAt = time.Now().UTC()
	t := d.Task
	return &t, nil
}

func (m *Memory) Report(ctx context.Context, taskID string, res model.TaskResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[taskID]
	if !ok {
		return ErrNotFound
	}
	d.State = terminalState(res.Status)
	d.Result = &res
	d.ReportedAt = time.Now().UTC()
	return nil
}

func (m *Memory) HasBlocked(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.docs {
		if d.State == stateWaiting {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) Ping(ctx context.Context) error  { return nil }
func (m *Memory) Close(ctx context.Context) error { return nil }
