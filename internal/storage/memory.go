package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
)

// MemoryStore keeps tasks in a map. It is the default driver and the backing
// structure of the file driver.
type MemoryStore struct {
	mu     sync.RWMutex
	tasks  map[string]Task
	closed bool

	// onChange is called with mu held after a mutation that changed data.
	// A non-nil error rolls the mutation back.
	onChange func(tasks map[string]Task) error
}

// prevTask is the state of one task before a mutation.
type prevTask struct {
	task    Task
	existed bool
}

func NewMemory(tasks ...Task) *MemoryStore {
	m := &MemoryStore{tasks: make(map[string]Task, len(tasks))}
	for _, t := range tasks {
		m.tasks[t.ID] = t
	}
	return m
}

func (m *MemoryStore) Upsert(ctx context.Context, tasks ...Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, t := range tasks {
		if t.ID == "" {
			return errors.New("task id required")
		}
		if !t.Status.Valid() {
			return errors.Wrapf(ErrUnknownStatus, "task %s: %q", t.ID, string(t.Status))
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	undo := make(map[string]prevTask, len(tasks))
	for _, t := range tasks {
		if _, seen := undo[t.ID]; !seen {
			old, ok := m.tasks[t.ID]
			undo[t.ID] = prevTask{task: old, existed: ok}
		}
		m.tasks[t.ID] = t
	}
	return m.commitLocked(undo)
}

func (m *MemoryStore) FindPendingBeforeExpiry(ctx context.Context, now time.Time) ([]Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	out := make([]Task, 0)
	for _, t := range m.tasks {
		if t.Status == StatusPending && !t.ExpiresAt.After(now) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(out[j].ExpiresAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *MemoryStore) BulkTransition(ctx context.Context, ids []string, to Status) (int64, error) {
	if err := checkTransition(to); err != nil {
		return 0, err
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}

	undo := make(map[string]prevTask)
	for _, id := range uniqueIDs(ids) {
		t, ok := m.tasks[id]
		if !ok || t.Status != StatusPending {
			continue
		}
		undo[id] = prevTask{task: t, existed: true}
		t.Status = to
		m.tasks[id] = t
	}
	if len(undo) == 0 {
		return 0, nil
	}
	if err := m.commitLocked(undo); err != nil {
		return 0, err
	}
	return int64(len(undo)), nil
}

func (m *MemoryStore) CountByStatus(ctx context.Context) (Counts, error) {
	if err := ctx.Err(); err != nil {
		return Counts{}, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Counts{}, ErrClosed
	}
	var c Counts
	for _, t := range m.tasks {
		c.add(t.Status, 1)
	}
	return c, nil
}

// Get returns a copy of one task.
func (m *MemoryStore) Get(id string) (Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	return t, ok
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

// commitLocked runs onChange for an applied mutation and restores the tasks
// in undo when it fails.
func (m *MemoryStore) commitLocked(undo map[string]prevTask) error {
	if m.onChange == nil {
		return nil
	}
	err := m.onChange(m.tasks)
	if err == nil {
		return nil
	}
	for id, p := range undo {
		if p.existed {
			m.tasks[id] = p.task
		} else {
			delete(m.tasks, id)
		}
	}
	return err
}
