package tasks

import (
	"context"
	"sort"
	"sync"
)

type MemoryRepository struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{tasks: make(map[string]Task)}
}

func (r *MemoryRepository) Create(_ context.Context, task Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[task.PublicID]; ok {
		return ErrConflict
	}
	r.tasks[task.PublicID] = task
	return nil
}

func (r *MemoryRepository) Update(_ context.Context, before, after Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.tasks[before.PublicID]
	if !ok {
		return ErrNotFound
	}
	if !current.UpdatedAt.Equal(before.UpdatedAt) {
		return ErrConflict
	}
	r.tasks[after.PublicID] = after
	return nil
}

func (r *MemoryRepository) FindByPublicID(_ context.Context, publicID string) (Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[publicID]
	if !ok {
		return Task{}, ErrNotFound
	}
	return t, nil
}

func (r *MemoryRepository) ListByAssignee(_ context.Context, assigneeID string) ([]Task, error) {
	return r.list(func(t Task) bool { return t.AssigneeID == assigneeID }), nil
}

func (r *MemoryRepository) ListOpen(_ context.Context) ([]Task, error) {
	return r.list(func(t Task) bool { return t.Status == StatusInProgress }), nil
}

func (r *MemoryRepository) list(keep func(Task) bool) []Task {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []Task{}
	for _, t := range r.tasks {
		if keep(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].PublicID < out[j].PublicID
	})
	return out
}
