// Package memstore is an in-process task store with the same compare-and-swap
// semantics as the Postgres repository. Used by tests and local runs.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ramiqadoumi/go-task-service/internal/domain"
)

type Store struct {
	mu    sync.RWMutex
	tasks map[string]*domain.Task
}

func New() *Store {
	return &Store{tasks: make(map[string]*domain.Task)}
}

func (s *Store) Create(_ context.Context, task *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[task.ID]; ok {
		return &domain.ValidationError{Field: "id", Reason: "task " + task.ID + " already exists"}
	}
	s.tasks[task.ID] = task.Clone()
	return nil
}

// GetByID returns a copy; callers may mutate it freely.
func (s *Store) GetByID(_ context.Context, id string) (*domain.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	return t.Clone(), nil
}

func (s *Store) List(_ context.Context, f domain.ListFilter, page domain.Page) ([]*domain.Task, error) {
	s.mu.RLock()
	matched := make([]*domain.Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if matches(t, f) {
			matched = append(matched, t.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	page = page.Normalize()
	start := page.Offset()
	if start >= len(matched) {
		return []*domain.Task{}, nil
	}
	end := start + page.Size
	if end > len(matched) {
		end = len(matched)
	}
	return matched[start:end], nil
}

// Apply swaps the task's status only when it still equals change.From.
func (s *Store) Apply(_ context.Context, id string, change domain.Change) (*domain.Task, error) {
	if err := change.Validate(id); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	if t.Status != change.From {
		return nil, &domain.IllegalTransitionError{TaskID: id, From: t.Status, To: change.To}
	}
	change.ApplyTo(t)
	return t.Clone(), nil
}

func (s *Store) ListStale(_ context.Context, status domain.Status, olderThan time.Duration, limit int) ([]*domain.Task, error) {
	cutoff := time.Now().UTC().Add(-olderThan)

	s.mu.RLock()
	var stale []*domain.Task
	for _, t := range s.tasks {
		if t.Status != status {
			continue
		}
		since := t.CreatedAt
		if t.StartedAt != nil {
			since = *t.StartedAt
		}
		if since.Before(cutoff) {
			stale = append(stale, t.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(stale, func(i, j int) bool {
		return stale[i].CreatedAt.Before(stale[j].CreatedAt)
	})
	if limit > 0 && len(stale) > limit {
		stale = stale[:limit]
	}
	return stale, nil
}

func matches(t *domain.Task, f domain.ListFilter) bool {
	if f.Title != "" && !strings.Contains(strings.ToLower(t.Title), strings.ToLower(f.Title)) {
		return false
	}
	if f.Priority != "" && t.Priority != f.Priority {
		return false
	}
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if !inRange(t.StartedAt, f.StartedAfter, f.StartedBefore) {
		return false
	}
	return inRange(t.CompletedAt, f.CompletedAfter, f.CompletedBefore)
}

// inRange treats a nil value as outside any bounded range, like SQL NULL.
func inRange(v, after, before *time.Time) bool {
	if after == nil && before == nil {
		return true
	}
	if v == nil {
		return false
	}
	if after != nil && v.Before(*after) {
		return false
	}
	if before != nil && v.After(*before) {
		return false
	}
	return true
}
