package storage

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Imperial-lord/dionysus/internal/downloader/core"
)

type InMemoryJobStore struct {
	mu       sync.RWMutex
	jobs     map[uuid.UUID]*core.Job
	bySource map[string]uuid.UUID // sourceURL -> jobID
	now      func() time.Time
}

func NewInMemoryJobStore() *InMemoryJobStore {
	return &InMemoryJobStore{
		jobs:     make(map[uuid.UUID]*core.Job),
		bySource: make(map[string]uuid.UUID),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *InMemoryJobStore) Save(_ context.Context, job *core.Job) (*core.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := job.Clone()
	if stored.ID == uuid.Nil {
		stored.ID = uuid.New()
	}
	if owner, ok := s.bySource[stored.SourceURL]; ok && owner != stored.ID {
		return nil, core.ErrDuplicateSource
	}

	now := s.now()
	if existing, ok := s.jobs[stored.ID]; ok {
		stored.CreatedAt = existing.CreatedAt
		if existing.SourceURL != stored.SourceURL {
			delete(s.bySource, existing.SourceURL)
		}
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	s.jobs[stored.ID] = stored
	s.bySource[stored.SourceURL] = stored.ID
	return stored.Clone(), nil
}

func (s *InMemoryJobStore) GetByID(_ context.Context, id uuid.UUID) (*core.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, core.ErrJobNotFound
	}
	return job.Clone(), nil
}

func (s *InMemoryJobStore) GetBySourceURL(_ context.Context, sourceURL string) (*core.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bySource[sourceURL]
	if !ok {
		return nil, core.ErrJobNotFound
	}
	return s.jobs[id].Clone(), nil
}

// List returns jobs newest first. A non-positive limit returns every match.
func (s *InMemoryJobStore) List(_ context.Context, filter core.JobFilter) ([]*core.Job, int, error) {
	s.mu.RLock()
	matched := make([]*core.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if filter.Status != nil && job.Status != *filter.Status {
			continue
		}
		matched = append(matched, job.Clone())
	}
	s.mu.RUnlock()

	slices.SortFunc(matched, func(a, b *core.Job) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID.String(), b.ID.String())
	})

	total := len(matched)
	start := min(max(filter.Offset, 0), total)
	end := total
	if filter.Limit > 0 {
		end = min(start+filter.Limit, total)
	}
	return matched[start:end], total, nil
}

func (s *InMemoryJobStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return core.ErrJobNotFound
	}
	delete(s.jobs, id)
	delete(s.bySource, job.SourceURL)
	return nil
}

func (s *InMemoryJobStore) Ping(context.Context) error {
	return nil
}
