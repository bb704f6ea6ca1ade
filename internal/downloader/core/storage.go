package core

import (
	"context"

	"github.com/google/uuid"
)

// JobStateStore is the narrow view the orchestrator needs: load the latest
// snapshot and persist a mutated one.
type JobStateStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Job, error)
	Save(ctx context.Context, job *Job) (*Job, error)
}

type JobStore interface {
	JobStateStore

	GetBySourceURL(ctx context.Context, sourceURL string) (*Job, error)
	List(ctx context.Context, filter JobFilter) ([]*Job, int, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Ping(ctx context.Context) error
}

// JobObserver is notified after every persisted job transition.
type JobObserver interface {
	JobUpdated(job *Job)
}
