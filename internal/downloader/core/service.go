package core

import (
	"context"

	"github.com/google/uuid"
)

// DownloadService defines the request boundary for download jobs
type DownloadService interface {
	Submit(ctx context.Context, sourceURL string) (*Job, error)
	Get(ctx context.Context, id uuid.UUID) (*Job, error)
	List(ctx context.Context, filter JobFilter) ([]*Job, int, error)
	Files(ctx context.Context, id uuid.UUID) ([]string, error)
	Remove(ctx context.Context, id uuid.UUID) error
}
