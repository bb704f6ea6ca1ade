package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/Imperial-lord/dionysus/internal/downloader/core"
	"github.com/Imperial-lord/dionysus/internal/shared/logging"
)

// JobStarter begins background monitoring of an accepted job.
type JobStarter interface {
	Start(job *core.Job) *Task
}

type downloadService struct {
	store   core.JobStore
	starter JobStarter
	logger  logging.Logger
}

func NewDownloadService(store core.JobStore, starter JobStarter, logger logging.Logger) core.DownloadService {
	return &downloadService{
		store:   store,
		starter: starter,
		logger:  logger,
	}
}

func (s *downloadService) Submit(ctx context.Context, sourceURL string) (*core.Job, error) {
	if err := core.ValidateSourceURL(sourceURL); err != nil {
		return nil, err
	}

	_, err := s.store.GetBySourceURL(ctx, sourceURL)
	if err == nil {
		return nil, core.ErrDuplicateSource
	}
	if !errors.Is(err, core.ErrJobNotFound) {
		return nil, fmt.Errorf("failed to check for duplicate source: %w", err)
	}

	job, err := s.store.Save(ctx, &core.Job{
		SourceURL: sourceURL,
		Status:    core.JobStatusDownloading,
		Progress:  0,
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Submitting download", "job_id", job.ID, "source_url", sourceURL)
	s.starter.Start(job)
	return job, nil
}

func (s *downloadService) Get(ctx context.Context, id uuid.UUID) (*core.Job, error) {
	return s.store.GetByID(ctx, id)
}

func (s *downloadService) List(ctx context.Context, filter core.JobFilter) ([]*core.Job, int, error) {
	return s.store.List(ctx, filter)
}

// Files lists what a completed job left on disk.
func (s *downloadService) Files(ctx context.Context, id uuid.UUID) ([]string, error) {
	job, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != core.JobStatusCompleted {
		return nil, core.ErrJobNotCompleted
	}

	files, err := core.FindDownloadedFiles(job.FilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to list files for job %s: %w", id, err)
	}
	return files, nil
}

// Remove deletes the job record. A running download is not stopped.
func (s *downloadService) Remove(ctx context.Context, id uuid.UUID) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("Removed download", "job_id", id)
	return nil
}
