package core

import (
	"time"

	"github.com/google/uuid"
)

type JobStatus string

const (
	JobStatusDownloading JobStatus = "DOWNLOADING"
	JobStatusCompleted   JobStatus = "COMPLETED"
	JobStatusError       JobStatus = "ERROR"
)

// IsTerminal reports whether no further mutation may happen in this status.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusError
}

func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusDownloading, JobStatusCompleted, JobStatusError:
		return true
	}
	return false
}

// Job is a single retrieval tracked from submission to a terminal status.
type Job struct {
	ID        uuid.UUID
	SourceURL string
	FilePath  string // empty until the job completes
	Status    JobStatus
	Progress  float64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a copy that can be mutated without touching the original.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	return &c
}

type JobFilter struct {
	Status *JobStatus
	Limit  int
	Offset int
}

// FailureReason classifies why a background job ended in ERROR.
type FailureReason string

const (
	FailureProcess                FailureReason = "PROCESS_FAILURE"
	FailureInconsistentCompletion FailureReason = "INCONSISTENT_COMPLETION"
	FailureIncompleteStream       FailureReason = "INCOMPLETE_STREAM"
)
