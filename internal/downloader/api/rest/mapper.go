package rest

import (
	"fmt"

	"github.com/Imperial-lord/dionysus/internal/downloader/core"
)

const (
	MessageTypeJobUpdate   = "job_update"
	MessageTypeInitialJobs = "initial_jobs"
)

func ToJobResponse(job *core.Job) JobResponse {
	self := fmt.Sprintf("/api/downloads/%s", job.ID)

	resp := JobResponse{
		JobID:     job.ID.String(),
		SourceURL: job.SourceURL,
		Status:    string(job.Status),
		Progress:  job.Progress,
		CreatedAt: job.CreatedAt,
		UpdatedAt: job.UpdatedAt,
		Links:     Links{Self: self},
	}
	if job.FilePath != "" {
		filePath := job.FilePath
		resp.FilePath = &filePath
	}
	if job.Status == core.JobStatusCompleted {
		resp.Links.Files = self + "/files"
	}
	return resp
}

func ToJobResponses(jobs []*core.Job) []JobResponse {
	out := make([]JobResponse, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, ToJobResponse(job))
	}
	return out
}

func ToJobUpdateMessage(job *core.Job) JobUpdateMessage {
	return JobUpdateMessage{
		Type: MessageTypeJobUpdate,
		Job:  ToJobResponse(job),
	}
}
