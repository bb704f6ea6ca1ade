package rest

import (
	"time"
)

type SubmitDownloadRequest struct {
	SourceURL string `json:"source_url"`
}

type JobResponse struct {
	JobID     string    `json:"job_id"`
	SourceURL string    `json:"source_url"`
	FilePath  *string   `json:"file_path"`
	Status    string    `json:"status"`
	Progress  float64   `json:"progress"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Links     Links     `json:"links"`
}

type Links struct {
	Self  string `json:"self"`
	Files string `json:"files,omitempty"`
}

type ListJobsResponse struct {
	Jobs       []JobResponse `json:"jobs"`
	Total      int           `json:"total"`
	Limit      int           `json:"limit"`
	Offset     int           `json:"offset"`
	NextOffset *int          `json:"next_offset,omitempty"`
}

type FilesResponse struct {
	JobID string   `json:"job_id"`
	Files []string `json:"files"`
}

// JobUpdateMessage is pushed to websocket clients on every job transition.
type JobUpdateMessage struct {
	Type string      `json:"type"` // "job_update"
	Job  JobResponse `json:"job"`
}

type InitialJobsMessage struct {
	Type string        `json:"type"` // "initial_jobs"
	Jobs []JobResponse `json:"jobs"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}
