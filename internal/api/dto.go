package api

import (
	"dvermarket/catalogworker/internal/store"
)

// scrapeRequest is the optional body of POST /api/v1/scrape.
type scrapeRequest struct {
	Vendors []string `json:"vendors"`
}

type jobListResponse struct {
	Jobs []store.JobRecord `json:"jobs"`
}

type importLogListResponse struct {
	ImportLogs []store.ImportLog `json:"import_logs"`
}

// enqueueResponse acknowledges an accepted job.
type enqueueResponse struct {
	JobID   string   `json:"job_id"`
	Vendors []string `json:"vendors,omitempty"`
	Message string   `json:"message"`
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type healthResponse struct {
	Status string `json:"status"`
}
