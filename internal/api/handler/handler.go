package handler

import (
	"log/slog"

	"github.com/cascadehq/conductor/internal/jobs"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger  *slog.Logger
	Store   *jobs.Store
	Service *jobs.Service
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger  *slog.Logger
	store   *jobs.Store
	service *jobs.Service
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:  deps.Logger,
		store:   deps.Store,
		service: deps.Service,
	}
}
