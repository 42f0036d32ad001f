package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"

	"github.com/cascadehq/conductor/internal/api/dto"
	"github.com/cascadehq/conductor/internal/jobs"
)

// CreateJob handles POST /api/v1/jobs
// Creates a job (and its children for compound methods) and dispatches it.
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("Invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
		})
		return
	}

	spec, err := toCreateSpec(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
		})
		return
	}

	job, err := h.service.Create(c.Request.Context(), spec)
	if err != nil {
		h.logger.Error("Failed to create job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to create job",
		})
		return
	}

	if err := h.service.Dispatch(c.Request.Context(), job); err != nil {
		h.logger.Error("Failed to dispatch job",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to dispatch job",
		})
		return
	}

	// Re-read: dispatch set the queue and status.
	job, err = h.store.GetByID(c.Request.Context(), job.ID)
	if err != nil {
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	c.JSON(http.StatusCreated, h.toDTO(c, job, false))
}

func toCreateSpec(req dto.CreateJobRequest) (jobs.CreateSpec, error) {
	method := jobs.Method(req.Method)
	if !method.IsMember() {
		return jobs.CreateSpec{}, errors.New("unknown job method")
	}

	spec := jobs.CreateSpec{
		Account: req.Account,
		Method:  method,
		Params:  types.JSONText(req.Params),
	}
	if req.Description != "" {
		spec.Description = &req.Description
	}
	if req.Project != "" {
		spec.Project = &req.Project
	}
	if req.Snapshot != "" {
		spec.Snapshot = &req.Snapshot
	}
	if req.Creator != "" {
		spec.Creator = &req.Creator
	}

	for _, child := range req.Children {
		child.Account = req.Account
		childSpec, err := toCreateSpec(child)
		if err != nil {
			return jobs.CreateSpec{}, err
		}
		spec.Children = append(spec.Children, childSpec)
	}

	return spec, nil
}

// GetJob handles GET /api/v1/jobs/:job_id
// The path parameter is either the job's id or its access key.
func (h *JobHandler) GetJob(c *gin.Context) {
	job := h.lookupJob(c)
	if job == nil {
		return
	}

	c.JSON(http.StatusOK, h.toDTO(c, job, true))
}

// ListJobs handles GET /api/v1/jobs
// Lists jobs with optional filtering and cursor pagination.
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.logger.Error("Invalid query parameters", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid query parameters",
		})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = 20
	}
	if req.PageSize > 100 {
		req.PageSize = 100
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		h.logger.Error("Invalid cursor", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid cursor",
		})
		return
	}

	filter := jobs.Filter{
		Creator:  req.Creator,
		Project:  req.Project,
		Method:   req.Method,
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	}

	list, err := h.store.List(c.Request.Context(), filter)
	if err != nil {
		h.logger.Error("Failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to list jobs",
		})
		return
	}

	hasMore := len(list) > req.PageSize
	if hasMore {
		list = list[:req.PageSize]
	}

	jobResponse := make([]dto.JobDTO, len(list))
	for i := range list {
		jobResponse[i] = h.toDTO(c, &list[i], false)
	}

	var nextCursor string
	if hasMore {
		last := list[len(list)-1]
		nextCursor = EncodeJobCursor(&jobs.Cursor{
			Created: last.Created,
			JobID:   last.ID,
		})
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{
		Jobs:       jobResponse,
		NextCursor: nextCursor,
	})
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel
// Cancellation is a request: the terminal state lands asynchronously
// through the event stream, so the response usually shows CANCELLED
// with the worker-side termination still in flight.
func (h *JobHandler) CancelJob(c *gin.Context) {
	job := h.lookupJob(c)
	if job == nil {
		return
	}

	if err := h.service.Cancel(c.Request.Context(), job); err != nil {
		h.logger.Error("Failed to cancel job",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to cancel job",
		})
		return
	}

	job, err := h.store.GetByID(c.Request.Context(), job.ID)
	if err != nil {
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return
	}

	c.JSON(http.StatusOK, h.toDTO(c, job, false))
}

// ConnectJob handles GET /api/v1/jobs/:job_id/connect
// Redirects to the URL of a running job, e.g. a session.
func (h *JobHandler) ConnectJob(c *gin.Context) {
	job := h.lookupJob(c)
	if job == nil {
		return
	}

	if job.URL == nil || *job.URL == "" {
		c.JSON(http.StatusConflict, gin.H{
			"error": "Job has no URL to connect to",
		})
		return
	}

	c.Redirect(http.StatusTemporaryRedirect, *job.URL)
}

// lookupJob resolves the :job_id path parameter to a job, by id when it
// is a UUID, by access key otherwise. Writes the error response and
// returns nil when the job cannot be found.
func (h *JobHandler) lookupJob(c *gin.Context) *jobs.Job {
	param := c.Param("job_id")
	if param == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "job_id is required",
		})
		return nil
	}

	var job *jobs.Job
	var err error
	if _, parseErr := uuid.Parse(param); parseErr == nil {
		job, err = h.store.GetByID(c.Request.Context(), param)
	} else {
		job, err = h.store.GetByKey(c.Request.Context(), param)
	}

	if errors.Is(err, jobs.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "Job not found",
		})
		return nil
	}
	if err != nil {
		h.logger.Error("Failed to get job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": "Failed to get job",
		})
		return nil
	}

	return job
}

// toDTO builds the read-only view of a job. withChildren loads the
// children of compound jobs one level deep.
func (h *JobHandler) toDTO(c *gin.Context, job *jobs.Job, withChildren bool) dto.JobDTO {
	position := 0
	if job.Status == jobs.StatusDispatched {
		var err error
		position, err = h.store.Position(c.Request.Context(), job)
		if err != nil {
			h.logger.Warn("Failed to get queue position",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
			position = 1
		}
	}

	runtimeSeconds := job.RuntimeSeconds()

	view := dto.JobDTO{
		ID:            job.ID,
		Key:           job.Key,
		Account:       job.Account,
		Method:        string(job.Method),
		Status:        string(job.Status),
		IsActive:      job.IsActive,
		Description:   job.Description,
		Project:       job.Project,
		Creator:       job.Creator,
		Queue:         job.QueueName,
		Parent:        job.ParentID,
		Created:       job.Created.Format(time.RFC3339),
		Runtime:       &runtimeSeconds,
		RuntimeText:   job.RuntimeFormatted(),
		Params:        json.RawMessage(job.Params),
		Result:        json.RawMessage(job.Result),
		Error:         json.RawMessage(job.Error),
		Log:           json.RawMessage(job.Log),
		URL:           job.URL,
		Worker:        job.Worker,
		Position:      position,
		StatusMessage: job.StatusMessage(position),
		Summary:       job.SummaryString(),
		Icon:          job.Status.Icon(),
		Colour:        job.Status.Colour(),
	}

	if job.Began != nil {
		began := job.Began.Format(time.RFC3339)
		view.Began = &began
	}
	if job.Ended != nil {
		ended := job.Ended.Format(time.RFC3339)
		view.Ended = &ended
	}

	if withChildren && job.Method.IsCompound() {
		children, err := h.store.Children(c.Request.Context(), job.ID)
		if err != nil {
			h.logger.Warn("Failed to list child jobs",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
		for i := range children {
			view.Children = append(view.Children, h.toDTO(c, &children[i], false))
		}
	}

	return view
}
