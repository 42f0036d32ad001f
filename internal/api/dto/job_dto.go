package dto

import "encoding/json"

// CreateJobRequest creates a job. Compound methods (parallel, series,
// chain) carry children instead of params.
type CreateJobRequest struct {
	Account     string             `json:"account" binding:"required"`
	Method      string             `json:"method" binding:"required"`
	Description string             `json:"description"`
	Project     string             `json:"project"`
	Snapshot    string             `json:"snapshot"`
	Creator     string             `json:"creator"`
	Params      json.RawMessage    `json:"params"`
	Children    []CreateJobRequest `json:"children"`
}

// ListJobsRequest filters and paginates the job list.
type ListJobsRequest struct {
	Creator  string `form:"creator"`
	Project  string `form:"project"`
	Method   string `form:"method"`
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

// JobDTO is the read-only view of a job.
type JobDTO struct {
	ID            string          `json:"id"`
	Key           string          `json:"key"`
	Account       string          `json:"account"`
	Method        string          `json:"method"`
	Status        string          `json:"status"`
	IsActive      bool            `json:"is_active"`
	Description   *string         `json:"description,omitempty"`
	Project       *string         `json:"project,omitempty"`
	Creator       *string         `json:"creator,omitempty"`
	Queue         *string         `json:"queue,omitempty"`
	Parent        *string         `json:"parent,omitempty"`
	Created       string          `json:"created"`
	Began         *string         `json:"began,omitempty"`
	Ended         *string         `json:"ended,omitempty"`
	Runtime       *float64        `json:"runtime,omitempty"`
	RuntimeText   string          `json:"runtime_formatted"`
	Params        json.RawMessage `json:"params,omitempty"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         json.RawMessage `json:"error,omitempty"`
	Log           json.RawMessage `json:"log,omitempty"`
	URL           *string         `json:"url,omitempty"`
	Worker        *string         `json:"worker,omitempty"`
	Position      int             `json:"position,omitempty"`
	StatusMessage string          `json:"status_message"`
	Summary       string          `json:"summary"`
	Icon          string          `json:"icon"`
	Colour        string          `json:"colour"`
	Children      []JobDTO        `json:"children,omitempty"`
}

// ListJobsResponse is a page of jobs with the cursor to the next page.
type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}
