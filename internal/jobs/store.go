package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
)

// ErrJobNotFound is returned when a job cannot be found in the database.
var ErrJobNotFound = errors.New("job not found")

const jobColumns = `
	id, key, description, project, snapshot, creator, account,
	created, updated, queue_id, queue_name, parent_id, began, ended,
	status, is_active, method, params, result, error, log,
	runtime, url, worker, retries,
	callback_type, callback_id, callback_method
`

// statusRankSQL ranks a status inside a query, mirroring Status.Rank.
// Unranked statuses (REJECTED, RETRY) coalesce to zero.
const statusRankSQL = `coalesce(array_position(ARRAY[
	'WAITING','DISPATCHED','PENDING','RECEIVED','STARTED','RUNNING',
	'SUCCESS','CANCELLED','REVOKED','TERMINATED','FAILURE'
], %s), 0)`

// Store handles all database operations for jobs
type Store struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStore creates a new job Store
func NewStore(db *sqlx.DB, logger *slog.Logger) *Store {
	return &Store{
		db:     db,
		logger: logger,
	}
}

// Create inserts a new job row
func (s *Store) Create(ctx context.Context, job *Job) error {
	query := `
		INSERT INTO jobs (
			id, key, description, project, snapshot, creator, account,
			created, updated, parent_id, status, is_active, method, params,
			callback_type, callback_id, callback_method
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17
		)
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		job.ID,
		job.Key,
		job.Description,
		job.Project,
		job.Snapshot,
		job.Creator,
		job.Account,
		job.Created,
		job.Updated,
		job.ParentID,
		job.Status,
		job.IsActive,
		job.Method,
		job.Params,
		job.CallbackType,
		job.CallbackID,
		job.CallbackMethod,
	)

	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// GetByID retrieves a job by its id
func (s *Store) GetByID(ctx context.Context, jobID string) (*Job, error) {
	var job Job
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`

	err := s.db.GetContext(ctx, &job, query, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// GetByKey retrieves a job by its access key
func (s *Store) GetByKey(ctx context.Context, key string) (*Job, error) {
	var job Job
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE key = $1`

	err := s.db.GetContext(ctx, &job, query, key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job by key: %w", err)
	}

	return &job, nil
}

// Patch is a partial update of a job row. Only non-nil fields are
// written, so event handlers can set exactly the fields their event
// authoritatively knows.
type Patch struct {
	Status    *Status
	Began     *time.Time
	Ended     *time.Time
	Runtime   *float64
	Worker    *string
	Retries   *int
	Result    *types.JSONText
	Error     *types.JSONText
	Log       *types.JSONText
	URL       *string
	QueueID   *int64
	QueueName *string
}

// Apply applies a partial update to a job row as a single atomic
// field-level UPDATE.
//
// The status write is guarded by rank: a status whose rank is below the
// row's current status is left unchanged, so a delayed event (e.g. a
// late `received` after `started`) cannot regress the displayed status.
// is_active follows the same condition.
func (s *Store) Apply(ctx context.Context, jobID string, patch Patch) error {
	set := []string{"updated = NOW()"}
	args := []interface{}{}
	argIdx := 1

	add := func(column string, value interface{}) {
		set = append(set, fmt.Sprintf("%s = $%d", column, argIdx))
		args = append(args, value)
		argIdx++
	}

	if patch.Status != nil {
		newRank := fmt.Sprintf(statusRankSQL, fmt.Sprintf("$%d::text", argIdx))
		curRank := fmt.Sprintf(statusRankSQL, "status")
		cond := fmt.Sprintf("(status IS NULL OR %s >= %s)", newRank, curRank)

		set = append(set,
			fmt.Sprintf("status = CASE WHEN %s THEN $%d ELSE status END", cond, argIdx),
			fmt.Sprintf("is_active = CASE WHEN %s THEN $%d ELSE is_active END", cond, argIdx+1),
		)
		args = append(args, string(*patch.Status), !patch.Status.HasEnded())
		argIdx += 2
	}

	if patch.Began != nil {
		add("began", *patch.Began)
	}
	if patch.Ended != nil {
		add("ended", *patch.Ended)
	}
	if patch.Runtime != nil {
		add("runtime", *patch.Runtime)
	}
	if patch.Worker != nil {
		add("worker", *patch.Worker)
	}
	if patch.Retries != nil {
		add("retries", *patch.Retries)
	}
	if patch.Result != nil {
		add("result", *patch.Result)
	}
	if patch.Error != nil {
		add("error", *patch.Error)
	}
	if patch.Log != nil {
		add("log", *patch.Log)
	}
	if patch.URL != nil {
		add("url", *patch.URL)
	}
	if patch.QueueID != nil {
		add("queue_id", *patch.QueueID)
	}
	if patch.QueueName != nil {
		add("queue_name", *patch.QueueName)
	}

	query := "UPDATE jobs SET "
	for i, clause := range set {
		if i > 0 {
			query += ", "
		}
		query += clause
	}
	query += fmt.Sprintf(" WHERE id = $%d", argIdx)
	args = append(args, jobID)

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to patch job: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrJobNotFound
	}

	return nil
}

// Position returns the job's position in its queue: the count of jobs
// on the same queue that were created earlier and are still DISPATCHED,
// plus one.
func (s *Store) Position(ctx context.Context, job *Job) (int, error) {
	if job.QueueID == nil {
		return 1, nil
	}

	query := `
		SELECT COUNT(*)
		FROM jobs
		WHERE queue_id = $1
		  AND created < $2
		  AND status = $3
	`

	var count int
	err := s.db.GetContext(ctx, &count, query, *job.QueueID, job.Created, StatusDispatched)
	if err != nil {
		return 0, fmt.Errorf("failed to count queue position: %w", err)
	}

	return count + 1, nil
}

// Children returns the child jobs of a compound job in creation order.
func (s *Store) Children(ctx context.Context, parentID string) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE parent_id = $1 ORDER BY created, id`

	var children []Job
	err := s.db.SelectContext(ctx, &children, query, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list child jobs: %w", err)
	}

	return children, nil
}

// Filter describes which jobs to list
type Filter struct {
	Creator  string
	Project  string
	Method   string
	Status   string
	PageSize int
	Cursor   *Cursor
}

// Cursor is a keyset pagination cursor over (created, id)
type Cursor struct {
	Created time.Time
	JobID   string
}

// List returns jobs matching the filter, newest first, fetching one row
// beyond the page size so callers can detect whether more results exist.
func (s *Store) List(ctx context.Context, filter Filter) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.Creator != "" {
		query += fmt.Sprintf(" AND creator = $%d", argIdx)
		args = append(args, filter.Creator)
		argIdx++
	}

	if filter.Project != "" {
		query += fmt.Sprintf(" AND project = $%d", argIdx)
		args = append(args, filter.Project)
		argIdx++
	}

	if filter.Method != "" {
		query += fmt.Sprintf(" AND method = $%d", argIdx)
		args = append(args, filter.Method)
		argIdx++
	}

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created, id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.Created, filter.Cursor.JobID)
		argIdx += 2
	}

	query += " ORDER BY created DESC, id DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var jobs []Job
	err := s.db.SelectContext(ctx, &jobs, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}
