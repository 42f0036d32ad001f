package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx/types"

	"github.com/cascadehq/conductor/internal/topology"
	"github.com/cascadehq/conductor/shared/redisbackend"
)

// Broker is the subset of the message broker the job service needs:
// declaring and publishing to job queues, and broadcasting control
// messages to workers.
type Broker interface {
	DeclareJobQueue(name string) error
	PublishJob(ctx context.Context, queue string, body []byte) error
	PublishControl(ctx context.Context, body []byte) error
}

// ResultBackend reads job results that workers stored out of band.
type ResultBackend interface {
	GetResult(ctx context.Context, jobID string) (*redisbackend.Result, error)
}

// QueueSelector chooses where to dispatch jobs for an account.
type QueueSelector interface {
	// BestQueue returns the highest priority queue of the account that
	// currently has live workers, or nil when the account has none.
	BestQueue(ctx context.Context, account string) (*topology.Queue, error)
	// GetOrCreateQueue ensures a queue exists in the account's default zone.
	GetOrCreateQueue(ctx context.Context, account, name string) (*topology.Queue, error)
}

// Callback is invoked when a job leaves the active state.
type Callback func(ctx context.Context, job *Job) error

// JobMessage is the wire format of a dispatched job. Project scopes the
// working directory the job runs in.
type JobMessage struct {
	JobID   string          `json:"job_id"`
	Method  Method          `json:"method"`
	Project string          `json:"project,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// ControlMessage is the wire format of a broadcast cancellation.
type ControlMessage struct {
	JobID string `json:"job_id"`
	// Terminate is true when the job may have already started, in which
	// case the worker running it must kill it rather than just drop it.
	Terminate bool `json:"terminate"`
}

// Service implements job lifecycle operations on top of the store, the
// broker and the topology of zones, queues and workers.
type Service struct {
	store     *Store
	queues    QueueSelector
	broker    Broker
	backend   ResultBackend
	logger    *slog.Logger
	callbacks map[string]Callback

	defaultAccount string
	defaultQueue   string
}

// NewService creates a new job Service. defaultAccount and defaultQueue
// name the fallback queue used when an account has no live workers.
func NewService(
	store *Store,
	queues QueueSelector,
	broker Broker,
	backend ResultBackend,
	logger *slog.Logger,
	defaultAccount string,
	defaultQueue string,
) *Service {
	return &Service{
		store:          store,
		queues:         queues,
		broker:         broker,
		backend:        backend,
		logger:         logger,
		callbacks:      map[string]Callback{},
		defaultAccount: defaultAccount,
		defaultQueue:   defaultQueue,
	}
}

// RegisterCallback registers a callback for jobs created with the given
// callback type. It is invoked once, when the job ends.
func (s *Service) RegisterCallback(callbackType string, callback Callback) {
	s.callbacks[callbackType] = callback
}

// CreateSpec describes a job to create. Compound methods carry child
// specs; their own Params are ignored.
type CreateSpec struct {
	Description *string
	Project     *string
	Snapshot    *string
	Creator     *string
	Account     string
	Method      Method
	Params      types.JSONText
	Children    []CreateSpec

	CallbackType   *string
	CallbackID     *string
	CallbackMethod *string
}

// Create creates a job, and for compound methods its children, in
// WAITING state. Dispatch is a separate step so that callers can create
// a job tree before any of it hits a queue.
func (s *Service) Create(ctx context.Context, spec CreateSpec) (*Job, error) {
	if !spec.Method.IsMember() {
		return nil, fmt.Errorf("unknown job method %q", spec.Method)
	}
	if spec.Method.IsCompound() && len(spec.Children) == 0 {
		return nil, fmt.Errorf("compound job method %q requires children", spec.Method)
	}

	job, err := s.createJob(ctx, spec, nil)
	if err != nil {
		return nil, err
	}

	return job, nil
}

func (s *Service) createJob(ctx context.Context, spec CreateSpec, parentID *string) (*Job, error) {
	now := time.Now().UTC()
	job := &Job{
		ID:             uuid.NewString(),
		Key:            GenerateKey(),
		Description:    spec.Description,
		Project:        spec.Project,
		Snapshot:       spec.Snapshot,
		Creator:        spec.Creator,
		Account:        spec.Account,
		Created:        now,
		Updated:        now,
		ParentID:       parentID,
		Status:         StatusWaiting,
		IsActive:       true,
		Method:         spec.Method,
		Params:         spec.Params,
		CallbackType:   spec.CallbackType,
		CallbackID:     spec.CallbackID,
		CallbackMethod: spec.CallbackMethod,
	}

	if err := s.store.Create(ctx, job); err != nil {
		return nil, err
	}

	for _, child := range spec.Children {
		child.Account = spec.Account
		child.Project = spec.Project
		child.Creator = spec.Creator
		if _, err := s.createJob(ctx, child, &job.ID); err != nil {
			return nil, err
		}
	}

	return job, nil
}

// Dispatch sends a job to a queue. For compound jobs it dispatches the
// children instead: all of them for parallel, only the first for series
// and chain (the rest stay WAITING until their turn).
func (s *Service) Dispatch(ctx context.Context, job *Job) error {
	if job.HasEnded() {
		return fmt.Errorf("job %s has already ended", job.ID)
	}

	if job.Method.IsCompound() {
		return s.dispatchCompound(ctx, job)
	}

	queue, err := s.selectQueue(ctx, job.Account)
	if err != nil {
		return fmt.Errorf("failed to select queue for job %s: %w", job.ID, err)
	}

	if err := s.broker.DeclareJobQueue(queue.Name); err != nil {
		return err
	}

	message := JobMessage{
		JobID:  job.ID,
		Method: job.Method,
		Params: json.RawMessage(job.Params),
	}
	if job.Project != nil {
		message.Project = *job.Project
	}
	body, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("failed to marshal job message: %w", err)
	}

	if err := s.broker.PublishJob(ctx, queue.Name, body); err != nil {
		return fmt.Errorf("failed to publish job %s: %w", job.ID, err)
	}

	status := StatusDispatched
	if err := s.store.Apply(ctx, job.ID, Patch{
		Status:    &status,
		QueueID:   &queue.ID,
		QueueName: &queue.Name,
	}); err != nil {
		return err
	}

	s.logger.Info("Job dispatched",
		slog.String("job_id", job.ID),
		slog.String("method", string(job.Method)),
		slog.String("queue", queue.Name),
	)

	return nil
}

func (s *Service) dispatchCompound(ctx context.Context, job *Job) error {
	children, err := s.store.Children(ctx, job.ID)
	if err != nil {
		return err
	}

	for i := range children {
		child := &children[i]
		if child.HasEnded() {
			continue
		}
		if err := s.Dispatch(ctx, child); err != nil {
			return err
		}
		if job.Method != MethodParallel {
			// Series and chain run one child at a time.
			break
		}
	}

	status := StatusDispatched
	return s.store.Apply(ctx, job.ID, Patch{Status: &status})
}

// selectQueue picks the account's best queue, falling back to the
// shared default queue when the account has no live workers.
func (s *Service) selectQueue(ctx context.Context, account string) (*topology.Queue, error) {
	queue, err := s.queues.BestQueue(ctx, account)
	if err != nil {
		return nil, err
	}
	if queue != nil {
		return queue, nil
	}

	s.logger.Debug("No live queue for account, using default queue",
		slog.String("account", account),
		slog.String("default_queue", s.defaultQueue),
	)

	return s.queues.GetOrCreateQueue(ctx, s.defaultAccount, s.defaultQueue)
}

// Update applies an event-derived patch to a job and propagates the
// change: SUCCESS results are read through from the result backend,
// callbacks fire when the job ends, and compound parents are rolled up.
func (s *Service) Update(ctx context.Context, jobID string, patch Patch) error {
	job, err := s.store.GetByID(ctx, jobID)
	if err != nil {
		return err
	}

	if job.HasEnded() {
		// Events for ended jobs arrive late or duplicated; ignore them.
		s.logger.Debug("Ignoring update for ended job",
			slog.String("job_id", jobID),
			slog.String("status", string(job.Status)),
		)
		return nil
	}

	if err := s.store.Apply(ctx, jobID, patch); err != nil {
		return err
	}

	job, err = s.store.GetByID(ctx, jobID)
	if err != nil {
		return err
	}

	if job.Status == StatusSuccess && len(job.Result) == 0 && s.backend != nil {
		if err := s.fetchResult(ctx, job); err != nil {
			s.logger.Warn("Failed to fetch job result from backend",
				slog.String("job_id", jobID),
				slog.Any("error", err),
			)
		}
	}

	if job.HasEnded() {
		s.runCallback(ctx, job)
	}

	if job.ParentID != nil {
		if err := s.updateParent(ctx, *job.ParentID, job); err != nil {
			return err
		}
	}

	return nil
}

// fetchResult reads the job's result and log from the result backend
// and persists them on the job row.
func (s *Service) fetchResult(ctx context.Context, job *Job) error {
	result, err := s.backend.GetResult(ctx, job.ID)
	if err != nil {
		return err
	}

	patch := Patch{}
	if len(result.Result) > 0 {
		value := types.JSONText(result.Result)
		patch.Result = &value
	}
	if len(result.Log) > 0 {
		value := types.JSONText(result.Log)
		patch.Log = &value
	}
	if patch.Result == nil && patch.Log == nil {
		return nil
	}

	if err := s.store.Apply(ctx, job.ID, patch); err != nil {
		return err
	}

	job.Result = types.JSONText(result.Result)
	return nil
}

func (s *Service) runCallback(ctx context.Context, job *Job) {
	if job.CallbackType == nil {
		return
	}
	callback, ok := s.callbacks[*job.CallbackType]
	if !ok {
		s.logger.Warn("No callback registered for job",
			slog.String("job_id", job.ID),
			slog.String("callback_type", *job.CallbackType),
		)
		return
	}
	if err := callback(ctx, job); err != nil {
		s.logger.Error("Job callback failed",
			slog.String("job_id", job.ID),
			slog.String("callback_type", *job.CallbackType),
			slog.Any("error", err),
		)
	}
}

// updateParent recomputes a compound job from its children after one of
// them changed, dispatches the next child of a series or chain, and
// recurses upwards.
func (s *Service) updateParent(ctx context.Context, parentID string, child *Job) error {
	parent, err := s.store.GetByID(ctx, parentID)
	if err != nil {
		return err
	}
	if parent.HasEnded() {
		return nil
	}

	children, err := s.store.Children(ctx, parentID)
	if err != nil {
		return err
	}

	if parent.Method != MethodParallel && child.HasEnded() {
		if child.Status == StatusSuccess {
			if err := s.dispatchNext(ctx, parent, children, child); err != nil {
				return err
			}
		} else {
			// A failed or cancelled step dooms the rest of the sequence.
			if err := s.revokeWaiting(ctx, children); err != nil {
				return err
			}
		}

		// Re-read: dispatching or revoking changed child statuses.
		children, err = s.store.Children(ctx, parentID)
		if err != nil {
			return err
		}
	}

	patch := rollUp(children)
	if err := s.store.Apply(ctx, parentID, patch); err != nil {
		return err
	}

	parent, err = s.store.GetByID(ctx, parentID)
	if err != nil {
		return err
	}

	if parent.HasEnded() {
		s.runCallback(ctx, parent)
	}

	if parent.ParentID != nil {
		return s.updateParent(ctx, *parent.ParentID, parent)
	}

	return nil
}

// dispatchNext dispatches the first WAITING child of a series or chain.
// For chains the previous child's result is made available to the next
// child under the "previous" parameter.
func (s *Service) dispatchNext(ctx context.Context, parent *Job, children []Job, previous *Job) error {
	for i := range children {
		next := &children[i]
		if next.Status != StatusWaiting {
			continue
		}

		if parent.Method == MethodChain && len(previous.Result) > 0 {
			params, err := mergeParams(next.Params, previous.Result)
			if err != nil {
				return fmt.Errorf("failed to chain result into job %s: %w", next.ID, err)
			}
			next.Params = params
		}

		return s.Dispatch(ctx, next)
	}
	return nil
}

// revokeWaiting marks all still WAITING children as REVOKED.
func (s *Service) revokeWaiting(ctx context.Context, children []Job) error {
	status := StatusRevoked
	for i := range children {
		child := &children[i]
		if child.Status != StatusWaiting {
			continue
		}
		if err := s.store.Apply(ctx, child.ID, Patch{Status: &status}); err != nil {
			return err
		}
	}
	return nil
}

// rollUp derives a compound job's fields from its children: status is
// the highest ranked child status once all children have ended, began
// is the earliest child began, ended the latest child ended.
func rollUp(children []Job) Patch {
	patch := Patch{}

	statuses := make([]Status, 0, len(children))
	allEnded := len(children) > 0
	var began, ended *time.Time

	for i := range children {
		child := &children[i]
		statuses = append(statuses, child.Status)
		if !child.HasEnded() {
			allEnded = false
		}
		if child.Began != nil && (began == nil || child.Began.Before(*began)) {
			began = child.Began
		}
		if child.Ended != nil && (ended == nil || child.Ended.After(*ended)) {
			ended = child.Ended
		}
	}

	if began != nil {
		patch.Began = began
	}

	if allEnded {
		status := Highest(statuses)
		patch.Status = &status
		if ended != nil {
			patch.Ended = ended
			if began != nil {
				runtime := ended.Sub(*began).Seconds()
				patch.Runtime = &runtime
			}
		}
	} else {
		// At least one child is still going; report the parent as the
		// highest non-terminal progress among them.
		running := StatusRunning
		dispatched := StatusDispatched
		for _, status := range statuses {
			if status == StatusStarted || status == StatusRunning {
				patch.Status = &running
				break
			}
		}
		if patch.Status == nil {
			patch.Status = &dispatched
		}
	}

	return patch
}

// mergeParams merges a previous result into a params object under the
// "previous" key. Nil params become a fresh object.
func mergeParams(params types.JSONText, result types.JSONText) (types.JSONText, error) {
	merged := map[string]json.RawMessage{}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &merged); err != nil {
			return nil, err
		}
	}
	merged["previous"] = json.RawMessage(result)

	out, err := json.Marshal(merged)
	if err != nil {
		return nil, err
	}
	return types.JSONText(out), nil
}

// Cancel cancels a job. Jobs that may have started are terminated on
// the worker via a broadcast control message; compound jobs cancel all
// of their unfinished children.
func (s *Service) Cancel(ctx context.Context, job *Job) error {
	if job.HasEnded() {
		return nil
	}

	if job.Method.IsCompound() {
		children, err := s.store.Children(ctx, job.ID)
		if err != nil {
			return err
		}
		for i := range children {
			child := &children[i]
			if child.HasEnded() {
				continue
			}
			if err := s.Cancel(ctx, child); err != nil {
				return err
			}
		}
	} else if job.Status != StatusWaiting {
		// The job is, or soon will be, on a worker; tell all workers to
		// drop or kill it.
		message := ControlMessage{
			JobID:     job.ID,
			Terminate: job.Began != nil || job.Status.Rank() >= StatusStarted.Rank(),
		}
		body, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal control message: %w", err)
		}
		if err := s.broker.PublishControl(ctx, body); err != nil {
			return fmt.Errorf("failed to publish cancellation for job %s: %w", job.ID, err)
		}
	}

	status := StatusCancelled
	if job.Status == StatusWaiting {
		status = StatusRevoked
	}
	if err := s.store.Apply(ctx, job.ID, Patch{Status: &status}); err != nil {
		return err
	}

	s.logger.Info("Job cancelled",
		slog.String("job_id", job.ID),
		slog.String("status", string(status)),
	)

	return nil
}

// Position returns the job's place in its queue for status messages.
func (s *Service) Position(ctx context.Context, job *Job) (int, error) {
	return s.store.Position(ctx, job)
}
