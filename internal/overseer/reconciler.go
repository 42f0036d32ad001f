package overseer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jmoiron/sqlx/types"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cascadehq/conductor/internal/jobs"
	"github.com/cascadehq/conductor/internal/topology"
)

// JobUpdater applies event-derived patches to jobs.
type JobUpdater interface {
	Update(ctx context.Context, jobID string, patch jobs.Patch) error
}

// WorkerRegistry records worker lifecycles and their queues.
type WorkerRegistry interface {
	GetOrCreateWorker(ctx context.Context, worker *topology.Worker) (*topology.Worker, error)
	GetOrCreateQueue(ctx context.Context, account, name string) (*topology.Queue, error)
	SetWorkerQueues(ctx context.Context, workerID int64, queueIDs []int64) error
	RecordHeartbeat(ctx context.Context, heartbeat *topology.Heartbeat) error
	FinishWorker(ctx context.Context, signature string) error
}

// EventSource consumes deliveries from the events exchange.
type EventSource interface {
	ConsumeEvents(consumerTag string, bindingKeys ...string) (<-chan amqp.Delivery, error)
}

// Reconciler consumes the event stream and reconciles the database
// state of jobs and workers with it.
type Reconciler struct {
	jobs    JobUpdater
	workers WorkerRegistry
	source  EventSource
	metrics *Metrics
	logger  *slog.Logger
}

// NewReconciler creates a new Reconciler
func NewReconciler(
	jobUpdater JobUpdater,
	workers WorkerRegistry,
	source EventSource,
	metrics *Metrics,
	logger *slog.Logger,
) *Reconciler {
	return &Reconciler{
		jobs:    jobUpdater,
		workers: workers,
		source:  source,
		metrics: metrics,
		logger:  logger,
	}
}

// Run consumes events until the context is cancelled or the stream
// closes. Individual event failures are logged and skipped: one bad
// event must not stall the stream.
func (r *Reconciler) Run(ctx context.Context) error {
	deliveries, err := r.source.ConsumeEvents("overseer", "task.#", "worker.#")
	if err != nil {
		return fmt.Errorf("failed to consume events: %w", err)
	}

	r.logger.Info("Reconciler started")

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Reconciler stopping")
			return nil
		case delivery, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("event stream closed")
			}
			if err := r.Handle(ctx, delivery.RoutingKey, delivery.Body); err != nil {
				r.logger.Error("Failed to handle event",
					slog.String("routing_key", delivery.RoutingKey),
					slog.Any("error", err),
				)
			}
		}
	}
}

// Handle reconciles one event given its routing key and body.
func (r *Reconciler) Handle(ctx context.Context, routingKey string, body []byte) error {
	started := time.Now()
	defer func() {
		r.metrics.EventsHandled.WithLabelValues(routingKey).Inc()
		r.metrics.EventSeconds.Observe(time.Since(started).Seconds())
	}()

	kind, ok := strings.CutPrefix(routingKey, "task.")
	if ok {
		var event TaskEvent
		if err := json.Unmarshal(body, &event); err != nil {
			return fmt.Errorf("failed to parse task event: %w", err)
		}
		return r.handleTask(ctx, kind, &event)
	}

	kind, ok = strings.CutPrefix(routingKey, "worker.")
	if ok {
		var event WorkerEvent
		if err := json.Unmarshal(body, &event); err != nil {
			return fmt.Errorf("failed to parse worker event: %w", err)
		}
		return r.handleWorker(ctx, kind, &event)
	}

	r.logger.Warn("Unrecognized event routing key",
		slog.String("routing_key", routingKey),
	)
	return nil
}

func (r *Reconciler) handleTask(ctx context.Context, kind string, event *TaskEvent) error {
	patch, err := taskPatch(kind, event)
	if err != nil {
		return err
	}
	if patch == nil {
		return nil
	}

	err = r.jobs.Update(ctx, event.UUID, *patch)
	if errors.Is(err, jobs.ErrJobNotFound) {
		// Events can outlive their job, e.g. after a manual delete.
		r.logger.Warn("Event for unknown job",
			slog.String("job_id", event.UUID),
			slog.String("kind", kind),
		)
		return nil
	}
	return err
}

// taskPatch maps a task event to the job fields it authoritatively
// sets. Returns nil for events that change nothing.
func taskPatch(kind string, event *TaskEvent) (*jobs.Patch, error) {
	eventTime := event.Time()

	switch kind {
	case "sent":
		return statusPatch(jobs.StatusPending), nil

	case "received":
		patch := statusPatch(jobs.StatusReceived)
		patch.Worker = &event.Hostname
		patch.Retries = &event.Retries
		return patch, nil

	case "started":
		patch := statusPatch(jobs.StatusStarted)
		patch.Began = &eventTime
		return patch, nil

	case "succeeded":
		patch := statusPatch(jobs.StatusSuccess)
		patch.Ended = &eventTime
		patch.Runtime = &event.Runtime
		if len(event.Result) > 0 {
			result := types.JSONText(event.Result)
			patch.Result = &result
		}
		return patch, nil

	case "failed":
		patch := statusPatch(jobs.StatusFailure)
		patch.Ended = &eventTime
		errJSON, err := json.Marshal(map[string]string{
			"message": event.Exception,
			"trace":   event.Traceback,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to marshal job error: %w", err)
		}
		jobError := types.JSONText(errJSON)
		patch.Error = &jobError
		return patch, nil

	case "revoked":
		status := jobs.StatusRevoked
		if event.Terminated {
			status = jobs.StatusTerminated
		}
		patch := statusPatch(status)
		patch.Ended = &eventTime
		return patch, nil

	case "retried":
		patch := statusPatch(jobs.StatusRetry)
		patch.Retries = &event.Retries
		return patch, nil

	case "rejected":
		return statusPatch(jobs.StatusRejected), nil

	case "updated":
		patch := &jobs.Patch{}
		if len(event.Log) > 0 {
			log := types.JSONText(event.Log)
			patch.Log = &log
		}
		if event.URL != "" {
			patch.URL = &event.URL
		}
		// A job that is reporting progress is running.
		running := jobs.StatusRunning
		patch.Status = &running
		return patch, nil
	}

	return nil, fmt.Errorf("unrecognized task event kind %q", kind)
}

func statusPatch(status jobs.Status) *jobs.Patch {
	return &jobs.Patch{Status: &status}
}

func (r *Reconciler) handleWorker(ctx context.Context, kind string, event *WorkerEvent) error {
	signature := topology.Signature(
		event.Hostname,
		event.UTCOffset,
		event.PID,
		event.Freq,
		event.Software(),
		event.SwSys,
	)

	switch kind {
	case "online":
		details, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to marshal worker details: %w", err)
		}
		worker, err := r.workers.GetOrCreateWorker(ctx, &topology.Worker{
			Hostname:  event.Hostname,
			UTCOffset: event.UTCOffset,
			PID:       event.PID,
			Freq:      event.Freq,
			Software:  event.Software(),
			OS:        event.SwSys,
			Details:   details,
			Signature: signature,
		})
		if err != nil {
			return err
		}

		queueIDs := make([]int64, 0, len(event.Queues))
		for _, workerQueue := range event.Queues {
			queue, err := r.workers.GetOrCreateQueue(ctx, workerQueue.Account, workerQueue.Name)
			if err != nil {
				// One bad queue must not lose the rest of the event.
				r.logger.Error("Skipping worker queue",
					slog.String("account", workerQueue.Account),
					slog.String("queue", workerQueue.Name),
					slog.Any("error", err),
				)
				continue
			}
			queueIDs = append(queueIDs, queue.ID)
		}
		if err := r.workers.SetWorkerQueues(ctx, worker.ID, queueIDs); err != nil {
			return err
		}

		r.logger.Info("Worker online",
			slog.String("hostname", event.Hostname),
			slog.Int("pid", event.PID),
			slog.Int("queues", len(event.Queues)),
		)
		return nil

	case "heartbeat":
		// A heartbeat also revives a worker whose online event was missed.
		worker, err := r.workers.GetOrCreateWorker(ctx, &topology.Worker{
			Hostname:  event.Hostname,
			UTCOffset: event.UTCOffset,
			PID:       event.PID,
			Freq:      event.Freq,
			Software:  event.Software(),
			OS:        event.SwSys,
			Signature: signature,
		})
		if err != nil {
			return err
		}

		load, err := json.Marshal(event.Load)
		if err != nil {
			return fmt.Errorf("failed to marshal worker load: %w", err)
		}
		return r.workers.RecordHeartbeat(ctx, &topology.Heartbeat{
			WorkerID:  worker.ID,
			Time:      event.Time(),
			Clock:     event.Clock,
			Active:    event.Active,
			Processed: event.Processed,
			Load:      load,
		})

	case "offline":
		r.logger.Info("Worker offline",
			slog.String("hostname", event.Hostname),
			slog.Int("pid", event.PID),
		)
		return r.workers.FinishWorker(ctx, signature)
	}

	return fmt.Errorf("unrecognized worker event kind %q", kind)
}
