package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cascadehq/conductor/internal/config"
	"github.com/cascadehq/conductor/internal/jobs"
	"github.com/cascadehq/conductor/internal/overseer"
	"github.com/cascadehq/conductor/internal/topology"
	"github.com/cascadehq/conductor/shared/redisbackend"
)

const (
	softwareIdent   = "conductor-worker"
	softwareVersion = "0.1.0"
)

// Broker is the subset of the message broker the runner needs.
type Broker interface {
	DeclareJobQueue(name string) error
	PublishEvent(ctx context.Context, routingKey string, body []byte) error
	ConsumeQueue(queue, consumerTag string, prefetch int) (<-chan amqp.Delivery, error)
	ConsumeControl(consumerTag string) (<-chan amqp.Delivery, error)
	Ack(deliveryTag uint64) error
	Nack(deliveryTag uint64, requeue bool) error
}

// ResultStore persists job results for the job service to read back.
type ResultStore interface {
	StoreResult(ctx context.Context, jobID string, result *redisbackend.Result) error
}

// Runner consumes job messages from the configured queues, runs them
// through the method registry and reports their lifecycle on the
// events exchange.
type Runner struct {
	config   config.WorkerConfig
	broker   Broker
	backend  ResultStore
	registry *Registry
	logger   *slog.Logger

	hostname  string
	pid       int
	utcOffset int
	started   time.Time

	mu         sync.Mutex
	clock      int64
	processed  int
	cancels    map[string]context.CancelFunc
	terminated map[string]bool
	dropped    map[string]bool

	wg sync.WaitGroup
}

// NewRunner creates a new worker Runner.
func NewRunner(
	cfg config.WorkerConfig,
	broker Broker,
	backend ResultStore,
	registry *Registry,
	logger *slog.Logger,
) (*Runner, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("failed to get hostname: %w", err)
	}

	_, offsetSeconds := time.Now().Zone()

	return &Runner{
		config:     cfg,
		broker:     broker,
		backend:    backend,
		registry:   registry,
		logger:     logger,
		hostname:   hostname,
		pid:        os.Getpid(),
		utcOffset:  offsetSeconds / 3600,
		started:    time.Now(),
		cancels:    map[string]context.CancelFunc{},
		terminated: map[string]bool{},
		dropped:    map[string]bool{},
	}, nil
}

// Run declares the configured queues, announces the worker and
// consumes jobs until the context is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	for _, queue := range r.config.Queues {
		if _, err := topology.ParseQueueName(queue); err != nil {
			return err
		}
		if err := r.broker.DeclareJobQueue(queue); err != nil {
			return err
		}
	}

	if err := r.emitWorker(ctx, "online"); err != nil {
		return fmt.Errorf("failed to announce worker: %w", err)
	}

	deliveries := make(chan amqp.Delivery)
	for _, queue := range r.config.Queues {
		tag := fmt.Sprintf("%s-%d-%s", r.hostname, r.pid, queue)
		stream, err := r.broker.ConsumeQueue(queue, tag, r.config.Concurrency)
		if err != nil {
			return err
		}

		r.wg.Add(1)
		go func(stream <-chan amqp.Delivery) {
			defer r.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case delivery, ok := <-stream:
					if !ok {
						return
					}
					select {
					case <-ctx.Done():
						return
					case deliveries <- delivery:
					}
				}
			}
		}(stream)
	}

	controls, err := r.broker.ConsumeControl(fmt.Sprintf("%s-%d-control", r.hostname, r.pid))
	if err != nil {
		return err
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.consumeControl(ctx, controls)
	}()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.heartbeat(ctx)
	}()

	for i := 0; i < r.config.Concurrency; i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case delivery := <-deliveries:
					r.process(ctx, delivery)
				}
			}
		}()
	}

	r.logger.Info("Worker started",
		slog.String("hostname", r.hostname),
		slog.Int("pid", r.pid),
		slog.Any("queues", r.config.Queues),
		slog.Int("concurrency", r.config.Concurrency),
	)

	<-ctx.Done()
	return r.shutdown()
}

// shutdown waits for in-flight jobs and announces the worker offline.
// The offline event uses a fresh context since the run context is gone.
func (r *Runner) shutdown() error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(r.config.ShutdownTimeout):
		r.logger.Warn("Shutdown timeout reached with jobs still in flight")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.emitWorker(ctx, "offline"); err != nil {
		r.logger.Error("Failed to announce worker offline", slog.Any("error", err))
	}

	r.logger.Info("Worker stopped")
	return nil
}

// process runs one delivered job message.
func (r *Runner) process(ctx context.Context, delivery amqp.Delivery) {
	var message jobs.JobMessage
	if err := json.Unmarshal(delivery.Body, &message); err != nil {
		r.logger.Error("Discarding malformed job message", slog.Any("error", err))
		if err := r.broker.Nack(delivery.DeliveryTag, false); err != nil {
			r.logger.Error("Failed to nack message", slog.Any("error", err))
		}
		return
	}

	defer func() {
		if err := r.broker.Ack(delivery.DeliveryTag); err != nil {
			r.logger.Error("Failed to ack message",
				slog.String("job_id", message.JobID),
				slog.Any("error", err),
			)
		}
	}()

	if r.wasDropped(message.JobID) {
		r.emitTask(ctx, "revoked", overseer.TaskEvent{
			UUID: message.JobID,
		})
		return
	}

	r.emitTask(ctx, "received", overseer.TaskEvent{UUID: message.JobID})

	implementation, err := r.registry.Get(message.Method)
	if err != nil {
		r.emitTask(ctx, "failed", overseer.TaskEvent{
			UUID:      message.JobID,
			Exception: err.Error(),
		})
		return
	}

	jobCtx, cancel := context.WithTimeout(ctx, r.config.JobTimeout)
	r.registerCancel(message.JobID, cancel)
	defer r.unregisterCancel(message.JobID)

	harness := NewHarness(message.JobID, r, r.logger)

	r.emitTask(ctx, "started", overseer.TaskEvent{UUID: message.JobID})

	began := time.Now()
	var result interface{}
	runErr := InDir(r.workingDir(message), func() error {
		var err error
		result, err = implementation.Run(jobCtx, harness, json.RawMessage(message.Params))
		return err
	})
	elapsed := time.Since(began).Seconds()

	switch {
	case runErr != nil && errors.Is(jobCtx.Err(), context.Canceled) && r.wasTerminated(message.JobID):
		r.emitTask(ctx, "revoked", overseer.TaskEvent{
			UUID:       message.JobID,
			Terminated: true,
		})

	case runErr != nil:
		r.emitTask(ctx, "failed", overseer.TaskEvent{
			UUID:      message.JobID,
			Runtime:   elapsed,
			Exception: runErr.Error(),
		})

	default:
		if err := r.storeResult(ctx, message.JobID, result, harness.Entries()); err != nil {
			r.logger.Error("Failed to store job result",
				slog.String("job_id", message.JobID),
				slog.Any("error", err),
			)
		}
		r.emitTask(ctx, "succeeded", overseer.TaskEvent{
			UUID:    message.JobID,
			Runtime: elapsed,
		})
	}

	r.mu.Lock()
	r.processed++
	r.mu.Unlock()
}

// storeResult normalizes a job's output to the `{result, log}` shape
// and persists it in the result backend.
func (r *Runner) storeResult(ctx context.Context, jobID string, result interface{}, entries []jobs.LogEntry) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	logJSON, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to marshal log: %w", err)
	}
	return r.backend.StoreResult(ctx, jobID, &redisbackend.Result{
		Result: resultJSON,
		Log:    logJSON,
	})
}

// workingDir scopes a job to its project's directory, or to a directory
// of its own when it has no project.
func (r *Runner) workingDir(message jobs.JobMessage) string {
	if message.Project != "" {
		return filepath.Join(r.config.WorkingDir, "projects", message.Project)
	}
	return filepath.Join(r.config.WorkingDir, "jobs", message.JobID)
}

// consumeControl handles broadcast cancellations. A control message for
// a job this worker is running cancels it; one for a job still queued
// here marks it to be dropped on delivery.
func (r *Runner) consumeControl(ctx context.Context, controls <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-controls:
			if !ok {
				return
			}

			var message jobs.ControlMessage
			if err := json.Unmarshal(delivery.Body, &message); err != nil {
				r.logger.Error("Discarding malformed control message", slog.Any("error", err))
				continue
			}

			r.mu.Lock()
			cancel, running := r.cancels[message.JobID]
			if running && message.Terminate {
				r.terminated[message.JobID] = true
			}
			if !running {
				r.dropped[message.JobID] = true
			}
			r.mu.Unlock()

			if running && message.Terminate {
				r.logger.Info("Terminating job",
					slog.String("job_id", message.JobID),
				)
				cancel()
			}
		}
	}
}

// heartbeat announces the worker on a fixed interval.
func (r *Runner) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(r.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.emitWorker(ctx, "heartbeat"); err != nil {
				r.logger.Warn("Failed to emit heartbeat", slog.Any("error", err))
			}
		}
	}
}

func (r *Runner) registerCancel(jobID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels[jobID] = cancel
}

func (r *Runner) unregisterCancel(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cancel, ok := r.cancels[jobID]; ok {
		cancel()
		delete(r.cancels, jobID)
	}
	delete(r.terminated, jobID)
}

func (r *Runner) wasTerminated(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.terminated[jobID]
}

func (r *Runner) wasDropped(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.dropped[jobID] {
		delete(r.dropped, jobID)
		return true
	}
	return false
}

// emitWorker publishes a worker lifecycle event.
func (r *Runner) emitWorker(ctx context.Context, kind string) error {
	r.mu.Lock()
	r.clock++
	event := overseer.WorkerEvent{
		Hostname:  r.hostname,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
		UTCOffset: r.utcOffset,
		PID:       r.pid,
		Freq:      r.config.HeartbeatInterval.Seconds(),
		SwIdent:   softwareIdent,
		SwVer:     softwareVersion,
		SwSys:     runtime.GOOS,
		Clock:     r.clock,
		Active:    len(r.cancels),
		Processed: r.processed,
	}
	r.mu.Unlock()

	if kind == "online" {
		for _, queue := range r.config.Queues {
			event.Queues = append(event.Queues, overseer.WorkerQueue{
				Account: r.config.Account,
				Name:    queue,
			})
		}
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal worker event: %w", err)
	}
	return r.broker.PublishEvent(ctx, "worker."+kind, body)
}

// emitTask publishes a task lifecycle event, filling in the fields
// common to all of them.
func (r *Runner) emitTask(ctx context.Context, kind string, event overseer.TaskEvent) {
	event.Hostname = r.hostname
	event.Timestamp = float64(time.Now().UnixNano()) / float64(time.Second)

	body, err := json.Marshal(event)
	if err != nil {
		r.logger.Error("Failed to marshal task event", slog.Any("error", err))
		return
	}
	if err := r.broker.PublishEvent(ctx, "task."+kind, body); err != nil {
		r.logger.Error("Failed to publish task event",
			slog.String("kind", kind),
			slog.String("job_id", event.UUID),
			slog.Any("error", err),
		)
	}
}

// EmitUpdated implements Emitter: job progress flows out as a
// task.updated event carrying the whole log and the job's URL.
func (r *Runner) EmitUpdated(ctx context.Context, jobID string, entries []jobs.LogEntry, url string) error {
	log, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to marshal job log: %w", err)
	}

	event := overseer.TaskEvent{
		UUID:      jobID,
		Hostname:  r.hostname,
		Timestamp: float64(time.Now().UnixNano()) / float64(time.Second),
		Log:       log,
		URL:       url,
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal task event: %w", err)
	}
	return r.broker.PublishEvent(ctx, "task.updated", body)
}
