package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cascadehq/conductor/internal/jobs"
)

// Job is one runnable job method. Run receives the raw params of the
// job and returns its result.
type Job interface {
	Run(ctx context.Context, harness *Harness, params json.RawMessage) (interface{}, error)
}

// JobFunc adapts a function to the Job interface.
type JobFunc func(ctx context.Context, harness *Harness, params json.RawMessage) (interface{}, error)

// Run implements Job
func (f JobFunc) Run(ctx context.Context, harness *Harness, params json.RawMessage) (interface{}, error) {
	return f(ctx, harness, params)
}

// Registry maps job methods to their implementations.
type Registry struct {
	methods map[jobs.Method]Job
}

// NewRegistry creates a registry with the built-in methods registered.
func NewRegistry() *Registry {
	registry := &Registry{
		methods: map[jobs.Method]Job{},
	}
	registry.Register(jobs.MethodSleep, JobFunc(Sleep))
	return registry
}

// Register adds or replaces the implementation of a method.
func (r *Registry) Register(method jobs.Method, job Job) {
	r.methods[method] = job
}

// Get returns the implementation of a method.
func (r *Registry) Get(method jobs.Method) (Job, error) {
	job, ok := r.methods[method]
	if !ok {
		return nil, fmt.Errorf("no implementation for job method %q", method)
	}
	return job, nil
}

// Methods lists the registered methods.
func (r *Registry) Methods() []jobs.Method {
	methods := make([]jobs.Method, 0, len(r.methods))
	for method := range r.methods {
		methods = append(methods, method)
	}
	return methods
}

// Sleep sleeps for the number of seconds in params, logging each second
// as it passes. It exists to test the dispatch and event pipeline end
// to end, including cancellation.
func Sleep(ctx context.Context, harness *Harness, params json.RawMessage) (interface{}, error) {
	var spec struct {
		Seconds float64 `json:"seconds"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &spec); err != nil {
			return nil, fmt.Errorf("invalid sleep params: %w", err)
		}
	}
	if spec.Seconds <= 0 {
		spec.Seconds = 1
	}

	deadline := time.Now().Add(time.Duration(spec.Seconds * float64(time.Second)))
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return map[string]float64{"slept": spec.Seconds}, nil
		}

		harness.Logf(ctx, jobs.LogLevelInfo, "Slept, %.0fs remaining", remaining.Seconds())

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
