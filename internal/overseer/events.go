package overseer

import (
	"encoding/json"
	"fmt"
	"time"
)

// TaskEvent is a job lifecycle event published by a worker on the
// events exchange with a "task.<kind>" routing key.
type TaskEvent struct {
	UUID      string  `json:"uuid"`
	Hostname  string  `json:"hostname"`
	Timestamp float64 `json:"timestamp"`

	// Runtime and Result are set on task.succeeded.
	Runtime float64         `json:"runtime,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`

	// Exception and Traceback are set on task.failed.
	Exception string `json:"exception,omitempty"`
	Traceback string `json:"traceback,omitempty"`

	// Retries is set on task.received and task.retried.
	Retries int `json:"retries,omitempty"`

	// Terminated distinguishes a revocation that killed a running job
	// from one that dropped a queued job.
	Terminated bool `json:"terminated,omitempty"`

	// Log and URL are set on task.updated.
	Log json.RawMessage `json:"log,omitempty"`
	URL string          `json:"url,omitempty"`
}

// Time converts the event's unix timestamp to a time.
func (e *TaskEvent) Time() time.Time {
	sec := int64(e.Timestamp)
	nsec := int64((e.Timestamp - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC()
}

// WorkerQueue names a queue a worker listens to, together with the
// account whose zone it belongs in.
type WorkerQueue struct {
	Account string `json:"account"`
	Name    string `json:"name"`
}

// WorkerEvent is a worker lifecycle event published on the events
// exchange with a "worker.<kind>" routing key: online, heartbeat or
// offline.
type WorkerEvent struct {
	Hostname  string  `json:"hostname"`
	Timestamp float64 `json:"timestamp"`
	UTCOffset int     `json:"utcoffset"`
	PID       int     `json:"pid"`
	// Freq is the heartbeat interval in seconds.
	Freq    float64 `json:"freq"`
	SwIdent string  `json:"sw_ident"`
	SwVer   string  `json:"sw_ver"`
	SwSys   string  `json:"sw_sys"`

	// Queues is set on worker.online.
	Queues []WorkerQueue `json:"queues,omitempty"`

	// Heartbeat load, set on worker.heartbeat.
	Clock     int64     `json:"clock,omitempty"`
	Active    int       `json:"active,omitempty"`
	Processed int       `json:"processed,omitempty"`
	Load      []float64 `json:"loadavg,omitempty"`
}

// Time converts the event's unix timestamp to a time.
func (e *WorkerEvent) Time() time.Time {
	sec := int64(e.Timestamp)
	nsec := int64((e.Timestamp - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec).UTC()
}

// Software formats the worker's software identity for display and for
// its signature.
func (e *WorkerEvent) Software() string {
	return fmt.Sprintf("%s %s", e.SwIdent, e.SwVer)
}
