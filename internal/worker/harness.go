package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cascadehq/conductor/internal/jobs"
)

// Emitter publishes job progress while a job runs. The full log buffer
// is sent each time so that consumers never have to stitch partial
// logs together.
type Emitter interface {
	EmitUpdated(ctx context.Context, jobID string, entries []jobs.LogEntry, url string) error
}

// Harness is handed to a running job for logging and progress
// reporting. It buffers log entries and republishes the whole buffer
// on every update.
type Harness struct {
	jobID   string
	emitter Emitter
	logger  *slog.Logger

	mu      sync.Mutex
	entries []jobs.LogEntry
	url     string
}

// NewHarness creates a harness for one job run.
func NewHarness(jobID string, emitter Emitter, logger *slog.Logger) *Harness {
	return &Harness{
		jobID:   jobID,
		emitter: emitter,
		logger:  logger,
	}
}

// Log appends an entry to the job log and publishes the updated log.
func (h *Harness) Log(ctx context.Context, level int, message string) {
	h.append(ctx, jobs.LogEntry{
		Time:    time.Now().UTC(),
		Level:   level,
		Message: message,
	})
}

// Logf is Log with formatting.
func (h *Harness) Logf(ctx context.Context, level int, format string, args ...interface{}) {
	h.Log(ctx, level, fmt.Sprintf(format, args...))
}

// Append adds an already built entry, e.g. one parsed from a
// subprocess, and publishes the updated log.
func (h *Harness) Append(ctx context.Context, entry jobs.LogEntry) {
	h.append(ctx, entry)
}

func (h *Harness) append(ctx context.Context, entry jobs.LogEntry) {
	h.mu.Lock()
	h.entries = append(h.entries, entry)
	h.mu.Unlock()

	h.publish(ctx)
}

// SetURL records the URL at which the job can be connected to and
// publishes it.
func (h *Harness) SetURL(ctx context.Context, url string) {
	h.mu.Lock()
	h.url = url
	h.mu.Unlock()

	h.publish(ctx)
}

func (h *Harness) publish(ctx context.Context) {
	if h.emitter == nil {
		return
	}
	entries, url := h.snapshot()
	if err := h.emitter.EmitUpdated(ctx, h.jobID, entries, url); err != nil {
		// Progress is best effort; the final result still flows through
		// the succeeded or failed event.
		h.logger.Warn("Failed to publish job update",
			slog.String("job_id", h.jobID),
			slog.Any("error", err),
		)
	}
}

func (h *Harness) snapshot() ([]jobs.LogEntry, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entries := make([]jobs.LogEntry, len(h.entries))
	copy(entries, h.entries)
	return entries, h.url
}

// Entries returns a copy of the log buffer.
func (h *Harness) Entries() []jobs.LogEntry {
	entries, _ := h.snapshot()
	return entries
}

// PromoteToErrors raises every buffered entry to the error level. Used
// when a subprocess exits non-zero: whatever it said on the way down is
// the best error report available.
func (h *Harness) PromoteToErrors() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.entries {
		h.entries[i].Level = jobs.LogLevelError
	}
}

// InDir runs fn with the working directory set to dir, creating it if
// needed and restoring the previous working directory afterwards, also
// on panic.
func InDir(dir string, fn func() error) (err error) {
	previous, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create working directory: %w", err)
	}

	if err := os.Chdir(dir); err != nil {
		return fmt.Errorf("failed to enter working directory: %w", err)
	}

	defer func() {
		if chdirErr := os.Chdir(previous); chdirErr != nil && err == nil {
			err = fmt.Errorf("failed to restore working directory: %w", chdirErr)
		}
		if p := recover(); p != nil {
			err = fmt.Errorf("job panicked: %v", p)
		}
	}()

	return fn()
}
