package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadehq/conductor/internal/jobs"
)

// fakeEmitter records every published log snapshot.
type fakeEmitter struct {
	updates [][]jobs.LogEntry
	urls    []string
	err     error
}

func (f *fakeEmitter) EmitUpdated(ctx context.Context, jobID string, entries []jobs.LogEntry, url string) error {
	f.updates = append(f.updates, entries)
	f.urls = append(f.urls, url)
	return f.err
}

func TestHarnessRepublishesFullBuffer(t *testing.T) {
	emitter := &fakeEmitter{}
	harness := NewHarness("job-1", emitter, slog.New(slog.DiscardHandler))
	ctx := context.Background()

	harness.Log(ctx, jobs.LogLevelInfo, "first")
	harness.Log(ctx, jobs.LogLevelWarn, "second")

	require.Len(t, emitter.updates, 2)
	assert.Len(t, emitter.updates[0], 1)
	// The second update carries the whole buffer, not just the new entry.
	require.Len(t, emitter.updates[1], 2)
	assert.Equal(t, "first", emitter.updates[1][0].Message)
	assert.Equal(t, "second", emitter.updates[1][1].Message)
}

func TestHarnessSetURL(t *testing.T) {
	emitter := &fakeEmitter{}
	harness := NewHarness("job-1", emitter, slog.New(slog.DiscardHandler))

	harness.SetURL(context.Background(), "http://session.example.org")

	require.Len(t, emitter.urls, 1)
	assert.Equal(t, "http://session.example.org", emitter.urls[0])
}

func TestHarnessEmitFailureIsBestEffort(t *testing.T) {
	emitter := &fakeEmitter{err: fmt.Errorf("broker down")}
	harness := NewHarness("job-1", emitter, slog.New(slog.DiscardHandler))

	// Must not panic or lose the entry.
	harness.Log(context.Background(), jobs.LogLevelInfo, "still here")
	assert.Len(t, harness.Entries(), 1)
}

func TestHarnessPromoteToErrors(t *testing.T) {
	harness := NewHarness("job-1", nil, slog.New(slog.DiscardHandler))
	ctx := context.Background()

	harness.Log(ctx, jobs.LogLevelInfo, "reading input")
	harness.Log(ctx, jobs.LogLevelDebug, "wrote 4 bytes")
	harness.PromoteToErrors()

	for _, entry := range harness.Entries() {
		assert.Equal(t, jobs.LogLevelError, entry.Level)
	}
}

func TestInDir(t *testing.T) {
	previous, err := os.Getwd()
	require.NoError(t, err)

	t.Run("creates and enters the directory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "jobs", "job-1")

		var inside string
		err := InDir(dir, func() error {
			inside, err = os.Getwd()
			return err
		})
		require.NoError(t, err)

		resolved, err := filepath.EvalSymlinks(dir)
		require.NoError(t, err)
		insideResolved, err := filepath.EvalSymlinks(inside)
		require.NoError(t, err)
		assert.Equal(t, resolved, insideResolved)

		current, err := os.Getwd()
		require.NoError(t, err)
		assert.Equal(t, previous, current)
	})

	t.Run("restores the working directory on error", func(t *testing.T) {
		err := InDir(t.TempDir(), func() error {
			return fmt.Errorf("job failed")
		})
		assert.EqualError(t, err, "job failed")

		current, err := os.Getwd()
		require.NoError(t, err)
		assert.Equal(t, previous, current)
	})

	t.Run("restores the working directory on panic", func(t *testing.T) {
		err := InDir(t.TempDir(), func() error {
			panic("boom")
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "boom")

		current, err := os.Getwd()
		require.NoError(t, err)
		assert.Equal(t, previous, current)
	})
}
