package worker

import (
	"bufio"
	"log/slog"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cascadehq/conductor/internal/jobs"
)

// runShell runs a shell command through the subprocess job, failing the
// test if it does not return within the deadline. A child stuck writing
// to a full pipe is exactly the regression this guards against.
func runShell(t *testing.T, script string) (interface{}, error) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}

	harness := NewHarness("job-1", &fakeEmitter{}, slog.New(slog.DiscardHandler))
	subprocess := &Subprocess{Command: []string{"sh", "-c", script}}

	type outcome struct {
		result interface{}
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := subprocess.Run(t.Context(), harness, nil)
		done <- outcome{result, err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-time.After(30 * time.Second):
		t.Fatal("subprocess did not return")
		return nil, nil
	}
}

func TestSubprocessOversizedStdoutLine(t *testing.T) {
	// A stdout line over the scanner cap fails the job but must not
	// leave the child blocked on the pipe.
	_, err := runShell(t, `head -c 2097152 /dev/zero | tr '\0' a`)
	require.Error(t, err)
	assert.ErrorIs(t, err, bufio.ErrTooLong)
}

func TestSubprocessOversizedStderrLine(t *testing.T) {
	_, err := runShell(t, `head -c 2097152 /dev/zero | tr '\0' a 1>&2`)
	require.Error(t, err)
	assert.ErrorIs(t, err, bufio.ErrTooLong)
}

func TestSubprocessResultAndLogs(t *testing.T) {
	result, err := runShell(t, `echo '{"message":"working"}' 1>&2; echo '{"ok":true}'`)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"ok": true}, result)
}

func TestParseLogLine(t *testing.T) {
	t.Run("structured line", func(t *testing.T) {
		entry := parseLogLine(`{"time":"2026-01-01T12:00:00Z","level":1,"message":"low disk"}`)
		assert.Equal(t, "low disk", entry.Message)
		assert.Equal(t, jobs.LogLevelWarn, entry.Level)
		assert.Equal(t, time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC), entry.Time)
	})

	t.Run("structured line without time or level", func(t *testing.T) {
		entry := parseLogLine(`{"message":"working"}`)
		assert.Equal(t, "working", entry.Message)
		assert.Equal(t, jobs.LogLevelInfo, entry.Level)
		assert.False(t, entry.Time.IsZero())
	})

	t.Run("plain line logged verbatim", func(t *testing.T) {
		entry := parseLogLine("Cloning repository...")
		assert.Equal(t, "Cloning repository...", entry.Message)
		assert.Equal(t, jobs.LogLevelInfo, entry.Level)
	})

	t.Run("JSON without message logged verbatim", func(t *testing.T) {
		entry := parseLogLine(`{"progress":0.5}`)
		assert.Equal(t, `{"progress":0.5}`, entry.Message)
	})
}

func TestParseResult(t *testing.T) {
	t.Run("JSON object", func(t *testing.T) {
		result := parseResult(`{"pages": 3}`)
		value, ok := result.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, float64(3), value["pages"])
	})

	t.Run("JSON number", func(t *testing.T) {
		assert.Equal(t, float64(42), parseResult("42\n"))
	})

	t.Run("plain string", func(t *testing.T) {
		assert.Equal(t, "all done", parseResult("all done\n"))
	})

	t.Run("empty output", func(t *testing.T) {
		assert.Nil(t, parseResult("  \n"))
	})
}
