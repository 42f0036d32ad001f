package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/cascadehq/conductor/internal/jobs"
)

// Subprocess runs a job as an external command.
//
// The command's stdout is the job result: parsed as JSON when it is
// JSON, kept as a string otherwise. Each stderr line becomes a log
// entry: lines that are JSON objects with "message" and "level" fields
// are taken as structured entries, anything else is logged verbatim at
// the info level. If the command exits non-zero every buffered entry is
// promoted to an error, since the stderr tail is the best failure
// report available.
type Subprocess struct {
	// Command and arguments. Job params are appended as a single JSON
	// argument when present.
	Command []string
}

// Run implements Job
func (s *Subprocess) Run(ctx context.Context, harness *Harness, params json.RawMessage) (interface{}, error) {
	if len(s.Command) == 0 {
		return nil, fmt.Errorf("subprocess has no command")
	}

	args := append([]string{}, s.Command[1:]...)
	if len(params) > 0 {
		args = append(args, string(params))
	}

	cmd := exec.CommandContext(ctx, s.Command[0], args...)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start subprocess: %w", err)
	}

	done := make(chan struct{})
	var logErr error
	go func() {
		defer close(done)
		scanner := bufio.NewScanner(stderr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			harness.Append(ctx, parseLogLine(scanner.Text()))
		}
		// A scan failure, e.g. a line over the buffer cap, must not
		// leave the child blocked on a full pipe: keep draining.
		if logErr = scanner.Err(); logErr != nil {
			io.Copy(io.Discard, stderr)
		}
	}()

	var output strings.Builder
	outScanner := bufio.NewScanner(stdout)
	outScanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for outScanner.Scan() {
		if output.Len() > 0 {
			output.WriteByte('\n')
		}
		output.WriteString(outScanner.Text())
	}
	outErr := outScanner.Err()
	if outErr != nil {
		io.Copy(io.Discard, stdout)
	}

	<-done

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		harness.PromoteToErrors()
		return nil, fmt.Errorf("subprocess failed: %w", err)
	}

	if err := errors.Join(outErr, logErr); err != nil {
		return nil, fmt.Errorf("failed to read subprocess output: %w", err)
	}

	return parseResult(output.String()), nil
}

// parseLogLine interprets one stderr line as a log entry.
func parseLogLine(line string) jobs.LogEntry {
	var entry struct {
		Time    *time.Time `json:"time"`
		Level   *int       `json:"level"`
		Message *string    `json:"message"`
	}
	if err := json.Unmarshal([]byte(line), &entry); err == nil && entry.Message != nil {
		parsed := jobs.LogEntry{
			Time:    time.Now().UTC(),
			Level:   jobs.LogLevelInfo,
			Message: *entry.Message,
		}
		if entry.Time != nil {
			parsed.Time = *entry.Time
		}
		if entry.Level != nil {
			parsed.Level = *entry.Level
		}
		return parsed
	}

	return jobs.LogEntry{
		Time:    time.Now().UTC(),
		Level:   jobs.LogLevelInfo,
		Message: line,
	}
}

// parseResult interprets the subprocess stdout as a result value.
func parseResult(output string) interface{} {
	trimmed := strings.TrimSpace(output)
	if trimmed == "" {
		return nil
	}
	var value interface{}
	if err := json.Unmarshal([]byte(trimmed), &value); err == nil {
		return value
	}
	return trimmed
}
