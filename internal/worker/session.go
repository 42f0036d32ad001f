package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/cascadehq/conductor/internal/jobs"
)

// Session runs an interactive execution session as a subprocess and
// publishes the URL it can be reached at. The session runs until it
// exits on its own or is cancelled; cancellation is the normal way a
// session ends and is reported as termination, not failure.
type Session struct {
	// Command starts the session server. The placeholder {port} is
	// replaced with the allocated port.
	Command []string
	// URLTemplate builds the session URL, e.g.
	// "http://{host}:{port}". Exposed to users via the job's url field.
	URLTemplate string
	// Host and port range the session binds to.
	Host     string
	BasePort int
}

// Run implements Job
func (s *Session) Run(ctx context.Context, harness *Harness, params json.RawMessage) (interface{}, error) {
	if len(s.Command) == 0 {
		return nil, fmt.Errorf("session has no command")
	}

	port := s.BasePort
	url := expandTemplate(s.URLTemplate, s.Host, port)

	command := make([]string, len(s.Command))
	for i, arg := range s.Command {
		command[i] = expandTemplate(arg, s.Host, port)
	}

	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start session: %w", err)
	}

	harness.Log(ctx, jobs.LogLevelInfo, "Session started")
	harness.SetURL(ctx, url)

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("session failed: %w", err)
	}

	return map[string]string{"url": url}, nil
}

func expandTemplate(template, host string, port int) string {
	replaced := strings.ReplaceAll(template, "{host}", host)
	return strings.ReplaceAll(replaced, "{port}", strconv.Itoa(port))
}
