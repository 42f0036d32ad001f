package topology

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// queueNamePattern is the grammar of a queue name: a zone name, then
// optional priority, untrusted and interrupt parts, in that order.
//   <zone>[:<priority>][:untrusted][:interrupt]
var queueNamePattern = regexp.MustCompile(`^([a-z][a-z0-9-]*)(:[0-9])?(:untrusted)?(:interrupt)?$`)

// QueueName is the parsed form of a queue name.
type QueueName struct {
	// Zone is the zone the queue belongs to.
	Zone string
	// Priority of the queue within its zone; higher dispatches first.
	Priority int
	// Untrusted queues accept jobs from untrusted users, so their
	// workers must run jobs in a sandbox.
	Untrusted bool
	// Interrupt queues carry cancellation rather than work.
	Interrupt bool
}

// ParseQueueName parses a queue name per the naming grammar.
func ParseQueueName(name string) (QueueName, error) {
	matches := queueNamePattern.FindStringSubmatch(name)
	if matches == nil {
		return QueueName{}, fmt.Errorf("invalid queue name %q", name)
	}

	parsed := QueueName{Zone: matches[1]}

	if matches[2] != "" {
		priority, err := strconv.Atoi(strings.TrimPrefix(matches[2], ":"))
		if err != nil {
			return QueueName{}, fmt.Errorf("invalid queue priority in %q: %w", name, err)
		}
		parsed.Priority = priority
	}

	parsed.Untrusted = matches[3] != ""
	parsed.Interrupt = matches[4] != ""

	return parsed, nil
}

// String formats the queue name back into its canonical form.
func (q QueueName) String() string {
	var b strings.Builder
	b.WriteString(q.Zone)
	if q.Priority != 0 {
		b.WriteString(fmt.Sprintf(":%d", q.Priority))
	}
	if q.Untrusted {
		b.WriteString(":untrusted")
	}
	if q.Interrupt {
		b.WriteString(":interrupt")
	}
	return b.String()
}
