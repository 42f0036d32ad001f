package jobs

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/jmoiron/sqlx/types"
)

// LogLevels used in job log entries. The same numbering is used by the
// worker harness and the subprocess log protocol.
const (
	LogLevelError = 0
	LogLevelWarn  = 1
	LogLevelInfo  = 2
	LogLevelDebug = 3
)

// LogEntry is one entry in a job's log.
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   int       `json:"level"`
	Message string    `json:"message"`
	Stack   string    `json:"stack,omitempty"`
}

// Job is one unit of work.
//
// The `Key` field provides a hard-to-guess way of accessing the job
// instead of using the id. The `Method`, `Params` and `Result` fields
// correspond to the same properties in JSON RPC. `Queue`, `Worker` and
// `Retries` record where and how the job was executed.
type Job struct {
	ID          string     `db:"id" json:"id"`
	Key         string     `db:"key" json:"key"`
	Description *string    `db:"description" json:"description,omitempty"`
	Project     *string    `db:"project" json:"project,omitempty"`
	Snapshot    *string    `db:"snapshot" json:"snapshot,omitempty"`
	Creator     *string    `db:"creator" json:"creator,omitempty"`
	Account     string     `db:"account" json:"account"`
	Created     time.Time  `db:"created" json:"created"`
	Updated     time.Time  `db:"updated" json:"updated"`
	QueueID     *int64     `db:"queue_id" json:"queue_id,omitempty"`
	QueueName   *string    `db:"queue_name" json:"queue,omitempty"`
	ParentID    *string    `db:"parent_id" json:"parent,omitempty"`
	Began       *time.Time `db:"began" json:"began,omitempty"`
	Ended       *time.Time `db:"ended" json:"ended,omitempty"`
	Status      Status     `db:"status" json:"status"`
	IsActive    bool       `db:"is_active" json:"is_active"`
	Method      Method     `db:"method" json:"method"`

	Params types.JSONText `db:"params" json:"params,omitempty"`
	Result types.JSONText `db:"result" json:"result,omitempty"`
	Error  types.JSONText `db:"error" json:"error,omitempty"`
	Log    types.JSONText `db:"log" json:"log,omitempty"`

	Runtime *float64 `db:"runtime" json:"runtime,omitempty"`
	URL     *string  `db:"url" json:"url,omitempty"`
	Worker  *string  `db:"worker" json:"worker,omitempty"`
	Retries *int     `db:"retries" json:"retries,omitempty"`

	CallbackType   *string `db:"callback_type" json:"-"`
	CallbackID     *string `db:"callback_id" json:"-"`
	CallbackMethod *string `db:"callback_method" json:"-"`
}

const keyAlphabet = "23456789abcdefghijkmnopqrstuvwxyzABCDEFGHJKLMNPQRSTUVWXYZ"

// GenerateKey generates a unique, and very difficult to guess, job key.
func GenerateKey() string {
	var b strings.Builder
	max := big.NewInt(int64(len(keyAlphabet)))
	for i := 0; i < 32; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand only fails if the OS entropy source is broken
			panic(fmt.Sprintf("failed to generate job key: %v", err))
		}
		b.WriteByte(keyAlphabet[n.Int64()])
	}
	return b.String()
}

// HasEnded reports whether the job's status is terminal.
func (j *Job) HasEnded() bool {
	return j.Status.HasEnded()
}

// subject returns the noun used in status messages.
func (j *Job) subject() string {
	if j.Method == MethodSession {
		return "Session"
	}
	return string(j.Method)
}

// StatusMessage generates a message for users describing the status of
// the job. The position argument is the job's place in its queue and is
// only used for DISPATCHED jobs.
func (j *Job) StatusMessage(position int) string {
	subject := j.subject()
	switch j.Status {
	case StatusDispatched:
		return fmt.Sprintf("%s is %s in the queue.", subject, ordinal(position))
	case StatusReceived:
		return fmt.Sprintf("%s is starting.", subject)
	case StatusStarted:
		if j.Method == MethodSession {
			// Sessions can take some time between STARTED and RUNNING,
			// e.g. to pull images, so report these as still starting.
			return "Session is starting"
		}
		// Many jobs do not emit a RUNNING state so report these as started.
		return fmt.Sprintf("%s has started.", subject)
	case StatusRunning:
		return fmt.Sprintf("%s is running.", subject)
	case StatusSuccess:
		return fmt.Sprintf("%s has finished.", subject)
	case StatusFailure:
		return fmt.Sprintf("%s has failed.", subject)
	case StatusCancelled, StatusRevoked, StatusTerminated:
		return fmt.Sprintf("%s was cancelled.", subject)
	}
	return fmt.Sprintf("%s is %s.", subject, strings.ToLower(string(j.Status)))
}

// SummaryString gets a short textual summary of the job for user
// interfaces. Falls back to a summary derived from the method and params
// when no description is set.
func (j *Job) SummaryString() string {
	if j.Description != nil && *j.Description != "" {
		return *j.Description
	}

	summary := capitalize(string(j.Method))
	if j.Method == MethodPull {
		var params struct {
			Path string `json:"path"`
		}
		if err := j.Params.Unmarshal(&params); err == nil && params.Path != "" {
			summary += fmt.Sprintf(" '%s'", params.Path)
		}
	}
	return summary
}

// RuntimeSeconds gets the runtime in seconds, falling back to the span
// between began and ended, or the age of the job while it is running.
func (j *Job) RuntimeSeconds() float64 {
	if j.Runtime != nil {
		return *j.Runtime
	}
	if j.Began != nil && j.Ended != nil {
		return j.Ended.Sub(*j.Began).Seconds()
	}
	return time.Since(j.Created).Seconds()
}

// RuntimeFormatted formats the runtime as hours/mins/secs for display.
func (j *Job) RuntimeFormatted() string {
	total := int(j.RuntimeSeconds())
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60

	if h == 0 && m == 0 && s == 0 {
		return "<1 sec"
	}

	parts := []string{}
	if h != 0 {
		parts = append(parts, fmt.Sprintf("%d %s", h, plural("hour", h)))
	}
	if m != 0 {
		parts = append(parts, fmt.Sprintf("%d %s", m, plural("min", m)))
	}
	if s != 0 {
		parts = append(parts, fmt.Sprintf("%d %s", s, plural("sec", s)))
	}
	return strings.Join(parts, " ")
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func plural(noun string, n int) string {
	if n == 1 {
		return noun
	}
	return noun + "s"
}

// ordinal converts a position to its English ordinal (1st, 2nd, 3rd...).
func ordinal(n int) string {
	suffix := "th"
	switch {
	case n%100 >= 11 && n%100 <= 13:
		// 11th, 12th, 13th
	case n%10 == 1:
		suffix = "st"
	case n%10 == 2:
		suffix = "nd"
	case n%10 == 3:
		suffix = "rd"
	}
	return fmt.Sprintf("%d%s", n, suffix)
}
