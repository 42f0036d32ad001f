package topology

import (
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx/types"
)

// FlatlineHeartbeats is the number of heartbeats a worker may miss
// before it is considered to have flatlined and is marked finished.
const FlatlineHeartbeats = 5

// Account owns zones and the queues within them.
type Account struct {
	ID      int64     `db:"id"`
	Name    string    `db:"name"`
	Created time.Time `db:"created"`
}

// Zone is a group of queues within an account, usually corresponding to
// a physical location or cluster.
type Zone struct {
	ID        int64     `db:"id"`
	AccountID int64     `db:"account_id"`
	Name      string    `db:"name"`
	Created   time.Time `db:"created"`
}

// Queue is a named job queue within a zone.
type Queue struct {
	ID        int64     `db:"id"`
	ZoneID    int64     `db:"zone_id"`
	Name      string    `db:"name"`
	Priority  int       `db:"priority"`
	Untrusted bool      `db:"untrusted"`
	Interrupt bool      `db:"interrupt"`
	Created   time.Time `db:"created"`
}

// Worker is one worker process. A worker row spans one run of the
// process: it is created on the first sighting of a signature and
// closed, by setting finished, when the worker goes offline or
// flatlines. A later run with the same signature gets a new row.
type Worker struct {
	ID        int64          `db:"id"`
	Hostname  string         `db:"hostname"`
	UTCOffset int            `db:"utcoffset"`
	PID       int            `db:"pid"`
	Freq      float64        `db:"freq"`
	Software  string         `db:"software"`
	OS        string         `db:"os"`
	Details   types.JSONText `db:"details"`
	Signature string         `db:"signature"`
	Started   time.Time      `db:"started"`
	Updated   time.Time      `db:"updated"`
	Finished  *time.Time     `db:"finished"`
}

// Signature builds the string that identifies a worker process run.
// Any change in these fields means a different worker.
func Signature(hostname string, utcoffset, pid int, freq float64, software, os string) string {
	return strings.Join([]string{
		hostname,
		fmt.Sprint(utcoffset),
		fmt.Sprint(pid),
		fmt.Sprint(freq),
		software,
		os,
	}, "|")
}

// Active reports whether the worker should be considered alive: it has
// not gone offline and its last heartbeat is recent enough.
func (w *Worker) Active(now time.Time) bool {
	if w.Finished != nil {
		return false
	}
	window := time.Duration(w.Freq*FlatlineHeartbeats) * time.Second
	return now.Sub(w.Updated) <= window
}

// Heartbeat is one worker heartbeat, kept for monitoring worker load
// over time.
type Heartbeat struct {
	ID        int64          `db:"id"`
	WorkerID  int64          `db:"worker_id"`
	Time      time.Time      `db:"time"`
	Clock     int64          `db:"clock"`
	Active    int            `db:"active"`
	Processed int            `db:"processed"`
	Load      types.JSONText `db:"load"`
}
