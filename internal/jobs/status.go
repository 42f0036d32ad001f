package jobs

// Status enumerates the states a job moves through. Most mirror the
// states emitted by workers on the event stream; DISPATCHED, RUNNING,
// CANCELLED and TERMINATED are set by this service itself.
type Status string

const (
	// StatusWaiting means the job is awaiting another job.
	StatusWaiting Status = "WAITING"
	// StatusDispatched means the job was sent to a queue.
	StatusDispatched Status = "DISPATCHED"
	// StatusPending means the job state is unknown.
	StatusPending Status = "PENDING"
	// StatusReceived means the job was received by a worker.
	StatusReceived Status = "RECEIVED"
	// StatusStarted means the job was started by a worker.
	StatusStarted Status = "STARTED"
	// StatusRunning means the job is running.
	StatusRunning Status = "RUNNING"
	// StatusSuccess means the job succeeded.
	StatusSuccess Status = "SUCCESS"
	// StatusFailure means the job failed.
	StatusFailure Status = "FAILURE"
	// StatusCancelled means a cancellation message was sent for the job.
	StatusCancelled Status = "CANCELLED"
	// StatusRevoked means the job was cancelled before it started.
	StatusRevoked Status = "REVOKED"
	// StatusTerminated means the job was started and then cancelled.
	StatusTerminated Status = "TERMINATED"
	// StatusRejected means the job was rejected by a worker.
	StatusRejected Status = "REJECTED"
	// StatusRetry means the job is waiting for a retry.
	StatusRetry Status = "RETRY"
)

// statusRanks broadly reflect the order in which statuses change on a
// job. FAILURE is highest so that a compound job rolls up as FAILURE if
// any of its children failed.
var statusRanks = map[Status]int{
	StatusWaiting:    0,
	StatusDispatched: 1,
	StatusPending:    2,
	StatusReceived:   3,
	StatusStarted:    4,
	StatusRunning:    5,
	StatusSuccess:    6,
	StatusCancelled:  7,
	StatusRevoked:    8,
	StatusTerminated: 9,
	StatusFailure:    10,
}

// Rank returns the rank of a status. Unranked statuses (REJECTED, RETRY)
// rank zero.
func (s Status) Rank() int {
	return statusRanks[s]
}

// HasEnded reports whether the status is terminal.
func (s Status) HasEnded() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusCancelled, StatusRevoked, StatusTerminated:
		return true
	}
	return false
}

// Highest returns the status with the highest rank. Ties resolve to the
// first occurrence, matching a stable roll-up for compound jobs.
func Highest(statuses []Status) Status {
	var highest Status
	maxRank := -1
	for _, status := range statuses {
		if rank := status.Rank(); rank > maxRank {
			maxRank = rank
			highest = status
		}
	}
	return highest
}

// Icon returns the icon name for a status, for user interfaces.
func (s Status) Icon() string {
	switch s {
	case StatusStarted:
		return "play-circle"
	case StatusSuccess:
		return "check-circle"
	case StatusFailure, StatusRejected, StatusRevoked:
		return "x-octagon"
	case StatusCancelled, StatusTerminated:
		return "slash"
	case StatusRetry:
		return "rotate-cw"
	}
	return "loader"
}

// Colour returns the colour name for a status, for user interfaces.
func (s Status) Colour() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusFailure, StatusRejected, StatusRevoked:
		return "danger"
	case StatusCancelled, StatusTerminated:
		return "grey-light"
	case StatusRetry:
		return "warning"
	}
	return "info"
}
