package task

// Status is a task record's position in the execution state machine.
type Status string

const (
	// StatusPending means the task waits for its dependencies and a
	// dispatch slot.
	StatusPending Status = "pending"
	// StatusScheduled means a dispatcher claimed the task and handed it
	// to a worker pool intake.
	StatusScheduled Status = "scheduled"
	// StatusRunning means exactly one worker is executing the task.
	StatusRunning Status = "running"
	// StatusSuccess is terminal: the result blob reference is set and
	// never replaced.
	StatusSuccess Status = "success"
	// StatusFailedRetry means a transient failure; the task is requeued
	// after backoff until the attempt limit is reached.
	StatusFailedRetry Status = "failed_retry"
	// StatusFailedPermanent is terminal: retries exhausted or the
	// failure was classified permanent.
	StatusFailedPermanent Status = "failed_permanent"
	// StatusDeferred is terminal: an ancestor failed permanently, so
	// this task can never become runnable.
	StatusDeferred Status = "deferred"
)

// AllStatuses lists every valid status, for stats reporting.
var AllStatuses = []Status{
	StatusPending, StatusScheduled, StatusRunning,
	StatusSuccess, StatusFailedRetry, StatusFailedPermanent, StatusDeferred,
}

// Terminal reports whether the status admits no further transitions
// (short of an operator-forced reprocess, which creates a new version).
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailedPermanent, StatusDeferred:
		return true
	}
	return false
}

// Failed reports whether the status marks the task as not having
// produced a result.
func (s Status) Failed() bool {
	switch s {
	case StatusFailedRetry, StatusFailedPermanent, StatusDeferred:
		return true
	}
	return false
}
