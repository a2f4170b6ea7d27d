package task

import (
	"context"
	"time"

	"github.com/siftlab/sift/blob"
)

// Store is the durable task record table: the DAG's persisted state.
// All coordination between schedulers and workers flows through its
// atomic conditional transitions; implementations must be safe for
// concurrent use from many processes.
type Store interface {
	// CreateIfAbsent atomically inserts a new Pending record for spec
	// or returns the existing one. The boolean reports whether a new
	// record was created. Concurrent producers requesting the same task
	// never create two records.
	CreateIfAbsent(ctx context.Context, spec Spec) (Record, bool, error)

	// Get returns the record for key, or a NotFound error.
	Get(ctx context.Context, key Key) (Record, error)

	// MarkScheduled claims a Pending task for dispatch. Returns a
	// Conflict error if the task is not Pending (another dispatcher got
	// there first, or it already ran).
	MarkScheduled(ctx context.Context, key Key) (Record, error)

	// MarkRunning claims a Scheduled task for one worker, recording the
	// worker identity and a fresh attempt ID. Returns a Conflict error
	// if the task is not Scheduled, so exactly one worker executes a
	// given task at a time even under concurrent dispatch.
	MarkRunning(ctx context.Context, key Key, worker string) (Record, error)

	// RecordSuccess moves a Running task to Success with its result
	// blob digest. Calling it on an already-Success record is a no-op
	// returning the existing record: a result, once set, is never
	// replaced.
	RecordSuccess(ctx context.Context, key Key, result blob.Digest) (Record, error)

	// RecordFailure moves a Running task to FailedRetry (retryable) or
	// FailedPermanent, incrementing the attempt counter and recording
	// the error summary and audit reason.
	RecordFailure(ctx context.Context, key Key, errMsg, reason string, retryable bool) (Record, error)

	// MarkDeferred moves a non-terminal task to Deferred because an
	// ancestor failed permanently.
	MarkDeferred(ctx context.Context, key Key, reason string) (Record, error)

	// Requeue moves a FailedRetry task back to Pending once its backoff
	// delay has elapsed (decided by the caller).
	Requeue(ctx context.Context, key Key) (Record, error)

	// GiveUp moves a FailedRetry task to FailedPermanent after its
	// attempt budget is exhausted.
	GiveUp(ctx context.Context, key Key, reason string) (Record, error)

	// Reclaim resets a stalled Running task to Pending, conditional on
	// the attempt ID still matching (so a task that just finished is
	// not clobbered). Increments the attempt counter.
	Reclaim(ctx context.Context, key Key, attemptID string) (Record, error)

	// Release returns a Scheduled task that was claimed for dispatch
	// but never handed to a worker back to Pending. No attempt is
	// counted: nothing executed. Returns a Conflict error if the task
	// is no longer Scheduled.
	Release(ctx context.Context, key Key) (Record, error)

	// ListRunnable returns up to limit Pending tasks whose every
	// dependency is Success (or is a plain blob), oldest first. FIFO by
	// creation time keeps any task from starving indefinitely.
	ListRunnable(ctx context.Context, limit int) ([]Record, error)

	// ListByStatus returns up to limit tasks in the given status,
	// oldest first.
	ListByStatus(ctx context.Context, status Status, limit int) ([]Record, error)

	// ForEachByStatus streams every task in the given status, oldest
	// first, stopping early if fn returns an error.
	ForEachByStatus(ctx context.Context, status Status, fn func(Record) error) error

	// ListStalled returns up to limit tasks stuck in flight past
	// deadline: Running tasks whose execution started before it, and
	// Scheduled tasks last updated before it (a dispatcher died between
	// claiming and handing off).
	ListStalled(ctx context.Context, deadline time.Time, limit int) ([]Record, error)

	// Dependents returns the keys of tasks that directly depend on key.
	Dependents(ctx context.Context, key Key) ([]Key, error)

	// Stats returns per-status record counts.
	Stats(ctx context.Context) (Stats, error)

	// Close releases the store's resources.
	Close() error
}
