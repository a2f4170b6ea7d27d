// Package scheduler drives the task state machine with a repeating
// scan over the durable record store. It holds no graph in memory:
// every decision is re-derived from records, so any number of
// scheduler instances can run against the same store and a restart
// loses nothing.
package scheduler

import (
	"context"
	"math/rand"
	"time"

	"github.com/siftlab/sift/errors"
	"github.com/siftlab/sift/logger"
	"github.com/siftlab/sift/task"
)

// Scheduler scans the task store and feeds runnable tasks to a worker
// pool through the intake channel.
type Scheduler struct {
	cfg    Config
	store  task.Store
	log    *logger.Logger
	intake chan task.Record
	wake   chan struct{}
}

// New creates a Scheduler over the given store.
func New(cfg Config, store task.Store, log *logger.Logger) (*Scheduler, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Config(err.Error())
	}
	return &Scheduler{
		cfg:    cfg,
		store:  store,
		log:    log.WithComponent("scheduler"),
		intake: make(chan task.Record, cfg.BatchSize),
		wake:   make(chan struct{}, 1),
	}, nil
}

// Intake is the channel the worker pool consumes dispatched tasks from.
func (s *Scheduler) Intake() <-chan task.Record { return s.intake }

// Wake nudges a sleeping scheduler to scan now. Called after task
// creation or completion so newly runnable work is not left waiting a
// full idle interval. Never blocks.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run scans until ctx is cancelled. The intake channel is closed on
// return so the worker pool drains and stops.
func (s *Scheduler) Run(ctx context.Context) error {
	defer close(s.intake)
	s.log.Info("scheduler started", logger.Fields(
		"scan_interval", s.cfg.ScanInterval.String(),
		"batch_size", s.cfg.BatchSize,
		"max_attempts", s.cfg.MaxAttempts,
	))

	for {
		n, err := s.ScanOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Error("scan failed", logger.ErrorFields("scan", err))
		}
		if n > 0 {
			// Something moved; scan again immediately, more may be due.
			continue
		}

		timer := time.NewTimer(s.idleDelay())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// ScanOnce runs one full scan pass and returns how many records it
// moved. Exported so the engine can drive deterministic passes in
// drain loops and tests.
func (s *Scheduler) ScanOnce(ctx context.Context) (int, error) {
	var moved int

	n, err := s.dispatchRunnable(ctx)
	moved += n
	if err != nil {
		return moved, err
	}
	n, err = s.propagateDeferrals(ctx)
	moved += n
	if err != nil {
		return moved, err
	}
	n, err = s.requeueRetries(ctx)
	moved += n
	if err != nil {
		return moved, err
	}
	n, err = s.reapStalled(ctx)
	moved += n
	return moved, err
}

// dispatchRunnable claims a batch of runnable tasks and hands them to
// the worker intake. A lost claim means another scheduler took the
// task; the candidate is skipped, not an error.
func (s *Scheduler) dispatchRunnable(ctx context.Context) (int, error) {
	runnable, err := s.store.ListRunnable(ctx, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	var dispatched int
	for _, rec := range runnable {
		claimed, err := s.store.MarkScheduled(ctx, rec.Key)
		if err != nil {
			if errors.IsConflict(err) {
				continue
			}
			return dispatched, err
		}
		select {
		case s.intake <- claimed:
			dispatched++
			s.log.Debug("task dispatched", logger.Fields(
				logger.FieldTask, claimed.Key.Short(),
				logger.FieldFunc, claimed.Func,
			))
		case <-ctx.Done():
			return dispatched, ctx.Err()
		}
	}
	return dispatched, nil
}

// propagateDeferrals walks the direct dependents of permanently failed
// and deferred records and defers every one that is not yet terminal.
// It streams the entire broken set: terminal records never leave the
// status index, so a bounded batch would permanently shadow failures
// past the batch size. Descendants further down move on subsequent
// scans, so a failure's blast radius converges to exactly its subtree.
func (s *Scheduler) propagateDeferrals(ctx context.Context) (int, error) {
	var moved int
	for _, status := range []task.Status{task.StatusFailedPermanent, task.StatusDeferred} {
		err := s.store.ForEachByStatus(ctx, status, func(rec task.Record) error {
			dependents, err := s.store.Dependents(ctx, rec.Key)
			if err != nil {
				return err
			}
			for _, depKey := range dependents {
				dep, err := s.store.Get(ctx, depKey)
				if err != nil {
					return err
				}
				if dep.Status.Terminal() {
					continue
				}
				if _, err := s.store.MarkDeferred(ctx, depKey, "dependency_failed"); err != nil {
					if errors.IsConflict(err) {
						continue
					}
					return err
				}
				moved++
				s.log.Info("task deferred", logger.Fields(
					logger.FieldTask, depKey.Short(),
					"failed_dependency", rec.Key.Short(),
				))
			}
			return nil
		})
		if err != nil {
			return moved, err
		}
	}
	return moved, nil
}

// requeueRetries moves failed_retry records whose backoff has elapsed
// back to pending, or to failed_permanent once the attempt budget is
// spent.
func (s *Scheduler) requeueRetries(ctx context.Context) (int, error) {
	retries, err := s.store.ListByStatus(ctx, task.StatusFailedRetry, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	var moved int
	for _, rec := range retries {
		if rec.Attempts >= s.cfg.MaxAttempts {
			if _, err := s.store.GiveUp(ctx, rec.Key, "attempts_exhausted"); err != nil {
				if errors.IsConflict(err) {
					continue
				}
				return moved, err
			}
			moved++
			s.log.Warn("task failed permanently", logger.Fields(
				logger.FieldTask, rec.Key.Short(),
				logger.FieldAttempt, rec.Attempts,
				"last_error", rec.LastError,
			))
			continue
		}

		finished := rec.Updated
		if rec.Finished != nil {
			finished = *rec.Finished
		}
		if !s.cfg.retryDue(finished, rec.Attempts, now) {
			continue
		}
		if _, err := s.store.Requeue(ctx, rec.Key); err != nil {
			if errors.IsConflict(err) {
				continue
			}
			return moved, err
		}
		moved++
		s.log.Info("task requeued", logger.Fields(
			logger.FieldTask, rec.Key.Short(),
			logger.FieldAttempt, rec.Attempts,
		))
	}
	return moved, nil
}

func (s *Scheduler) idleDelay() time.Duration {
	// Jitter desynchronizes multiple scheduler instances scanning the
	// same store.
	return s.cfg.ScanInterval + time.Duration(rand.Int63n(int64(s.cfg.ScanInterval)/2+1))
}
