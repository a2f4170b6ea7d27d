package scheduler

import (
	"context"
	"time"

	"github.com/siftlab/sift/errors"
	"github.com/siftlab/sift/logger"
	"github.com/siftlab/sift/task"
)

// reapStalled recovers records stuck in flight past the liveness
// deadline. A stale Scheduled record (its dispatcher died before the
// worker handoff) is released back to pending; a stale Running record
// is reclaimed, conditional on the attempt ID so a task that finished
// between the list and the reclaim is left alone. A reclaimed task goes
// back to pending with its attempt counter bumped; one that has already
// burned its budget is failed outright.
func (s *Scheduler) reapStalled(ctx context.Context) (int, error) {
	deadline := time.Now().UTC().Add(-s.cfg.LivenessDeadline)
	stalled, err := s.store.ListStalled(ctx, deadline, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	var moved int
	for _, rec := range stalled {
		if rec.Status == task.StatusScheduled {
			if _, err := s.store.Release(ctx, rec.Key); err != nil {
				if errors.IsConflict(err) {
					continue
				}
				return moved, err
			}
			moved++
			s.log.Warn("undispatched task released", logger.Fields(
				logger.FieldTask, rec.Key.Short(),
			))
			continue
		}

		if rec.Attempts+1 >= s.cfg.MaxAttempts {
			if _, err := s.store.RecordFailure(ctx, rec.Key,
				"worker lost repeatedly", "liveness", false); err != nil {
				if errors.IsConflict(err) {
					continue
				}
				return moved, err
			}
			moved++
			s.log.Warn("stalled task failed permanently", logger.Fields(
				logger.FieldTask, rec.Key.Short(),
				logger.FieldWorker, rec.Worker,
				logger.FieldAttempt, rec.Attempts+1,
			))
			continue
		}

		if _, err := s.store.Reclaim(ctx, rec.Key, rec.AttemptID); err != nil {
			if errors.IsConflict(err) {
				continue
			}
			return moved, err
		}
		moved++
		s.log.Warn("stalled task reclaimed", logger.Fields(
			logger.FieldTask, rec.Key.Short(),
			logger.FieldWorker, rec.Worker,
		))
	}
	return moved, nil
}
