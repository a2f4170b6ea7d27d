package worker

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/siftlab/sift/blob"
	"github.com/siftlab/sift/errors"
	"github.com/siftlab/sift/logger"
	"github.com/siftlab/sift/task"
)

// Config controls the worker pool.
type Config struct {
	// Workers is the number of concurrent executors.
	Workers int `yaml:"workers" mapstructure:"workers"`

	// TaskTimeout bounds one execution attempt. A task that runs past
	// it fails as a retryable timeout.
	TaskTimeout time.Duration `yaml:"task_timeout" mapstructure:"task_timeout"`
}

// ApplyDefaults fills in zero-valued fields with sensible defaults.
func (c *Config) ApplyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.TaskTimeout <= 0 {
		c.TaskTimeout = 10 * time.Minute
	}
}

// Pool pulls dispatched tasks from the scheduler intake and executes
// them against the registry.
type Pool struct {
	cfg      Config
	registry *Registry
	store    task.Store
	blobs    *blob.Store
	wake     func()
	log      *logger.Logger
	id       string
}

// New creates a Pool. wake is called after every completed task so the
// scheduler can dispatch newly unblocked work immediately; nil is
// allowed.
func New(cfg Config, registry *Registry, store task.Store, blobs *blob.Store, wake func(), log *logger.Logger) *Pool {
	cfg.ApplyDefaults()
	id := "pool-" + uuid.NewString()[:8]
	return &Pool{
		cfg:      cfg,
		registry: registry,
		store:    store,
		blobs:    blobs,
		wake:     wake,
		log:      log.WithComponent("worker").WithFields(map[string]interface{}{"pool": id}),
		id:       id,
	}
}

// Run consumes intake until it is closed, then returns. Each worker
// goroutine survives task panics; the panicked task's record is left
// Running on purpose so the reaper converts the crash into a retry.
func (p *Pool) Run(ctx context.Context, intake <-chan task.Record) error {
	p.log.Info("worker pool started", logger.Fields(
		"workers", p.cfg.Workers,
		"task_timeout", p.cfg.TaskTimeout.String(),
	))

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			workerID := fmt.Sprintf("%s/w%d", p.id, n)
			for rec := range intake {
				p.execute(ctx, workerID, rec)
			}
		}(i)
	}
	wg.Wait()
	p.log.Info("worker pool drained")
	return nil
}

// execute runs one dispatched task through the claim, run, record
// protocol.
func (p *Pool) execute(ctx context.Context, workerID string, rec task.Record) {
	log := p.log.WithFields(map[string]interface{}{
		logger.FieldTask:   rec.Key.Short(),
		logger.FieldFunc:   rec.Func,
		logger.FieldWorker: workerID,
	})

	claimed, err := p.store.MarkRunning(ctx, rec.Key, workerID)
	if err != nil {
		if errors.IsConflict(err) {
			log.Debug("claim lost, skipping")
			return
		}
		log.Error("claim failed", logger.ErrorFields("mark_running", err))
		return
	}

	fn, err := p.registry.Resolve(claimed.Func, claimed.Version)
	if err != nil {
		p.recordOutcome(ctx, log, claimed, nil, err, time.Now())
		return
	}

	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, p.cfg.TaskTimeout)
	ref, err, panicked := p.run(runCtx, fn, claimed)
	cancel()
	if panicked {
		// Leave the record Running: the reaper will reclaim it past the
		// liveness deadline, exactly as if this worker had died.
		log.Error("task panicked; leaving record for the reaper")
		return
	}
	p.recordOutcome(ctx, log, claimed, ref, err, start)
}

// run invokes the function body, converting a panic into the panicked
// flag instead of killing the worker goroutine.
func (p *Pool) run(ctx context.Context, fn Func, rec task.Record) (ref *blob.Ref, err error, panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("recovered task panic", logger.Fields(
				logger.FieldTask, rec.Key.Short(), "panic", fmt.Sprint(r)))
			panicked = true
		}
	}()

	inv := &Invocation{
		rec:   rec,
		blobs: p.blobs,
		store: p.store,
		log: p.log.WithFields(map[string]interface{}{
			logger.FieldTask: rec.Key.Short(),
			logger.FieldFunc: rec.Func,
		}),
		wake: p.wake,
	}
	ref, err = fn.Run(ctx, inv)
	return ref, err, false
}

// recordOutcome writes the execution result back to the store and wakes
// the scheduler.
func (p *Pool) recordOutcome(ctx context.Context, log *logger.Logger, rec task.Record, ref *blob.Ref, runErr error, start time.Time) {
	defer func() {
		if p.wake != nil {
			p.wake()
		}
	}()

	if runErr == nil {
		var result blob.Digest
		if ref != nil {
			result = ref.Digest
		}
		if _, err := p.store.RecordSuccess(ctx, rec.Key, result); err != nil {
			log.Error("success not recorded", logger.ErrorFields("record_success", err))
			return
		}
		log.Info("task succeeded", logger.DurationFields(rec.Func, time.Since(start)))
		return
	}

	retryable := errors.IsRetryable(runErr)
	reason := errors.Reason(runErr)
	if stderrors.Is(runErr, context.DeadlineExceeded) {
		retryable = true
		reason = "timeout"
	}
	if reason == "" {
		if retryable {
			reason = "transient_error"
		} else {
			reason = "permanent_error"
		}
	}

	if _, err := p.store.RecordFailure(ctx, rec.Key, runErr.Error(), reason, retryable); err != nil {
		log.Error("failure not recorded", logger.ErrorFields("record_failure", err))
		return
	}
	log.Warn("task failed", logger.Fields(
		"reason", reason,
		"retryable", retryable,
		logger.FieldError, runErr.Error(),
		logger.FieldAttempt, rec.Attempts+1,
	))
}
