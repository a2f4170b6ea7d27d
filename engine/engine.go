// Package engine wires the blob store, task store, scheduler, worker
// pool and index publisher into one runnable unit, with a component
// lifecycle adapted to each configured collection.
package engine

import (
	"context"
	"fmt"

	"github.com/siftlab/sift/blob"
	"github.com/siftlab/sift/collection"
	"github.com/siftlab/sift/config"
	"github.com/siftlab/sift/errors"
	"github.com/siftlab/sift/index"
	"github.com/siftlab/sift/logger"
	"github.com/siftlab/sift/pipeline"
	"github.com/siftlab/sift/scheduler"
	"github.com/siftlab/sift/task"
	"github.com/siftlab/sift/task/badgerstore"
	"github.com/siftlab/sift/worker"
)

// Option customizes engine construction.
type Option func(*options)

type options struct {
	publisher index.Publisher
}

// WithPublisher overrides the HTTP publisher built from configuration,
// e.g. with an in-memory one for drains and tests.
func WithPublisher(pub index.Publisher) Option {
	return func(o *options) { o.publisher = pub }
}

// Engine runs the ingest machinery for every configured collection.
type Engine struct {
	cfg      config.Config
	log      *logger.Logger
	pub      index.Publisher
	funcs    *worker.Registry
	registry *registry
	runtimes map[string]*collectionRuntime
}

// New builds an engine from configuration. The function registry must
// already contain every function the collections' tasks reference.
func New(cfg config.Config, funcs *worker.Registry, log *logger.Logger, opts ...Option) (*Engine, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Config(err.Error())
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	pub := o.publisher
	if pub == nil {
		var err error
		pub, err = index.NewHTTP(cfg.Index, log)
		if err != nil {
			return nil, err
		}
	}

	backend, err := blob.NewBackend(cfg.Blob, log)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		log:      log.WithComponent("engine"),
		pub:      pub,
		funcs:    funcs,
		registry: newRegistry(log),
		runtimes: make(map[string]*collectionRuntime, len(cfg.Collections)),
	}

	for _, col := range cfg.Collections {
		rt, err := newCollectionRuntime(cfg, col, backend, funcs, log)
		if err != nil {
			e.closeRuntimes()
			return nil, err
		}
		e.runtimes[col.Name] = rt
		e.registry.register(rt)
	}
	return e, nil
}

// Publisher returns the publisher documents are delivered through.
func (e *Engine) Publisher() index.Publisher { return e.pub }

// Start brings up every collection runtime and seeds the root task of
// each collection marked for processing.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.registry.startAll(ctx); err != nil {
		return err
	}
	for _, rt := range e.runtimes {
		if !rt.col.Process {
			continue
		}
		if _, _, err := pipeline.Seed(ctx, rt.store, rt.col, rt.sched.Wake); err != nil {
			return err
		}
	}
	e.log.Info("engine started", logger.Fields("collections", len(e.runtimes)))
	return nil
}

// Stop shuts down all runtimes in reverse start order.
func (e *Engine) Stop(ctx context.Context) error {
	err := e.registry.stopAll(ctx)
	e.closeRuntimes()
	return err
}

func (e *Engine) closeRuntimes() {
	for _, rt := range e.runtimes {
		rt.close()
	}
}

// Stats returns the per-status record counts of one collection.
func (e *Engine) Stats(ctx context.Context, collectionName string) (task.Stats, error) {
	rt, ok := e.runtimes[collectionName]
	if !ok {
		return task.Stats{}, errors.NotFound("collection", collectionName)
	}
	return rt.store.Stats(ctx)
}

// Store returns the task store of one collection.
func (e *Engine) Store(collectionName string) (task.Store, error) {
	rt, ok := e.runtimes[collectionName]
	if !ok {
		return nil, errors.NotFound("collection", collectionName)
	}
	return rt.store, nil
}

// Blobs returns the blob store of one collection.
func (e *Engine) Blobs(collectionName string) (*blob.Store, error) {
	rt, ok := e.runtimes[collectionName]
	if !ok {
		return nil, errors.NotFound("collection", collectionName)
	}
	return rt.blobs, nil
}

// ProcessingComplete reports whether every record in every collection
// is in a terminal state.
func (e *Engine) ProcessingComplete(ctx context.Context) (bool, error) {
	for _, rt := range e.runtimes {
		stats, err := rt.store.Stats(ctx)
		if err != nil {
			return false, err
		}
		if stats.Remaining() > 0 {
			return false, nil
		}
	}
	return true, nil
}

// Health reports each collection runtime's health. A collection with
// permanently failed or deferred records is degraded, not hidden: the
// proportion is the run's visible quality signal.
func (e *Engine) Health(ctx context.Context) []ComponentHealth {
	return e.registry.healthAll(ctx)
}

// collectionRuntime is the per-collection slice of the engine: its own
// task database, blob namespace, scheduler and worker pool.
type collectionRuntime struct {
	col   collection.Collection
	store *badgerstore.Store
	blobs *blob.Store
	sched *scheduler.Scheduler
	pool  *worker.Pool
	log   *logger.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

func newCollectionRuntime(cfg config.Config, col collection.Collection, backend blob.Backend,
	funcs *worker.Registry, log *logger.Logger) (*collectionRuntime, error) {

	store, err := badgerstore.New(cfg.TaskStore, col, log)
	if err != nil {
		return nil, err
	}
	blobs := blob.NewStore(backend, col, log)

	sched, err := scheduler.New(cfg.Scheduler, store, log.WithCollection(col.Name))
	if err != nil {
		store.Close()
		return nil, err
	}
	pool := worker.New(cfg.Worker, funcs, store, blobs, sched.Wake, log.WithCollection(col.Name))

	return &collectionRuntime{
		col:   col,
		store: store,
		blobs: blobs,
		sched: sched,
		pool:  pool,
		log:   log.WithComponent("collection").WithCollection(col.Name),
	}, nil
}

func (rt *collectionRuntime) Name() string {
	return "collection:" + rt.col.Name
}

// Start launches the scheduler and pool. A collection with Process set
// to false keeps its stores open for inspection but dispatches nothing.
func (rt *collectionRuntime) Start(context.Context) error {
	if !rt.col.Process {
		rt.log.Info("collection processing disabled")
		return nil
	}

	runCtx, cancel := context.WithCancel(context.Background())
	rt.cancel = cancel
	rt.done = make(chan struct{})

	go rt.sched.Run(runCtx)
	go func() {
		defer close(rt.done)
		rt.pool.Run(runCtx, rt.sched.Intake())
	}()
	return nil
}

// Stop cancels dispatch and waits for in-flight tasks to finish or time
// out.
func (rt *collectionRuntime) Stop(ctx context.Context) error {
	if rt.cancel == nil {
		return nil
	}
	rt.cancel()
	select {
	case <-rt.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("collection %s: workers did not drain in time", rt.col.Name)
	}
}

func (rt *collectionRuntime) Health(ctx context.Context) ComponentHealth {
	h := ComponentHealth{Name: rt.Name(), Status: StatusHealthy}
	stats, err := rt.store.Stats(ctx)
	if err != nil {
		h.Status = StatusUnhealthy
		h.Message = err.Error()
		return h
	}

	broken := stats.Counts[task.StatusFailedPermanent] + stats.Counts[task.StatusDeferred]
	if broken > 0 {
		h.Status = StatusDegraded
		h.Message = fmt.Sprintf("%d of %d records failed permanently or were deferred", broken, stats.Total())
	} else {
		h.Message = fmt.Sprintf("%d records, %d remaining", stats.Total(), stats.Remaining())
	}
	return h
}

func (rt *collectionRuntime) close() {
	rt.store.Close()
}
