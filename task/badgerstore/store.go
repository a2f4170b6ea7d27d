// Package badgerstore persists task records in BadgerDB. Each
// collection gets its own database; conditional status transitions are
// serializable transactions, so a lost claim race surfaces as a
// conflict error instead of a double execution.
package badgerstore

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/siftlab/sift/blob"
	"github.com/siftlab/sift/collection"
	"github.com/siftlab/sift/errors"
	"github.com/siftlab/sift/logger"
	"github.com/siftlab/sift/task"
)

// Key layout. The status index key embeds the record's creation time,
// zero padded, so a prefix scan yields oldest-first order.
//
//	t/<key>                          record JSON
//	s/<status>/<created-ns>/<key>    status index (empty value)
//	d/<dep-key>/<key>                reverse dependency index
const (
	recordPrefix = "t/"
	statusPrefix = "s/"
	depPrefix    = "d/"
)

// Store implements task.Store on BadgerDB.
type Store struct {
	db  *badger.DB
	col collection.Collection
	log *logger.Logger
}

var _ task.Store = (*Store)(nil)

// New opens (creating if necessary) the task database for col.
func New(cfg Config, col collection.Collection, log *logger.Logger) (*Store, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Config(err.Error())
	}

	slog := log.WithComponent("task-store").WithCollection(col.Name)
	opts := badger.DefaultOptions(cfg.path(col.Name)).
		WithInMemory(cfg.InMemory).
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(badgerLogger{log: slog})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Transient(fmt.Sprintf("open task database for %s", col.Name)).WithCause(err)
	}
	slog.Info("task store opened", logger.Fields("dir", cfg.path(col.Name), "in_memory", cfg.InMemory))
	return &Store{db: db, col: col, log: slog}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// CreateIfAbsent inserts a Pending record for spec unless one with the
// same identity key already exists.
func (s *Store) CreateIfAbsent(ctx context.Context, spec task.Spec) (task.Record, bool, error) {
	if err := spec.Validate(); err != nil {
		return task.Record{}, false, err
	}
	if spec.Collection != s.col.Name {
		return task.Record{}, false, errors.Config(fmt.Sprintf(
			"task spec for collection %q given to store for %q", spec.Collection, s.col.Name))
	}

	key := spec.Key()
	var rec task.Record
	var created bool

	// Two concurrent creators both read the absent record and both
	// write; one commit loses with ErrConflict and the retry reads the
	// winner's record.
	for attempt := 0; ; attempt++ {
		err := s.db.Update(func(txn *badger.Txn) error {
			existing, err := getRecord(txn, key)
			if err == nil {
				rec, created = existing, false
				return nil
			}
			if !errors.IsNotFound(err) {
				return err
			}

			now := time.Now().UTC()
			rec = task.Record{
				Key:        key,
				Collection: spec.Collection,
				Func:       spec.Func,
				Version:    spec.Version,
				Subject:    spec.Subject,
				Params:     spec.Params,
				Deps:       spec.Deps,
				Ancestry:   spec.Ancestry,
				Status:     task.StatusPending,
				Created:    now,
				Updated:    now,
			}
			created = true
			if err := putRecord(txn, rec); err != nil {
				return err
			}
			if err := txn.Set(statusKey(rec.Status, rec.Created, key), nil); err != nil {
				return err
			}
			for _, d := range spec.Deps {
				if d.Task == "" {
					continue
				}
				if err := txn.Set(depKey(d.Task, key), nil); err != nil {
					return err
				}
			}
			return nil
		})
		if err == badger.ErrConflict && attempt < 3 {
			continue
		}
		if err != nil {
			return task.Record{}, false, wrapStoreErr(err, key)
		}
		break
	}

	if created {
		s.log.Debug("task created", logger.Fields(
			logger.FieldTask, key.Short(), logger.FieldFunc, rec.Func))
	}
	return rec, created, nil
}

// Get returns the record for key.
func (s *Store) Get(ctx context.Context, key task.Key) (task.Record, error) {
	var rec task.Record
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		rec, err = getRecord(txn, key)
		return err
	})
	return rec, err
}

// MarkScheduled claims a Pending task for dispatch.
func (s *Store) MarkScheduled(ctx context.Context, key task.Key) (task.Record, error) {
	return s.mutate(key, func(rec *task.Record) (bool, error) {
		if rec.Status != task.StatusPending {
			return false, errors.AlreadyClaimed(key.String())
		}
		rec.Status = task.StatusScheduled
		return true, nil
	})
}

// MarkRunning claims a Scheduled task for one worker.
func (s *Store) MarkRunning(ctx context.Context, key task.Key, worker string) (task.Record, error) {
	return s.mutate(key, func(rec *task.Record) (bool, error) {
		if rec.Status != task.StatusScheduled {
			return false, errors.AlreadyClaimed(key.String())
		}
		now := time.Now().UTC()
		rec.Status = task.StatusRunning
		rec.Worker = worker
		rec.AttemptID = uuid.NewString()
		rec.Started = &now
		rec.Finished = nil
		return true, nil
	})
}

// RecordSuccess moves a Running task to Success. An already successful
// record is returned unchanged; its result is never replaced.
func (s *Store) RecordSuccess(ctx context.Context, key task.Key, result blob.Digest) (task.Record, error) {
	return s.mutate(key, func(rec *task.Record) (bool, error) {
		if rec.Status == task.StatusSuccess {
			return false, nil
		}
		if rec.Status != task.StatusRunning {
			return false, conflict(key, "success recorded for a task that is not running")
		}
		now := time.Now().UTC()
		rec.Status = task.StatusSuccess
		rec.Result = result
		rec.Finished = &now
		rec.AttemptID = ""
		rec.LastError = ""
		rec.Reason = ""
		return true, nil
	})
}

// RecordFailure moves a Running task to FailedRetry or FailedPermanent
// and increments the attempt counter.
func (s *Store) RecordFailure(ctx context.Context, key task.Key, errMsg, reason string, retryable bool) (task.Record, error) {
	return s.mutate(key, func(rec *task.Record) (bool, error) {
		if rec.Status != task.StatusRunning {
			return false, conflict(key, "failure recorded for a task that is not running")
		}
		now := time.Now().UTC()
		rec.Attempts++
		rec.LastError = errMsg
		rec.Reason = reason
		rec.Finished = &now
		rec.AttemptID = ""
		rec.Worker = ""
		if retryable {
			rec.Status = task.StatusFailedRetry
		} else {
			rec.Status = task.StatusFailedPermanent
		}
		return true, nil
	})
}

// MarkDeferred moves a non-terminal task to Deferred. A task that is
// already Deferred is returned unchanged.
func (s *Store) MarkDeferred(ctx context.Context, key task.Key, reason string) (task.Record, error) {
	return s.mutate(key, func(rec *task.Record) (bool, error) {
		if rec.Status == task.StatusDeferred {
			return false, nil
		}
		if rec.Status.Terminal() {
			return false, conflict(key, "cannot defer a finished task")
		}
		now := time.Now().UTC()
		rec.Status = task.StatusDeferred
		rec.Reason = reason
		rec.Finished = &now
		rec.AttemptID = ""
		rec.Worker = ""
		return true, nil
	})
}

// Requeue moves a FailedRetry task back to Pending.
func (s *Store) Requeue(ctx context.Context, key task.Key) (task.Record, error) {
	return s.mutate(key, func(rec *task.Record) (bool, error) {
		if rec.Status != task.StatusFailedRetry {
			return false, conflict(key, "requeue of a task that is not awaiting retry")
		}
		rec.Status = task.StatusPending
		rec.Started = nil
		rec.Finished = nil
		return true, nil
	})
}

// GiveUp moves a FailedRetry task to FailedPermanent.
func (s *Store) GiveUp(ctx context.Context, key task.Key, reason string) (task.Record, error) {
	return s.mutate(key, func(rec *task.Record) (bool, error) {
		if rec.Status != task.StatusFailedRetry {
			return false, conflict(key, "give up on a task that is not awaiting retry")
		}
		rec.Status = task.StatusFailedPermanent
		rec.Reason = reason
		return true, nil
	})
}

// Reclaim resets a stalled Running task to Pending, conditional on the
// attempt ID: a task that finished or was reclaimed already is left
// alone.
func (s *Store) Reclaim(ctx context.Context, key task.Key, attemptID string) (task.Record, error) {
	return s.mutate(key, func(rec *task.Record) (bool, error) {
		if rec.Status != task.StatusRunning || rec.AttemptID != attemptID {
			return false, conflict(key, "attempt already finished or reclaimed")
		}
		rec.Attempts++
		rec.Status = task.StatusPending
		rec.LastError = fmt.Sprintf("worker %s stalled; execution reclaimed", rec.Worker)
		rec.Reason = "liveness"
		rec.AttemptID = ""
		rec.Worker = ""
		rec.Started = nil
		return true, nil
	})
}

// Release returns a Scheduled task that never reached a worker back to
// Pending. No attempt is counted: nothing executed.
func (s *Store) Release(ctx context.Context, key task.Key) (task.Record, error) {
	return s.mutate(key, func(rec *task.Record) (bool, error) {
		if rec.Status != task.StatusScheduled {
			return false, conflict(key, "release of a task that is not scheduled")
		}
		rec.Status = task.StatusPending
		return true, nil
	})
}

// ListRunnable returns up to limit Pending tasks whose task
// dependencies are all Success, oldest first.
func (s *Store) ListRunnable(ctx context.Context, limit int) ([]task.Record, error) {
	var out []task.Record
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(statusPrefix + string(task.StatusPending) + "/")
		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(out) < limit; it.Next() {
			key := keyFromIndex(it.Item().Key())
			rec, err := getRecord(txn, key)
			if err != nil {
				return err
			}
			ready, err := depsSatisfied(txn, rec)
			if err != nil {
				return err
			}
			if ready {
				out = append(out, rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrapStoreErr(err, "")
	}
	return out, nil
}

// ListByStatus returns up to limit tasks in status, oldest first.
func (s *Store) ListByStatus(ctx context.Context, status task.Status, limit int) ([]task.Record, error) {
	var out []task.Record
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(statusPrefix + string(status) + "/")
		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(out) < limit; it.Next() {
			rec, err := getRecord(txn, keyFromIndex(it.Item().Key()))
			if err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, wrapStoreErr(err, "")
	}
	return out, nil
}

// ForEachByStatus streams every task in status, oldest first.
func (s *Store) ForEachByStatus(ctx context.Context, status task.Status, fn func(task.Record) error) error {
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(statusPrefix + string(status) + "/")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			rec, err := getRecord(txn, keyFromIndex(it.Item().Key()))
			if err != nil {
				return err
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
		return nil
	})
	return wrapStoreErr(err, "")
}

// ListStalled returns up to limit tasks stuck in flight past deadline:
// Running tasks started before it and Scheduled tasks last touched
// before it.
func (s *Store) ListStalled(ctx context.Context, deadline time.Time, limit int) ([]task.Record, error) {
	var out []task.Record
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(statusPrefix + string(task.StatusRunning) + "/")
		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(out) < limit; it.Next() {
			rec, err := getRecord(txn, keyFromIndex(it.Item().Key()))
			if err != nil {
				return err
			}
			if rec.Started != nil && rec.Started.Before(deadline) {
				out = append(out, rec)
			}
		}

		// A dispatcher that died after MarkScheduled but before the
		// handoff leaves the record Scheduled; it goes stale by its
		// update time.
		prefix = []byte(statusPrefix + string(task.StatusScheduled) + "/")
		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(out) < limit; it.Next() {
			rec, err := getRecord(txn, keyFromIndex(it.Item().Key()))
			if err != nil {
				return err
			}
			if rec.Updated.Before(deadline) {
				out = append(out, rec)
			}
		}
		return nil
	})
	if err != nil {
		return nil, wrapStoreErr(err, "")
	}
	return out, nil
}

// Dependents returns the keys of tasks directly depending on key.
func (s *Store) Dependents(ctx context.Context, key task.Key) ([]task.Key, error) {
	var out []task.Key
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(depPrefix + string(key) + "/")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			out = append(out, task.Key(string(it.Item().Key()[len(prefix):])))
		}
		return nil
	})
	if err != nil {
		return nil, wrapStoreErr(err, key)
	}
	return out, nil
}

// Stats counts records per status by scanning the status index.
func (s *Store) Stats(ctx context.Context) (task.Stats, error) {
	stats := task.Stats{Counts: make(map[task.Status]int64, len(task.AllStatuses))}
	for _, st := range task.AllStatuses {
		stats.Counts[st] = 0
	}
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(statusPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			rest := string(it.Item().Key()[len(prefix):])
			if i := strings.IndexByte(rest, '/'); i > 0 {
				stats.Counts[task.Status(rest[:i])]++
			}
		}
		return nil
	})
	if err != nil {
		return task.Stats{}, wrapStoreErr(err, "")
	}
	return stats, nil
}

// mutate runs one conditional transition: load, check and change under
// fn, persist with the status index moved. fn returning false skips the
// write and returns the record as loaded.
func (s *Store) mutate(key task.Key, fn func(rec *task.Record) (bool, error)) (task.Record, error) {
	var rec task.Record
	err := s.db.Update(func(txn *badger.Txn) error {
		var err error
		rec, err = getRecord(txn, key)
		if err != nil {
			return err
		}
		prev := rec.Status
		write, err := fn(&rec)
		if err != nil {
			return err
		}
		if !write {
			return nil
		}
		rec.Updated = time.Now().UTC()
		if err := putRecord(txn, rec); err != nil {
			return err
		}
		if rec.Status != prev {
			if err := txn.Delete(statusKey(prev, rec.Created, key)); err != nil {
				return err
			}
			if err := txn.Set(statusKey(rec.Status, rec.Created, key), nil); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return task.Record{}, wrapStoreErr(err, key)
	}
	return rec, nil
}

// --- key helpers ---

func recordKey(key task.Key) []byte {
	return []byte(recordPrefix + string(key))
}

func statusKey(status task.Status, created time.Time, key task.Key) []byte {
	return []byte(fmt.Sprintf("%s%s/%020d/%s", statusPrefix, status, created.UnixNano(), key))
}

func depKey(dep, key task.Key) []byte {
	return []byte(depPrefix + string(dep) + "/" + string(key))
}

// keyFromIndex extracts the task key from a status index key, which
// ends with "/<key>".
func keyFromIndex(idx []byte) task.Key {
	s := string(idx)
	if i := strings.LastIndexByte(s, '/'); i >= 0 {
		return task.Key(s[i+1:])
	}
	return task.Key(s)
}

// --- transaction helpers ---

func getRecord(txn *badger.Txn, key task.Key) (task.Record, error) {
	item, err := txn.Get(recordKey(key))
	if err == badger.ErrKeyNotFound {
		return task.Record{}, errors.NotFound("task", key.Short())
	}
	if err != nil {
		return task.Record{}, err
	}
	var rec task.Record
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return task.Record{}, errors.Transient(fmt.Sprintf("decode task record %s", key.Short())).WithCause(err)
	}
	return rec, nil
}

func putRecord(txn *badger.Txn, rec task.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Transient(fmt.Sprintf("encode task record %s", rec.Key.Short())).WithCause(err)
	}
	return txn.Set(recordKey(rec.Key), data)
}

// depsSatisfied reports whether every task dependency of rec is
// Success. Blob dependencies are content that already exists, so they
// never block.
func depsSatisfied(txn *badger.Txn, rec task.Record) (bool, error) {
	for _, d := range rec.Deps {
		if d.Task == "" {
			continue
		}
		dep, err := getRecord(txn, d.Task)
		if err != nil {
			if errors.IsNotFound(err) {
				return false, nil
			}
			return false, err
		}
		if dep.Status != task.StatusSuccess {
			return false, nil
		}
	}
	return true, nil
}

func conflict(key task.Key, msg string) error {
	return errors.New(errors.KindConflict, fmt.Sprintf("task %s: %s", key.Short(), msg))
}

func wrapStoreErr(err error, key task.Key) error {
	if err == nil {
		return nil
	}
	var e *errors.Error
	if stderrors.As(err, &e) {
		return err
	}
	if stderrors.Is(err, badger.ErrConflict) {
		return errors.AlreadyClaimed(key.String())
	}
	return errors.Transient("task store transaction failed").WithCause(err)
}
