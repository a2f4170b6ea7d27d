package worker

import (
	"context"
	"fmt"
	"io"

	"github.com/siftlab/sift/blob"
	"github.com/siftlab/sift/errors"
	"github.com/siftlab/sift/logger"
	"github.com/siftlab/sift/task"
)

// Invocation is the execution context handed to a task function: its
// record, decoded parameters, dependency results, blob access and the
// ability to spawn child tasks.
type Invocation struct {
	rec   task.Record
	blobs *blob.Store
	store task.Store
	log   *logger.Logger
	wake  func()
}

// Record returns the task record being executed.
func (inv *Invocation) Record() task.Record { return inv.rec }

// Collection returns the collection name the task belongs to.
func (inv *Invocation) Collection() string { return inv.rec.Collection }

// Params decodes the task's parameters into v.
func (inv *Invocation) Params(v any) error {
	if err := inv.rec.DecodeParams(v); err != nil {
		return errors.Permanent("bad_params", fmt.Sprintf("undecodable task params: %v", err))
	}
	return nil
}

// Blobs returns the collection's blob store.
func (inv *Invocation) Blobs() *blob.Store { return inv.blobs }

// Log returns a logger tagged with the task identity.
func (inv *Invocation) Log() *logger.Logger { return inv.log }

// Subject returns the digest of the content blob this task processes.
func (inv *Invocation) Subject() blob.Digest { return inv.rec.Subject }

// OpenSubject opens the task's subject blob for reading.
func (inv *Invocation) OpenSubject(ctx context.Context) (io.ReadCloser, error) {
	if inv.rec.Subject == "" {
		return nil, errors.Permanent("no_subject", fmt.Sprintf("task %s has no subject blob", inv.rec.Func))
	}
	return inv.blobs.Open(ctx, inv.rec.Subject)
}

// SubjectBytes reads the task's subject blob fully.
func (inv *Invocation) SubjectBytes(ctx context.Context) ([]byte, error) {
	if inv.rec.Subject == "" {
		return nil, errors.Permanent("no_subject", fmt.Sprintf("task %s has no subject blob", inv.rec.Func))
	}
	return inv.blobs.Get(ctx, inv.rec.Subject)
}

// SubjectRef returns the stored metadata of the subject blob.
func (inv *Invocation) SubjectRef(ctx context.Context) (blob.Ref, error) {
	if inv.rec.Subject == "" {
		return blob.Ref{}, errors.Permanent("no_subject", fmt.Sprintf("task %s has no subject blob", inv.rec.Func))
	}
	return inv.blobs.Stat(ctx, inv.rec.Subject)
}

// Dep resolves the named dependency to a content digest: the referenced
// blob directly, or the referenced task's result. The scheduler only
// dispatches once every task dependency is Success, so a missing result
// here means the store was tampered with and is reported as transient.
func (inv *Invocation) Dep(ctx context.Context, name string) (blob.Digest, error) {
	for _, d := range inv.rec.Deps {
		if d.Name != name {
			continue
		}
		if d.Blob != "" {
			return d.Blob, nil
		}
		dep, err := inv.store.Get(ctx, d.Task)
		if err != nil {
			return "", err
		}
		if dep.Status != task.StatusSuccess {
			return "", errors.Transient(fmt.Sprintf(
				"dependency %q of task %s is %s, not success", name, inv.rec.Key.Short(), dep.Status))
		}
		return dep.Result, nil
	}
	return "", errors.NotFound("dependency", name)
}

// DepBytes resolves the named dependency and reads its content.
func (inv *Invocation) DepBytes(ctx context.Context, name string) ([]byte, error) {
	d, err := inv.Dep(ctx, name)
	if err != nil {
		return nil, err
	}
	return inv.blobs.Get(ctx, d)
}

// Deps returns the record's declared dependency edges.
func (inv *Invocation) Deps() []task.DepRef { return inv.rec.Deps }

// PutResult stores data as a blob, typically to be returned as the
// task's result.
func (inv *Invocation) PutResult(ctx context.Context, data []byte) (blob.Ref, error) {
	return inv.blobs.Put(ctx, data)
}

// Spawn creates a child task. The child's ancestry is this task's chain
// extended with this task's subject, so a blob that re-surfaces inside
// its own descendants is rejected at creation instead of recursing
// forever. Spawning an already existing task returns the existing
// record; the boolean reports whether a new one was created.
func (inv *Invocation) Spawn(ctx context.Context, spec task.Spec) (task.Record, bool, error) {
	spec.Collection = inv.rec.Collection
	spec.Ancestry = inv.rec.Spec().ChildAncestry()

	rec, created, err := inv.store.CreateIfAbsent(ctx, spec)
	if err != nil {
		return task.Record{}, false, err
	}
	if created && inv.wake != nil {
		inv.wake()
	}
	return rec, created, nil
}
