package badgerstore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/siftlab/sift/blob"
	"github.com/siftlab/sift/collection"
	"github.com/siftlab/sift/errors"
	"github.com/siftlab/sift/logger"
	"github.com/siftlab/sift/task"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	col, err := collection.New("testcol")
	if err != nil {
		t.Fatalf("collection: %v", err)
	}
	s, err := New(Config{InMemory: true}, col, logger.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testSpec(fn string, n int) task.Spec {
	params, _ := task.Params(map[string]any{"n": n})
	return task.Spec{Collection: "testcol", Func: fn, Version: 1, Params: params}
}

func digestOf(c byte) blob.Digest {
	return blob.Digest(strings.Repeat(string([]byte{c}), 64))
}

func mustRun(t *testing.T, s *Store, key task.Key, worker string) task.Record {
	t.Helper()
	ctx := context.Background()
	if _, err := s.MarkScheduled(ctx, key); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	rec, err := s.MarkRunning(ctx, key, worker)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	return rec
}

func TestCreateIfAbsentIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	spec := testSpec("filesystem.walk", 1)
	first, created, err := s.CreateIfAbsent(ctx, spec)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created {
		t.Fatal("expected first create to insert")
	}
	if first.Status != task.StatusPending {
		t.Fatalf("expected pending, got %s", first.Status)
	}

	second, created, err := s.CreateIfAbsent(ctx, spec)
	if err != nil {
		t.Fatalf("re-create: %v", err)
	}
	if created {
		t.Fatal("expected second create to return the existing record")
	}
	if second.Key != first.Key || !second.Created.Equal(first.Created) {
		t.Fatal("second create must return the original record")
	}
}

func TestCreateIfAbsentConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	spec := testSpec("digest.gather", 7)

	const n = 16
	var wg sync.WaitGroup
	inserted := make(chan bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, created, err := s.CreateIfAbsent(ctx, spec)
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			inserted <- created
		}()
	}
	wg.Wait()
	close(inserted)

	var wins int
	for c := range inserted {
		if c {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one insert, got %d", wins)
	}
}

func TestExclusiveClaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, _, err := s.CreateIfAbsent(ctx, testSpec("expand.zip", 1))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.MarkScheduled(ctx, rec.Key); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if _, err := s.MarkScheduled(ctx, rec.Key); !errors.IsConflict(err) {
		t.Fatalf("second schedule must lose the claim, got %v", err)
	}

	const n = 8
	var wg sync.WaitGroup
	claims := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.MarkRunning(ctx, rec.Key, fmt.Sprintf("worker-%d", i))
			claims <- err
		}(i)
	}
	wg.Wait()
	close(claims)

	var won int
	for err := range claims {
		if err == nil {
			won++
		} else if !errors.IsConflict(err) {
			t.Fatalf("losing claim must be a conflict, got %v", err)
		}
	}
	if won != 1 {
		t.Fatalf("expected exactly one winning claim, got %d", won)
	}
}

func TestListRunnableFIFOAndDeps(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, _, err := s.CreateIfAbsent(ctx, testSpec("filesystem.walk", 1))
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	time.Sleep(2 * time.Millisecond)
	b, _, err := s.CreateIfAbsent(ctx, testSpec("filesystem.walk", 2))
	if err != nil {
		t.Fatalf("create b: %v", err)
	}

	blocked := testSpec("digest.gather", 3)
	blocked.Deps = []task.DepRef{{Name: "walk", Task: a.Key}}
	c, _, err := s.CreateIfAbsent(ctx, blocked)
	if err != nil {
		t.Fatalf("create c: %v", err)
	}

	runnable, err := s.ListRunnable(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runnable) != 2 {
		t.Fatalf("expected 2 runnable, got %d", len(runnable))
	}
	if runnable[0].Key != a.Key || runnable[1].Key != b.Key {
		t.Fatal("runnable tasks must come back oldest first")
	}

	mustRun(t, s, a.Key, "w1")
	if _, err := s.RecordSuccess(ctx, a.Key, digestOf('a')); err != nil {
		t.Fatalf("success: %v", err)
	}

	runnable, err = s.ListRunnable(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	keys := map[task.Key]bool{}
	for _, r := range runnable {
		keys[r.Key] = true
	}
	if !keys[c.Key] {
		t.Fatal("task must become runnable once its dependency succeeds")
	}
}

func TestSuccessResultNeverReplaced(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, _, err := s.CreateIfAbsent(ctx, testSpec("expand.zip", 1))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	mustRun(t, s, rec.Key, "w1")

	first, err := s.RecordSuccess(ctx, rec.Key, digestOf('a'))
	if err != nil {
		t.Fatalf("success: %v", err)
	}
	again, err := s.RecordSuccess(ctx, rec.Key, digestOf('b'))
	if err != nil {
		t.Fatalf("repeat success must be a no-op, got %v", err)
	}
	if again.Result != first.Result {
		t.Fatal("a recorded result must never be replaced")
	}
}

func TestFailureTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, _, err := s.CreateIfAbsent(ctx, testSpec("expand.zip", 1))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	mustRun(t, s, rec.Key, "w1")

	failed, err := s.RecordFailure(ctx, rec.Key, "connection reset", "io_error", true)
	if err != nil {
		t.Fatalf("failure: %v", err)
	}
	if failed.Status != task.StatusFailedRetry || failed.Attempts != 1 {
		t.Fatalf("expected failed_retry with 1 attempt, got %s/%d", failed.Status, failed.Attempts)
	}

	requeued, err := s.Requeue(ctx, rec.Key)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if requeued.Status != task.StatusPending {
		t.Fatalf("expected pending after requeue, got %s", requeued.Status)
	}

	mustRun(t, s, rec.Key, "w2")
	if _, err := s.RecordFailure(ctx, rec.Key, "bad zip header", "corrupt_archive", false); err != nil {
		t.Fatalf("failure: %v", err)
	}
	got, err := s.Get(ctx, rec.Key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != task.StatusFailedPermanent || got.Reason != "corrupt_archive" {
		t.Fatalf("expected permanent failure with reason, got %s/%q", got.Status, got.Reason)
	}
}

func TestGiveUpAfterRetries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, _, err := s.CreateIfAbsent(ctx, testSpec("index.document", 1))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	mustRun(t, s, rec.Key, "w1")
	if _, err := s.RecordFailure(ctx, rec.Key, "503", "http_error", true); err != nil {
		t.Fatalf("failure: %v", err)
	}

	gaveUp, err := s.GiveUp(ctx, rec.Key, "attempts_exhausted")
	if err != nil {
		t.Fatalf("give up: %v", err)
	}
	if gaveUp.Status != task.StatusFailedPermanent || gaveUp.Reason != "attempts_exhausted" {
		t.Fatalf("unexpected record after give up: %s/%q", gaveUp.Status, gaveUp.Reason)
	}
}

func TestReclaimConditionalOnAttempt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, _, err := s.CreateIfAbsent(ctx, testSpec("expand.zip", 1))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	running := mustRun(t, s, rec.Key, "w1")
	if running.AttemptID == "" {
		t.Fatal("running record must carry an attempt id")
	}

	reclaimed, err := s.Reclaim(ctx, rec.Key, running.AttemptID)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if reclaimed.Status != task.StatusPending || reclaimed.Attempts != 1 {
		t.Fatalf("expected pending with 1 attempt after reclaim, got %s/%d", reclaimed.Status, reclaimed.Attempts)
	}

	// Stale reclaim: the task has moved on since this attempt id.
	if _, err := s.Reclaim(ctx, rec.Key, running.AttemptID); !errors.IsConflict(err) {
		t.Fatalf("stale reclaim must be a conflict, got %v", err)
	}
}

func TestDeferredAndDependents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	parent, _, err := s.CreateIfAbsent(ctx, testSpec("expand.zip", 1))
	if err != nil {
		t.Fatalf("create parent: %v", err)
	}
	childSpec := testSpec("digest.gather", 2)
	childSpec.Deps = []task.DepRef{{Name: "archive", Task: parent.Key}}
	child, _, err := s.CreateIfAbsent(ctx, childSpec)
	if err != nil {
		t.Fatalf("create child: %v", err)
	}

	deps, err := s.Dependents(ctx, parent.Key)
	if err != nil {
		t.Fatalf("dependents: %v", err)
	}
	if len(deps) != 1 || deps[0] != child.Key {
		t.Fatalf("unexpected dependents: %v", deps)
	}

	deferred, err := s.MarkDeferred(ctx, child.Key, "dependency_failed")
	if err != nil {
		t.Fatalf("defer: %v", err)
	}
	if deferred.Status != task.StatusDeferred {
		t.Fatalf("expected deferred, got %s", deferred.Status)
	}
	// Deferring twice is harmless.
	if _, err := s.MarkDeferred(ctx, child.Key, "dependency_failed"); err != nil {
		t.Fatalf("re-defer: %v", err)
	}
}

func TestListStalled(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, _, err := s.CreateIfAbsent(ctx, testSpec("expand.zip", 1))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	mustRun(t, s, rec.Key, "w1")

	stalled, err := s.ListStalled(ctx, time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("list stalled: %v", err)
	}
	if len(stalled) != 1 || stalled[0].Key != rec.Key {
		t.Fatalf("expected the running task to be stalled past the deadline, got %v", stalled)
	}

	stalled, err = s.ListStalled(ctx, time.Now().Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("list stalled: %v", err)
	}
	if len(stalled) != 0 {
		t.Fatal("a fresh running task must not be reported as stalled")
	}
}

func TestListStalledIncludesStaleScheduled(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, _, err := s.CreateIfAbsent(ctx, testSpec("digest.gather", 1))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.MarkScheduled(ctx, rec.Key); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	// Claimed for dispatch but never handed to a worker: stale once its
	// update time falls behind the deadline.
	stalled, err := s.ListStalled(ctx, time.Now().Add(time.Hour), 10)
	if err != nil {
		t.Fatalf("list stalled: %v", err)
	}
	if len(stalled) != 1 || stalled[0].Key != rec.Key || stalled[0].Status != task.StatusScheduled {
		t.Fatalf("expected the stale scheduled task, got %v", stalled)
	}

	stalled, err = s.ListStalled(ctx, time.Now().Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("list stalled: %v", err)
	}
	if len(stalled) != 0 {
		t.Fatal("a fresh scheduled task must not be reported as stalled")
	}
}

func TestReleaseScheduled(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec, _, err := s.CreateIfAbsent(ctx, testSpec("digest.gather", 1))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.MarkScheduled(ctx, rec.Key); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	released, err := s.Release(ctx, rec.Key)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if released.Status != task.StatusPending || released.Attempts != 0 {
		t.Fatalf("expected pending with no attempt counted, got %s/%d", released.Status, released.Attempts)
	}

	// Released tasks are dispatchable again.
	runnable, err := s.ListRunnable(ctx, 10)
	if err != nil {
		t.Fatalf("list runnable: %v", err)
	}
	if len(runnable) != 1 || runnable[0].Key != rec.Key {
		t.Fatalf("released task must be runnable, got %v", runnable)
	}

	// A task that moved on cannot be released.
	mustRun(t, s, rec.Key, "w1")
	if _, err := s.Release(ctx, rec.Key); !errors.IsConflict(err) {
		t.Fatalf("release of a running task must be a conflict, got %v", err)
	}
}

func TestForEachByStatusStreamsBeyondAnyLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const n = 9
	for i := 0; i < n; i++ {
		rec, _, err := s.CreateIfAbsent(ctx, testSpec("expand.zip", i))
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		mustRun(t, s, rec.Key, "w1")
		if _, err := s.RecordFailure(ctx, rec.Key, "boom", "test_failure", false); err != nil {
			t.Fatalf("fail %d: %v", i, err)
		}
	}

	var seen int
	err := s.ForEachByStatus(ctx, task.StatusFailedPermanent, func(rec task.Record) error {
		if rec.Status != task.StatusFailedPermanent {
			t.Fatalf("unexpected record in stream: %s", rec.Status)
		}
		seen++
		return nil
	})
	if err != nil {
		t.Fatalf("for each: %v", err)
	}
	if seen != n {
		t.Fatalf("expected all %d records streamed, got %d", n, seen)
	}
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, _, _ := s.CreateIfAbsent(ctx, testSpec("f", 1))
	s.CreateIfAbsent(ctx, testSpec("f", 2))
	mustRun(t, s, a.Key, "w1")
	if _, err := s.RecordSuccess(ctx, a.Key, digestOf('a')); err != nil {
		t.Fatalf("success: %v", err)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total() != 2 {
		t.Fatalf("expected 2 records, got %d", stats.Total())
	}
	if stats.Counts[task.StatusSuccess] != 1 || stats.Counts[task.StatusPending] != 1 {
		t.Fatalf("unexpected counts: %+v", stats.Counts)
	}
	if stats.Remaining() != 1 {
		t.Fatalf("expected 1 remaining, got %d", stats.Remaining())
	}
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get(context.Background(), task.Key(strings.Repeat("0", 64))); !errors.IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestWrongCollectionRejected(t *testing.T) {
	s := newTestStore(t)
	spec := testSpec("f", 1)
	spec.Collection = "other"
	if _, _, err := s.CreateIfAbsent(context.Background(), spec); !errors.IsConfig(err) {
		t.Fatalf("expected config error, got %v", err)
	}
}
