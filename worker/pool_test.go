package worker

import (
	"context"
	"testing"
	"time"

	"github.com/siftlab/sift/blob"
	"github.com/siftlab/sift/blob/local"
	"github.com/siftlab/sift/collection"
	"github.com/siftlab/sift/errors"
	"github.com/siftlab/sift/logger"
	"github.com/siftlab/sift/task"
	"github.com/siftlab/sift/task/badgerstore"
)

type fixture struct {
	store task.Store
	blobs *blob.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	col, err := collection.New("testcol")
	if err != nil {
		t.Fatalf("collection: %v", err)
	}
	store, err := badgerstore.New(badgerstore.Config{InMemory: true}, col, logger.Nop())
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	backend, err := local.NewBackend(t.TempDir())
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	return &fixture{
		store: store,
		blobs: blob.NewStore(backend, col, logger.Nop()),
	}
}

// dispatch creates a record and moves it to scheduled, as the
// dispatcher would before handing it to the pool.
func (f *fixture) dispatch(t *testing.T, spec task.Spec) task.Record {
	t.Helper()
	ctx := context.Background()
	rec, _, err := f.store.CreateIfAbsent(ctx, spec)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	scheduled, err := f.store.MarkScheduled(ctx, rec.Key)
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	return scheduled
}

// runPool feeds recs through a pool and waits for it to drain.
func runPool(t *testing.T, f *fixture, reg *Registry, cfg Config, recs ...task.Record) {
	t.Helper()
	intake := make(chan task.Record, len(recs))
	for _, r := range recs {
		intake <- r
	}
	close(intake)

	pool := New(cfg, reg, f.store, f.blobs, nil, logger.Nop())
	done := make(chan struct{})
	go func() {
		pool.Run(context.Background(), intake)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not drain")
	}
}

func testSpec(fn string, n int) task.Spec {
	params, _ := task.Params(map[string]any{"n": n})
	return task.Spec{Collection: "testcol", Func: fn, Version: 1, Params: params}
}

func TestPoolRecordsSuccessWithResult(t *testing.T) {
	f := newFixture(t)
	reg := NewRegistry()
	err := reg.Register(Func{
		Name: "echo", Version: 1,
		Run: func(ctx context.Context, inv *Invocation) (*blob.Ref, error) {
			ref, err := inv.PutResult(ctx, []byte("result payload"))
			if err != nil {
				return nil, err
			}
			return &ref, nil
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	rec := f.dispatch(t, testSpec("echo", 1))
	runPool(t, f, reg, Config{Workers: 1}, rec)

	got, err := f.store.Get(context.Background(), rec.Key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != task.StatusSuccess {
		t.Fatalf("expected success, got %s (%s)", got.Status, got.LastError)
	}
	if got.Result == "" {
		t.Fatal("success must carry the result digest")
	}
	data, err := f.blobs.Get(context.Background(), got.Result)
	if err != nil {
		t.Fatalf("result blob: %v", err)
	}
	if string(data) != "result payload" {
		t.Fatalf("unexpected result content %q", data)
	}
}

func TestPoolClassifiesFailures(t *testing.T) {
	f := newFixture(t)
	reg := NewRegistry()
	reg.Register(Func{
		Name: "flaky", Version: 1,
		Run: func(ctx context.Context, inv *Invocation) (*blob.Ref, error) {
			return nil, errors.Transient("connection reset")
		},
	})
	reg.Register(Func{
		Name: "corrupt", Version: 1,
		Run: func(ctx context.Context, inv *Invocation) (*blob.Ref, error) {
			return nil, errors.Permanent("corrupt_archive", "bad zip header")
		},
	})

	flaky := f.dispatch(t, testSpec("flaky", 1))
	corrupt := f.dispatch(t, testSpec("corrupt", 1))
	runPool(t, f, reg, Config{Workers: 2}, flaky, corrupt)

	ctx := context.Background()
	got, _ := f.store.Get(ctx, flaky.Key)
	if got.Status != task.StatusFailedRetry || got.Reason != "transient_error" {
		t.Fatalf("transient failure must retry, got %s/%q", got.Status, got.Reason)
	}
	got, _ = f.store.Get(ctx, corrupt.Key)
	if got.Status != task.StatusFailedPermanent || got.Reason != "corrupt_archive" {
		t.Fatalf("permanent failure must not retry, got %s/%q", got.Status, got.Reason)
	}
}

func TestPoolTimeoutIsRetryable(t *testing.T) {
	f := newFixture(t)
	reg := NewRegistry()
	reg.Register(Func{
		Name: "slow", Version: 1,
		Run: func(ctx context.Context, inv *Invocation) (*blob.Ref, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})

	rec := f.dispatch(t, testSpec("slow", 1))
	runPool(t, f, reg, Config{Workers: 1, TaskTimeout: 10 * time.Millisecond}, rec)

	got, err := f.store.Get(context.Background(), rec.Key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != task.StatusFailedRetry || got.Reason != "timeout" {
		t.Fatalf("timeout must be a retryable failure, got %s/%q", got.Status, got.Reason)
	}
}

func TestPoolLeavesPanickedTaskRunning(t *testing.T) {
	f := newFixture(t)
	reg := NewRegistry()
	reg.Register(Func{
		Name: "bomb", Version: 1,
		Run: func(ctx context.Context, inv *Invocation) (*blob.Ref, error) {
			panic("boom")
		},
	})
	reg.Register(Func{
		Name: "fine", Version: 1,
		Run: func(ctx context.Context, inv *Invocation) (*blob.Ref, error) {
			return nil, nil
		},
	})

	bomb := f.dispatch(t, testSpec("bomb", 1))
	fine := f.dispatch(t, testSpec("fine", 1))
	// One worker: it must survive the panic and still run the second task.
	runPool(t, f, reg, Config{Workers: 1}, bomb, fine)

	ctx := context.Background()
	got, _ := f.store.Get(ctx, bomb.Key)
	if got.Status != task.StatusRunning {
		t.Fatalf("panicked task must stay running for the reaper, got %s", got.Status)
	}
	got, _ = f.store.Get(ctx, fine.Key)
	if got.Status != task.StatusSuccess {
		t.Fatalf("worker must survive a panic, second task got %s", got.Status)
	}
}

func TestPoolUnknownFuncFailsPermanently(t *testing.T) {
	f := newFixture(t)
	rec := f.dispatch(t, testSpec("not.registered", 1))
	runPool(t, f, NewRegistry(), Config{Workers: 1}, rec)

	got, err := f.store.Get(context.Background(), rec.Key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != task.StatusFailedPermanent || got.Reason != "unknown_func" {
		t.Fatalf("unknown function must fail permanently, got %s/%q", got.Status, got.Reason)
	}
}

func TestPoolSkipsLostClaim(t *testing.T) {
	f := newFixture(t)
	reg := NewRegistry()
	var ran bool
	reg.Register(Func{
		Name: "once", Version: 1,
		Run: func(ctx context.Context, inv *Invocation) (*blob.Ref, error) {
			ran = true
			return nil, nil
		},
	})

	rec := f.dispatch(t, testSpec("once", 1))
	// Another worker wins the claim first.
	if _, err := f.store.MarkRunning(context.Background(), rec.Key, "other"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	runPool(t, f, reg, Config{Workers: 1}, rec)
	if ran {
		t.Fatal("pool must not execute a task whose claim it lost")
	}
}

func TestInvocationDepAndSpawn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// The upstream task has already produced its result.
	upstream := f.dispatch(t, testSpec("producer", 1))
	if _, err := f.store.MarkRunning(ctx, upstream.Key, "w0"); err != nil {
		t.Fatalf("run: %v", err)
	}
	ref, err := f.blobs.Put(ctx, []byte("upstream result"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := f.store.RecordSuccess(ctx, upstream.Key, ref.Digest); err != nil {
		t.Fatalf("success: %v", err)
	}

	subject, err := f.blobs.Put(ctx, []byte("subject content"))
	if err != nil {
		t.Fatalf("put subject: %v", err)
	}

	var spawned task.Record
	reg := NewRegistry()
	reg.Register(Func{
		Name: "consumer", Version: 1,
		Run: func(ctx context.Context, inv *Invocation) (*blob.Ref, error) {
			data, err := inv.DepBytes(ctx, "up")
			if err != nil {
				return nil, err
			}
			if string(data) != "upstream result" {
				t.Errorf("unexpected dep content %q", data)
			}
			spawned, _, err = inv.Spawn(ctx, task.Spec{
				Func: "child.func", Version: 1, Subject: ref.Digest,
			})
			return nil, err
		},
	})

	spec := task.Spec{
		Collection: "testcol", Func: "consumer", Version: 1,
		Subject: subject.Digest,
		Deps:    []task.DepRef{{Name: "up", Task: upstream.Key}},
	}
	rec := f.dispatch(t, spec)
	runPool(t, f, reg, Config{Workers: 1}, rec)

	got, err := f.store.Get(ctx, rec.Key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != task.StatusSuccess {
		t.Fatalf("expected success, got %s (%s)", got.Status, got.LastError)
	}

	child, err := f.store.Get(ctx, spawned.Key)
	if err != nil {
		t.Fatalf("get child: %v", err)
	}
	if child.Collection != "testcol" {
		t.Fatalf("spawned child must inherit the collection, got %q", child.Collection)
	}
	if len(child.Ancestry) != 1 || child.Ancestry[0] != subject.Digest {
		t.Fatalf("spawned child must carry the extended ancestry, got %v", child.Ancestry)
	}
}

func TestRegistryMediaTypeRouting(t *testing.T) {
	reg := NewRegistry()
	reg.Register(Func{
		Name: "expand.zip", Version: 1, MediaTypes: []string{"application/zip"},
		Run: func(ctx context.Context, inv *Invocation) (*blob.Ref, error) { return nil, nil },
	})
	reg.Register(Func{
		Name: "text.extract", Version: 1, MediaTypes: []string{"text/*"},
		Run: func(ctx context.Context, inv *Invocation) (*blob.Ref, error) { return nil, nil },
	})

	if fs := reg.ForMediaType("application/zip"); len(fs) != 1 || fs[0].Name != "expand.zip" {
		t.Fatalf("unexpected routing for zip: %v", fs)
	}
	if fs := reg.ForMediaType("text/plain; charset=utf-8"); len(fs) != 1 || fs[0].Name != "text.extract" {
		t.Fatalf("wildcard family must match parameterized types: %v", fs)
	}
	if fs := reg.ForMediaType("application/pdf"); len(fs) != 0 {
		t.Fatalf("unrouted type must match nothing: %v", fs)
	}
}

func TestRegistryDuplicateRejected(t *testing.T) {
	reg := NewRegistry()
	f := Func{Name: "f", Version: 1, Run: func(ctx context.Context, inv *Invocation) (*blob.Ref, error) { return nil, nil }}
	if err := reg.Register(f); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register(f); err == nil {
		t.Fatal("duplicate registration must be rejected")
	}
	// A new version of the same function is a different registration.
	f.Version = 2
	if err := reg.Register(f); err != nil {
		t.Fatalf("version bump registration: %v", err)
	}
}
