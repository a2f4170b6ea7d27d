// Package pipeline holds the built-in document-ingest task functions
// and the builder that seeds a collection's root task. Functions here
// are ordinary worker registrations; external collaborators add their
// own alongside them.
package pipeline

import (
	"context"

	"github.com/siftlab/sift/blob"
	"github.com/siftlab/sift/collection"
	"github.com/siftlab/sift/index"
	"github.com/siftlab/sift/logger"
	"github.com/siftlab/sift/task"
	"github.com/siftlab/sift/worker"
)

// Registered function names. Versions are bumped when a function's
// output semantics change, which gives all affected tasks new
// identities and forces recomputation without touching history.
const (
	FuncWalk    = "filesystem.walk"
	FuncExpand  = "expand.zip"
	FuncMember  = "expand.zip.member"
	FuncGather  = "digest.gather"
	FuncIndex   = "index.document"
	funcVersion = 1
)

// Pipeline wires the ingest functions to a publisher and the registry
// they route spawned tasks through.
type Pipeline struct {
	reg *worker.Registry
	pub index.Publisher
	log *logger.Logger
}

// New creates a Pipeline publishing finished documents through pub.
func New(pub index.Publisher, log *logger.Logger) *Pipeline {
	return &Pipeline{pub: pub, log: log.WithComponent("pipeline")}
}

// Register adds the ingest functions to reg. The registry is also
// consulted at run time for media-type routing of newly stored blobs.
func (p *Pipeline) Register(reg *worker.Registry) error {
	p.reg = reg
	funcs := []worker.Func{
		{Name: FuncWalk, Version: funcVersion, Run: p.runWalk},
		{Name: FuncExpand, Version: funcVersion, MediaTypes: []string{"application/zip"}, Run: p.runExpand},
		{Name: FuncMember, Version: funcVersion, Run: p.runMember},
		{Name: FuncGather, Version: funcVersion, Run: p.runGather},
		{Name: FuncIndex, Version: funcVersion, Run: p.runIndex},
	}
	for _, f := range funcs {
		if err := reg.Register(f); err != nil {
			return err
		}
	}
	return nil
}

// Seed creates the root walk task for a collection's source directory.
// Seeding an already seeded collection is a no-op returning the
// existing root.
func Seed(ctx context.Context, store task.Store, col collection.Collection, wake func()) (task.Record, bool, error) {
	params, err := task.Params(walkParams{Path: col.SourcePath})
	if err != nil {
		return task.Record{}, false, err
	}
	rec, created, err := store.CreateIfAbsent(ctx, task.Spec{
		Collection: col.Name,
		Func:       FuncWalk,
		Version:    funcVersion,
		Params:     params,
	})
	if err != nil {
		return task.Record{}, false, err
	}
	if created && wake != nil {
		wake()
	}
	return rec, created, nil
}

// spawnForBlob plans the processing of one newly stored content blob:
// the metadata gather task, the terminal index task depending on it,
// and whatever content-routed functions accept the blob's media type.
// Identity excludes ancestry, so the same bytes reached from anywhere
// converge on the same tasks.
func (p *Pipeline) spawnForBlob(ctx context.Context, inv *worker.Invocation, ref blob.Ref) error {
	gather, _, err := inv.Spawn(ctx, task.Spec{
		Func: FuncGather, Version: funcVersion, Subject: ref.Digest,
	})
	if err != nil {
		return err
	}
	if _, _, err := inv.Spawn(ctx, task.Spec{
		Func: FuncIndex, Version: funcVersion, Subject: ref.Digest,
		Deps: []task.DepRef{{Name: "doc", Task: gather.Key}},
	}); err != nil {
		return err
	}
	for _, f := range p.reg.ForMediaType(ref.MediaType) {
		if _, _, err := inv.Spawn(ctx, task.Spec{
			Func: f.Name, Version: f.Version, Subject: ref.Digest,
		}); err != nil {
			return err
		}
	}
	return nil
}
