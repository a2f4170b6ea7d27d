package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/siftlab/sift/blob"
	"github.com/siftlab/sift/errors"
	"github.com/siftlab/sift/logger"
	"github.com/siftlab/sift/task"
	"github.com/siftlab/sift/worker"
)

type walkParams struct {
	Path string `json:"path"`
}

// runWalk lists one directory level: each file is stored as a content
// blob and planned for processing, each subdirectory spawns a child
// walk. One level per task keeps individual tasks small and makes a
// huge tree ingest restartable at directory granularity.
func (p *Pipeline) runWalk(ctx context.Context, inv *worker.Invocation) (*blob.Ref, error) {
	var params walkParams
	if err := inv.Params(&params); err != nil {
		return nil, err
	}
	if params.Path == "" {
		return nil, errors.Permanent("bad_params", "walk task has no path")
	}

	entries, err := os.ReadDir(params.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Permanent("missing_path", fmt.Sprintf("source path %s does not exist", params.Path))
		}
		return nil, errors.Transient(fmt.Sprintf("read directory %s", params.Path)).WithCause(err)
	}

	for _, entry := range entries {
		full := filepath.Join(params.Path, entry.Name())

		if entry.IsDir() {
			childParams, err := task.Params(walkParams{Path: full})
			if err != nil {
				return nil, err
			}
			if _, _, err := inv.Spawn(ctx, task.Spec{
				Func: FuncWalk, Version: funcVersion, Params: childParams,
			}); err != nil {
				return nil, err
			}
			continue
		}
		if !entry.Type().IsRegular() {
			inv.Log().Debug("skipping irregular file", logger.Fields("path", full))
			continue
		}

		ref, err := inv.Blobs().PutFile(ctx, full)
		if err != nil {
			return nil, err
		}
		if err := inv.Blobs().RecordName(ctx, ref.Digest, full); err != nil {
			return nil, err
		}
		if err := p.spawnForBlob(ctx, inv, ref); err != nil {
			return nil, err
		}
	}
	return nil, nil
}
