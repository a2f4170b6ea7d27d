package pipeline

import (
	"context"

	"github.com/siftlab/sift/blob"
	"github.com/siftlab/sift/worker"
)

// runIndex is the terminal task per unique digest: it hands the
// finished Document to the publisher. Publishing is an idempotent
// upsert keyed by the digest, so a retry after a half-delivered attempt
// converges.
func (p *Pipeline) runIndex(ctx context.Context, inv *worker.Invocation) (*blob.Ref, error) {
	doc, err := inv.DepBytes(ctx, "doc")
	if err != nil {
		return nil, err
	}
	if err := p.pub.Publish(ctx, inv.Collection(), inv.Subject().String(), doc); err != nil {
		return nil, err
	}
	return nil, nil
}
