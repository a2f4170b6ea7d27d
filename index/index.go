// Package index delivers finished metadata documents to the downstream
// search index. Delivery is at-least-once; documents are addressed by
// content digest, so a replay overwrites an identical document and the
// index converges.
package index

import (
	"context"
	"encoding/json"
)

// Publisher hands metadata documents to a search index.
type Publisher interface {
	// Publish upserts doc under docID in the collection's index.
	Publish(ctx context.Context, collection, docID string, doc json.RawMessage) error

	// Delete removes the document with docID from the collection's
	// index. Deleting an absent document is not an error.
	Delete(ctx context.Context, collection, docID string) error
}
