// Package blob implements content-addressable storage of immutable byte
// sequences, keyed by the SHA-256 digest of their content.
//
// Writes are idempotent: storing the same bytes twice performs at most
// one physical write and always yields the same digest. Blobs are never
// mutated or deleted during normal operation; they form the dedup key
// and the task-identity component for the rest of the engine.
//
// Persistence is pluggable behind the Backend interface. Import a
// provider package for its factory to register itself:
//
//	import _ "github.com/siftlab/sift/blob/local"
//	import _ "github.com/siftlab/sift/blob/s3"
package blob
