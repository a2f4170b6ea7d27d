package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/siftlab/sift/collection"
	"github.com/siftlab/sift/errors"
	"github.com/siftlab/sift/logger"
)

// Store is a content-addressable blob store scoped to one collection.
// All methods are safe for concurrent use from many workers.
type Store struct {
	backend Backend
	col     collection.Collection
	log     *logger.Logger
}

// NewStore creates a Store over the given backend, scoped to col.
func NewStore(backend Backend, col collection.Collection, log *logger.Logger) *Store {
	return &Store{
		backend: backend,
		col:     col,
		log:     log.WithComponent("blob").WithCollection(col.Name),
	}
}

// Collection returns the collection this store is scoped to.
func (s *Store) Collection() collection.Collection { return s.col }

// Put stores data under its content digest if not already present and
// returns its Ref. At most one physical write happens per distinct
// digest; concurrent calls with identical content are safe because the
// content under a key is identical by construction.
func (s *Store) Put(ctx context.Context, data []byte) (Ref, error) {
	w := NewWriter()
	w.Write(data)
	ref := w.Ref()

	ok, err := s.backend.Exists(ctx, s.payloadKey(ref.Digest))
	if err != nil {
		return Ref{}, errors.Transient("blob existence check failed").WithCause(err)
	}
	if ok {
		s.log.Debug("blob already stored", logger.Fields(logger.FieldDigest, ref.Digest.Short()))
		return ref, nil
	}
	if err := s.write(ctx, ref, bytes.NewReader(data)); err != nil {
		return Ref{}, err
	}
	return ref, nil
}

// PutReader streams r into the store. The bytes are spooled to a
// temporary file while the digest is computed, then uploaded under the
// digest key if absent.
func (s *Store) PutReader(ctx context.Context, r io.Reader) (Ref, error) {
	tmp, err := os.CreateTemp("", "sift-blob-")
	if err != nil {
		return Ref{}, errors.Transient("create blob spool file").WithCause(err)
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	w := NewWriter()
	if _, err := io.Copy(io.MultiWriter(tmp, w), r); err != nil {
		return Ref{}, errors.Transient("spool blob content").WithCause(err)
	}
	ref := w.Ref()

	ok, err := s.backend.Exists(ctx, s.payloadKey(ref.Digest))
	if err != nil {
		return Ref{}, errors.Transient("blob existence check failed").WithCause(err)
	}
	if ok {
		return ref, nil
	}

	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return Ref{}, errors.Transient("rewind blob spool file").WithCause(err)
	}
	if err := s.write(ctx, ref, tmp); err != nil {
		return Ref{}, err
	}
	return ref, nil
}

// PutFile stores the file at path. Convenience wrapper over PutReader.
func (s *Store) PutFile(ctx context.Context, path string) (Ref, error) {
	f, err := os.Open(path)
	if err != nil {
		return Ref{}, errors.Transient(fmt.Sprintf("open %s", path)).WithCause(err)
	}
	defer f.Close()
	return s.PutReader(ctx, f)
}

// Get returns the exact bytes previously stored under digest. Absence is
// a NotFound error: retryable only if the producing task is expected to
// re-run, otherwise fatal for the caller.
func (s *Store) Get(ctx context.Context, digest Digest) ([]byte, error) {
	rc, err := s.Open(ctx, digest)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, errors.Transient("read blob content").WithCause(err)
	}
	return data, nil
}

// Open returns a reader over the blob's content. The caller closes it.
func (s *Store) Open(ctx context.Context, digest Digest) (io.ReadCloser, error) {
	rc, err := s.backend.Download(ctx, s.payloadKey(digest))
	if err != nil {
		if errors.IsNotFound(err) {
			return nil, errors.NotFound("blob", digest.String())
		}
		return nil, errors.Transient("download blob").WithCause(err)
	}
	return rc, nil
}

// Exists is the cheap existence check used by the scheduler to avoid
// re-deriving work whose output already exists.
func (s *Store) Exists(ctx context.Context, digest Digest) (bool, error) {
	ok, err := s.backend.Exists(ctx, s.payloadKey(digest))
	if err != nil {
		return false, errors.Transient("blob existence check failed").WithCause(err)
	}
	return ok, nil
}

// Stat returns the stored Ref for a digest from its metadata sidecar.
func (s *Store) Stat(ctx context.Context, digest Digest) (Ref, error) {
	rc, err := s.backend.Download(ctx, s.metaKey(digest))
	if err != nil {
		if errors.IsNotFound(err) {
			return Ref{}, errors.NotFound("blob", digest.String())
		}
		return Ref{}, errors.Transient("download blob metadata").WithCause(err)
	}
	defer rc.Close()

	var ref Ref
	if err := json.NewDecoder(rc).Decode(&ref); err != nil {
		return Ref{}, errors.Transient("decode blob metadata").WithCause(err)
	}
	return ref, nil
}

// write uploads the payload and its metadata sidecar. The payload goes
// last-writer-wins under the digest key; the sidecar carries the Ref so
// Stat works on any backend without a separate database.
func (s *Store) write(ctx context.Context, ref Ref, payload io.Reader) error {
	if err := s.backend.Upload(ctx, s.payloadKey(ref.Digest), payload); err != nil {
		return errors.Transient("upload blob").WithCause(err)
	}
	meta, err := json.Marshal(ref)
	if err != nil {
		return errors.Transient("encode blob metadata").WithCause(err)
	}
	if err := s.backend.Upload(ctx, s.metaKey(ref.Digest), bytes.NewReader(meta)); err != nil {
		return errors.Transient("upload blob metadata").WithCause(err)
	}
	s.log.Debug("blob stored", logger.Fields(
		logger.FieldDigest, ref.Digest.Short(),
		"size", ref.Size,
		"media_type", ref.MediaType,
	))
	return nil
}

func (s *Store) payloadKey(d Digest) string {
	return s.col.BlobPrefix() + repoPath(d)
}

func (s *Store) metaKey(d Digest) string {
	return s.col.BlobPrefix() + repoPath(d) + ".meta.json"
}
