package blob

import (
	"context"
	"encoding/hex"
	"sort"
	"strings"
)

// RecordName associates an observed file name with a content digest.
// The same bytes are often reached under many paths; names are recorded
// as zero-byte marker objects keyed by the hex-encoded name, so the
// association is idempotent and needs no read-modify-write.
func (s *Store) RecordName(ctx context.Context, digest Digest, name string) error {
	if name == "" {
		return nil
	}
	key := s.nameKey(digest, name)
	ok, err := s.backend.Exists(ctx, key)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	return s.backend.Upload(ctx, key, strings.NewReader(""))
}

// Names returns every file name recorded for a digest, sorted.
func (s *Store) Names(ctx context.Context, digest Digest) ([]string, error) {
	prefix := s.namePrefix(digest)
	keys, err := s.backend.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, k := range keys {
		decoded, err := hex.DecodeString(strings.TrimPrefix(k, prefix))
		if err != nil {
			continue
		}
		names = append(names, string(decoded))
	}
	sort.Strings(names)
	return names, nil
}

func (s *Store) namePrefix(d Digest) string {
	return s.col.NamePrefix() + repoPath(d) + "/"
}

func (s *Store) nameKey(d Digest, name string) string {
	return s.namePrefix(d) + hex.EncodeToString([]byte(name))
}
