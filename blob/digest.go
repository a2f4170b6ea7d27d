package blob

import (
	"fmt"
	"regexp"

	"github.com/siftlab/sift/errors"
)

// Digest is the lowercase hex SHA-256 of a blob's full content. The same
// bytes produce the same digest on every machine and across restarts,
// which is what makes it a safe dedup key and task-identity component.
type Digest string

var digestPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// ParseDigest validates a digest string.
func ParseDigest(s string) (Digest, error) {
	if !digestPattern.MatchString(s) {
		return "", errors.Config(fmt.Sprintf("malformed digest %q", s))
	}
	return Digest(s), nil
}

func (d Digest) String() string { return string(d) }

// Short returns a truncated digest for log output.
func (d Digest) Short() string {
	if len(d) < 12 {
		return string(d)
	}
	return string(d[:12])
}

// repoPath shards a digest into a two-level directory layout
// (ab/cd/rest-of-hash) to keep per-directory object counts manageable on
// filesystem backends.
func repoPath(d Digest) string {
	s := string(d)
	return s[:2] + "/" + s[2:4] + "/" + s[4:]
}

// Ref describes a stored blob.
type Ref struct {
	Digest    Digest `json:"digest"`
	Size      int64  `json:"size"`
	MediaType string `json:"media_type"`
	SHA1      string `json:"sha1"`
	MD5       string `json:"md5"`
}
