package blob

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"hash"

	"github.com/gabriel-vasile/mimetype"
)

// sniffLen is how many leading bytes are kept for media-type detection.
const sniffLen = 3072

// Writer computes a blob's size, hashes and media type while its bytes
// stream through. SHA-256 is the identity; SHA-1 and MD5 are recorded as
// side attributes for cross-referencing with external tools, never used
// as keys.
type Writer struct {
	sha256 hash.Hash
	sha1   hash.Hash
	md5    hash.Hash
	size   int64
	sniff  []byte
}

// NewWriter creates a Writer.
func NewWriter() *Writer {
	return &Writer{
		sha256: sha256.New(),
		sha1:   sha1.New(),
		md5:    md5.New(),
		sniff:  make([]byte, 0, sniffLen),
	}
}

// Write updates the running hashes and counters. It never fails.
func (w *Writer) Write(p []byte) (int, error) {
	n := len(p)
	w.sha256.Write(p)
	w.sha1.Write(p)
	w.md5.Write(p)
	w.size += int64(n)
	if room := sniffLen - len(w.sniff); room > 0 {
		if len(p) > room {
			p = p[:room]
		}
		w.sniff = append(w.sniff, p...)
	}
	return n, nil
}

// Ref returns the accumulated blob description.
func (w *Writer) Ref() Ref {
	return Ref{
		Digest:    Digest(hex.EncodeToString(w.sha256.Sum(nil))),
		Size:      w.size,
		MediaType: mimetype.Detect(w.sniff).String(),
		SHA1:      hex.EncodeToString(w.sha1.Sum(nil)),
		MD5:       hex.EncodeToString(w.md5.Sum(nil)),
	}
}
