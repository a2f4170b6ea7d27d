package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/siftlab/sift/blob"
	"github.com/siftlab/sift/errors"
	"github.com/siftlab/sift/worker"
)

// textStubLimit bounds how much content the metadata document inlines
// for text blobs.
const textStubLimit = 4096

// Document is the canonical metadata record produced for one unique
// content blob. It is the converge point of the graph: however many
// paths or archives the bytes were found under, exactly one Document
// exists per digest.
type Document struct {
	Digest    blob.Digest `json:"digest"`
	Size      int64       `json:"size"`
	MediaType string      `json:"media_type"`
	SHA1      string      `json:"sha1"`
	MD5       string      `json:"md5"`
	// Names lists every file name the content was observed under.
	Names []string `json:"names,omitempty"`
	// Text is an inline stub of the content for text media types.
	Text string `json:"text,omitempty"`
}

// runGather assembles the Document for the subject blob and stores it
// as the task's result.
func (p *Pipeline) runGather(ctx context.Context, inv *worker.Invocation) (*blob.Ref, error) {
	ref, err := inv.SubjectRef(ctx)
	if err != nil {
		return nil, err
	}
	names, err := inv.Blobs().Names(ctx, ref.Digest)
	if err != nil {
		return nil, err
	}

	doc := Document{
		Digest:    ref.Digest,
		Size:      ref.Size,
		MediaType: ref.MediaType,
		SHA1:      ref.SHA1,
		MD5:       ref.MD5,
		Names:     names,
	}
	if strings.HasPrefix(ref.MediaType, "text/") {
		stub, err := p.readStub(ctx, inv)
		if err != nil {
			return nil, err
		}
		doc.Text = stub
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.Permanent("bad_document", err.Error())
	}
	result, err := inv.PutResult(ctx, data)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (p *Pipeline) readStub(ctx context.Context, inv *worker.Invocation) (string, error) {
	rc, err := inv.OpenSubject(ctx)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	buf := make([]byte, textStubLimit)
	n, err := io.ReadFull(rc, buf)
	if err != nil && err != io.EOF && err != io.ErrUnexpectedEOF {
		return "", errors.Transient("read text stub").WithCause(err)
	}
	return textStub(buf[:n]), nil
}

// textStub renders stub bytes as a UTF-8 string. A multibyte rune split
// by the read limit leaves at most utf8.UTFMax-1 dangling bytes at the
// end; those are dropped. Invalid bytes anywhere else are the content's
// own and are replaced, not grounds to discard the stub.
func textStub(b []byte) string {
	if len(b) == textStubLimit {
		for i := 0; i < utf8.UTFMax-1 && len(b) > 0; i++ {
			r, size := utf8.DecodeLastRune(b)
			if r != utf8.RuneError || size != 1 {
				break
			}
			b = b[:len(b)-1]
		}
	}
	return strings.ToValidUTF8(string(b), string(utf8.RuneError))
}
