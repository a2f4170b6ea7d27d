package pipeline

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/siftlab/sift/blob"
	"github.com/siftlab/sift/errors"
	"github.com/siftlab/sift/task"
	"github.com/siftlab/sift/worker"
)

type memberParams struct {
	// Archive is the digest of the containing zip blob.
	Archive blob.Digest `json:"archive"`
	// Member is the path of the entry inside the archive.
	Member string `json:"member"`
}

// runExpand opens a zip archive and spawns one extraction task per
// member. Member content is not touched here: a member whose data is
// corrupt fails its own extraction task permanently while the expansion
// itself, and every other member, proceed.
func (p *Pipeline) runExpand(ctx context.Context, inv *worker.Invocation) (*blob.Ref, error) {
	data, err := inv.SubjectBytes(ctx)
	if err != nil {
		return nil, err
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, errors.Permanent("corrupt_archive",
			fmt.Sprintf("unreadable zip %s: %v", inv.Subject().Short(), err))
	}

	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		// Flag bit 0 marks an encrypted entry, which archive/zip cannot
		// decrypt.
		if f.Flags&0x1 != 0 {
			return nil, errors.Permanent("encrypted_archive",
				fmt.Sprintf("zip %s member %s is encrypted", inv.Subject().Short(), f.Name))
		}
		params, err := task.Params(memberParams{Archive: inv.Subject(), Member: f.Name})
		if err != nil {
			return nil, err
		}
		if _, _, err := inv.Spawn(ctx, task.Spec{
			Func: FuncMember, Version: funcVersion, Params: params,
		}); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// runMember extracts one archive member, stores it as a content blob
// and plans its processing. The task's ancestry carries the archive
// digest, so an archive that somehow contains itself is rejected at
// spawn time instead of expanding forever.
func (p *Pipeline) runMember(ctx context.Context, inv *worker.Invocation) (*blob.Ref, error) {
	var params memberParams
	if err := inv.Params(&params); err != nil {
		return nil, err
	}

	data, err := inv.Blobs().Get(ctx, params.Archive)
	if err != nil {
		return nil, err
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, errors.Permanent("corrupt_archive",
			fmt.Sprintf("unreadable zip %s: %v", params.Archive.Short(), err))
	}

	var member *zip.File
	for _, f := range zr.File {
		if f.Name == params.Member {
			member = f
			break
		}
	}
	if member == nil {
		return nil, errors.Permanent("missing_member",
			fmt.Sprintf("zip %s has no member %s", params.Archive.Short(), params.Member))
	}

	rc, err := member.Open()
	if err != nil {
		return nil, errors.Permanent("corrupt_member",
			fmt.Sprintf("member %s: %v", params.Member, err))
	}
	content, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		// Typically a CRC mismatch on the member's data.
		return nil, errors.Permanent("corrupt_member",
			fmt.Sprintf("member %s: %v", params.Member, err))
	}

	ref, err := inv.Blobs().Put(ctx, content)
	if err != nil {
		return nil, err
	}
	if err := inv.Blobs().RecordName(ctx, ref.Digest, params.Member); err != nil {
		return nil, err
	}
	if err := p.spawnForBlob(ctx, inv, ref); err != nil {
		return nil, err
	}
	return &ref, nil
}
