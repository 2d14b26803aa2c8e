// Copyright 2026 The blobfs Authors
// SPDX-License-Identifier: Apache-2.0

package fuse

import (
	"context"
	"log/slog"
	"sync"
	"syscall"

	"github.com/blobfsd/blobfs/blobfs"
	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// blobFileNode represents one readable blob as a regular file. Reads are
// served through the vnode's own verify-on-read path (spec §4.9); there
// is no separate chunk table here because blobfs already reassembles and
// verifies the whole blob in InitVmos.
type blobFileNode struct {
	gofuse.Inode
	vnode *blobfs.VnodeBlob
}

var _ gofuse.InodeEmbedder = (*blobFileNode)(nil)
var _ gofuse.NodeGetattrer = (*blobFileNode)(nil)
var _ gofuse.NodeOpener = (*blobFileNode)(nil)
var _ gofuse.NodeReader = (*blobFileNode)(nil)
var _ gofuse.NodeReleaser = (*blobFileNode)(nil)

func (b *blobFileNode) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = syscall.S_IFREG | 0o444
	out.Size = uint64(b.vnode.Size())
	out.Blocks = (out.Size + 511) / 512
	out.Blksize = 8192
	return 0
}

func (b *blobFileNode) Open(ctx context.Context, flags uint32) (gofuse.FileHandle, uint32, syscall.Errno) {
	if flags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		// Blobs are immutable once readable; overwriting a name in
		// place makes no sense in a content-addressed namespace.
		return nil, 0, syscall.EROFS
	}
	return nil, fuse.FOPEN_KEEP_CACHE, 0
}

func (b *blobFileNode) Read(ctx context.Context, f gofuse.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	n, err := b.vnode.ReadInternal(dest, off, int64(len(dest)))
	if err != nil {
		return nil, toErrno(err)
	}
	return fuse.ReadResultData(dest[:n]), 0
}

// Release drops the reference Lookup took via vnode.Open, matching
// blobfs's normal open/close handle accounting (spec §4.8).
func (b *blobFileNode) Release(ctx context.Context, f gofuse.FileHandle) syscall.Errno {
	if err := b.vnode.Close(); err != nil {
		return toErrno(err)
	}
	return 0
}

// writeHandle buffers a new blob's bytes in memory across FUSE Write
// calls and commits them in one shot on Release, since blobfs's write
// path needs the declared size before the first byte lands (SpaceAllocate
// must precede WriteInternal). This trades streaming writes for the
// simplicity of a single reserve-then-commit call; blobfs itself still
// does the Merkle build, verification, and compression exactly as it
// would for any other writer.
type writeHandle struct {
	vnode  *blobfs.VnodeBlob
	logger *slog.Logger

	mu  sync.Mutex
	buf []byte
}

var _ gofuse.FileWriter = (*writeHandle)(nil)
var _ gofuse.FileReleaser = (*writeHandle)(nil)

func (w *writeHandle) Write(ctx context.Context, data []byte, off int64) (uint32, syscall.Errno) {
	w.mu.Lock()
	defer w.mu.Unlock()

	end := off + int64(len(data))
	if int64(len(w.buf)) < end {
		grown := make([]byte, end)
		copy(grown, w.buf)
		w.buf = grown
	}
	copy(w.buf[off:end], data)
	return uint32(len(data)), 0
}

// Release finalizes the blob: it declares the accumulated size via
// SpaceAllocate and hands the whole buffer to WriteInternal in one call,
// which finalizes the write immediately since all declared bytes arrive
// at once (spec §4.8's DataWrite -> Readable transition). A digest
// mismatch fails with EIO and the vnode transitions to Error, exactly as
// a mismatched WriteInternal call would from any caller.
func (w *writeHandle) Release(ctx context.Context) syscall.Errno {
	w.mu.Lock()
	buf := w.buf
	w.buf = nil
	w.mu.Unlock()

	if err := w.vnode.SpaceAllocate(int64(len(buf))); err != nil {
		w.logger.Error("space allocate failed", "digest", w.vnode.Digest(), "error", err)
		return toErrno(err)
	}
	if len(buf) == 0 {
		return 0
	}
	if _, err := w.vnode.WriteInternal(buf); err != nil {
		w.logger.Error("write failed", "digest", w.vnode.Digest(), "error", err)
		return toErrno(err)
	}
	return 0
}

// writeInProgressNode is the inode returned by Create before the write
// completes; its only job is to report a plausible size while data is
// still buffered in the handle.
type writeInProgressNode struct {
	gofuse.Inode
	handle *writeHandle
}

var _ gofuse.InodeEmbedder = (*writeInProgressNode)(nil)
var _ gofuse.NodeGetattrer = (*writeInProgressNode)(nil)

func (n *writeInProgressNode) Getattr(ctx context.Context, f gofuse.FileHandle, out *fuse.AttrOut) syscall.Errno {
	n.handle.mu.Lock()
	size := uint64(len(n.handle.buf))
	n.handle.mu.Unlock()

	out.Mode = syscall.S_IFREG | 0o644
	out.Size = size
	return 0
}
