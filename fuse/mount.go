// Copyright 2026 The blobfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package fuse presents a mounted blobfs volume as a POSIX directory: the
// flat, digest-keyed namespace described by spec §6's "directory protocol
// to the VFS collaborator". Every entry is named by its 64-character hex
// digest; reading a name verifies and serves the blob it names, and
// creating a name with that exact digest writes a new one.
//
// It is grounded on the teacher's lib/artifactstore/fuse/mount.go, which
// plays the same role for Bureau's content-addressed artifact store —
// this package keeps that file's CAS-lookup directory shape (casNode) but
// drops its tag-name directory tree, since blobfs has no tag concept.
package fuse

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"syscall"
	"time"

	"github.com/blobfsd/blobfs/blobfs"
	"github.com/blobfsd/blobfs/internal/digest"
	"github.com/blobfsd/blobfs/internal/status"
	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
)

// Options configures the FUSE mount.
type Options struct {
	// Mountpoint is the directory where the filesystem is mounted.
	Mountpoint string

	// FS is the mounted blobfs volume this mount presents.
	FS *blobfs.Filesystem

	// AllowOther permits other users (including root) to access the
	// mount. Requires user_allow_other in /etc/fuse.conf.
	AllowOther bool

	// Logger receives diagnostic messages. If nil, a no-op logger is
	// used.
	Logger *slog.Logger
}

// Mount mounts the blobfs volume at the configured mountpoint. The caller
// must call Unmount on the returned Server when done. The mountpoint
// directory is created if it does not exist.
func Mount(options Options) (*fuse.Server, error) {
	if options.Mountpoint == "" {
		return nil, fmt.Errorf("fuse: mountpoint is required")
	}
	if options.FS == nil {
		return nil, fmt.Errorf("fuse: filesystem is required")
	}
	if options.Logger == nil {
		options.Logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	}

	if err := os.MkdirAll(options.Mountpoint, 0o755); err != nil {
		return nil, fmt.Errorf("fuse: creating mountpoint %s: %w", options.Mountpoint, err)
	}

	root := &rootNode{fs: options.FS, logger: options.Logger}

	entryTimeout := 1 * time.Second
	attrTimeout := 1 * time.Second
	negativeTimeout := 100 * time.Millisecond

	server, err := gofuse.Mount(options.Mountpoint, root, &gofuse.Options{
		EntryTimeout:    &entryTimeout,
		AttrTimeout:     &attrTimeout,
		NegativeTimeout: &negativeTimeout,
		MountOptions: fuse.MountOptions{
			FsName:     "blobfs",
			Name:       "blobfs",
			AllowOther: options.AllowOther,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("fuse: mounting filesystem at %s: %w", options.Mountpoint, err)
	}

	options.Logger.Info("blobfs FUSE filesystem mounted", "mountpoint", options.Mountpoint)
	return server, nil
}

// rootNode is the filesystem root: a single flat directory of digest-named
// entries, one per readable blob (spec §6).
type rootNode struct {
	gofuse.Inode
	fs     *blobfs.Filesystem
	logger *slog.Logger
}

var _ gofuse.InodeEmbedder = (*rootNode)(nil)
var _ gofuse.NodeLookuper = (*rootNode)(nil)
var _ gofuse.NodeReaddirer = (*rootNode)(nil)
var _ gofuse.NodeCreater = (*rootNode)(nil)

func (r *rootNode) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*gofuse.Inode, syscall.Errno) {
	d, err := digest.Parse(name)
	if err != nil {
		return nil, syscall.ENOENT
	}

	v, err := r.fs.LookupBlob(d)
	if err != nil {
		if status.Is(err) == status.NotFound {
			return nil, syscall.ENOENT
		}
		r.logger.Error("lookup failed", "digest", name, "error", err)
		return nil, toErrno(err)
	}
	v.Open()

	node := &blobFileNode{vnode: v}
	child := r.NewPersistentInode(ctx, node, gofuse.StableAttr{Mode: syscall.S_IFREG})
	out.Mode = syscall.S_IFREG | 0o444
	out.Size = uint64(v.Size())
	return child, 0
}

func (r *rootNode) Readdir(ctx context.Context) (gofuse.DirStream, syscall.Errno) {
	digests := r.fs.Readdir()
	entries := make([]fuse.DirEntry, 0, len(digests))
	for _, d := range digests {
		entries = append(entries, fuse.DirEntry{Name: d.String(), Mode: syscall.S_IFREG})
	}
	return &sliceDirStream{entries: entries}, 0
}

// Create handles writing a new blob. The filename must be the blob's
// declared digest; the blob is only readable once its data has been
// written and verified, on Release (spec §4.8's Empty -> DataWrite ->
// Readable transition). A digest mismatch on Release surfaces as EIO and
// the name is unlinked from the namespace, matching QueueUnlink of a
// failed write.
func (r *rootNode) Create(ctx context.Context, name string, flags uint32, mode uint32, out *fuse.EntryOut) (*gofuse.Inode, gofuse.FileHandle, uint32, syscall.Errno) {
	d, err := digest.Parse(name)
	if err != nil {
		return nil, nil, 0, syscall.EINVAL
	}

	v, err := r.fs.NewBlob(d)
	if err != nil {
		if status.Is(err) == status.AlreadyExists {
			return nil, nil, 0, syscall.EEXIST
		}
		return nil, nil, 0, toErrno(err)
	}

	handle := &writeHandle{vnode: v, logger: r.logger}
	node := &writeInProgressNode{handle: handle}
	child := r.NewPersistentInode(ctx, node, gofuse.StableAttr{Mode: syscall.S_IFREG})
	out.Mode = syscall.S_IFREG | 0o644
	return child, handle, 0, 0
}

// toErrno maps blobfs's abstract status.Code to a POSIX errno, the FUSE
// boundary's equivalent of the RPC error mapping in spec §7.
func toErrno(err error) syscall.Errno {
	switch status.Is(err) {
	case status.NotFound:
		return syscall.ENOENT
	case status.AlreadyExists:
		return syscall.EEXIST
	case status.BadState:
		return syscall.EINVAL
	case status.NoSpace:
		return syscall.ENOSPC
	case status.NoMemory:
		return syscall.ENOMEM
	case status.OutOfRange:
		return syscall.ERANGE
	case status.IODataIntegrity:
		return syscall.EIO
	case status.Unavailable:
		return syscall.EAGAIN
	case status.NotSupported:
		return syscall.ENOTSUP
	default:
		return syscall.EIO
	}
}

// sliceDirStream implements gofuse.DirStream from a fixed slice of
// entries snapshotted at Readdir time.
type sliceDirStream struct {
	entries []fuse.DirEntry
	index   int
}

func (s *sliceDirStream) HasNext() bool {
	return s.index < len(s.entries)
}

func (s *sliceDirStream) Next() (fuse.DirEntry, syscall.Errno) {
	if s.index >= len(s.entries) {
		return fuse.DirEntry{}, syscall.EINVAL
	}
	entry := s.entries[s.index]
	s.index++
	return entry, 0
}

func (s *sliceDirStream) Close() {}
