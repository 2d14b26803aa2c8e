// Copyright 2026 The blobfs Authors
// SPDX-License-Identifier: Apache-2.0

package fuse

import (
	"crypto/sha256"
	"path/filepath"
	"testing"

	"github.com/blobfsd/blobfs/blobfs"
	"github.com/blobfsd/blobfs/internal/device"
	"github.com/blobfsd/blobfs/internal/digest"
	"github.com/blobfsd/blobfs/internal/merkle"
	"github.com/blobfsd/blobfs/internal/superblock"
)

func mountFresh(t *testing.T) *blobfs.Filesystem {
	t.Helper()
	const dataBlocks, inodeCount = 64, 32

	probe := &superblock.Info{DataBlockCount: dataBlocks, InodeCount: inodeCount}
	layout := superblock.ComputeLayout(probe)
	totalBlocks := layout.DataStart + dataBlocks + 16

	path := filepath.Join(t.TempDir(), "blobfs.img")
	dev, err := device.New(path, int64(totalBlocks)*superblock.BlockSize)
	if err != nil {
		t.Fatalf("device.New: %v", err)
	}
	t.Cleanup(func() { dev.Close() })

	if _, err := superblock.Format(dev, totalBlocks, dataBlocks, inodeCount); err != nil {
		t.Fatalf("superblock.Format: %v", err)
	}
	fs, err := blobfs.Mount(dev, nil, blobfs.MountOptions{})
	if err != nil {
		t.Fatalf("blobfs.Mount: %v", err)
	}
	return fs
}

func writeReadableBlob(t *testing.T, fs *blobfs.Filesystem, data []byte) digest.Digest {
	t.Helper()
	d := digest.Digest(sha256.Sum256(data))
	v, err := fs.NewBlob(d)
	if err != nil {
		t.Fatalf("NewBlob: %v", err)
	}
	if err := v.SpaceAllocate(int64(len(data))); err != nil {
		t.Fatalf("SpaceAllocate: %v", err)
	}
	if len(data) > 0 {
		if _, err := v.WriteInternal(data); err != nil {
			t.Fatalf("WriteInternal: %v", err)
		}
	}
	return d
}

// digestFor returns the digest data would be stored under, without
// writing it, for tests that split NewBlob and the write into separate
// steps.
func digestFor(data []byte) (digest.Digest, error) {
	treeLen := merkle.GetTreeLength(int64(len(data)))
	tree := make([]byte, treeLen)
	return merkle.Create(data, int64(len(data)), tree)
}
