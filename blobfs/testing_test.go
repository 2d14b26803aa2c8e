// Copyright 2026 The blobfs Authors
// SPDX-License-Identifier: Apache-2.0

package blobfs

import (
	"crypto/sha256"
	"path/filepath"
	"testing"

	"github.com/blobfsd/blobfs/internal/device"
	"github.com/blobfsd/blobfs/internal/digest"
	"github.com/blobfsd/blobfs/internal/merkle"
	"github.com/blobfsd/blobfs/internal/superblock"
)

// mountFresh formats a new device with dataBlocks of blob-data capacity
// and inodeCount inode records, then mounts it with opts.
func mountFresh(t *testing.T, dataBlocks, inodeCount uint64, opts MountOptions) *Filesystem {
	t.Helper()

	probe := &superblock.Info{DataBlockCount: dataBlocks, InodeCount: inodeCount}
	layout := superblock.ComputeLayout(probe)
	totalBlocks := layout.DataStart + dataBlocks + 16 // slack past the data region

	path := filepath.Join(t.TempDir(), "blobfs.img")
	dev, err := device.New(path, int64(totalBlocks)*superblock.BlockSize)
	if err != nil {
		t.Fatalf("device.New: %v", err)
	}
	t.Cleanup(func() { dev.Close() })

	if _, err := superblock.Format(dev, totalBlocks, dataBlocks, inodeCount); err != nil {
		t.Fatalf("superblock.Format: %v", err)
	}

	fs, err := Mount(dev, nil, opts)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	return fs
}

// digestOf returns the digest a single-block (<=8192 byte) blob of
// content data is stored under: the direct SHA-256 of its bytes, since
// blobs that fit in one Merkle block have no tree (spec §8).
func digestOf(t *testing.T, data []byte) digest.Digest {
	t.Helper()
	if len(data) > 8192 {
		t.Fatalf("digestOf helper only supports single-block content, got %d bytes", len(data))
	}
	return digest.Digest(sha256.Sum256(data))
}

// computeTestDigest builds the Merkle tree over data the same way
// finalizeLocked does, returning its root — the digest a multi-block
// blob of this content must be created under.
func computeTestDigest(data []byte) (digest.Digest, error) {
	treeLen := merkle.GetTreeLength(int64(len(data)))
	tree := make([]byte, treeLen)
	return merkle.Create(data, int64(len(data)), tree)
}

// writeBlob drives a fresh blob through SpaceAllocate/WriteInternal to
// Readable in one call, for tests that only care about the end state.
func writeBlob(t *testing.T, fs *Filesystem, data []byte) *VnodeBlob {
	t.Helper()
	d := digestOf(t, data)
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
	if v.State() != StateReadable {
		t.Fatalf("blob state after full write = %s, want readable", v.State())
	}
	return v
}
