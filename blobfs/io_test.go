// Copyright 2026 The blobfs Authors
// SPDX-License-Identifier: Apache-2.0

package blobfs

import (
	"testing"

	"github.com/blobfsd/blobfs/internal/inode"
	"github.com/blobfsd/blobfs/internal/superblock"
)

func TestStageBitmapBlocksCoversWholeRegion(t *testing.T) {
	fs := mountFresh(t, 64, 32, MountOptions{})
	blocks := fs.stageBitmapBlocks()
	if uint64(len(blocks)) != fs.layout.BlockMapBlocks {
		t.Fatalf("stageBitmapBlocks produced %d blocks, want %d", len(blocks), fs.layout.BlockMapBlocks)
	}
	for blockNumber, data := range blocks {
		if blockNumber < fs.layout.BlockMapStart || blockNumber >= fs.layout.BlockMapStart+fs.layout.BlockMapBlocks {
			t.Fatalf("stageBitmapBlocks produced out-of-range block %d", blockNumber)
		}
		if len(data) != superblock.BlockSize {
			t.Fatalf("bitmap block %d is %d bytes, want %d", blockNumber, len(data), superblock.BlockSize)
		}
	}
}

func TestCommitMetadataWithoutJournalPersists(t *testing.T) {
	fs := mountFresh(t, 64, 32, MountOptions{NoJournal: true})
	rec := &inode.Record{Header: inode.Header{Flags: inode.FlagAllocated, NextNode: inode.InvalidNodeIndex}}
	rec.MerkleRoot = digestOf(t, []byte("direct commit"))

	if err := fs.commitMetadata(map[uint32]*inode.Record{7: rec}); err != nil {
		t.Fatalf("commitMetadata: %v", err)
	}
	got, err := fs.nodes.ReadNode(7)
	if err != nil {
		t.Fatalf("ReadNode: %v", err)
	}
	if got.MerkleRoot != rec.MerkleRoot {
		t.Fatalf("ReadNode after direct commit = %+v, want MerkleRoot %s", got, rec.MerkleRoot)
	}
}

func TestCommitMetadataThroughJournalPersists(t *testing.T) {
	fs := mountFresh(t, 64, 32, MountOptions{})
	rec := &inode.Record{Header: inode.Header{Flags: inode.FlagAllocated, NextNode: inode.InvalidNodeIndex}}
	rec.MerkleRoot = digestOf(t, []byte("journaled commit"))

	if err := fs.commitMetadata(map[uint32]*inode.Record{9: rec}); err != nil {
		t.Fatalf("commitMetadata: %v", err)
	}
	got, err := fs.nodes.ReadNode(9)
	if err != nil {
		t.Fatalf("ReadNode: %v", err)
	}
	if got.MerkleRoot != rec.MerkleRoot {
		t.Fatalf("ReadNode after journaled commit = %+v, want MerkleRoot %s", got, rec.MerkleRoot)
	}
}
