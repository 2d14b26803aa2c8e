// Copyright 2026 The blobfs Authors
// SPDX-License-Identifier: Apache-2.0

package blobfs

import (
	"fmt"

	"github.com/blobfsd/blobfs/internal/device"
	"github.com/blobfsd/blobfs/internal/inode"
	"github.com/blobfsd/blobfs/internal/status"
	"github.com/blobfsd/blobfs/internal/superblock"
)

// nodesPerBlock is how many fixed-size inode/container records pack
// into one superblock.BlockSize block.
const nodesPerBlock = superblock.BlockSize / inode.RecordSize

// NodeStore reads and stages writes for the inode table (spec §6
// "array of inode records"). It implements extent.NodeSource so the
// allocated-extent iterator can walk a blob's head → container chain
// directly against the device.
type NodeStore struct {
	dev    *device.Device
	layout superblock.Layout
}

// NewNodeStore creates a NodeStore over dev's node-map region as
// described by layout.
func NewNodeStore(dev *device.Device, layout superblock.Layout) *NodeStore {
	return &NodeStore{dev: dev, layout: layout}
}

func (s *NodeStore) blockAndOffset(index uint32) (blockNumber uint64, offset int64) {
	blockNumber = s.layout.NodeMapStart + uint64(index)/uint64(nodesPerBlock)
	offset = int64(uint32(index)%uint32(nodesPerBlock)) * inode.RecordSize
	return
}

// ReadNode reads and decodes the record at index.
func (s *NodeStore) ReadNode(index uint32) (*inode.Record, error) {
	blockNumber, offset := s.blockAndOffset(index)
	block := make([]byte, superblock.BlockSize)
	if _, err := s.dev.ReadAt(block, int64(blockNumber)*superblock.BlockSize); err != nil {
		return nil, status.Wrap(status.IO, err, "nodestore: reading block %d for node %d", blockNumber, index)
	}
	rec, err := inode.Decode(block[offset : offset+inode.RecordSize])
	if err != nil {
		return nil, status.Wrap(status.IODataIntegrity, err, "nodestore: decoding node %d", index)
	}
	return rec, nil
}

// StageWrite reads the current contents of the block that holds
// index, patches in rec's encoded bytes, and returns the block number
// and full block payload for the caller to hand to a journal
// transaction (or write directly, when journaling is disabled).
func (s *NodeStore) StageWrite(index uint32, rec *inode.Record) (blockNumber uint64, blockData []byte, err error) {
	blockNumber, offset := s.blockAndOffset(index)
	block := make([]byte, superblock.BlockSize)
	if _, err := s.dev.ReadAt(block, int64(blockNumber)*superblock.BlockSize); err != nil {
		return 0, nil, status.Wrap(status.IO, err, "nodestore: reading block %d for staged write to node %d", blockNumber, index)
	}
	copy(block[offset:offset+inode.RecordSize], rec.Encode())
	return blockNumber, block, nil
}

// StagePatches groups a batch of record writes by the block that
// holds each, reading each affected block only once, so multiple
// records sharing a node-map block (spec §3 "fixed-size record;
// multiple inodes per block") produce one coherent block image instead
// of clobbering each other.
func (s *NodeStore) StagePatches(records map[uint32]*inode.Record) (map[uint64][]byte, error) {
	blocks := make(map[uint64][]byte)
	for index, rec := range records {
		blockNumber, offset := s.blockAndOffset(index)
		buf, ok := blocks[blockNumber]
		if !ok {
			buf = make([]byte, superblock.BlockSize)
			if _, err := s.dev.ReadAt(buf, int64(blockNumber)*superblock.BlockSize); err != nil {
				return nil, status.Wrap(status.IO, err, "nodestore: reading block %d for patch batch", blockNumber)
			}
			blocks[blockNumber] = buf
		}
		copy(buf[offset:offset+inode.RecordSize], rec.Encode())
	}
	return blocks, nil
}

// WriteNodeDirect writes rec for index straight to the device,
// bypassing the journal. Used when journaling is disabled or during
// initial formatting.
func (s *NodeStore) WriteNodeDirect(index uint32, rec *inode.Record) error {
	blockNumber, block, err := s.StageWrite(index, rec)
	if err != nil {
		return err
	}
	if _, err := s.dev.WriteAt(block, int64(blockNumber)*superblock.BlockSize); err != nil {
		return status.Wrap(status.IO, err, "nodestore: writing node %d", index)
	}
	return nil
}

// ForEach visits every node index in [0, count), stopping and
// returning the first error visit returns.
func (s *NodeStore) ForEach(count uint32, visit func(index uint32, rec *inode.Record) error) error {
	for i := uint32(0); i < count; i++ {
		rec, err := s.ReadNode(i)
		if err != nil {
			return fmt.Errorf("nodestore: reading node %d during scan: %w", i, err)
		}
		if err := visit(i, rec); err != nil {
			return err
		}
	}
	return nil
}
