// Copyright 2026 The blobfs Authors
// SPDX-License-Identifier: Apache-2.0

package blobfs

import (
	"fmt"

	"github.com/blobfsd/blobfs/internal/device"
	"github.com/blobfsd/blobfs/internal/extent"
	"github.com/blobfsd/blobfs/internal/inode"
	"github.com/blobfsd/blobfs/internal/status"
	"github.com/blobfsd/blobfs/internal/superblock"
)

// stageBitmapBlocks splits the current block bitmap into per-block
// chunks keyed by absolute device block number, ready to fold into a
// journal transaction or a direct write.
func (fs *Filesystem) stageBitmapBlocks() map[uint64][]byte {
	raw := fs.alloc.BlockBitmapBytes()
	total := fs.layout.BlockMapBlocks * superblock.BlockSize
	padded := make([]byte, total)
	copy(padded, raw)

	blocks := make(map[uint64][]byte, fs.layout.BlockMapBlocks)
	for i := uint64(0); i < fs.layout.BlockMapBlocks; i++ {
		blocks[fs.layout.BlockMapStart+i] = padded[i*superblock.BlockSize : (i+1)*superblock.BlockSize]
	}
	return blocks
}

// commitMetadata durably applies a batch of node-record writes plus
// the current bitmap and superblock images, either through the
// journal (crash-consistent, spec §4.7) or directly to the device if
// journaling is disabled by mount option.
func (fs *Filesystem) commitMetadata(dirtyNodes map[uint32]*inode.Record) error {
	fs.metaMu.Lock()
	defer fs.metaMu.Unlock()
	return fs.commitMetadataLocked(dirtyNodes)
}

// commitMetadataLocked is commitMetadata's body for callers that need to
// update fs.info's allocation counters in the same critical section as
// the commit itself (metaMu must already be held).
func (fs *Filesystem) commitMetadataLocked(dirtyNodes map[uint32]*inode.Record) error {
	nodeBlocks, err := fs.nodes.StagePatches(dirtyNodes)
	if err != nil {
		return err
	}
	bitmapBlocks := fs.stageBitmapBlocks()
	sbData := fs.info.Encode()

	if fs.jr != nil {
		txn := fs.jr.StartTransaction()
		for blockNumber, data := range nodeBlocks {
			txn.Add(blockNumber, data)
		}
		for blockNumber, data := range bitmapBlocks {
			txn.Add(blockNumber, data)
		}
		txn.Add(0, sbData)
		if err := txn.Commit(); err != nil {
			return status.Wrap(status.IO, err, "blobfs: committing metadata transaction")
		}
		if fs.metrics != nil {
			fs.metrics.JournalCommits.Add(1)
		}
		return nil
	}

	for blockNumber, data := range nodeBlocks {
		if _, err := fs.dev.WriteAt(data, int64(blockNumber)*superblock.BlockSize); err != nil {
			return status.Wrap(status.IO, err, "blobfs: writing node block %d without journal", blockNumber)
		}
	}
	for blockNumber, data := range bitmapBlocks {
		if _, err := fs.dev.WriteAt(data, int64(blockNumber)*superblock.BlockSize); err != nil {
			return status.Wrap(status.IO, err, "blobfs: writing bitmap block %d without journal", blockNumber)
		}
	}
	if _, err := fs.dev.WriteAt(sbData, 0); err != nil {
		return status.Wrap(status.IO, err, "blobfs: writing superblock without journal")
	}
	return fs.dev.Sync()
}

// writeDataSync copies buf to the data-region extents (already
// relative to the data region's own block numbering) through the
// writeback queue, blocking until the write is durable. Each
// contiguous device run is submitted through EnqueuePaginated so a
// blob larger than the ring's capacity is split into chunks no single
// one of which can exceed the ring, rather than handed to the ring as
// one oversized Work item (spec §4.7, §4.8). When the filesystem has no
// writeback queue (a read-only mount) it falls back to a direct
// synchronous write.
func (fs *Filesystem) writeDataSync(buf []byte, extents []inode.Extent) error {
	var totalBlocks int64
	for _, e := range extents {
		totalBlocks += int64(e.Length)
	}
	if totalBlocks == 0 {
		return nil
	}
	if int64(len(buf)) < totalBlocks*superblock.BlockSize {
		return fmt.Errorf("blobfs: write buffer of %d bytes too small for %d blocks", len(buf), totalBlocks)
	}

	if fs.wb == nil {
		return fs.transactDirect(buf, extents, false)
	}

	vmoid := fs.dev.AttachVMO(buf)
	defer fs.dev.DetachVMO(vmoid)

	iter := extent.NewVectorExtentIterator(extents)
	blockIter := extent.NewBlockIterator(iter)

	type run struct {
		vmoOffset, devOffset, length int64
	}
	var runs []run
	err := extent.StreamBlocks(blockIter, totalBlocks, func(vmoOffset, devOffset, length int64) error {
		runs = append(runs, run{
			vmoOffset: vmoOffset,
			devOffset: int64(fs.layout.DataStart) + devOffset,
			length:    length,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("blobfs: staging data write: %w", err)
	}

	if fs.metrics != nil {
		fs.metrics.WritebackEnqueued.Add(1)
	}
	done := make(chan error, 1)
	for i, r := range runs {
		last := i == len(runs)-1
		var cb func(error)
		if last {
			cb = func(err error) { done <- err }
		}
		if err := fs.wb.EnqueuePaginated(vmoid, r.vmoOffset, r.devOffset, r.length, last, cb); err != nil {
			return err
		}
	}
	err = <-done
	if fs.metrics != nil {
		fs.metrics.WritebackCompleted.Add(1)
	}
	return err
}

// readDataSync reads the data-region extents into buf.
func (fs *Filesystem) readDataSync(buf []byte, extents []inode.Extent) error {
	return fs.transactDirect(buf, extents, true)
}

// transactDirect issues a direct block-fifo transaction (used for
// reads always, and for writes when no writeback queue is attached).
func (fs *Filesystem) transactDirect(buf []byte, extents []inode.Extent, read bool) error {
	var totalBlocks int64
	for _, e := range extents {
		totalBlocks += int64(e.Length)
	}
	if totalBlocks == 0 {
		return nil
	}

	vmoid := fs.dev.AttachVMO(buf)
	defer fs.dev.DetachVMO(vmoid)

	iter := extent.NewVectorExtentIterator(extents)
	blockIter := extent.NewBlockIterator(iter)

	opcode := device.OpWrite
	if read {
		opcode = device.OpRead
	}
	var requests []device.Request
	err := extent.StreamBlocks(blockIter, totalBlocks, func(vmoOffset, devOffset, length int64) error {
		requests = append(requests, device.Request{
			VMOID:     vmoid,
			Opcode:    opcode,
			VMOOffset: vmoOffset * superblock.BlockSize,
			DevOffset: (int64(fs.layout.DataStart) + devOffset) * superblock.BlockSize,
			Length:    length * superblock.BlockSize,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("blobfs: staging transaction: %w", err)
	}
	if err := fs.dev.Transaction(requests); err != nil {
		return status.Wrap(status.IO, err, "blobfs: direct block transaction")
	}
	return nil
}
