// Copyright 2026 The blobfs Authors
// SPDX-License-Identifier: Apache-2.0

package extent

import "fmt"

// BlockIterator flattens an Iterator's extent runs into a logical block
// index (the blob-relative block number, 0-based across the whole
// blob), so callers can advance block-by-block regardless of how many
// extents back the blob.
type BlockIterator struct {
	iter Iterator

	haveCurrent bool
	curStart    uint32
	curLen      uint32
	curOffset   uint32 // offset within the current extent, in blocks

	logicalIndex int64
}

// NewBlockIterator wraps an Iterator for block-granular consumption.
func NewBlockIterator(iter Iterator) *BlockIterator {
	return &BlockIterator{iter: iter}
}

// Done reports whether every block of every extent has been consumed.
func (b *BlockIterator) Done() bool {
	return (!b.haveCurrent || b.curOffset >= b.curLen) && b.iter.Done()
}

// LogicalIndex returns the number of blocks already consumed.
func (b *BlockIterator) LogicalIndex() int64 { return b.logicalIndex }

// advance ensures a current extent is loaded if one is available.
func (b *BlockIterator) advance() error {
	if b.haveCurrent && b.curOffset < b.curLen {
		return nil
	}
	if b.iter.Done() {
		b.haveCurrent = false
		return nil
	}
	e, err := b.iter.Next()
	if err != nil {
		return err
	}
	b.curStart = e.StartBlock
	b.curLen = e.Length
	b.curOffset = 0
	b.haveCurrent = true
	return nil
}

// NextRun returns the next maximal contiguous device-block run
// available without crossing an extent boundary, of at most maxBlocks
// blocks, and advances past it. Returns ok=false when exhausted.
func (b *BlockIterator) NextRun(maxBlocks int64) (devStart uint32, length int64, ok bool, err error) {
	if err := b.advance(); err != nil {
		return 0, 0, false, err
	}
	if !b.haveCurrent {
		return 0, 0, false, nil
	}
	remaining := int64(b.curLen - b.curOffset)
	if remaining > maxBlocks {
		remaining = maxBlocks
	}
	devStart = b.curStart + b.curOffset
	b.curOffset += uint32(remaining)
	b.logicalIndex += remaining
	return devStart, remaining, true, nil
}

// StreamBlocks drives blockIter forward by exactly count logical
// blocks, invoking sink once per maximal contiguous device-block run
// with (vmoOffset, devOffset, length) all measured in blocks. The sink
// returns an error to abort the stream; StreamBlocks propagates it.
//
// vmoOffset starts at the iterator's current logical position and
// advances by each run's length, letting callers align buffer offsets
// with device offsets across possibly-fragmented extents.
func StreamBlocks(blockIter *BlockIterator, count int64, sink func(vmoOffset, devOffset, length int64) error) error {
	var consumed int64
	vmoOffset := blockIter.LogicalIndex()
	for consumed < count {
		devStart, length, ok, err := blockIter.NextRun(count - consumed)
		if err != nil {
			return fmt.Errorf("extent: streaming blocks: %w", err)
		}
		if !ok {
			return fmt.Errorf("extent: iterator exhausted after %d of %d requested blocks", consumed, count)
		}
		if err := sink(vmoOffset, int64(devStart), length); err != nil {
			return err
		}
		vmoOffset += length
		consumed += length
	}
	return nil
}
