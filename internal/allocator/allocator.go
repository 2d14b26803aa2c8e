// Copyright 2026 The blobfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package allocator implements blobfs's block and node allocator (spec
// §4.2): reservation of extents/nodes ahead of commit, collision-free
// concurrent reservation, and the eventual mark/free against the
// persistent bitmaps.
//
// The two-phase reserve-then-commit shape is grounded on
// lib/artifactstore/cache_ring.go's BlockRing, which similarly
// separates "claim a slot" from "the slot is now live" so a writer can
// discover partway through (there, on ring wraparound; here, once
// compression shrinks the blob) that it needs less than it first
// reserved.
package allocator

import (
	"fmt"
	"sync"

	"github.com/blobfsd/blobfs/internal/bitmap"
	"github.com/blobfsd/blobfs/internal/inode"
	"github.com/blobfsd/blobfs/internal/status"
)

// KMaxBlobExtents caps how many extents a single blob may occupy (spec
// §4.2). Exceeding it at SpaceAllocate time is a write-time BAD_STATE
// error with no state change.
const KMaxBlobExtents = 4096

// GrowBlocks is implemented by the FVM layer (or a fixed-geometry no-op)
// to add more data blocks when the bitmap is full. Returns the number
// of new blocks actually added.
type GrowBlocks func(additional int64) (int64, error)

// GrowNodes is the inode-table analog of GrowBlocks.
type GrowNodes func(additional int64) (int64, error)

// ReservedExtent is a transient handle to blocks claimed from the free
// bitmap but not yet marked allocated. SplitAt lets a writer shrink its
// tail reservation once it learns the true (possibly compressed) size.
type ReservedExtent struct {
	start  int64
	length int64
}

// Start returns the reservation's starting block.
func (r ReservedExtent) Start() int64 { return r.start }

// Length returns the reservation's block count.
func (r ReservedExtent) Length() int64 { return r.length }

// AsExtent converts the reservation to a plain inode.Extent for
// committing via the node populator.
func (r ReservedExtent) AsExtent() inode.Extent {
	return inode.Extent{StartBlock: uint32(r.start), Length: uint32(r.length)}
}

// SplitAt splits the reservation at offset blocks from its start,
// returning (head, tail) where head has length offset. The tail can be
// released back to the allocator via Allocator.Unreserve when a write
// finishes with fewer blocks than originally reserved (spec §4.2,
// compression shrinking a blob).
func (r ReservedExtent) SplitAt(offset int64) (head, tail ReservedExtent, err error) {
	if offset < 0 || offset > r.length {
		return ReservedExtent{}, ReservedExtent{}, fmt.Errorf("allocator: split offset %d out of range [0,%d]", offset, r.length)
	}
	head = ReservedExtent{start: r.start, length: offset}
	tail = ReservedExtent{start: r.start + offset, length: r.length - offset}
	return head, tail, nil
}

// ReservedNode is a transient handle to an inode-table slot claimed
// but not yet marked allocated.
type ReservedNode struct {
	index int64
}

// Index returns the reserved node-map index.
func (r ReservedNode) Index() int64 { return r.index }

// Allocator owns the mutable block and node bitmaps plus the in-memory
// reservation sets that keep concurrent writers from claiming
// overlapping bits (spec §5 "Allocator state visible to a given writer
// is serialized by its reservation handles").
type Allocator struct {
	mu sync.Mutex

	blocks    *bitmap.RawBitmap
	nodes     *bitmap.NodeMap
	reserved  *bitmap.RawBitmap // blocks claimed by a live ReservedExtent
	nodeRes   *bitmap.RawBitmap // node slots claimed by a live ReservedNode

	growBlocks GrowBlocks
	growNodes  GrowNodes
}

// New creates an Allocator over the given block bitmap and node map.
// growBlocks/growNodes may be nil for a fixed-geometry (non-FVM) mount,
// in which case exhaustion always fails with NO_SPACE.
func New(blocks *bitmap.RawBitmap, nodes *bitmap.NodeMap, growBlocks GrowBlocks, growNodes GrowNodes) *Allocator {
	return &Allocator{
		blocks:     blocks,
		nodes:      nodes,
		reserved:   bitmap.New(blocks.Size()),
		nodeRes:    bitmap.New(nodes.Count()),
		growBlocks: growBlocks,
		growNodes:  growNodes,
	}
}

// ReserveBlocks reserves count blocks, drawn from first-fit runs of
// bits that are neither allocated nor already reserved by another
// writer. On exhaustion it attempts to grow (FVM) before failing
// NO_SPACE.
func (a *Allocator) ReserveBlocks(count int64) ([]ReservedExtent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if count <= 0 {
		return nil, fmt.Errorf("allocator: reserve count must be positive, got %d", count)
	}

	extents, found := a.tryReserveBlocksLocked(count)
	if found == count {
		return extents, nil
	}

	// Release the partial reservation before attempting growth so a
	// failed grow leaves no dangling reservation.
	for _, e := range extents {
		a.reserved.ClearRange(e.start, e.length)
	}

	if a.growBlocks == nil {
		return nil, status.Errorf(status.NoSpace, "allocator: need %d blocks, only %d free", count, found)
	}
	added, err := a.growBlocks(count - found)
	if err != nil {
		return nil, status.Wrap(status.NoSpace, err, "allocator: growing block region")
	}
	if err := a.blocks.Grow(a.blocks.Size() + added); err != nil {
		return nil, status.Wrap(status.IO, err, "allocator: extending block bitmap after grow")
	}
	if err := a.reserved.Grow(a.reserved.Size() + added); err != nil {
		return nil, status.Wrap(status.IO, err, "allocator: extending reservation bitmap after grow")
	}

	extents, found = a.tryReserveBlocksLocked(count)
	if found != count {
		for _, e := range extents {
			a.reserved.ClearRange(e.start, e.length)
		}
		return nil, status.Errorf(status.NoSpace, "allocator: still need %d blocks after growth, only %d free", count-found, found)
	}
	return extents, nil
}

func (a *Allocator) tryReserveBlocksLocked(count int64) ([]ReservedExtent, int64) {
	var extents []ReservedExtent
	var found int64
	size := a.blocks.Size()
	i := int64(0)
	for i < size && found < count {
		if a.blocks.Get(i) || a.reserved.Get(i) {
			i++
			continue
		}
		start := i
		for i < size && !a.blocks.Get(i) && !a.reserved.Get(i) && found < count {
			i++
			found++
		}
		length := i - start
		if length > 0 {
			a.reserved.SetRange(start, length)
			extents = append(extents, ReservedExtent{start: start, length: length})
			if len(extents) > allocator2MaxExtents {
				// Defensive bound: pathological fragmentation should
				// never produce more runs than KMaxBlobExtents allows;
				// the caller's SpaceAllocate enforces the real cap.
				break
			}
		}
	}
	return extents, found
}

// allocator2MaxExtents bounds the number of runs tryReserveBlocksLocked
// will accumulate before giving up on this pass, independent of the
// blob-level KMaxBlobExtents check performed by the caller.
const allocator2MaxExtents = KMaxBlobExtents * 4

// Unreserve releases a reservation without ever having committed it,
// e.g. the tail produced by ReservedExtent.SplitAt when a compressed
// write needs fewer blocks than first reserved.
func (a *Allocator) Unreserve(r ReservedExtent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reserved.ClearRange(r.start, r.length)
}

// ReserveNodes reserves count inode-table slots.
func (a *Allocator) ReserveNodes(count int64) ([]ReservedNode, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	nodes, found := a.tryReserveNodesLocked(count)
	if found == count {
		return nodes, nil
	}
	for _, n := range nodes {
		a.nodeRes.Clear(n.index)
	}

	if a.growNodes == nil {
		return nil, status.Errorf(status.NoSpace, "allocator: need %d nodes, only %d free", count, found)
	}
	added, err := a.growNodes(count - found)
	if err != nil {
		return nil, status.Wrap(status.NoSpace, err, "allocator: growing node region")
	}
	if err := a.nodes.Grow(a.nodes.Count() + added); err != nil {
		return nil, status.Wrap(status.IO, err, "allocator: extending node map after grow")
	}
	if err := a.nodeRes.Grow(a.nodeRes.Size() + added); err != nil {
		return nil, status.Wrap(status.IO, err, "allocator: extending node reservation map after grow")
	}

	nodes, found = a.tryReserveNodesLocked(count)
	if found != count {
		for _, n := range nodes {
			a.nodeRes.Clear(n.index)
		}
		return nil, status.Errorf(status.NoSpace, "allocator: still need %d nodes after growth", count-found)
	}
	return nodes, nil
}

func (a *Allocator) tryReserveNodesLocked(count int64) ([]ReservedNode, int64) {
	var nodes []ReservedNode
	var found int64
	total := a.nodes.Count()
	for i := int64(0); i < total && found < count; i++ {
		if a.nodes.IsAllocated(i) || a.nodeRes.Get(i) {
			continue
		}
		a.nodeRes.Set(i)
		nodes = append(nodes, ReservedNode{index: i})
		found++
	}
	return nodes, found
}

// UnreserveNode releases a node reservation that was never committed.
func (a *Allocator) UnreserveNode(n ReservedNode) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nodeRes.Clear(n.index)
}

// MarkBlocksAllocated commits a reservation to the persistent bitmap.
func (a *Allocator) MarkBlocksAllocated(r ReservedExtent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.blocks.SetRange(r.start, r.length)
	a.reserved.ClearRange(r.start, r.length)
}

// MarkInodeAllocated commits a node reservation to the persistent node
// map.
func (a *Allocator) MarkInodeAllocated(n ReservedNode) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nodes.Allocate(n.index)
	a.nodeRes.Clear(n.index)
}

// CheckBlocksAllocated reports whether every block in [start, start+
// length) is currently allocated, used before FreeBlocks to avoid
// double-freeing an already-free extent (spec §4.2).
func (a *Allocator) CheckBlocksAllocated(start, length int64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.blocks.AllSet(start, length)
}

// FreeBlocks clears the bits for extent e. The caller must have
// already verified via CheckBlocksAllocated that the range is in fact
// allocated.
func (a *Allocator) FreeBlocks(e inode.Extent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	start := int64(e.StartBlock)
	length := int64(e.Length)
	if !a.blocks.AllSet(start, length) {
		return status.Errorf(status.BadState, "allocator: freeing extent [%d,%d) that is not fully allocated", start, start+length)
	}
	a.blocks.ClearRange(start, length)
	return nil
}

// FreeNode clears the given inode-table slot.
func (a *Allocator) FreeNode(index int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.nodes.IsAllocated(index) {
		return status.Errorf(status.BadState, "allocator: freeing node %d that is not allocated", index)
	}
	a.nodes.Free(index)
	return nil
}

// AllocBlockCount returns the number of currently-allocated blocks.
func (a *Allocator) AllocBlockCount() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.blocks.PopCount()
}

// AllocNodeCount returns the number of currently-allocated inode
// slots.
func (a *Allocator) AllocNodeCount() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nodes.AllocatedCount()
}

// BlockBitmapBytes returns the persistent block bitmap serialized for
// writing to the on-disk block-bitmap region.
func (a *Allocator) BlockBitmapBytes() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.blocks.Bytes()
}
