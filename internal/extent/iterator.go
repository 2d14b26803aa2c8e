// Copyright 2026 The blobfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package extent implements the extent/block/node iterator family that
// walks a blob's data-block runs, either already committed to the node
// map (AllocatedExtentIterator) or still held as speculative allocator
// reservations (VectorExtentIterator) — spec §4.3.
package extent

import (
	"fmt"

	"github.com/blobfsd/blobfs/internal/inode"
)

// NoNodeIndex is returned by NodeIndex when the iterator has no
// backing node-map entry (e.g. a VectorExtentIterator over
// not-yet-committed reservations).
const NoNodeIndex = ^uint32(0)

// Iterator yields a blob's extents in order. Both AllocatedExtentIterator
// and VectorExtentIterator implement it so BlockIterator and
// StreamBlocks work identically over committed or reserved extents.
type Iterator interface {
	// Done reports whether all extents have been consumed.
	Done() bool
	// Next returns the next extent and advances the iterator.
	Next() (inode.Extent, error)
	// NodeIndex returns the node-map index the most recently returned
	// extent came from, or NoNodeIndex if not backed by a node.
	NodeIndex() uint32
}

// NodeSource reads a node-map record by index, letting
// AllocatedExtentIterator walk the head→container chain without
// depending on the concrete storage backend.
type NodeSource interface {
	ReadNode(index uint32) (*inode.Record, error)
}

// AllocatedExtentIterator walks the extents of a committed blob by
// following its head inode and any linked extent container nodes.
type AllocatedExtentIterator struct {
	source     NodeSource
	headNode   uint32
	totalCount int

	curNode    uint32
	curRecord  *inode.Record
	posInNode  int
	yielded    int
}

// NewAllocatedExtentIterator creates an iterator starting at the given
// head node index. The head record is read immediately to discover the
// blob's total extent count.
func NewAllocatedExtentIterator(source NodeSource, headNode uint32) (*AllocatedExtentIterator, error) {
	head, err := source.ReadNode(headNode)
	if err != nil {
		return nil, fmt.Errorf("extent: reading head node %d: %w", headNode, err)
	}
	if !head.Header.Allocated() || head.Header.IsExtentContainer() {
		return nil, fmt.Errorf("extent: node %d is not an allocated head inode", headNode)
	}
	return &AllocatedExtentIterator{
		source:     source,
		headNode:   headNode,
		totalCount: int(head.ExtentCount),
		curNode:    headNode,
		curRecord:  head,
	}, nil
}

func (it *AllocatedExtentIterator) Done() bool {
	return it.yielded >= it.totalCount
}

func (it *AllocatedExtentIterator) Next() (inode.Extent, error) {
	if it.Done() {
		return inode.Extent{}, fmt.Errorf("extent: iterator exhausted")
	}
	for it.posInNode >= len(it.curRecord.Extents) {
		next := it.curRecord.Header.NextNode
		if next == inode.InvalidNodeIndex {
			return inode.Extent{}, fmt.Errorf("extent: extent count %d exceeds nodes reachable from head %d", it.totalCount, it.headNode)
		}
		rec, err := it.source.ReadNode(next)
		if err != nil {
			return inode.Extent{}, fmt.Errorf("extent: reading container node %d: %w", next, err)
		}
		if !rec.Header.IsExtentContainer() {
			return inode.Extent{}, fmt.Errorf("extent: node %d reached via next-node chain is not a container", next)
		}
		it.curNode = next
		it.curRecord = rec
		it.posInNode = 0
	}
	e := it.curRecord.Extents[it.posInNode]
	it.posInNode++
	it.yielded++
	return e, nil
}

func (it *AllocatedExtentIterator) NodeIndex() uint32 { return it.curNode }

// VectorExtentIterator walks a slice of extents backed by
// not-yet-committed allocator reservations, used during initial write
// before the node populator commits them.
type VectorExtentIterator struct {
	extents []inode.Extent
	pos     int
}

// NewVectorExtentIterator creates an iterator over extents (already
// flattened from ReservedExtent handles by the caller).
func NewVectorExtentIterator(extents []inode.Extent) *VectorExtentIterator {
	return &VectorExtentIterator{extents: extents}
}

func (it *VectorExtentIterator) Done() bool { return it.pos >= len(it.extents) }

func (it *VectorExtentIterator) Next() (inode.Extent, error) {
	if it.Done() {
		return inode.Extent{}, fmt.Errorf("extent: vector iterator exhausted")
	}
	e := it.extents[it.pos]
	it.pos++
	return e, nil
}

func (it *VectorExtentIterator) NodeIndex() uint32 { return NoNodeIndex }
