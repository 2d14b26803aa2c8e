// Copyright 2026 The blobfs Authors
// SPDX-License-Identifier: Apache-2.0

package bitmap

// NodeMap tracks which inode-table slots are in use. It is a thin,
// semantically distinct wrapper over RawBitmap: node indices are scanned
// individually (never as a run) since the allocator reserves node slots
// one index at a time, unlike blocks which are reserved in runs.
type NodeMap struct {
	bits *RawBitmap
}

// NewNodeMap creates a NodeMap with room for count inode slots.
func NewNodeMap(count int64) *NodeMap {
	return &NodeMap{bits: New(count)}
}

// Count returns the total number of inode slots.
func (n *NodeMap) Count() int64 { return n.bits.Size() }

// IsAllocated reports whether inode slot i is in use.
func (n *NodeMap) IsAllocated(i int64) bool { return n.bits.Get(i) }

// Allocate marks inode slot i in use.
func (n *NodeMap) Allocate(i int64) { n.bits.Set(i) }

// Free marks inode slot i free.
func (n *NodeMap) Free(i int64) { n.bits.Clear(i) }

// FindFree returns the index of the first free inode slot, or -1 if
// the map is full.
func (n *NodeMap) FindFree() int64 {
	for i := int64(0); i < n.bits.Size(); i++ {
		if !n.bits.Get(i) {
			return i
		}
	}
	return -1
}

// AllocatedCount returns the number of allocated inode slots, used to
// check count(header.allocated && !header.extent_container) ==
// superblock.alloc_inode_count (spec §8) once combined with the
// container-node distinction the caller tracks separately.
func (n *NodeMap) AllocatedCount() int64 { return n.bits.PopCount() }

// Grow extends the node map to newCount slots.
func (n *NodeMap) Grow(newCount int64) error { return n.bits.Grow(newCount) }

// Shrink reduces the node map to newCount slots; all truncated slots
// must already be free.
func (n *NodeMap) Shrink(newCount int64) error { return n.bits.Shrink(newCount) }
