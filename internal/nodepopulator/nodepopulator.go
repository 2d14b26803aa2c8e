// Copyright 2026 The blobfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package nodepopulator writes reserved extents into the persistent
// inode-plus-container chain a blob's head node anchors (spec §4.4).
// It is grounded on lib/artifact/container.go's ContainerBuilder: both
// accumulate index entries (there, chunk index entries; here, extents)
// against a pre-sized set of records and only "flush" — here, commit
// the wiring — once the caller is done, so an early stop (compression
// shrinking the extent count) still finalizes cleanly.
package nodepopulator

import (
	"fmt"

	"github.com/blobfsd/blobfs/internal/allocator"
	"github.com/blobfsd/blobfs/internal/inode"
)

// Decision is returned by the on-extent callback to control iteration.
type Decision int

const (
	// Continue visits the next extent.
	Continue Decision = iota
	// Stop ends iteration early — used when compression reduced the
	// extent count actually needed, so the trailing reserved nodes and
	// extents are left uncommitted for the caller to release.
	Stop
)

// NodePopulator wires a set of reserved extents into a set of reserved
// nodes: one head inode followed by as many extent containers as
// needed, each carrying up to ContainerExtentCount extents (or
// InlineExtentCount for the head).
type NodePopulator struct {
	extentCount int
	extents     []allocator.ReservedExtent
	nodes       []allocator.ReservedNode
}

// New creates a NodePopulator. nodes must have length
// inode.NodeCountForExtents(extentCount); extents must have at least
// extentCount entries (it may have more, but Walk only consumes the
// first extentCount of them).
func New(extentCount int, extents []allocator.ReservedExtent, nodes []allocator.ReservedNode) (*NodePopulator, error) {
	want := inode.NodeCountForExtents(extentCount)
	if len(nodes) != want {
		return nil, fmt.Errorf("nodepopulator: got %d reserved nodes, want %d for %d extents", len(nodes), want, extentCount)
	}
	return &NodePopulator{extentCount: extentCount, extents: extents, nodes: nodes}, nil
}

// Walk visits nodes head-first, invoking onNode once per node before
// that node's extents, and invokes onExtent for each extent in
// iteration order. onExtent's Decision may stop early; Walk then
// returns without visiting further nodes (used when compression reduces
// the needed extent count after reservation).
//
// onNode receives the node's reservation, whether it is the head (index
// 0 in nodes), and its extent capacity (InlineExtentCount for the head,
// ContainerExtentCount otherwise). Walk itself builds and writes no
// records: NextNode pointers, per-node extent counts and the chain's
// termination at a truncation point are left to the callbacks, guided
// by the returned committedExtents and committedNodes.
func (p *NodePopulator) Walk(
	onNode func(nodeIndex allocator.ReservedNode, isHead bool, capacity int) error,
	onExtent func(nodeIndex allocator.ReservedNode, e allocator.ReservedExtent) (Decision, error),
) (committedExtents int, committedNodes int, err error) {
	extentIdx := 0
	for nodeIdx, node := range p.nodes {
		capacity := inode.InlineExtentCount
		if nodeIdx > 0 {
			capacity = inode.ContainerExtentCount
		}
		if err := onNode(node, nodeIdx == 0, capacity); err != nil {
			return committedExtents, committedNodes, fmt.Errorf("nodepopulator: visiting node %d: %w", nodeIdx, err)
		}
		committedNodes++

		stopped := false
		for slot := 0; slot < capacity && extentIdx < p.extentCount; slot++ {
			decision, err := onExtent(node, p.extents[extentIdx])
			if err != nil {
				return committedExtents, committedNodes, fmt.Errorf("nodepopulator: visiting extent %d: %w", extentIdx, err)
			}
			extentIdx++
			committedExtents++
			if decision == Stop {
				stopped = true
				break
			}
		}
		if stopped || extentIdx >= p.extentCount {
			break
		}
	}
	return committedExtents, committedNodes, nil
}

// UnusedNodes returns the trailing reserved nodes Walk did not need to
// wire (because iteration stopped early). The caller releases these
// back to the allocator via Allocator.UnreserveNode.
func (p *NodePopulator) UnusedNodes(committedNodes int) []allocator.ReservedNode {
	if committedNodes >= len(p.nodes) {
		return nil
	}
	return p.nodes[committedNodes:]
}

// UnusedExtents returns the trailing reserved extents Walk did not
// consume.
func (p *NodePopulator) UnusedExtents(committedExtents int) []allocator.ReservedExtent {
	if committedExtents >= len(p.extents) {
		return nil
	}
	return p.extents[committedExtents:]
}
