// Copyright 2026 The blobfs Authors
// SPDX-License-Identifier: Apache-2.0

package extent

import (
	"testing"

	"github.com/blobfsd/blobfs/internal/inode"
)

type fakeNodeSource map[uint32]*inode.Record

func (f fakeNodeSource) ReadNode(index uint32) (*inode.Record, error) {
	r, ok := f[index]
	if !ok {
		panic("fakeNodeSource: no such node")
	}
	return r, nil
}

func TestAllocatedExtentIteratorSingleNode(t *testing.T) {
	source := fakeNodeSource{
		0: &inode.Record{
			Header:      inode.Header{Flags: inode.FlagAllocated, NextNode: inode.InvalidNodeIndex},
			ExtentCount: 2,
			Extents: []inode.Extent{
				{StartBlock: 10, Length: 3},
				{StartBlock: 20, Length: 1},
			},
		},
	}
	it, err := NewAllocatedExtentIterator(source, 0)
	if err != nil {
		t.Fatalf("NewAllocatedExtentIterator: %v", err)
	}
	var got []inode.Extent
	for !it.Done() {
		e, err := it.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		got = append(got, e)
		if it.NodeIndex() != 0 {
			t.Fatalf("NodeIndex() = %d, want 0", it.NodeIndex())
		}
	}
	if len(got) != 2 || got[0].StartBlock != 10 || got[1].StartBlock != 20 {
		t.Fatalf("got %+v", got)
	}
}

func TestAllocatedExtentIteratorFollowsContainerChain(t *testing.T) {
	source := fakeNodeSource{
		0: &inode.Record{
			Header:      inode.Header{Flags: inode.FlagAllocated, NextNode: 1},
			ExtentCount: 5,
			Extents: []inode.Extent{
				{StartBlock: 1, Length: 1},
				{StartBlock: 2, Length: 1},
				{StartBlock: 3, Length: 1},
				{StartBlock: 4, Length: 1},
			},
		},
		1: &inode.Record{
			Header:      inode.Header{Flags: inode.FlagAllocated | inode.FlagExtentContainer, NextNode: inode.InvalidNodeIndex},
			ExtentCount: 1,
			Extents: []inode.Extent{
				{StartBlock: 5, Length: 1},
			},
		},
	}
	it, err := NewAllocatedExtentIterator(source, 0)
	if err != nil {
		t.Fatalf("NewAllocatedExtentIterator: %v", err)
	}
	var starts []uint32
	for !it.Done() {
		e, err := it.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		starts = append(starts, e.StartBlock)
	}
	want := []uint32{1, 2, 3, 4, 5}
	if len(starts) != len(want) {
		t.Fatalf("got %v, want %v", starts, want)
	}
	for i := range want {
		if starts[i] != want[i] {
			t.Fatalf("starts[%d] = %d, want %d", i, starts[i], want[i])
		}
	}
	if it.NodeIndex() != 1 {
		t.Fatalf("final NodeIndex() = %d, want 1 (last container visited)", it.NodeIndex())
	}
}

func TestAllocatedExtentIteratorRejectsNonHeadStart(t *testing.T) {
	source := fakeNodeSource{
		0: &inode.Record{Header: inode.Header{Flags: 0}},
	}
	if _, err := NewAllocatedExtentIterator(source, 0); err == nil {
		t.Fatal("NewAllocatedExtentIterator over an unallocated node: want error")
	}
}

func TestVectorExtentIteratorHasNoNodeIndex(t *testing.T) {
	it := NewVectorExtentIterator([]inode.Extent{{StartBlock: 1, Length: 1}})
	if it.Done() {
		t.Fatal("fresh vector iterator reports Done")
	}
	if _, err := it.Next(); err != nil {
		t.Fatalf("Next: %v", err)
	}
	if it.NodeIndex() != NoNodeIndex {
		t.Fatalf("NodeIndex() = %d, want NoNodeIndex", it.NodeIndex())
	}
	if !it.Done() {
		t.Fatal("iterator should be exhausted after consuming its only extent")
	}
}

func TestBlockIteratorAndStreamBlocks(t *testing.T) {
	extents := []inode.Extent{
		{StartBlock: 100, Length: 3},
		{StartBlock: 200, Length: 2},
	}
	bi := NewBlockIterator(NewVectorExtentIterator(extents))

	var runs [][3]int64
	if err := StreamBlocks(bi, 5, func(vmoOffset, devOffset, length int64) error {
		runs = append(runs, [3]int64{vmoOffset, devOffset, length})
		return nil
	}); err != nil {
		t.Fatalf("StreamBlocks: %v", err)
	}
	want := [][3]int64{{0, 100, 3}, {3, 200, 2}}
	if len(runs) != len(want) {
		t.Fatalf("runs = %v, want %v", runs, want)
	}
	for i := range want {
		if runs[i] != want[i] {
			t.Fatalf("runs[%d] = %v, want %v", i, runs[i], want[i])
		}
	}
	if !bi.Done() {
		t.Fatal("BlockIterator should be exhausted after consuming all 5 blocks")
	}
}

func TestStreamBlocksErrorsWhenExhaustedEarly(t *testing.T) {
	bi := NewBlockIterator(NewVectorExtentIterator([]inode.Extent{{StartBlock: 0, Length: 2}}))
	err := StreamBlocks(bi, 5, func(vmoOffset, devOffset, length int64) error { return nil })
	if err == nil {
		t.Fatal("StreamBlocks past the available blocks: want error")
	}
}

func TestStreamBlocksPropagatesSinkError(t *testing.T) {
	bi := NewBlockIterator(NewVectorExtentIterator([]inode.Extent{{StartBlock: 0, Length: 4}}))
	sentinel := errTest("boom")
	err := StreamBlocks(bi, 4, func(vmoOffset, devOffset, length int64) error { return sentinel })
	if err != sentinel {
		t.Fatalf("StreamBlocks error = %v, want sentinel", err)
	}
}

type errTest string

func (e errTest) Error() string { return string(e) }
