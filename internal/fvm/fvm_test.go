// Copyright 2026 The blobfs Authors
// SPDX-License-Identifier: Apache-2.0

package fvm

import "testing"

func TestExtendThenVsliceQuery(t *testing.T) {
	m := NewInMemory(32768, 1000)
	if err := m.Extend(10, 5); err != nil {
		t.Fatalf("Extend: %v", err)
	}
	ranges, err := m.VsliceQuery([]uint64{10})
	if err != nil {
		t.Fatalf("VsliceQuery: %v", err)
	}
	if len(ranges) != 1 || ranges[0].AllocatedSlices != 5 {
		t.Fatalf("VsliceQuery = %+v, want AllocatedSlices=5", ranges)
	}
}

func TestExtendRejectsOverTotal(t *testing.T) {
	m := NewInMemory(32768, 10)
	if err := m.Extend(5, 10); err == nil {
		t.Fatal("Extend beyond total slices: want error")
	}
}

func TestShrinkRejectsOverAllocated(t *testing.T) {
	m := NewInMemory(32768, 1000)
	m.Preallocate(0, 3)
	if err := m.Shrink(0, 4); err == nil {
		t.Fatal("Shrink more than allocated: want error")
	}
	if err := m.Shrink(0, 3); err != nil {
		t.Fatalf("Shrink exactly the allocated amount: %v", err)
	}
	ranges, _ := m.VsliceQuery([]uint64{0})
	if ranges[0].AllocatedSlices != 0 {
		t.Fatalf("AllocatedSlices after full shrink = %d, want 0", ranges[0].AllocatedSlices)
	}
}

func TestQueryReturnsGeometry(t *testing.T) {
	m := NewInMemory(32768, 500)
	info, err := m.Query()
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if info.SliceSize != 32768 || info.Total != 500 {
		t.Fatalf("Query() = %+v", info)
	}
}
