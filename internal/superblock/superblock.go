// Copyright 2026 The blobfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package superblock defines the on-disk geometry record at block 0
// (spec §3, §4.1, §6) and the layout math derived from it. It also
// implements the standalone fsck-style consistency check (spec §8, the
// original_source supplement described in SPEC_FULL.md) so invariants
// can be verified without a live mount.
package superblock

import (
	"encoding/binary"
	"fmt"

	"github.com/blobfsd/blobfs/internal/bitmap"
	"github.com/blobfsd/blobfs/internal/fvm"
)

// BlockSize is the fixed device block size blobfs uses throughout
// (spec §6).
const BlockSize = 8192

// Magic identifies a blobfs superblock.
const Magic uint64 = 0xB10BF5B10BF5B10B

// Version is the current on-disk format version this module writes and
// reads. CheckSuperblock rejects any other value.
const Version uint32 = 1

// Flag bits.
const (
	FlagFVM         uint32 = 1 << 0
	FlagCompression uint32 = 1 << 1
)

// FVM virtual-slice offsets for each region, in slices, matching spec
// §6's kFVMBlockMapStart/kFVMNodeMapStart/kFVMJournalStart/
// kFVMDataStart constants.
const (
	FVMBlockMapStart = 1
	FVMNodeMapStart  = 1 << 16
	FVMJournalStart  = 2 << 16
	FVMDataStart     = 4 << 16
)

// Info is the fixed-size superblock record at block 0.
type Info struct {
	Magic   uint64
	Version uint32
	Flags   uint32

	BlockSize      uint32
	BlockCount     uint64 // total blocks in the device/region
	DataBlockCount uint64
	InodeCount     uint64

	AllocBlockCount uint64
	AllocInodeCount uint64

	// FVM fields, meaningful only when FlagFVM is set.
	SliceSize      uint64
	ABMSlices      uint64
	InoSlices      uint64
	JournalSlices  uint64
	DatSlices      uint64
	VSliceCount    uint64
}

// infoRecordSize is the fixed encoded size of Info, padded to
// BlockSize since it occupies the whole of block 0.
const infoRecordSize = 8 + 4 + 4 + 4 + 8 + 8 + 8 + 8 + 8 + 8 + 8 + 8 + 8 + 8

// Layout holds the block-aligned derived offsets computed from an Info.
type Layout struct {
	BlockMapStart  uint64
	BlockMapBlocks uint64
	NodeMapStart   uint64
	NodeMapBlocks  uint64
	JournalStart   uint64
	JournalBlocks  uint64
	DataStart      uint64
	DataBlocks     uint64
}

// nodeRecordsPerBlock is how many fixed-size inode/container records
// pack into one BlockSize block (this package doesn't import inode to
// avoid a cycle; the constant mirrors inode.RecordSize = 128).
const nodeRecordSize = 128
const nodeRecordsPerBlock = BlockSize / nodeRecordSize

// ComputeLayout derives block-aligned region offsets from Info. Regions
// are laid out in the fixed order: superblock (block 0), block bitmap,
// node map, journal, data (spec §6).
func ComputeLayout(info *Info) Layout {
	blockMapBlocks := (info.DataBlockCount + 8*BlockSize - 1) / (8 * BlockSize)
	nodeMapBlocks := (info.InodeCount + nodeRecordsPerBlock - 1) / nodeRecordsPerBlock

	var l Layout
	l.BlockMapStart = 1
	l.BlockMapBlocks = blockMapBlocks
	l.NodeMapStart = l.BlockMapStart + l.BlockMapBlocks
	l.NodeMapBlocks = nodeMapBlocks
	l.JournalStart = l.NodeMapStart + l.NodeMapBlocks
	l.JournalBlocks = journalBlocksFor(info)
	l.DataStart = l.JournalStart + l.JournalBlocks
	l.DataBlocks = info.DataBlockCount
	return l
}

// DefaultJournalBlocks is used when an Info does not otherwise specify
// journal sizing (fixed-geometry mounts size the journal as a fraction
// of the data region, capped for small filesystems).
const DefaultJournalBlocks = 256

func journalBlocksFor(info *Info) uint64 {
	if info.Flags&FlagFVM != 0 && info.JournalSlices > 0 {
		return info.JournalSlices * (info.SliceSize / BlockSize)
	}
	return DefaultJournalBlocks
}

// Encode serializes Info into a BlockSize-byte block-0 image.
func (info *Info) Encode() []byte {
	buf := make([]byte, BlockSize)
	binary.LittleEndian.PutUint64(buf[0:8], info.Magic)
	binary.LittleEndian.PutUint32(buf[8:12], info.Version)
	binary.LittleEndian.PutUint32(buf[12:16], info.Flags)
	binary.LittleEndian.PutUint32(buf[16:20], info.BlockSize)
	binary.LittleEndian.PutUint64(buf[24:32], info.BlockCount)
	binary.LittleEndian.PutUint64(buf[32:40], info.DataBlockCount)
	binary.LittleEndian.PutUint64(buf[40:48], info.InodeCount)
	binary.LittleEndian.PutUint64(buf[48:56], info.AllocBlockCount)
	binary.LittleEndian.PutUint64(buf[56:64], info.AllocInodeCount)
	binary.LittleEndian.PutUint64(buf[64:72], info.SliceSize)
	binary.LittleEndian.PutUint64(buf[72:80], info.ABMSlices)
	binary.LittleEndian.PutUint64(buf[80:88], info.InoSlices)
	binary.LittleEndian.PutUint64(buf[88:96], info.JournalSlices)
	binary.LittleEndian.PutUint64(buf[96:104], info.DatSlices)
	binary.LittleEndian.PutUint64(buf[104:112], info.VSliceCount)
	return buf
}

// Decode parses a BlockSize-byte block-0 image into an Info.
func Decode(buf []byte) (*Info, error) {
	if len(buf) < 112 {
		return nil, fmt.Errorf("superblock: buffer is %d bytes, too small", len(buf))
	}
	info := &Info{
		Magic:           binary.LittleEndian.Uint64(buf[0:8]),
		Version:         binary.LittleEndian.Uint32(buf[8:12]),
		Flags:           binary.LittleEndian.Uint32(buf[12:16]),
		BlockSize:       binary.LittleEndian.Uint32(buf[16:20]),
		BlockCount:      binary.LittleEndian.Uint64(buf[24:32]),
		DataBlockCount:  binary.LittleEndian.Uint64(buf[32:40]),
		InodeCount:      binary.LittleEndian.Uint64(buf[40:48]),
		AllocBlockCount: binary.LittleEndian.Uint64(buf[48:56]),
		AllocInodeCount: binary.LittleEndian.Uint64(buf[56:64]),
		SliceSize:       binary.LittleEndian.Uint64(buf[64:72]),
		ABMSlices:       binary.LittleEndian.Uint64(buf[72:80]),
		InoSlices:       binary.LittleEndian.Uint64(buf[80:88]),
		JournalSlices:   binary.LittleEndian.Uint64(buf[88:96]),
		DatSlices:       binary.LittleEndian.Uint64(buf[96:104]),
		VSliceCount:     binary.LittleEndian.Uint64(buf[104:112]),
	}
	return info, nil
}

// Format builds a fresh Info for a device of totalBlocks blocks with
// dataBlocks reserved for blob data and inodeCount inode records, and
// writes the superblock, block bitmap, node map, and journal regions to
// dev as all-zero (unallocated) images. It is the mkfs-equivalent entry
// point a daemon calls once before the first Mount of a new device.
func Format(dev interface {
	WriteAt(p []byte, off int64) (int, error)
}, totalBlocks, dataBlocks, inodeCount uint64) (*Info, error) {
	info := &Info{
		Magic:          Magic,
		Version:        Version,
		BlockSize:      BlockSize,
		BlockCount:     totalBlocks,
		DataBlockCount: dataBlocks,
		InodeCount:     inodeCount,
	}

	layout := ComputeLayout(info)
	end := layout.DataStart + layout.DataBlocks
	if end > totalBlocks {
		return nil, fmt.Errorf("superblock: format requires %d blocks, device has %d", end, totalBlocks)
	}

	zero := make([]byte, BlockSize)
	regionBlocks := layout.BlockMapBlocks + layout.NodeMapBlocks + layout.JournalBlocks
	for i := uint64(0); i < regionBlocks; i++ {
		if _, err := dev.WriteAt(zero, int64(layout.BlockMapStart+i)*BlockSize); err != nil {
			return nil, fmt.Errorf("superblock: zeroing metadata block %d: %w", layout.BlockMapStart+i, err)
		}
	}
	if _, err := dev.WriteAt(info.Encode(), 0); err != nil {
		return nil, fmt.Errorf("superblock: writing superblock: %w", err)
	}
	return info, nil
}

// CheckSuperblock validates info against a device of totalBlocks
// blocks, per spec §4.1: bad magic, mismatched block size, overflowing
// derived offsets, or regions too large for the device are all fatal.
func CheckSuperblock(info *Info, totalBlocks uint64) error {
	if info.Magic != Magic {
		return fmt.Errorf("superblock: bad magic %#x", info.Magic)
	}
	if info.Version != Version {
		return fmt.Errorf("superblock: unsupported version %d (want %d)", info.Version, Version)
	}
	if info.BlockSize != BlockSize {
		return fmt.Errorf("superblock: block size %d does not match expected %d", info.BlockSize, BlockSize)
	}
	if info.AllocBlockCount > info.DataBlockCount {
		return fmt.Errorf("superblock: alloc_block_count %d exceeds data_block_count %d", info.AllocBlockCount, info.DataBlockCount)
	}
	if info.AllocInodeCount > info.InodeCount {
		return fmt.Errorf("superblock: alloc_inode_count %d exceeds inode_count %d", info.AllocInodeCount, info.InodeCount)
	}

	layout := ComputeLayout(info)
	end := layout.DataStart + layout.DataBlocks
	if end < layout.DataStart {
		return fmt.Errorf("superblock: derived layout overflows")
	}
	if end > totalBlocks {
		return fmt.Errorf("superblock: layout requires %d blocks, device has %d", end, totalBlocks)
	}
	if info.BlockCount > totalBlocks {
		return fmt.Errorf("superblock: block_count %d exceeds device size %d", info.BlockCount, totalBlocks)
	}
	return nil
}

// CheckFVMConsistency queries the volume manager for each metadata
// region blobfs expects and fails IO_DATA_INTEGRITY if any region is
// under-provisioned. A region with excess slices is shrunk back to the
// filesystem's expectation unconditionally (spec §4.1 — mount is
// assumed single-threaded with respect to the volume manager; see
// DESIGN.md Open Question 3).
func CheckFVMConsistency(info *Info, vm fvm.VolumeManager) error {
	if info.Flags&FlagFVM == 0 {
		return nil
	}

	regions := []struct {
		name   string
		offset uint64
		want   uint64
	}{
		{"block bitmap", FVMBlockMapStart, info.ABMSlices},
		{"node map", FVMNodeMapStart, info.InoSlices},
		{"journal", FVMJournalStart, info.JournalSlices},
		{"data", FVMDataStart, info.DatSlices},
	}

	offsets := make([]uint64, len(regions))
	for i, r := range regions {
		offsets[i] = r.offset
	}
	ranges, err := vm.VsliceQuery(offsets)
	if err != nil {
		return fmt.Errorf("superblock: FVM vslice query: %w", err)
	}
	if len(ranges) != len(regions) {
		return fmt.Errorf("superblock: FVM vslice query returned %d ranges, want %d", len(ranges), len(regions))
	}

	for i, r := range regions {
		got := ranges[i].AllocatedSlices
		if got < r.want {
			return fmt.Errorf("superblock: FVM region %q has %d slices, filesystem expects %d (%w)", r.name, got, r.want, errIODataIntegrity)
		}
		if got > r.want {
			if err := vm.Shrink(r.offset+r.want, got-r.want); err != nil {
				return fmt.Errorf("superblock: shrinking excess slices for region %q: %w", r.name, err)
			}
		}
	}
	return nil
}

var errIODataIntegrity = fmt.Errorf("IO_DATA_INTEGRITY")

// CheckInvariants runs the standalone consistency checks from spec §8
// against an in-memory reconstruction of the block bitmap and node
// map, without requiring a live mount (the original_source `fsck`-style
// supplement described in SPEC_FULL.md).
func CheckInvariants(info *Info, blocks *bitmap.RawBitmap, nodes *bitmap.NodeMap, allocatedNonContainerInodes int64) error {
	if blocks.PopCount() != int64(info.AllocBlockCount) {
		return fmt.Errorf("superblock: popcount(bitmap)=%d != alloc_block_count=%d", blocks.PopCount(), info.AllocBlockCount)
	}
	if allocatedNonContainerInodes != int64(info.AllocInodeCount) {
		return fmt.Errorf("superblock: allocated non-container inode count=%d != alloc_inode_count=%d", allocatedNonContainerInodes, info.AllocInodeCount)
	}
	return nil
}
