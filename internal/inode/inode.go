// Copyright 2026 The blobfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package inode defines the fixed-size on-disk inode and extent
// container record blobfs packs into the node map region (spec §3, §6).
// A blob's metadata lives in one head inode plus, if it needs more
// extents than fit inline, a chain of extent container records linked
// through NextNode.
package inode

import (
	"encoding/binary"
	"fmt"

	"github.com/blobfsd/blobfs/internal/digest"
)

// RecordSize is the fixed, 64-byte-aligned size of one inode or extent
// container record. Multiple records pack into each node-map block.
const RecordSize = 128

// InlineExtentCount is the number of extents that fit directly in a
// head inode before an extent container is needed.
const InlineExtentCount = 4

// ContainerExtentCount is the number of extents that fit in one extent
// container record (the space left after the shared 8-byte header,
// since containers do not carry merkle/size/block-count payload).
const ContainerExtentCount = (RecordSize - headerSize) / extentSize

// InvalidNodeIndex marks the end of a next-node chain.
const InvalidNodeIndex uint32 = 0xFFFFFFFF

const (
	headerSize = 8
	extentSize = 8 // 4-byte start block + 4-byte length, both in blocks
)

// Flag bits within Header.Flags.
const (
	FlagAllocated       uint8 = 1 << 0
	FlagExtentContainer uint8 = 1 << 1
	FlagCompressed      uint8 = 1 << 2
)

// Header is the 8-byte record header shared by head inodes and extent
// containers: a flags byte plus the next-node link.
type Header struct {
	Flags    uint8
	NextNode uint32
}

func (h Header) Allocated() bool       { return h.Flags&FlagAllocated != 0 }
func (h Header) IsExtentContainer() bool { return h.Flags&FlagExtentContainer != 0 }
func (h Header) Compressed() bool      { return h.Flags&FlagCompressed != 0 }

// Extent is a contiguous run of data blocks (spec §3 "Extent").
type Extent struct {
	StartBlock uint32
	Length     uint32
}

// End returns the exclusive end block of the extent.
func (e Extent) End() uint32 { return e.StartBlock + e.Length }

// Record is one 128-byte on-disk node-map slot. For a head inode,
// MerkleRoot/BlobSize/BlockCount/ExtentCount are meaningful and
// Extents holds up to InlineExtentCount entries. For an extent
// container (Header.IsExtentContainer() true), only Header and Extents
// (up to ContainerExtentCount entries, counted via ExtentCount) matter.
type Record struct {
	Header     Header
	MerkleRoot digest.Digest
	BlobSize   uint64
	BlockCount uint32
	ExtentCount uint16
	Extents    []Extent
}

// NodeCountForExtents returns how many node-map slots (1 head inode
// plus extent containers) are needed to hold extentCount extents,
// matching spec §4.4's NodeCountForExtents.
func NodeCountForExtents(extentCount int) int {
	if extentCount <= InlineExtentCount {
		return 1
	}
	remaining := extentCount - InlineExtentCount
	containers := (remaining + ContainerExtentCount - 1) / ContainerExtentCount
	return 1 + containers
}

// Encode serializes r into a RecordSize-byte buffer.
func (r *Record) Encode() []byte {
	buf := make([]byte, RecordSize)
	buf[0] = r.Header.Flags
	binary.LittleEndian.PutUint32(buf[1:5], r.Header.NextNode)
	// buf[5:8] reserved, left zero, except that a container record keeps
	// its extent count in buf[5:7] (its extents start at headerSize).

	if r.Header.IsExtentContainer() {
		binary.LittleEndian.PutUint16(buf[5:7], r.ExtentCount)
		encodeExtents(buf[headerSize:], r.Extents)
		return buf
	}

	off := headerSize
	copy(buf[off:off+digest.Size], r.MerkleRoot[:])
	off += digest.Size
	binary.LittleEndian.PutUint64(buf[off:off+8], r.BlobSize)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:off+4], r.BlockCount)
	off += 4
	binary.LittleEndian.PutUint16(buf[off:off+2], r.ExtentCount)
	off += 2
	off += 2 // reserved, alignment
	encodeExtents(buf[off:], r.Extents)
	return buf
}

func encodeExtents(dst []byte, extents []Extent) {
	for i, e := range extents {
		o := i * extentSize
		if o+extentSize > len(dst) {
			break
		}
		binary.LittleEndian.PutUint32(dst[o:o+4], e.StartBlock)
		binary.LittleEndian.PutUint32(dst[o+4:o+8], e.Length)
	}
}

// Decode parses a RecordSize-byte buffer into a Record. A head inode
// decodes min(ExtentCount, InlineExtentCount) extent slots; a container
// record decodes exactly its stored ExtentCount, which must not exceed
// ContainerExtentCount.
func Decode(buf []byte) (*Record, error) {
	if len(buf) != RecordSize {
		return nil, fmt.Errorf("inode: record buffer is %d bytes, want %d", len(buf), RecordSize)
	}
	r := &Record{}
	r.Header.Flags = buf[0]
	r.Header.NextNode = binary.LittleEndian.Uint32(buf[1:5])

	if r.Header.IsExtentContainer() {
		r.ExtentCount = binary.LittleEndian.Uint16(buf[5:7])
		n := int(r.ExtentCount)
		if n > ContainerExtentCount {
			return nil, fmt.Errorf("inode: container extent count %d exceeds capacity %d", n, ContainerExtentCount)
		}
		r.Extents = decodeExtents(buf[headerSize:], n)
		return r, nil
	}

	off := headerSize
	copy(r.MerkleRoot[:], buf[off:off+digest.Size])
	off += digest.Size
	r.BlobSize = binary.LittleEndian.Uint64(buf[off : off+8])
	off += 8
	r.BlockCount = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	r.ExtentCount = binary.LittleEndian.Uint16(buf[off : off+2])
	off += 2
	off += 2
	n := int(r.ExtentCount)
	if n > InlineExtentCount {
		n = InlineExtentCount
	}
	r.Extents = decodeExtents(buf[off:], n)
	return r, nil
}

func decodeExtents(src []byte, n int) []Extent {
	out := make([]Extent, 0, n)
	for i := 0; i < n; i++ {
		o := i * extentSize
		if o+extentSize > len(src) {
			break
		}
		out = append(out, Extent{
			StartBlock: binary.LittleEndian.Uint32(src[o : o+4]),
			Length:     binary.LittleEndian.Uint32(src[o+4 : o+8]),
		})
	}
	return out
}
