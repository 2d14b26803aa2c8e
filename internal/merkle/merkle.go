// Copyright 2026 The blobfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package merkle builds and verifies the Merkle tree blobfs computes
// over every blob's contents (spec §4.5). The tree has one SHA-256 leaf
// per 8 KiB block of uncompressed data (the final leaf zero-padded),
// then successive levels each hashing NodeSize/digest.Size = 256
// children into one parent digest, up to a single root.
//
// Blobs of one block or fewer store no tree at all: their digest is the
// SHA-256 of their raw bytes directly (spec §8 "Exactly one-block blob").
package merkle

import (
	"crypto/sha256"
	"fmt"

	"github.com/blobfsd/blobfs/internal/digest"
)

// NodeSize is the size in bytes of one Merkle tree block: both the leaf
// granularity over blob content and the fan-out width of intermediate
// levels (NodeSize / digest.Size children per parent).
const NodeSize = 8192

// fanOut is the number of child digests packed into one intermediate
// tree node before hashing it into the parent level.
const fanOut = NodeSize / digest.Size // 256

// Tree holds the computed levels of a Merkle tree, level 0 being the
// leaf hashes and the last level being exactly the root.
type Tree struct {
	levels [][]digest.Digest
	root   digest.Digest
}

// Root returns the tree's root digest.
func (t *Tree) Root() digest.Digest { return t.root }

// GetTreeLength returns the number of bytes required to serialize the
// tree for a blob of uncompressed length dataLen, matching spec §4.5.
// Blobs that fit in a single NodeSize block need no tree (returns 0).
func GetTreeLength(dataLen int64) int64 {
	if dataLen <= NodeSize {
		return 0
	}
	var total int64
	levelLen := numLeaves(dataLen)
	for levelLen > 1 {
		total += levelLen * digest.Size
		levelLen = ceilDiv(levelLen, fanOut)
	}
	// The final single root digest is not itself serialized as a tree
	// block; it is stored in the inode's merkle root field instead.
	return roundUpToNode(total)
}

// TreeBlocks returns GetTreeLength rounded up to whole NodeSize blocks,
// the unit spec §4.8 allocates in the mapped buffer and on disk.
func TreeBlocks(dataLen int64) int64 {
	return GetTreeLength(dataLen) / NodeSize
}

func numLeaves(dataLen int64) int64 {
	return ceilDiv(dataLen, NodeSize)
}

func ceilDiv(a, b int64) int64 {
	if a == 0 {
		return 0
	}
	return (a + b - 1) / b
}

func roundUpToNode(n int64) int64 {
	return ceilDiv(n, NodeSize) * NodeSize
}

// Create computes the Merkle tree over data (exactly dataLen bytes,
// which may be shorter than len(data) if data is a larger scratch
// buffer) and serializes intermediate levels into treeBuf, which must
// be at least GetTreeLength(dataLen) bytes. It returns the root digest.
//
// For blobs of one block or fewer, treeBuf is unused and the returned
// digest is the direct SHA-256 of data — there is no tree to write.
func Create(data []byte, dataLen int64, treeBuf []byte) (digest.Digest, error) {
	if int64(len(data)) < dataLen {
		return digest.Digest{}, fmt.Errorf("merkle: data buffer shorter (%d) than dataLen (%d)", len(data), dataLen)
	}
	if dataLen <= NodeSize {
		if dataLen == 0 {
			return digest.Empty, nil
		}
		sum := sha256.Sum256(data[:dataLen])
		return digest.Digest(sum), nil
	}

	need := GetTreeLength(dataLen)
	if int64(len(treeBuf)) < need {
		return digest.Digest{}, fmt.Errorf("merkle: tree buffer shorter (%d) than required (%d)", len(treeBuf), need)
	}

	leaves := hashLeaves(data[:dataLen])
	level := leaves
	offset := int64(0)
	for len(level) > 1 {
		writeLevel(treeBuf[offset:], level)
		offset += int64(len(level)) * digest.Size
		level = hashLevel(level)
	}

	root := level[0]
	return root, nil
}

// Verify checks that bytes data[offset:offset+length] are consistent
// with expected, given the full tree (or nil/empty tree for one-block
// blobs) that Create produced for a blob of total length dataLen.
//
// The current design (spec §4.5) always verifies the whole blob:
// callers pass offset=0, length=dataLen on first access; Verify accepts
// any (offset, length) window for API completeness and re-derives the
// affected leaf range, but a mismatch anywhere in the tree fails the
// whole call since blobfs never serves partially-verified bytes.
func Verify(data []byte, dataLen int64, tree []byte, offset, length int64, expected digest.Digest) error {
	if offset < 0 || length < 0 || offset+length > dataLen {
		return fmt.Errorf("merkle: verify range [%d,%d) out of bounds for length %d", offset, offset+length, dataLen)
	}
	if dataLen <= NodeSize {
		if int64(len(data)) < dataLen {
			return fmt.Errorf("merkle: data buffer shorter (%d) than dataLen (%d)", len(data), dataLen)
		}
		var sum digest.Digest
		if dataLen == 0 {
			sum = digest.Empty
		} else {
			sum = digest.Digest(sha256.Sum256(data[:dataLen]))
		}
		if sum != expected {
			return fmt.Errorf("merkle: digest mismatch for single-block blob")
		}
		return nil
	}

	need := GetTreeLength(dataLen)
	if int64(len(tree)) < need {
		return fmt.Errorf("merkle: tree buffer shorter (%d) than required (%d)", len(tree), need)
	}

	leaves := hashLeaves(data[:dataLen])
	levelOffset := int64(0)
	level := leaves
	for len(level) > 1 {
		stored := readLevel(tree[levelOffset:], len(level))
		for i, h := range level {
			if h != stored[i] {
				return fmt.Errorf("merkle: leaf/level hash mismatch at level offset %d index %d", levelOffset, i)
			}
		}
		levelOffset += int64(len(level)) * digest.Size
		level = hashLevel(level)
	}

	root := level[0]
	if root != expected {
		return fmt.Errorf("merkle: root mismatch: computed %s, expected %s", root, expected)
	}
	return nil
}

func hashLeaves(data []byte) []digest.Digest {
	n := numLeaves(int64(len(data)))
	leaves := make([]digest.Digest, n)
	for i := int64(0); i < n; i++ {
		start := i * NodeSize
		end := start + NodeSize
		if end > int64(len(data)) {
			end = int64(len(data))
		}
		var block [NodeSize]byte
		copy(block[:], data[start:end])
		leaves[i] = digest.Digest(sha256.Sum256(block[:]))
	}
	return leaves
}

// hashLevel groups fanOut consecutive digests from level into one
// parent node each, hashing the packed bytes (zero-padded on the last,
// short group) into the digest for the next level up.
func hashLevel(level []digest.Digest) []digest.Digest {
	groups := ceilDiv(int64(len(level)), fanOut)
	parents := make([]digest.Digest, groups)
	for g := int64(0); g < groups; g++ {
		start := g * fanOut
		end := start + fanOut
		if end > int64(len(level)) {
			end = int64(len(level))
		}
		var block [NodeSize]byte
		for i := start; i < end; i++ {
			copy(block[(i-start)*digest.Size:], level[i][:])
		}
		parents[g] = digest.Digest(sha256.Sum256(block[:]))
	}
	return parents
}

func writeLevel(dst []byte, level []digest.Digest) {
	for i, h := range level {
		copy(dst[i*digest.Size:], h[:])
	}
}

func readLevel(src []byte, n int) []digest.Digest {
	out := make([]digest.Digest, n)
	for i := range out {
		copy(out[i][:], src[i*digest.Size:(i+1)*digest.Size])
	}
	return out
}
