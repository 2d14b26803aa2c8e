// Copyright 2026 The blobfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package digest defines the 32-byte content identifier used as the
// primary key for every blob (spec §3, §6). Digests are Merkle roots
// computed by package merkle; this package only owns the type, its wire
// encoding, and formatting.
package digest

import (
	"encoding/hex"
	"fmt"
)

// Size is the byte length of a Digest: a SHA-256 output.
const Size = 32

// Digest is a 32-byte content identifier. The zero Digest never
// identifies a real blob and is used as a sentinel for "absent".
type Digest [Size]byte

// String returns the 64-character lowercase hex encoding used for
// directory entry names (spec §6 "Directory protocol").
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// IsZero reports whether d is the all-zero sentinel.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// Parse decodes a 64-character lowercase hex string into a Digest.
func Parse(s string) (Digest, error) {
	if len(s) != Size*2 {
		return Digest{}, fmt.Errorf("digest: %q has length %d, want %d", s, len(s), Size*2)
	}
	var d Digest
	if _, err := hex.Decode(d[:], []byte(s)); err != nil {
		return Digest{}, fmt.Errorf("digest: decoding %q: %w", s, err)
	}
	return d, nil
}

// Empty is the canonical digest of a zero-length blob: the SHA-256
// digest of zero bytes, taken directly as the merkle root (spec §8
// "Empty blob" boundary behavior — a blob with no data has no Merkle
// tree levels, so its digest is simply SHA-256 of the empty string).
var Empty = mustParse("e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855")

func mustParse(s string) Digest {
	d, err := Parse(s)
	if err != nil {
		panic("digest: invalid built-in constant: " + err.Error())
	}
	return d
}
