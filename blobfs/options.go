// Copyright 2026 The blobfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package blobfs ties the on-disk engine packages (superblock,
// allocator, extent, nodepopulator, merkle, compress, writeback,
// journal, device) together into the mount-level control plane: the
// VnodeBlob lifecycle state machine and the open/closed vnode registry
// (spec §4.8-4.10).
//
// It is grounded on lib/artifact/store.go's Store, which plays the
// same tying-together role for Bureau's content-addressed artifact
// store — chunk, hash, compress, and pack a write into containers on
// one path; look up, decompress, and reconstruct on the other. Blobfs
// generalizes that shape from whole-file chunking to block-level
// extents backed by a raw device, and adds the crash-consistency layer
// (journal + writeback) the artifact store's plain filesystem calls
// didn't need.
package blobfs

// CachePolicy controls what happens to a vnode's mapped buffer when
// its last handle closes (spec §4.10, §6 mount options table).
type CachePolicy int

const (
	// EvictImmediately tears down the buffer mapping at close.
	EvictImmediately CachePolicy = iota
	// NeverEvict retains the mapped buffer for a faster reopen.
	NeverEvict
)

// MountOptions configures a Filesystem at mount time (spec §6).
type MountOptions struct {
	// ReadOnly skips writeback/journal initialization; writes fail
	// BAD_STATE.
	ReadOnly bool

	// NoJournal disables journaling, which is on by default. Metadata
	// writes then bypass the journal and are written directly to the
	// device, sacrificing crash-consistency.
	NoJournal bool

	// Metrics enables timing/volume counters for lookup, verify,
	// decompress, and writeback.
	Metrics bool

	// CachePolicy governs mapped-buffer retention after last close.
	CachePolicy CachePolicy

	// WriteBufferSize sizes the writeback ring, in bytes. Defaults to
	// 8 MiB if zero.
	WriteBufferSize int64
}

const defaultWriteBufferSize = 8 * 1024 * 1024

func (o MountOptions) writeBufferSize() int64 {
	if o.WriteBufferSize > 0 {
		return o.WriteBufferSize
	}
	return defaultWriteBufferSize
}

func (o MountOptions) journalEnabled() bool {
	return !o.ReadOnly && !o.NoJournal
}
