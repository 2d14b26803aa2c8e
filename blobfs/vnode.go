// Copyright 2026 The blobfs Authors
// SPDX-License-Identifier: Apache-2.0

package blobfs

import (
	"fmt"
	"sync"

	"github.com/blobfsd/blobfs/internal/allocator"
	"github.com/blobfsd/blobfs/internal/compress"
	"github.com/blobfsd/blobfs/internal/digest"
	"github.com/blobfsd/blobfs/internal/extent"
	"github.com/blobfsd/blobfs/internal/inode"
	"github.com/blobfsd/blobfs/internal/merkle"
	"github.com/blobfsd/blobfs/internal/nodepopulator"
	"github.com/blobfsd/blobfs/internal/status"
	"github.com/blobfsd/blobfs/internal/superblock"
)

// State is one of a VnodeBlob's lifecycle states (spec §4.8).
type State int

const (
	// StateEmpty vnodes have no mapped buffer and no reservations.
	StateEmpty State = iota
	// StateDataWrite vnodes own write_info and a mapped buffer sized
	// block_count * block_size.
	StateDataWrite
	// StateReadable vnodes may lazily materialize a mapped buffer on
	// first read.
	StateReadable
	// StatePurged vnodes must never be re-inserted into either cache.
	StatePurged
	// StateError is a terminal failure state; only close/purge is
	// valid from here.
	StateError
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateDataWrite:
		return "data-write"
	case StateReadable:
		return "readable"
	case StatePurged:
		return "purged"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// writeInfo holds the state a VnodeBlob only carries while in
// StateDataWrite (spec §3 "VnodeBlob ... write-info (only during
// writing)").
type writeInfo struct {
	blobSize     int64
	merkleBlocks int64
	dataBlocks   int64

	reservedExtents []allocator.ReservedExtent
	reservedNodes   []allocator.ReservedNode

	buffer       []byte // merkle prefix + raw data, sized (merkleBlocks+dataBlocks)*BlockSize
	bytesWritten int64

	compressing bool
	encoder     compress.Encoder
}

// VnodeBlob is the in-memory handle to one blob (spec §3, §4.8).
type VnodeBlob struct {
	fs     *Filesystem
	digest digest.Digest

	mu       sync.Mutex
	state    State
	mapIndex uint32 // head node index, valid once != StateEmpty

	record *inode.Record // snapshot, valid once Readable

	buffer []byte // mapped buffer, present once InitVmos has run

	write *writeInfo

	deletable bool
	refCount  int
}

// Digest returns the blob's content identifier.
func (v *VnodeBlob) Digest() digest.Digest { return v.digest }

// State returns the vnode's current lifecycle state.
func (v *VnodeBlob) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

// visible reports whether the blob belongs in a directory listing:
// readable and not queued for unlink. Called with fs.mu held, per the
// fs.mu-then-v.mu order LookupBlob also uses.
func (v *VnodeBlob) visible() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state == StateReadable && !v.deletable
}

// Size returns the blob's declared size: the value passed to
// SpaceAllocate once writing has started, or the on-disk value once
// Readable. Zero before either.
func (v *VnodeBlob) Size() int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch v.state {
	case StateReadable:
		return int64(v.record.BlobSize)
	case StateDataWrite:
		return v.write.blobSize
	default:
		return 0
	}
}

// SpaceAllocate reserves blocks and nodes for a blob of size bytes and
// transitions Empty → DataWrite (spec §4.8). Zero-size blobs are
// finalized immediately as the null-blob case.
func (v *VnodeBlob) SpaceAllocate(size int64) error {
	v.mu.Lock()

	if v.state != StateEmpty {
		defer v.mu.Unlock()
		return status.Errorf(status.BadState, "blobfs: SpaceAllocate called in state %s", v.state)
	}

	dataBlocks := ceilDivBlocks(size)
	merkleBlocks := merkle.TreeBlocks(size)
	blockCount := merkleBlocks + dataBlocks

	var extents []allocator.ReservedExtent
	var err error
	if blockCount > 0 {
		extents, err = v.fs.alloc.ReserveBlocks(blockCount)
		if err != nil {
			v.mu.Unlock()
			return err
		}
		if len(extents) > allocator.KMaxBlobExtents {
			for _, e := range extents {
				v.fs.alloc.Unreserve(e)
			}
			v.mu.Unlock()
			return status.Errorf(status.BadState, "blobfs: blob requires %d extents, exceeds cap %d", len(extents), allocator.KMaxBlobExtents)
		}
	}

	nodeCount := inode.NodeCountForExtents(len(extents))
	nodes, err := v.fs.alloc.ReserveNodes(int64(nodeCount))
	if err != nil {
		for _, e := range extents {
			v.fs.alloc.Unreserve(e)
		}
		v.mu.Unlock()
		return err
	}

	v.write = &writeInfo{
		blobSize:        size,
		merkleBlocks:    merkleBlocks,
		dataBlocks:      dataBlocks,
		reservedExtents: extents,
		reservedNodes:   nodes,
	}
	v.state = StateDataWrite

	if size == 0 {
		finalizeErr := v.finalizeLocked()
		failed := v.state == StateError
		v.mu.Unlock()
		if failed {
			v.fs.removeVnode(v.digest)
		}
		return finalizeErr
	}

	v.write.buffer = make([]byte, blockCount*superblock.BlockSize)

	if size >= compress.MinBytesSaved {
		enc, err := compress.NewEncoder(compress.Zstd)
		if err == nil {
			bufMax := compress.BufferMax(compress.Zstd, size)
			scratch := make([]byte, 0, bufMax)
			if initErr := enc.Initialize(scratch); initErr == nil {
				v.write.encoder = enc
				v.write.compressing = true
			}
		}
	}

	v.mu.Unlock()
	return nil
}

func ceilDivBlocks(size int64) int64 {
	if size <= 0 {
		return 0
	}
	return (size + superblock.BlockSize - 1) / superblock.BlockSize
}

// WriteInternal copies data into the mapped buffer and, once the
// declared size is reached, finalizes the write (spec §4.8).
func (v *VnodeBlob) WriteInternal(data []byte) (int, error) {
	v.mu.Lock()

	if v.state != StateDataWrite {
		defer v.mu.Unlock()
		return 0, status.Errorf(status.BadState, "blobfs: WriteInternal called in state %s", v.state)
	}
	w := v.write
	if w.bytesWritten+int64(len(data)) > w.blobSize {
		defer v.mu.Unlock()
		return 0, status.Errorf(status.BadState, "blobfs: write of %d bytes at offset %d exceeds declared size %d", len(data), w.bytesWritten, w.blobSize)
	}

	merkleBytes := w.merkleBlocks * superblock.BlockSize
	off := merkleBytes + w.bytesWritten
	n := copy(w.buffer[off:], data)

	if w.compressing {
		if err := w.encoder.Update(data[:n]); err != nil {
			// Compression failures fall back to uncompressed rather than
			// failing the whole write — the data is already safely in
			// the mapped buffer.
			w.compressing = false
			w.encoder = nil
		}
	}

	w.bytesWritten += int64(n)
	if w.bytesWritten == w.blobSize {
		finalizeErr := v.finalizeLocked()
		failed := v.state == StateError
		v.mu.Unlock()
		if failed {
			v.fs.removeVnode(v.digest)
		}
		return n, finalizeErr
	}
	v.mu.Unlock()
	return n, nil
}

// finalizeLocked builds the Merkle tree, verifies it against the
// declared digest, chooses the on-disk layout (compressed or not),
// commits metadata, and transitions to Readable or Error. v.mu must be
// held.
func (v *VnodeBlob) finalizeLocked() error {
	w := v.write
	merkleBytes := w.merkleBlocks * superblock.BlockSize

	var dataView []byte
	if w.buffer != nil {
		dataView = w.buffer[merkleBytes:]
	}
	root, err := merkle.Create(dataView, w.blobSize, w.buffer)
	if err != nil {
		return v.failLocked(status.Wrap(status.IO, err, "blobfs: building merkle tree"))
	}
	if root != v.digest {
		return v.failLocked(status.Errorf(status.IODataIntegrity, "blobfs: computed digest %s does not match declared digest %s", root, v.digest))
	}

	compressed := false
	var payload []byte // bytes to store in the data region, post merkle prefix
	dataBlocksUsed := w.dataBlocks

	if w.compressing && w.encoder != nil {
		compressedBytes, encErr := w.encoder.End()
		if encErr == nil && w.blobSize-int64(len(compressedBytes)) >= compress.MinBytesSaved {
			compressed = true
			payload = compressedBytes
			dataBlocksUsed = ceilDivBlocks(int64(len(payload)))
		}
	}
	if !compressed && w.buffer != nil {
		payload = w.buffer[merkleBytes : merkleBytes+w.dataBlocks*superblock.BlockSize]
	}

	actualBlockCount := w.merkleBlocks + dataBlocksUsed
	kept, released, err := shrinkExtents(w.reservedExtents, actualBlockCount)
	if err != nil {
		return v.failLocked(fmt.Errorf("blobfs: shrinking reservation: %w", err))
	}
	for _, e := range released {
		v.fs.alloc.Unreserve(e)
	}
	for _, e := range kept {
		v.fs.alloc.MarkBlocksAllocated(e)
	}

	nodesNeeded := inode.NodeCountForExtents(len(kept))
	if nodesNeeded > len(w.reservedNodes) {
		return v.failLocked(fmt.Errorf("blobfs: internal error: shrunk extent count needs more nodes (%d) than reserved (%d)", nodesNeeded, len(w.reservedNodes)))
	}
	usedNodes := w.reservedNodes[:nodesNeeded]
	for _, n := range w.reservedNodes[nodesNeeded:] {
		v.fs.alloc.UnreserveNode(n)
	}

	records, headIndex, err := buildNodeChain(usedNodes, kept)
	if err != nil {
		return v.failLocked(err)
	}
	for _, n := range usedNodes {
		v.fs.alloc.MarkInodeAllocated(n)
	}

	head := records[headIndex]
	head.MerkleRoot = v.digest
	head.BlobSize = uint64(w.blobSize)
	head.BlockCount = uint32(actualBlockCount)
	head.ExtentCount = uint16(len(kept))
	if compressed {
		head.Header.Flags |= inode.FlagCompressed
	}

	v.fs.metaMu.Lock()
	v.fs.info.AllocBlockCount += uint64(actualBlockCount)
	v.fs.info.AllocInodeCount++
	commitErr := v.fs.commitMetadataLocked(records)
	if commitErr != nil {
		v.fs.info.AllocBlockCount -= uint64(actualBlockCount)
		v.fs.info.AllocInodeCount--
	}
	v.fs.metaMu.Unlock()
	if commitErr != nil {
		return v.failLocked(fmt.Errorf("blobfs: committing metadata: %w", commitErr))
	}

	if len(kept) > 0 {
		extents := make([]inode.Extent, len(kept))
		for i, e := range kept {
			extents[i] = e.AsExtent()
		}
		writeBuf := make([]byte, actualBlockCount*superblock.BlockSize)
		copy(writeBuf[:merkleBytes], w.buffer[:merkleBytes])
		copy(writeBuf[merkleBytes:], payload)
		if err := v.fs.writeDataSync(writeBuf, extents); err != nil {
			return v.failLocked(fmt.Errorf("blobfs: writing blob data: %w", err))
		}
	}

	v.mapIndex = headIndex
	v.record = head
	v.state = StateReadable
	v.write = nil
	if v.fs.metrics != nil {
		v.fs.metrics.BlobsWritten.Add(1)
		v.fs.metrics.BytesWritten.Add(uint64(w.blobSize))
	}
	return nil
}

// failLocked releases the write's reservations and moves the vnode to
// StateError. v.mu must be held. It deliberately does NOT touch fs.mu
// (removeVnode locks that): callers must release v.mu first and call
// fs.removeVnode themselves, mirroring the discipline Close and
// QueueUnlink already follow before calling fs.purge, to avoid a
// v.mu-then-fs.mu / fs.mu-then-v.mu lock-order inversion with
// LookupBlob and Readdir.
func (v *VnodeBlob) failLocked(err error) error {
	if v.write != nil {
		for _, e := range v.write.reservedExtents {
			v.fs.alloc.Unreserve(e)
		}
		for _, n := range v.write.reservedNodes {
			v.fs.alloc.UnreserveNode(n)
		}
	}
	v.write = nil
	v.state = StateError
	return err
}

// shrinkExtents keeps only the leading keepBlocks worth of extents,
// splitting the extent that straddles the boundary via SplitAt, and
// returns the released remainder for Unreserve (spec §4.2, §4.8's
// compression-shrinks-the-blob path).
func shrinkExtents(extents []allocator.ReservedExtent, keepBlocks int64) (kept, released []allocator.ReservedExtent, err error) {
	var seen int64
	for i, e := range extents {
		if seen >= keepBlocks {
			released = append(released, extents[i:]...)
			return kept, released, nil
		}
		remaining := keepBlocks - seen
		if e.Length() <= remaining {
			kept = append(kept, e)
			seen += e.Length()
			continue
		}
		head, tail, splitErr := e.SplitAt(remaining)
		if splitErr != nil {
			return nil, nil, splitErr
		}
		kept = append(kept, head)
		released = append(released, tail)
		seen += head.Length()
	}
	if seen < keepBlocks {
		return nil, nil, fmt.Errorf("shrinkExtents: only %d of %d needed blocks available in reservation", seen, keepBlocks)
	}
	return kept, released, nil
}

// buildNodeChain wires nodes/extents into a head-first inode.Record
// chain via nodepopulator, without yet filling in the head's
// merkle/size/block-count/compressed fields (the caller does that).
func buildNodeChain(nodes []allocator.ReservedNode, extents []allocator.ReservedExtent) (records map[uint32]*inode.Record, headIndex uint32, err error) {
	np, err := nodepopulator.New(len(extents), extents, nodes)
	if err != nil {
		return nil, 0, err
	}

	records = make(map[uint32]*inode.Record, len(nodes))
	var prevIndex uint32
	havePrev := false

	_, _, err = np.Walk(
		func(node allocator.ReservedNode, isHead bool, capacity int) error {
			idx := uint32(node.Index())
			rec := &inode.Record{Header: inode.Header{NextNode: inode.InvalidNodeIndex}}
			rec.Header.Flags = inode.FlagAllocated
			if !isHead {
				rec.Header.Flags |= inode.FlagExtentContainer
			} else {
				headIndex = idx
			}
			records[idx] = rec
			if havePrev {
				records[prevIndex].Header.NextNode = idx
			}
			prevIndex = idx
			havePrev = true
			return nil
		},
		func(node allocator.ReservedNode, e allocator.ReservedExtent) (nodepopulator.Decision, error) {
			idx := uint32(node.Index())
			rec := records[idx]
			rec.Extents = append(rec.Extents, e.AsExtent())
			rec.ExtentCount = uint16(len(rec.Extents))
			return nodepopulator.Continue, nil
		},
	)
	if err != nil {
		return nil, 0, err
	}
	return records, headIndex, nil
}

// InitVmos lazily materializes the mapped buffer for a Readable vnode,
// reading and verifying the whole blob (spec §4.9). Idempotent: a
// second call is a no-op once the buffer is present.
func (v *VnodeBlob) InitVmos() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.initVmosLocked()
}

func (v *VnodeBlob) initVmosLocked() error {
	if v.state != StateReadable {
		return status.Errorf(status.BadState, "blobfs: InitVmos called in state %s", v.state)
	}
	if v.buffer != nil {
		return nil
	}

	rec := v.record
	merkleBlocks := merkle.TreeBlocks(int64(rec.BlobSize))
	dataBlocks := int64(rec.BlockCount) - merkleBlocks
	buf := make([]byte, int64(rec.BlockCount)*superblock.BlockSize)

	iter, err := extent.NewAllocatedExtentIterator(v.fs.nodes, v.mapIndex)
	if err != nil {
		return status.Wrap(status.IO, err, "blobfs: opening extent iterator for node %d", v.mapIndex)
	}
	var extents []inode.Extent
	for !iter.Done() {
		e, err := iter.Next()
		if err != nil {
			return status.Wrap(status.IO, err, "blobfs: walking extents for node %d", v.mapIndex)
		}
		extents = append(extents, e)
	}

	if !rec.Header.Compressed() {
		if err := v.fs.readDataSync(buf, extents); err != nil {
			return err
		}
	} else {
		merkleBytes := merkleBlocks * superblock.BlockSize
		compressedTotalBlocks := int64(rec.BlockCount) - merkleBlocks
		combined := make([]byte, int64(rec.BlockCount)*superblock.BlockSize)
		if err := v.fs.readDataSync(combined, extents); err != nil {
			return err
		}
		copy(buf[:merkleBytes], combined[:merkleBytes])

		wantDataBlocks := ceilDivBlocks(int64(rec.BlobSize))
		dataBlocks = wantDataBlocks
		buf = make([]byte, (merkleBlocks+dataBlocks)*superblock.BlockSize)
		copy(buf[:merkleBytes], combined[:merkleBytes])

		compressedBytes := combined[merkleBytes : merkleBytes+compressedTotalBlocks*superblock.BlockSize]
		_, decErr := compress.Decompress(compress.Zstd, buf[merkleBytes:], compressedBytes, int(rec.BlobSize))
		if decErr != nil {
			if v.fs.metrics != nil {
				v.fs.metrics.DecompressFail.Add(1)
			}
			return status.Wrap(status.IODataIntegrity, decErr, "blobfs: decompressing node %d", v.mapIndex)
		}
		if v.fs.metrics != nil {
			v.fs.metrics.DecompressOK.Add(1)
		}
	}

	merkleBytes := merkleBlocks * superblock.BlockSize
	if verifyErr := merkle.Verify(buf[merkleBytes:], int64(rec.BlobSize), buf[:merkleBytes], 0, int64(rec.BlobSize), v.digest); verifyErr != nil {
		if v.fs.metrics != nil {
			v.fs.metrics.VerifyFail.Add(1)
		}
		return status.Wrap(status.IODataIntegrity, verifyErr, "blobfs: verifying node %d", v.mapIndex)
	}
	if v.fs.metrics != nil {
		v.fs.metrics.VerifyOK.Add(1)
	}

	v.buffer = buf
	return nil
}

// ReadInternal copies length bytes starting at off from the blob's
// verified data into buf (spec §4.8).
func (v *VnodeBlob) ReadInternal(buf []byte, off int64, length int64) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != StateReadable {
		return 0, status.Errorf(status.BadState, "blobfs: ReadInternal called in state %s", v.state)
	}
	if err := v.initVmosLocked(); err != nil {
		return 0, err
	}

	merkleBytes := merkle.TreeBlocks(int64(v.record.BlobSize)) * superblock.BlockSize
	blobSize := int64(v.record.BlobSize)
	if off < 0 || off > blobSize {
		return 0, status.Errorf(status.OutOfRange, "blobfs: read offset %d out of range [0,%d]", off, blobSize)
	}
	if off+length > blobSize {
		length = blobSize - off
	}
	n := copy(buf[:length], v.buffer[merkleBytes+off:merkleBytes+off+length])
	if v.fs.metrics != nil {
		v.fs.metrics.BlobsRead.Add(1)
		v.fs.metrics.BytesRead.Add(uint64(n))
	}
	return n, nil
}

// CloneVmo returns a read-only copy-on-write snapshot of the blob's
// data region (spec §4.8). The vnode's refcount is incremented for the
// duration the caller holds the clone; call Close to release it.
func (v *VnodeBlob) CloneVmo() ([]byte, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != StateReadable {
		return nil, status.Errorf(status.BadState, "blobfs: CloneVmo called in state %s", v.state)
	}
	if err := v.initVmosLocked(); err != nil {
		return nil, err
	}
	merkleBytes := merkle.TreeBlocks(int64(v.record.BlobSize)) * superblock.BlockSize
	out := make([]byte, v.record.BlobSize)
	copy(out, v.buffer[merkleBytes:int64(merkleBytes)+int64(v.record.BlobSize)])
	v.refCount++
	return out, nil
}

// Close releases one reference previously taken by Open or CloneVmo.
// When the reference count reaches zero and the vnode is marked
// deletable, purge runs; otherwise a readable vnode with no references
// left moves from the open cache to the closed cache.
func (v *VnodeBlob) Close() error {
	v.mu.Lock()
	v.refCount--
	idle := v.refCount <= 0 && v.state == StateReadable
	shouldPurge := idle && v.deletable
	v.mu.Unlock()

	if shouldPurge {
		return v.fs.purge(v)
	}
	if idle {
		v.fs.mu.Lock()
		v.mu.Lock()
		if v.refCount <= 0 && v.fs.open[v.digest] == v {
			delete(v.fs.open, v.digest)
			v.fs.closed[v.digest] = v
		}
		v.mu.Unlock()
		v.fs.mu.Unlock()
	}
	if v.refCount <= 0 && v.fs.opts.CachePolicy == EvictImmediately {
		v.mu.Lock()
		if v.refCount <= 0 {
			v.buffer = nil
		}
		v.mu.Unlock()
	}
	return nil
}

// Open takes a reference on the vnode, keeping it in the open cache.
func (v *VnodeBlob) Open() {
	v.mu.Lock()
	v.refCount++
	v.mu.Unlock()
}

// QueueUnlink marks the blob deletable; if no handles remain it purges
// immediately (spec §4.8).
func (v *VnodeBlob) QueueUnlink() error {
	v.mu.Lock()
	v.deletable = true
	shouldPurge := v.refCount <= 0
	v.mu.Unlock()

	if shouldPurge {
		return v.fs.purge(v)
	}
	return nil
}
