// Copyright 2026 The blobfs Authors
// SPDX-License-Identifier: Apache-2.0

package blobfs

import (
	"fmt"
	"sync"

	"github.com/blobfsd/blobfs/internal/allocator"
	"github.com/blobfsd/blobfs/internal/bitmap"
	"github.com/blobfsd/blobfs/internal/clock"
	"github.com/blobfsd/blobfs/internal/device"
	"github.com/blobfsd/blobfs/internal/digest"
	"github.com/blobfsd/blobfs/internal/extent"
	"github.com/blobfsd/blobfs/internal/fvm"
	"github.com/blobfsd/blobfs/internal/inode"
	"github.com/blobfsd/blobfs/internal/journal"
	"github.com/blobfsd/blobfs/internal/metrics"
	"github.com/blobfsd/blobfs/internal/status"
	"github.com/blobfsd/blobfs/internal/superblock"
	"github.com/blobfsd/blobfs/internal/writeback"
)

// Filesystem is a mounted blobfs volume: the on-disk engine packages
// bound to one device, plus the registry of live VnodeBlob handles
// (spec §3 "Blobfs registry", §4.10).
type Filesystem struct {
	dev    *device.Device
	info   *superblock.Info
	layout superblock.Layout
	opts   MountOptions

	alloc *allocator.Allocator
	nodes *NodeStore
	vm    fvm.VolumeManager // nil for fixed-geometry mounts

	wb *writeback.Queue // nil when read-only
	jr *journal.Journal // nil when journaling disabled

	metrics *metrics.Counters // nil when opts.Metrics is false

	metaMu sync.Mutex // serializes commitMetadata against concurrent writers

	mu     sync.Mutex // guards open/closed below (spec §4.10's hash_lock_)
	open   map[digest.Digest]*VnodeBlob
	closed map[digest.Digest]*VnodeBlob
}

// Mount decodes the superblock at block 0 of dev, validates it, and
// brings up the allocator, node store, journal (replaying any pending
// transactions), and writeback queue (spec §4.1, §4.7).
func Mount(dev *device.Device, vm fvm.VolumeManager, opts MountOptions) (*Filesystem, error) {
	sbBuf := make([]byte, superblock.BlockSize)
	if _, err := dev.ReadAt(sbBuf, 0); err != nil {
		return nil, status.Wrap(status.IO, err, "blobfs: reading superblock")
	}
	info, err := superblock.Decode(sbBuf)
	if err != nil {
		return nil, status.Wrap(status.IODataIntegrity, err, "blobfs: decoding superblock")
	}

	totalBlocks := dev.Size() / superblock.BlockSize
	if err := superblock.CheckSuperblock(info, uint64(totalBlocks)); err != nil {
		return nil, status.Wrap(status.IODataIntegrity, err, "blobfs: superblock failed validation")
	}
	if info.Flags&superblock.FlagFVM != 0 {
		if vm == nil {
			return nil, status.Errorf(status.BadState, "blobfs: superblock declares FVM but no volume manager was supplied")
		}
		if err := superblock.CheckFVMConsistency(info, vm); err != nil {
			return nil, status.Wrap(status.IODataIntegrity, err, "blobfs: FVM consistency check failed")
		}
	}

	layout := superblock.ComputeLayout(info)
	nodes := NewNodeStore(dev, layout)

	blocks := bitmap.New(int64(info.DataBlockCount))
	bitmapBuf := make([]byte, layout.BlockMapBlocks*superblock.BlockSize)
	if _, err := dev.ReadAt(bitmapBuf, int64(layout.BlockMapStart)*superblock.BlockSize); err != nil {
		return nil, status.Wrap(status.IO, err, "blobfs: reading block bitmap")
	}
	if err := blocks.LoadBytes(bitmapBuf); err != nil {
		return nil, status.Wrap(status.IODataIntegrity, err, "blobfs: loading block bitmap")
	}

	nodeMap := bitmap.NewNodeMap(int64(info.InodeCount))
	var nonContainerAllocated int64
	if err := nodes.ForEach(uint32(info.InodeCount), func(index uint32, rec *inode.Record) error {
		if !rec.Header.Allocated() {
			return nil
		}
		nodeMap.Allocate(int64(index))
		if !rec.Header.IsExtentContainer() {
			nonContainerAllocated++
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("blobfs: reconstructing node map: %w", err)
	}
	if err := superblock.CheckInvariants(info, blocks, nodeMap, nonContainerAllocated); err != nil {
		return nil, status.Wrap(status.IODataIntegrity, err, "blobfs: on-disk invariant check failed at mount")
	}

	var growBlocks allocator.GrowBlocks
	var growNodes allocator.GrowNodes
	if info.Flags&superblock.FlagFVM != 0 && vm != nil {
		growBlocks = fvmGrowBlocks(info, vm)
		growNodes = fvmGrowNodes(info, vm)
	}
	alloc := allocator.New(blocks, nodeMap, growBlocks, growNodes)

	fs := &Filesystem{
		dev:    dev,
		info:   info,
		layout: layout,
		opts:   opts,
		alloc:  alloc,
		nodes:  nodes,
		vm:     vm,
		open:   make(map[digest.Digest]*VnodeBlob),
		closed: make(map[digest.Digest]*VnodeBlob),
	}

	if opts.Metrics {
		fs.metrics = metrics.New(clock.Real())
	}

	if opts.journalEnabled() {
		fs.jr = journal.New(dev, layout.JournalStart, layout.JournalBlocks, superblock.BlockSize)
		replayed, err := fs.jr.Replay(func(blockNumber uint64, data []byte) error {
			_, err := dev.WriteAt(data, int64(blockNumber)*superblock.BlockSize)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("blobfs: replaying journal: %w", err)
		}
		if replayed > 0 {
			if fs.metrics != nil {
				fs.metrics.JournalReplays.Add(1)
			}
			if err := dev.Sync(); err != nil {
				return nil, status.Wrap(status.IO, err, "blobfs: syncing after journal replay")
			}
		}
	}

	if !opts.ReadOnly {
		fs.wb = writeback.NewQueue(dev, superblock.BlockSize, opts.writeBufferSize())
		fs.wb.Start()
	}

	if err := fs.loadReadableVnodes(); err != nil {
		return nil, fmt.Errorf("blobfs: loading readable blobs: %w", err)
	}

	return fs, nil
}

// loadReadableVnodes populates fs.closed with a VnodeBlob per allocated
// head inode found on disk, so LookupBlob can find pre-existing blobs
// without an on-disk scan per call.
func (fs *Filesystem) loadReadableVnodes() error {
	return fs.nodes.ForEach(uint32(fs.info.InodeCount), func(index uint32, rec *inode.Record) error {
		if !rec.Header.Allocated() || rec.Header.IsExtentContainer() {
			return nil
		}
		v := &VnodeBlob{
			fs:       fs,
			digest:   rec.MerkleRoot,
			state:    StateReadable,
			mapIndex: index,
			record:   rec,
		}
		fs.closed[rec.MerkleRoot] = v
		return nil
	})
}

func fvmGrowBlocks(info *superblock.Info, vm fvm.VolumeManager) allocator.GrowBlocks {
	return func(additional int64) (int64, error) {
		sliceBlocks := int64(info.SliceSize) / superblock.BlockSize
		if sliceBlocks <= 0 {
			return 0, fmt.Errorf("blobfs: FVM slice size %d smaller than block size", info.SliceSize)
		}
		slices := (additional + sliceBlocks - 1) / sliceBlocks
		if err := vm.Extend(superblock.FVMDataStart+info.DatSlices, uint64(slices)); err != nil {
			return 0, err
		}
		info.DatSlices += uint64(slices)
		added := slices * sliceBlocks
		info.DataBlockCount += uint64(added)
		return added, nil
	}
}

func fvmGrowNodes(info *superblock.Info, vm fvm.VolumeManager) allocator.GrowNodes {
	return func(additional int64) (int64, error) {
		recordsPerSlice := int64(info.SliceSize) / inode.RecordSize
		if recordsPerSlice <= 0 {
			return 0, fmt.Errorf("blobfs: FVM slice size %d smaller than node record size", info.SliceSize)
		}
		slices := (additional + recordsPerSlice - 1) / recordsPerSlice
		if err := vm.Extend(superblock.FVMNodeMapStart+info.InoSlices, uint64(slices)); err != nil {
			return 0, err
		}
		info.InoSlices += uint64(slices)
		added := slices * recordsPerSlice
		info.InodeCount += uint64(added)
		return added, nil
	}
}

// NewBlob creates a new empty vnode for d and inserts it into the open
// cache. Fails ALREADY_EXISTS if d is already open or closed-but-cached
// (spec §4.10).
func (fs *Filesystem) NewBlob(d digest.Digest) (*VnodeBlob, error) {
	if fs.opts.ReadOnly {
		return nil, status.Errorf(status.BadState, "blobfs: cannot create blob %s on a read-only mount", d)
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	if _, ok := fs.open[d]; ok {
		return nil, status.Errorf(status.AlreadyExists, "blobfs: blob %s is already open", d)
	}
	if _, ok := fs.closed[d]; ok {
		return nil, status.Errorf(status.AlreadyExists, "blobfs: blob %s already exists", d)
	}

	v := &VnodeBlob{fs: fs, digest: d, state: StateEmpty}
	fs.open[d] = v
	return v, nil
}

// LookupBlob returns the vnode for d, promoting it from the closed
// cache to the open cache if necessary. It implements spec §4.10's
// resurrection-race retry loop: if a vnode is found in the open cache
// with a zero refcount while marked deletable, another goroutine may be
// concurrently purging it, so the lock is released and the lookup
// retried rather than handing out a vnode that is about to be destroyed.
// A zero-refcount vnode in the open cache that is not marked deletable
// (such as one created by NewBlob and never opened) is returned without
// retrying.
func (fs *Filesystem) LookupBlob(d digest.Digest) (*VnodeBlob, error) {
	for {
		fs.mu.Lock()
		if v, ok := fs.open[d]; ok {
			v.mu.Lock()
			raceLost := v.refCount <= 0 && v.deletable
			v.mu.Unlock()
			if raceLost {
				fs.mu.Unlock()
				continue
			}
			fs.mu.Unlock()
			if fs.metrics != nil {
				fs.metrics.LookupHits.Add(1)
			}
			return v, nil
		}
		if v, ok := fs.closed[d]; ok {
			delete(fs.closed, d)
			fs.open[d] = v
			fs.mu.Unlock()
			if fs.metrics != nil {
				fs.metrics.LookupHits.Add(1)
			}
			return v, nil
		}
		fs.mu.Unlock()
		if fs.metrics != nil {
			fs.metrics.LookupMisses.Add(1)
		}
		return nil, status.Errorf(status.NotFound, "blobfs: no blob with digest %s", d)
	}
}

// removeVnode deletes d from both caches, used when a write fails and
// the vnode transitions to StateError (spec §4.8).
func (fs *Filesystem) removeVnode(d digest.Digest) {
	fs.mu.Lock()
	delete(fs.open, d)
	delete(fs.closed, d)
	fs.mu.Unlock()
}

// purge frees a deletable blob's on-disk resources and removes it from
// both caches (spec §4.8 QueueUnlink).
func (fs *Filesystem) purge(v *VnodeBlob) error {
	fs.mu.Lock()
	delete(fs.open, v.digest)
	delete(fs.closed, v.digest)
	fs.mu.Unlock()

	v.mu.Lock()
	defer v.mu.Unlock()
	if v.state == StatePurged {
		return nil
	}
	if v.state != StateReadable {
		v.state = StatePurged
		return nil
	}

	iter, err := extent.NewAllocatedExtentIterator(fs.nodes, v.mapIndex)
	if err != nil {
		return status.Wrap(status.IO, err, "blobfs: opening extent iterator for purge of node %d", v.mapIndex)
	}
	var extents []inode.Extent
	for !iter.Done() {
		e, err := iter.Next()
		if err != nil {
			return err
		}
		extents = append(extents, e)
	}
	for _, e := range extents {
		if err := fs.alloc.FreeBlocks(e); err != nil {
			return err
		}
	}

	freed := map[uint32]*inode.Record{v.mapIndex: {Header: inode.Header{NextNode: inode.InvalidNodeIndex}}}
	if err := fs.alloc.FreeNode(int64(v.mapIndex)); err != nil {
		return err
	}

	fs.metaMu.Lock()
	fs.info.AllocBlockCount -= uint64(v.record.BlockCount)
	fs.info.AllocInodeCount--
	commitErr := fs.commitMetadataLocked(freed)
	if commitErr != nil {
		fs.info.AllocBlockCount += uint64(v.record.BlockCount)
		fs.info.AllocInodeCount++
	}
	fs.metaMu.Unlock()
	if commitErr != nil {
		return fmt.Errorf("blobfs: committing purge of %s: %w", v.digest, commitErr)
	}
	if fs.metrics != nil {
		fs.metrics.BlobsCompacted.Add(1)
	}

	v.state = StatePurged
	v.buffer = nil
	return nil
}

// Readdir returns the digests of every readable blob that has not been
// unlinked, matching the flat digest-keyed namespace exposed by the
// directory protocol (spec §6). A blob that QueueUnlink has marked
// deletable drops out of the listing immediately even while its purge
// is deferred waiting for outstanding handles to close (spec §8).
func (fs *Filesystem) Readdir() []digest.Digest {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	out := make([]digest.Digest, 0, len(fs.open)+len(fs.closed))
	for d, v := range fs.open {
		if v.visible() {
			out = append(out, d)
		}
	}
	for d, v := range fs.closed {
		if v.visible() {
			out = append(out, d)
		}
	}
	return out
}

// Sync blocks until the writeback queue (and, if enabled, the journal)
// have no outstanding work.
func (fs *Filesystem) Sync() error {
	if fs.wb != nil {
		if err := fs.wb.Sync(); err != nil {
			return err
		}
	}
	return fs.dev.Sync()
}

// Unmount drains outstanding I/O and stops the writeback worker (spec
// §5: "All outstanding client callbacks are invoked with BAD_STATE
// before destruction").
func (fs *Filesystem) Unmount() error {
	if fs.wb != nil {
		syncErr := fs.wb.Sync()
		fs.wb.SetReadOnly()
		fs.wb.Shutdown()
		if syncErr != nil {
			return syncErr
		}
	}
	return fs.dev.Sync()
}
