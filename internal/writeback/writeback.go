// Copyright 2026 The blobfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package writeback implements the asynchronous block-write batching
// pipeline blobfs uses to carry data-region writes (and, when the
// journal is disabled, metadata writes too) to the device (spec §4.7).
//
// The bounded-ring, single-writer, backpressure-on-enqueue shape is
// grounded on lib/artifactstore/cache_ring.go's BlockRing: both hand
// out durable positions to callers under a lock, then let a single
// drain path move bytes to the device without holding that lock during
// the I/O itself.
package writeback

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/blobfsd/blobfs/internal/device"
	"github.com/blobfsd/blobfs/internal/status"
)

// CopyOp is one (vmo, vmo_offset, dev_offset, length) copy-in operation
// within a WritebackWork item (spec §4.7).
type CopyOp struct {
	VMOID     uint32
	VMOOffset int64
	DevOffset int64
	Length    int64
}

// Work is an ordered batch of block writes plus optional completion
// bookkeeping (spec §4.7 "WritebackWork").
type Work struct {
	Ops        []CopyOp
	Sync       bool
	OnComplete func(error)

	blocks int64 // total block-equivalent size, for ring accounting
}

// Blocks returns the ring capacity this Work item consumes.
func (w *Work) Blocks() int64 { return w.blocks }

// NewWork builds a Work item, computing its ring footprint in blocks
// from the ops' total byte length.
func NewWork(ops []CopyOp, blockSize int64, sync bool, onComplete func(error)) *Work {
	var total int64
	for _, op := range ops {
		total += op.Length
	}
	blocks := (total + blockSize - 1) / blockSize
	return &Work{Ops: ops, Sync: sync, OnComplete: onComplete, blocks: blocks}
}

// Queue is a bounded ring (capacity expressed in blocks) of pending
// Work items draining to a device.Device through a dedicated worker.
// Enqueue blocks the caller when the ring cannot fit the item, exactly
// as spec §4.7 requires ("Enqueue blocks ... when the ring cannot fit
// the item").
type Queue struct {
	device    *device.Device
	blockSize int64
	capacity  int64 // ring capacity in blocks

	mu       sync.Mutex
	notFull  *sync.Cond
	notEmpty *sync.Cond
	pending  *list.List // of *Work
	used     int64      // blocks currently reserved by queued+in-flight work

	readOnly bool
	closed   bool

	wg sync.WaitGroup
}

// NewQueue creates a Queue with the given ring capacity in bytes
// (WriteBufferSize / block_size blocks, per spec §4.7).
func NewQueue(dev *device.Device, blockSize int64, writeBufferSize int64) *Queue {
	q := &Queue{
		device:    dev,
		blockSize: blockSize,
		capacity:  writeBufferSize / blockSize,
		pending:   list.New(),
	}
	q.notFull = sync.NewCond(&q.mu)
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

// Capacity returns the ring capacity in blocks.
func (q *Queue) Capacity() int64 { return q.capacity }

// SetReadOnly marks the queue unusable for new work; EnqueueWork on a
// read-only queue fails BAD_STATE (spec §4.7 fallback policy).
func (q *Queue) SetReadOnly() {
	q.mu.Lock()
	q.readOnly = true
	q.mu.Unlock()
}

// Start launches the dedicated writeback worker goroutine.
func (q *Queue) Start() {
	q.wg.Add(1)
	go q.run()
}

// EnqueueWork enqueues a work item, blocking until the ring has room.
// Data-type work fails BAD_STATE if the queue is in the read-only
// state (spec §4.7); in that case work's callback fires with the error
// so pending callers aren't left hanging.
func (q *Queue) EnqueueWork(w *Work) error {
	q.mu.Lock()
	if q.readOnly {
		q.mu.Unlock()
		err := status.Errorf(status.BadState, "writeback: queue is read-only")
		if w.OnComplete != nil {
			w.OnComplete(err)
		}
		return err
	}
	if q.closed {
		q.mu.Unlock()
		return status.Errorf(status.BadState, "writeback: queue is closed")
	}
	for q.used+w.Blocks() > q.capacity && q.used > 0 {
		q.notFull.Wait()
	}
	q.used += w.Blocks()
	q.pending.PushBack(w)
	q.notEmpty.Signal()
	q.mu.Unlock()
	return nil
}

// kMaxChunkNumerator/kMaxChunkDenominator give the fraction of ring
// capacity a single EnqueuePaginated chunk may occupy (spec §4.7, "3/4
// of ring capacity").
const kMaxChunkNumerator = 3
const kMaxChunkDenominator = 4

// EnqueuePaginated splits a large write into chunks no larger than
// 3/4 of the ring capacity, intermixing EnqueueWork calls so no single
// item can deadlock the ring waiting for its own space to free up
// (spec §4.7). If nblocks exactly equals the ring capacity, this emits
// exactly one full-capacity chunk with no trailing empty enqueue
// (DESIGN.md Open Question 1).
func (q *Queue) EnqueuePaginated(vmoid uint32, vmoOffset, devOffset, totalBlocks int64, sync bool, onComplete func(error)) error {
	if totalBlocks <= 0 {
		return fmt.Errorf("writeback: paginated enqueue requires positive block count, got %d", totalBlocks)
	}
	maxChunk := q.capacity * kMaxChunkNumerator / kMaxChunkDenominator
	if totalBlocks == q.capacity {
		// A write of exactly the ring's capacity goes out as one item.
		maxChunk = totalBlocks
	}
	if maxChunk <= 0 {
		maxChunk = 1
	}

	var remaining = totalBlocks
	var offsetBlocks int64
	for remaining > 0 {
		chunk := remaining
		if chunk > maxChunk {
			chunk = maxChunk
		}
		isLast := chunk == remaining
		op := CopyOp{
			VMOID:     vmoid,
			VMOOffset: (vmoOffset + offsetBlocks) * q.blockSize,
			DevOffset: (devOffset + offsetBlocks) * q.blockSize,
			Length:    chunk * q.blockSize,
		}
		var cb func(error)
		var thisSync bool
		if isLast {
			cb = onComplete
			thisSync = sync
		}
		work := NewWork([]CopyOp{op}, q.blockSize, thisSync, cb)
		if err := q.EnqueueWork(work); err != nil {
			return err
		}
		remaining -= chunk
		offsetBlocks += chunk
	}
	return nil
}

func (q *Queue) run() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		for q.pending.Len() == 0 && !q.closed {
			q.notEmpty.Wait()
		}
		if q.pending.Len() == 0 && q.closed {
			q.mu.Unlock()
			return
		}
		elem := q.pending.Front()
		q.pending.Remove(elem)
		q.mu.Unlock()

		work := elem.Value.(*Work)
		err := q.execute(work)

		q.mu.Lock()
		q.used -= work.Blocks()
		q.notFull.Broadcast()
		q.mu.Unlock()

		if work.OnComplete != nil {
			work.OnComplete(err)
		}
	}
}

func (q *Queue) execute(w *Work) error {
	requests := make([]device.Request, 0, len(w.Ops))
	for _, op := range w.Ops {
		requests = append(requests, device.Request{
			VMOID:     op.VMOID,
			Opcode:    device.OpWrite,
			VMOOffset: op.VMOOffset,
			DevOffset: op.DevOffset,
			Length:    op.Length,
		})
	}
	if err := q.device.Transaction(requests); err != nil {
		return status.Wrap(status.IO, err, "writeback: transaction failed")
	}
	if w.Sync {
		if err := q.device.Sync(); err != nil {
			return status.Wrap(status.IO, err, "writeback: sync failed")
		}
	}
	return nil
}

// Sync blocks until the ring has fully drained.
func (q *Queue) Sync() error {
	q.mu.Lock()
	for q.pending.Len() > 0 || q.used > 0 {
		q.notFull.Wait()
	}
	q.mu.Unlock()
	return q.device.Sync()
}

// Shutdown cancels every item still waiting in the ring — invoking its
// callback with BAD_STATE, never executing it — then stops the worker,
// matching spec §5's unmount cancellation contract ("All outstanding
// client callbacks are invoked with BAD_STATE before destruction").
// Work the worker has already dequeued and started executing still
// runs to completion normally.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	q.closed = true
	var cancelled []*Work
	for e := q.pending.Front(); e != nil; e = e.Next() {
		w := e.Value.(*Work)
		cancelled = append(cancelled, w)
		q.used -= w.Blocks()
	}
	q.pending.Init()
	q.notFull.Broadcast()
	q.notEmpty.Broadcast()
	q.mu.Unlock()

	err := status.Errorf(status.BadState, "writeback: queue shut down before this work item ran")
	for _, w := range cancelled {
		if w.OnComplete != nil {
			w.OnComplete(err)
		}
	}
	q.wg.Wait()
}
