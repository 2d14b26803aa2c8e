// Copyright 2026 The blobfs Authors
// SPDX-License-Identifier: Apache-2.0

//go:build darwin || linux

// Package device implements the raw block device blobfs issues
// Transaction requests against (spec §6 "Block fifo protocol"). It is
// grounded directly on lib/artifactstore/cache_device.go: reads go
// through a read-only memory map for zero-syscall overhead, writes use
// pwrite to avoid read-before-write page faults on the mapping, and a
// SIGBUS from a failing backing store is converted into a Go error
// instead of crashing the process.
package device

import (
	"fmt"
	"io"
	"runtime/debug"
	"sync"

	"golang.org/x/sys/unix"
)

// Opcode identifies the kind of block-fifo request (spec §6).
type Opcode int

const (
	OpRead Opcode = iota
	OpWrite
	OpFlush
	OpCloseVMO
)

// Request is one block-fifo transaction entry (spec §6).
type Request struct {
	Group     uint32
	VMOID     uint32
	Opcode    Opcode
	VMOOffset int64 // byte offset into the attached VMO buffer
	DevOffset int64 // byte offset on the device
	Length    int64 // byte length
}

// Device is a fixed-size file used as blobfs's backing block device.
// ReadAt, WriteAt and Transaction access the mapping directly without
// taking a lock; mu guards only the attached-VMO table. Concurrent
// writes to overlapping ranges are therefore not ordered by Device.
// blobfs's writeback and journal workers share one Device, which plays
// the role of a single fifo client.
type Device struct {
	mu   sync.Mutex
	fd   int
	data []byte
	size int64

	vmos   map[uint32][]byte // attached VMOs, keyed by vmoid
	nextID uint32
}

// New creates or opens a Device backed by the file at path. If the file
// does not exist, it is created at the requested size. If it exists at
// a different size, an error is returned — matching
// lib/artifactstore/cache_device.go's NewCacheDevice contract exactly.
func New(path string, size int64) (*Device, error) {
	if size <= 0 {
		return nil, fmt.Errorf("device: size must be positive, got %d", size)
	}

	fd, err := unix.Open(path, unix.O_CREAT|unix.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("device: opening %s: %w", path, err)
	}

	var stat unix.Stat_t
	if err := unix.Fstat(fd, &stat); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("device: stating %s: %w", path, err)
	}

	if stat.Size == 0 {
		if err := unix.Ftruncate(fd, size); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("device: truncating new device to %d bytes: %w", size, err)
		}
	} else if stat.Size != size {
		unix.Close(fd)
		return nil, fmt.Errorf("device: %s is %d bytes but %d was requested; recreate to resize", path, stat.Size, size)
	}

	data, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("device: memory-mapping %s: %w", path, err)
	}

	return &Device{
		fd:   fd,
		data: data,
		size: size,
		vmos: make(map[uint32][]byte),
	}, nil
}

// ReadAt reads len(p) bytes starting at device byte offset off.
func (d *Device) ReadAt(p []byte, off int64) (n int, err error) {
	if off < 0 || off >= d.size {
		return 0, io.EOF
	}

	old := debug.SetPanicOnFault(true)
	defer func() {
		debug.SetPanicOnFault(old)
		if r := recover(); r != nil {
			err = fmt.Errorf("device: page fault reading at offset %d: %v", off, r)
		}
	}()

	n = copy(p, d.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// WriteAt writes p at device byte offset off using pwrite.
func (d *Device) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off+int64(len(p)) > d.size {
		return 0, fmt.Errorf("device: write at offset %d length %d exceeds size %d", off, len(p), d.size)
	}
	total := 0
	for len(p) > 0 {
		n, err := unix.Pwrite(d.fd, p, off)
		total += n
		if err != nil {
			return total, fmt.Errorf("device: pwrite at offset %d: %w", off, err)
		}
		p = p[n:]
		off += int64(n)
	}
	return total, nil
}

// AttachVMO registers a host-side buffer with the device, returning an
// opaque vmoid used in subsequent Transaction requests (spec §6
// "AttachVmo(vmo) → vmoid").
func (d *Device) AttachVMO(buf []byte) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := d.nextID
	d.vmos[id] = buf
	return id
}

// DetachVMO releases a previously attached buffer.
func (d *Device) DetachVMO(id uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.vmos, id)
}

// Transaction executes requests as a single atomic-from-the-caller's-
// perspective batch (spec §6). Read requests copy from the device into
// the attached VMO buffer; write requests copy from the buffer to the
// device; flush syncs; close-vmo detaches.
func (d *Device) Transaction(requests []Request) error {
	for i, r := range requests {
		if err := d.execute(r); err != nil {
			return fmt.Errorf("device: transaction request %d (%v): %w", i, r.Opcode, err)
		}
	}
	return nil
}

func (d *Device) execute(r Request) error {
	switch r.Opcode {
	case OpRead:
		buf, err := d.vmoSlice(r.VMOID, r.VMOOffset, r.Length)
		if err != nil {
			return err
		}
		n, err := d.ReadAt(buf, r.DevOffset)
		if err != nil && err != io.EOF {
			return err
		}
		if int64(n) != r.Length {
			return fmt.Errorf("short read: got %d, want %d", n, r.Length)
		}
		return nil
	case OpWrite:
		buf, err := d.vmoSlice(r.VMOID, r.VMOOffset, r.Length)
		if err != nil {
			return err
		}
		_, err = d.WriteAt(buf, r.DevOffset)
		return err
	case OpFlush:
		return d.Sync()
	case OpCloseVMO:
		d.DetachVMO(r.VMOID)
		return nil
	default:
		return fmt.Errorf("unknown opcode %v", r.Opcode)
	}
}

func (d *Device) vmoSlice(id uint32, offset, length int64) ([]byte, error) {
	d.mu.Lock()
	buf, ok := d.vmos[id]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("vmoid %d not attached", id)
	}
	if offset < 0 || offset+length > int64(len(buf)) {
		return nil, fmt.Errorf("vmo range [%d,%d) out of bounds for buffer of length %d", offset, offset+length, len(buf))
	}
	return buf[offset : offset+length], nil
}

// Sync flushes pending writes to the underlying storage.
func (d *Device) Sync() error {
	return unix.Fsync(d.fd)
}

// Size returns the device size in bytes.
func (d *Device) Size() int64 { return d.size }

// Close unmaps the device and closes its file descriptor.
func (d *Device) Close() error {
	var firstErr error
	if err := unix.Munmap(d.data); err != nil {
		firstErr = fmt.Errorf("device: unmapping: %w", err)
	}
	if err := unix.Close(d.fd); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("device: closing fd: %w", err)
	}
	d.data = nil
	d.fd = -1
	return firstErr
}
