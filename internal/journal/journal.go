// Copyright 2026 The blobfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package journal implements blobfs's write-ahead metadata journal
// (spec §4.7 "Journal"): a circular append-only log of committed
// metadata block writes that is replayed at mount time so a crash
// between an allocation decision and its persisted bitmap/inode write
// cannot leave the on-disk structures inconsistent.
//
// Every commit group ends in a trailing record carrying a sequence
// number alongside its checksum (spec §4.7's journal header). Replay
// requires the sequence to strictly increase from one commit group to
// the next and stops at the first one that doesn't: since a fresh
// mount always resumes numbering from the highest sequence it found on
// disk, this is what lets a shorter commit group overwrite the head of
// a longer one left over from a previous mount without a stale tail
// record from that older group being mistaken for a newer commit.
//
// The append/CRC/replay shape is grounded on
// lib/artifact/cache_index.go's CacheIndex: both use fixed-size,
// individually checksummed (CRC32C) records appended to a log, and
// both replay by scanning forward from the start and stopping at the
// first corrupt or truncated record rather than failing the whole
// mount.
package journal

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"sync"

	"github.com/blobfsd/blobfs/internal/device"
	"github.com/blobfsd/blobfs/internal/status"
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

// Entry is one journaled metadata block write: the block's absolute
// device block number and its full post-write contents.
type Entry struct {
	BlockNumber uint64
	Data        []byte // exactly blockSize bytes
}

// entryHeaderSize is blockNumber(8) + dataLen(4) + crc(4).
const entryHeaderSize = 16

// commitMagic marks the final entry of a transaction so replay knows
// where a group of entries becomes durable atomically (spec §4.7:
// entries before an unterminated commit group are discarded).
const commitMagic uint64 = 0xC0117777C0117777

// commitRecordSize is magic(8) + sequence(8) + crc(4): the trailing
// record that closes a commit group, distinct in size from a normal
// entry header because it carries the sequence number Replay uses to
// order commit groups against each other (spec §4.7).
const commitRecordSize = 20

// Journal is a circular log of Entry records occupying a fixed block
// range of the device. Writers call StartTransaction, append entries,
// then Commit; Commit does not return until the entries and the commit
// record are durable on the device.
type Journal struct {
	mu sync.Mutex

	dev         *device.Device
	startBlock  uint64
	blockCount  uint64
	blockSize   int64
	writeOffset uint64 // byte offset within the journal region, wraps at blockCount*blockSize
	sequence    uint64 // highest commit sequence assigned or observed so far
}

// New creates a Journal over the block range [startBlock, startBlock+blockCount)
// of dev, starting with an empty log.
func New(dev *device.Device, startBlock, blockCount uint64, blockSize int64) *Journal {
	return &Journal{dev: dev, startBlock: startBlock, blockCount: blockCount, blockSize: blockSize}
}

func (j *Journal) regionBytes() int64 { return int64(j.blockCount) * j.blockSize }

// Transaction accumulates entries for one atomic commit group.
type Transaction struct {
	j       *Journal
	entries []Entry
}

// StartTransaction begins a new commit group.
func (j *Journal) StartTransaction() *Transaction {
	return &Transaction{j: j}
}

// Add appends a metadata block write to the transaction. It does not
// touch the device until Commit is called.
func (t *Transaction) Add(blockNumber uint64, data []byte) {
	buf := make([]byte, len(data))
	copy(buf, data)
	t.entries = append(t.entries, Entry{BlockNumber: blockNumber, Data: buf})
}

// Commit serializes the transaction's entries plus a trailing commit
// record to the journal region, syncing the device once so the whole
// group becomes durable atomically from a crash-recovery perspective,
// then applies each entry to its home block and syncs again (spec
// §4.7's write-ahead contract).
func (t *Transaction) Commit() error {
	j := t.j
	if len(t.entries) == 0 {
		return nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	for _, e := range t.entries {
		if err := j.appendLocked(e); err != nil {
			return err
		}
	}
	if err := j.appendCommitLocked(); err != nil {
		return err
	}
	if err := j.dev.Sync(); err != nil {
		return status.Wrap(status.IO, err, "journal: syncing after commit record")
	}

	for _, e := range t.entries {
		off := int64(e.BlockNumber) * j.blockSize
		if _, err := j.dev.WriteAt(e.Data, off); err != nil {
			return status.Wrap(status.IO, err, "journal: applying entry to home block %d", e.BlockNumber)
		}
	}
	if err := j.dev.Sync(); err != nil {
		return status.Wrap(status.IO, err, "journal: syncing after metadata apply")
	}
	return nil
}

func (j *Journal) appendLocked(e Entry) error {
	rec := encodeEntry(e, j.blockSize)
	return j.writeCircularLocked(rec)
}

func (j *Journal) appendCommitLocked() error {
	j.sequence++
	rec := make([]byte, commitRecordSize)
	binary.LittleEndian.PutUint64(rec[0:8], commitMagic)
	binary.LittleEndian.PutUint64(rec[8:16], j.sequence)
	crc := crc32.Checksum(rec[:16], crc32cTable)
	binary.LittleEndian.PutUint32(rec[16:20], crc)
	return j.writeCircularLocked(rec)
}

func (j *Journal) writeCircularLocked(rec []byte) error {
	region := j.regionBytes()
	if int64(len(rec)) > region {
		return fmt.Errorf("journal: record of %d bytes does not fit in %d-byte region", len(rec), region)
	}
	off := int64(j.writeOffset) % region
	base := int64(j.startBlock)*j.blockSize + off

	if off+int64(len(rec)) <= region {
		if _, err := j.dev.WriteAt(rec, base); err != nil {
			return status.Wrap(status.IO, err, "journal: writing record")
		}
	} else {
		first := region - off
		if _, err := j.dev.WriteAt(rec[:first], base); err != nil {
			return status.Wrap(status.IO, err, "journal: writing wrapped record head")
		}
		wrapBase := int64(j.startBlock) * j.blockSize
		if _, err := j.dev.WriteAt(rec[first:], wrapBase); err != nil {
			return status.Wrap(status.IO, err, "journal: writing wrapped record tail")
		}
	}
	j.writeOffset = (j.writeOffset + uint64(len(rec))) % uint64(region)
	return nil
}

func encodeEntry(e Entry, blockSize int64) []byte {
	rec := make([]byte, entryHeaderSize+len(e.Data))
	binary.LittleEndian.PutUint64(rec[0:8], e.BlockNumber)
	binary.LittleEndian.PutUint32(rec[8:12], uint32(len(e.Data)))
	copy(rec[entryHeaderSize:], e.Data)
	crc := crc32.Checksum(rec[:12], crc32cTable)
	crc = crc32.Update(crc, crc32cTable, e.Data)
	binary.LittleEndian.PutUint32(rec[12:16], crc)
	return rec
}

// Replay scans the journal region from the start looking for complete
// commit groups and applies each entry's data to its home block via
// apply. It stops at the first corrupt, truncated, or unterminated
// group, or at the first commit record whose sequence does not exceed
// the previous one — mirroring spec §4.7's crash-recovery contract
// that only fully-committed groups are ever replayed, in the order
// they were actually committed. On return, j's internal sequence
// counter is set to the highest one found, so a Journal freshly
// constructed by New and then Replayed continues numbering forward
// rather than colliding with (or being shadowed by) generations
// already on disk.
//
// Replay is a full linear scan rather than tracking a persistent head/
// tail cursor; blobfs journals are small enough (DefaultJournalBlocks)
// that this is cheap and it keeps the on-disk format simple.
func (j *Journal) Replay(apply func(blockNumber uint64, data []byte) error) (int, error) {
	region := j.regionBytes()
	buf := make([]byte, region)
	base := int64(j.startBlock) * j.blockSize
	if _, err := j.dev.ReadAt(buf, base); err != nil && err != io.EOF {
		return 0, status.Wrap(status.IO, err, "journal: reading region for replay")
	}

	var pos int64
	var pending []Entry
	applied := 0
	var lastSeq uint64
	haveSeq := false

	for pos+8 <= region {
		tag := binary.LittleEndian.Uint64(buf[pos : pos+8])

		if tag == commitMagic {
			if pos+commitRecordSize > region {
				break
			}
			seq := binary.LittleEndian.Uint64(buf[pos+8 : pos+16])
			storedCRC := binary.LittleEndian.Uint32(buf[pos+16 : pos+20])
			crc := crc32.Checksum(buf[pos:pos+16], crc32cTable)
			if crc != storedCRC {
				break
			}
			if haveSeq && seq <= lastSeq {
				// A stale commit record left behind by a previous
				// generation's longer journal contents: everything
				// from here on is superseded, not a group to replay.
				break
			}
			for _, e := range pending {
				if err := apply(e.BlockNumber, e.Data); err != nil {
					return applied, fmt.Errorf("journal: applying replayed block %d: %w", e.BlockNumber, err)
				}
				applied++
			}
			pending = nil
			lastSeq = seq
			haveSeq = true
			pos += commitRecordSize
			continue
		}

		if pos+entryHeaderSize > region {
			break
		}
		blockNumber := tag
		length := binary.LittleEndian.Uint32(buf[pos+8 : pos+12])
		storedCRC := binary.LittleEndian.Uint32(buf[pos+12 : pos+16])
		if int64(length) > region || pos+entryHeaderSize+int64(length) > region {
			break
		}
		data := buf[pos+entryHeaderSize : pos+entryHeaderSize+int64(length)]
		crc := crc32.Checksum(buf[pos:pos+12], crc32cTable)
		crc = crc32.Update(crc, crc32cTable, data)
		if crc != storedCRC {
			break
		}

		entryData := make([]byte, length)
		copy(entryData, data)
		pending = append(pending, Entry{BlockNumber: blockNumber, Data: entryData})
		pos += entryHeaderSize + int64(length)
	}

	j.sequence = lastSeq
	return applied, nil
}
