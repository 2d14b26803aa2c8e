// Copyright 2026 The blobfs Authors
// SPDX-License-Identifier: Apache-2.0

package blobfs

import (
	"fmt"

	"github.com/blobfsd/blobfs/internal/codec"
	"github.com/blobfsd/blobfs/internal/digest"
)

// ManifestEntry describes one readable blob for administrative tooling
// (backup manifests, GC audits) that needs more than a bare digest
// list — the original_source supplement's stat surface, minus its
// Cobalt telemetry sink (out of scope per spec §1).
type ManifestEntry struct {
	Digest     digest.Digest
	Size       uint64
	BlockCount uint32
	Compressed bool
}

// Manifest is a point-in-time snapshot of every readable blob in a
// mounted filesystem, suitable for CBOR export via ExportManifest and
// comparison against a prior export (e.g. before/after a GC run).
type Manifest struct {
	Entries []ManifestEntry
}

// ExportManifest builds a Manifest from every currently readable blob
// and encodes it with Core Deterministic CBOR, so two exports of the
// same blob set produce byte-identical output regardless of map
// iteration order.
func (fs *Filesystem) ExportManifest() ([]byte, error) {
	fs.mu.Lock()
	digests := make([]digest.Digest, 0, len(fs.open)+len(fs.closed))
	for d := range fs.open {
		digests = append(digests, d)
	}
	for d := range fs.closed {
		digests = append(digests, d)
	}
	fs.mu.Unlock()

	m := Manifest{Entries: make([]ManifestEntry, 0, len(digests))}
	for _, d := range digests {
		v, err := fs.LookupBlob(d)
		if err != nil {
			continue
		}
		if v.State() != StateReadable {
			continue
		}
		v.mu.Lock()
		rec := v.record
		v.mu.Unlock()
		if rec == nil {
			continue
		}
		m.Entries = append(m.Entries, ManifestEntry{
			Digest:     d,
			Size:       rec.BlobSize,
			BlockCount: rec.BlockCount,
			Compressed: rec.Header.Compressed(),
		})
	}

	sortManifest(m.Entries)

	buf, err := codec.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("blobfs: encoding manifest: %w", err)
	}
	return buf, nil
}

// ImportManifest decodes a CBOR manifest previously produced by
// ExportManifest, without touching the live filesystem — used by
// offline tooling to diff two snapshots.
func ImportManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := codec.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("blobfs: decoding manifest: %w", err)
	}
	return m, nil
}

func sortManifest(entries []ManifestEntry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j-1].Digest.String() > entries[j].Digest.String(); j-- {
			entries[j-1], entries[j] = entries[j], entries[j-1]
		}
	}
}
