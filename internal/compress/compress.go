// Copyright 2026 The blobfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package compress implements the pluggable streaming compressor and
// decompressor blobfs uses to optionally store blob data more compactly
// (spec §4.6). Two algorithms are offered, selected per blob:
// zstd (better ratio, used as the default) and LZ4 (faster, opt-in).
//
// The encoder interface (Initialize/Update/End/Size/Reset) matches the
// streaming shape spec §4.6 requires so a writer can feed bytes as they
// arrive rather than buffering the whole blob before compressing.
package compress

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Algorithm identifies which codec backs an Encoder/Decoder pair. This
// value is recorded in the inode's compressed flag payload so a reader
// knows which decompressor to use.
type Algorithm uint8

const (
	// None means the blob is stored uncompressed.
	None Algorithm = 0
	// Zstd is the default: best ratio for the mixed binary content
	// blobfs typically stores.
	Zstd Algorithm = 1
	// LZ4 trades ratio for lower CPU cost per byte.
	LZ4 Algorithm = 2
)

func (a Algorithm) String() string {
	switch a {
	case None:
		return "none"
	case Zstd:
		return "zstd"
	case LZ4:
		return "lz4"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(a))
	}
}

// MinBytesSaved is the minimum number of bytes a
// compressed blob must save relative to its uncompressed size, both to
// be eligible for compression at write start and to keep the
// compressed layout at write end (spec §4.6).
const MinBytesSaved = 8192

// BufferMax returns the maximum number of bytes the compressed
// representation of an uncompressed blob of length dataLen could need,
// bounding the scratch buffer a writer allocates before starting.
func BufferMax(alg Algorithm, dataLen int64) int64 {
	switch alg {
	case Zstd:
		// zstd's frame overhead is small and bounded; over-provision
		// generously since blobfs falls back to uncompressed anyway
		// if the result doesn't save enough space.
		return dataLen + dataLen/8 + 128
	case LZ4:
		return int64(lz4.CompressBlockBound(int(dataLen))) + 32
	default:
		return dataLen
	}
}

// Encoder is a streaming compressor. Initialize must be called before
// Update; End finalizes the stream and returns the compressed bytes.
type Encoder interface {
	// Initialize starts a new stream. The encoders in this package
	// accumulate their output in an internal buffer; dst is not
	// written to.
	Initialize(dst []byte) error
	// Update compresses src, appending output to the destination
	// buffer. May be called multiple times.
	Update(src []byte) error
	// End finalizes the compressed stream (flushing any codec
	// trailer) and returns the encoded bytes.
	End() ([]byte, error)
	// Size returns the number of compressed bytes produced so far.
	Size() int
	// Reset discards any in-progress stream so the Encoder can be
	// reused for a new blob without reallocating.
	Reset()
}

// NewEncoder constructs a streaming Encoder for the given algorithm.
// None is not a valid encoder algorithm (the write path skips
// compression entirely rather than round-tripping through a no-op
// encoder).
func NewEncoder(alg Algorithm) (Encoder, error) {
	switch alg {
	case Zstd:
		return newZstdEncoder()
	case LZ4:
		return newLZ4Encoder()
	default:
		return nil, fmt.Errorf("compress: unsupported encoder algorithm %s", alg)
	}
}

// Decompress decompresses src (produced by the Encoder for alg) into a
// buffer of exactly uncompressedSize bytes. Fails cleanly (without
// panicking) on truncated or corrupt input. produced is the number of
// bytes written into dst; the number of source bytes consumed is not
// reported.
func Decompress(alg Algorithm, dst []byte, src []byte, uncompressedSize int) (produced int, err error) {
	if len(dst) < uncompressedSize {
		return 0, fmt.Errorf("compress: destination buffer (%d) shorter than expected output (%d)", len(dst), uncompressedSize)
	}
	switch alg {
	case None:
		if len(src) != uncompressedSize {
			return 0, fmt.Errorf("compress: uncompressed size %d does not match expected %d", len(src), uncompressedSize)
		}
		copy(dst, src)
		return uncompressedSize, nil
	case Zstd:
		return decompressZstd(dst[:uncompressedSize], src)
	case LZ4:
		return decompressLZ4(dst[:uncompressedSize], src)
	default:
		return 0, fmt.Errorf("compress: unsupported decoder algorithm %s", alg)
	}
}

// --- zstd backend ---

type zstdEncoder struct {
	enc *zstd.Encoder
	buf *bytes.Buffer
}

func newZstdEncoder() (*zstdEncoder, error) {
	buf := &bytes.Buffer{}
	enc, err := zstd.NewWriter(buf, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("compress: creating zstd encoder: %w", err)
	}
	return &zstdEncoder{enc: enc, buf: buf}, nil
}

func (e *zstdEncoder) Initialize(dst []byte) error {
	e.buf.Reset()
	e.enc.Reset(e.buf)
	return nil
}

func (e *zstdEncoder) Update(src []byte) error {
	if _, err := e.enc.Write(src); err != nil {
		return fmt.Errorf("compress: zstd update: %w", err)
	}
	return nil
}

func (e *zstdEncoder) End() ([]byte, error) {
	if err := e.enc.Close(); err != nil {
		return nil, fmt.Errorf("compress: zstd end: %w", err)
	}
	return e.buf.Bytes(), nil
}

func (e *zstdEncoder) Size() int { return e.buf.Len() }

func (e *zstdEncoder) Reset() {
	e.buf.Reset()
	e.enc.Reset(e.buf)
}

// sharedZstdDecoder is reused across Decompress calls; zstd.Decoder is
// safe for concurrent use once constructed (mirrors the teacher's
// package-level encoder/decoder reuse in lib/artifactstore/compress.go).
var sharedZstdDecoder *zstd.Decoder

func init() {
	var err error
	sharedZstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("compress: initializing shared zstd decoder: " + err.Error())
	}
}

func decompressZstd(dst []byte, src []byte) (int, error) {
	out, err := sharedZstdDecoder.DecodeAll(src, dst[:0])
	if err != nil {
		return 0, fmt.Errorf("compress: zstd decompress: %w", err)
	}
	if len(out) != len(dst) {
		return len(out), fmt.Errorf("compress: zstd decompress produced %d bytes, expected %d", len(out), len(dst))
	}
	return len(out), nil
}

// --- lz4 backend ---

type lz4Encoder struct {
	buf    bytes.Buffer
	writer *lz4.Writer
}

func newLZ4Encoder() (*lz4Encoder, error) {
	e := &lz4Encoder{}
	e.writer = lz4.NewWriter(&e.buf)
	return e, nil
}

func (e *lz4Encoder) Initialize(dst []byte) error {
	e.buf.Reset()
	e.writer.Reset(&e.buf)
	return nil
}

func (e *lz4Encoder) Update(src []byte) error {
	if _, err := e.writer.Write(src); err != nil {
		return fmt.Errorf("compress: lz4 update: %w", err)
	}
	return nil
}

func (e *lz4Encoder) End() ([]byte, error) {
	if err := e.writer.Close(); err != nil {
		return nil, fmt.Errorf("compress: lz4 end: %w", err)
	}
	return e.buf.Bytes(), nil
}

func (e *lz4Encoder) Size() int { return e.buf.Len() }

func (e *lz4Encoder) Reset() {
	e.buf.Reset()
	e.writer.Reset(&e.buf)
}

func decompressLZ4(dst []byte, src []byte) (int, error) {
	r := lz4.NewReader(bytes.NewReader(src))
	n := 0
	for n < len(dst) {
		read, err := r.Read(dst[n:])
		n += read
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return n, fmt.Errorf("compress: lz4 decompress: %w", err)
		}
		if read == 0 {
			break
		}
	}
	if n != len(dst) {
		return n, fmt.Errorf("compress: lz4 decompress produced %d bytes, expected %d", n, len(dst))
	}
	return n, nil
}
