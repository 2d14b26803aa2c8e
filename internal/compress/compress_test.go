// Copyright 2026 The blobfs Authors
// SPDX-License-Identifier: Apache-2.0

package compress

import (
	"bytes"
	"testing"
)

func roundTrip(t *testing.T, alg Algorithm) {
	t.Helper()
	data := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 4096)

	enc, err := NewEncoder(alg)
	if err != nil {
		t.Fatalf("NewEncoder(%s): %v", alg, err)
	}
	dst := make([]byte, 0, BufferMax(alg, int64(len(data))))
	if err := enc.Initialize(dst); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	// Feed in two chunks to exercise the streaming Update path.
	mid := len(data) / 2
	if err := enc.Update(data[:mid]); err != nil {
		t.Fatalf("Update (first half): %v", err)
	}
	if err := enc.Update(data[mid:]); err != nil {
		t.Fatalf("Update (second half): %v", err)
	}
	compressed, err := enc.End()
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	if enc.Size() != len(compressed) {
		t.Fatalf("Size() = %d, want %d", enc.Size(), len(compressed))
	}
	if len(compressed) >= len(data) {
		t.Fatalf("%s: compressed size %d not smaller than input %d for highly repetitive data", alg, len(compressed), len(data))
	}

	out := make([]byte, len(data))
	n, err := Decompress(alg, out, compressed, len(data))
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if n != len(data) {
		t.Fatalf("Decompress produced %d bytes, want %d", n, len(data))
	}
	if !bytes.Equal(out, data) {
		t.Fatal("decompressed output does not match original input")
	}
}

func TestZstdRoundTrip(t *testing.T) { roundTrip(t, Zstd) }
func TestLZ4RoundTrip(t *testing.T)  { roundTrip(t, LZ4) }

func TestEncoderReset(t *testing.T) {
	enc, err := NewEncoder(Zstd)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	if err := enc.Initialize(nil); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if err := enc.Update([]byte("first stream")); err != nil {
		t.Fatalf("Update: %v", err)
	}
	enc.Reset()
	if err := enc.Initialize(nil); err != nil {
		t.Fatalf("Initialize after Reset: %v", err)
	}
	if err := enc.Update([]byte("second stream")); err != nil {
		t.Fatalf("Update after Reset: %v", err)
	}
	out, err := enc.End()
	if err != nil {
		t.Fatalf("End: %v", err)
	}
	decoded := make([]byte, len("second stream"))
	n, err := Decompress(Zstd, decoded, out, len(decoded))
	if err != nil || n != len(decoded) || string(decoded) != "second stream" {
		t.Fatalf("Reset did not discard the first stream: decoded=%q err=%v", decoded, err)
	}
}

func TestDecompressNoneRequiresExactLength(t *testing.T) {
	dst := make([]byte, 4)
	if _, err := Decompress(None, dst, []byte{1, 2, 3}, 4); err == nil {
		t.Fatal("Decompress(None, ...) with mismatched lengths: want error")
	}
	src := []byte{1, 2, 3, 4}
	n, err := Decompress(None, dst, src, 4)
	if err != nil || n != 4 || !bytes.Equal(dst, src) {
		t.Fatalf("Decompress(None, ...): got n=%d err=%v dst=%v", n, err, dst)
	}
}

func TestNewEncoderRejectsNone(t *testing.T) {
	if _, err := NewEncoder(None); err == nil {
		t.Fatal("NewEncoder(None): want error, got nil")
	}
}
