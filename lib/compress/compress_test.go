// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package compress

import (
	"bytes"
	"crypto/rand"
	"testing"
)

// compressible returns text-like content that every algorithm shrinks.
func compressible(size int) []byte {
	pattern := []byte("the quick brown fox jumps over the lazy dog\n")
	data := make([]byte, 0, size)
	for len(data) < size {
		data = append(data, pattern...)
	}
	return data[:size]
}

func incompressible(t *testing.T, size int) []byte {
	t.Helper()
	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("generating random content: %v", err)
	}
	return data
}

func TestRoundTrip(t *testing.T) {
	t.Parallel()
	data := compressible(100_000)

	for _, tag := range []Tag{None, LZ4, Zstd} {
		stored, err := Compress(data, tag)
		if err != nil {
			t.Fatalf("Compress(%s): %v", tag, err)
		}
		if tag != None && len(stored) >= len(data) {
			t.Fatalf("Compress(%s) did not shrink compressible input", tag)
		}
		restored, err := Decompress(stored, tag, len(data))
		if err != nil {
			t.Fatalf("Decompress(%s): %v", tag, err)
		}
		if !bytes.Equal(restored, data) {
			t.Fatalf("%s round trip corrupted the content", tag)
		}
	}
}

func TestAutoFallsBackOnIncompressible(t *testing.T) {
	t.Parallel()
	data := incompressible(t, 50_000)

	for _, preferred := range []Tag{LZ4, Zstd} {
		stored, used, err := Auto(data, preferred)
		if err != nil {
			t.Fatalf("Auto(%s): %v", preferred, err)
		}
		if used != None {
			t.Fatalf("Auto(%s) on random bytes used %s, want none", preferred, used)
		}
		if !bytes.Equal(stored, data) {
			t.Fatal("fallback to none altered the content")
		}
	}
}

func TestAutoUsesPreferredWhenItHelps(t *testing.T) {
	t.Parallel()
	data := compressible(50_000)

	stored, used, err := Auto(data, Zstd)
	if err != nil {
		t.Fatalf("Auto: %v", err)
	}
	if used != Zstd {
		t.Fatalf("Auto used %s, want zstd", used)
	}
	restored, err := Decompress(stored, used, len(data))
	if err != nil {
		t.Fatalf("Decompress: %v", err)
	}
	if !bytes.Equal(restored, data) {
		t.Fatal("Auto round trip corrupted the content")
	}
}

func TestAutoEmptyInput(t *testing.T) {
	t.Parallel()
	stored, used, err := Auto(nil, Zstd)
	if err != nil {
		t.Fatalf("Auto(nil): %v", err)
	}
	if used != None || len(stored) != 0 {
		t.Fatalf("Auto(nil) = %d bytes with tag %s, want empty none", len(stored), used)
	}
}

func TestSelect(t *testing.T) {
	t.Parallel()

	if tag := Select(nil); tag != None {
		t.Fatalf("Select(empty) = %s, want none", tag)
	}
	if tag := Select(compressible(64 * 1024)); tag != Zstd {
		t.Fatalf("Select(text) = %s, want zstd", tag)
	}
	if tag := Select(incompressible(t, 64*1024)); tag != None {
		t.Fatalf("Select(random) = %s, want none", tag)
	}
}

func TestDecompressSizeMismatch(t *testing.T) {
	t.Parallel()
	data := compressible(10_000)

	for _, tag := range []Tag{None, LZ4, Zstd} {
		stored, err := Compress(data, tag)
		if err != nil {
			t.Fatalf("Compress(%s): %v", tag, err)
		}
		if _, err := Decompress(stored, tag, len(data)+1); err == nil {
			t.Fatalf("Decompress(%s) with wrong rawSize succeeded", tag)
		}
	}
}

func TestDecompressCorruptInput(t *testing.T) {
	t.Parallel()
	data := compressible(10_000)

	for _, tag := range []Tag{LZ4, Zstd} {
		stored, err := Compress(data, tag)
		if err != nil {
			t.Fatalf("Compress(%s): %v", tag, err)
		}
		corrupt := bytes.Clone(stored)
		corrupt[len(corrupt)/2] ^= 0xff
		if restored, err := Decompress(corrupt, tag, len(data)); err == nil && bytes.Equal(restored, data) {
			t.Fatalf("Decompress(%s) returned original content from corrupt input", tag)
		}
	}
}

func TestUnknownTagRejected(t *testing.T) {
	t.Parallel()
	if _, err := Compress([]byte("x"), Tag(9)); err == nil {
		t.Fatal("Compress with unknown tag succeeded")
	}
	if _, err := Decompress([]byte("x"), Tag(9), 1); err == nil {
		t.Fatal("Decompress with unknown tag succeeded")
	}
}

func TestTagString(t *testing.T) {
	t.Parallel()
	cases := map[Tag]string{None: "none", LZ4: "lz4", Zstd: "zstd", Tag(9): "unknown(9)"}
	for tag, want := range cases {
		if tag.String() != want {
			t.Fatalf("Tag(%d).String() = %q, want %q", tag, tag.String(), want)
		}
	}
}
