// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

// Package compress handles per-part compression for multipart
// transfers. Each uploaded part is compressed independently and
// tagged, so a reader can decompress any part knowing only its tag
// and original size from the manifest — no cross-part state.
package compress

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Tag identifies the compression algorithm used for one part. Tags
// are persisted in file manifests — the values are format constants.
type Tag uint8

const (
	// None marks an uncompressed part. Chosen when the content does
	// not shrink (already-compressed media, random bytes, ciphertext).
	None Tag = 0

	// LZ4 is block-mode LZ4: modest ratios at very high decode
	// speed. The default for binary content that compresses at all.
	LZ4 Tag = 1

	// Zstd is zstd at its default level: better ratios for text-like
	// content at acceptable CPU cost.
	Zstd Tag = 2
)

// String returns the tag's persisted name.
func (t Tag) String() string {
	switch t {
	case None:
		return "none"
	case LZ4:
		return "lz4"
	case Zstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", t)
	}
}

// zstd encoder and decoder are stateless for the EncodeAll/DecodeAll
// entry points and safe for concurrent use, so one of each serves the
// whole process.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("compress: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("compress: zstd decoder initialization failed: " + err.Error())
	}
}

// errIncompressible reports that compressed output would not be
// smaller than the input.
var errIncompressible = errors.New("data is incompressible")

// Compress compresses data with the given algorithm. For None, the
// input is returned unchanged without a copy.
func Compress(data []byte, tag Tag) ([]byte, error) {
	switch tag {
	case None:
		return data, nil
	case LZ4:
		return compressLZ4(data)
	case Zstd:
		return compressZstd(data)
	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}

// Decompress reverses Compress. rawSize must be the original length;
// a mismatch is corruption and returns an error.
func Decompress(compressed []byte, tag Tag, rawSize int) ([]byte, error) {
	switch tag {
	case None:
		if len(compressed) != rawSize {
			return nil, fmt.Errorf("uncompressed part: size %d does not match expected %d",
				len(compressed), rawSize)
		}
		return compressed, nil
	case LZ4:
		return decompressLZ4(compressed, rawSize)
	case Zstd:
		return decompressZstd(compressed, rawSize)
	default:
		return nil, fmt.Errorf("unsupported compression tag: %d", tag)
	}
}

// Auto compresses data with the preferred algorithm, falling back to
// None when the data does not shrink. Returns the stored bytes and
// the tag actually used.
func Auto(data []byte, preferred Tag) ([]byte, Tag, error) {
	if preferred == None || len(data) == 0 {
		return data, None, nil
	}
	compressed, err := Compress(data, preferred)
	if err != nil {
		if errors.Is(err, errIncompressible) {
			return data, None, nil
		}
		return nil, 0, err
	}
	return compressed, preferred, nil
}

// Select probes a sample of the content and picks an algorithm: zstd
// when the ratio justifies its CPU cost, LZ4 when the content barely
// compresses, None otherwise.
func Select(sample []byte) Tag {
	if len(sample) == 0 {
		return None
	}
	compressed := zstdEncoder.EncodeAll(sample, nil)
	ratio := float64(len(sample)) / float64(len(compressed))
	switch {
	case ratio >= 1.5:
		return Zstd
	case ratio >= 1.1:
		return LZ4
	default:
		return None
	}
}

func compressLZ4(data []byte) ([]byte, error) {
	destination := make([]byte, lz4.CompressBlockBound(len(data)))
	written, err := lz4.CompressBlock(data, destination, nil)
	if err != nil {
		return nil, fmt.Errorf("lz4 compress: %w", err)
	}
	// CompressBlock returns 0 for incompressible input; equal-or-larger
	// output is not worth storing either.
	if written == 0 || written >= len(data) {
		return nil, errIncompressible
	}
	return destination[:written], nil
}

func decompressLZ4(compressed []byte, rawSize int) ([]byte, error) {
	destination := make([]byte, rawSize)
	read, err := lz4.UncompressBlock(compressed, destination)
	if err != nil {
		return nil, fmt.Errorf("lz4 decompress: %w", err)
	}
	if read != rawSize {
		return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", read, rawSize)
	}
	return destination, nil
}

func compressZstd(data []byte) ([]byte, error) {
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return nil, errIncompressible
	}
	return compressed, nil
}

func decompressZstd(compressed []byte, rawSize int) ([]byte, error) {
	result, err := zstdDecoder.DecodeAll(compressed, make([]byte, 0, rawSize))
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(result) != rawSize {
		return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(result), rawSize)
	}
	return result, nil
}
