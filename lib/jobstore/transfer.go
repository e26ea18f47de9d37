// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package jobstore

// Multipart transfer engine. Content larger than the driver's inline
// limit is split into part-size chunks, each compressed, optionally
// sealed, hashed, and stored under a write-unique key; the manifest
// referencing all parts commits last, so readers either see the whole
// file or none of it. Content at or below the inline limit is carried
// inside the manifest itself and never touches the parts keyspace.

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/zeebo/blake3"

	"github.com/quarryworks/quarry/lib/codec"
	"github.com/quarryworks/quarry/lib/compress"
	"github.com/quarryworks/quarry/lib/driver"
)

// probeSize is how much of the first part feeds the compression
// selector.
const probeSize = 64 * 1024

// FileWriter is a streaming write in progress. Write may be called
// any number of times; the content becomes visible atomically when
// Close commits the manifest. Abort guarantees the write never
// becomes visible. Exactly one of Close or Abort must be called;
// calling either after the other is a no-op.
//
// A FileWriter applies backpressure naturally: Write blocks while a
// filled part uploads, so memory use is bounded by one part.
type FileWriter struct {
	ctx         context.Context
	store       *Store
	manifestKey string
	id          FileID
	owner       string
	sealName    string
	encrypted   bool
	writeID     string

	buf       []byte
	parts     []partRef
	prevParts []partRef
	hash      *blake3.Hasher
	size      int64
	preferred compress.Tag
	probed    bool
	done      bool
}

func (s *Store) newFileWriter(ctx context.Context, manifestKey string, id FileID, owner, sealName string, prevParts []partRef) *FileWriter {
	return &FileWriter{
		ctx:         ctx,
		store:       s,
		manifestKey: manifestKey,
		id:          id,
		owner:       owner,
		sealName:    sealName,
		encrypted:   sealName != "",
		writeID:     newWriteID(),
		buf:         make([]byte, 0, s.partSize),
		prevParts:   prevParts,
		hash:        blake3.New(),
	}
}

// Write appends p to the content. Implements io.Writer.
func (w *FileWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, errors.New("write on a finalized file writer")
	}
	w.hash.Write(p)
	w.size += int64(len(p))

	written := len(p)
	for len(p) > 0 {
		room := int(w.store.partSize) - len(w.buf)
		if room > len(p) {
			room = len(p)
		}
		w.buf = append(w.buf, p[:room]...)
		p = p[room:]
		if int64(len(w.buf)) == w.store.partSize {
			if err := w.flushPart(); err != nil {
				return 0, err
			}
		}
	}
	return written, nil
}

// flushPart stores the buffered chunk and resets the buffer.
func (w *FileWriter) flushPart() error {
	data := w.buf
	if !w.probed {
		sample := data
		if len(sample) > probeSize {
			sample = sample[:probeSize]
		}
		w.preferred = compress.Select(sample)
		w.probed = true
	}

	stored, tag, err := w.store.transform(data, w.preferred, w.sealName)
	if err != nil {
		return err
	}
	sum := blake3.Sum256(stored)
	key := fmt.Sprintf("%s%s/%08d", prefixParts, w.writeID, len(w.parts))
	err = w.store.retry.run(w.ctx, "write part", func() error {
		return w.store.drv.Create(w.ctx, key, stored)
	})
	if err != nil {
		return err
	}
	w.parts = append(w.parts, partRef{
		Key:         key,
		Size:        int64(len(stored)),
		RawSize:     int64(len(data)),
		Compression: tag,
		Checksum:    sum[:],
	})
	w.buf = w.buf[:0]
	return nil
}

// Close finalizes the write: the manifest commits with exactly the
// bytes supplied so far, and any parts of the content this write
// replaced are removed.
func (w *FileWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true

	manifest := fileManifest{
		ID:        w.id,
		Owner:     w.owner,
		Size:      w.size,
		Checksum:  w.hash.Sum(nil),
		Encrypted: w.encrypted,
	}

	// A zero inline limit disables inlining entirely, even for empty
	// content.
	limit := int64(w.store.drv.InlineLimit())
	inline := len(w.parts) == 0 && limit > 0 && w.size <= limit
	if inline {
		if !w.probed {
			sample := w.buf
			if len(sample) > probeSize {
				sample = sample[:probeSize]
			}
			w.preferred = compress.Select(sample)
		}
		stored, tag, err := w.store.transform(w.buf, w.preferred, w.sealName)
		if err != nil {
			return err
		}
		// Alias-safe: the buffer is not reused after finalization.
		manifest.Inline = stored
		manifest.InlineCompression = tag
	} else {
		// Flush the tail; also an empty part when nothing was written
		// at all, so non-inline content always has at least one part.
		if len(w.buf) > 0 || len(w.parts) == 0 {
			if err := w.flushPart(); err != nil {
				return err
			}
		}
		manifest.Parts = w.parts
		manifest.PartSize = w.store.partSize
	}

	raw, err := codec.Marshal(&manifest)
	if err != nil {
		return fmt.Errorf("encoding manifest %s: %w", w.manifestKey, err)
	}
	err = w.store.retry.run(w.ctx, "commit manifest", func() error {
		return w.store.drv.Put(w.ctx, w.manifestKey, raw)
	})
	if err != nil {
		return err
	}
	w.store.deleteParts(w.ctx, w.prevParts)
	return nil
}

// Abort discards the write. The content never becomes visible; parts
// already uploaded are removed best-effort (the cleanup sweep catches
// any the abort itself cannot reach).
func (w *FileWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	w.store.deleteParts(w.ctx, w.parts)
	return nil
}

// transform applies the write-side content pipeline: compress, then
// seal when the content is protected.
func (s *Store) transform(data []byte, preferred compress.Tag, sealName string) ([]byte, compress.Tag, error) {
	stored, tag, err := compress.Auto(data, preferred)
	if err != nil {
		return nil, 0, fmt.Errorf("compressing part: %w", err)
	}
	if sealName != "" {
		if s.key == nil {
			return nil, 0, &EncryptionKeyMissingError{Name: sealName}
		}
		stored, err = s.key.Seal(stored, sealName)
		if err != nil {
			return nil, 0, fmt.Errorf("sealing part of %q: %w", sealName, err)
		}
	}
	return stored, tag, nil
}

// untransform reverses transform: unseal when sealed, then
// decompress to the recorded raw size.
func (s *Store) untransform(stored []byte, tag compress.Tag, rawSize int64, sealed bool, sealName string) ([]byte, error) {
	if sealed {
		if s.key == nil {
			return nil, &EncryptionKeyMissingError{Name: sealName}
		}
		opened, err := s.key.Open(stored, sealName)
		if err != nil {
			return nil, err
		}
		stored = opened
	}
	plain, err := compress.Decompress(stored, tag, int(rawSize))
	if err != nil {
		return nil, fmt.Errorf("decompressing part: %w", err)
	}
	return plain, nil
}

// deleteParts removes part blobs best-effort. Failures are logged and
// left for the orphan sweep.
func (s *Store) deleteParts(ctx context.Context, parts []partRef) {
	for _, part := range parts {
		err := s.retry.run(ctx, "delete part", func() error {
			return s.drv.Delete(ctx, part.Key)
		})
		if err != nil {
			s.logger.Warn("orphaned part blob", "key", part.Key, "error", err)
		}
		s.partCache.Remove(part.Key)
	}
}

// contentReader opens the manifest's content for sequential reading.
// sealName labels error messages and binds decryption.
func (s *Store) contentReader(ctx context.Context, manifest *fileManifest, sealName string) (io.ReadCloser, error) {
	if manifest.Encrypted && s.key == nil {
		return nil, &EncryptionKeyMissingError{Name: sealName}
	}
	if len(manifest.Parts) == 0 {
		plain, err := s.untransform(manifest.Inline, manifest.InlineCompression,
			manifest.Size, manifest.Encrypted, sealName)
		if err != nil {
			return nil, err
		}
		sum := blake3.New()
		sum.Write(plain)
		if !bytes.Equal(sum.Sum(nil), manifest.Checksum) {
			return nil, fmt.Errorf("content of %s failed checksum verification", s.describe(manifest, sealName))
		}
		return &readCloser{Reader: bytes.NewReader(plain)}, nil
	}
	return &partStream{
		ctx:      ctx,
		store:    s,
		manifest: manifest,
		sealName: sealName,
		hash:     blake3.New(),
	}, nil
}

func (s *Store) describe(manifest *fileManifest, sealName string) string {
	if sealName != "" {
		return fmt.Sprintf("shared file %q", sealName)
	}
	return fmt.Sprintf("file %s", manifest.ID)
}

// partStream reads multipart content lazily: each part is fetched,
// verified, and decoded only when the reader consumes past the
// previous one. The whole-content hash is checked at EOF.
type partStream struct {
	ctx      context.Context
	store    *Store
	manifest *fileManifest
	sealName string

	next     int
	current  []byte
	consumed int64
	hash     *blake3.Hasher
	verified bool
	closed   bool
}

func (r *partStream) Read(p []byte) (int, error) {
	if r.closed {
		return 0, errors.New("read on a closed stream")
	}
	for len(r.current) == 0 {
		if r.next == len(r.manifest.Parts) {
			if err := r.verifyEnd(); err != nil {
				return 0, err
			}
			return 0, io.EOF
		}
		plain, err := r.store.readPart(r.ctx, r.manifest, r.next, r.sealName)
		if err != nil {
			return 0, err
		}
		r.next++
		r.hash.Write(plain)
		r.consumed += int64(len(plain))
		r.current = plain
	}
	n := copy(p, r.current)
	r.current = r.current[n:]
	return n, nil
}

func (r *partStream) verifyEnd() error {
	if r.verified {
		return nil
	}
	r.verified = true
	if r.consumed != r.manifest.Size {
		return fmt.Errorf("content of %s is %d bytes, manifest says %d",
			r.store.describe(r.manifest, r.sealName), r.consumed, r.manifest.Size)
	}
	if !bytes.Equal(r.hash.Sum(nil), r.manifest.Checksum) {
		return fmt.Errorf("content of %s failed checksum verification",
			r.store.describe(r.manifest, r.sealName))
	}
	return nil
}

func (r *partStream) Close() error {
	r.closed = true
	r.current = nil
	return nil
}

// readPart returns the decoded plaintext of one part, serving the
// stored bytes from the cache when possible.
func (s *Store) readPart(ctx context.Context, manifest *fileManifest, index int, sealName string) ([]byte, error) {
	part := manifest.Parts[index]

	stored, cached := s.partCache.Get(part.Key)
	if !cached {
		var err error
		stored, err = getRetry(ctx, s.retry, "read part", func() ([]byte, error) {
			return s.drv.Get(ctx, part.Key)
		})
		if errors.Is(err, driver.ErrKeyNotFound) {
			return nil, fmt.Errorf("part %s of %s is missing: %w",
				part.Key, s.describe(manifest, sealName), err)
		}
		if err != nil {
			return nil, err
		}
		sum := blake3.Sum256(stored)
		if !bytes.Equal(sum[:], part.Checksum) {
			return nil, fmt.Errorf("part %s of %s failed checksum verification",
				part.Key, s.describe(manifest, sealName))
		}
		if part.Size <= partCacheableSize {
			s.partCache.Add(part.Key, stored)
		}
	}
	return s.untransform(stored, part.Compression, part.RawSize, manifest.Encrypted, sealName)
}
