// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package jobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/quarryworks/quarry/lib/codec"
	"github.com/quarryworks/quarry/lib/driver"
)

// loadFileManifest reads a file's manifest, mapping a missing key to
// NoSuchFileError.
func (s *Store) loadFileManifest(ctx context.Context, id FileID) (*fileManifest, error) {
	return s.loadManifest(ctx, id.manifestKey(), func() error {
		return &NoSuchFileError{ID: id}
	})
}

func (s *Store) loadManifest(ctx context.Context, key string, missing func() error) (*fileManifest, error) {
	raw, err := getRetry(ctx, s.retry, "load manifest", func() ([]byte, error) {
		return s.drv.Get(ctx, key)
	})
	if errors.Is(err, driver.ErrKeyNotFound) {
		return nil, missing()
	}
	if err != nil {
		return nil, err
	}
	manifest, err := decodeManifest(raw)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", key, err)
	}
	return manifest, nil
}

func decodeManifest(raw []byte) (*fileManifest, error) {
	var manifest fileManifest
	if err := codec.Unmarshal(raw, &manifest); err != nil {
		return nil, err
	}
	return &manifest, nil
}

// EmptyFileID allocates a new file ID with zero-length content,
// durable before return. Owner may be empty for an unowned file.
func (s *Store) EmptyFileID(ctx context.Context, owner string) (FileID, error) {
	id, writer := s.writeStream(ctx, owner, "")
	if err := writer.Close(); err != nil {
		return "", err
	}
	return id, nil
}

// WriteFile copies the local file into the store as a new file owned
// by owner (empty for unowned). The returned ID preserves the local
// file's base name as its final segment.
func (s *Store) WriteFile(ctx context.Context, localPath, owner string) (FileID, error) {
	source, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer source.Close()

	id, writer := s.writeStream(ctx, owner, filepath.Base(localPath))
	if _, err := io.Copy(writer, source); err != nil {
		writer.Abort()
		return "", fmt.Errorf("writing %s: %w", localPath, err)
	}
	if err := writer.Close(); err != nil {
		return "", err
	}
	return id, nil
}

// WriteFileStream allocates a new file ID and returns it together
// with the streaming sink for its content. The ID is usable
// immediately (for example to hand to a concurrent reader), but reads
// fail with NoSuchFileError until Close commits. Abort guarantees the
// file never appears.
func (s *Store) WriteFileStream(ctx context.Context, owner, basename string) (FileID, *FileWriter) {
	return s.writeStream(ctx, owner, basename)
}

func (s *Store) writeStream(ctx context.Context, owner, basename string) (FileID, *FileWriter) {
	id := newFileID(owner, basename)
	return id, s.newFileWriter(ctx, id.manifestKey(), id, id.owner(), "", nil)
}

// UpdateFile overwrites the file's content with the local file. The
// ID is stable across updates; size may change.
func (s *Store) UpdateFile(ctx context.Context, id FileID, localPath string) error {
	source, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("opening %s: %w", localPath, err)
	}
	defer source.Close()

	writer, err := s.UpdateFileStream(ctx, id)
	if err != nil {
		return err
	}
	if _, err := io.Copy(writer, source); err != nil {
		writer.Abort()
		return fmt.Errorf("writing %s: %w", localPath, err)
	}
	return writer.Close()
}

// UpdateFileStream returns a streaming sink that overwrites the
// file's content on Close. Until then (and after Abort) readers see
// the previous content. Fails with NoSuchFileError for an unknown ID.
func (s *Store) UpdateFileStream(ctx context.Context, id FileID) (*FileWriter, error) {
	previous, err := s.loadFileManifest(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.newFileWriter(ctx, id.manifestKey(), id, previous.Owner, "", previous.Parts), nil
}

// ReadFile copies the file's content to the local path, written
// atomically via a sibling temp file.
func (s *Store) ReadFile(ctx context.Context, id FileID, localPath string) error {
	reader, err := s.ReadFileStream(ctx, id)
	if err != nil {
		return err
	}
	defer reader.Close()
	return atomicWriteLocal(localPath, reader)
}

// ReadFileStream opens the file's content for sequential reading.
// Fails with NoSuchFileError for an unknown or deleted ID.
func (s *Store) ReadFileStream(ctx context.Context, id FileID) (io.ReadCloser, error) {
	manifest, err := s.loadFileManifest(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.contentReader(ctx, manifest, "")
}

// FileExists reports whether the file ID is present. Never fails for
// a missing ID.
func (s *Store) FileExists(ctx context.Context, id FileID) (bool, error) {
	_, err := getRetry(ctx, s.retry, "stat manifest", func() (int64, error) {
		return s.drv.Stat(ctx, id.manifestKey())
	})
	if errors.Is(err, driver.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// FileSize returns the file's logical content length.
func (s *Store) FileSize(ctx context.Context, id FileID) (int64, error) {
	manifest, err := s.loadFileManifest(ctx, id)
	if err != nil {
		return 0, err
	}
	return manifest.Size, nil
}

// DeleteFile removes the file. Idempotent: a missing ID is success.
// The manifest goes first, so a reader either finds the complete file
// or NoSuchFileError, never a torso.
func (s *Store) DeleteFile(ctx context.Context, id FileID) error {
	manifest, err := s.loadFileManifest(ctx, id)
	if IsNoSuchFile(err) {
		return nil
	}
	if err != nil {
		return err
	}
	err = s.retry.run(ctx, "delete manifest", func() error {
		return s.drv.Delete(ctx, id.manifestKey())
	})
	if err != nil {
		return err
	}
	s.deleteParts(ctx, manifest.Parts)
	return s.retry.run(ctx, "delete public copy", func() error {
		return s.drv.Delete(ctx, prefixPublic+string(id))
	})
}

// PublicURL returns a URL at which the file's plaintext content is
// directly readable (a file:// path for filesystem stores, a
// presigned GET for object storage). The content is materialized as a
// standalone blob on first call, since stored form is chunked and
// compressed.
func (s *Store) PublicURL(ctx context.Context, id FileID) (string, error) {
	manifest, err := s.loadFileManifest(ctx, id)
	if err != nil {
		return "", err
	}
	return s.publishContent(ctx, manifest, "", prefixPublic+string(id))
}

func (s *Store) publishContent(ctx context.Context, manifest *fileManifest, sealName, publicKey string) (string, error) {
	reader, err := s.contentReader(ctx, manifest, sealName)
	if err != nil {
		return "", err
	}
	defer reader.Close()
	content, err := io.ReadAll(reader)
	if err != nil {
		return "", err
	}
	err = s.retry.run(ctx, "publish content", func() error {
		return s.drv.Put(ctx, publicKey, content)
	})
	if err != nil {
		return "", err
	}
	return getRetry(ctx, s.retry, "public url", func() (string, error) {
		return s.drv.PublicURL(ctx, publicKey)
	})
}

// atomicWriteLocal streams content into path via a temp file in the
// same directory, renamed into place on success.
func atomicWriteLocal(path string, content io.Reader) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.Copy(tmp, content); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("renaming into %s: %w", path, err)
	}
	return nil
}
