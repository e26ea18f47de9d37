// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package jobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
)

// Shared files are store-wide named blobs (config snapshots, caches)
// rather than job-owned artifacts. A name marked protected is sealed
// with the store key when one is configured; the manifest records
// whether sealing happened, so a keyless reader fails typed instead
// of receiving ciphertext.

func sharedManifestKey(name string) string { return prefixShared + name }

// validateSharedName checks a shared file name: non-empty, at most
// 255 characters, printable ASCII without path separators.
func validateSharedName(name string) error {
	if name == "" {
		return &ValidationError{Field: "shared file name", Reason: "empty"}
	}
	if len(name) > 255 {
		return &ValidationError{
			Field:  "shared file name",
			Reason: fmt.Sprintf("%d characters, maximum is 255", len(name)),
		}
	}
	for _, r := range name {
		if r <= ' ' || r > '~' || r == '/' {
			return &ValidationError{
				Field:  "shared file name",
				Reason: fmt.Sprintf("%q contains %q", name, r),
			}
		}
	}
	return nil
}

// WriteSharedFileStream opens a streaming write of the named shared
// file. Overwriting is atomic from a reader's perspective: until
// Close commits, readers see the previous content. When protected is
// set and the store has a key, content is sealed; without a key the
// content is written in the clear, matching a store that was created
// before encryption was configured.
func (s *Store) WriteSharedFileStream(ctx context.Context, name string, protected bool) (*FileWriter, error) {
	if err := validateSharedName(name); err != nil {
		return nil, err
	}
	sealName := ""
	if protected && s.key != nil {
		sealName = name
	}
	previous, err := s.loadManifest(ctx, sharedManifestKey(name), func() error {
		return nil
	})
	if err != nil {
		return nil, err
	}
	var prevParts []partRef
	if previous != nil {
		prevParts = previous.Parts
	}
	return s.newFileWriter(ctx, sharedManifestKey(name), "", "", sealName, prevParts), nil
}

// WriteSharedFile writes the named shared file from a byte slice.
func (s *Store) WriteSharedFile(ctx context.Context, name string, content []byte, protected bool) error {
	writer, err := s.WriteSharedFileStream(ctx, name, protected)
	if err != nil {
		return err
	}
	if _, err := writer.Write(content); err != nil {
		writer.Abort()
		return err
	}
	return writer.Close()
}

// ReadSharedFileStream opens the named shared file for reading.
// Fails with NoSuchFileError for an unknown name, and with
// EncryptionKeyMissingError when the content is sealed and the handle
// has no key.
func (s *Store) ReadSharedFileStream(ctx context.Context, name string) (io.ReadCloser, error) {
	if err := validateSharedName(name); err != nil {
		return nil, err
	}
	manifest, err := s.loadManifest(ctx, sharedManifestKey(name), func() error {
		return &NoSuchFileError{ID: FileID(sharedManifestKey(name))}
	})
	if err != nil {
		return nil, err
	}
	return s.contentReader(ctx, manifest, name)
}

// ReadSharedFile returns the named shared file's content.
func (s *Store) ReadSharedFile(ctx context.Context, name string) ([]byte, error) {
	reader, err := s.ReadSharedFileStream(ctx, name)
	if err != nil {
		return nil, err
	}
	defer reader.Close()
	var buffer bytes.Buffer
	if _, err := io.Copy(&buffer, reader); err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

// SharedFileExists reports whether the named shared file is present.
func (s *Store) SharedFileExists(ctx context.Context, name string) (bool, error) {
	if err := validateSharedName(name); err != nil {
		return false, err
	}
	manifest, err := s.loadManifest(ctx, sharedManifestKey(name), func() error { return nil })
	if err != nil {
		return false, err
	}
	return manifest != nil, nil
}

// DeleteSharedFile removes the named shared file. Idempotent.
func (s *Store) DeleteSharedFile(ctx context.Context, name string) error {
	if err := validateSharedName(name); err != nil {
		return err
	}
	manifest, err := s.loadManifest(ctx, sharedManifestKey(name), func() error { return nil })
	if err != nil || manifest == nil {
		return err
	}
	err = s.retry.run(ctx, "delete shared manifest", func() error {
		return s.drv.Delete(ctx, sharedManifestKey(name))
	})
	if err != nil {
		return err
	}
	s.deleteParts(ctx, manifest.Parts)
	// The published copy is plaintext even for protected names; it
	// must not outlive the file.
	return s.retry.run(ctx, "delete public copy", func() error {
		return s.drv.Delete(ctx, prefixPublic+sharedManifestKey(name))
	})
}

// SharedPublicURL returns a URL at which the shared file's content is
// directly readable. Sealed content requires the key; the published
// copy is plaintext.
func (s *Store) SharedPublicURL(ctx context.Context, name string) (string, error) {
	if err := validateSharedName(name); err != nil {
		return "", err
	}
	manifest, err := s.loadManifest(ctx, sharedManifestKey(name), func() error {
		return &NoSuchFileError{ID: FileID(sharedManifestKey(name))}
	})
	if err != nil {
		return "", err
	}
	return s.publishContent(ctx, manifest, name, prefixPublic+sharedManifestKey(name))
}
