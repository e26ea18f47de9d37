// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package fsdriver

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/quarryworks/quarry/lib/driver"
)

// tmpDir holds in-flight writes before their atomic rename into place.
// It lives inside the store root so renames never cross filesystems.
const tmpDir = ".tmp"

// inlineLimit is the size at or below which the job store inlines
// content into its manifest record instead of writing a separate
// value file. One small file beats a manifest plus a one-block part.
const inlineLimit = 16 * 1024

// FS is a filesystem-backed driver. Keys map to paths under the store
// root; writes go through a temp file and an atomic rename so readers
// never observe partial values.
type FS struct {
	root string
}

// Provision creates a new store directory at root. Fails with
// driver.ErrStoreExists when root already holds a provisioned store.
func Provision(root string) (*FS, error) {
	if _, err := os.Stat(filepath.Join(root, tmpDir)); err == nil {
		return nil, fmt.Errorf("provisioning %s: %w", root, driver.ErrStoreExists)
	}
	for _, dir := range []string{root, filepath.Join(root, tmpDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory %s: %w", dir, err)
		}
	}
	return &FS{root: root}, nil
}

// Open attaches to an existing store directory. Fails with
// driver.ErrNoSuchStore when root was never provisioned.
func Open(root string) (*FS, error) {
	info, err := os.Stat(filepath.Join(root, tmpDir))
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("opening %s: %w", root, driver.ErrNoSuchStore)
	}
	return &FS{root: root}, nil
}

// Root returns the store's root directory.
func (d *FS) Root() string { return d.root }

func (d *FS) path(key string) string {
	return filepath.Join(d.root, filepath.FromSlash(key))
}

// Create writes value at key only if absent. The value is staged in
// the temp directory and linked into place; link fails with EEXIST
// when the key is already occupied, which makes the existence check
// and the write a single atomic step.
func (d *FS) Create(ctx context.Context, key string, value []byte) error {
	if err := driver.ValidateKey(key); err != nil {
		return err
	}
	staged, err := d.stage(value)
	if err != nil {
		return err
	}
	defer os.Remove(staged)

	target := d.path(key)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("creating parent directory for %s: %w", key, err)
	}
	if err := os.Link(staged, target); err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("creating %s: %w", key, driver.ErrKeyExists)
		}
		return fmt.Errorf("creating %s: %w", key, err)
	}
	return nil
}

// Put writes value at key, replacing any previous value via atomic
// rename.
func (d *FS) Put(ctx context.Context, key string, value []byte) error {
	if err := driver.ValidateKey(key); err != nil {
		return err
	}
	staged, err := d.stage(value)
	if err != nil {
		return err
	}

	target := d.path(key)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		os.Remove(staged)
		return fmt.Errorf("creating parent directory for %s: %w", key, err)
	}
	if err := os.Rename(staged, target); err != nil {
		os.Remove(staged)
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return nil
}

// Get returns the value at key.
func (d *FS) Get(ctx context.Context, key string) ([]byte, error) {
	if err := driver.ValidateKey(key); err != nil {
		return nil, err
	}
	value, err := os.ReadFile(d.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("reading %s: %w", key, driver.ErrKeyNotFound)
		}
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	return value, nil
}

// Stat returns the stored size of the value at key.
func (d *FS) Stat(ctx context.Context, key string) (int64, error) {
	if err := driver.ValidateKey(key); err != nil {
		return 0, err
	}
	info, err := os.Stat(d.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("stating %s: %w", key, driver.ErrKeyNotFound)
		}
		return 0, fmt.Errorf("stating %s: %w", key, err)
	}
	return info.Size(), nil
}

// Delete removes the value at key. Missing keys are not an error.
// Empty parent directories are left in place; Destroy removes them.
func (d *FS) Delete(ctx context.Context, key string) error {
	if err := driver.ValidateKey(key); err != nil {
		return err
	}
	if err := os.Remove(d.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}

// List calls fn for every key under prefix, in lexicographic order.
// The filesystem gives a consistent listing, which trivially satisfies
// the never-fabricate contract.
func (d *FS) List(ctx context.Context, prefix string, fn func(key string) error) error {
	var keys []string
	err := filepath.WalkDir(d.root, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if entry.IsDir() {
			if path == filepath.Join(d.root, tmpDir) {
				return filepath.SkipDir
			}
			return nil
		}
		relative, err := filepath.Rel(d.root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(relative)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("listing %q: %w", prefix, err)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(key); err != nil {
			return err
		}
	}
	return nil
}

// InlineLimit reports the filesystem inlining threshold.
func (d *FS) InlineLimit() int { return inlineLimit }

// PublicURL returns a file:// URL for the value at key.
func (d *FS) PublicURL(ctx context.Context, key string) (string, error) {
	if _, err := d.Stat(ctx, key); err != nil {
		return "", err
	}
	return "file://" + d.path(key), nil
}

// Destroy removes the store root and everything in it. Idempotent,
// and indifferent to corruption: RemoveAll succeeds on whatever is
// left.
func (d *FS) Destroy(ctx context.Context) error {
	if err := os.RemoveAll(d.root); err != nil {
		return fmt.Errorf("destroying %s: %w", d.root, err)
	}
	return nil
}

// stage writes value to a fresh temp file inside the store and
// returns its path. The caller renames or links it into place.
func (d *FS) stage(value []byte) (string, error) {
	file, err := os.CreateTemp(filepath.Join(d.root, tmpDir), "put-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := file.Write(value); err != nil {
		file.Close()
		os.Remove(file.Name())
		return "", fmt.Errorf("writing temp file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(file.Name())
		return "", fmt.Errorf("closing temp file: %w", err)
	}
	return file.Name(), nil
}
