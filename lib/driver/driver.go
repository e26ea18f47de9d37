// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package driver

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors returned by driver implementations. The job store
// maps these to its public error taxonomy; callers outside lib/driver
// should not need to match on them directly.
var (
	// ErrKeyExists is returned by Create when the key is already
	// occupied.
	ErrKeyExists = errors.New("key already exists")

	// ErrKeyNotFound is returned by Get, Stat and (never) Delete when
	// the key does not exist. Delete on a missing key succeeds.
	ErrKeyNotFound = errors.New("key not found")

	// ErrTransient marks a failure that is worth retrying: rate
	// limiting, a dropped connection, a 5xx from the substrate.
	// Drivers wrap the underlying error so that both the marker and
	// the cause are visible in the chain.
	ErrTransient = errors.New("transient backend failure")

	// ErrStoreExists is returned when provisioning a store at a
	// location that is already occupied.
	ErrStoreExists = errors.New("store location already occupied")

	// ErrLocationConflict is returned when provisioning finds the
	// location occupied by a store in a different region or account.
	ErrLocationConflict = errors.New("store location conflict")

	// ErrNoSuchStore is returned when opening a location that was
	// never provisioned (or has been destroyed).
	ErrNoSuchStore = errors.New("no store at location")
)

// Transient wraps err so that errors.Is(result, ErrTransient) holds.
// Drivers use it to tag rate limits, connection drops, and server
// errors for the job store's retry layer.
func Transient(err error) error {
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Driver is the capability contract a storage substrate must satisfy.
// It stores opaque byte values under slash-separated keys. The job
// store layers all of its semantics (job records, file manifests,
// multipart content, stats entries) on top of these primitives, so a
// substrate only needs: create-if-absent, overwrite, read, idempotent
// delete, and a prefix listing that may be stale but never invents
// keys that were never written.
//
// Values passed to Put and Create are bounded by the job store's part
// size, so drivers may buffer them whole.
//
// Implementations must be safe for concurrent use.
type Driver interface {
	// Create writes value at key only if the key is currently absent.
	// Returns ErrKeyExists otherwise. Substrates without an atomic
	// conditional write may approximate with a read-then-write; the
	// job store only calls Create with freshly generated unique keys,
	// so the race is unreachable in practice.
	Create(ctx context.Context, key string, value []byte) error

	// Put writes value at key, overwriting any previous value. The
	// new value must be visible atomically: a concurrent Get returns
	// either the old bytes or the new bytes, never a mix.
	Put(ctx context.Context, key string, value []byte) error

	// Get returns the value at key, or ErrKeyNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Stat returns the stored size of the value at key, or
	// ErrKeyNotFound.
	Stat(ctx context.Context, key string) (int64, error)

	// Delete removes the value at key. Deleting a missing key is not
	// an error.
	Delete(ctx context.Context, key string) error

	// List calls fn for every key with the given prefix. The listing
	// may lag recent writes and deletes (eventual consistency) but
	// must never report a key that was never written. Returning an
	// error from fn stops the listing and propagates the error.
	List(ctx context.Context, prefix string, fn func(key string) error) error

	// InlineLimit is the substrate-specific size in bytes at or below
	// which content is cheaper stored inside a record than as a
	// separate value. Zero disables inlining.
	InlineLimit() int

	// PublicURL returns a URL at which the value at key can be read
	// directly (a file:// path, a presigned GET, ...). Returns
	// ErrKeyNotFound if the key does not exist.
	PublicURL(ctx context.Context, key string) (string, error)

	// Destroy removes the physical store and everything in it.
	// Idempotent, and must succeed on a partially corrupted store.
	Destroy(ctx context.Context) error
}

// maxKeyLength bounds key sizes across all substrates. Object stores
// commonly cap object names at 1024 bytes; staying well below leaves
// room for prefixes added by operators.
const maxKeyLength = 512

// ValidateKey checks that key is acceptable to every driver: non-empty
// slash-separated segments of printable ASCII, no traversal segments,
// no leading or trailing slash.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty key")
	}
	if len(key) > maxKeyLength {
		return fmt.Errorf("key length %d exceeds %d", len(key), maxKeyLength)
	}
	if strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") {
		return fmt.Errorf("key %q has a leading or trailing slash", key)
	}
	for _, segment := range strings.Split(key, "/") {
		if segment == "" {
			return fmt.Errorf("key %q contains an empty segment", key)
		}
		if segment == "." || segment == ".." {
			return fmt.Errorf("key %q contains a traversal segment", key)
		}
		for _, r := range segment {
			if r < 0x21 || r > 0x7e {
				return fmt.Errorf("key %q contains byte %q outside printable ASCII", key, r)
			}
		}
	}
	return nil
}
