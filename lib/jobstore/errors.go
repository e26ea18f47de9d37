// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package jobstore

import (
	"errors"
	"fmt"

	"github.com/quarryworks/quarry/lib/driver"
)

// NoSuchJobError reports an operation on a job ID the store does not
// hold. Callers racing concurrent cleanup treat it as "already gone".
type NoSuchJobError struct {
	ID string
}

func (e *NoSuchJobError) Error() string {
	return fmt.Sprintf("no such job: %s", e.ID)
}

// NoSuchFileError reports an operation on a file ID the store does not
// hold.
type NoSuchFileError struct {
	ID FileID
}

func (e *NoSuchFileError) Error() string {
	return fmt.Sprintf("no such file: %s", e.ID)
}

// StoreExistsError reports an attempt to create a store at a locator
// already holding one. Wraps the driver cause, so errors.Is also
// matches driver.ErrLocationConflict when the collision is a bucket in
// the wrong region.
type StoreExistsError struct {
	Locator string
	Err     error
}

func (e *StoreExistsError) Error() string {
	return fmt.Sprintf("store already exists at %s: %v", e.Locator, e.Err)
}

func (e *StoreExistsError) Unwrap() error { return e.Err }

// NoSuchStoreError reports an attempt to open a locator where no store
// has been created.
type NoSuchStoreError struct {
	Locator string
}

func (e *NoSuchStoreError) Error() string {
	return fmt.Sprintf("no store at %s", e.Locator)
}

// EncryptionKeyMissingError reports a read of encrypted content
// through a store handle opened without the key.
type EncryptionKeyMissingError struct {
	Name string
}

func (e *EncryptionKeyMissingError) Error() string {
	return fmt.Sprintf("content of %q is encrypted but no key was provided", e.Name)
}

// BackendUnavailableError reports that the storage backend kept
// failing transiently until the retry budget ran out.
type BackendUnavailableError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *BackendUnavailableError) Error() string {
	return fmt.Sprintf("backend unavailable: %s failed after %d attempts: %v",
		e.Op, e.Attempts, e.Err)
}

func (e *BackendUnavailableError) Unwrap() error { return e.Err }

// ValidationError reports malformed caller input: a bad locator, an
// illegal store name, an invalid part size.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsNoSuchJob reports whether err is a NoSuchJobError.
func IsNoSuchJob(err error) bool {
	var target *NoSuchJobError
	return errors.As(err, &target)
}

// IsNoSuchFile reports whether err is a NoSuchFileError.
func IsNoSuchFile(err error) bool {
	var target *NoSuchFileError
	return errors.As(err, &target)
}

// mapStoreOpenErr converts driver-level store lifecycle failures into
// the store-level vocabulary.
func mapStoreOpenErr(locator string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, driver.ErrStoreExists), errors.Is(err, driver.ErrLocationConflict):
		return &StoreExistsError{Locator: locator, Err: err}
	case errors.Is(err, driver.ErrNoSuchStore):
		return &NoSuchStoreError{Locator: locator}
	default:
		return err
	}
}
