// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

// Package driver defines the capability interface between the job
// store and its physical substrates.
//
// A driver stores opaque byte values under opaque keys and promises
// very little: create-if-absent, overwrite, read, idempotent delete,
// and a possibly stale prefix listing. Everything stronger — record
// durability ordering, multipart visibility, crash-safe file deletion —
// is built above this interface in lib/jobstore, so it holds on every
// substrate, including eventually consistent object stores.
//
// Concrete substrates live in subpackages: fsdriver (local
// filesystem), memdriver (in-memory, for tests), s3driver
// (S3-compatible object storage).
package driver
