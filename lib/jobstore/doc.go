// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

// Package jobstore is the persistence layer for a distributed
// workflow engine: job records with their dependency graph, binary
// artifacts with streaming and multipart transfer, store-wide shared
// files with optional encryption, append-only stats aggregation, and
// reachability-based cleanup.
//
// A Store is one handle onto a physical store identified by a locator
// such as "file:/var/lib/quarry/run7" or "s3:us-west-2:quarry-run7".
// Many handles, across processes, may operate on the same physical
// store concurrently; the contract requires only single-key atomicity
// from the substrate and tolerates eventually consistent listings.
// All structured records are deterministic CBOR, all content is
// hashed with BLAKE3 and verified on read, and large content is
// chunked into immutable compressed parts committed by a trailing
// manifest so readers never observe partial writes.
package jobstore
