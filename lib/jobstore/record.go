// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package jobstore

import (
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quarryworks/quarry/lib/compress"
)

// DefaultPartSize is the multipart chunk size used when Options does
// not override it: 5 MiB, large enough that per-part request overhead
// is amortized, small enough that a retry of one part is cheap.
const DefaultPartSize = 5 * 1024 * 1024

// PartSizeQuantum is the granularity part sizes must align to. It is
// the transfer copy-buffer size; an aligned part size means a part
// boundary never splits a buffer.
const PartSizeQuantum = 64 * 1024

// Key layout inside one store. Everything the store persists lives
// under one of these fixed prefixes, so Destroy and the cleanup sweep
// can enumerate by kind.
const (
	keyStoreMarker = "store"
	keyRootJob     = "root"

	prefixJobs      = "jobs/"
	prefixFiles     = "files/"
	prefixParts     = "parts/"
	prefixShared    = "shared/"
	prefixStatsNew  = "stats/new/"
	prefixStatsRead = "stats/read/"
	prefixPublic    = "public/"
)

// unownedFiles is the owner segment for files written without an
// owning job.
const unownedFiles = "global"

// FileID identifies one stored file: "<owner>/<unique>/<basename>".
// The owner segment ties the file to the job whose deletion removes
// it ("global" for unowned files), and the basename survives the round
// trip so exported files keep their extension.
type FileID string

// newFileID mints a FileID under the given owner. An empty owner maps
// to the unowned segment. The basename is sanitized to its final path
// element; an empty basename gets a placeholder so the ID always has
// three segments.
func newFileID(owner, basename string) FileID {
	if owner == "" {
		owner = unownedFiles
	}
	basename = path.Base(basename)
	if basename == "." || basename == "/" || basename == "" {
		basename = "file"
	}
	return FileID(owner + "/" + uuid.NewString() + "/" + basename)
}

// newWriteID mints the unique segment for one write's part keys. A
// fresh ID per write makes part blobs write-once: an update or abort
// never touches the keys a concurrent reader may be fetching.
func newWriteID() string { return uuid.NewString() }

// Basename returns the file's original name component.
func (id FileID) Basename() string {
	return path.Base(string(id))
}

// owner returns the owner segment, or the unowned marker for
// malformed IDs.
func (id FileID) owner() string {
	owner, _, found := strings.Cut(string(id), "/")
	if !found {
		return unownedFiles
	}
	return owner
}

// manifestKey returns the driver key of the file's manifest record.
func (id FileID) manifestKey() string {
	return prefixFiles + string(id)
}

// Requirements are the scheduling resources a job asks for. The store
// persists them opaquely; scheduling is the engine's concern.
type Requirements struct {
	Memory      int64   `cbor:"memory"`
	Cores       float64 `cbor:"cores"`
	Disk        int64   `cbor:"disk"`
	Preemptable bool    `cbor:"preemptable"`
}

// JobRecord is the persisted description of one job: its command, its
// position in the workflow graph, and its bookkeeping state. Update
// semantics are whole-record last-writer-wins; the engine guarantees a
// single writer per job, so the store does not detect write conflicts.
type JobRecord struct {
	// ID is assigned by the store at creation and never changes.
	ID string `cbor:"id"`

	// Command is the unit of work to execute.
	Command string `cbor:"command"`

	// Requirements are the job's resource requests.
	Requirements Requirements `cbor:"requirements"`

	// JobName and UnitName are human-readable labels for logs.
	JobName  string `cbor:"job_name"`
	UnitName string `cbor:"unit_name"`

	// Stack holds the IDs of successor jobs, outermost phase first.
	// Each inner slice is one phase of jobs that may run concurrently.
	Stack [][]string `cbor:"stack,omitempty"`

	// PredecessorNumber is how many predecessors must finish before
	// this job runs; PredecessorsFinished tracks which have.
	PredecessorNumber    int             `cbor:"predecessor_number,omitempty"`
	PredecessorsFinished map[string]bool `cbor:"predecessors_finished,omitempty"`

	// FilesToDelete lists files whose deletion this job has committed
	// to. Cleanup completes the deletions if the job dies mid-way.
	FilesToDelete []FileID `cbor:"files_to_delete,omitempty"`

	// LogFileID points to the job's captured log, if any.
	LogFileID FileID `cbor:"log_file_id,omitempty"`

	// RemainingRetryCount is decremented by the engine on each failed
	// attempt.
	RemainingRetryCount int `cbor:"remaining_retry_count,omitempty"`
}

// successors returns every job ID reachable in one hop from this
// record's stack.
func (r *JobRecord) successors() []string {
	var ids []string
	for _, phase := range r.Stack {
		ids = append(ids, phase...)
	}
	return ids
}

// storeMarker is the record at the fixed "store" key. Its presence
// distinguishes a provisioned store from an empty substrate, and its
// version gates format changes.
type storeMarker struct {
	FormatVersion int       `cbor:"format_version"`
	CreatedAt     time.Time `cbor:"created_at"`
}

// currentFormatVersion is the store layout version this code writes.
const currentFormatVersion = 1

// rootPointer is the record at the fixed "root" key, naming the
// workflow's root job.
type rootPointer struct {
	JobID string `cbor:"job_id"`
}

// fileManifest is the metadata record for one stored file. Small
// content is carried inline; large content is split into parts stored
// under their own keys, and the manifest commits last so a file is
// visible only when complete.
type fileManifest struct {
	ID    FileID `cbor:"id"`
	Owner string `cbor:"owner"`

	// Size is the logical content length in bytes.
	Size int64 `cbor:"size"`

	// Checksum is the BLAKE3 hash of the full plaintext content.
	Checksum []byte `cbor:"checksum"`

	// Encrypted marks content sealed with the store's master key.
	Encrypted bool `cbor:"encrypted,omitempty"`

	// Inline holds the content when it fits the driver's inline limit;
	// Parts is empty in that case. Stored form (compressed, possibly
	// sealed), with InlineCompression naming the transform.
	Inline            []byte       `cbor:"inline,omitempty"`
	InlineCompression compress.Tag `cbor:"inline_compression,omitempty"`

	// Parts lists the content chunks in order. PartSize is the raw
	// chunk size used by the writer (the last part may be shorter).
	Parts    []partRef `cbor:"parts,omitempty"`
	PartSize int64     `cbor:"part_size,omitempty"`
}

// partRef points at one stored content chunk.
type partRef struct {
	// Key is the driver key of the stored part blob. Part keys embed a
	// per-write unique ID, so a part blob is never overwritten.
	Key string `cbor:"key"`

	// Size is the stored (compressed, possibly sealed) length; RawSize
	// is the plaintext chunk length.
	Size    int64 `cbor:"size"`
	RawSize int64 `cbor:"raw_size"`

	// Compression is the per-part compression tag.
	Compression compress.Tag `cbor:"compression"`

	// Checksum is the BLAKE3 hash of the stored bytes, verified on
	// every read.
	Checksum []byte `cbor:"checksum"`
}
