// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package jobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/quarryworks/quarry/lib/clock"
	"github.com/quarryworks/quarry/lib/codec"
	"github.com/quarryworks/quarry/lib/driver"
	"github.com/quarryworks/quarry/lib/driver/s3driver"
	"github.com/quarryworks/quarry/lib/seal"
)

// partCacheEntries bounds the read cache of immutable part blobs.
// Parts at or below partCacheableSize are cached after a verified
// read; since part keys are never rewritten, a hit can skip the
// backend entirely.
const (
	partCacheEntries  = 64
	partCacheableSize = 256 * 1024
)

// Options configures a store handle. The zero value is usable for
// local stores: it selects the default part size, no encryption, a
// discard logger, and the real clock.
type Options struct {
	// Registry resolves locator schemes. Nil selects the production
	// registry configured with S3 below.
	Registry *Registry

	// S3 configures object-storage access: the default registry's
	// s3 locator scheme and the native s3:// import/export scheme.
	// The zero value is anonymous AWS access.
	S3 s3driver.Config

	// PartSize is the multipart chunk size. Zero selects
	// DefaultPartSize. Must be a positive multiple of PartSizeQuantum.
	PartSize int64

	// Key enables encryption of protected shared files. Nil handles
	// can still read unprotected content and fail typed on protected.
	Key *seal.Key

	// Logger receives operational logs. Nil discards.
	Logger *slog.Logger

	// Clock drives retry backoff. Nil selects the real clock.
	Clock clock.Clock

	// RetryAttempts and RetryBaseDelay override the transient-failure
	// backoff schedule. Zero values select the defaults.
	RetryAttempts  int
	RetryBaseDelay time.Duration

	// URLHandlers maps URL schemes to import/export handlers, merged
	// over the built-in file/http/https/ftp/s3 set. A nil map keeps
	// the built-ins only.
	URLHandlers map[string]URLHandler
}

func (o Options) partSize() (int64, error) {
	size := o.PartSize
	if size == 0 {
		size = DefaultPartSize
	}
	if size <= 0 || size%PartSizeQuantum != 0 {
		return 0, &ValidationError{
			Field:  "part size",
			Reason: fmt.Sprintf("%d is not a positive multiple of %d", size, PartSizeQuantum),
		}
	}
	return size, nil
}

// Store is one handle onto a physical job store. Handles are safe for
// concurrent use; multiple handles (in one process or many) may point
// at the same physical store.
type Store struct {
	locator  Locator
	drv      driver.Driver
	partSize int64
	key      *seal.Key
	logger   *slog.Logger
	retry    *retrier
	handlers map[string]URLHandler

	// partCache holds verified stored-part bytes keyed by part key.
	// Safe because part keys are write-once.
	partCache *lru.Cache[string, []byte]
}

func newStore(locator Locator, drv driver.Driver, opts Options) (*Store, error) {
	partSize, err := opts.partSize()
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}
	attempts := opts.RetryAttempts
	if attempts == 0 {
		attempts = retryMaxAttempts
	}
	base := opts.RetryBaseDelay
	if base == 0 {
		base = retryBaseDelay
	}
	cache, err := lru.New[string, []byte](partCacheEntries)
	if err != nil {
		return nil, fmt.Errorf("creating part cache: %w", err)
	}
	store := &Store{
		locator:   locator,
		drv:       drv,
		partSize:  partSize,
		key:       opts.Key,
		logger:    logger.With("store", locator.String()),
		retry:     &retrier{clock: clk, logger: logger, attempts: attempts, base: base},
		handlers:  builtinHandlers(opts.S3),
		partCache: cache,
	}
	for scheme, handler := range opts.URLHandlers {
		store.handlers[scheme] = handler
	}
	return store, nil
}

func resolve(locator string, opts Options) (Locator, Opener, error) {
	parsed, err := ParseLocator(locator)
	if err != nil {
		return Locator{}, nil, err
	}
	registry := opts.Registry
	if registry == nil {
		registry = NewDefaultRegistry(opts.S3)
	}
	opener, err := registry.opener(parsed.Scheme)
	if err != nil {
		return Locator{}, nil, err
	}
	return parsed, opener, nil
}

// CreateStore provisions a new physical store at the locator and
// returns a handle onto it. Fails with StoreExistsError when the
// location is already occupied (including a marked store left behind
// by a previous workflow).
func CreateStore(ctx context.Context, locator string, opts Options) (*Store, error) {
	parsed, opener, err := resolve(locator, opts)
	if err != nil {
		return nil, err
	}
	drv, err := opener.Provision(ctx, parsed.Spec)
	if err != nil {
		return nil, mapStoreOpenErr(locator, err)
	}
	store, err := newStore(parsed, drv, opts)
	if err != nil {
		return nil, err
	}

	marker, err := codec.Marshal(storeMarker{
		FormatVersion: currentFormatVersion,
		CreatedAt:     store.retry.clock.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("encoding store marker: %w", err)
	}
	err = store.retry.run(ctx, "create store marker", func() error {
		return store.drv.Create(ctx, keyStoreMarker, marker)
	})
	if errors.Is(err, driver.ErrKeyExists) {
		return nil, &StoreExistsError{Locator: locator, Err: err}
	}
	if err != nil {
		return nil, err
	}
	store.logger.Info("store created")
	return store, nil
}

// OpenStore attaches to an existing store. Fails with
// NoSuchStoreError when the locator points at nothing, or at a
// substrate that was never marked as a store.
func OpenStore(ctx context.Context, locator string, opts Options) (*Store, error) {
	parsed, opener, err := resolve(locator, opts)
	if err != nil {
		return nil, err
	}
	drv, err := opener.Open(ctx, parsed.Spec)
	if err != nil {
		return nil, mapStoreOpenErr(locator, err)
	}
	store, err := newStore(parsed, drv, opts)
	if err != nil {
		return nil, err
	}

	raw, err := getRetry(ctx, store.retry, "read store marker", func() ([]byte, error) {
		return store.drv.Get(ctx, keyStoreMarker)
	})
	if errors.Is(err, driver.ErrKeyNotFound) {
		return nil, &NoSuchStoreError{Locator: locator}
	}
	if err != nil {
		return nil, err
	}
	var marker storeMarker
	if err := codec.Unmarshal(raw, &marker); err != nil {
		return nil, fmt.Errorf("decoding store marker at %s: %w", locator, err)
	}
	if marker.FormatVersion > currentFormatVersion {
		return nil, fmt.Errorf("store at %s uses format version %d, this build supports up to %d",
			locator, marker.FormatVersion, currentFormatVersion)
	}
	return store, nil
}

// DestroyStore deletes the physical store at the locator with all its
// contents. Idempotent: a locator with no store is success. Succeeds
// on partially corrupted stores; it never reads records, only deletes.
func DestroyStore(ctx context.Context, locator string, opts Options) error {
	parsed, opener, err := resolve(locator, opts)
	if err != nil {
		return err
	}
	drv, err := opener.Open(ctx, parsed.Spec)
	if errors.Is(err, driver.ErrNoSuchStore) {
		return nil
	}
	if err != nil {
		return mapStoreOpenErr(locator, err)
	}
	store, err := newStore(parsed, drv, opts)
	if err != nil {
		return err
	}
	return store.Destroy(ctx)
}

// Destroy deletes the handle's physical store and all contents. The
// handle is unusable afterwards.
func (s *Store) Destroy(ctx context.Context) error {
	err := s.retry.run(ctx, "destroy store", func() error {
		return s.drv.Destroy(ctx)
	})
	if err != nil {
		return err
	}
	s.partCache.Purge()
	s.logger.Info("store destroyed")
	return nil
}

// Locator returns the locator this handle was opened with.
func (s *Store) Locator() string { return s.locator.String() }

// PartSize returns the effective multipart chunk size.
func (s *Store) PartSize() int64 { return s.partSize }

// CreateJob persists a new job from the template. The template's ID
// field is ignored; the store assigns a fresh unique ID and returns
// the persisted record.
func (s *Store) CreateJob(ctx context.Context, template *JobRecord) (*JobRecord, error) {
	record := *template
	record.ID = uuid.NewString()
	if err := s.putJob(ctx, &record, true); err != nil {
		return nil, err
	}
	return &record, nil
}

// Exists reports whether the job ID is present. Never fails for a
// missing ID.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	_, err := getRetry(ctx, s.retry, "stat job", func() (int64, error) {
		return s.drv.Stat(ctx, prefixJobs+id)
	})
	if errors.Is(err, driver.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// LoadJob returns the record last committed for the ID. Fails with
// NoSuchJobError if absent. Reads-after-durable-write hold across
// handles: any handle onto the same physical store sees the update.
func (s *Store) LoadJob(ctx context.Context, id string) (*JobRecord, error) {
	raw, err := getRetry(ctx, s.retry, "load job", func() ([]byte, error) {
		return s.drv.Get(ctx, prefixJobs+id)
	})
	if errors.Is(err, driver.ErrKeyNotFound) {
		return nil, &NoSuchJobError{ID: id}
	}
	if err != nil {
		return nil, err
	}
	var record JobRecord
	if err := codec.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("decoding job %s: %w", id, err)
	}
	if record.ID != id {
		return nil, fmt.Errorf("job record %s carries mismatched ID %q", id, record.ID)
	}
	return &record, nil
}

// UpdateJob overwrites the job's record with the given one. Full
// overwrite, last writer wins: the store does not detect concurrent
// writers to the same ID, serializing them is the engine's contract.
func (s *Store) UpdateJob(ctx context.Context, record *JobRecord) error {
	if record.ID == "" {
		return &ValidationError{Field: "job record", Reason: "empty ID, record was never created"}
	}
	return s.putJob(ctx, record, false)
}

func (s *Store) putJob(ctx context.Context, record *JobRecord, create bool) error {
	raw, err := codec.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding job %s: %w", record.ID, err)
	}
	key := prefixJobs + record.ID
	if create {
		return s.retry.run(ctx, "create job", func() error {
			return s.drv.Create(ctx, key, raw)
		})
	}
	return s.retry.run(ctx, "update job", func() error {
		return s.drv.Put(ctx, key, raw)
	})
}

// DeleteJob removes the job record. Idempotent; deleting a missing ID
// is success. Owned files are not cascaded here — filesToDelete and
// the cleanup engine are the deletion protocol for those.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	return s.retry.run(ctx, "delete job", func() error {
		return s.drv.Delete(ctx, prefixJobs+id)
	})
}

// Jobs calls fn for every job in the store. The listing is finite and
// may lag recent mutations on eventually consistent substrates, but
// never fabricates jobs. A job deleted mid-iteration is skipped
// rather than surfaced as an error.
func (s *Store) Jobs(ctx context.Context, fn func(*JobRecord) error) error {
	return s.drv.List(ctx, prefixJobs, func(key string) error {
		id := key[len(prefixJobs):]
		record, err := s.LoadJob(ctx, id)
		if IsNoSuchJob(err) {
			return nil
		}
		if err != nil {
			return err
		}
		return fn(record)
	})
}

// CreateRootJob persists a new job and marks it as the workflow's
// root. The root is the cleanup engine's reachability origin.
func (s *Store) CreateRootJob(ctx context.Context, template *JobRecord) (*JobRecord, error) {
	record, err := s.CreateJob(ctx, template)
	if err != nil {
		return nil, err
	}
	pointer, err := codec.Marshal(rootPointer{JobID: record.ID})
	if err != nil {
		return nil, fmt.Errorf("encoding root pointer: %w", err)
	}
	err = s.retry.run(ctx, "set root job", func() error {
		return s.drv.Put(ctx, keyRootJob, pointer)
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// LoadRootJob returns the workflow's root job. Fails with
// NoSuchJobError when no root was ever created or the root record was
// deleted.
func (s *Store) LoadRootJob(ctx context.Context) (*JobRecord, error) {
	id, err := s.rootJobID(ctx)
	if err != nil {
		return nil, err
	}
	if id == "" {
		return nil, &NoSuchJobError{ID: "(root)"}
	}
	return s.LoadJob(ctx, id)
}

// rootJobID returns the root pointer's target, or "" when no root
// pointer exists.
func (s *Store) rootJobID(ctx context.Context) (string, error) {
	raw, err := getRetry(ctx, s.retry, "read root pointer", func() ([]byte, error) {
		return s.drv.Get(ctx, keyRootJob)
	})
	if errors.Is(err, driver.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	var pointer rootPointer
	if err := codec.Unmarshal(raw, &pointer); err != nil {
		return "", fmt.Errorf("decoding root pointer: %w", err)
	}
	return pointer.JobID, nil
}

// readCloser adapts a draining function onto an io.ReadCloser.
type readCloser struct {
	io.Reader
	close func() error
}

func (r *readCloser) Close() error {
	if r.close == nil {
		return nil
	}
	return r.close()
}
