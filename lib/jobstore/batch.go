// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package jobstore

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// batchWriters bounds the concurrent record writes during a batch
// flush.
const batchWriters = 8

// Batch queues job creations for a single flush. See Store.Batch.
type Batch struct {
	pending []*JobRecord
}

// Create queues a job for creation and returns the record with its
// assigned ID. The ID is usable immediately for wiring the graph
// (stack references between batched jobs), but the record is durable
// only once the batch scope exits normally.
func (b *Batch) Create(template *JobRecord) *JobRecord {
	record := *template
	record.ID = uuid.NewString()
	b.pending = append(b.pending, &record)
	return &record
}

// Batch runs fn with a batch scope and, when fn returns nil, flushes
// every queued creation with bounded concurrency. After a nil return
// all batched jobs are durably visible. When fn returns an error, no
// queued job is written and the error is returned unchanged.
func (s *Store) Batch(ctx context.Context, fn func(*Batch) error) error {
	batch := &Batch{}
	if err := fn(batch); err != nil {
		return err
	}

	jobs := make(chan *JobRecord)
	errs := make(chan error, batchWriters)
	var wg sync.WaitGroup
	for range batchWriters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var failed bool
			for record := range jobs {
				if failed {
					// Keep draining so the feeder never blocks.
					continue
				}
				if err := s.putJob(ctx, record, true); err != nil {
					errs <- err
					failed = true
				}
			}
		}()
	}

	for _, record := range batch.pending {
		jobs <- record
	}
	close(jobs)
	wg.Wait()
	close(errs)

	var flushErrs []error
	for err := range errs {
		flushErrs = append(flushErrs, err)
	}
	if err := ctx.Err(); err != nil {
		flushErrs = append(flushErrs, err)
	}
	return errors.Join(flushErrs...)
}
