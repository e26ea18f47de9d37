// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package jobstore

import (
	"context"
	"fmt"
	"strings"
)

// CleanStats summarizes one cleanup pass.
type CleanStats struct {
	// JobsDeleted counts unreachable job records removed.
	JobsDeleted int

	// FilesDeleted counts file manifests removed, both those owned by
	// deleted jobs and those processed from filesToDelete lists.
	FilesDeleted int

	// DanglingRefsPruned counts stack references to nonexistent jobs
	// removed from surviving records.
	DanglingRefsPruned int

	// PartsSwept counts orphaned part blobs removed (left behind by
	// crashed writes that never committed or finished aborting).
	PartsSwept int
}

// Clean walks the job graph from the root and removes everything
// unreachable: job records, the files they own, dangling stack
// references in surviving records, committed filesToDelete entries,
// and orphaned part blobs.
//
// When cache holds a pre-fetched snapshot of all jobs (keyed by ID),
// the reachability walk uses it verbatim and issues no job listing or
// job reads against the backend. This is a performance contract: the
// engine snapshots the graph once during recovery and cleanup must
// not re-list it.
//
// A store with no root pointer is left untouched; cleanup without a
// defined root set would delete everything.
func (s *Store) Clean(ctx context.Context, cache map[string]*JobRecord) (CleanStats, error) {
	var stats CleanStats

	jobs := cache
	if jobs == nil {
		jobs = make(map[string]*JobRecord)
		err := s.Jobs(ctx, func(record *JobRecord) error {
			jobs[record.ID] = record
			return nil
		})
		if err != nil {
			return stats, fmt.Errorf("listing jobs for cleanup: %w", err)
		}
	}

	rootID, err := s.rootJobID(ctx)
	if err != nil {
		return stats, err
	}
	if rootID == "" {
		s.logger.Warn("cleanup skipped, store has no root job")
		return stats, nil
	}

	reachable := reachableFrom(rootID, jobs)

	// Remove unreachable jobs with the files they own.
	for id := range jobs {
		if reachable[id] {
			continue
		}
		deleted, err := s.deleteJobAndFiles(ctx, id)
		stats.FilesDeleted += deleted
		if err != nil {
			return stats, err
		}
		stats.JobsDeleted++
	}

	// Repair the survivors: complete committed file deletions and drop
	// stack references to jobs that no longer exist.
	for id, record := range jobs {
		if !reachable[id] {
			continue
		}
		changed := false

		for _, fileID := range record.FilesToDelete {
			if err := s.DeleteFile(ctx, fileID); err != nil {
				return stats, err
			}
			stats.FilesDeleted++
		}
		if len(record.FilesToDelete) > 0 {
			record.FilesToDelete = nil
			changed = true
		}

		pruned, err := s.pruneStack(ctx, record, jobs)
		if err != nil {
			return stats, err
		}
		if pruned > 0 {
			stats.DanglingRefsPruned += pruned
			changed = true
		}

		if changed {
			if err := s.UpdateJob(ctx, record); err != nil {
				return stats, err
			}
		}
	}

	swept, err := s.sweepOrphanParts(ctx)
	stats.PartsSwept = swept
	if err != nil {
		return stats, err
	}

	s.logger.Info("cleanup finished",
		"jobs_deleted", stats.JobsDeleted,
		"files_deleted", stats.FilesDeleted,
		"dangling_refs_pruned", stats.DanglingRefsPruned,
		"parts_swept", stats.PartsSwept,
	)
	return stats, nil
}

// reachableFrom walks stack references breadth-first from the root.
// Successor IDs without a record in the snapshot are still marked
// reachable: they may be jobs the (possibly stale) listing missed.
func reachableFrom(rootID string, jobs map[string]*JobRecord) map[string]bool {
	reachable := map[string]bool{rootID: true}
	frontier := []string{rootID}
	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		record, ok := jobs[id]
		if !ok {
			continue
		}
		for _, successor := range record.successors() {
			if !reachable[successor] {
				reachable[successor] = true
				frontier = append(frontier, successor)
			}
		}
	}
	return reachable
}

// deleteJobAndFiles removes one job record and every file manifest
// owned by it. Returns the number of files deleted.
func (s *Store) deleteJobAndFiles(ctx context.Context, id string) (int, error) {
	if err := s.DeleteJob(ctx, id); err != nil {
		return 0, err
	}
	var owned []FileID
	err := s.drv.List(ctx, prefixFiles+id+"/", func(key string) error {
		owned = append(owned, FileID(key[len(prefixFiles):]))
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("listing files of job %s: %w", id, err)
	}
	for _, fileID := range owned {
		if err := s.DeleteFile(ctx, fileID); err != nil {
			return 0, err
		}
	}
	return len(owned), nil
}

// pruneStack removes stack references to jobs that are neither in the
// snapshot nor present in the backend. The existence probe guards
// against a stale snapshot: a reference is only pruned when the
// backend confirms the job is gone.
func (s *Store) pruneStack(ctx context.Context, record *JobRecord, jobs map[string]*JobRecord) (int, error) {
	pruned := 0
	var stack [][]string
	for _, phase := range record.Stack {
		var kept []string
		for _, successor := range phase {
			if _, ok := jobs[successor]; ok {
				kept = append(kept, successor)
				continue
			}
			exists, err := s.Exists(ctx, successor)
			if err != nil {
				return pruned, err
			}
			if exists {
				kept = append(kept, successor)
			} else {
				pruned++
			}
		}
		if len(kept) > 0 {
			stack = append(stack, kept)
		}
	}
	if pruned > 0 {
		record.Stack = stack
	}
	return pruned, nil
}

// sweepOrphanParts deletes part blobs no manifest references. Crashed
// writers leave these behind: parts upload before the manifest
// commits, so an interrupted write orphans its finished parts.
func (s *Store) sweepOrphanParts(ctx context.Context) (int, error) {
	referenced := make(map[string]bool)
	collect := func(key string) error {
		manifest, err := s.loadManifest(ctx, key, func() error { return nil })
		if err != nil || manifest == nil {
			return err
		}
		for _, part := range manifest.Parts {
			referenced[part.Key] = true
		}
		return nil
	}
	if err := s.drv.List(ctx, prefixFiles, collect); err != nil {
		return 0, fmt.Errorf("listing file manifests: %w", err)
	}
	if err := s.drv.List(ctx, prefixShared, collect); err != nil {
		return 0, fmt.Errorf("listing shared manifests: %w", err)
	}

	var orphans []string
	err := s.drv.List(ctx, prefixParts, func(key string) error {
		if !strings.HasPrefix(key, prefixParts) {
			return nil
		}
		if !referenced[key] {
			orphans = append(orphans, key)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("listing parts: %w", err)
	}
	swept := 0
	for _, key := range orphans {
		err := s.retry.run(ctx, "sweep orphan part", func() error {
			return s.drv.Delete(ctx, key)
		})
		if err != nil {
			return swept, err
		}
		s.partCache.Remove(key)
		swept++
	}
	return swept, nil
}
