// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package jobstore_test

import (
	"testing"

	"github.com/quarryworks/quarry/lib/driver"
	"github.com/quarryworks/quarry/lib/jobstore"
	"github.com/quarryworks/quarry/lib/testutil"
)

// buildGraph creates root -> (left, right) plus one unreachable job
// owning a file, and returns the IDs.
type graph struct {
	root, left, right, orphan string
	orphanFile                jobstore.FileID
}

func buildGraph(t *testing.T, store *jobstore.Store) graph {
	t.Helper()
	ctx := t.Context()

	left, err := store.CreateJob(ctx, template("left"))
	if err != nil {
		t.Fatalf("CreateJob left: %v", err)
	}
	right, err := store.CreateJob(ctx, template("right"))
	if err != nil {
		t.Fatalf("CreateJob right: %v", err)
	}
	rootTemplate := template("root")
	rootTemplate.Stack = [][]string{{left.ID}, {right.ID}}
	root, err := store.CreateRootJob(ctx, rootTemplate)
	if err != nil {
		t.Fatalf("CreateRootJob: %v", err)
	}

	orphan, err := store.CreateJob(ctx, template("orphan"))
	if err != nil {
		t.Fatalf("CreateJob orphan: %v", err)
	}
	orphanFile := writeBytes(t, store, orphan.ID, testutil.Payload(200_000))

	return graph{
		root:       root.ID,
		left:       left.ID,
		right:      right.ID,
		orphan:     orphan.ID,
		orphanFile: orphanFile,
	}
}

func snapshot(t *testing.T, store *jobstore.Store) map[string]*jobstore.JobRecord {
	t.Helper()
	cache := make(map[string]*jobstore.JobRecord)
	err := store.Jobs(t.Context(), func(record *jobstore.JobRecord) error {
		cache[record.ID] = record
		return nil
	})
	if err != nil {
		t.Fatalf("snapshotting jobs: %v", err)
	}
	return cache
}

func assertSurvivors(t *testing.T, store *jobstore.Store, g graph) {
	t.Helper()
	ctx := t.Context()
	for _, id := range []string{g.root, g.left, g.right} {
		ok, err := store.Exists(ctx, id)
		if err != nil {
			t.Fatalf("Exists %s: %v", id, err)
		}
		if !ok {
			t.Fatalf("cleanup deleted reachable job %s", id)
		}
	}
	if ok, _ := store.Exists(ctx, g.orphan); ok {
		t.Fatal("cleanup kept the unreachable job")
	}
	if ok, _ := store.FileExists(ctx, g.orphanFile); ok {
		t.Fatal("cleanup kept the unreachable job's file")
	}
}

func TestCleanRemovesUnreachable(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	g := buildGraph(t, store)

	stats, err := store.Clean(t.Context(), nil)
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if stats.JobsDeleted != 1 {
		t.Fatalf("JobsDeleted = %d, want 1", stats.JobsDeleted)
	}
	if stats.FilesDeleted != 1 {
		t.Fatalf("FilesDeleted = %d, want 1", stats.FilesDeleted)
	}
	assertSurvivors(t, store, g)
}

func TestCleanWarmCacheMatchesCold(t *testing.T) {
	t.Parallel()

	cold := newTestStore(t)
	coldGraph := buildGraph(t, cold)
	warm := newTestStore(t)
	warmGraph := buildGraph(t, warm)

	coldStats, err := cold.Clean(t.Context(), nil)
	if err != nil {
		t.Fatalf("cold Clean: %v", err)
	}
	warmStats, err := warm.Clean(t.Context(), snapshot(t, warm))
	if err != nil {
		t.Fatalf("warm Clean: %v", err)
	}
	if coldStats != warmStats {
		t.Fatalf("warm and cold cleanup disagree:\ncold: %+v\nwarm: %+v", coldStats, warmStats)
	}
	assertSurvivors(t, cold, coldGraph)
	assertSurvivors(t, warm, warmGraph)
}

func TestCleanWarmCacheSkipsJobListing(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	var counter *countingDriver
	inner := jobstore.MemOpener{Registry: env.mems}
	env.registry.Register("mem", wrapOpener{
		inner: inner,
		wrap: func(d driver.Driver) driver.Driver {
			counter = newCountingDriver(d)
			return counter
		},
	})
	store := env.create(t, nil)
	g := buildGraph(t, store)
	cache := snapshot(t, store)

	before := counter.callsWithPrefix("jobs/")
	if _, err := store.Clean(t.Context(), cache); err != nil {
		t.Fatalf("Clean: %v", err)
	}
	after := counter.callsWithPrefix("jobs/")
	if after != before {
		t.Fatalf("warm cleanup issued %d job reads/listings, want 0", after-before)
	}
	assertSurvivors(t, store, g)
}

func TestCleanProcessesFilesToDelete(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := t.Context()

	root, err := store.CreateRootJob(ctx, template("root"))
	if err != nil {
		t.Fatalf("CreateRootJob: %v", err)
	}
	doomed := writeBytes(t, store, root.ID, testutil.Payload(100))
	root.FilesToDelete = []jobstore.FileID{doomed}
	if err := store.UpdateJob(ctx, root); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	stats, err := store.Clean(ctx, nil)
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if stats.FilesDeleted != 1 {
		t.Fatalf("FilesDeleted = %d, want 1", stats.FilesDeleted)
	}
	if ok, _ := store.FileExists(ctx, doomed); ok {
		t.Fatal("committed deletion was not completed")
	}
	reloaded, err := store.LoadJob(ctx, root.ID)
	if err != nil {
		t.Fatalf("LoadJob: %v", err)
	}
	if len(reloaded.FilesToDelete) != 0 {
		t.Fatalf("filesToDelete not cleared: %v", reloaded.FilesToDelete)
	}
}

func TestCleanPrunesDanglingRefs(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := t.Context()

	child, err := store.CreateJob(ctx, template("child"))
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	rootTemplate := template("root")
	rootTemplate.Stack = [][]string{{child.ID}}
	root, err := store.CreateRootJob(ctx, rootTemplate)
	if err != nil {
		t.Fatalf("CreateRootJob: %v", err)
	}
	if err := store.DeleteJob(ctx, child.ID); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}

	stats, err := store.Clean(ctx, nil)
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if stats.DanglingRefsPruned != 1 {
		t.Fatalf("DanglingRefsPruned = %d, want 1", stats.DanglingRefsPruned)
	}
	reloaded, err := store.LoadJob(ctx, root.ID)
	if err != nil {
		t.Fatalf("LoadJob: %v", err)
	}
	if len(reloaded.Stack) != 0 {
		t.Fatalf("stack not pruned: %v", reloaded.Stack)
	}
}

func TestCleanSweepsOrphanParts(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := t.Context()

	if _, err := store.CreateRootJob(ctx, template("root")); err != nil {
		t.Fatalf("CreateRootJob: %v", err)
	}

	// An abandoned writer: parts uploaded, manifest never committed.
	_, writer := store.WriteFileStream(ctx, "", "crashed.bin")
	if _, err := writer.Write(testutil.Payload(int(store.PartSize()) * 2)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	// A healthy file whose parts must survive the sweep.
	kept := writeBytes(t, store, "", testutil.Payload(int(store.PartSize())*2))

	stats, err := store.Clean(ctx, nil)
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if stats.PartsSwept != 2 {
		t.Fatalf("PartsSwept = %d, want 2", stats.PartsSwept)
	}
	if got := readBytes(t, store, kept); len(got) != int(store.PartSize())*2 {
		t.Fatal("sweep damaged a committed file")
	}
}

func TestCleanWithoutRootIsNoOp(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := t.Context()

	record, err := store.CreateJob(ctx, template("floating"))
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	stats, err := store.Clean(ctx, nil)
	if err != nil {
		t.Fatalf("Clean: %v", err)
	}
	if stats.JobsDeleted != 0 {
		t.Fatalf("JobsDeleted = %d, want 0 with no root", stats.JobsDeleted)
	}
	if ok, _ := store.Exists(ctx, record.ID); !ok {
		t.Fatal("rootless cleanup deleted a job")
	}
}
