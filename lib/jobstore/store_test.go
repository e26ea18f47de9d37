// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package jobstore_test

import (
	"errors"
	"reflect"
	"testing"

	"github.com/quarryworks/quarry/lib/jobstore"
)

func TestCreateLoadRoundTrip(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := t.Context()

	created, err := store.CreateJob(ctx, template("alpha"))
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if created.ID == "" {
		t.Fatal("CreateJob returned an empty ID")
	}

	loaded, err := store.LoadJob(ctx, created.ID)
	if err != nil {
		t.Fatalf("LoadJob: %v", err)
	}
	if !reflect.DeepEqual(created, loaded) {
		t.Fatalf("loaded record differs:\ncreated: %+v\nloaded:  %+v", created, loaded)
	}
}

func TestCreateAssignsUniqueIDs(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := t.Context()

	seen := make(map[string]bool)
	for range 50 {
		record, err := store.CreateJob(ctx, template("dup"))
		if err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
		if seen[record.ID] {
			t.Fatalf("ID %s assigned twice", record.ID)
		}
		seen[record.ID] = true
	}
}

func TestExists(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := t.Context()

	ok, err := store.Exists(ctx, "never-created")
	if err != nil {
		t.Fatalf("Exists on missing ID: %v", err)
	}
	if ok {
		t.Fatal("Exists reported a never-created job")
	}

	record, err := store.CreateJob(ctx, template("present"))
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	ok, err = store.Exists(ctx, record.ID)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !ok {
		t.Fatal("Exists missed a created job")
	}
}

func TestLoadMissingJob(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	_, err := store.LoadJob(t.Context(), "missing")
	var noSuchJob *jobstore.NoSuchJobError
	if !errors.As(err, &noSuchJob) {
		t.Fatalf("LoadJob on missing ID: got %v, want NoSuchJobError", err)
	}
	if noSuchJob.ID != "missing" {
		t.Fatalf("NoSuchJobError.ID = %q, want %q", noSuchJob.ID, "missing")
	}
}

func TestUpdateOverwritesWholeRecord(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := t.Context()

	record, err := store.CreateJob(ctx, template("mutate"))
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	record.Command = "run mutate --retry"
	record.RemainingRetryCount = 2
	record.PredecessorsFinished = map[string]bool{"pred-1": true}
	record.FilesToDelete = []jobstore.FileID{"global/x/y"}
	if err := store.UpdateJob(ctx, record); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	loaded, err := store.LoadJob(ctx, record.ID)
	if err != nil {
		t.Fatalf("LoadJob: %v", err)
	}
	if !reflect.DeepEqual(record, loaded) {
		t.Fatalf("record after update differs:\nupdated: %+v\nloaded:  %+v", record, loaded)
	}
}

func TestUpdateVisibleAcrossHandles(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	writer := env.create(t, nil)
	reader := env.open(t, nil)
	ctx := t.Context()

	record, err := writer.CreateJob(ctx, template("cross"))
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	record.Command = "updated elsewhere"
	if err := writer.UpdateJob(ctx, record); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}

	loaded, err := reader.LoadJob(ctx, record.ID)
	if err != nil {
		t.Fatalf("LoadJob through second handle: %v", err)
	}
	if loaded.Command != "updated elsewhere" {
		t.Fatalf("second handle read %q, want the updated command", loaded.Command)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := t.Context()

	record, err := store.CreateJob(ctx, template("gone"))
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := store.DeleteJob(ctx, record.ID); err != nil {
		t.Fatalf("first DeleteJob: %v", err)
	}
	if err := store.DeleteJob(ctx, record.ID); err != nil {
		t.Fatalf("second DeleteJob: %v", err)
	}
	if _, err := store.LoadJob(ctx, record.ID); !jobstore.IsNoSuchJob(err) {
		t.Fatalf("LoadJob after delete: got %v, want NoSuchJobError", err)
	}
}

func TestDeleteLeavesOtherJobsAlone(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := t.Context()

	childB, err := store.CreateJob(ctx, template("b"))
	if err != nil {
		t.Fatalf("CreateJob b: %v", err)
	}
	childC, err := store.CreateJob(ctx, template("c"))
	if err != nil {
		t.Fatalf("CreateJob c: %v", err)
	}
	parent := template("a")
	parent.Stack = [][]string{{childB.ID, childC.ID}}
	recordA, err := store.CreateJob(ctx, parent)
	if err != nil {
		t.Fatalf("CreateJob a: %v", err)
	}

	if err := store.DeleteJob(ctx, recordA.ID); err != nil {
		t.Fatalf("DeleteJob a: %v", err)
	}
	for _, id := range []string{childB.ID, childC.ID} {
		ok, err := store.Exists(ctx, id)
		if err != nil {
			t.Fatalf("Exists %s: %v", id, err)
		}
		if !ok {
			t.Fatalf("deleting the parent removed child %s", id)
		}
	}

	if err := store.DeleteJob(ctx, childB.ID); err != nil {
		t.Fatalf("DeleteJob b: %v", err)
	}
	if err := store.DeleteJob(ctx, childC.ID); err != nil {
		t.Fatalf("DeleteJob c: %v", err)
	}
	err = store.Jobs(ctx, func(record *jobstore.JobRecord) error {
		t.Fatalf("Jobs reported %s after all deletions", record.ID)
		return nil
	})
	if err != nil {
		t.Fatalf("Jobs: %v", err)
	}
}

func TestJobsEnumeratesAll(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := t.Context()

	want := make(map[string]bool)
	for range 10 {
		record, err := store.CreateJob(ctx, template("enum"))
		if err != nil {
			t.Fatalf("CreateJob: %v", err)
		}
		want[record.ID] = true
	}

	got := make(map[string]bool)
	err := store.Jobs(ctx, func(record *jobstore.JobRecord) error {
		got[record.ID] = true
		return nil
	})
	if err != nil {
		t.Fatalf("Jobs: %v", err)
	}
	if !reflect.DeepEqual(want, got) {
		t.Fatalf("Jobs returned %d IDs, want %d:\ngot:  %v\nwant: %v", len(got), len(want), got, want)
	}
}

func TestBatchCreatesAllJobs(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := t.Context()

	const batchSize = 100
	var ids []string
	err := store.Batch(ctx, func(batch *jobstore.Batch) error {
		for range batchSize {
			record := batch.Create(template("batched"))
			if record.ID == "" {
				t.Fatal("batch Create returned an empty ID")
			}
			ids = append(ids, record.ID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Batch: %v", err)
	}

	for _, id := range ids {
		if _, err := store.LoadJob(ctx, id); err != nil {
			t.Fatalf("LoadJob %s after batch: %v", id, err)
		}
	}
}

func TestBatchErrorWritesNothing(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := t.Context()

	boom := errors.New("boom")
	var id string
	err := store.Batch(ctx, func(batch *jobstore.Batch) error {
		id = batch.Create(template("doomed")).ID
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("Batch returned %v, want the scope error", err)
	}
	if ok, _ := store.Exists(ctx, id); ok {
		t.Fatal("job from a failed batch scope became visible")
	}
}

func TestRootJob(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := t.Context()

	if _, err := store.LoadRootJob(ctx); !jobstore.IsNoSuchJob(err) {
		t.Fatalf("LoadRootJob before creation: got %v, want NoSuchJobError", err)
	}

	root, err := store.CreateRootJob(ctx, template("root"))
	if err != nil {
		t.Fatalf("CreateRootJob: %v", err)
	}
	loaded, err := store.LoadRootJob(ctx)
	if err != nil {
		t.Fatalf("LoadRootJob: %v", err)
	}
	if loaded.ID != root.ID {
		t.Fatalf("LoadRootJob returned %s, want %s", loaded.ID, root.ID)
	}
}

func TestCreateStoreTwiceFails(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	env.create(t, nil)

	_, err := jobstore.CreateStore(t.Context(), env.locator, env.options())
	var exists *jobstore.StoreExistsError
	if !errors.As(err, &exists) {
		t.Fatalf("second CreateStore: got %v, want StoreExistsError", err)
	}
}

func TestOpenMissingStoreFails(t *testing.T) {
	t.Parallel()
	env := newEnv(t)

	_, err := jobstore.OpenStore(t.Context(), env.locator, env.options())
	var missing *jobstore.NoSuchStoreError
	if !errors.As(err, &missing) {
		t.Fatalf("OpenStore on nothing: got %v, want NoSuchStoreError", err)
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	t.Parallel()
	env := newEnv(t)
	store := env.create(t, nil)
	ctx := t.Context()

	if _, err := store.CreateJob(ctx, template("doomed")); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := jobstore.DestroyStore(ctx, env.locator, env.options()); err != nil {
		t.Fatalf("first DestroyStore: %v", err)
	}
	if err := jobstore.DestroyStore(ctx, env.locator, env.options()); err != nil {
		t.Fatalf("second DestroyStore: %v", err)
	}
	if _, err := jobstore.OpenStore(ctx, env.locator, env.options()); err == nil {
		t.Fatal("OpenStore succeeded after destroy")
	}
}
