// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package memdriver

import (
	"errors"
	"testing"

	"github.com/quarryworks/quarry/lib/driver"
)

func TestCreatePutGetDelete(t *testing.T) {
	t.Parallel()
	d := New()
	ctx := t.Context()

	if err := d.Create(ctx, "jobs/a", []byte("v1")); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := d.Create(ctx, "jobs/a", []byte("v2")); !errors.Is(err, driver.ErrKeyExists) {
		t.Fatalf("second Create: got %v, want ErrKeyExists", err)
	}
	if err := d.Put(ctx, "jobs/a", []byte("v3")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	value, err := d.Get(ctx, "jobs/a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(value) != "v3" {
		t.Fatalf("Get = %q, want %q", value, "v3")
	}
	size, err := d.Stat(ctx, "jobs/a")
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if size != 2 {
		t.Fatalf("Stat = %d, want 2", size)
	}

	if err := d.Delete(ctx, "jobs/a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := d.Delete(ctx, "jobs/a"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if _, err := d.Get(ctx, "jobs/a"); !errors.Is(err, driver.ErrKeyNotFound) {
		t.Fatalf("Get after Delete: got %v, want ErrKeyNotFound", err)
	}
}

func TestValuesAreIsolated(t *testing.T) {
	t.Parallel()
	d := New()
	ctx := t.Context()

	original := []byte("immutable")
	if err := d.Put(ctx, "k", original); err != nil {
		t.Fatalf("Put: %v", err)
	}
	original[0] = 'X'

	stored, err := d.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(stored) != "immutable" {
		t.Fatal("mutating the caller's slice changed the stored value")
	}
	stored[0] = 'Y'
	again, _ := d.Get(ctx, "k")
	if string(again) != "immutable" {
		t.Fatal("mutating a returned slice changed the stored value")
	}
}

func TestLaggingListing(t *testing.T) {
	t.Parallel()
	d := New()
	ctx := t.Context()

	if err := d.Put(ctx, "jobs/old", nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
	d.SetLagging(true)
	if err := d.Put(ctx, "jobs/new", nil); err != nil {
		t.Fatalf("Put: %v", err)
	}

	collect := func() map[string]bool {
		t.Helper()
		keys := make(map[string]bool)
		err := d.List(ctx, "jobs/", func(key string) error {
			keys[key] = true
			return nil
		})
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		return keys
	}

	keys := collect()
	if !keys["jobs/old"] || keys["jobs/new"] {
		t.Fatalf("lagging List = %v, want only jobs/old", keys)
	}

	// Single-key reads stay current even while listings lag.
	if _, err := d.Get(ctx, "jobs/new"); err != nil {
		t.Fatalf("Get of unsettled key: %v", err)
	}

	d.Settle()
	keys = collect()
	if !keys["jobs/old"] || !keys["jobs/new"] {
		t.Fatalf("settled List = %v, want both keys", keys)
	}
}

func TestLaggingNeverFabricates(t *testing.T) {
	t.Parallel()
	d := New()
	ctx := t.Context()

	if err := d.Put(ctx, "jobs/a", nil); err != nil {
		t.Fatalf("Put: %v", err)
	}
	d.SetLagging(true)
	if err := d.Delete(ctx, "jobs/a"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	// Deletes apply immediately; lag only hides new writes. A deleted
	// key never reappears in a listing.
	err := d.List(ctx, "jobs/", func(key string) error {
		t.Fatalf("List fabricated deleted key %q", key)
		return nil
	})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
}

func TestRegistryLifecycle(t *testing.T) {
	t.Parallel()
	registry := NewRegistry()

	if _, err := registry.Open("run7"); !errors.Is(err, driver.ErrNoSuchStore) {
		t.Fatalf("Open before Provision: got %v, want ErrNoSuchStore", err)
	}
	store, err := registry.Provision("run7")
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if _, err := registry.Provision("run7"); !errors.Is(err, driver.ErrStoreExists) {
		t.Fatalf("second Provision: got %v, want ErrStoreExists", err)
	}
	opened, err := registry.Open("run7")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if opened != store {
		t.Fatal("Open returned a different store instance")
	}

	if err := store.Destroy(t.Context()); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, err := registry.Open("run7"); !errors.Is(err, driver.ErrNoSuchStore) {
		t.Fatalf("Open after Destroy: got %v, want ErrNoSuchStore", err)
	}
	// The name is reusable after destruction.
	if _, err := registry.Provision("run7"); err != nil {
		t.Fatalf("Provision after Destroy: %v", err)
	}
}
