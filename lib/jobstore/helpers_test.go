// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package jobstore_test

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/quarryworks/quarry/lib/driver"
	"github.com/quarryworks/quarry/lib/driver/memdriver"
	"github.com/quarryworks/quarry/lib/jobstore"
	"github.com/quarryworks/quarry/lib/testutil"
)

// testPartSize is the smallest legal part size, keeping multipart
// boundary payloads in the hundreds of kilobytes.
const testPartSize = 64 * 1024

// testEnv is one in-memory store world: a mem registry plus a scheme
// registry bound to it, shared by every handle opened through it.
type testEnv struct {
	mems     *memdriver.Registry
	registry *jobstore.Registry
	locator  string
}

func newEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		mems:     memdriver.NewRegistry(),
		registry: &jobstore.Registry{},
		locator:  "mem:" + testutil.UniqueID("store"),
	}
	env.registry.Register("mem", jobstore.MemOpener{Registry: env.mems})
	return env
}

func (e *testEnv) options() jobstore.Options {
	return jobstore.Options{
		Registry: e.registry,
		PartSize: testPartSize,
		Logger:   slog.New(slog.DiscardHandler),
	}
}

// create provisions the env's store and returns a handle.
func (e *testEnv) create(t *testing.T, mutate func(*jobstore.Options)) *jobstore.Store {
	t.Helper()
	options := e.options()
	if mutate != nil {
		mutate(&options)
	}
	store, err := jobstore.CreateStore(t.Context(), e.locator, options)
	if err != nil {
		t.Fatalf("creating store %s: %v", e.locator, err)
	}
	return store
}

// open attaches a second handle onto the env's store.
func (e *testEnv) open(t *testing.T, mutate func(*jobstore.Options)) *jobstore.Store {
	t.Helper()
	options := e.options()
	if mutate != nil {
		mutate(&options)
	}
	store, err := jobstore.OpenStore(t.Context(), e.locator, options)
	if err != nil {
		t.Fatalf("opening store %s: %v", e.locator, err)
	}
	return store
}

func newTestStore(t *testing.T) *jobstore.Store {
	t.Helper()
	return newEnv(t).create(t, nil)
}

// wrapOpener decorates the drivers another opener produces, for fault
// injection and call counting.
type wrapOpener struct {
	inner jobstore.Opener
	wrap  func(driver.Driver) driver.Driver
}

func (o wrapOpener) Provision(ctx context.Context, spec string) (driver.Driver, error) {
	inner, err := o.inner.Provision(ctx, spec)
	if err != nil {
		return nil, err
	}
	return o.wrap(inner), nil
}

func (o wrapOpener) Open(ctx context.Context, spec string) (driver.Driver, error) {
	inner, err := o.inner.Open(ctx, spec)
	if err != nil {
		return nil, err
	}
	return o.wrap(inner), nil
}

// countingDriver counts Get and List calls per key prefix.
type countingDriver struct {
	driver.Driver

	mu    sync.Mutex
	gets  map[string]int
	lists map[string]int
}

func newCountingDriver(inner driver.Driver) *countingDriver {
	return &countingDriver{
		Driver: inner,
		gets:   make(map[string]int),
		lists:  make(map[string]int),
	}
}

func (d *countingDriver) Get(ctx context.Context, key string) ([]byte, error) {
	d.mu.Lock()
	d.gets[key]++
	d.mu.Unlock()
	return d.Driver.Get(ctx, key)
}

func (d *countingDriver) List(ctx context.Context, prefix string, fn func(key string) error) error {
	d.mu.Lock()
	d.lists[prefix]++
	d.mu.Unlock()
	return d.Driver.List(ctx, prefix, fn)
}

// callsWithPrefix returns how many Get calls touched keys under the
// prefix plus how many List calls used it.
func (d *countingDriver) callsWithPrefix(prefix string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	total := 0
	for key, n := range d.gets {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			total += n
		}
	}
	for listed, n := range d.lists {
		if len(listed) >= len(prefix) && listed[:len(prefix)] == prefix {
			total += n
		}
	}
	return total
}

// flakyDriver fails every operation with a transient error until
// remaining hits zero.
type flakyDriver struct {
	driver.Driver

	mu        sync.Mutex
	remaining int
	failures  int
}

func (d *flakyDriver) setRemaining(n int) {
	d.mu.Lock()
	d.remaining = n
	d.mu.Unlock()
}

func (d *flakyDriver) failureCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failures
}

func (d *flakyDriver) fail() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.remaining == 0 {
		return nil
	}
	d.remaining--
	d.failures++
	return driver.Transient(context.DeadlineExceeded)
}

func (d *flakyDriver) Get(ctx context.Context, key string) ([]byte, error) {
	if err := d.fail(); err != nil {
		return nil, err
	}
	return d.Driver.Get(ctx, key)
}

func (d *flakyDriver) Put(ctx context.Context, key string, value []byte) error {
	if err := d.fail(); err != nil {
		return err
	}
	return d.Driver.Put(ctx, key, value)
}

func (d *flakyDriver) Create(ctx context.Context, key string, value []byte) error {
	if err := d.fail(); err != nil {
		return err
	}
	return d.Driver.Create(ctx, key, value)
}

// template returns a representative job template.
func template(name string) *jobstore.JobRecord {
	return &jobstore.JobRecord{
		Command: "run " + name,
		Requirements: jobstore.Requirements{
			Memory:      512 * 1024 * 1024,
			Cores:       1.5,
			Disk:        1 << 30,
			Preemptable: true,
		},
		JobName:             name,
		UnitName:            name + "-unit",
		RemainingRetryCount: 3,
	}
}
