// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

// Package memdriver is an in-memory driver for tests. It implements
// the full driver contract and can additionally simulate the listing
// lag of an eventually consistent substrate.
package memdriver

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/quarryworks/quarry/lib/driver"
)

// inlineLimit is deliberately small so that inlining and multipart
// paths are both exercised by modest test payloads.
const inlineLimit = 1024

type entry struct {
	value []byte
	seq   uint64
}

// Mem is an in-memory driver. Safe for concurrent use.
type Mem struct {
	mu         sync.RWMutex
	values     map[string]entry
	writeSeq   uint64
	settledSeq uint64
	lagging    bool
	destroyed  bool
}

// New returns an empty in-memory store.
func New() *Mem {
	return &Mem{values: make(map[string]entry)}
}

// SetLagging controls listing lag simulation. While lagging, List
// omits keys written after the last Settle call — mimicking an
// eventually consistent listing that trails writes. Reads and stats
// are always current (single-key operations are consistent on the
// substrates this models).
func (d *Mem) SetLagging(lagging bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lagging = lagging
	d.settledSeq = d.writeSeq
}

// Settle makes all writes so far visible to List.
func (d *Mem) Settle() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.settledSeq = d.writeSeq
}

// Create writes value at key only if absent.
func (d *Mem) Create(ctx context.Context, key string, value []byte) error {
	if err := driver.ValidateKey(key); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.values[key]; ok {
		return fmt.Errorf("creating %s: %w", key, driver.ErrKeyExists)
	}
	d.writeSeq++
	d.values[key] = entry{value: clone(value), seq: d.writeSeq}
	return nil
}

// Put writes value at key, overwriting any previous value.
func (d *Mem) Put(ctx context.Context, key string, value []byte) error {
	if err := driver.ValidateKey(key); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	previous, existed := d.values[key]
	seq := previous.seq
	if !existed {
		d.writeSeq++
		seq = d.writeSeq
	}
	d.values[key] = entry{value: clone(value), seq: seq}
	return nil
}

// Get returns the value at key.
func (d *Mem) Get(ctx context.Context, key string) ([]byte, error) {
	if err := driver.ValidateKey(key); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	stored, ok := d.values[key]
	if !ok {
		return nil, fmt.Errorf("reading %s: %w", key, driver.ErrKeyNotFound)
	}
	return clone(stored.value), nil
}

// Stat returns the stored size of the value at key.
func (d *Mem) Stat(ctx context.Context, key string) (int64, error) {
	if err := driver.ValidateKey(key); err != nil {
		return 0, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	stored, ok := d.values[key]
	if !ok {
		return 0, fmt.Errorf("stating %s: %w", key, driver.ErrKeyNotFound)
	}
	return int64(len(stored.value)), nil
}

// Delete removes the value at key. Missing keys are not an error.
func (d *Mem) Delete(ctx context.Context, key string) error {
	if err := driver.ValidateKey(key); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.values, key)
	return nil
}

// List calls fn for every visible key under prefix in lexicographic
// order. With lag simulation enabled, keys written after the last
// Settle are invisible — stale, but never fabricated.
func (d *Mem) List(ctx context.Context, prefix string, fn func(key string) error) error {
	d.mu.RLock()
	keys := make([]string, 0, len(d.values))
	for key, stored := range d.values {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if d.lagging && stored.seq > d.settledSeq {
			continue
		}
		keys = append(keys, key)
	}
	d.mu.RUnlock()

	sort.Strings(keys)
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(key); err != nil {
			return err
		}
	}
	return nil
}

// InlineLimit reports the in-memory inlining threshold.
func (d *Mem) InlineLimit() int { return inlineLimit }

// PublicURL returns a mem:// URL for the value at key. Resolvable
// only by the URL handler a test wires to the same registry.
func (d *Mem) PublicURL(ctx context.Context, key string) (string, error) {
	if _, err := d.Stat(ctx, key); err != nil {
		return "", err
	}
	return "mem:///" + key, nil
}

// Destroy discards all values. Idempotent.
func (d *Mem) Destroy(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.values = make(map[string]entry)
	d.destroyed = true
	return nil
}

// Destroyed reports whether Destroy has been called.
func (d *Mem) Destroyed() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.destroyed
}

// Len returns the number of stored values.
func (d *Mem) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.values)
}

func clone(value []byte) []byte {
	copied := make([]byte, len(value))
	copy(copied, value)
	return copied
}

// Registry is an explicit collection of named in-memory stores. Tests
// pass one registry to every store handle and URL handler that should
// share physical state; there is no process-wide default.
type Registry struct {
	mu     sync.Mutex
	stores map[string]*Mem
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{stores: make(map[string]*Mem)}
}

// Provision creates the named store. Fails with driver.ErrStoreExists
// if the name is taken by a live (non-destroyed) store.
func (r *Registry) Provision(name string) (*Mem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.stores[name]; ok && !existing.Destroyed() {
		return nil, fmt.Errorf("provisioning mem store %q: %w", name, driver.ErrStoreExists)
	}
	store := New()
	r.stores[name] = store
	return store, nil
}

// Open returns the named store. Fails with driver.ErrNoSuchStore if it
// was never provisioned or has been destroyed.
func (r *Registry) Open(name string) (*Mem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	store, ok := r.stores[name]
	if !ok || store.Destroyed() {
		return nil, fmt.Errorf("opening mem store %q: %w", name, driver.ErrNoSuchStore)
	}
	return store, nil
}
