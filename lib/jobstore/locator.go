// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package jobstore

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/quarryworks/quarry/lib/driver"
)

// Locator identifies one physical store as "<scheme>:<spec>". The
// scheme selects a storage substrate; the spec's shape is
// scheme-specific:
//
//	file:/var/lib/quarry/run7      directory on a local filesystem
//	mem:run7                       in-memory store (tests)
//	s3:us-west-2:quarry-run7       bucket in an object store region
type Locator struct {
	// Scheme names the substrate: "file", "mem", "s3".
	Scheme string

	// Spec is everything after the first colon, uninterpreted.
	Spec string
}

// String reassembles the locator text.
func (l Locator) String() string {
	return l.Scheme + ":" + l.Spec
}

// ParseLocator splits a locator string into scheme and spec. The
// scheme must be a non-empty run of lowercase letters; the spec must
// be non-empty. Spec-level validation (store names, regions) happens
// when the locator is resolved against a registry.
func ParseLocator(text string) (Locator, error) {
	scheme, spec, found := strings.Cut(text, ":")
	if !found {
		return Locator{}, &ValidationError{
			Field:  "locator",
			Reason: fmt.Sprintf("%q has no scheme separator, want <scheme>:<spec>", text),
		}
	}
	if scheme == "" {
		return Locator{}, &ValidationError{Field: "locator", Reason: "empty scheme"}
	}
	for _, r := range scheme {
		if r < 'a' || r > 'z' {
			return Locator{}, &ValidationError{
				Field:  "locator",
				Reason: fmt.Sprintf("scheme %q must be lowercase letters", scheme),
			}
		}
	}
	if spec == "" {
		return Locator{}, &ValidationError{Field: "locator", Reason: "empty spec"}
	}
	return Locator{Scheme: scheme, Spec: spec}, nil
}

// maxStoreNameLength matches the strictest substrate (object store
// bucket names).
const maxStoreNameLength = 63

// ValidateStoreName checks a store name against the portable naming
// rule: lowercase letters, digits, and single interior hyphens, at
// most 63 characters. The rule is the intersection of what every
// substrate accepts, so a workflow can move between substrates without
// renaming its store.
func ValidateStoreName(name string) error {
	if name == "" {
		return &ValidationError{Field: "store name", Reason: "empty"}
	}
	if len(name) > maxStoreNameLength {
		return &ValidationError{
			Field:  "store name",
			Reason: fmt.Sprintf("%q is %d characters, maximum is %d", name, len(name), maxStoreNameLength),
		}
	}
	if name[0] == '-' || name[len(name)-1] == '-' {
		return &ValidationError{
			Field:  "store name",
			Reason: fmt.Sprintf("%q must not start or end with a hyphen", name),
		}
	}
	if strings.Contains(name, "--") {
		return &ValidationError{
			Field:  "store name",
			Reason: fmt.Sprintf("%q must not contain consecutive hyphens", name),
		}
	}
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-':
		default:
			return &ValidationError{
				Field:  "store name",
				Reason: fmt.Sprintf("%q contains %q, allowed are lowercase letters, digits, and hyphens", name, r),
			}
		}
	}
	return nil
}

// Opener resolves a locator spec to a driver. Provision creates the
// underlying store; Open attaches to an existing one.
type Opener interface {
	Provision(ctx context.Context, spec string) (driver.Driver, error)
	Open(ctx context.Context, spec string) (driver.Driver, error)
}

// Registry maps locator schemes to openers. Zero value is empty; there
// is no process-wide default registry, callers build the one they
// mean. NewDefaultRegistry wires the production schemes.
type Registry struct {
	mu      sync.Mutex
	openers map[string]Opener
}

// Register binds scheme to opener, replacing any previous binding.
func (r *Registry) Register(scheme string, opener Opener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.openers == nil {
		r.openers = make(map[string]Opener)
	}
	r.openers[scheme] = opener
}

func (r *Registry) opener(scheme string) (Opener, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	opener, ok := r.openers[scheme]
	if !ok {
		return nil, &ValidationError{
			Field:  "locator",
			Reason: fmt.Sprintf("unknown scheme %q", scheme),
		}
	}
	return opener, nil
}
