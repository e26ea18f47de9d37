// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package jobstore

import (
	"context"
	"fmt"
	"strings"

	"github.com/quarryworks/quarry/lib/driver"
	"github.com/quarryworks/quarry/lib/driver/fsdriver"
	"github.com/quarryworks/quarry/lib/driver/memdriver"
	"github.com/quarryworks/quarry/lib/driver/s3driver"
)

// FileOpener resolves "file:<directory>" locators.
type FileOpener struct{}

func (FileOpener) Provision(ctx context.Context, spec string) (driver.Driver, error) {
	return fsdriver.Provision(spec)
}

func (FileOpener) Open(ctx context.Context, spec string) (driver.Driver, error) {
	return fsdriver.Open(spec)
}

// S3Opener resolves "s3:<region>:<name>" locators against one
// configured endpoint.
type S3Opener struct {
	Config s3driver.Config
}

func (o S3Opener) Provision(ctx context.Context, spec string) (driver.Driver, error) {
	region, name, err := splitS3Spec(spec)
	if err != nil {
		return nil, err
	}
	return s3driver.Provision(ctx, o.Config, region, name)
}

func (o S3Opener) Open(ctx context.Context, spec string) (driver.Driver, error) {
	region, name, err := splitS3Spec(spec)
	if err != nil {
		return nil, err
	}
	return s3driver.Open(ctx, o.Config, region, name)
}

func splitS3Spec(spec string) (region, name string, err error) {
	region, name, found := strings.Cut(spec, ":")
	if !found || region == "" || name == "" {
		return "", "", &ValidationError{
			Field:  "locator",
			Reason: fmt.Sprintf("s3 spec %q must be <region>:<name>", spec),
		}
	}
	if err := ValidateStoreName(name); err != nil {
		return "", "", err
	}
	return region, name, nil
}

// MemOpener resolves "mem:<name>" locators against an explicit
// in-memory registry. Tests construct one registry and hand it to
// every handle that should share state.
type MemOpener struct {
	Registry *memdriver.Registry
}

func (o MemOpener) Provision(ctx context.Context, spec string) (driver.Driver, error) {
	if err := ValidateStoreName(spec); err != nil {
		return nil, err
	}
	return o.Registry.Provision(spec)
}

func (o MemOpener) Open(ctx context.Context, spec string) (driver.Driver, error) {
	if err := ValidateStoreName(spec); err != nil {
		return nil, err
	}
	return o.Registry.Open(spec)
}

// NewDefaultRegistry returns a registry with the production schemes:
// file and s3. The mem scheme is test-only and registered explicitly
// by tests that want it.
func NewDefaultRegistry(s3cfg s3driver.Config) *Registry {
	registry := &Registry{}
	registry.Register("file", FileOpener{})
	registry.Register("s3", S3Opener{Config: s3cfg})
	return registry
}
