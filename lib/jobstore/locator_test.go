// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package jobstore_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/quarryworks/quarry/lib/jobstore"
)

func TestParseLocator(t *testing.T) {
	t.Parallel()

	good := []struct {
		text   string
		scheme string
		spec   string
	}{
		{"file:/var/lib/quarry/run7", "file", "/var/lib/quarry/run7"},
		{"mem:run7", "mem", "run7"},
		{"s3:us-west-2:quarry-run7", "s3", "us-west-2:quarry-run7"},
	}
	for _, tc := range good {
		locator, err := jobstore.ParseLocator(tc.text)
		if err != nil {
			t.Fatalf("ParseLocator(%q): %v", tc.text, err)
		}
		if locator.Scheme != tc.scheme || locator.Spec != tc.spec {
			t.Fatalf("ParseLocator(%q) = %+v, want scheme %q spec %q", tc.text, locator, tc.scheme, tc.spec)
		}
		if locator.String() != tc.text {
			t.Fatalf("String() = %q, want %q", locator.String(), tc.text)
		}
	}

	bad := []string{
		"",
		"noseparator",
		":spec-only",
		"file:",
		"FILE:/path",
		"s-3:bucket",
	}
	for _, text := range bad {
		_, err := jobstore.ParseLocator(text)
		var invalid *jobstore.ValidationError
		if !errors.As(err, &invalid) {
			t.Fatalf("ParseLocator(%q): got %v, want ValidationError", text, err)
		}
	}
}

func TestValidateStoreName(t *testing.T) {
	t.Parallel()

	for _, name := range []string{
		"a",
		"run7",
		"quarry-run-7",
		"a2b",
		strings.Repeat("x", 63),
	} {
		if err := jobstore.ValidateStoreName(name); err != nil {
			t.Fatalf("ValidateStoreName(%q): %v", name, err)
		}
	}

	for _, name := range []string{
		"",
		"Run7",
		"run_7",
		"run 7",
		"-run7",
		"run7-",
		"run--7",
		strings.Repeat("x", 64),
	} {
		err := jobstore.ValidateStoreName(name)
		var invalid *jobstore.ValidationError
		if !errors.As(err, &invalid) {
			t.Fatalf("ValidateStoreName(%q): got %v, want ValidationError", name, err)
		}
	}
}

func TestUnknownSchemeRejected(t *testing.T) {
	t.Parallel()
	env := newEnv(t)

	_, err := jobstore.OpenStore(t.Context(), "gopher:hole", env.options())
	var invalid *jobstore.ValidationError
	if !errors.As(err, &invalid) {
		t.Fatalf("OpenStore with unknown scheme: got %v, want ValidationError", err)
	}
}
