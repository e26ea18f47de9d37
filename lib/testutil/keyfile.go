// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"
)

// RandomKeyFile writes a fresh random 32-byte encryption key under the
// test's temporary directory and returns its path. Each call produces
// an independent key, so tests for wrong-key behavior can call it
// twice.
func RandomKeyFile(t *testing.T) string {
	t.Helper()
	material := make([]byte, 32)
	if _, err := rand.Read(material); err != nil {
		t.Fatalf("generating key material: %v", err)
	}
	path := filepath.Join(t.TempDir(), "store.key")
	if err := os.WriteFile(path, material, 0o600); err != nil {
		t.Fatalf("writing key file: %v", err)
	}
	return path
}

// Payload returns deterministic pseudo-random bytes of the given size.
// The content is a function of size alone, so two calls with the same
// size produce identical bytes without the test threading a seed.
func Payload(size int) []byte {
	data := make([]byte, size)
	state := uint64(size)*2654435761 + 1
	for i := range data {
		state = state*6364136223846793005 + 1442695040888963407
		data[i] = byte(state >> 56)
	}
	return data
}
