// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package jobstore

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/quarryworks/quarry/lib/driver"
)

// Stats aggregation is an append-only fan-in: every worker appends
// small opaque blobs, one master drains them. An entry lives under
// stats/new/ until a draining read hands it to the caller's callback
// successfully, then moves to stats/read/ so the non-consuming
// "read all" mode can still see history.

// WriteStatsAndLogging appends one stats/logging entry. The entry is
// durable before return and visible to the next draining read.
func (s *Store) WriteStatsAndLogging(ctx context.Context, payload []byte) error {
	key := prefixStatsNew + uuid.NewString()
	return s.retry.run(ctx, "write stats entry", func() error {
		return s.drv.Create(ctx, key, payload)
	})
}

// ReadStatsAndLogging enumerates stats entries, invoking fn for each.
// In the default draining mode, each entry is consumed after its
// callback returns nil: a later call sees only entries written since.
// A callback error stops the enumeration and leaves that entry (and
// all later ones) unconsumed, so delivery is at-least-once on
// callback failure and at-most-once on success.
//
// With readAll set, every entry ever written — consumed or not — is
// passed to fn and nothing is consumed.
//
// Returns the number of entries fn processed successfully.
func (s *Store) ReadStatsAndLogging(ctx context.Context, fn func(payload []byte) error, readAll bool) (int, error) {
	count := 0
	if readAll {
		for _, prefix := range []string{prefixStatsRead, prefixStatsNew} {
			n, err := s.visitStats(ctx, prefix, fn, false)
			count += n
			if err != nil {
				return count, err
			}
		}
		return count, nil
	}
	return s.visitStats(ctx, prefixStatsNew, fn, true)
}

func (s *Store) visitStats(ctx context.Context, prefix string, fn func(payload []byte) error, consume bool) (int, error) {
	count := 0
	err := s.drv.List(ctx, prefix, func(key string) error {
		payload, err := getRetry(ctx, s.retry, "read stats entry", func() ([]byte, error) {
			return s.drv.Get(ctx, key)
		})
		if errors.Is(err, driver.ErrKeyNotFound) {
			// Consumed by a concurrent reader between listing and read.
			return nil
		}
		if err != nil {
			return err
		}
		if err := fn(payload); err != nil {
			return err
		}
		count++
		if consume {
			return s.consumeStats(ctx, key, payload)
		}
		return nil
	})
	return count, err
}

// consumeStats moves an entry from stats/new/ to stats/read/. The
// copy lands first, so a crash between the two writes duplicates the
// entry for readAll rather than losing it.
func (s *Store) consumeStats(ctx context.Context, key string, payload []byte) error {
	suffix := strings.TrimPrefix(key, prefixStatsNew)
	err := s.retry.run(ctx, "archive stats entry", func() error {
		return s.drv.Create(ctx, prefixStatsRead+suffix, payload)
	})
	if err != nil && !errors.Is(err, driver.ErrKeyExists) {
		return err
	}
	return s.retry.run(ctx, "consume stats entry", func() error {
		return s.drv.Delete(ctx, key)
	})
}
