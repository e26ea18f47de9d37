// Copyright 2026 The Quarry Authors
// SPDX-License-Identifier: Apache-2.0

package jobstore

// Retry wrapper for transient backend failures. Object stores throttle
// under load (429, SlowDown) and filesystems hiccup under contention;
// these clear on their own, so every driver call the store makes goes
// through a bounded exponential backoff. Permanent errors (missing
// keys, validation) pass through on the first attempt.

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/quarryworks/quarry/lib/clock"
	"github.com/quarryworks/quarry/lib/driver"
)

// retryMaxAttempts and retryBaseDelay define the default backoff
// schedule: 500ms, 1s, 2s, 4s between five attempts, about 7.5s of
// total waiting before the backend is declared unavailable.
const (
	retryMaxAttempts = 5
	retryBaseDelay   = 500 * time.Millisecond
)

// retrier runs driver operations with backoff. One retrier is shared
// by a store handle; it is stateless apart from its configuration.
type retrier struct {
	clock    clock.Clock
	logger   *slog.Logger
	attempts int
	base     time.Duration
}

// run invokes fn until it succeeds, fails permanently, or the attempt
// budget runs out. The context bounds total retry time; cancellation
// stops the backoff sleep immediately.
func (r *retrier) run(ctx context.Context, op string, fn func() error) error {
	var lastError error
	for attempt := 0; attempt < r.attempts; attempt++ {
		if attempt > 0 {
			backoff := r.base << (attempt - 1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-r.clock.After(backoff):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		if !errors.Is(err, driver.ErrTransient) {
			return err
		}
		lastError = err

		r.logger.Warn("transient backend failure, retrying",
			"op", op,
			"attempt", attempt+1,
			"error", err,
		)
	}
	return &BackendUnavailableError{Op: op, Attempts: r.attempts, Err: lastError}
}

// getRetry is run for calls that return a value.
func getRetry[T any](ctx context.Context, r *retrier, op string, fn func() (T, error)) (T, error) {
	var result T
	err := r.run(ctx, op, func() error {
		var err error
		result, err = fn()
		return err
	})
	return result, err
}
