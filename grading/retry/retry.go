/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package retry

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/chainguard-dev/clog"
)

// Config configures exponential backoff for provider and storage calls.
type Config struct {
	// MaxRetries is the maximum number of retry attempts (default: 3).
	// 0 means do not retry at all.
	MaxRetries int
	// BaseBackoff is the initial backoff duration (default: 1s)
	BaseBackoff time.Duration
	// MaxBackoff is the maximum backoff duration (default: 30s)
	MaxBackoff time.Duration
	// MaxJitter is the maximum random jitter added to backoff (default: 500ms)
	MaxJitter time.Duration
}

// Validate checks that the retry configuration has valid values.
func (c Config) Validate() error {
	if c.MaxRetries < 0 {
		return errors.New("max retries cannot be negative")
	}
	if c.BaseBackoff < 0 {
		return errors.New("base backoff cannot be negative")
	}
	if c.MaxBackoff < 0 {
		return errors.New("max backoff cannot be negative")
	}
	if c.MaxJitter < 0 {
		return errors.New("max jitter cannot be negative")
	}
	return nil
}

// DefaultConfig returns the retry configuration used for transient provider
// errors and rate limits.
func DefaultConfig() Config {
	return Config{
		MaxRetries:  3,
		BaseBackoff: 1 * time.Second,
		MaxBackoff:  30 * time.Second,
		MaxJitter:   500 * time.Millisecond,
	}
}

// Backoff returns the delay before retry number attempt (0-based):
// BaseBackoff * 2^attempt capped at MaxBackoff, plus random jitter.
func (c Config) Backoff(attempt int) time.Duration {
	backoff := c.MaxBackoff
	if attempt < 32 {
		backoff = min(c.BaseBackoff<<attempt, c.MaxBackoff)
	}
	if backoff < 0 {
		backoff = c.MaxBackoff
	}

	var jitter time.Duration
	if c.MaxJitter > 0 {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(c.MaxJitter)))
		if err == nil {
			jitter = time.Duration(n.Int64())
		}
	}
	return backoff + jitter
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// WithBackoff executes the given function with exponential backoff retry.
// It only retries on errors that are classified as retryable by the provided isRetryable function.
func WithBackoff[T any](ctx context.Context, cfg Config, operation string, isRetryable func(error) bool, fn func() (T, error)) (T, error) {
	var result T
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		result, lastErr = fn()
		if lastErr == nil {
			return result, nil
		}

		if !isRetryable(lastErr) {
			return result, lastErr
		}

		if attempt >= cfg.MaxRetries {
			break
		}

		wait := cfg.Backoff(attempt)
		clog.FromContext(ctx).With("operation", operation).
			With("attempt", attempt+1).
			With("max_retries", cfg.MaxRetries).
			With("backoff", wait).
			With("error", lastErr.Error()).
			Warn("Transient failure, retrying")

		if err := Sleep(ctx, wait); err != nil {
			return result, err
		}
	}

	return result, fmt.Errorf("%s failed after %d retries: %w", operation, cfg.MaxRetries, lastErr)
}
