/*
Copyright 2026 Chainguard, Inc.
SPDX-License-Identifier: Apache-2.0
*/

package provider

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a provider failure.
type Kind int

const (
	// KindTransient covers network failures, timeouts and 5xx responses.
	KindTransient Kind = iota
	// KindRateLimited covers 429 and overload responses.
	KindRateLimited
	// KindAuth means the credentials were rejected. Every later call with
	// the same credentials will fail the same way.
	KindAuth
	// KindMalformed means the provider answered without usable content.
	KindMalformed
	// KindInvalid covers other client errors, which retrying cannot fix.
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindAuth:
		return "auth"
	case KindMalformed:
		return "malformed"
	case KindInvalid:
		return "invalid"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Retryable reports whether a call failing with k may succeed if repeated.
func (k Kind) Retryable() bool {
	switch k {
	case KindTransient, KindRateLimited, KindMalformed:
		return true
	}
	return false
}

// Error is a classified provider failure.
type Error struct {
	Kind       Kind
	Provider   string
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s error (status %d): %v", e.Provider, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %s error: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Malformed builds a KindMalformed error.
func Malformed(providerName string, format string, args ...any) *Error {
	return &Error{Kind: KindMalformed, Provider: providerName, Err: fmt.Errorf(format, args...)}
}

// KindForStatus maps an HTTP status code to a Kind.
func KindForStatus(status int) Kind {
	switch {
	case status == 401 || status == 403:
		return KindAuth
	case status == 429 || status == 529:
		return KindRateLimited
	case status == 408 || status >= 500:
		return KindTransient
	default:
		return KindInvalid
	}
}

// KindOf returns the classification of err. Unclassified errors, such as
// network failures and deadlines, are transient; cancellation is not.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindInvalid
	}
	return KindTransient
}

// IsRetryable reports whether err is worth retrying.
func IsRetryable(err error) bool {
	return err != nil && KindOf(err).Retryable()
}

// IsAuth reports whether err is a credential rejection.
func IsAuth(err error) bool {
	return err != nil && KindOf(err) == KindAuth
}
