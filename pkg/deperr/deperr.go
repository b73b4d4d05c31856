// Package deperr defines the error taxonomy shared by every stage of a
// configuration pass. Components wrap one of the sentinel errors so callers
// can classify failures with errors.Is regardless of how deep the cause is.
package deperr

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrConflictingDeclaration reports a name declared twice with different locators.
	ErrConflictingDeclaration = errors.New("conflicting declaration")
	// ErrNetwork reports a transient transfer failure.
	ErrNetwork = errors.New("network error")
	// ErrRefNotFound reports a VCS ref that the remote does not advertise.
	ErrRefNotFound = errors.New("ref not found")
	// ErrNotFound reports missing content: a local path, a 404, a missing object or repository.
	ErrNotFound = errors.New("not found")
	// ErrDigestMismatch reports downloaded bytes that do not match the declared digest.
	ErrDigestMismatch = errors.New("digest mismatch")
	// ErrMalformed reports a missing or unusable embedded build description.
	ErrMalformed = errors.New("malformed build description")
	// ErrLockTimeout reports a per-dependency lock that could not be acquired in time.
	ErrLockTimeout = errors.New("lock timeout")
	// ErrCancelled reports work aborted by cancellation of the pass.
	ErrCancelled = errors.New("cancelled")
)

// Kind names the class of a failure for reporting.
type Kind string

const (
	KindUnknown     Kind = "Unknown"
	KindConflict    Kind = "ConflictingDeclaration"
	KindNetwork     Kind = "FetchError.Network"
	KindRefNotFound Kind = "FetchError.RefNotFound"
	KindNotFound    Kind = "FetchError.NotFound"
	KindDigest      Kind = "DigestMismatch"
	KindMalformed   Kind = "IntegrationError.Malformed"
	KindLockTimeout Kind = "LockTimeout"
	KindCancelled   Kind = "Cancelled"
)

var kinds = []struct {
	sentinel error
	kind     Kind
}{
	{ErrConflictingDeclaration, KindConflict},
	{ErrDigestMismatch, KindDigest},
	{ErrMalformed, KindMalformed},
	{ErrLockTimeout, KindLockTimeout},
	{ErrRefNotFound, KindRefNotFound},
	{ErrNotFound, KindNotFound},
	{ErrNetwork, KindNetwork},
	{ErrCancelled, KindCancelled},
}

// KindOf classifies err. Context cancellation and deadline errors are
// reported as KindCancelled unless a more specific sentinel is present.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.sentinel) {
			return k.kind
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return KindCancelled
	}
	return KindUnknown
}

// ParseKind maps a persisted kind string back to a Kind.
func ParseKind(s string) Kind {
	for _, k := range kinds {
		if string(k.kind) == s {
			return k.kind
		}
	}
	return KindUnknown
}

// Sentinel returns the sentinel error for k, or nil for KindUnknown.
func (k Kind) Sentinel() error {
	for _, e := range kinds {
		if e.kind == k {
			return e.sentinel
		}
	}
	return nil
}

// Retryable reports whether err is a transient failure a caller may retry.
// Digest mismatches, conflicts and malformed descriptions are never
// retryable.
func Retryable(err error) bool {
	return KindOf(err) == KindNetwork
}

// Error is the structured failure reported for one dependency name.
type Error struct {
	Name string
	Kind Kind
	Err  error
}

// New wraps err for name, classifying it.
func New(name string, err error) *Error {
	var de *Error
	if errors.As(err, &de) && de.Name == name {
		return de
	}
	return &Error{Name: name, Kind: KindOf(err), Err: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Name, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// PassError aggregates the failures of a configuration pass. A pass with a
// PassError published nothing to the host graph.
type PassError struct {
	Failures []*Error
}

func (e *PassError) Error() string {
	failures := make([]*Error, len(e.Failures))
	copy(failures, e.Failures)
	sort.Slice(failures, func(i, j int) bool { return failures[i].Name < failures[j].Name })

	lines := make([]string, 0, len(failures))
	for _, f := range failures {
		lines = append(lines, f.Error())
	}
	return fmt.Sprintf("configuration pass failed for %d dependencies:\n  %s", len(failures), strings.Join(lines, "\n  "))
}

func (e *PassError) Unwrap() []error {
	errs := make([]error, len(e.Failures))
	for i, f := range e.Failures {
		errs[i] = f
	}
	return errs
}

// For returns the failure recorded for name, if any.
func (e *PassError) For(name string) (*Error, bool) {
	for _, f := range e.Failures {
		if f.Name == name {
			return f, true
		}
	}
	return nil, false
}
