// Copyright 2026 The blobfs Authors
// SPDX-License-Identifier: Apache-2.0

// Package status defines the abstract error taxonomy blobfs surfaces to
// its callers (spec §6, §7). Every operation that can fail returns a Go
// error that wraps one of the sentinel Codes below via fmt.Errorf's %w,
// so callers can classify failures with errors.Is regardless of how many
// layers of context wrapping sit on top.
package status

import (
	"errors"
	"fmt"
)

// Code identifies one of the abstract wire-level error categories.
type Code int

const (
	OK Code = iota
	NotFound
	AlreadyExists
	BadState
	NoSpace
	NoMemory
	OutOfRange
	IO
	IODataIntegrity
	Unavailable
	NotSupported
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case NotFound:
		return "NOT_FOUND"
	case AlreadyExists:
		return "ALREADY_EXISTS"
	case BadState:
		return "BAD_STATE"
	case NoSpace:
		return "NO_SPACE"
	case NoMemory:
		return "NO_MEMORY"
	case OutOfRange:
		return "OUT_OF_RANGE"
	case IO:
		return "IO"
	case IODataIntegrity:
		return "IO_DATA_INTEGRITY"
	case Unavailable:
		return "UNAVAILABLE"
	case NotSupported:
		return "NOT_SUPPORTED"
	default:
		return "UNKNOWN"
	}
}

// codeError pairs a Code with the sentinel error identity errors.Is
// compares against. Callers never construct this directly; they use the
// package-level sentinels and Wrap.
type codeError struct {
	code Code
}

func (e *codeError) Error() string { return e.code.String() }

// Sentinel errors, one per Code. Wrap(NotFound, ...) produces an error
// whose chain satisfies errors.Is(err, ErrNotFound).
var (
	ErrNotFound        = &codeError{NotFound}
	ErrAlreadyExists   = &codeError{AlreadyExists}
	ErrBadState        = &codeError{BadState}
	ErrNoSpace         = &codeError{NoSpace}
	ErrNoMemory        = &codeError{NoMemory}
	ErrOutOfRange      = &codeError{OutOfRange}
	ErrIO              = &codeError{IO}
	ErrIODataIntegrity = &codeError{IODataIntegrity}
	ErrUnavailable     = &codeError{Unavailable}
	ErrNotSupported    = &codeError{NotSupported}
)

func sentinelFor(c Code) error {
	switch c {
	case NotFound:
		return ErrNotFound
	case AlreadyExists:
		return ErrAlreadyExists
	case BadState:
		return ErrBadState
	case NoSpace:
		return ErrNoSpace
	case NoMemory:
		return ErrNoMemory
	case OutOfRange:
		return ErrOutOfRange
	case IO:
		return ErrIO
	case IODataIntegrity:
		return ErrIODataIntegrity
	case Unavailable:
		return ErrUnavailable
	case NotSupported:
		return ErrNotSupported
	default:
		return nil
	}
}

// wrappedError joins a sentinel Code identity with a human-readable,
// context-carrying message, the way every layer in this module adds
// %w-wrapped context around a lower error.
type wrappedError struct {
	code Code
	msg  string
	err  error
}

func (e *wrappedError) Error() string { return e.msg }

func (e *wrappedError) Unwrap() error {
	if e.err != nil {
		return e.err
	}
	return sentinelFor(e.code)
}

// Is reports whether target is the sentinel for e's code, so
// errors.Is(err, status.ErrNoSpace) works without walking through Unwrap
// when e.err is itself already a different error chain.
func (e *wrappedError) Is(target error) bool {
	return target == sentinelFor(e.code)
}

// Errorf builds an error carrying Code c with a formatted message,
// analogous to fmt.Errorf but additionally classifiable via errors.Is
// against the Code's sentinel.
func Errorf(c Code, format string, args ...any) error {
	return &wrappedError{code: c, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches Code c to an existing error, preserving err in the
// Unwrap chain so both errors.Is(result, sentinelFor(c)) and
// errors.Is(result, err) hold.
func Wrap(c Code, err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &wrappedError{code: c, msg: fmt.Sprintf(format, args...) + ": " + err.Error(), err: err}
}

// Is returns the Code carried by err, walking the error chain. Returns
// OK if err is nil, or IO if err carries no recognized status code
// (an escaped, unclassified error from a collaborator).
func Is(err error) Code {
	if err == nil {
		return OK
	}
	for _, c := range []Code{
		NotFound, AlreadyExists, BadState, NoSpace, NoMemory,
		OutOfRange, IO, IODataIntegrity, Unavailable, NotSupported,
	} {
		if errors.Is(err, sentinelFor(c)) {
			return c
		}
	}
	return IO
}
