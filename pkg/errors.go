// Package pkg holds utilities shared across the project.
// This file defines the domain-level error taxonomy.
//
// Errors are plain sentinel values created with errors.New. Callers wrap them
// with detail and compare by identity, never by string:
//
//	return fmt.Errorf("%w: call not found", pkg.ErrNotFound)
//	if errors.Is(err, pkg.ErrNotConnected) { ... }
package pkg

import "errors"

// Generic errors, mapped to HTTP status codes by the relay handlers.
var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrBadRequest   = errors.New("bad request")
	ErrInternal     = errors.New("internal error")
	ErrRateLimited  = errors.New("rate limited")
)

// Transport errors.
//
// ErrTransport covers drops and malformed frames. It is absorbed and retried
// inside the connection session and only reaches the UI as a status change.
// ErrNotConnected is returned to the caller when sending on a closed session.
var (
	ErrTransport     = errors.New("transport error")
	ErrNotConnected  = errors.New("not connected")
	ErrInvalidTarget = errors.New("invalid connection target")
)

// Roster errors. These come from network races (update after leave, duplicate
// join after reconnect) and are logged, not propagated to the UI.
var (
	ErrDuplicateParticipant   = errors.New("duplicate participant")
	ErrUnknownParticipant     = errors.New("unknown participant")
	ErrLocalParticipantExists = errors.New("local participant already present")
)

// Media errors.
//
// ErrMediaAcquisitionDenied is a recoverable, user-visible state (permission
// refused). ErrMediaCancelled means the user dismissed the picker; it is a
// normal outcome and never reported as a failure.
var (
	ErrMediaAcquisitionDenied = errors.New("media acquisition denied")
	ErrMediaCancelled         = errors.New("media acquisition cancelled")
)
