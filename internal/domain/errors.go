// Package domain provides shared domain-level sentinel errors.
package domain

import "errors"

// ErrNotFound indicates the requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict indicates a concurrent modification conflict.
var ErrConflict = errors.New("conflict: resource was modified by another request")

// ErrValidation indicates the request payload failed validation.
var ErrValidation = errors.New("validation failed")

// ErrRunInFlight indicates a run is already outstanding for the session.
// The protocol allows exactly one run in flight per session; the client must
// observe the terminal envelope before issuing the next request.
var ErrRunInFlight = errors.New("a run is already in flight for this session")
