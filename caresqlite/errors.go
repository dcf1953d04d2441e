// Copyright 2025 CareJournal Contributors
// SPDX-License-Identifier: Apache-2.0

package caresqlite

import (
	"errors"
	"fmt"
)

// ErrRecordNotFound is returned by lookups and enqueue operations that
// target a local id with no cached record.
var ErrRecordNotFound = errors.New("caresqlite: record not found")

// ErrConflictNotFound is returned by ResolveConflict for an unknown id.
var ErrConflictNotFound = errors.New("caresqlite: conflict not found")

// ErrConflictAlreadyResolved is returned when a resolution is applied to a
// conflict that already has one.
var ErrConflictAlreadyResolved = errors.New("caresqlite: conflict already resolved")

// StorageError wraps a local persistence failure. It is fatal to the
// current operation and propagates out of SyncNow: silently dropping an
// outbox item would lose user data, and the device itself may be out of
// space or corrupted.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// NetworkError wraps a transport failure or timeout. The sync driver
// absorbs it into the failed-but-retryable outbox state; it never
// surfaces as an exception to the caller of SyncNow.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error calling %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// ValidationError reports a payload the server rejected as malformed or
// unauthorized. It is surfaced as a permanent failure on the outbox item
// rather than retried blindly.
type ValidationError struct {
	StatusCode int
	Message    string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("server rejected request (%d): %s", e.StatusCode, e.Message)
}

// IsTransient reports whether err should leave the outbox item in retry
// state. Network failures and timeouts are transient; validation errors
// are not, but both keep the item visible in the queue.
func IsTransient(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}
