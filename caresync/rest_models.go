// Copyright 2025 CareJournal Contributors
// SPDX-License-Identifier: Apache-2.0

package caresync

import "time"

// REST/JSON models for the /sync/{entity} HTTP API. The caresqlite client
// and this server package share these shapes.

// CreateRequest creates a server record from an offline create. The
// client's localId is echoed into the unique index so replaying the same
// create (after a lost response) returns the already-assigned server id
// instead of duplicating the record.
type CreateRequest struct {
	LocalID string         `json:"localId"`
	CaseID  string         `json:"caseId,omitempty"`
	Payload map[string]any `json:"payload"`
}

// CreateResponse returns the server-assigned identity for a create.
type CreateResponse struct {
	ID            string `json:"id"`
	ServerVersion int64  `json:"serverVersion"`
}

// UpdateRequest applies a partial document to an existing record.
// BaseVersion is the monotonic row version the client last saw; if the
// server's current version differs, the request fails with 409 rather
// than silently overwriting. LocalUpdatedAt is carried for conflict
// display only, never compared.
type UpdateRequest struct {
	ServerID       string         `json:"serverId"`
	Payload        map[string]any `json:"payload"`
	BaseVersion    int64          `json:"baseVersion"`
	LocalUpdatedAt time.Time      `json:"localUpdatedAt"`
}

// UpdateResponse acknowledges an applied update.
type UpdateResponse struct {
	Success       bool  `json:"success"`
	ServerVersion int64 `json:"serverVersion"`
}

// DeleteRequest soft-deletes a record. Deletes are idempotent: deleting a
// record that is already gone succeeds, so retried deletes are safe.
type DeleteRequest struct {
	ServerID    string `json:"serverId"`
	BaseVersion int64  `json:"baseVersion"`
}

// DeleteResponse acknowledges a delete.
type DeleteResponse struct {
	Success bool `json:"success"`
}

// ServerRecord is the server's authoritative view of one record, used in
// pull responses and 409 conflict bodies.
type ServerRecord struct {
	ID            string         `json:"id"`
	CaseID        string         `json:"caseId,omitempty"`
	Payload       map[string]any `json:"payload"`
	ServerVersion int64          `json:"serverVersion"`
	UpdatedAt     time.Time      `json:"updatedAt"`
	Deleted       bool           `json:"deleted,omitempty"`
}

// PullResponse is the bulk read used to (re)populate a client cache.
type PullResponse struct {
	Records []ServerRecord `json:"records"`
}

// ConflictResponse is the 409 body: the server's copy changed after the
// client's snapshot, so the write needs a human decision.
type ConflictResponse struct {
	Error         string       `json:"error"`
	ServerVersion ServerRecord `json:"serverVersion"`
}

// ErrorResponse is the generic non-409 error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// ErrConflict is the wire value of ConflictResponse.Error.
const ErrConflict = "conflict"
