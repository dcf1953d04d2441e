// Copyright 2025 CareJournal Contributors
// SPDX-License-Identifier: Apache-2.0

package caresqlite

import "time"

// SyncState describes where a cached record sits in its sync lifecycle.
type SyncState string

const (
	// SyncStateLocalOnly means the record carries local changes the server
	// has not accepted yet (including records created offline).
	SyncStateLocalOnly SyncState = "local_only"
	// SyncStateSyncing means an outbox item for this record is in flight.
	SyncStateSyncing SyncState = "syncing"
	// SyncStateSynced means the record matches the last known server state.
	SyncStateSynced SyncState = "synced"
	// SyncStateFailed means the last sync attempt hit a transient or
	// validation error; the outbox item is still queued.
	SyncStateFailed SyncState = "failed"
	// SyncStateConflicted means the server rejected a write because its copy
	// changed; an open ConflictRecord exists for this record.
	SyncStateConflicted SyncState = "conflicted"
)

// Op is the kind of mutation an outbox item replays against the server.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// OutboxState tracks queue-level progress of a pending mutation.
type OutboxState string

const (
	// OutboxPending items are waiting for the next sync pass.
	OutboxPending OutboxState = "pending"
	// OutboxSyncing items are being replayed right now. Enqueue operations
	// never coalesce into an in-flight item.
	OutboxSyncing OutboxState = "syncing"
	// OutboxFailed items hit a transient error and will be retried on the
	// next pass. There is no retry cap; a failed item stays visible until it
	// succeeds, becomes a conflict, or the cache is cleared.
	OutboxFailed OutboxState = "failed"
	// OutboxInvalid items carried a payload the server rejected outright.
	// They are never re-sent as-is: editing the record coalesces a corrected
	// payload and requeues the item, deleting the record discards it.
	OutboxInvalid OutboxState = "invalid"
)

// Record is a local mirror of a server entity. LocalID is always present and
// stable; ServerID is empty until the server has accepted the create.
type Record struct {
	EntityType      string
	LocalID         string
	ServerID        string
	CaseID          string
	Payload         map[string]any
	BaseVersion     int64 // last server version this client has seen for the row
	LocalUpdatedAt  time.Time
	ServerUpdatedAt time.Time
	SyncState       SyncState
	Deleted         bool
	CreatedAt       time.Time
}

// OutboxItem is one pending mutation. The rowid defines replay order;
// items on the same LocalID are never reordered or parallelized.
type OutboxItem struct {
	ID          int64
	EntityType  string
	LocalID     string
	ServerID    string
	Op          Op
	Payload     map[string]any // partial document for update, nil for delete
	BaseVersion int64
	Attempts    int
	LastError   string
	State       OutboxState
	CreatedAt   time.Time
}

// Resolution is the human decision applied to a conflict.
type Resolution string

const (
	ResolutionLocal  Resolution = "local"
	ResolutionServer Resolution = "server"
	ResolutionMerged Resolution = "merged"
)

// Conflict captures both sides of a rejected write for human resolution.
// Timestamps are kept for display only; conflict detection compares the
// monotonic server version counter.
type Conflict struct {
	ID               string
	EntityType       string
	LocalID          string
	ServerID         string
	LocalVersion     map[string]any
	ServerVersion    map[string]any
	ServerRowVersion int64
	LocalUpdatedAt   time.Time
	ServerUpdatedAt  time.Time
	CreatedAt        time.Time
	ResolvedAt       time.Time // zero while the conflict needs a decision
	Resolution       Resolution
}

// Resolved reports whether a human decision has been applied.
func (c *Conflict) Resolved() bool { return !c.ResolvedAt.IsZero() }

// Summary is the derived read model consumed by UI badges. It is recomputed
// on demand from indexed counts, never persisted.
type Summary struct {
	Online        bool
	PendingCount  int
	FailedCount   int
	ConflictCount int
	LastSyncTime  time.Time // zero if no pass has completed yet
}
