// Copyright 2025 CareJournal Contributors
// SPDX-License-Identifier: Apache-2.0

package caresqlite

import (
	"context"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func TestEnqueueCreate(t *testing.T) {
	client := newTestClient(t, "http://unreachable.invalid")
	ctx := context.Background()

	localID := NewLocalID()
	err := client.EnqueueCreate(ctx, "journal_entries", localID, map[string]any{
		"title":  "Morning walk",
		"caseId": "case_1",
	})
	require.NoError(t, err)

	rec, err := client.GetRecord(ctx, "journal_entries", localID)
	require.NoError(t, err)
	require.Equal(t, SyncStateLocalOnly, rec.SyncState)
	require.Equal(t, "case_1", rec.CaseID)
	require.Empty(t, rec.ServerID)
	require.Equal(t, "Morning walk", rec.Payload["title"])

	items, err := client.nextOutboxBatch(ctx, "journal_entries", 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, OpCreate, items[0].Op)
	require.Equal(t, localID, items[0].LocalID)
}

func TestEnqueueCreateRequiresLocalID(t *testing.T) {
	client := newTestClient(t, "http://unreachable.invalid")
	err := client.EnqueueCreate(context.Background(), "journal_entries", "", map[string]any{})
	require.Error(t, err)
}

func TestEnqueueUpdateCoalescesIntoPendingCreate(t *testing.T) {
	client := newTestClient(t, "http://unreachable.invalid")
	ctx := context.Background()

	localID := NewLocalID()
	require.NoError(t, client.EnqueueCreate(ctx, "journal_entries", localID, map[string]any{
		"title": "Draft", "mood": "ok",
	}))
	require.NoError(t, client.EnqueueUpdate(ctx, "journal_entries", localID, map[string]any{
		"title": "Final",
	}))

	// Still exactly one outbox item: the create, now carrying the merged payload.
	items, err := client.nextOutboxBatch(ctx, "journal_entries", 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, OpCreate, items[0].Op)
	require.Equal(t, "Final", items[0].Payload["title"])
	require.Equal(t, "ok", items[0].Payload["mood"])

	rec, err := client.GetRecord(ctx, "journal_entries", localID)
	require.NoError(t, err)
	require.Equal(t, "Final", rec.Payload["title"])
}

func TestEnqueueUpdateCoalescesIntoQueuedUpdate(t *testing.T) {
	client := newTestClient(t, "http://unreachable.invalid")
	ctx := context.Background()

	// A record that already synced once.
	localID := seedSyncedRecord(t, client, "journal_entries", "srv_9", 3)

	require.NoError(t, client.EnqueueUpdate(ctx, "journal_entries", localID, map[string]any{"a": "1"}))
	require.NoError(t, client.EnqueueUpdate(ctx, "journal_entries", localID, map[string]any{"b": "2"}))

	items, err := client.nextOutboxBatch(ctx, "journal_entries", 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, OpUpdate, items[0].Op)
	require.Equal(t, "1", items[0].Payload["a"])
	require.Equal(t, "2", items[0].Payload["b"])
	require.Equal(t, int64(3), items[0].BaseVersion, "update should snapshot the known server version")
}

func TestEnqueueUpdateNeverCoalescesIntoInFlightItem(t *testing.T) {
	client := newTestClient(t, "http://unreachable.invalid")
	ctx := context.Background()

	localID := NewLocalID()
	require.NoError(t, client.EnqueueCreate(ctx, "journal_entries", localID, map[string]any{"title": "a"}))

	// Simulate the driver picking up the create.
	items, err := client.nextOutboxBatch(ctx, "journal_entries", 10)
	require.NoError(t, err)
	require.NoError(t, markOutboxSyncing(ctx, client.DB, items[0].ID))

	require.NoError(t, client.EnqueueUpdate(ctx, "journal_entries", localID, map[string]any{"title": "b"}))

	// The update must land as a second item, not merge into the in-flight create.
	require.Equal(t, 2, countRows(t, client.DB, "SELECT COUNT(*) FROM outbox"))
	var op string
	require.NoError(t, client.DB.QueryRow(
		"SELECT op FROM outbox ORDER BY id DESC LIMIT 1").Scan(&op))
	require.Equal(t, "update", op)
}

func TestEnqueueUpdateMissingRecord(t *testing.T) {
	client := newTestClient(t, "http://unreachable.invalid")
	err := client.EnqueueUpdate(context.Background(), "journal_entries", "local_nope", map[string]any{"a": 1})
	require.ErrorIs(t, err, ErrRecordNotFound)
}

func TestEnqueueDeleteDiscardsNeverSyncedChain(t *testing.T) {
	client := newTestClient(t, "http://unreachable.invalid")
	ctx := context.Background()

	localID := NewLocalID()
	require.NoError(t, client.EnqueueCreate(ctx, "journal_entries", localID, map[string]any{"title": "a"}))
	require.NoError(t, client.EnqueueUpdate(ctx, "journal_entries", localID, map[string]any{"title": "b"}))
	require.NoError(t, client.EnqueueDelete(ctx, "journal_entries", localID))

	// The server never saw this record: nothing should remain anywhere.
	require.Equal(t, 0, countRows(t, client.DB, "SELECT COUNT(*) FROM outbox"))
	require.Equal(t, 0, countRows(t, client.DB, "SELECT COUNT(*) FROM cached_record"))
}

func TestEnqueueDeleteOnSyncedRecord(t *testing.T) {
	client := newTestClient(t, "http://unreachable.invalid")
	ctx := context.Background()

	localID := seedSyncedRecord(t, client, "journal_entries", "srv_7", 2)
	require.NoError(t, client.EnqueueUpdate(ctx, "journal_entries", localID, map[string]any{"title": "b"}))
	require.NoError(t, client.EnqueueDelete(ctx, "journal_entries", localID))

	// The queued update is superseded; a single delete item remains.
	items, err := client.nextOutboxBatch(ctx, "journal_entries", 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, OpDelete, items[0].Op)
	require.Equal(t, "srv_7", items[0].ServerID)
	require.Equal(t, int64(2), items[0].BaseVersion)

	// The record is hidden locally but kept until the server acknowledges.
	rec, err := client.GetRecord(ctx, "journal_entries", localID)
	require.NoError(t, err)
	require.True(t, rec.Deleted)

	records, err := client.ListRecords(ctx, "journal_entries", "")
	require.NoError(t, err)
	require.Empty(t, records, "deleted records must not be listed")
}

func TestEnqueueDeleteMissingRecordIsNoOp(t *testing.T) {
	client := newTestClient(t, "http://unreachable.invalid")
	require.NoError(t, client.EnqueueDelete(context.Background(), "journal_entries", "local_nope"))
}

func TestEnqueueDeleteClosesOpenConflicts(t *testing.T) {
	client := newTestClient(t, "http://unreachable.invalid")
	ctx := context.Background()

	localID := seedSyncedRecord(t, client, "journal_entries", "srv_5", 1)
	require.NoError(t, insertConflict(ctx, client.DB, &Conflict{
		ID:             NewLocalID(),
		EntityType:     "journal_entries",
		LocalID:        localID,
		ServerID:       "srv_5",
		LocalVersion:   map[string]any{"title": "local"},
		ServerVersion:  map[string]any{"title": "server"},
		LocalUpdatedAt: nowUTC(),
		CreatedAt:      nowUTC(),
	}))

	require.NoError(t, client.EnqueueDelete(ctx, "journal_entries", localID))

	conflicts, err := client.ListConflicts(ctx)
	require.NoError(t, err)
	require.Empty(t, conflicts, "delete supersedes open conflicts")
}

// seedSyncedRecord plants a record that looks like it already completed a
// create round-trip.
func seedSyncedRecord(t *testing.T, client *Client, entityType, serverID string, version int64) string {
	t.Helper()
	localID := NewLocalID()
	now := nowUTC()
	err := putRecord(context.Background(), client.DB, &Record{
		EntityType:      entityType,
		LocalID:         localID,
		ServerID:        serverID,
		Payload:         map[string]any{"title": "synced"},
		BaseVersion:     version,
		LocalUpdatedAt:  now,
		ServerUpdatedAt: now,
		SyncState:       SyncStateSynced,
		CreatedAt:       now,
	})
	require.NoError(t, err)
	return localID
}
