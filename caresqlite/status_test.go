// Copyright 2025 CareJournal Contributors
// SPDX-License-Identifier: Apache-2.0

package caresqlite

import (
	"context"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

func TestSummaryCounts(t *testing.T) {
	server := newFakeSyncServer(t)
	client := newTestClient(t, server.URL())
	ctx := context.Background()

	summary, err := client.Summary(ctx)
	require.NoError(t, err)
	require.True(t, summary.Online)
	require.Equal(t, 0, summary.PendingCount)
	require.True(t, summary.LastSyncTime.IsZero())

	// Two queued edits on separate records.
	require.NoError(t, client.EnqueueCreate(ctx, "journal_entries", NewLocalID(), map[string]any{"title": "a"}))
	require.NoError(t, client.EnqueueCreate(ctx, "journal_entries", NewLocalID(), map[string]any{"title": "b"}))

	summary, err = client.Summary(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, summary.PendingCount)
	require.Equal(t, 0, summary.FailedCount)

	// A failing pass moves items into the failed count.
	server.setFailure(500)
	_, err = client.SyncNow(ctx)
	require.NoError(t, err)

	summary, err = client.Summary(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.FailedCount)
	require.Equal(t, 1, summary.PendingCount, "the blocked item is still pending")

	// A successful pass clears everything and stamps the sync time.
	server.setFailure(0)
	client.SetOnline(true)
	_, err = client.SyncNow(ctx)
	require.NoError(t, err)

	summary, err = client.Summary(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, summary.PendingCount)
	require.Equal(t, 0, summary.FailedCount)
	require.False(t, summary.LastSyncTime.IsZero())
}

func TestSummaryCountsOpenConflicts(t *testing.T) {
	client, _, _, _ := conflictedClient(t)
	ctx := context.Background()

	summary, err := client.Summary(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.ConflictCount)

	conflicts, err := client.ListConflicts(ctx)
	require.NoError(t, err)
	require.NoError(t, client.ResolveConflict(ctx, conflicts[0].ID, ResolutionServer, nil))

	summary, err = client.Summary(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, summary.ConflictCount, "resolved conflicts leave the badge")
}

func TestSetOnline(t *testing.T) {
	client := newTestClient(t, "http://unreachable.invalid")
	require.True(t, client.Online())

	client.SetOnline(false)
	require.False(t, client.Online())

	client.SetOnline(true)
	require.True(t, client.Online())
}

func TestWatcherTriggersSyncAfterReconnect(t *testing.T) {
	server := newFakeSyncServer(t)

	config := DefaultConfig([]string{"journal_entries"})
	config.RequestTimeout = 2 * time.Second
	config.MaxParallelTypes = 1
	config.ProbeInterval = 20 * time.Millisecond
	config.DebounceDelay = 20 * time.Millisecond

	tok := func(ctx context.Context) (string, error) { return "test-token", nil }
	client, err := NewClient(newTestDB(t), server.URL(), tok, config)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, client.EnqueueCreate(ctx, "journal_entries", NewLocalID(), map[string]any{"title": "queued offline"}))
	client.SetOnline(false)

	client.StartWatcher(ctx)

	// The probe sees the healthy server, flips online, and after the
	// debounce delay drains the queue without an explicit SyncNow call.
	require.Eventually(t, func() bool {
		return countRows(t, client.DB, "SELECT COUNT(*) FROM outbox") == 0
	}, 2*time.Second, 10*time.Millisecond, "watcher should trigger a sync pass after reconnect")
	require.True(t, client.Online())
}

func TestStartWatcherIsIdempotent(t *testing.T) {
	client := newTestClient(t, "http://unreachable.invalid")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Repeated calls must not spawn extra probe loops.
	client.StartWatcher(ctx)
	client.StartWatcher(ctx)
}
