// Copyright 2025 CareJournal Contributors
// SPDX-License-Identifier: Apache-2.0

package caresqlite

import (
	"context"
	"errors"
	"sync"

	"golang.org/x/sync/errgroup"
)

// SyncResult summarizes one sync pass.
type SyncResult struct {
	Processed int // items durably applied to the server
	Failed    int // items left in retry state
	Conflicts int // items redirected to conflict records
	Skipped   int // items not attempted (offline mid-pass, or blocked chain)
}

const metaLastSync = "last_sync_time"

// SyncNow drains the outbox against the remote API. Only one pass runs at
// a time: a call while a pass is active joins the in-flight pass and
// schedules at most one follow-up pass, so rapid triggers coalesce
// instead of queueing indefinitely.
//
// Network and timeout failures are absorbed into failed outbox state and
// conflicts into conflict records; only local StorageErrors are returned,
// since they mean the device itself may be out of space or corrupted.
func (c *Client) SyncNow(ctx context.Context) (*SyncResult, error) {
	c.passMu.Lock()
	if c.passRunning {
		c.passAgain = true
		done := c.passDone
		c.passMu.Unlock()

		select {
		case <-done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		c.passMu.Lock()
		res, err := c.passResult, c.passErr
		c.passMu.Unlock()
		return res, err
	}
	c.passRunning = true
	c.passDone = make(chan struct{})
	done := c.passDone
	c.passMu.Unlock()

	var res *SyncResult
	var err error
	for {
		res, err = c.runPass(ctx)

		c.passMu.Lock()
		again := c.passAgain
		c.passAgain = false
		if !again || err != nil {
			c.passRunning = false
			c.passResult, c.passErr = res, err
			c.passMu.Unlock()
			close(done)
			return res, err
		}
		c.passMu.Unlock()
	}
}

// runPass executes one drain of the outbox. Different entity types are
// processed concurrently with a bounded fan-out; items on the same entity
// type (and therefore the same local id) stay strictly sequential.
func (c *Client) runPass(ctx context.Context) (*SyncResult, error) {
	res := &SyncResult{}

	// No other pass is running, so any syncing row is stale state from a
	// crashed process. Requeue before reading the batch.
	c.writeMu.Lock()
	err := recoverInFlight(ctx, c.DB)
	c.writeMu.Unlock()
	if err != nil {
		return res, err
	}

	if !c.Online() {
		return res, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.config.MaxParallelTypes)

	for _, entityType := range c.config.EntityTypes {
		g.Go(func() error {
			chain, err := c.drainEntityType(gctx, entityType)
			if err != nil {
				return err
			}
			mu.Lock()
			res.Processed += chain.Processed
			res.Failed += chain.Failed
			res.Conflicts += chain.Conflicts
			res.Skipped += chain.Skipped
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return res, err
	}

	if res.Processed > 0 || res.Conflicts > 0 {
		c.writeMu.Lock()
		err := setMeta(ctx, c.DB, metaLastSync, formatTime(nowUTC()))
		c.writeMu.Unlock()
		if err != nil {
			return res, err
		}
	}
	return res, nil
}

func (c *Client) drainEntityType(ctx context.Context, entityType string) (*SyncResult, error) {
	res := &SyncResult{}
	items, err := c.nextOutboxBatch(ctx, entityType, c.config.BatchLimit)
	if err != nil {
		return res, err
	}

	for i, item := range items {
		// Offline is checked before each item, never mid-item.
		if err := ctx.Err(); err != nil {
			res.Skipped += len(items) - i
			return res, nil
		}
		if !c.Online() {
			res.Skipped += len(items) - i
			return res, nil
		}

		outcome, err := c.processItem(ctx, entityType, item)
		if err != nil {
			return res, err // storage errors only
		}
		switch outcome {
		case outcomeApplied:
			res.Processed++
		case outcomeConflict:
			res.Conflicts++
		case outcomeFailed:
			res.Failed++
			// A failed item blocks later items on its entity type: skipping
			// ahead could reorder operations on the same record.
			res.Skipped += len(items) - i - 1
			return res, nil
		case outcomeBlocked:
			res.Skipped += len(items) - i
			return res, nil
		}
	}
	return res, nil
}

type itemOutcome int

const (
	outcomeApplied itemOutcome = iota
	outcomeConflict
	outcomeFailed
	outcomeBlocked
)

// processItem replays one outbox item. All post-response reconciliation
// runs in a single transaction so a crash mid-sync never leaves the
// outbox and the cached record in an inconsistent pairing.
func (c *Client) processItem(ctx context.Context, entityType string, item *OutboxItem) (itemOutcome, error) {
	rec, err := c.GetRecord(ctx, entityType, item.LocalID)
	if err != nil && !errors.Is(err, ErrRecordNotFound) {
		return 0, err
	}

	// Updates and deletes need a server id. A delete queued behind a
	// mid-flight create picks it up during create reconciliation; until
	// then the chain waits. An item that predates the ack also adopts the
	// version the create established, since its own snapshot saw no server
	// state at all.
	if item.Op != OpCreate && item.ServerID == "" {
		if rec != nil && rec.ServerID != "" {
			item.ServerID = rec.ServerID
			item.BaseVersion = rec.BaseVersion
		} else {
			return outcomeBlocked, nil
		}
	}

	c.writeMu.Lock()
	err = func() error {
		if err := markOutboxSyncing(ctx, c.DB, item.ID); err != nil {
			return err
		}
		return setRecordState(ctx, c.DB, entityType, item.LocalID, SyncStateSyncing)
	}()
	c.writeMu.Unlock()
	if err != nil {
		return 0, err
	}

	switch item.Op {
	case OpCreate:
		return c.processCreate(ctx, entityType, item, rec)
	case OpUpdate:
		return c.processUpdate(ctx, entityType, item, rec)
	case OpDelete:
		return c.processDelete(ctx, entityType, item, rec)
	}
	return 0, errors.New("caresqlite: unknown outbox op " + string(item.Op))
}

func (c *Client) processCreate(ctx context.Context, entityType string, item *OutboxItem, rec *Record) (itemOutcome, error) {
	resp, err := c.sendCreate(ctx, entityType, item)
	if err != nil {
		return c.recordItemFailure(ctx, entityType, item, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("reconcile create", err)
	}
	defer tx.Rollback()

	now := nowUTC()
	if _, err := tx.ExecContext(ctx, `
		UPDATE cached_record
		SET server_id = ?, base_version = ?, server_updated_at = ?, sync_state = ?
		WHERE entity_type = ? AND local_id = ?
	`, resp.ID, resp.ServerVersion, formatTime(now), string(SyncStateSynced),
		entityType, item.LocalID); err != nil {
		return 0, storageErr("reconcile create", err)
	}
	if err := removeOutboxItem(ctx, tx, item.ID); err != nil {
		return 0, err
	}
	// Local ids are a temporary namespace: now that the server assigned a
	// real id, rewrite every queued reference to it.
	if err := remapQueuedReferences(ctx, tx, item.LocalID, resp.ID, resp.ServerVersion); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, storageErr("reconcile create", err)
	}

	c.logger.Debug("create synced", "entity", entityType, "local_id", item.LocalID, "server_id", resp.ID)
	return outcomeApplied, nil
}

func (c *Client) processUpdate(ctx context.Context, entityType string, item *OutboxItem, rec *Record) (itemOutcome, error) {
	localUpdatedAt := nowUTC()
	if rec != nil {
		localUpdatedAt = rec.LocalUpdatedAt
	}
	resp, conflict, err := c.sendUpdate(ctx, entityType, item, localUpdatedAt)
	if err != nil {
		return c.recordItemFailure(ctx, entityType, item, err)
	}
	if conflict != nil {
		return c.recordConflict(ctx, entityType, item, rec, conflict)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("reconcile update", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE cached_record
		SET base_version = ?, server_updated_at = ?, sync_state = ?
		WHERE entity_type = ? AND local_id = ?
	`, resp.ServerVersion, formatTime(nowUTC()), string(SyncStateSynced),
		entityType, item.LocalID); err != nil {
		return 0, storageErr("reconcile update", err)
	}
	if err := removeOutboxItem(ctx, tx, item.ID); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, storageErr("reconcile update", err)
	}
	return outcomeApplied, nil
}

func (c *Client) processDelete(ctx context.Context, entityType string, item *OutboxItem, rec *Record) (itemOutcome, error) {
	conflict, err := c.sendDelete(ctx, entityType, item)
	if err != nil {
		return c.recordItemFailure(ctx, entityType, item, err)
	}
	if conflict != nil {
		return c.recordConflict(ctx, entityType, item, rec, conflict)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("reconcile delete", err)
	}
	defer tx.Rollback()

	if err := deleteRecordRow(ctx, tx, entityType, item.LocalID); err != nil {
		return 0, err
	}
	if err := removeOutboxItem(ctx, tx, item.ID); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, storageErr("reconcile delete", err)
	}
	return outcomeApplied, nil
}

// recordItemFailure leaves the item in the outbox, visible and never
// silently dropped. A transient failure keeps the item retryable and
// flips the connectivity flag so the rest of the pass skips instead of
// hammering a dead link. A server rejection parks the item as invalid:
// resending the same payload cannot succeed, so it waits for a corrected
// edit or a delete.
func (c *Client) recordItemFailure(ctx context.Context, entityType string, item *OutboxItem, cause error) (itemOutcome, error) {
	transient := IsTransient(cause)
	if transient {
		c.setOnline(false)
	}
	c.logger.Warn("sync item failed", "entity", entityType, "local_id", item.LocalID,
		"op", item.Op, "attempts", item.Attempts+1, "transient", transient, "error", cause)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("record failure", err)
	}
	defer tx.Rollback()

	if transient {
		err = markOutboxFailed(ctx, tx, item.ID, cause.Error())
	} else {
		err = markOutboxInvalid(ctx, tx, item.ID, cause.Error())
	}
	if err != nil {
		return 0, err
	}
	if err := setRecordState(ctx, tx, entityType, item.LocalID, SyncStateFailed); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, storageErr("record failure", err)
	}
	return outcomeFailed, nil
}

// recordConflict redirects a rejected write into a conflict record and
// removes the outbox item: retrying an update based on a stale snapshot
// would only reproduce the conflict. The item is gone if and only if the
// conflict is durably recorded, in the same transaction.
func (c *Client) recordConflict(ctx context.Context, entityType string, item *OutboxItem, rec *Record, reply *conflictReply) (itemOutcome, error) {
	localVersion := item.Payload
	localUpdatedAt := nowUTC()
	if rec != nil {
		localVersion = rec.Payload
		localUpdatedAt = rec.LocalUpdatedAt
	}
	if item.Op == OpDelete {
		localVersion = map[string]any{"deleted": true}
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("record conflict", err)
	}
	defer tx.Rollback()

	if err := insertConflict(ctx, tx, &Conflict{
		ID:               NewLocalID(),
		EntityType:       entityType,
		LocalID:          item.LocalID,
		ServerID:         item.ServerID,
		LocalVersion:     localVersion,
		ServerVersion:    reply.Server.Payload,
		ServerRowVersion: reply.Server.ServerVersion,
		LocalUpdatedAt:   localUpdatedAt,
		ServerUpdatedAt:  reply.Server.UpdatedAt,
		CreatedAt:        nowUTC(),
	}); err != nil {
		return 0, err
	}
	if err := setRecordState(ctx, tx, entityType, item.LocalID, SyncStateConflicted); err != nil {
		return 0, err
	}
	if err := removeOutboxItem(ctx, tx, item.ID); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, storageErr("record conflict", err)
	}

	c.logger.Info("sync conflict recorded", "entity", entityType,
		"local_id", item.LocalID, "server_id", item.ServerID)
	return outcomeConflict, nil
}

// remapQueuedReferences rewrites a freshly assigned server id into every
// queued outbox item: the server_id column of later operations on the
// same record, and any payload value in other items that references the
// local id as a foreign key (e.g. a photo attached to a not-yet-synced
// event). Chain items authored before the create acked were snapshotted
// against no server state at all; their base version becomes the
// create's, so they address the row the server just made.
func remapQueuedReferences(ctx context.Context, q querier, localID, serverID string, serverVersion int64) error {
	if _, err := q.ExecContext(ctx, `
		UPDATE outbox SET server_id = ?, base_version = ?
		WHERE local_id = ? AND server_id IS NULL
	`, serverID, serverVersion, localID); err != nil {
		return storageErr("remap outbox server id", err)
	}

	rows, err := q.QueryContext(ctx, `
		SELECT id, payload FROM outbox
		WHERE payload IS NOT NULL AND instr(payload, ?) > 0
	`, localID)
	if err != nil {
		return storageErr("scan queued references", err)
	}
	defer rows.Close()

	type rewrite struct {
		id      int64
		payload map[string]any
	}
	var rewrites []rewrite
	for rows.Next() {
		var id int64
		var raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return storageErr("scan queued references", err)
		}
		payload, err := decodePayloadString(raw)
		if err != nil {
			return err
		}
		if replaceReference(payload, localID, serverID) {
			rewrites = append(rewrites, rewrite{id: id, payload: payload})
		}
	}
	if err := rows.Err(); err != nil {
		return storageErr("scan queued references", err)
	}

	for _, rw := range rewrites {
		if err := updateOutboxPayload(ctx, q, rw.id, rw.payload); err != nil {
			return err
		}
	}
	return nil
}

// replaceReference walks a decoded payload and swaps any string value
// equal to localID for serverID. Returns true if anything changed.
func replaceReference(payload map[string]any, localID, serverID string) bool {
	changed := false
	for k, v := range payload {
		switch val := v.(type) {
		case string:
			if val == localID {
				payload[k] = serverID
				changed = true
			}
		case map[string]any:
			if replaceReference(val, localID, serverID) {
				changed = true
			}
		case []any:
			for i, elem := range val {
				switch ev := elem.(type) {
				case string:
					if ev == localID {
						val[i] = serverID
						changed = true
					}
				case map[string]any:
					if replaceReference(ev, localID, serverID) {
						changed = true
					}
				}
			}
		}
	}
	return changed
}
