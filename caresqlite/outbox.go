// Copyright 2025 CareJournal Contributors
// SPDX-License-Identifier: Apache-2.0

package caresqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// EnqueueCreate records a brand-new entity created on this device. It
// writes a local_only cached record and a create outbox item in one
// transaction and returns immediately; it never waits on the network.
//
// The payload is the full domain document. If it carries a "caseId"
// string, the record is scoped to that care case for hydration and
// listing.
func (c *Client) EnqueueCreate(ctx context.Context, entityType, localID string, payload map[string]any) error {
	if localID == "" {
		return fmt.Errorf("localID must not be empty")
	}
	now := nowUTC()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("enqueue create", err)
	}
	defer tx.Rollback()

	rec := &Record{
		EntityType:     entityType,
		LocalID:        localID,
		CaseID:         caseIDFrom(payload),
		Payload:        payload,
		LocalUpdatedAt: now,
		SyncState:      SyncStateLocalOnly,
		CreatedAt:      now,
	}
	if err := putRecord(ctx, tx, rec); err != nil {
		return err
	}
	if err := insertOutboxItem(ctx, tx, &OutboxItem{
		EntityType: entityType,
		LocalID:    localID,
		Op:         OpCreate,
		Payload:    payload,
		CreatedAt:  now,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("enqueue create", err)
	}
	return nil
}

// EnqueueUpdate merges a partial document into the cached record, bumps
// localUpdatedAt, and appends an update outbox item. If an unacknowledged
// create for the same local id is still queued, the update is coalesced
// into the pending create's payload instead: the server must never see an
// update for an entity it does not know about yet.
func (c *Client) EnqueueUpdate(ctx context.Context, entityType, localID string, partial map[string]any) error {
	now := nowUTC()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("enqueue update", err)
	}
	defer tx.Rollback()

	rec, err := getRecord(ctx, tx, entityType, localID)
	if err != nil {
		return err
	}

	rec.Payload = mergePayload(rec.Payload, partial)
	rec.CaseID = caseIDFrom(rec.Payload)
	rec.LocalUpdatedAt = now
	if rec.SyncState != SyncStateConflicted {
		rec.SyncState = SyncStateLocalOnly
	}
	if err := putRecord(ctx, tx, rec); err != nil {
		return err
	}

	// Coalesce into a queued (not in-flight) item for the same id when one
	// exists: updates fold into the pending create or the previous update,
	// keeping one logical chain per record and FIFO order trivially intact.
	item, err := queuedItemForCoalesce(ctx, tx, entityType, localID)
	if err != nil {
		return err
	}
	if item != nil {
		item.Payload = mergePayload(item.Payload, partial)
		if err := updateOutboxPayload(ctx, tx, item.ID, item.Payload); err != nil {
			return err
		}
		return commitStorage(tx, "enqueue update")
	}

	if err := insertOutboxItem(ctx, tx, &OutboxItem{
		EntityType:  entityType,
		LocalID:     localID,
		ServerID:    rec.ServerID,
		Op:          OpUpdate,
		Payload:     partial,
		BaseVersion: rec.BaseVersion,
		CreatedAt:   now,
	}); err != nil {
		return err
	}
	return commitStorage(tx, "enqueue update")
}

// EnqueueDelete queues deletion of a record. If the create for this id
// has not synced yet, nothing was ever server-visible: the create and any
// coalesced updates are simply discarded along with the record. Otherwise
// the record is hidden locally and a delete item is appended. Any open
// conflict for the id is superseded by the delete.
func (c *Client) EnqueueDelete(ctx context.Context, entityType, localID string) error {
	now := nowUTC()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("enqueue delete", err)
	}
	defer tx.Rollback()

	rec, err := getRecord(ctx, tx, entityType, localID)
	if errors.Is(err, ErrRecordNotFound) {
		return tx.Commit() // nothing to delete
	}
	if err != nil {
		return err
	}

	if err := discardOpenConflicts(ctx, tx, entityType, localID, now); err != nil {
		return err
	}

	if rec.ServerID == "" {
		inFlight, err := hasInFlightItem(ctx, tx, entityType, localID)
		if err != nil {
			return err
		}
		if !inFlight {
			// Never reached the server: drop the whole chain.
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM outbox WHERE entity_type = ? AND local_id = ?
			`, entityType, localID); err != nil {
				return storageErr("enqueue delete", err)
			}
			if err := deleteRecordRow(ctx, tx, entityType, localID); err != nil {
				return err
			}
			return commitStorage(tx, "enqueue delete")
		}
		// The create is mid-flight; queue the delete behind it. Its server
		// id is filled in during create reconciliation.
	}

	rec.Deleted = true
	rec.LocalUpdatedAt = now
	rec.SyncState = SyncStateLocalOnly
	if err := putRecord(ctx, tx, rec); err != nil {
		return err
	}

	// A queued update for this id is now pointless; the delete replaces it.
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM outbox
		WHERE entity_type = ? AND local_id = ? AND op = 'update' AND state != 'syncing'
	`, entityType, localID); err != nil {
		return storageErr("enqueue delete", err)
	}

	if err := insertOutboxItem(ctx, tx, &OutboxItem{
		EntityType:  entityType,
		LocalID:     localID,
		ServerID:    rec.ServerID,
		Op:          OpDelete,
		BaseVersion: rec.BaseVersion,
		CreatedAt:   now,
	}); err != nil {
		return err
	}
	return commitStorage(tx, "enqueue delete")
}

func commitStorage(tx *sql.Tx, op string) error {
	if err := tx.Commit(); err != nil {
		return storageErr(op, err)
	}
	return nil
}

func caseIDFrom(payload map[string]any) string {
	if payload == nil {
		return ""
	}
	if v, ok := payload["caseId"].(string); ok {
		return v
	}
	return ""
}

func insertOutboxItem(ctx context.Context, q querier, item *OutboxItem) error {
	var payload any
	if item.Payload != nil {
		encoded, err := encodePayload(item.Payload)
		if err != nil {
			return err
		}
		payload = encoded
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO outbox (entity_type, local_id, server_id, op, payload,
			base_version, attempts, last_error, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, NULL, 'pending', ?)
	`, item.EntityType, item.LocalID, nullableString(item.ServerID), string(item.Op),
		payload, item.BaseVersion, formatTime(item.CreatedAt))
	if err != nil {
		return storageErr("append outbox", err)
	}
	return nil
}

// queuedItemForCoalesce returns the newest queued item on (entityType,
// localID) that an update may fold into: a pending or failed create or
// update. In-flight items are off limits; a merge into them could be lost
// when the driver removes the item on acknowledgement.
func queuedItemForCoalesce(ctx context.Context, q querier, entityType, localID string) (*OutboxItem, error) {
	row := q.QueryRowContext(ctx, `
		SELECT id, op, payload FROM outbox
		WHERE entity_type = ? AND local_id = ?
			AND op IN ('create','update') AND state != 'syncing'
		ORDER BY id DESC LIMIT 1
	`, entityType, localID)

	var id int64
	var op string
	var payload sql.NullString
	err := row.Scan(&id, &op, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("find coalesce target", err)
	}
	decoded, err := decodePayload(payload)
	if err != nil {
		return nil, err
	}
	return &OutboxItem{ID: id, EntityType: entityType, LocalID: localID, Op: Op(op), Payload: decoded}, nil
}

// updateOutboxPayload stores a rewritten payload and puts the item back
// in rotation. A corrected payload supersedes whatever error the previous
// one produced, including a terminal server rejection.
func updateOutboxPayload(ctx context.Context, q querier, id int64, payload map[string]any) error {
	encoded, err := encodePayload(payload)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `
		UPDATE outbox SET payload = ?, state = 'pending', last_error = NULL WHERE id = ?
	`, encoded, id); err != nil {
		return storageErr("coalesce outbox payload", err)
	}
	return nil
}

func hasInFlightItem(ctx context.Context, q querier, entityType, localID string) (bool, error) {
	var exists bool
	err := q.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM outbox
			WHERE entity_type = ? AND local_id = ? AND state = 'syncing')
	`, entityType, localID).Scan(&exists)
	if err != nil {
		return false, storageErr("check in-flight outbox", err)
	}
	return exists, nil
}

// nextOutboxBatch returns queued items for one entity type in insertion
// order. Items currently in flight are excluded.
func (c *Client) nextOutboxBatch(ctx context.Context, entityType string, limit int) ([]*OutboxItem, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT id, entity_type, local_id, server_id, op, payload,
			base_version, attempts, last_error, state, created_at
		FROM outbox
		WHERE entity_type = ? AND state IN ('pending','failed')
		ORDER BY id
		LIMIT ?
	`, entityType, limit)
	if err != nil {
		return nil, storageErr("read outbox batch", err)
	}
	defer rows.Close()

	var items []*OutboxItem
	for rows.Next() {
		var item OutboxItem
		var serverID, payload, lastError sql.NullString
		var createdAt string
		if err := rows.Scan(&item.ID, &item.EntityType, &item.LocalID, &serverID, &item.Op,
			&payload, &item.BaseVersion, &item.Attempts, &lastError, &item.State, &createdAt); err != nil {
			return nil, storageErr("scan outbox item", err)
		}
		item.ServerID = serverID.String
		item.LastError = lastError.String
		item.CreatedAt = parseTime(createdAt)
		if item.Payload, err = decodePayload(payload); err != nil {
			return nil, err
		}
		items = append(items, &item)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("read outbox batch", err)
	}
	return items, nil
}

func removeOutboxItem(ctx context.Context, q querier, id int64) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id); err != nil {
		return storageErr("remove outbox item", err)
	}
	return nil
}

func markOutboxSyncing(ctx context.Context, q querier, id int64) error {
	_, err := q.ExecContext(ctx, `
		UPDATE outbox SET state = 'syncing', attempts = attempts + 1 WHERE id = ?
	`, id)
	if err != nil {
		return storageErr("mark outbox syncing", err)
	}
	return nil
}

func markOutboxFailed(ctx context.Context, q querier, id int64, cause string) error {
	_, err := q.ExecContext(ctx, `
		UPDATE outbox SET state = 'failed', last_error = ? WHERE id = ?
	`, cause, id)
	if err != nil {
		return storageErr("mark outbox failed", err)
	}
	return nil
}

// markOutboxInvalid parks an item the server rejected outright. Invalid
// items are excluded from batches until a later edit coalesces a corrected
// payload into them, or a delete discards the chain.
func markOutboxInvalid(ctx context.Context, q querier, id int64, cause string) error {
	_, err := q.ExecContext(ctx, `
		UPDATE outbox SET state = 'invalid', last_error = ? WHERE id = ?
	`, cause, id)
	if err != nil {
		return storageErr("mark outbox invalid", err)
	}
	return nil
}

// recoverInFlight puts items stranded in the syncing state back into
// rotation. Only one pass runs at a time, so outside a pass any syncing
// row is a leftover from a process that died mid-flight. Replaying them
// is safe: creates are idempotent on localId, deletes are idempotent, and
// an update the server already applied resurfaces as a visible conflict.
func recoverInFlight(ctx context.Context, q querier) error {
	if _, err := q.ExecContext(ctx, `
		UPDATE outbox SET state = 'pending' WHERE state = 'syncing'
	`); err != nil {
		return storageErr("requeue in-flight items", err)
	}
	if _, err := q.ExecContext(ctx, `
		UPDATE cached_record SET sync_state = 'local_only' WHERE sync_state = 'syncing'
	`); err != nil {
		return storageErr("requeue in-flight items", err)
	}
	return nil
}
