// Copyright 2025 CareJournal Contributors
// SPDX-License-Identifier: Apache-2.0

package caresqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

func insertConflict(ctx context.Context, q querier, conflict *Conflict) error {
	localVersion, err := encodePayload(conflict.LocalVersion)
	if err != nil {
		return err
	}
	serverVersion, err := encodePayload(conflict.ServerVersion)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO conflict_record (id, entity_type, local_id, server_id,
			local_version, server_version, server_row_version,
			local_updated_at, server_updated_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, conflict.ID, conflict.EntityType, conflict.LocalID, nullableString(conflict.ServerID),
		localVersion, serverVersion, conflict.ServerRowVersion,
		formatTime(conflict.LocalUpdatedAt), nullableTime(conflict.ServerUpdatedAt),
		formatTime(conflict.CreatedAt))
	if err != nil {
		return storageErr("insert conflict", err)
	}
	return nil
}

const conflictColumns = `id, entity_type, local_id, server_id, local_version, server_version,
	server_row_version, local_updated_at, server_updated_at, created_at, resolved_at, resolution`

func scanConflict(scan func(dest ...any) error) (*Conflict, error) {
	var cf Conflict
	var serverID, serverUpdatedAt, resolvedAt, resolution sql.NullString
	var localVersion, serverVersion, localUpdatedAt, createdAt string
	err := scan(&cf.ID, &cf.EntityType, &cf.LocalID, &serverID, &localVersion, &serverVersion,
		&cf.ServerRowVersion, &localUpdatedAt, &serverUpdatedAt, &createdAt, &resolvedAt, &resolution)
	if err != nil {
		return nil, err
	}
	cf.ServerID = serverID.String
	cf.LocalUpdatedAt = parseTime(localUpdatedAt)
	cf.ServerUpdatedAt = parseTime(serverUpdatedAt.String)
	cf.CreatedAt = parseTime(createdAt)
	cf.ResolvedAt = parseTime(resolvedAt.String)
	cf.Resolution = Resolution(resolution.String)
	var decodeErr error
	if cf.LocalVersion, decodeErr = decodePayloadString(localVersion); decodeErr != nil {
		return nil, decodeErr
	}
	if cf.ServerVersion, decodeErr = decodePayloadString(serverVersion); decodeErr != nil {
		return nil, decodeErr
	}
	return &cf, nil
}

// ListConflicts returns every conflict still waiting on a human decision,
// oldest first.
func (c *Client) ListConflicts(ctx context.Context) ([]*Conflict, error) {
	rows, err := c.DB.QueryContext(ctx, `
		SELECT `+conflictColumns+` FROM conflict_record
		WHERE resolved_at IS NULL
		ORDER BY created_at
	`)
	if err != nil {
		return nil, storageErr("list conflicts", err)
	}
	defer rows.Close()

	var conflicts []*Conflict
	for rows.Next() {
		cf, err := scanConflict(rows.Scan)
		if err != nil {
			return nil, storageErr("scan conflict", err)
		}
		conflicts = append(conflicts, cf)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list conflicts", err)
	}
	return conflicts, nil
}

// GetConflict looks up one conflict, resolved or not.
func (c *Client) GetConflict(ctx context.Context, id string) (*Conflict, error) {
	row := c.DB.QueryRowContext(ctx, `
		SELECT `+conflictColumns+` FROM conflict_record WHERE id = ?
	`, id)
	cf, err := scanConflict(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrConflictNotFound
	}
	if err != nil {
		return nil, storageErr("get conflict", err)
	}
	return cf, nil
}

// ResolveConflict applies a human decision to an open conflict.
//
//   - ResolutionServer adopts the server version into the local store and
//     marks the conflict resolved; no corrective write is needed.
//   - ResolutionLocal re-enqueues the local payload as a fresh update.
//   - ResolutionMerged enqueues the caller-supplied combined payload.
//
// The corrective update is snapshotted against the server's current row
// version, so it applies cleanly as an intentional overwrite and cannot
// spuriously conflict against the data it was derived from. The original
// stale outbox item is never reopened; it was already removed when the
// conflict was recorded.
func (c *Client) ResolveConflict(ctx context.Context, conflictID string, choice Resolution, mergedPayload map[string]any) error {
	cf, err := c.GetConflict(ctx, conflictID)
	if err != nil {
		return err
	}
	if cf.Resolved() {
		return ErrConflictAlreadyResolved
	}

	now := nowUTC()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("resolve conflict", err)
	}
	defer tx.Rollback()

	rec, err := getRecord(ctx, tx, cf.EntityType, cf.LocalID)
	if errors.Is(err, ErrRecordNotFound) {
		rec = nil
	} else if err != nil {
		return err
	}

	switch choice {
	case ResolutionServer:
		adopted := &Record{
			EntityType:      cf.EntityType,
			LocalID:         cf.LocalID,
			ServerID:        cf.ServerID,
			Payload:         cf.ServerVersion,
			BaseVersion:     cf.ServerRowVersion,
			LocalUpdatedAt:  now,
			ServerUpdatedAt: cf.ServerUpdatedAt,
			SyncState:       SyncStateSynced,
			CreatedAt:       now,
		}
		if rec != nil {
			adopted.CreatedAt = rec.CreatedAt
		}
		adopted.CaseID = caseIDFrom(adopted.Payload)
		if err := putRecord(ctx, tx, adopted); err != nil {
			return err
		}

	case ResolutionLocal, ResolutionMerged:
		payload := cf.LocalVersion
		if choice == ResolutionMerged {
			if mergedPayload == nil {
				return fmt.Errorf("merged resolution requires a payload")
			}
			payload = mergedPayload
		}
		updated := &Record{
			EntityType:      cf.EntityType,
			LocalID:         cf.LocalID,
			ServerID:        cf.ServerID,
			Payload:         payload,
			BaseVersion:     cf.ServerRowVersion,
			LocalUpdatedAt:  now,
			ServerUpdatedAt: cf.ServerUpdatedAt,
			SyncState:       SyncStateLocalOnly,
			CreatedAt:       now,
		}
		if rec != nil {
			updated.CreatedAt = rec.CreatedAt
		}
		updated.CaseID = caseIDFrom(updated.Payload)
		if err := putRecord(ctx, tx, updated); err != nil {
			return err
		}
		if err := insertOutboxItem(ctx, tx, &OutboxItem{
			EntityType:  cf.EntityType,
			LocalID:     cf.LocalID,
			ServerID:    cf.ServerID,
			Op:          OpUpdate,
			Payload:     payload,
			BaseVersion: cf.ServerRowVersion,
			CreatedAt:   now,
		}); err != nil {
			return err
		}

	default:
		return fmt.Errorf("unknown resolution %q", choice)
	}

	if err := markConflictResolved(ctx, tx, conflictID, choice, now); err != nil {
		return err
	}
	return commitStorage(tx, "resolve conflict")
}

func markConflictResolved(ctx context.Context, q querier, id string, choice Resolution, at time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE conflict_record SET resolved_at = ?, resolution = ? WHERE id = ?
	`, formatTime(at), string(choice), id)
	if err != nil {
		return storageErr("mark conflict resolved", err)
	}
	return nil
}

// discardOpenConflicts closes conflicts superseded by a local delete.
func discardOpenConflicts(ctx context.Context, q querier, entityType, localID string, at time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE conflict_record SET resolved_at = ?, resolution = ?
		WHERE entity_type = ? AND local_id = ? AND resolved_at IS NULL
	`, formatTime(at), string(ResolutionLocal), entityType, localID)
	if err != nil {
		return storageErr("discard conflicts", err)
	}
	return nil
}
