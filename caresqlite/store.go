// Copyright 2025 CareJournal Contributors
// SPDX-License-Identifier: Apache-2.0

package caresqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// querier is satisfied by both *sql.DB and *sql.Tx so record lookups can
// run standalone or inside a reconciliation transaction.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

const recordColumns = `entity_type, local_id, server_id, case_id, payload, base_version,
	local_updated_at, server_updated_at, sync_state, deleted, created_at`

func scanRecord(row *sql.Row) (*Record, error) {
	var r Record
	var serverID, serverUpdatedAt, payload sql.NullString
	var localUpdatedAt, createdAt string
	var deleted int
	err := row.Scan(&r.EntityType, &r.LocalID, &serverID, &r.CaseID, &payload,
		&r.BaseVersion, &localUpdatedAt, &serverUpdatedAt, &r.SyncState, &deleted, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, storageErr("scan record", err)
	}
	r.ServerID = serverID.String
	r.LocalUpdatedAt = parseTime(localUpdatedAt)
	r.ServerUpdatedAt = parseTime(serverUpdatedAt.String)
	r.CreatedAt = parseTime(createdAt)
	r.Deleted = deleted != 0
	if payload.Valid {
		if err := json.Unmarshal([]byte(payload.String), &r.Payload); err != nil {
			return nil, storageErr("decode record payload", err)
		}
	}
	return &r, nil
}

// GetRecord looks up a cached record by its stable local id.
func (c *Client) GetRecord(ctx context.Context, entityType, localID string) (*Record, error) {
	return getRecord(ctx, c.DB, entityType, localID)
}

func getRecord(ctx context.Context, q querier, entityType, localID string) (*Record, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM cached_record
		WHERE entity_type = ? AND local_id = ?
	`, entityType, localID)
	return scanRecord(row)
}

// GetRecordByServerID looks up a cached record by server id. Server
// responses carry server ids while in-flight state is indexed by local id,
// so both lookups are required.
func (c *Client) GetRecordByServerID(ctx context.Context, entityType, serverID string) (*Record, error) {
	return getRecordByServerID(ctx, c.DB, entityType, serverID)
}

func getRecordByServerID(ctx context.Context, q querier, entityType, serverID string) (*Record, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+recordColumns+` FROM cached_record
		WHERE entity_type = ? AND server_id = ?
	`, entityType, serverID)
	return scanRecord(row)
}

// ListRecords returns non-deleted cached records for an entity type,
// optionally scoped to a case, newest local change first.
func (c *Client) ListRecords(ctx context.Context, entityType, caseID string) ([]*Record, error) {
	query := `
		SELECT ` + recordColumns + ` FROM cached_record
		WHERE entity_type = ? AND deleted = 0`
	args := []any{entityType}
	if caseID != "" {
		query += ` AND case_id = ?`
		args = append(args, caseID)
	}
	query += ` ORDER BY local_updated_at DESC`

	rows, err := c.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list records", err)
	}
	defer rows.Close()

	var records []*Record
	for rows.Next() {
		var r Record
		var serverID, serverUpdatedAt, payload sql.NullString
		var localUpdatedAt, createdAt string
		var deleted int
		if err := rows.Scan(&r.EntityType, &r.LocalID, &serverID, &r.CaseID, &payload,
			&r.BaseVersion, &localUpdatedAt, &serverUpdatedAt, &r.SyncState, &deleted, &createdAt); err != nil {
			return nil, storageErr("scan record", err)
		}
		r.ServerID = serverID.String
		r.LocalUpdatedAt = parseTime(localUpdatedAt)
		r.ServerUpdatedAt = parseTime(serverUpdatedAt.String)
		r.CreatedAt = parseTime(createdAt)
		r.Deleted = deleted != 0
		if payload.Valid {
			if err := json.Unmarshal([]byte(payload.String), &r.Payload); err != nil {
				return nil, storageErr("decode record payload", err)
			}
		}
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list records", err)
	}
	return records, nil
}

// putRecord upserts a cached record by (entity_type, local_id).
func putRecord(ctx context.Context, q querier, r *Record) error {
	payload, err := encodePayload(r.Payload)
	if err != nil {
		return err
	}
	deleted := 0
	if r.Deleted {
		deleted = 1
	}
	_, err = q.ExecContext(ctx, `
		INSERT INTO cached_record (entity_type, local_id, server_id, case_id, payload,
			base_version, local_updated_at, server_updated_at, sync_state, deleted, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_type, local_id) DO UPDATE SET
			server_id = excluded.server_id,
			case_id = excluded.case_id,
			payload = excluded.payload,
			base_version = excluded.base_version,
			local_updated_at = excluded.local_updated_at,
			server_updated_at = excluded.server_updated_at,
			sync_state = excluded.sync_state,
			deleted = excluded.deleted
	`, r.EntityType, r.LocalID, nullableString(r.ServerID), r.CaseID, payload,
		r.BaseVersion, formatTime(r.LocalUpdatedAt), nullableTime(r.ServerUpdatedAt),
		string(r.SyncState), deleted, formatTime(r.CreatedAt))
	if err != nil {
		return storageErr("put record", err)
	}
	return nil
}

func setRecordState(ctx context.Context, q querier, entityType, localID string, state SyncState) error {
	_, err := q.ExecContext(ctx, `
		UPDATE cached_record SET sync_state = ?
		WHERE entity_type = ? AND local_id = ?
	`, string(state), entityType, localID)
	if err != nil {
		return storageErr("set record state", err)
	}
	return nil
}

func deleteRecordRow(ctx context.Context, q querier, entityType, localID string) error {
	_, err := q.ExecContext(ctx, `
		DELETE FROM cached_record WHERE entity_type = ? AND local_id = ?
	`, entityType, localID)
	if err != nil {
		return storageErr("delete record", err)
	}
	return nil
}

func encodePayload(payload map[string]any) (string, error) {
	if payload == nil {
		return "{}", nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "", storageErr("encode payload", err)
	}
	return string(data), nil
}

func decodePayload(s sql.NullString) (map[string]any, error) {
	if !s.Valid {
		return nil, nil
	}
	return decodePayloadString(s.String)
}

func decodePayloadString(s string) (map[string]any, error) {
	if s == "" {
		return nil, nil
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(s), &payload); err != nil {
		return nil, storageErr("decode payload", err)
	}
	return payload, nil
}

// mergePayload folds partial into base without mutating either argument.
func mergePayload(base, partial map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(partial))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range partial {
		merged[k] = v
	}
	return merged
}

// getMeta reads a sync_meta value; missing keys return "".
func getMeta(ctx context.Context, q querier, key string) (string, error) {
	var value string
	err := q.QueryRowContext(ctx, `SELECT value FROM sync_meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", storageErr(fmt.Sprintf("read meta %s", key), err)
	}
	return value, nil
}

func setMeta(ctx context.Context, q querier, key, value string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO sync_meta (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, formatTime(nowUTC()))
	if err != nil {
		return storageErr(fmt.Sprintf("write meta %s", key), err)
	}
	return nil
}
