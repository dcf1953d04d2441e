// Copyright 2025 CareJournal Contributors
// SPDX-License-Identifier: Apache-2.0

// Package caresync implements the remote side of the care-journal sync
// contract: per-entity create/update/delete endpoints with optimistic
// concurrency control, plus the bulk pull used for cache hydration.
//
// Every record carries a monotonic server_version; updates and deletes
// state the version the client last saw, and a mismatch produces a 409
// with the server's current copy instead of a silent overwrite.
package caresync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound reports an update against a record the server does not
// have (or that belongs to a different user).
var ErrNotFound = errors.New("caresync: record not found")

// ErrUnregisteredEntity reports a request for an entity type the service
// was not configured with.
var ErrUnregisteredEntity = errors.New("caresync: unregistered entity type")

// ErrInvalidRequest marks request errors the client cannot fix by
// retrying; handlers map it to 400.
var ErrInvalidRequest = errors.New("caresync: invalid request")

// ConflictError carries the server's current copy of a row whose version
// no longer matches the client's snapshot. Handlers encode it as a 409.
type ConflictError struct {
	Server ServerRecord
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict on %s (server version %d)", e.Server.ID, e.Server.ServerVersion)
}

// ServiceConfig holds configuration for the sync service.
type ServiceConfig struct {
	RegisteredEntities []string // entity types allowed in sync operations (required)
	MaxPayloadBytes    int      // maximum JSON payload size per record (0 = unlimited)
	PullLimit          int      // maximum records returned by one pull (0 = default 500)
}

// SyncService is the server-side SDK component. It owns the sync_record
// table and exposes one method per API operation.
type SyncService struct {
	pool     *pgxpool.Pool
	logger   *slog.Logger
	config   *ServiceConfig
	entities map[string]bool
}

// NewSyncService creates a sync service on an existing pool and ensures
// the schema exists.
func NewSyncService(ctx context.Context, pool *pgxpool.Pool, config *ServiceConfig, logger *slog.Logger) (*SyncService, error) {
	if config == nil || len(config.RegisteredEntities) == 0 {
		return nil, fmt.Errorf("config.RegisteredEntities must name at least one entity type")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if config.PullLimit <= 0 {
		config.PullLimit = 500
	}

	s := &SyncService{
		pool:     pool,
		logger:   logger,
		config:   config,
		entities: make(map[string]bool, len(config.RegisteredEntities)),
	}
	for _, entity := range config.RegisteredEntities {
		s.entities[strings.ToLower(entity)] = true
	}

	if err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		return s.initializeSchemaInTx(ctx, tx)
	}); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// IsRegistered reports whether an entity type is allowed.
func (s *SyncService) IsRegistered(entityType string) bool {
	return s.entities[strings.ToLower(entityType)]
}

func (s *SyncService) initializeSchemaInTx(ctx context.Context, tx pgx.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sync_record (
			id             UUID PRIMARY KEY,
			user_id        TEXT NOT NULL,
			entity_type    TEXT NOT NULL,
			case_id        TEXT NOT NULL DEFAULT '',
			local_id       TEXT,
			payload        JSONB NOT NULL DEFAULT '{}'::jsonb,
			server_version BIGINT NOT NULL DEFAULT 1,
			updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
			deleted_at     TIMESTAMPTZ
		)`,
		// Create idempotency: one server row per client-generated local id.
		`CREATE UNIQUE INDEX IF NOT EXISTS uq_sync_record_local
			ON sync_record (user_id, entity_type, local_id)
			WHERE local_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_sync_record_case
			ON sync_record (user_id, entity_type, case_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_record_updated
			ON sync_record (user_id, entity_type, updated_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}
	return nil
}

func (s *SyncService) validate(entityType string, payload map[string]any) error {
	if !s.IsRegistered(entityType) {
		return ErrUnregisteredEntity
	}
	if s.config.MaxPayloadBytes > 0 && payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("%w: unencodable payload: %v", ErrInvalidRequest, err)
		}
		if len(data) > s.config.MaxPayloadBytes {
			return fmt.Errorf("%w: payload exceeds %d bytes", ErrInvalidRequest, s.config.MaxPayloadBytes)
		}
	}
	return nil
}

// ProcessCreate inserts a record, or returns the existing identity when
// the same (user, entity, localId) was already created: replaying a
// create whose response was lost must not duplicate the record.
func (s *SyncService) ProcessCreate(ctx context.Context, userID, entityType string, req *CreateRequest) (*CreateResponse, error) {
	if err := s.validate(entityType, req.Payload); err != nil {
		return nil, err
	}
	if req.LocalID == "" {
		return nil, fmt.Errorf("%w: localId is required", ErrInvalidRequest)
	}

	payload, err := json.Marshal(orEmpty(req.Payload))
	if err != nil {
		return nil, fmt.Errorf("%w: unencodable payload: %v", ErrInvalidRequest, err)
	}

	var resp CreateResponse
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var existingID string
		var existingVersion int64
		err := tx.QueryRow(ctx, `
			SELECT id, server_version FROM sync_record
			WHERE user_id = $1 AND entity_type = $2 AND local_id = $3
		`, userID, entityType, req.LocalID).Scan(&existingID, &existingVersion)
		if err == nil {
			resp = CreateResponse{ID: existingID, ServerVersion: existingVersion}
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("failed to check existing record: %w", err)
		}

		id := uuid.New().String()
		if _, err := tx.Exec(ctx, `
			INSERT INTO sync_record (id, user_id, entity_type, case_id, local_id, payload)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, id, userID, entityType, req.CaseID, req.LocalID, payload); err != nil {
			return fmt.Errorf("failed to insert record: %w", err)
		}
		resp = CreateResponse{ID: id, ServerVersion: 1}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("record created", "entity", entityType, "id", resp.ID, "user", userID)
	return &resp, nil
}

// ProcessUpdate merges a partial document into a record if and only if
// the client's baseVersion matches the current server_version. A
// mismatch returns *ConflictError with the server's copy; the row is not
// touched.
func (s *SyncService) ProcessUpdate(ctx context.Context, userID, entityType string, req *UpdateRequest) (*UpdateResponse, error) {
	if err := s.validate(entityType, req.Payload); err != nil {
		return nil, err
	}
	if req.ServerID == "" {
		return nil, fmt.Errorf("%w: serverId is required", ErrInvalidRequest)
	}

	partial, err := json.Marshal(orEmpty(req.Payload))
	if err != nil {
		return nil, fmt.Errorf("%w: unencodable payload: %v", ErrInvalidRequest, err)
	}

	var resp UpdateResponse
	err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		current, err := s.lockRecord(ctx, tx, userID, entityType, req.ServerID)
		if err != nil {
			return err
		}
		if current.Deleted || current.ServerVersion != req.BaseVersion {
			return &ConflictError{Server: *current}
		}

		var newVersion int64
		if err := tx.QueryRow(ctx, `
			UPDATE sync_record
			SET payload = payload || $1::jsonb,
				server_version = server_version + 1,
				updated_at = now()
			WHERE id = $2
			RETURNING server_version
		`, partial, req.ServerID).Scan(&newVersion); err != nil {
			return fmt.Errorf("failed to update record: %w", err)
		}
		resp = UpdateResponse{Success: true, ServerVersion: newVersion}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &resp, nil
}

// ProcessDelete soft-deletes a record. Deleting a missing or already
// deleted record succeeds so retried deletes are safe; a live record
// whose version moved past the client's snapshot conflicts instead.
func (s *SyncService) ProcessDelete(ctx context.Context, userID, entityType string, req *DeleteRequest) (*DeleteResponse, error) {
	if !s.IsRegistered(entityType) {
		return nil, ErrUnregisteredEntity
	}
	if req.ServerID == "" {
		return nil, fmt.Errorf("%w: serverId is required", ErrInvalidRequest)
	}

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		current, err := s.lockRecord(ctx, tx, userID, entityType, req.ServerID)
		if errors.Is(err, ErrNotFound) {
			return nil // already gone
		}
		if err != nil {
			return err
		}
		if current.Deleted {
			return nil
		}
		if current.ServerVersion != req.BaseVersion {
			return &ConflictError{Server: *current}
		}

		if _, err := tx.Exec(ctx, `
			UPDATE sync_record
			SET deleted_at = now(),
				server_version = server_version + 1,
				updated_at = now()
			WHERE id = $1
		`, req.ServerID); err != nil {
			return fmt.Errorf("failed to delete record: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &DeleteResponse{Success: true}, nil
}

// ProcessPull returns the user's records for one entity type, newest
// first, for cache hydration. Soft-deleted rows are included as
// tombstones so hydration can drop stale local copies.
func (s *SyncService) ProcessPull(ctx context.Context, userID, entityType, caseID string) (*PullResponse, error) {
	if !s.IsRegistered(entityType) {
		return nil, ErrUnregisteredEntity
	}

	query := `
		SELECT id, case_id, payload, server_version, updated_at, deleted_at
		FROM sync_record
		WHERE user_id = $1 AND entity_type = $2`
	args := []any{userID, entityType}
	if caseID != "" {
		query += ` AND case_id = $3`
		args = append(args, caseID)
	}
	query += fmt.Sprintf(` ORDER BY updated_at DESC LIMIT %d`, s.config.PullLimit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query records: %w", err)
	}
	defer rows.Close()

	resp := &PullResponse{Records: []ServerRecord{}}
	for rows.Next() {
		var rec ServerRecord
		var payload []byte
		var deletedAt *time.Time
		if err := rows.Scan(&rec.ID, &rec.CaseID, &payload, &rec.ServerVersion, &rec.UpdatedAt, &deletedAt); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		rec.Deleted = deletedAt != nil
		if err := json.Unmarshal(payload, &rec.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode payload: %w", err)
		}
		resp.Records = append(resp.Records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}
	return resp, nil
}

// lockRecord loads one row FOR UPDATE so the version check and the write
// are atomic against concurrent devices.
func (s *SyncService) lockRecord(ctx context.Context, tx pgx.Tx, userID, entityType, serverID string) (*ServerRecord, error) {
	var rec ServerRecord
	var payload []byte
	var deletedAt *time.Time
	err := tx.QueryRow(ctx, `
		SELECT id, case_id, payload, server_version, updated_at, deleted_at
		FROM sync_record
		WHERE id = $1 AND user_id = $2 AND entity_type = $3
		FOR UPDATE
	`, serverID, userID, entityType).Scan(&rec.ID, &rec.CaseID, &payload,
		&rec.ServerVersion, &rec.UpdatedAt, &deletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load record: %w", err)
	}
	if err := json.Unmarshal(payload, &rec.Payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	rec.Deleted = deletedAt != nil
	return &rec, nil
}

func orEmpty(payload map[string]any) map[string]any {
	if payload == nil {
		return map[string]any{}
	}
	return payload
}
