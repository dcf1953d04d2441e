// Copyright 2025 CareJournal Contributors
// SPDX-License-Identifier: Apache-2.0

// Package caresqlite provides the offline-first sync engine for the care
// journal: a durable SQLite-backed local store, an ordered outbox of
// not-yet-acknowledged mutations, a sync driver that replays the outbox
// against the remote API, and a conflict resolution workflow.
//
// The rest of the application talks to this package only through
// EnqueueCreate/EnqueueUpdate/EnqueueDelete, Summary, ListConflicts,
// ResolveConflict and SyncNow. It has no dependency on any UI paradigm;
// consumers observe state by querying.
package caresqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// timeLayout is the canonical storage format for timestamps.
const timeLayout = time.RFC3339Nano

// Client owns the local store and drives synchronization against the
// remote API. All mutation of the four sync tables goes through its
// transactional methods; no other component writes them directly.
type Client struct {
	DB      *sql.DB
	BaseURL string
	Token   func(context.Context) (string, error) // returns a bearer token
	HTTP    *http.Client
	config  *Config
	logger  *slog.Logger

	writeMu sync.Mutex // serialize write transactions to avoid SQLITE_BUSY

	// Sync pass state machine (idle|running). Owned by the driver; a
	// trigger while running joins the in-flight pass, and at most one
	// follow-up pass is coalesced.
	passMu      sync.Mutex
	passRunning bool
	passDone    chan struct{}
	passAgain   bool
	passResult  *SyncResult
	passErr     error

	online atomic.Bool

	watchOnce sync.Once
}

// Config holds tuning knobs for the sync client.
type Config struct {
	EntityTypes      []string      // entity types this client syncs (e.g. "events", "profiles")
	BatchLimit       int           // max outbox items drained per entity type per pass
	RequestTimeout   time.Duration // per network call; expiry is a transient failure
	ProbePath        string        // reachability probe, e.g. "/healthz"
	ProbeInterval    time.Duration // connectivity watcher poll interval
	DebounceDelay    time.Duration // settle time after reconnect before triggering a pass
	MaxParallelTypes int           // bounded cross-entity concurrency; same-entity stays FIFO
}

// DefaultConfig returns the standard configuration for the given entity types.
func DefaultConfig(entityTypes []string) *Config {
	return &Config{
		EntityTypes:      entityTypes,
		BatchLimit:       200,
		RequestTimeout:   30 * time.Second,
		ProbePath:        "/healthz",
		ProbeInterval:    10 * time.Second,
		DebounceDelay:    500 * time.Millisecond,
		MaxParallelTypes: 4,
	}
}

// NewClient initializes the local store schema (running any pending
// additive migrations) and returns a ready client. The caller owns db.
func NewClient(db *sql.DB, baseURL string, tok func(ctx context.Context) (string, error), config *Config) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if len(config.EntityTypes) == 0 {
		return nil, fmt.Errorf("config.EntityTypes must name at least one entity type")
	}
	if config.BatchLimit <= 0 {
		config.BatchLimit = 200
	}
	if config.MaxParallelTypes <= 0 {
		config.MaxParallelTypes = 1
	}

	if err := initializeSchema(db); err != nil {
		return nil, fmt.Errorf("failed to initialize local store: %w", err)
	}
	// A previous process may have died mid-pass; its in-flight items must
	// come back into rotation before anything reads the queue.
	if err := recoverInFlight(context.Background(), db); err != nil {
		return nil, fmt.Errorf("failed to recover in-flight items: %w", err)
	}

	c := &Client{
		DB:      db,
		BaseURL: baseURL,
		Token:   tok,
		HTTP:    &http.Client{Timeout: config.RequestTimeout},
		config:  config,
		logger:  slog.Default(),
	}
	// Assume reachable until the watcher or a failed call says otherwise.
	c.online.Store(true)
	return c, nil
}

// SetLogger replaces the default slog logger.
func (c *Client) SetLogger(logger *slog.Logger) {
	if logger != nil {
		c.logger = logger
	}
}

// NewLocalID generates a stable client-side identifier for a record
// created offline. Local ids are a temporary namespace remapped to server
// ids at reconciliation time.
func NewLocalID() string {
	return "local_" + uuid.New().String()
}

// schemaVersion is the current local store schema. Migrations are
// additive only; PRAGMA user_version records the applied version.
const schemaVersion = 3

func initializeSchema(db *sql.DB) error {
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	var current int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&current); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin migration transaction: %w", err)
	}
	defer tx.Rollback()

	if current < 1 {
		if err := migrateV1(tx); err != nil {
			return err
		}
	}
	if current < 2 {
		if err := migrateV2(tx); err != nil {
			return err
		}
	}
	if current < 3 {
		if err := migrateV3(tx); err != nil {
			return err
		}
	}

	if current < schemaVersion {
		if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion)); err != nil {
			return fmt.Errorf("failed to set schema version: %w", err)
		}
	}

	return tx.Commit()
}

// migrateV1 creates the base schema: cached records, the outbox, conflict
// records and sync metadata.
func migrateV1(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS cached_record (
			entity_type       TEXT NOT NULL,
			local_id          TEXT NOT NULL,
			server_id         TEXT,
			payload           TEXT NOT NULL DEFAULT '{}',
			base_version      INTEGER NOT NULL DEFAULT 0,
			local_updated_at  TEXT NOT NULL,
			server_updated_at TEXT,
			sync_state        TEXT NOT NULL CHECK (sync_state IN
				('local_only','syncing','synced','failed','conflicted')),
			deleted           INTEGER NOT NULL DEFAULT 0,
			created_at        TEXT NOT NULL,
			PRIMARY KEY (entity_type, local_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cached_record_server
			ON cached_record (entity_type, server_id)`,
		`CREATE INDEX IF NOT EXISTS idx_cached_record_state
			ON cached_record (sync_state)`,

		`CREATE TABLE IF NOT EXISTS outbox (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_type  TEXT NOT NULL,
			local_id     TEXT NOT NULL,
			server_id    TEXT,
			op           TEXT NOT NULL CHECK (op IN ('create','update','delete')),
			payload      TEXT,
			base_version INTEGER NOT NULL DEFAULT 0,
			attempts     INTEGER NOT NULL DEFAULT 0,
			last_error   TEXT,
			state        TEXT NOT NULL DEFAULT 'pending' CHECK (state IN
				('pending','syncing','failed')),
			created_at   TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_entity
			ON outbox (entity_type, local_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_state
			ON outbox (state)`,

		`CREATE TABLE IF NOT EXISTS conflict_record (
			id                 TEXT PRIMARY KEY,
			entity_type        TEXT NOT NULL,
			local_id           TEXT NOT NULL,
			server_id          TEXT,
			local_version      TEXT NOT NULL,
			server_version     TEXT NOT NULL,
			server_row_version INTEGER NOT NULL DEFAULT 0,
			local_updated_at   TEXT NOT NULL,
			server_updated_at  TEXT,
			created_at         TEXT NOT NULL,
			resolved_at        TEXT,
			resolution         TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_conflict_open
			ON conflict_record (resolved_at)`,
		`CREATE INDEX IF NOT EXISTS idx_conflict_entity
			ON conflict_record (entity_type, local_id)`,

		`CREATE TABLE IF NOT EXISTS sync_meta (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema v1: %w", err)
		}
	}
	return nil
}

// migrateV2 adds per-case scoping so hydration and cache-clear can work
// on a single care case.
func migrateV2(tx *sql.Tx) error {
	stmts := []string{
		`ALTER TABLE cached_record ADD COLUMN case_id TEXT NOT NULL DEFAULT ''`,
		`CREATE INDEX IF NOT EXISTS idx_cached_record_case
			ON cached_record (entity_type, case_id)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema v2: %w", err)
		}
	}
	return nil
}

// migrateV3 rebuilds the outbox to admit the terminal 'invalid' state for
// payloads the server rejected outright. SQLite cannot alter a CHECK
// constraint in place, so the table is copied; explicit id inserts keep
// the AUTOINCREMENT sequence ahead of every existing row.
func migrateV3(tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE outbox_next (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			entity_type  TEXT NOT NULL,
			local_id     TEXT NOT NULL,
			server_id    TEXT,
			op           TEXT NOT NULL CHECK (op IN ('create','update','delete')),
			payload      TEXT,
			base_version INTEGER NOT NULL DEFAULT 0,
			attempts     INTEGER NOT NULL DEFAULT 0,
			last_error   TEXT,
			state        TEXT NOT NULL DEFAULT 'pending' CHECK (state IN
				('pending','syncing','failed','invalid')),
			created_at   TEXT NOT NULL
		)`,
		`INSERT INTO outbox_next (id, entity_type, local_id, server_id, op, payload,
			base_version, attempts, last_error, state, created_at)
			SELECT id, entity_type, local_id, server_id, op, payload,
				base_version, attempts, last_error, state, created_at
			FROM outbox`,
		`DROP TABLE outbox`,
		`ALTER TABLE outbox_next RENAME TO outbox`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_entity
			ON outbox (entity_type, local_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_state
			ON outbox (state)`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("failed to apply schema v3: %w", err)
		}
	}
	return nil
}

// ClearAll wipes every sync table in one transaction, so readers never
// observe a partial clear. Used for log-out and explicit cache clearing.
func (c *Client) ClearAll(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("clear all", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"cached_record", "outbox", "conflict_record", "sync_meta"} {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
			return storageErr("clear all", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return storageErr("clear all", err)
	}
	return nil
}

// timeNow is swappable in tests.
var timeNow = time.Now

func nowUTC() time.Time { return timeNow().UTC() }

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
