// Copyright 2025 CareJournal Contributors
// SPDX-License-Identifier: Apache-2.0

package caresync

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// serverHarness runs the full server stack against a disposable Postgres
// container: service, JWT middleware and HTTP routes.
type serverHarness struct {
	t       *testing.T
	ctx     context.Context
	pool    *pgxpool.Pool
	service *SyncService
	jwtAuth *JWTAuth
	server  *httptest.Server
	token   string
	userID  string
}

func newServerHarness(t *testing.T) *serverHarness {
	if testing.Short() {
		t.Skip("skipping Postgres integration test in short mode")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:15-alpine",
		postgres.WithDatabase("caresync_test"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { container.Terminate(ctx) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	service, err := NewSyncService(ctx, pool, &ServiceConfig{
		RegisteredEntities: []string{"journal_entries", "care_tasks"},
	}, logger)
	require.NoError(t, err)

	jwtAuth := NewJWTAuth("test-secret-key")
	handlers := NewHTTPSyncHandlers(service, jwtAuth, logger)
	mux := http.NewServeMux()
	handlers.RegisterRoutes(mux)
	server := httptest.NewServer(jwtAuth.Middleware(mux))
	t.Cleanup(server.Close)

	userID := "user-1"
	token, err := jwtAuth.GenerateToken(userID, "device-1", time.Hour)
	require.NoError(t, err)

	return &serverHarness{
		t: t, ctx: ctx, pool: pool, service: service,
		jwtAuth: jwtAuth, server: server, token: token, userID: userID,
	}
}

// call performs one authenticated API request and decodes the response.
func (h *serverHarness) call(method, path string, body, out any) int {
	h.t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(h.t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, h.server.URL+path, reader)
	require.NoError(h.t, err)
	req.Header.Set("Authorization", "Bearer "+h.token)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()

	if out != nil {
		data, err := io.ReadAll(resp.Body)
		require.NoError(h.t, err)
		require.NoError(h.t, json.Unmarshal(data, out), "response body: %s", data)
	}
	return resp.StatusCode
}

func TestServerCreateIsIdempotent(t *testing.T) {
	h := newServerHarness(t)

	req := CreateRequest{
		LocalID: "local_abc",
		CaseID:  "case_1",
		Payload: map[string]any{"title": "Morning walk"},
	}

	var first CreateResponse
	status := h.call("POST", "/sync/journal_entries", req, &first)
	require.Equal(t, http.StatusCreated, status)
	require.NotEmpty(t, first.ID)
	require.Equal(t, int64(1), first.ServerVersion)

	// Replaying the same create (lost response scenario) returns the same
	// identity instead of duplicating the record.
	var second CreateResponse
	status = h.call("POST", "/sync/journal_entries", req, &second)
	require.Equal(t, http.StatusCreated, status)
	require.Equal(t, first.ID, second.ID)

	var count int
	err := h.pool.QueryRow(h.ctx,
		`SELECT COUNT(*) FROM sync_record WHERE user_id = $1`, h.userID).Scan(&count)
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestServerUpdateVersioning(t *testing.T) {
	h := newServerHarness(t)

	var created CreateResponse
	h.call("POST", "/sync/journal_entries", CreateRequest{
		LocalID: "local_abc",
		Payload: map[string]any{"title": "v1", "mood": "ok"},
	}, &created)

	// An update at the current version applies and bumps the counter.
	var updated UpdateResponse
	status := h.call("PUT", "/sync/journal_entries", UpdateRequest{
		ServerID:    created.ID,
		Payload:     map[string]any{"title": "v2"},
		BaseVersion: 1,
	}, &updated)
	require.Equal(t, http.StatusOK, status)
	require.True(t, updated.Success)
	require.Equal(t, int64(2), updated.ServerVersion)

	// A second writer still holding version 1 gets a conflict carrying the
	// current server copy, and the row stays untouched.
	var conflict ConflictResponse
	status = h.call("PUT", "/sync/journal_entries", UpdateRequest{
		ServerID:    created.ID,
		Payload:     map[string]any{"title": "stale write"},
		BaseVersion: 1,
	}, &conflict)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, ErrConflict, conflict.Error)
	require.Equal(t, int64(2), conflict.ServerVersion.ServerVersion)
	require.Equal(t, "v2", conflict.ServerVersion.Payload["title"])
	require.Equal(t, "ok", conflict.ServerVersion.Payload["mood"], "partial updates merge, not replace")
}

func TestServerUpdateUnknownRecord(t *testing.T) {
	h := newServerHarness(t)

	var errResp ErrorResponse
	status := h.call("PUT", "/sync/journal_entries", UpdateRequest{
		ServerID:    "11111111-2222-3333-4444-555555555555",
		Payload:     map[string]any{"title": "x"},
		BaseVersion: 1,
	}, &errResp)
	require.Equal(t, http.StatusNotFound, status)
}

func TestServerDeleteIsIdempotent(t *testing.T) {
	h := newServerHarness(t)

	var created CreateResponse
	h.call("POST", "/sync/journal_entries", CreateRequest{
		LocalID: "local_abc",
		Payload: map[string]any{"title": "v1"},
	}, &created)

	var deleted DeleteResponse
	status := h.call("DELETE", "/sync/journal_entries", DeleteRequest{
		ServerID: created.ID, BaseVersion: 1,
	}, &deleted)
	require.Equal(t, http.StatusOK, status)
	require.True(t, deleted.Success)

	// Retrying the delete succeeds even though the row is already gone.
	status = h.call("DELETE", "/sync/journal_entries", DeleteRequest{
		ServerID: created.ID, BaseVersion: 1,
	}, &deleted)
	require.Equal(t, http.StatusOK, status)

	// So does deleting a record that never existed.
	status = h.call("DELETE", "/sync/journal_entries", DeleteRequest{
		ServerID: "11111111-2222-3333-4444-555555555555", BaseVersion: 1,
	}, &deleted)
	require.Equal(t, http.StatusOK, status)
}

func TestServerDeleteConflictsOnStaleVersion(t *testing.T) {
	h := newServerHarness(t)

	var created CreateResponse
	h.call("POST", "/sync/journal_entries", CreateRequest{
		LocalID: "local_abc",
		Payload: map[string]any{"title": "v1"},
	}, &created)
	h.call("PUT", "/sync/journal_entries", UpdateRequest{
		ServerID: created.ID, Payload: map[string]any{"title": "v2"}, BaseVersion: 1,
	}, nil)

	var conflict ConflictResponse
	status := h.call("DELETE", "/sync/journal_entries", DeleteRequest{
		ServerID: created.ID, BaseVersion: 1,
	}, &conflict)
	require.Equal(t, http.StatusConflict, status)
	require.Equal(t, "v2", conflict.ServerVersion.Payload["title"])
}

func TestServerPull(t *testing.T) {
	h := newServerHarness(t)

	var a, b CreateResponse
	h.call("POST", "/sync/journal_entries", CreateRequest{
		LocalID: "local_a", CaseID: "case_1", Payload: map[string]any{"title": "a"},
	}, &a)
	h.call("POST", "/sync/journal_entries", CreateRequest{
		LocalID: "local_b", CaseID: "case_2", Payload: map[string]any{"title": "b"},
	}, &b)
	h.call("DELETE", "/sync/journal_entries", DeleteRequest{ServerID: b.ID, BaseVersion: 1}, nil)

	var pull PullResponse
	status := h.call("GET", "/sync/journal_entries", nil, &pull)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, pull.Records, 2)

	// Deleted rows come back as tombstones so clients can drop local copies.
	byID := map[string]ServerRecord{}
	for _, rec := range pull.Records {
		byID[rec.ID] = rec
	}
	require.False(t, byID[a.ID].Deleted)
	require.True(t, byID[b.ID].Deleted)

	// Case scoping narrows the result.
	status = h.call("GET", "/sync/journal_entries?caseId=case_1", nil, &pull)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, pull.Records, 1)
	require.Equal(t, a.ID, pull.Records[0].ID)
}

func TestServerRejectsUnknownEntity(t *testing.T) {
	h := newServerHarness(t)

	var errResp ErrorResponse
	status := h.call("POST", "/sync/bogus_entity", CreateRequest{
		LocalID: "local_a", Payload: map[string]any{},
	}, &errResp)
	require.Equal(t, http.StatusBadRequest, status)
	require.Equal(t, "unknown_entity", errResp.Error)
}

func TestServerRejectsMissingLocalID(t *testing.T) {
	h := newServerHarness(t)

	var errResp ErrorResponse
	status := h.call("POST", "/sync/journal_entries", CreateRequest{
		Payload: map[string]any{"title": "no local id"},
	}, &errResp)
	require.Equal(t, http.StatusBadRequest, status)
}

func TestServerRequiresAuth(t *testing.T) {
	h := newServerHarness(t)

	resp, err := http.Post(h.server.URL+"/sync/journal_entries", "application/json",
		bytes.NewReader([]byte(`{}`)))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServerScopesRecordsToUser(t *testing.T) {
	h := newServerHarness(t)

	var created CreateResponse
	h.call("POST", "/sync/journal_entries", CreateRequest{
		LocalID: "local_a", Payload: map[string]any{"title": "mine"},
	}, &created)

	// Another user cannot see or touch the record.
	otherToken, err := h.jwtAuth.GenerateToken("user-2", "device-9", time.Hour)
	require.NoError(t, err)
	h.token = otherToken

	var pull PullResponse
	status := h.call("GET", "/sync/journal_entries", nil, &pull)
	require.Equal(t, http.StatusOK, status)
	require.Empty(t, pull.Records)

	status = h.call("PUT", "/sync/journal_entries", UpdateRequest{
		ServerID: created.ID, Payload: map[string]any{"title": "stolen"}, BaseVersion: 1,
	}, nil)
	require.Equal(t, http.StatusNotFound, status)
}
