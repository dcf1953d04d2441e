// Copyright 2025 CareJournal Contributors
// SPDX-License-Identifier: Apache-2.0

package caresqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/carejournal/go-caresync/caresync"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	// A second pooled connection would see a fresh empty in-memory database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func newTestClient(t *testing.T, baseURL string, entityTypes ...string) *Client {
	t.Helper()
	return newTestClientOn(t, newTestDB(t), baseURL, entityTypes...)
}

// newTestClientOn builds a client over an existing database, so tests can
// run several client instances against the same store.
func newTestClientOn(t *testing.T, db *sql.DB, baseURL string, entityTypes ...string) *Client {
	t.Helper()
	if len(entityTypes) == 0 {
		entityTypes = []string{"journal_entries"}
	}
	config := DefaultConfig(entityTypes)
	config.RequestTimeout = 2 * time.Second
	config.MaxParallelTypes = 1

	tokenFunc := func(ctx context.Context) (string, error) { return "test-token", nil }
	client, err := NewClient(db, baseURL, tokenFunc, config)
	require.NoError(t, err)
	return client
}

// fakeSyncServer is an in-memory implementation of the sync API contract,
// enough for driving the client through full create/update/delete flows.
type fakeSyncServer struct {
	t  *testing.T
	mu sync.Mutex

	records  map[string]*caresync.ServerRecord // keyed by server id
	byLocal  map[string]string                 // localId -> server id (create idempotency)
	nextID   int
	requests []string // "METHOD /sync/entity" in arrival order

	// failWith, when non-zero, makes every request fail with that status
	// until cleared.
	failWith int

	server *httptest.Server
}

func newFakeSyncServer(t *testing.T) *fakeSyncServer {
	t.Helper()
	f := &fakeSyncServer{
		t:       t,
		records: make(map[string]*caresync.ServerRecord),
		byLocal: make(map[string]string),
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeSyncServer) URL() string { return f.server.URL }

func (f *fakeSyncServer) setFailure(status int) {
	f.mu.Lock()
	f.failWith = status
	f.mu.Unlock()
}

func (f *fakeSyncServer) requestLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

// bumpVersion simulates another device editing a record on the server.
func (f *fakeSyncServer) bumpVersion(serverID string, payload map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.records[serverID]
	if rec == nil {
		f.t.Fatalf("bumpVersion: unknown server id %s", serverID)
	}
	for k, v := range payload {
		rec.Payload[k] = v
	}
	rec.ServerVersion++
	rec.UpdatedAt = time.Now().UTC()
}

func (f *fakeSyncServer) record(serverID string) caresync.ServerRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return *f.records[serverID]
}

func (f *fakeSyncServer) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.URL.Path == "/healthz" {
		w.WriteHeader(http.StatusOK)
		return
	}

	f.requests = append(f.requests, r.Method+" "+r.URL.Path)
	if f.failWith != 0 {
		w.WriteHeader(f.failWith)
		json.NewEncoder(w).Encode(caresync.ErrorResponse{Error: "injected_failure"})
		return
	}

	entity := strings.TrimPrefix(r.URL.Path, "/sync/")
	switch r.Method {
	case http.MethodPost:
		var req caresync.CreateRequest
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
		if id, ok := f.byLocal[entity+"/"+req.LocalID]; ok {
			writeJSON(w, http.StatusCreated, caresync.CreateResponse{ID: id, ServerVersion: f.records[id].ServerVersion})
			return
		}
		f.nextID++
		id := fmt.Sprintf("srv_%d", f.nextID)
		f.byLocal[entity+"/"+req.LocalID] = id
		f.records[id] = &caresync.ServerRecord{
			ID: id, CaseID: req.CaseID, Payload: req.Payload,
			ServerVersion: 1, UpdatedAt: time.Now().UTC(),
		}
		writeJSON(w, http.StatusCreated, caresync.CreateResponse{ID: id, ServerVersion: 1})

	case http.MethodPut:
		var req caresync.UpdateRequest
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
		rec, ok := f.records[req.ServerID]
		if !ok {
			writeJSON(w, http.StatusNotFound, caresync.ErrorResponse{Error: "not_found"})
			return
		}
		if rec.Deleted || rec.ServerVersion != req.BaseVersion {
			writeJSON(w, http.StatusConflict, caresync.ConflictResponse{Error: caresync.ErrConflict, ServerVersion: *rec})
			return
		}
		for k, v := range req.Payload {
			rec.Payload[k] = v
		}
		rec.ServerVersion++
		rec.UpdatedAt = time.Now().UTC()
		writeJSON(w, http.StatusOK, caresync.UpdateResponse{Success: true, ServerVersion: rec.ServerVersion})

	case http.MethodDelete:
		var req caresync.DeleteRequest
		require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
		rec, ok := f.records[req.ServerID]
		if !ok || rec.Deleted {
			writeJSON(w, http.StatusOK, caresync.DeleteResponse{Success: true})
			return
		}
		if rec.ServerVersion != req.BaseVersion {
			writeJSON(w, http.StatusConflict, caresync.ConflictResponse{Error: caresync.ErrConflict, ServerVersion: *rec})
			return
		}
		rec.Deleted = true
		rec.ServerVersion++
		writeJSON(w, http.StatusOK, caresync.DeleteResponse{Success: true})

	case http.MethodGet:
		resp := caresync.PullResponse{Records: []caresync.ServerRecord{}}
		caseID := r.URL.Query().Get("caseId")
		for _, rec := range f.records {
			if caseID != "" && rec.CaseID != caseID {
				continue
			}
			resp.Records = append(resp.Records, *rec)
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func countRows(t *testing.T, db *sql.DB, query string, args ...any) int {
	t.Helper()
	var count int
	require.NoError(t, db.QueryRow(query, args...).Scan(&count))
	return count
}
