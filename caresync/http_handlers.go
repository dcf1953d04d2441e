// Copyright 2025 CareJournal Contributors
// SPDX-License-Identifier: Apache-2.0

package caresync

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
)

// ClientAuthenticator extracts both user and device identity from HTTP requests.
// Implementations should validate auth (e.g., JWT) and provide both identifiers.
type ClientAuthenticator interface {
	GetUserID(r *http.Request) (string, error)
	GetDeviceID(r *http.Request) (string, error)
}

// HTTPSyncHandlers provides the HTTP handlers for the per-entity sync API.
type HTTPSyncHandlers struct {
	service       *SyncService
	authenticator ClientAuthenticator
	logger        *slog.Logger
}

// NewHTTPSyncHandlers creates a new instance of sync handlers.
func NewHTTPSyncHandlers(service *SyncService, authenticator ClientAuthenticator, logger *slog.Logger) *HTTPSyncHandlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPSyncHandlers{
		service:       service,
		authenticator: authenticator,
		logger:        logger,
	}
}

// RegisterRoutes mounts the sync API on a mux. The {entity} path segment
// selects which registered entity type the operation targets.
func (h *HTTPSyncHandlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /sync/{entity}", h.HandleCreate)
	mux.HandleFunc("PUT /sync/{entity}", h.HandleUpdate)
	mux.HandleFunc("DELETE /sync/{entity}", h.HandleDelete)
	mux.HandleFunc("GET /sync/{entity}", h.HandlePull)
	mux.HandleFunc("GET /healthz", h.HandleHealth)
	mux.HandleFunc("HEAD /healthz", h.HandleHealth)
}

// HandleCreate processes an offline create replayed from a client outbox.
func (h *HTTPSyncHandlers) HandleCreate(w http.ResponseWriter, r *http.Request) {
	userID, entityType, ok := h.begin(w, r)
	if !ok {
		return
	}

	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse create request")
		return
	}

	response, err := h.service.ProcessCreate(r.Context(), userID, entityType, &req)
	if err != nil {
		h.writeServiceError(w, "create", entityType, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err = json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to encode create response", "error", err, "entity", entityType)
	}
}

// HandleUpdate processes a partial update with optimistic concurrency.
func (h *HTTPSyncHandlers) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	userID, entityType, ok := h.begin(w, r)
	if !ok {
		return
	}

	var req UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse update request")
		return
	}

	response, err := h.service.ProcessUpdate(r.Context(), userID, entityType, &req)
	if err != nil {
		h.writeServiceError(w, "update", entityType, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err = json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to encode update response", "error", err, "entity", entityType)
	}
}

// HandleDelete processes an idempotent soft delete.
func (h *HTTPSyncHandlers) HandleDelete(w http.ResponseWriter, r *http.Request) {
	userID, entityType, ok := h.begin(w, r)
	if !ok {
		return
	}

	var req DeleteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Failed to parse delete request")
		return
	}

	response, err := h.service.ProcessDelete(r.Context(), userID, entityType, &req)
	if err != nil {
		h.writeServiceError(w, "delete", entityType, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err = json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to encode delete response", "error", err, "entity", entityType)
	}
}

// HandlePull returns the user's live records for cache hydration. An
// optional ?caseId= query narrows the result to one care case.
func (h *HTTPSyncHandlers) HandlePull(w http.ResponseWriter, r *http.Request) {
	userID, entityType, ok := h.begin(w, r)
	if !ok {
		return
	}

	caseID := r.URL.Query().Get("caseId")
	response, err := h.service.ProcessPull(r.Context(), userID, entityType, caseID)
	if err != nil {
		h.writeServiceError(w, "pull", entityType, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err = json.NewEncoder(w).Encode(response); err != nil {
		h.logger.Error("Failed to encode pull response", "error", err, "entity", entityType)
	}
}

// HandleHealth is the unauthenticated reachability probe clients poll to
// detect connectivity.
func (h *HTTPSyncHandlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// begin authenticates the request and validates the entity path segment.
func (h *HTTPSyncHandlers) begin(w http.ResponseWriter, r *http.Request) (userID, entityType string, ok bool) {
	userID, err := h.authenticator.GetUserID(r)
	if err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", "", false
	}
	if _, err := h.authenticator.GetDeviceID(r); err != nil {
		h.writeError(w, http.StatusUnauthorized, "authentication_failed", err.Error())
		return "", "", false
	}

	entityType = r.PathValue("entity")
	if !h.service.IsRegistered(entityType) {
		h.writeError(w, http.StatusBadRequest, "unknown_entity", "Unknown entity type: "+entityType)
		return "", "", false
	}
	return userID, entityType, true
}

// writeServiceError maps service errors onto the wire contract. Version
// conflicts become 409 bodies carrying the server's current record so the
// client can surface both versions for resolution.
func (h *HTTPSyncHandlers) writeServiceError(w http.ResponseWriter, op, entityType string, err error) {
	var conflict *ConflictError
	if errors.As(err, &conflict) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(ConflictResponse{
			Error:         ErrConflict,
			ServerVersion: conflict.Server,
		})
		return
	}
	if errors.Is(err, ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Record not found")
		return
	}
	if errors.Is(err, ErrUnregisteredEntity) {
		h.writeError(w, http.StatusBadRequest, "unknown_entity", "Unknown entity type: "+entityType)
		return
	}
	if errors.Is(err, ErrInvalidRequest) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	h.logger.Error("Failed to process "+op, "error", err, "entity", entityType)
	h.writeError(w, http.StatusInternalServerError, op+"_failed", "Failed to process "+op)
}

// writeError writes a standardized error response.
func (h *HTTPSyncHandlers) writeError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResponse := ErrorResponse{
		Error:   errorCode,
		Message: message,
	}
	json.NewEncoder(w).Encode(errorResponse)

	h.logger.Debug("HTTP error response",
		"status_code", statusCode,
		"error_code", errorCode,
		"message", message)
}
