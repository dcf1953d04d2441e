// Copyright 2025 CareJournal Contributors
// SPDX-License-Identifier: Apache-2.0

package caresqlite

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/carejournal/go-caresync/caresync"
)

// conflictReply is the non-error outcome of an update or delete that the
// server rejected with 409: the server's current copy, for the conflict
// record.
type conflictReply struct {
	Server caresync.ServerRecord
}

// doJSON performs one authenticated request with the configured bounded
// timeout. A timeout or connection failure comes back as *NetworkError
// (transient); 409 decodes into *conflictReply; other non-2xx statuses
// become *ValidationError for 4xx and *NetworkError for 5xx.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) (*conflictReply, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	endpoint := c.BaseURL + path

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != nil {
		token, err := c.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to get auth token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, &NetworkError{URL: endpoint, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return nil, &NetworkError{URL: endpoint, Err: fmt.Errorf("failed to decode response: %w", err)}
			}
		}
		return nil, nil

	case resp.StatusCode == http.StatusConflict:
		var conflict caresync.ConflictResponse
		if err := json.NewDecoder(resp.Body).Decode(&conflict); err != nil {
			return nil, &NetworkError{URL: endpoint, Err: fmt.Errorf("failed to decode conflict response: %w", err)}
		}
		return &conflictReply{Server: conflict.ServerVersion}, nil

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, &ValidationError{StatusCode: resp.StatusCode, Message: readErrorMessage(resp.Body)}

	default:
		return nil, &NetworkError{URL: endpoint,
			Err: fmt.Errorf("server returned status %d: %s", resp.StatusCode, readErrorMessage(resp.Body))}
	}
}

func readErrorMessage(body io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(body, 4096))
	var errResp caresync.ErrorResponse
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error != "" {
		if errResp.Message != "" {
			return errResp.Error + ": " + errResp.Message
		}
		return errResp.Error
	}
	return string(data)
}

func (c *Client) sendCreate(ctx context.Context, entityType string, item *OutboxItem) (*caresync.CreateResponse, error) {
	req := &caresync.CreateRequest{
		LocalID: item.LocalID,
		CaseID:  caseIDFrom(item.Payload),
		Payload: item.Payload,
	}
	var resp caresync.CreateResponse
	if _, err := c.doJSON(ctx, http.MethodPost, "/sync/"+entityType, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) sendUpdate(ctx context.Context, entityType string, item *OutboxItem, localUpdatedAt time.Time) (*caresync.UpdateResponse, *conflictReply, error) {
	req := &caresync.UpdateRequest{
		ServerID:       item.ServerID,
		Payload:        item.Payload,
		BaseVersion:    item.BaseVersion,
		LocalUpdatedAt: localUpdatedAt,
	}
	var resp caresync.UpdateResponse
	conflict, err := c.doJSON(ctx, http.MethodPut, "/sync/"+entityType, req, &resp)
	if err != nil {
		return nil, nil, err
	}
	if conflict != nil {
		return nil, conflict, nil
	}
	return &resp, nil, nil
}

func (c *Client) sendDelete(ctx context.Context, entityType string, item *OutboxItem) (*conflictReply, error) {
	req := &caresync.DeleteRequest{
		ServerID:    item.ServerID,
		BaseVersion: item.BaseVersion,
	}
	var resp caresync.DeleteResponse
	conflict, err := c.doJSON(ctx, http.MethodDelete, "/sync/"+entityType, req, &resp)
	if err != nil {
		return nil, err
	}
	return conflict, nil
}

func (c *Client) sendPull(ctx context.Context, entityType, caseID string) (*caresync.PullResponse, error) {
	path := "/sync/" + entityType
	if caseID != "" {
		path += "?caseId=" + url.QueryEscape(caseID)
	}
	var resp caresync.PullResponse
	if _, err := c.doJSON(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
