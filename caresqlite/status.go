// Copyright 2025 CareJournal Contributors
// SPDX-License-Identifier: Apache-2.0

package caresqlite

import (
	"context"
	"net/http"
	"time"
)

// Summary recomputes the sync read model from indexed counts. It is cheap
// enough for frequent UI polling and works fully offline.
func (c *Client) Summary(ctx context.Context) (*Summary, error) {
	s := &Summary{Online: c.Online()}

	if err := c.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox WHERE state IN ('pending','syncing')`).Scan(&s.PendingCount); err != nil {
		return nil, storageErr("count pending", err)
	}
	if err := c.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM outbox WHERE state IN ('failed','invalid')`).Scan(&s.FailedCount); err != nil {
		return nil, storageErr("count failed", err)
	}
	if err := c.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM conflict_record WHERE resolved_at IS NULL`).Scan(&s.ConflictCount); err != nil {
		return nil, storageErr("count conflicts", err)
	}

	lastSync, err := getMeta(ctx, c.DB, metaLastSync)
	if err != nil {
		return nil, err
	}
	s.LastSyncTime = parseTime(lastSync)
	return s, nil
}

// Online reports the last observed connectivity state.
func (c *Client) Online() bool { return c.online.Load() }

// setOnline records a connectivity transition and returns true when the
// state actually changed.
func (c *Client) setOnline(v bool) bool {
	return c.online.Swap(v) != v
}

// StartWatcher launches the connectivity watcher: it probes the server at
// the configured interval and, on an offline-to-online transition, triggers
// exactly one sync pass after a debounce delay so rapid flapping cannot
// spawn overlapping passes. It returns immediately; the watcher stops
// when ctx is cancelled.
func (c *Client) StartWatcher(ctx context.Context) {
	c.watchOnce.Do(func() {
		go c.watchLoop(ctx)
	})
}

func (c *Client) watchLoop(ctx context.Context) {
	ticker := time.NewTicker(c.config.ProbeInterval)
	defer ticker.Stop()

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		online := c.probe(ctx)
		if !c.setOnline(online) {
			continue
		}
		c.logger.Info("connectivity changed", "online", online)

		if !online {
			if debounce != nil {
				debounce.Stop()
				debounce = nil
			}
			continue
		}

		// Debounced single trigger; SyncNow itself coalesces overlap.
		// The pass runs on the watcher's ctx: cancelling the watcher stops
		// the pass at its next per-item check rather than leaking it.
		if debounce != nil {
			debounce.Stop()
		}
		debounce = time.AfterFunc(c.config.DebounceDelay, func() {
			if _, err := c.SyncNow(ctx); err != nil {
				c.logger.Error("triggered sync pass failed", "error", err)
			}
		})
	}
}

// probe checks server reachability with a short bounded request.
func (c *Client) probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.config.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.BaseURL+c.config.ProbePath, nil)
	if err != nil {
		return false
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

// SetOnline overrides the connectivity flag. Exported for consumers that
// track reachability themselves (e.g. a platform network monitor) instead
// of the built-in probe loop.
func (c *Client) SetOnline(online bool) {
	if c.setOnline(online) {
		c.logger.Info("connectivity changed", "online", online)
	}
}
