// Copyright 2025 CareJournal Contributors
// SPDX-License-Identifier: Apache-2.0

package caresqlite

import (
	"context"
	"errors"
)

// Hydrate pulls the server's records for one entity type (optionally
// scoped to a case) into the local cache. It is used on first load and
// after a cache clear. Rows with pending local changes are left alone so
// hydration can never clobber unsynced edits; clean rows are refreshed
// when the server version is newer.
func (c *Client) Hydrate(ctx context.Context, entityType, caseID string) (int, error) {
	if !c.Online() {
		return 0, nil
	}

	resp, err := c.sendPull(ctx, entityType, caseID)
	if err != nil {
		if IsTransient(err) {
			c.setOnline(false)
		}
		return 0, err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, storageErr("hydrate", err)
	}
	defer tx.Rollback()

	applied := 0
	now := nowUTC()
	for i := range resp.Records {
		sr := &resp.Records[i]

		existing, err := getRecordByServerID(ctx, tx, entityType, sr.ID)
		if err != nil && !errors.Is(err, ErrRecordNotFound) {
			return applied, err
		}

		if existing != nil {
			// Only clean rows follow the server; dirty rows keep their
			// pending local edits until the outbox drains.
			if existing.SyncState != SyncStateSynced {
				continue
			}
			if sr.Deleted {
				if err := deleteRecordRow(ctx, tx, entityType, existing.LocalID); err != nil {
					return applied, err
				}
				applied++
				continue
			}
			if sr.ServerVersion <= existing.BaseVersion {
				continue
			}
			existing.Payload = sr.Payload
			existing.CaseID = firstNonEmpty(sr.CaseID, caseIDFrom(sr.Payload))
			existing.BaseVersion = sr.ServerVersion
			existing.ServerUpdatedAt = sr.UpdatedAt
			existing.LocalUpdatedAt = now
			if err := putRecord(ctx, tx, existing); err != nil {
				return applied, err
			}
			applied++
			continue
		}

		if sr.Deleted {
			continue
		}
		if err := putRecord(ctx, tx, &Record{
			EntityType:      entityType,
			LocalID:         NewLocalID(),
			ServerID:        sr.ID,
			CaseID:          firstNonEmpty(sr.CaseID, caseIDFrom(sr.Payload)),
			Payload:         sr.Payload,
			BaseVersion:     sr.ServerVersion,
			LocalUpdatedAt:  now,
			ServerUpdatedAt: sr.UpdatedAt,
			SyncState:       SyncStateSynced,
			CreatedAt:       now,
		}); err != nil {
			return applied, err
		}
		applied++
	}

	if err := tx.Commit(); err != nil {
		return applied, storageErr("hydrate", err)
	}
	return applied, nil
}

// HydrateAll hydrates every registered entity type for a case.
func (c *Client) HydrateAll(ctx context.Context, caseID string) (int, error) {
	total := 0
	for _, entityType := range c.config.EntityTypes {
		applied, err := c.Hydrate(ctx, entityType, caseID)
		total += applied
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
