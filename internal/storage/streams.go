// Second-Layer is a blockchain event streaming service.
// Copyright (C) 2025  Second Layer Contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"secondlayer/pkg/ownerkey"
	"secondlayer/pkg/stream"
)

// CreateStream inserts a new stream with the given fields, defaulting
// status to active and seeding a zero StreamMetrics row.
func (db *DB) CreateStream(ctx context.Context, s *stream.Stream) error {
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	if s.Status == "" {
		s.Status = stream.StatusActive
	}
	filtersJSON, err := json.Marshal(s.Filters)
	if err != nil {
		return fmt.Errorf("marshal filters: %w", err)
	}
	optsJSON, err := json.Marshal(s.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}

	return db.WithTx(ctx, func(tx pgx.Tx) error {
		const ins = `
INSERT INTO streams (id, name, status, filters, options, webhook_url, webhook_secret, owner_key_id, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
RETURNING created_at, updated_at`
		if err := tx.QueryRow(ctx, ins, s.ID, s.Name, s.Status, filtersJSON, optsJSON, s.WebhookURL, s.WebhookSecret, s.OwnerKeyID).
			Scan(&s.CreatedAt, &s.UpdatedAt); err != nil {
			return fmt.Errorf("insert stream: %w", err)
		}
		const insMetrics = `INSERT INTO stream_metrics (stream_id) VALUES ($1)`
		if _, err := tx.Exec(ctx, insMetrics, s.ID); err != nil {
			return fmt.Errorf("insert stream metrics: %w", err)
		}
		return nil
	})
}

// GetStream fetches a stream by id.
func (db *DB) GetStream(ctx context.Context, id string) (*stream.Stream, error) {
	const q = `SELECT id, name, status, filters, options, webhook_url, webhook_secret, owner_key_id, created_at, updated_at FROM streams WHERE id = $1`
	row := db.Pool.QueryRow(ctx, q, id)
	return scanStream(row)
}

// ListStreamsByOwner returns all streams owned by key, newest first.
func (db *DB) ListStreamsByOwner(ctx context.Context, key ownerkey.Key) ([]*stream.Stream, error) {
	const q = `SELECT id, name, status, filters, options, webhook_url, webhook_secret, owner_key_id, created_at, updated_at FROM streams WHERE owner_key_id = $1 ORDER BY created_at DESC`
	rows, err := db.Pool.Query(ctx, q, key)
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	defer rows.Close()

	var out []*stream.Stream
	for rows.Next() {
		s, err := scanStreamRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpdateStream persists the caller-editable fields of an existing
// stream (name, filters, options, webhook URL); status and secret are
// handled by their own dedicated setters.
func (db *DB) UpdateStream(ctx context.Context, s *stream.Stream) error {
	filtersJSON, err := json.Marshal(s.Filters)
	if err != nil {
		return fmt.Errorf("marshal filters: %w", err)
	}
	optsJSON, err := json.Marshal(s.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}
	const upd = `
UPDATE streams SET name = $2, filters = $3, options = $4, webhook_url = $5, updated_at = now()
WHERE id = $1
RETURNING updated_at`
	if err := db.Pool.QueryRow(ctx, upd, s.ID, s.Name, filtersJSON, optsJSON, s.WebhookURL).Scan(&s.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("update stream: %w", err)
	}
	return nil
}

// CountStreams returns total and active stream counts across all
// tenants, used by the status summary.
func (db *DB) CountStreams(ctx context.Context) (total, active int64, err error) {
	const q = `SELECT count(*), count(*) FILTER (WHERE status = 'active') FROM streams`
	if err := db.Pool.QueryRow(ctx, q).Scan(&total, &active); err != nil {
		return 0, 0, fmt.Errorf("count streams: %w", err)
	}
	return total, active, nil
}

// UpdateStreamStatus persists a new status for a stream (used by
// enable/disable/pause/resume and the worker's consecutive-failure trip).
func (db *DB) UpdateStreamStatus(ctx context.Context, id string, status stream.Status) error {
	const upd = `UPDATE streams SET status = $2, updated_at = now() WHERE id = $1`
	tag, err := db.Pool.Exec(ctx, upd, id, status)
	if err != nil {
		return fmt.Errorf("update stream status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateStreamSecret persists a rotated (already-encrypted) webhook secret.
func (db *DB) UpdateStreamSecret(ctx context.Context, id, encryptedSecret string) error {
	const upd = `UPDATE streams SET webhook_secret = $2, updated_at = now() WHERE id = $1`
	tag, err := db.Pool.Exec(ctx, upd, id, encryptedSecret)
	if err != nil {
		return fmt.Errorf("rotate stream secret: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteStream removes a stream and its dependent rows (cascades).
func (db *DB) DeleteStream(ctx context.Context, id string) error {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM streams WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete stream: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetStreamMetrics fetches the 1:1 metrics row for a stream.
func (db *DB) GetStreamMetrics(ctx context.Context, streamID string) (*stream.Metrics, error) {
	const q = `SELECT stream_id, last_triggered_at, last_triggered_block, total_deliveries, failed_deliveries, last_error_message FROM stream_metrics WHERE stream_id = $1`
	var m stream.Metrics
	err := db.Pool.QueryRow(ctx, q, streamID).Scan(&m.StreamID, &m.LastTriggeredAt, &m.LastTriggeredBlock, &m.TotalDeliveries, &m.FailedDeliveries, &m.LastErrorMessage)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get stream metrics: %w", err)
	}
	return &m, nil
}

// RecordDeliverySuccess increments totalDeliveries and, for non-backfill
// jobs, stamps lastTriggeredAt/lastTriggeredBlock.
func (db *DB) RecordDeliverySuccess(ctx context.Context, streamID string, blockHeight int64, isBackfill bool) error {
	if isBackfill {
		const upd = `UPDATE stream_metrics SET total_deliveries = total_deliveries + 1 WHERE stream_id = $1`
		_, err := db.Pool.Exec(ctx, upd, streamID)
		return err
	}
	const upd = `
UPDATE stream_metrics SET
  total_deliveries = total_deliveries + 1,
  last_triggered_at = now(),
  last_triggered_block = $2
WHERE stream_id = $1`
	_, err := db.Pool.Exec(ctx, upd, streamID, blockHeight)
	return err
}

// RecordDeliveryFailure increments failedDeliveries and records the
// error message.
func (db *DB) RecordDeliveryFailure(ctx context.Context, streamID, errMsg string) error {
	const upd = `UPDATE stream_metrics SET failed_deliveries = failed_deliveries + 1, last_error_message = $2 WHERE stream_id = $1`
	_, err := db.Pool.Exec(ctx, upd, streamID, errMsg)
	return err
}

// CountRecentFailures counts failed deliveries for streamID within the
// last window. The window is wall-clock over the deliveries table, not
// an ordinal run of consecutive failures.
func (db *DB) CountRecentFailures(ctx context.Context, streamID string, window int) (int64, error) {
	const q = `SELECT count(*) FROM deliveries WHERE stream_id = $1 AND outcome = 'failed' AND created_at > now() - ($2 || ' minutes')::interval`
	var n int64
	err := db.Pool.QueryRow(ctx, q, streamID, window).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count recent failures: %w", err)
	}
	return n, nil
}

func scanStream(row pgx.Row) (*stream.Stream, error) {
	var s stream.Stream
	var filtersJSON, optsJSON []byte
	if err := row.Scan(&s.ID, &s.Name, &s.Status, &filtersJSON, &optsJSON, &s.WebhookURL, &s.WebhookSecret, &s.OwnerKeyID, &s.CreatedAt, &s.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan stream: %w", err)
	}
	if err := json.Unmarshal(filtersJSON, &s.Filters); err != nil {
		return nil, fmt.Errorf("unmarshal filters: %w", err)
	}
	if err := json.Unmarshal(optsJSON, &s.Options); err != nil {
		return nil, fmt.Errorf("unmarshal options: %w", err)
	}
	return &s, nil
}

func scanStreamRows(rows pgx.Rows) (*stream.Stream, error) {
	var s stream.Stream
	var filtersJSON, optsJSON []byte
	if err := rows.Scan(&s.ID, &s.Name, &s.Status, &filtersJSON, &optsJSON, &s.WebhookURL, &s.WebhookSecret, &s.OwnerKeyID, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, fmt.Errorf("scan stream: %w", err)
	}
	if err := json.Unmarshal(filtersJSON, &s.Filters); err != nil {
		return nil, fmt.Errorf("unmarshal filters: %w", err)
	}
	if err := json.Unmarshal(optsJSON, &s.Options); err != nil {
		return nil, fmt.Errorf("unmarshal options: %w", err)
	}
	return &s, nil
}
