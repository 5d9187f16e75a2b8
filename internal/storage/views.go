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
	"secondlayer/pkg/view"
)

// CreateOrUpdateView upserts the View row on (name, ownerKeyId); the
// caller (internal/views) has already applied the DDL before calling
// this.
func (db *DB) CreateOrUpdateView(ctx context.Context, v *view.View) error {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	defJSON, err := json.Marshal(v.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	const upsert = `
INSERT INTO views (id, name, version, status, definition, schema_hash, handler_path, schema_name, owner_key_id, created_at, updated_at)
VALUES ($1, $2, 1, $3, $4, $5, $6, $7, $8, now(), now())
ON CONFLICT (name, owner_key_id) DO UPDATE SET
  version = views.version + 1,
  status = excluded.status,
  definition = excluded.definition,
  schema_hash = excluded.schema_hash,
  handler_path = excluded.handler_path,
  updated_at = now()
RETURNING id, version, created_at, updated_at`
	return db.Pool.QueryRow(ctx, upsert, v.ID, v.Name, v.Status, defJSON, v.SchemaHash, v.HandlerPath, v.SchemaName, v.OwnerKeyID).
		Scan(&v.ID, &v.Version, &v.CreatedAt, &v.UpdatedAt)
}

// GetView fetches a view by name scoped to owner.
func (db *DB) GetView(ctx context.Context, name string, owner ownerkey.Key) (*view.View, error) {
	const q = `
SELECT id, name, version, status, definition, schema_hash, handler_path, schema_name,
       last_processed_height, total_processed, total_errors, last_error, last_error_at, owner_key_id, created_at, updated_at
FROM views WHERE name = $1 AND owner_key_id = $2`
	row := db.Pool.QueryRow(ctx, q, name, owner)
	return scanView(row)
}

// GetViewByID fetches a view by its id regardless of owner, used by the
// worker to resolve a reindex job's target view (job.StreamID doubles
// as the view id for reindex jobs enqueued by internal/views).
func (db *DB) GetViewByID(ctx context.Context, id string) (*view.View, error) {
	const q = `
SELECT id, name, version, status, definition, schema_hash, handler_path, schema_name,
       last_processed_height, total_processed, total_errors, last_error, last_error_at, owner_key_id, created_at, updated_at
FROM views WHERE id = $1`
	row := db.Pool.QueryRow(ctx, q, id)
	return scanView(row)
}

// ListViewsByOwner returns all views for owner.
func (db *DB) ListViewsByOwner(ctx context.Context, owner ownerkey.Key) ([]*view.View, error) {
	const q = `
SELECT id, name, version, status, definition, schema_hash, handler_path, schema_name,
       last_processed_height, total_processed, total_errors, last_error, last_error_at, owner_key_id, created_at, updated_at
FROM views WHERE owner_key_id = $1 ORDER BY created_at DESC`
	rows, err := db.Pool.Query(ctx, q, owner)
	if err != nil {
		return nil, fmt.Errorf("list views: %w", err)
	}
	defer rows.Close()

	var out []*view.View
	for rows.Next() {
		v, err := scanView(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ListAllViews loads every view in the registry, used to populate the
// in-memory cache on startup.
func (db *DB) ListAllViews(ctx context.Context) ([]*view.View, error) {
	const q = `
SELECT id, name, version, status, definition, schema_hash, handler_path, schema_name,
       last_processed_height, total_processed, total_errors, last_error, last_error_at, owner_key_id, created_at, updated_at
FROM views ORDER BY created_at ASC`
	rows, err := db.Pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list all views: %w", err)
	}
	defer rows.Close()

	var out []*view.View
	for rows.Next() {
		v, err := scanView(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// CountViews returns the total number of deployed views across all
// tenants, used by the status summary.
func (db *DB) CountViews(ctx context.Context) (int64, error) {
	var n int64
	if err := db.Pool.QueryRow(ctx, `SELECT count(*) FROM views`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count views: %w", err)
	}
	return n, nil
}

// DeleteView removes the View row (the physical schema drop is issued
// separately by internal/views before this call).
func (db *DB) DeleteView(ctx context.Context, name string, owner ownerkey.Key) error {
	tag, err := db.Pool.Exec(ctx, `DELETE FROM views WHERE name = $1 AND owner_key_id = $2`, name, owner)
	if err != nil {
		return fmt.Errorf("delete view: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordViewProgress updates reindex bookkeeping after a handler run
// over a block.
func (db *DB) RecordViewProgress(ctx context.Context, viewID string, processedHeight int64, processedDelta, errorsDelta int64, lastErr string) error {
	const upd = `
UPDATE views SET
  last_processed_height = GREATEST(last_processed_height, $2),
  total_processed = total_processed + $3,
  total_errors = total_errors + $4,
  last_error = NULLIF($5, ''),
  last_error_at = CASE WHEN $5 = '' THEN last_error_at ELSE now() END,
  updated_at = now()
WHERE id = $1`
	_, err := db.Pool.Exec(ctx, upd, viewID, processedHeight, processedDelta, errorsDelta, lastErr)
	return err
}

func scanView(row pgx.Row) (*view.View, error) {
	var v view.View
	var defJSON []byte
	var lastErr *string
	err := row.Scan(&v.ID, &v.Name, &v.Version, &v.Status, &defJSON, &v.SchemaHash, &v.HandlerPath, &v.SchemaName,
		&v.LastProcessedHeight, &v.TotalProcessed, &v.TotalErrors, &lastErr, &v.LastErrorAt, &v.OwnerKeyID, &v.CreatedAt, &v.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan view: %w", err)
	}
	if lastErr != nil {
		v.LastError = *lastErr
	}
	if err := json.Unmarshal(defJSON, &v.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return &v, nil
}
