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
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"secondlayer/pkg/ownerkey"
	"secondlayer/pkg/usage"
)

// IncrementAPIRequest bumps today's apiRequests counter for accountID,
// creating the row if absent.
func (db *DB) IncrementAPIRequest(ctx context.Context, accountID string) error {
	const upsert = `
INSERT INTO usage_daily (account_id, date, api_requests, deliveries)
VALUES ($1, CURRENT_DATE, 1, 0)
ON CONFLICT (account_id, date) DO UPDATE SET api_requests = usage_daily.api_requests + 1`
	_, err := db.Pool.Exec(ctx, upsert, accountID)
	return err
}

// IncrementDeliveries bumps today's deliveries counter for accountID.
func (db *DB) IncrementDeliveries(ctx context.Context, accountID string) error {
	const upsert = `
INSERT INTO usage_daily (account_id, date, api_requests, deliveries)
VALUES ($1, CURRENT_DATE, 0, 1)
ON CONFLICT (account_id, date) DO UPDATE SET deliveries = usage_daily.deliveries + 1`
	_, err := db.Pool.Exec(ctx, upsert, accountID)
	return err
}

// CurrentUsage computes the live usage.Current for accountID: today's
// API requests, this calendar month's deliveries, the most recent
// storage snapshot, and live stream/view counts.
func (db *DB) CurrentUsage(ctx context.Context, accountID string) (usage.Current, error) {
	var cur usage.Current

	const apiQ = `SELECT COALESCE(api_requests, 0) FROM usage_daily WHERE account_id = $1 AND date = CURRENT_DATE`
	if err := db.Pool.QueryRow(ctx, apiQ, accountID).Scan(&cur.APIRequestsToday); err != nil && !isNoRows(err) {
		return cur, fmt.Errorf("api requests today: %w", err)
	}

	const delQ = `SELECT COALESCE(SUM(deliveries), 0) FROM usage_daily WHERE account_id = $1 AND date >= date_trunc('month', CURRENT_DATE)`
	if err := db.Pool.QueryRow(ctx, delQ, accountID).Scan(&cur.DeliveriesThisMonth); err != nil {
		return cur, fmt.Errorf("deliveries this month: %w", err)
	}

	const snapQ = `SELECT storage_bytes FROM usage_snapshots WHERE account_id = $1 ORDER BY measured_at DESC LIMIT 1`
	if err := db.Pool.QueryRow(ctx, snapQ, accountID).Scan(&cur.StorageBytes); err != nil && !isNoRows(err) {
		return cur, fmt.Errorf("latest storage snapshot: %w", err)
	}

	const streamsQ = `SELECT count(*) FROM streams WHERE owner_key_id = $1`
	if err := db.Pool.QueryRow(ctx, streamsQ, accountID).Scan(&cur.Streams); err != nil {
		return cur, fmt.Errorf("count streams: %w", err)
	}

	const viewsQ = `SELECT count(*) FROM views WHERE owner_key_id = $1`
	if err := db.Pool.QueryRow(ctx, viewsQ, accountID).Scan(&cur.Views); err != nil {
		return cur, fmt.Errorf("count views: %w", err)
	}

	return cur, nil
}

// RecordUsageSnapshot appends a point-in-time storage measurement.
func (db *DB) RecordUsageSnapshot(ctx context.Context, accountID ownerkey.Key, measuredAt time.Time, storageBytes int64) error {
	const ins = `
INSERT INTO usage_snapshots (account_id, measured_at, storage_bytes) VALUES ($1, $2, $3)
ON CONFLICT (account_id, measured_at) DO UPDATE SET storage_bytes = excluded.storage_bytes`
	_, err := db.Pool.Exec(ctx, ins, accountID, measuredAt, storageBytes)
	return err
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
