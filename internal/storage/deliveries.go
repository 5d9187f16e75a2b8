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
	"fmt"
	"time"

	"github.com/google/uuid"

	"secondlayer/pkg/jobqueue"
)

// InsertDelivery appends a Delivery row. The table is append-only;
// nothing updates or deletes delivery records.
func (db *DB) InsertDelivery(ctx context.Context, d *jobqueue.Delivery) error {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	var jobID any
	if d.JobID != "" {
		jobID = d.JobID
	}
	const ins = `
INSERT INTO deliveries (id, stream_id, job_id, block_height, outcome, status_code, response_time_ms, attempts, error, payload, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now())
RETURNING created_at`
	return db.Pool.QueryRow(ctx, ins, d.ID, d.StreamID, jobID, d.BlockHeight, d.Outcome, d.StatusCode, d.ResponseTimeMs, d.Attempts, nullIfEmpty(d.Error), d.Payload).Scan(&d.CreatedAt)
}

// ListDeliveries returns deliveries for a stream, optionally filtered
// by outcome, newest first, paginated.
func (db *DB) ListDeliveries(ctx context.Context, streamID string, outcome jobqueue.Outcome, limit, offset int) ([]jobqueue.Delivery, int64, error) {
	where := `stream_id = $1`
	args := []any{streamID}
	if outcome != "" {
		where += ` AND outcome = $2`
		args = append(args, outcome)
	}

	countQ := fmt.Sprintf(`SELECT count(*) FROM deliveries WHERE %s`, where)
	var total int64
	if err := db.Pool.QueryRow(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count deliveries: %w", err)
	}

	args = append(args, limit, offset)
	listQ := fmt.Sprintf(`
SELECT id, stream_id, job_id, block_height, outcome, status_code, response_time_ms, attempts, error, payload, created_at
FROM deliveries WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, where, len(args)-1, len(args))

	rows, err := db.Pool.Query(ctx, listQ, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list deliveries: %w", err)
	}
	defer rows.Close()

	var out []jobqueue.Delivery
	for rows.Next() {
		var d jobqueue.Delivery
		var jobID, errMsg *string
		if err := rows.Scan(&d.ID, &d.StreamID, &jobID, &d.BlockHeight, &d.Outcome, &d.StatusCode, &d.ResponseTimeMs, &d.Attempts, &errMsg, &d.Payload, &d.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("scan delivery: %w", err)
		}
		if jobID != nil {
			d.JobID = *jobID
		}
		if errMsg != nil {
			d.Error = *errMsg
		}
		out = append(out, d)
	}
	return out, total, rows.Err()
}

// DistinctFailedHeights returns the distinct block heights with a
// failed delivery for streamID, used by replay-failed.
func (db *DB) DistinctFailedHeights(ctx context.Context, streamID string) ([]int64, error) {
	const q = `SELECT DISTINCT block_height FROM deliveries WHERE stream_id = $1 AND outcome = 'failed' ORDER BY block_height ASC`
	rows, err := db.Pool.Query(ctx, q, streamID)
	if err != nil {
		return nil, fmt.Errorf("distinct failed heights: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var h int64
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// CountDeliveriesSince counts deliveries across all streams created at
// or after since, used by the status summary.
func (db *DB) CountDeliveriesSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	if err := db.Pool.QueryRow(ctx, `SELECT count(*) FROM deliveries WHERE created_at >= $1`, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("count recent deliveries: %w", err)
	}
	return n, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
