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

// Package queue implements the durable job queue (C1): persistence,
// exactly-once claim semantics via SELECT ... FOR UPDATE SKIP LOCKED,
// crash recovery of stale claims, and cross-process notification via
// LISTEN/NOTIFY. A single locking claim statement gives exactly-once
// visibility under concurrent claimers without a compare-and-swap
// retry loop.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"secondlayer/internal/storage"
	"secondlayer/pkg/jobqueue"
)

// NewJobChannel is the notification channel used when a job is
// enqueued for a specific stream; payload is the stream id (or empty
// for "any new job").
const NewJobChannel = "streams_new_job"

// ErrNotFound mirrors storage.ErrNotFound for queue-local callers that
// don't want to import storage directly.
var ErrNotFound = storage.ErrNotFound

// Queue is the job queue backed by a storage.DB.
type Queue struct {
	db *storage.DB
}

// New builds a Queue over db.
func New(db *storage.DB) *Queue {
	return &Queue{db: db}
}

// Enqueue inserts a pending job for (streamID, blockHeight) and
// notifies listeners. Fire-and-forget safe: notify failures are logged
// by the caller via the returned error, but the job row is already
// committed by the time notify runs.
func (q *Queue) Enqueue(ctx context.Context, streamID string, blockHeight int64, isBackfill bool) (string, error) {
	id := uuid.NewString()
	const ins = `
INSERT INTO jobs (id, stream_id, block_height, status, attempts, max_attempts, is_backfill, created_at)
VALUES ($1, $2, $3, 'pending', 0, $4, $5, now())`
	_, err := q.db.Pool.Exec(ctx, ins, id, streamID, blockHeight, jobqueue.DefaultMaxAttempts, isBackfill)
	if err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	if err := q.Notify(ctx, streamID); err != nil {
		return id, fmt.Errorf("notify: %w", err)
	}
	return id, nil
}

// Notify publishes an advisory notification on NewJobChannel. Loss is
// tolerated: workers still poll on a timer.
func (q *Queue) Notify(ctx context.Context, streamID string) error {
	_, err := q.db.Pool.Exec(ctx, `SELECT pg_notify($1, $2)`, NewJobChannel, streamID)
	return err
}

// Listen subscribes to NewJobChannel on a dedicated connection and
// invokes handler for each notification until ctx is cancelled. It
// starts its own goroutine for the wait loop and returns at once with
// an unsubscribe function that releases the connection.
func (q *Queue) Listen(ctx context.Context, handler func(streamID string)) (func(), error) {
	conn, err := q.db.AcquireListenConn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen conn: %w", err)
	}
	if _, err := conn.Exec(ctx, `LISTEN `+pgx.Identifier{NewJobChannel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				return
			}
			handler(n.Payload)
		}
	}()

	unsubscribe := func() {
		conn.Release()
		<-done
	}
	return unsubscribe, nil
}

// Claim atomically transitions exactly one pending job to processing,
// in claim order (isBackfill ASC, blockHeight ASC, createdAt ASC),
// skipping rows already locked by a concurrent claimer.
// Returns ErrNotFound when no work is available.
func (q *Queue) Claim(ctx context.Context, workerID string, leaseTTL time.Duration) (*jobqueue.Job, error) {
	// leaseTTL documents the claimer's intent; expiry is enforced by
	// RecoverStale's threshold over locked_at, not a stored deadline.
	now := time.Now().UTC()

	const claimSQL = `
UPDATE jobs SET
  status = 'processing',
  attempts = attempts + 1,
  locked_at = $1,
  locked_by = $2
WHERE id = (
  SELECT id FROM jobs
  WHERE status = 'pending'
  ORDER BY is_backfill ASC, block_height ASC, created_at ASC
  FOR UPDATE SKIP LOCKED
  LIMIT 1
)
RETURNING id, stream_id, block_height, status, attempts, max_attempts, locked_at, locked_by, last_error, is_backfill, created_at, completed_at`

	row := q.db.Pool.QueryRow(ctx, claimSQL, now, workerID)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// Complete marks a job completed and clears its lock.
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	const upd = `UPDATE jobs SET status = 'completed', locked_at = NULL, locked_by = NULL, completed_at = now() WHERE id = $1`
	_, err := q.db.Pool.Exec(ctx, upd, jobID)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	return nil
}

// Fail records a failed attempt. If attempts remain below maxAttempts
// the job is requeued to pending with the error recorded; otherwise it
// is marked failed terminally.
func (q *Queue) Fail(ctx context.Context, jobID, errMsg string) error {
	const upd = `
UPDATE jobs SET
  status = CASE WHEN attempts < max_attempts THEN 'pending' ELSE 'failed' END,
  locked_at = NULL,
  locked_by = NULL,
  last_error = $2,
  completed_at = CASE WHEN attempts < max_attempts THEN NULL ELSE now() END
WHERE id = $1`
	_, err := q.db.Pool.Exec(ctx, upd, jobID, errMsg)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	return nil
}

// Stats returns the current count of jobs in each status.
func (q *Queue) Stats(ctx context.Context) (jobqueue.Stats, error) {
	const q1 = `
SELECT
  count(*) FILTER (WHERE status = 'pending'),
  count(*) FILTER (WHERE status = 'processing'),
  count(*) FILTER (WHERE status = 'completed'),
  count(*) FILTER (WHERE status = 'failed'),
  count(*)
FROM jobs`
	var s jobqueue.Stats
	err := q.db.Pool.QueryRow(ctx, q1).Scan(&s.Pending, &s.Processing, &s.Completed, &s.Failed, &s.Total)
	if err != nil {
		return jobqueue.Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	return s, nil
}

// RecoverStale transitions processing rows whose locked_at is older
// than threshold back to pending, clearing their locks, and returns the
// count recovered.
func (q *Queue) RecoverStale(ctx context.Context, threshold time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-threshold)
	const upd = `
UPDATE jobs SET status = 'pending', locked_at = NULL, locked_by = NULL
WHERE status = 'processing' AND locked_at < $1`
	tag, err := q.db.Pool.Exec(ctx, upd, cutoff)
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetByID fetches a single job by id.
func (q *Queue) GetByID(ctx context.Context, id string) (*jobqueue.Job, error) {
	const sel = `SELECT id, stream_id, block_height, status, attempts, max_attempts, locked_at, locked_by, last_error, is_backfill, created_at, completed_at FROM jobs WHERE id = $1`
	row := q.db.Pool.QueryRow(ctx, sel, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

func scanJob(row pgx.Row) (*jobqueue.Job, error) {
	var j jobqueue.Job
	var lockedBy, lastError *string
	if err := row.Scan(&j.ID, &j.StreamID, &j.BlockHeight, &j.Status, &j.Attempts, &j.MaxAttempts,
		&j.LockedAt, &lockedBy, &lastError, &j.IsBackfill, &j.CreatedAt, &j.CompletedAt); err != nil {
		return nil, err
	}
	if lockedBy != nil {
		j.LockedBy = *lockedBy
	}
	if lastError != nil {
		j.LastError = *lastError
	}
	return &j, nil
}
