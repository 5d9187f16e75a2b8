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

package queue

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"secondlayer/internal/storage"
)

// openTestDB connects to TEST_DATABASE_URL, skipping the test when it
// is unset: these exercise SELECT ... FOR UPDATE SKIP LOCKED and
// LISTEN/NOTIFY against real Postgres semantics no in-memory fake
// reproduces faithfully.
func openTestDB(t *testing.T) *storage.DB {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping database-backed test")
	}
	db, err := storage.Open(context.Background(), dsn)
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	t.Cleanup(db.Close)
	return db
}

func TestClaim_ExclusiveUnderConcurrency(t *testing.T) {
	// Two concurrent claimers never receive the same job.
	db := openTestDB(t)
	q := New(db)
	ctx := context.Background()

	if _, err := db.Pool.Exec(ctx, `DELETE FROM jobs`); err != nil {
		t.Fatalf("reset jobs table: %v", err)
	}
	if _, err := q.Enqueue(ctx, "stream-concurrency", 100, false); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	var wg sync.WaitGroup
	results := make([]*struct {
		ok bool
	}, 4)
	for i := 0; i < 4; i++ {
		results[i] = &struct{ ok bool }{}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			job, err := q.Claim(ctx, "worker-x", time.Minute)
			results[i].ok = err == nil && job != nil
		}(i)
	}
	wg.Wait()

	claimed := 0
	for _, r := range results {
		if r.ok {
			claimed++
		}
	}
	if claimed != 1 {
		t.Errorf("expected exactly 1 of 4 concurrent claimers to win the only pending job, got %d", claimed)
	}
}

func TestClaim_OrdersByBackfillThenHeightThenCreated(t *testing.T) {
	// Claim order is isBackfill ASC, blockHeight ASC, createdAt ASC.
	db := openTestDB(t)
	q := New(db)
	ctx := context.Background()

	if _, err := db.Pool.Exec(ctx, `DELETE FROM jobs`); err != nil {
		t.Fatalf("reset jobs table: %v", err)
	}

	if _, err := q.Enqueue(ctx, "stream-order", 300, true); err != nil {
		t.Fatalf("enqueue backfill: %v", err)
	}
	if _, err := q.Enqueue(ctx, "stream-order", 200, false); err != nil {
		t.Fatalf("enqueue live-200: %v", err)
	}
	if _, err := q.Enqueue(ctx, "stream-order", 100, false); err != nil {
		t.Fatalf("enqueue live-100: %v", err)
	}

	first, err := q.Claim(ctx, "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if first.IsBackfill || first.BlockHeight != 100 {
		t.Fatalf("expected the non-backfill, lowest-height job first, got %+v", first)
	}

	second, err := q.Claim(ctx, "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if second.IsBackfill || second.BlockHeight != 200 {
		t.Fatalf("expected the non-backfill height-200 job second, got %+v", second)
	}

	third, err := q.Claim(ctx, "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !third.IsBackfill {
		t.Fatalf("expected the backfill job last, got %+v", third)
	}
}

func TestRecoverStale_RequeuesExpiredLocks(t *testing.T) {
	// A processing job whose lock is older than threshold is
	// recovered back to pending so no crashed worker strands it forever.
	db := openTestDB(t)
	q := New(db)
	ctx := context.Background()

	if _, err := db.Pool.Exec(ctx, `DELETE FROM jobs`); err != nil {
		t.Fatalf("reset jobs table: %v", err)
	}
	id, err := q.Enqueue(ctx, "stream-stale", 1, false)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := q.Claim(ctx, "worker-dead", time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// Backdate the lock as if the worker claimed it long ago and crashed.
	if _, err := db.Pool.Exec(ctx, `UPDATE jobs SET locked_at = now() - interval '1 hour' WHERE id = $1`, id); err != nil {
		t.Fatalf("backdate lock: %v", err)
	}

	recovered, err := q.RecoverStale(ctx, 5*time.Minute)
	if err != nil {
		t.Fatalf("recover stale: %v", err)
	}
	if recovered != 1 {
		t.Fatalf("expected 1 job recovered, got %d", recovered)
	}

	job, err := q.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if job.Status != "pending" {
		t.Fatalf("expected recovered job to be pending, got %q", job.Status)
	}
}

func TestFail_RequeuesUntilMaxAttemptsThenTerminal(t *testing.T) {
	db := openTestDB(t)
	q := New(db)
	ctx := context.Background()

	if _, err := db.Pool.Exec(ctx, `DELETE FROM jobs`); err != nil {
		t.Fatalf("reset jobs table: %v", err)
	}
	id, err := q.Enqueue(ctx, "stream-fail", 1, false)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := db.Pool.Exec(ctx, `UPDATE jobs SET max_attempts = 2 WHERE id = $1`, id); err != nil {
		t.Fatalf("set max_attempts: %v", err)
	}

	if _, err := q.Claim(ctx, "worker-1", time.Minute); err != nil {
		t.Fatalf("claim 1: %v", err)
	}
	if err := q.Fail(ctx, id, "transient error"); err != nil {
		t.Fatalf("fail 1: %v", err)
	}
	job, err := q.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if job.Status != "pending" {
		t.Fatalf("expected requeue to pending after attempt below max, got %q", job.Status)
	}

	if _, err := q.Claim(ctx, "worker-1", time.Minute); err != nil {
		t.Fatalf("claim 2: %v", err)
	}
	if err := q.Fail(ctx, id, "transient error"); err != nil {
		t.Fatalf("fail 2: %v", err)
	}
	job, err = q.GetByID(ctx, id)
	if err != nil {
		t.Fatalf("get by id: %v", err)
	}
	if job.Status != "failed" {
		t.Fatalf("expected terminal failed status once attempts reached max, got %q", job.Status)
	}
}
