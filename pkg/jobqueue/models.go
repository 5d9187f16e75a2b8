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

// Package jobqueue defines the Job and Delivery record shapes shared
// between internal/queue (persistence) and internal/worker (processing).
package jobqueue

import "time"

// Status is a Job's position in the claim state machine.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Valid reports whether s is a known Job status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether s ends the job's lifecycle.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is a single unit of work: evaluate a Stream against a Block.
type Job struct {
	ID          string     `json:"id" db:"id"`
	StreamID    string     `json:"streamId" db:"stream_id"`
	BlockHeight int64      `json:"blockHeight" db:"block_height"`
	Status      Status     `json:"status" db:"status"`
	Attempts    int        `json:"attempts" db:"attempts"`
	MaxAttempts int        `json:"maxAttempts" db:"max_attempts"`
	LockedAt    *time.Time `json:"lockedAt,omitempty" db:"locked_at"`
	LockedBy    string     `json:"lockedBy,omitempty" db:"locked_by"`
	LastError   string     `json:"lastError,omitempty" db:"last_error"`
	IsBackfill  bool       `json:"isBackfill" db:"is_backfill"`
	CreatedAt   time.Time  `json:"createdAt" db:"created_at"`
	CompletedAt *time.Time `json:"completedAt,omitempty" db:"completed_at"`
}

// Outcome is the terminal result of a single dispatch attempt chain.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailed  Outcome = "failed"
)

// Delivery is an append-only record of one dispatch attempt chain for a
// (stream, block) pair.
type Delivery struct {
	ID             string    `json:"id" db:"id"`
	StreamID       string    `json:"streamId" db:"stream_id"`
	JobID          string    `json:"jobId,omitempty" db:"job_id"`
	BlockHeight    int64     `json:"blockHeight" db:"block_height"`
	Outcome        Outcome   `json:"outcome" db:"outcome"`
	StatusCode     *int      `json:"statusCode,omitempty" db:"status_code"`
	ResponseTimeMs int64     `json:"responseTimeMs" db:"response_time_ms"`
	Attempts       int       `json:"attempts" db:"attempts"`
	Error          string    `json:"error,omitempty" db:"error"`
	Payload        []byte    `json:"payload" db:"payload"`
	CreatedAt      time.Time `json:"createdAt" db:"created_at"`
}

// Stats is the current count snapshot returned by queue.Stats.
type Stats struct {
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	Total      int64 `json:"total"`
}

// DefaultMaxAttempts is the attempts ceiling new jobs are created with
// when the caller does not specify one.
const DefaultMaxAttempts = 5
