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

// Package stream models a tenant's filter set and webhook destination,
// its delivery metrics, and the status lifecycle a worker drives it
// through.
package stream

import (
	"fmt"
	"time"

	"secondlayer/pkg/apierr"
	"secondlayer/pkg/ownerkey"
)

// Status is the stream lifecycle state.
type Status string

const (
	StatusInactive Status = "inactive"
	StatusActive   Status = "active"
	StatusPaused   Status = "paused"
	StatusFailed   Status = "failed"
)

// Options bounds the behavioral knobs a Stream can set; the upper
// bounds are enforced by Options.Validate, not by the database.
type Options struct {
	DecodeClarityValues bool `json:"decodeClarityValues"`
	IncludeRawTx        bool `json:"includeRawTx"`
	IncludeBlockMeta    bool `json:"includeBlockMetadata"`
	RateLimit           int  `json:"rateLimit"`
	TimeoutMs           int  `json:"timeoutMs"`
	MaxRetries          int  `json:"maxRetries"`
}

// DefaultOptions returns the zero-value-safe defaults new streams get
// when a field is omitted from a create request.
func DefaultOptions() Options {
	return Options{RateLimit: 10, TimeoutMs: 10000, MaxRetries: 3}
}

// Validate enforces the bounds: rateLimit<=100, timeoutMs<=30000,
// maxRetries<=10.
func (o Options) Validate() error {
	if o.RateLimit <= 0 || o.RateLimit > 100 {
		return apierr.New(apierr.KindValidation, "options.rateLimit must be in (0,100]")
	}
	if o.TimeoutMs <= 0 || o.TimeoutMs > 30000 {
		return apierr.New(apierr.KindValidation, "options.timeoutMs must be in (0,30000]")
	}
	if o.MaxRetries < 0 || o.MaxRetries > 10 {
		return apierr.New(apierr.KindValidation, "options.maxRetries must be in [0,10]")
	}
	return nil
}

// Stream is a tenant-configured filter set with a webhook destination.
type Stream struct {
	ID            string       `json:"id" db:"id"`
	Name          string       `json:"name" db:"name"`
	Status        Status       `json:"status" db:"status"`
	Filters       FilterSet    `json:"filters" db:"filters"`
	Options       Options      `json:"options" db:"options"`
	WebhookURL    string       `json:"webhookUrl" db:"webhook_url"`
	WebhookSecret string       `json:"-" db:"webhook_secret"`
	OwnerKeyID    ownerkey.Key `json:"ownerKeyId" db:"owner_key_id"`
	CreatedAt     time.Time    `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time    `json:"updatedAt" db:"updated_at"`
}

// Metrics is the 1:1 delivery-metrics record for a Stream.
type Metrics struct {
	StreamID           string     `json:"streamId" db:"stream_id"`
	LastTriggeredAt    *time.Time `json:"lastTriggeredAt,omitempty" db:"last_triggered_at"`
	LastTriggeredBlock *int64     `json:"lastTriggeredBlock,omitempty" db:"last_triggered_block"`
	TotalDeliveries    int64      `json:"totalDeliveries" db:"total_deliveries"`
	FailedDeliveries   int64      `json:"failedDeliveries" db:"failed_deliveries"`
	LastErrorMessage   string     `json:"lastErrorMessage,omitempty" db:"last_error_message"`
}

// transitions enumerates the exact allowed (from, to) status pairs.
// Any pair not in this set is rejected by Transition.
var transitions = map[Status]map[Status]bool{
	StatusInactive: {StatusActive: true},
	StatusActive:   {StatusInactive: true, StatusPaused: true, StatusFailed: true},
	StatusPaused:   {StatusInactive: true, StatusActive: true},
	StatusFailed:   {StatusInactive: true, StatusActive: true},
}

// Transition validates from→to against the status machine, returning a
// VALIDATION_ERROR apierr for any pair not explicitly allowed.
func Transition(from, to Status) error {
	if allowed, ok := transitions[from]; ok && allowed[to] {
		return nil
	}
	return apierr.New(apierr.KindValidation, fmt.Sprintf("invalid status transition %s -> %s", from, to))
}

// Enable moves a stream from {inactive,failed} to active.
func Enable(current Status) (Status, error) {
	if current == StatusPaused {
		return current, apierr.New(apierr.KindValidation, fmt.Sprintf("invalid status transition %s -> %s", current, StatusActive))
	}
	if err := Transition(current, StatusActive); err != nil {
		return current, err
	}
	return StatusActive, nil
}

// Disable moves a stream from any state to inactive.
func Disable(current Status) (Status, error) {
	if current == StatusInactive {
		return current, nil
	}
	if err := Transition(current, StatusInactive); err != nil {
		return current, err
	}
	return StatusInactive, nil
}

// Pause moves an active stream to paused.
func Pause(current Status) (Status, error) {
	if err := Transition(current, StatusPaused); err != nil {
		return current, err
	}
	return StatusPaused, nil
}

// Resume moves a paused stream back to active.
func Resume(current Status) (Status, error) {
	if err := Transition(current, StatusActive); err != nil {
		return current, err
	}
	return StatusActive, nil
}

// Trip is the worker-triggered transition from active to failed when
// the consecutive-failure threshold is crossed. It is not
// routed through Transition's operator-facing validation because it is
// system-driven, not a rejected client request, but the target pair
// is still a member of the allowed set.
func Trip(current Status) Status {
	if current == StatusActive {
		return StatusFailed
	}
	return current
}
