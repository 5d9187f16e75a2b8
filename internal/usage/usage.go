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

// Package usage implements the plan/usage enforcer (C8): a thin,
// DB-backed wrapper around pkg/usage's pure comparison function,
// adding the DEV_MODE bypass and the counter-increment calls the admin
// surface makes on mutating requests.
package usage

import (
	"context"

	"secondlayer/internal/storage"
	"secondlayer/pkg/usage"
)

// Enforcer checks and increments usage for one account against a set
// of plan limits.
type Enforcer struct {
	db      *storage.DB
	devMode bool
}

// New builds an Enforcer. devMode, once true, bypasses every check
// end to end.
func New(db *storage.DB, devMode bool) *Enforcer {
	return &Enforcer{db: db, devMode: devMode}
}

// CheckAndRecordAPIRequest enforces apiRequestsPerDay for accountID and,
// if allowed, increments today's counter.
func (e *Enforcer) CheckAndRecordAPIRequest(ctx context.Context, accountID string, limits usage.Limits) (usage.Decision, error) {
	decision, err := e.check(ctx, accountID, usage.Limits{APIRequestsPerDay: limits.APIRequestsPerDay})
	if err != nil || !decision.Allowed {
		return decision, err
	}
	if err := e.db.IncrementAPIRequest(ctx, accountID); err != nil {
		return decision, err
	}
	return decision, nil
}

// CheckResourceCreate enforces limits before a stream or view is
// created, without incrementing any
// counter; the live count comes from the streams/views tables
// themselves once the row exists.
func (e *Enforcer) CheckResourceCreate(ctx context.Context, accountID string, limits usage.Limits) (usage.Decision, error) {
	return e.check(ctx, accountID, limits)
}

// RecordDelivery increments the month's delivery counter for accountID.
func (e *Enforcer) RecordDelivery(ctx context.Context, accountID string) error {
	return e.db.IncrementDeliveries(ctx, accountID)
}

func (e *Enforcer) check(ctx context.Context, accountID string, limits usage.Limits) (usage.Decision, error) {
	if e.devMode {
		return usage.Decision{Allowed: true}, nil
	}
	cur, err := e.db.CurrentUsage(ctx, accountID)
	if err != nil {
		return usage.Decision{}, err
	}
	return usage.Check(cur, limits, e.devMode), nil
}
