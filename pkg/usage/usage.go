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

// Package usage defines the plan-limit comparison and the
// usage record shapes it compares against.
package usage

import "time"

// Daily is the per-account, per-day usage counter row.
type Daily struct {
	AccountID   string    `json:"accountId" db:"account_id"`
	Date        time.Time `json:"date" db:"date"`
	APIRequests int64     `json:"apiRequests" db:"api_requests"`
	Deliveries  int64     `json:"deliveries" db:"deliveries"`
}

// Snapshot is a point-in-time storage measurement.
type Snapshot struct {
	AccountID    string    `json:"accountId" db:"account_id"`
	MeasuredAt   time.Time `json:"measuredAt" db:"measured_at"`
	StorageBytes int64     `json:"storageBytes" db:"storage_bytes"`
}

// Limits is a plan's ceiling per usage dimension. Zero means
// unlimited for that dimension.
type Limits struct {
	APIRequestsPerDay  int64
	DeliveriesPerMonth int64
	StorageBytes       int64
	Streams            int64
	Views              int64
}

// Current is the usage snapshot the enforcer compares against Limits,
// computed by the caller from UsageDaily/UsageSnapshot plus live counts
// of streams and views.
type Current struct {
	APIRequestsToday    int64
	DeliveriesThisMonth int64
	StorageBytes        int64
	Streams             int64
	Views               int64
}

// Dimension names a single usage axis, used to report which one was
// exceeded.
type Dimension string

const (
	DimAPIRequests Dimension = "apiRequestsPerDay"
	DimDeliveries  Dimension = "deliveriesPerMonth"
	DimStorage     Dimension = "storageBytes"
	DimStreams     Dimension = "streams"
	DimViews       Dimension = "views"
)

// Decision is the enforcer's verdict for one mutating call.
type Decision struct {
	Allowed  bool      `json:"allowed"`
	Exceeded Dimension `json:"exceeded,omitempty"`
}

// Check compares cur against lim dimension by dimension in a fixed
// order (api, deliveries, storage, streams, views) and reports the
// first dimension where cur is not strictly below lim. A zero Limits
// field means that dimension is unbounded. devMode bypasses the check
// entirely and always allows.
func Check(cur Current, lim Limits, devMode bool) Decision {
	if devMode {
		return Decision{Allowed: true}
	}
	type pair struct {
		dim   Dimension
		cur   int64
		limit int64
	}
	pairs := []pair{
		{DimAPIRequests, cur.APIRequestsToday, lim.APIRequestsPerDay},
		{DimDeliveries, cur.DeliveriesThisMonth, lim.DeliveriesPerMonth},
		{DimStorage, cur.StorageBytes, lim.StorageBytes},
		{DimStreams, cur.Streams, lim.Streams},
		{DimViews, cur.Views, lim.Views},
	}
	for _, p := range pairs {
		if p.limit == 0 {
			continue
		}
		if p.cur >= p.limit {
			return Decision{Allowed: false, Exceeded: p.dim}
		}
	}
	return Decision{Allowed: true}
}
