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

package usage

import "testing"

func TestCheck_AllowsWhenBelowEveryLimit(t *testing.T) {
	cur := Current{APIRequestsToday: 5, DeliveriesThisMonth: 5, StorageBytes: 5, Streams: 5, Views: 5}
	lim := Limits{APIRequestsPerDay: 10, DeliveriesPerMonth: 10, StorageBytes: 10, Streams: 10, Views: 10}

	got := Check(cur, lim, false)
	if !got.Allowed {
		t.Fatalf("expected allowed, got %+v", got)
	}
}

func TestCheck_FirstExceededDimensionWins(t *testing.T) {
	// The first dimension (fixed order: api, deliveries, storage,
	// streams, views) at or above its limit is reported, even if a
	// later dimension is also over.
	cur := Current{APIRequestsToday: 10, DeliveriesThisMonth: 999, StorageBytes: 999, Streams: 999, Views: 999}
	lim := Limits{APIRequestsPerDay: 10, DeliveriesPerMonth: 10, StorageBytes: 10, Streams: 10, Views: 10}

	got := Check(cur, lim, false)
	if got.Allowed {
		t.Fatal("expected not allowed")
	}
	if got.Exceeded != DimAPIRequests {
		t.Errorf("expected apiRequestsPerDay to be the reported dimension, got %q", got.Exceeded)
	}
}

func TestCheck_AtLimitIsExceeded(t *testing.T) {
	// "strictly below": current == limit is already exceeded.
	cur := Current{Streams: 5}
	lim := Limits{Streams: 5}

	got := Check(cur, lim, false)
	if got.Allowed {
		t.Fatal("expected current usage equal to the limit to be rejected")
	}
	if got.Exceeded != DimStreams {
		t.Errorf("expected streams dimension reported, got %q", got.Exceeded)
	}
}

func TestCheck_ZeroLimitMeansUnbounded(t *testing.T) {
	cur := Current{APIRequestsToday: 1_000_000}
	lim := Limits{APIRequestsPerDay: 0}

	got := Check(cur, lim, false)
	if !got.Allowed {
		t.Fatalf("expected a zero limit to mean unlimited, got %+v", got)
	}
}

func TestCheck_DevModeBypassesEveryDimension(t *testing.T) {
	// The DEV_MODE bypass is exact: no dimension is ever checked.
	cur := Current{APIRequestsToday: 999, DeliveriesThisMonth: 999, StorageBytes: 999, Streams: 999, Views: 999}
	lim := Limits{APIRequestsPerDay: 1, DeliveriesPerMonth: 1, StorageBytes: 1, Streams: 1, Views: 1}

	got := Check(cur, lim, true)
	if !got.Allowed || got.Exceeded != "" {
		t.Fatalf("expected DEV_MODE to bypass all checks, got %+v", got)
	}
}

func TestCheck_SecondDimensionReportedWhenFirstIsFine(t *testing.T) {
	cur := Current{APIRequestsToday: 1, DeliveriesThisMonth: 50}
	lim := Limits{APIRequestsPerDay: 10, DeliveriesPerMonth: 50}

	got := Check(cur, lim, false)
	if got.Allowed || got.Exceeded != DimDeliveries {
		t.Fatalf("expected deliveriesPerMonth exceeded, got %+v", got)
	}
}
