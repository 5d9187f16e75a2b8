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

package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu  sync.RWMutex
	reg *prometheus.Registry

	jobsClaimed      *prometheus.CounterVec
	jobProcessing    *prometheus.HistogramVec
	deliveries       *prometheus.CounterVec
	deliveryDuration *prometheus.HistogramVec
	streamTrips      *prometheus.CounterVec
	viewReindex      *prometheus.HistogramVec
)

// Delivery outcome labels, mirroring jobqueue.Outcome without importing
// the core domain package into this leaf.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
)

func init() {
	resetLocked()
}

// Reset clears and reinitializes all metrics collectors. Primarily used
// by tests to ensure clean state.
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	resetLocked()
}

// Handler returns an HTTP handler that exposes metrics in Prometheus format.
func Handler() http.Handler {
	mu.RLock()
	registry := reg
	mu.RUnlock()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// ObserveJobClaimed records that a worker claimed a job, labeled by
// whether it was a backfill job.
func ObserveJobClaimed(isBackfill bool) {
	label := "live"
	if isBackfill {
		label = "backfill"
	}
	mu.RLock()
	defer mu.RUnlock()
	if jobsClaimed != nil {
		jobsClaimed.WithLabelValues(label).Inc()
	}
}

// ObserveJobProcessing records the wall-clock duration of one claim
// through complete/fail cycle.
func ObserveJobProcessing(d time.Duration) {
	mu.RLock()
	defer mu.RUnlock()
	if jobProcessing != nil {
		jobProcessing.WithLabelValues().Observe(durationSeconds(d))
	}
}

// ObserveDelivery records a completed dispatch attempt chain for a
// stream, labeled by outcome and status code.
func ObserveDelivery(streamID, outcome string, statusCode int, d time.Duration) {
	label := sanitizeLabel(streamID, "unknown")
	code := "none"
	if statusCode > 0 {
		code = strconv.Itoa(statusCode)
	}
	mu.RLock()
	defer mu.RUnlock()
	if deliveries != nil {
		deliveries.WithLabelValues(label, outcome, code).Inc()
	}
	if deliveryDuration != nil {
		deliveryDuration.WithLabelValues(label, outcome).Observe(durationSeconds(d))
	}
}

// IncStreamTrip records a stream transitioning to failed via the
// worker's consecutive-failure threshold.
func IncStreamTrip(streamID string) {
	label := sanitizeLabel(streamID, "unknown")
	mu.RLock()
	defer mu.RUnlock()
	if streamTrips != nil {
		streamTrips.WithLabelValues(label).Inc()
	}
}

// ObserveViewReindex records the duration of one reindex pass over a
// view's tables.
func ObserveViewReindex(viewName string, d time.Duration) {
	label := sanitizeLabel(viewName, "unknown")
	mu.RLock()
	defer mu.RUnlock()
	if viewReindex != nil {
		viewReindex.WithLabelValues(label).Observe(durationSeconds(d))
	}
}

func resetLocked() {
	registry := prometheus.NewRegistry()

	claimed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "secondlayer",
		Subsystem: "queue",
		Name:      "jobs_claimed_total",
		Help:      "Total jobs claimed by workers, grouped by live/backfill.",
	}, []string{"class"})

	processing := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "secondlayer",
		Subsystem: "worker",
		Name:      "job_processing_duration_seconds",
		Help:      "Duration of one claim-through-complete/fail cycle.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
	}, []string{})

	delivered := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "secondlayer",
		Subsystem: "dispatcher",
		Name:      "deliveries_total",
		Help:      "Total webhook deliveries grouped by stream, outcome, and status code.",
	}, []string{"stream", "outcome", "status_code"})

	deliveryHist := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "secondlayer",
		Subsystem: "dispatcher",
		Name:      "delivery_duration_seconds",
		Help:      "Duration of a webhook delivery's full attempt chain.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"stream", "outcome"})

	trips := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "secondlayer",
		Subsystem: "stream",
		Name:      "trips_total",
		Help:      "Total times a stream tripped to failed via the consecutive-failure threshold.",
	}, []string{"stream"})

	reindex := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "secondlayer",
		Subsystem: "views",
		Name:      "reindex_duration_seconds",
		Help:      "Duration of a single view reindex pass.",
		Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300},
	}, []string{"view"})

	registry.MustRegister(claimed, processing, delivered, deliveryHist, trips, reindex)

	reg = registry
	jobsClaimed = claimed
	jobProcessing = processing
	deliveries = delivered
	deliveryDuration = deliveryHist
	streamTrips = trips
	viewReindex = reindex
}

func sanitizeLabel(v string, fallback string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ':' || r == '.' || r == '-' || r == '_' {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

func durationSeconds(d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return d.Seconds()
}
