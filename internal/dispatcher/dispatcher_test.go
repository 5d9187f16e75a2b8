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

package dispatcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	// verify(p, sign(p, s), s) must hold within the tolerance window.
	payload := []byte(`{"streamId":"s1"}`)
	secret := "whsec_test"
	now := time.Now()

	header := Sign(payload, secret, now)
	if !Verify(payload, header, secret, now, 300*time.Second) {
		t.Fatal("expected signature to verify immediately")
	}
}

func TestVerifyRejectsOutsideTolerance(t *testing.T) {
	payload := []byte(`{"a":1}`)
	secret := "s"
	signedAt := time.Now().Add(-10 * time.Minute)

	header := Sign(payload, secret, signedAt)
	if Verify(payload, header, secret, time.Now(), 300*time.Second) {
		t.Fatal("expected signature older than tolerance window to be rejected")
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	payload := []byte(`{"a":1}`)
	now := time.Now()
	header := Sign(payload, "right-secret", now)
	if Verify(payload, header, "wrong-secret", now, 300*time.Second) {
		t.Fatal("expected verification to fail with the wrong secret")
	}
}

func TestDispatch_RetryThenSuccess(t *testing.T) {
	// 503, 503, 200 -> success on attempt 3.
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := New(nil)
	result := d.Dispatch(context.Background(), srv.URL, []byte(`{}`), "", Options{
		MaxAttempts:   3,
		TimeoutMs:     2000,
		RetryDelaysMs: []int{10, 10, 10}, // shrink the schedule so the test runs fast
	})

	if !result.Success || result.Attempts != 3 || result.StatusCode != 200 {
		t.Fatalf("expected success on attempt 3, got %+v", result)
	}
}

func TestDispatch_4xxNoRetry(t *testing.T) {
	// A 4xx produces exactly one attempt and no retry.
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	d := New(nil)
	result := d.Dispatch(context.Background(), srv.URL, []byte(`{}`), "", Options{
		MaxAttempts:   3,
		TimeoutMs:     2000,
		RetryDelaysMs: []int{10, 10, 10},
	})

	if result.Success || result.Attempts != 1 || result.StatusCode != 400 {
		t.Fatalf("expected exactly one attempt and no retry on 4xx, got %+v", result)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("expected server to see exactly 1 call, saw %d", calls)
	}
}

func TestDispatch_RetryBoundedByMaxAttempts(t *testing.T) {
	// Never more than maxAttempts HTTP attempts.
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := New(nil)
	result := d.Dispatch(context.Background(), srv.URL, []byte(`{}`), "", Options{
		MaxAttempts:   3,
		TimeoutMs:     2000,
		RetryDelaysMs: []int{10, 10, 10},
	})

	if result.Success {
		t.Fatal("expected failure after exhausting retries against a persistently failing endpoint")
	}
	if result.Attempts != 3 {
		t.Fatalf("expected exactly 3 attempts, got %d", result.Attempts)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected server to see exactly 3 calls, saw %d", calls)
	}
}

func TestDelayForClampsToLastElement(t *testing.T) {
	schedule := []int{1000, 5000, 10000}
	if got := delayFor(schedule, 1); got != time.Second {
		t.Errorf("attempt 1: got %v, want 1s", got)
	}
	if got := delayFor(schedule, 5); got != 10*time.Second {
		t.Errorf("attempt beyond schedule length: got %v, want clamp to last element (10s)", got)
	}
}

func TestAcquire_RateLimitsDeliveries(t *testing.T) {
	// rate=2/s, three back-to-back acquires; the third
	// should not return before ~500ms have elapsed since the start.
	d := New(nil)
	start := time.Now()
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := d.Acquire(ctx, "stream-1", 2); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}

	if elapsed := time.Since(start); elapsed < 400*time.Millisecond {
		t.Fatalf("expected the third acquire to wait for a refill tick, elapsed only %v", elapsed)
	}
}

func TestSign_HeaderShape(t *testing.T) {
	header := Sign([]byte("payload"), "secret", time.Unix(1700000000, 0))
	const want = "t=1700000000,v1="
	if len(header) <= len(want) || header[:len(want)] != want {
		t.Fatalf("signature header %q does not start with %q", header, want)
	}
}
