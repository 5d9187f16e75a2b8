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

// Package dispatcher implements the webhook dispatcher (C3): HMAC
// request signing, per-attempt timeouts, a bounded retry schedule, a
// circuit breaker per destination host, and a per-stream token-bucket
// rate limiter.
//
// The circuit breaker (sony/gobreaker) is a transport-level safety net
// distinct from the stream status machine in pkg/stream: gobreaker
// prevents hammering a dead host inside one dispatch's own retry loop,
// while the stream's active/failed transition is the durable,
// cross-job business state tracked in internal/worker.
package dispatcher

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// Options configures one dispatch call; zero values are replaced by
// the defaults in Dispatch.
type Options struct {
	MaxAttempts   int
	TimeoutMs     int
	RetryDelaysMs []int
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.TimeoutMs <= 0 {
		o.TimeoutMs = 10000
	}
	if len(o.RetryDelaysMs) == 0 {
		o.RetryDelaysMs = []int{1000, 5000, 10000}
	}
	return o
}

// Result is the outcome of a full dispatch attempt chain.
type Result struct {
	Success        bool
	StatusCode     int
	ResponseTimeMs int64
	Attempts       int
	Error          string
}

const userAgent = "Second-Layer/1.0"

// Dispatcher issues signed webhook deliveries with per-stream rate
// limiting and per-host circuit breaking.
type Dispatcher struct {
	client *http.Client

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	breakers map[string]*gobreaker.CircuitBreaker
}

// New builds a Dispatcher. httpClient may be nil to use a default
// client with no overall timeout (attempts carry their own timeout).
func New(httpClient *http.Client) *Dispatcher {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Dispatcher{
		client:   httpClient,
		limiters: make(map[string]*rate.Limiter),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// Acquire waits for a rate token for streamID at the given rate
// (tokens/sec, default 10, configurable up to 100). The limiter refills
// lazily based on elapsed wall time since the last refill; it is
// per-process, so fleet-wide rate scales with worker count.
func (d *Dispatcher) Acquire(ctx context.Context, streamID string, ratePerSec int) error {
	if ratePerSec <= 0 {
		ratePerSec = 10
	}
	lim := d.limiterFor(streamID, ratePerSec)
	return lim.Wait(ctx)
}

func (d *Dispatcher) limiterFor(streamID string, ratePerSec int) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	lim, ok := d.limiters[streamID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(ratePerSec), ratePerSec)
		d.limiters[streamID] = lim
	}
	return lim
}

// breakerFor returns the circuit breaker for rawURL's host, so every
// stream posting to the same host shares one breaker regardless of
// path. An unparseable URL falls back to the raw string as the key.
func (d *Dispatcher) breakerFor(rawURL string) *gobreaker.CircuitBreaker {
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		host = u.Host
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	br, ok := d.breakers[host]
	if !ok {
		br = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        host,
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		})
		d.breakers[host] = br
	}
	return br
}

// Sign computes the X-Secondlayer-Signature header value for payload
// under secret: "t=<unix>,v1=<hex-hmac-sha256(secret, t.payload)>".
func Sign(payload []byte, secret string, now time.Time) string {
	ts := strconv.FormatInt(now.Unix(), 10)
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(payload)
	sig := hex.EncodeToString(mac.Sum(nil))
	return fmt.Sprintf("t=%s,v1=%s", ts, sig)
}

// Verify checks a signature header against payload/secret within a
// tolerance window (300s), using a constant-time comparison.
func Verify(payload []byte, header, secret string, now time.Time, tolerance time.Duration) bool {
	var ts int64
	var sig string
	if _, err := fmt.Sscanf(header, "t=%d,v1=%s", &ts, &sig); err != nil {
		return false
	}
	signedAt := time.Unix(ts, 0)
	if now.Sub(signedAt) > tolerance || signedAt.Sub(now) > tolerance {
		return false
	}
	expected := Sign(payload, secret, signedAt)
	var expectedSig string
	fmt.Sscanf(expected, "t=%d,v1=%s", &ts, &expectedSig)
	return hmac.Equal([]byte(sig), []byte(expectedSig))
}

// Dispatch delivers payload to url, signing with secret when non-empty,
// retrying per opts on 5xx/transport errors, and returning immediately
// on 2xx or 4xx.
func (d *Dispatcher) Dispatch(ctx context.Context, url string, payload []byte, secret string, opts Options) Result {
	opts = opts.withDefaults()
	start := time.Now()
	breaker := d.breakerFor(url)

	var lastErr string
	var lastStatus int

	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, time.Duration(opts.TimeoutMs)*time.Millisecond)
		status, bodyErr, breakerErr := d.attempt(attemptCtx, breaker, url, payload, secret)
		cancel()

		if breakerErr != nil {
			lastErr = breakerErr.Error()
		} else if bodyErr != nil {
			lastErr = bodyErr.Error()
			if status != 0 {
				lastStatus = status
			}
			if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
				lastErr = "timeout: " + lastErr
			}
		} else {
			lastStatus = status
			if status >= 200 && status < 300 {
				return Result{Success: true, StatusCode: status, ResponseTimeMs: elapsedMs(start), Attempts: attempt}
			}
			if status >= 400 && status < 500 {
				return Result{Success: false, StatusCode: status, ResponseTimeMs: elapsedMs(start), Attempts: attempt, Error: fmt.Sprintf("permanent failure: status %d", status)}
			}
			lastErr = fmt.Sprintf("server error: status %d", status)
		}

		if attempt == opts.MaxAttempts {
			break
		}
		delay := delayFor(opts.RetryDelaysMs, attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Result{Success: false, StatusCode: lastStatus, ResponseTimeMs: elapsedMs(start), Attempts: attempt, Error: ctx.Err().Error()}
		}
	}

	return Result{Success: false, StatusCode: lastStatus, ResponseTimeMs: elapsedMs(start), Attempts: opts.MaxAttempts, Error: lastErr}
}

func (d *Dispatcher) attempt(ctx context.Context, breaker *gobreaker.CircuitBreaker, url string, payload []byte, secret string) (int, error, error) {
	result, breakerErr := breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return 0, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", userAgent)
		if secret != "" {
			req.Header.Set("X-Secondlayer-Signature", Sign(payload, secret, time.Now()))
		}

		resp, err := d.client.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode >= 500 {
			return resp.StatusCode, fmt.Errorf("server error: status %d", resp.StatusCode)
		}
		return resp.StatusCode, nil
	})
	if breakerErr != nil {
		if status, ok := result.(int); ok && status != 0 {
			return status, breakerErr, nil
		}
		return 0, nil, breakerErr
	}
	status, _ := result.(int)
	return status, nil, nil
}

func delayFor(schedule []int, attempt int) time.Duration {
	idx := attempt - 1
	if idx >= len(schedule) {
		idx = len(schedule) - 1
	}
	return time.Duration(schedule[idx]) * time.Millisecond
}

func elapsedMs(start time.Time) int64 {
	return time.Since(start).Milliseconds()
}
