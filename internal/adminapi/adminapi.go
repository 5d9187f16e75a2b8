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

// Package adminapi implements the administrative HTTP surface:
// stream and view CRUD/actions, view queries, and process status.
// Routing is chi so the larger route set (path params, route groups,
// CORS) stays declarative.
package adminapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"secondlayer/internal/dispatcher"
	"secondlayer/internal/integrity"
	"secondlayer/internal/metrics"
	"secondlayer/internal/queue"
	"secondlayer/internal/storage"
	"secondlayer/internal/usage"
	"secondlayer/internal/viewquery"
	"secondlayer/internal/views"
	"secondlayer/pkg/apierr"
	"secondlayer/pkg/chaintip"
	"secondlayer/pkg/crypto"
	"secondlayer/pkg/ownerkey"
	pkgusage "secondlayer/pkg/usage"
)

// ownerKeyHeader carries the caller's owner key. Real API-key/session
// validation is an external collaborator; this
// surface trusts the header once Resolver confirms the key is known.
const ownerKeyHeader = "X-Secondlayer-Owner-Key"

// API is the HTTP layer over the core components.
type API struct {
	DB         *storage.DB
	Queue      *queue.Queue
	Views      *views.Registry
	Query      *viewquery.Engine
	Usage      *usage.Enforcer
	Dispatcher *dispatcher.Dispatcher
	Encryptor  *crypto.Encryptor
	Resolver   ownerkey.Resolver
	Trackers   map[string]*integrity.Tracker // keyed by network
	Network    string                        // primary network canonical-height queries are scoped to
	Limits     pkgusage.Limits
	ChainTip   chaintip.Client // optional; best-effort chain-tip lookup for /status

	Log *slog.Logger
	// Now allows tests to control timestamps.
	Now func() time.Time
}

// New builds an API with its required collaborators.
func New(db *storage.DB, q *queue.Queue, reg *views.Registry, qe *viewquery.Engine, enf *usage.Enforcer, disp *dispatcher.Dispatcher, enc *crypto.Encryptor, resolver ownerkey.Resolver, trackers map[string]*integrity.Tracker, network string, limits pkgusage.Limits, tip chaintip.Client, log *slog.Logger) *API {
	if log == nil {
		log = slog.Default()
	}
	return &API{
		DB: db, Queue: q, Views: reg, Query: qe, Usage: enf,
		Dispatcher: disp, Encryptor: enc, Resolver: resolver, Trackers: trackers, Network: network, Limits: limits,
		ChainTip: tip,
		Log:      log, Now: func() time.Time { return time.Now().UTC() },
	}
}

// Router builds the chi.Mux serving the admin routes plus /health,
// /status, and the Prometheus /metrics endpoint.
func (a *API) Router(allowedOrigins []string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE"},
		AllowedHeaders:   []string{"Content-Type", ownerKeyHeader},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", a.handleHealth)
	r.Get("/status", a.handleStatus)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/streams", func(r chi.Router) {
		r.Use(a.requireOwner)
		r.Post("/", a.handleCreateStream)
		r.Get("/", a.handleListStreams)
		r.Post("/pause", a.handleBulkPause)
		r.Post("/resume", a.handleBulkResume)
		r.Route("/{streamID}", func(r chi.Router) {
			r.Get("/", a.handleGetStream)
			r.Patch("/", a.handleUpdateStream)
			r.Delete("/", a.handleDeleteStream)
			r.Post("/enable", a.handleStreamAction(streamActionEnable))
			r.Post("/disable", a.handleStreamAction(streamActionDisable))
			r.Post("/pause", a.handleStreamAction(streamActionPause))
			r.Post("/resume", a.handleStreamAction(streamActionResume))
			r.Post("/rotate-secret", a.handleRotateSecret)
			r.Post("/trigger", a.handleTrigger)
			r.Post("/replay", a.handleReplay)
			r.Post("/replay-failed", a.handleReplayFailed)
			r.Get("/deliveries", a.handleListDeliveries)
		})
	})

	r.Route("/views", func(r chi.Router) {
		r.Use(a.requireOwner)
		r.Post("/", a.handleDeployView)
		r.Get("/", a.handleListViews)
		r.Route("/{view}", func(r chi.Router) {
			r.Get("/", a.handleGetView)
			r.Delete("/", a.handleDeleteView)
			r.Post("/reindex", a.handleReindexView)
			r.Route("/{table}", func(r chi.Router) {
				r.Get("/", a.handleQueryView)
				r.Get("/count", a.handleCountView)
				r.Get("/{id}", a.handleGetViewRow)
			})
		})
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	env, status := apierr.ToEnvelope(err)
	writeJSON(w, status, env)
}

func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apierr.Wrap(apierr.KindValidation, "malformed request body", err)
	}
	return nil
}

type callerKeyType struct{}

var callerKeyCtxKey = callerKeyType{}

func withCallerKey(ctx context.Context, key ownerkey.Key) context.Context {
	return context.WithValue(ctx, callerKeyCtxKey, key)
}

// callerKeyFrom retrieves the owner key requireOwner stashed in ctx.
func callerKeyFrom(ctx context.Context) ownerkey.Key {
	key, _ := ctx.Value(callerKeyCtxKey).(ownerkey.Key)
	return key
}

// requireOwner resolves the ownerKeyHeader against Resolver, rejecting
// the request with AUTHENTICATION_ERROR when absent or unknown, and
// records one API request against the caller's plan usage.
func (a *API) requireOwner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := ownerkey.Key(r.Header.Get(ownerKeyHeader))
		if key == "" {
			writeError(w, apierr.New(apierr.KindAuthentication, "missing "+ownerKeyHeader))
			return
		}
		if a.Resolver != nil {
			ok, err := a.Resolver.Exists(r.Context(), key)
			if err != nil {
				writeError(w, apierr.Wrap(apierr.KindInternal, "resolve owner key", err))
				return
			}
			if !ok {
				writeError(w, apierr.New(apierr.KindAuthentication, "unknown owner key"))
				return
			}
		}
		if a.Usage != nil {
			decision, err := a.Usage.CheckAndRecordAPIRequest(r.Context(), string(key), a.Limits)
			if err != nil {
				writeError(w, apierr.Wrap(apierr.KindInternal, "check usage", err))
				return
			}
			if !decision.Allowed {
				writeError(w, apierr.New(apierr.KindLimitExceeded, "plan limit exceeded: "+string(decision.Exceeded)))
				return
			}
		}
		next.ServeHTTP(w, r.WithContext(withCallerKey(r.Context(), key)))
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
