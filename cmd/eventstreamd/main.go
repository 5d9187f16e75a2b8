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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"secondlayer/internal/adminapi"
	"secondlayer/internal/config"
	"secondlayer/internal/dispatcher"
	"secondlayer/internal/integrity"
	"secondlayer/internal/logging"
	"secondlayer/internal/queue"
	"secondlayer/internal/storage"
	"secondlayer/internal/usage"
	"secondlayer/internal/viewquery"
	"secondlayer/internal/views"
	"secondlayer/internal/worker"
	"secondlayer/pkg/claritydecode"
	"secondlayer/pkg/crypto"
	"secondlayer/pkg/ownerkey"
)

func main() {
	cfg := config.Parse()
	log := logging.New(cfg.LogLevel, cfg.NodeEnv)
	log.Info("starting eventstreamd",
		"networks", cfg.Networks,
		"workers", cfg.WorkerConcurrency,
		"httpAddr", cfg.HTTPAddr,
		"databaseUrl", crypto.RedactURL(cfg.DatabaseURL))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("open database", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	var enc *crypto.Encryptor
	if cfg.SecretKey != "" {
		enc, err = crypto.NewEncryptor(cfg.SecretKey)
		if err != nil {
			log.Error("init encryptor", "err", err)
			os.Exit(1)
		}
	}

	q := queue.New(db)
	reg := views.New(db, q)
	if err := reg.LoadAll(ctx); err != nil {
		log.Error("load views", "err", err)
		os.Exit(1)
	}
	unsubscribeViews, err := reg.Listen(ctx)
	if err != nil {
		log.Error("listen for view changes", "err", err)
		os.Exit(1)
	}
	defer unsubscribeViews()

	qe := viewquery.New(db.Pool, reg)
	enforcer := usage.New(db, cfg.DevMode)
	disp := dispatcher.New(&http.Client{Timeout: 30 * time.Second})

	trackers := make(map[string]*integrity.Tracker, len(cfg.Networks))
	for _, network := range cfg.Networks {
		trackers[network] = integrity.New(db, network)
	}
	primaryNetwork := ""
	if len(cfg.Networks) > 0 {
		primaryNetwork = cfg.Networks[0]
	}

	api := adminapi.New(db, q, reg, qe, enforcer, disp, enc, ownerkey.AllowAll{}, trackers, primaryNetwork, cfg.DefaultPlanLimits.ToUsageLimits(), nil, log)

	var wg sync.WaitGroup
	for i := 0; i < cfg.WorkerConcurrency; i++ {
		w := worker.New(db, q, disp, enc, claritydecode.Passthrough{}, reg, log)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error("worker exited", "worker", w.ID, "err", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		recoverStaleLoop(ctx, q, log, time.Duration(cfg.RecoverInterval)*time.Second, time.Duration(cfg.StaleThresholdMin)*time.Minute)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		progressLoop(ctx, trackers, log, 30*time.Second)
	}()

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Router(nil),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server error: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		log.Error("server error", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "err", err)
	}

	stop()
	wg.Wait()
	log.Info("eventstreamd stopped")
}

// progressLoop periodically recomputes and persists each network's
// index-progress snapshot so /status and downstream consumers see a
// fresh contiguous tip.
func progressLoop(ctx context.Context, trackers map[string]*integrity.Tracker, log *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for network, tracker := range trackers {
				if err := tracker.AdvanceProgress(ctx); err != nil && ctx.Err() == nil {
					log.Error("advance index progress", "network", network, "err", err)
				}
			}
		}
	}
}

// recoverStaleLoop periodically reclaims jobs whose lease has expired
// without the worker completing them, ticking on interval until ctx is
// cancelled.
func recoverStaleLoop(ctx context.Context, q *queue.Queue, log *slog.Logger, interval, threshold time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := q.RecoverStale(ctx, threshold)
			if err != nil {
				log.Error("recover stale jobs", "err", err)
				continue
			}
			if n > 0 {
				log.Info("recovered stale jobs", "count", n)
			}
		}
	}
}
