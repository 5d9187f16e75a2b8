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

// Package config parses the process-wide environment recognized by
// cmd/eventstreamd: env vars with defaults, no config file.
package config

import (
	"os"
	"strconv"
	"strings"

	"secondlayer/pkg/usage"
)

// Config is the resolved process configuration.
type Config struct {
	DatabaseURL       string   // DATABASE_URL
	Networks          []string // NETWORK or NETWORKS (comma-separated)
	LogLevel          string   // LOG_LEVEL: debug|info|warn|error
	NodeEnv           string   // NODE_ENV: development|production|test
	DevMode           bool     // DEV_MODE
	IndexerURL        string   // INDEXER_URL
	StacksNetwork     string   // STACKS_NETWORK
	HTTPAddr          string   // HTTP_ADDR
	WorkerConcurrency int      // WORKER_CONCURRENCY
	RecoverInterval   int      // RECOVER_STALE_INTERVAL_SECONDS
	StaleThresholdMin int      // STALE_LEASE_THRESHOLD_MINUTES
	SecretKey         string   // SECRET_ENCRYPTION_KEY: passphrase for webhook-secret at-rest encryption
	DefaultPlanLimits PlanLimits
}

// PlanLimits is the fixed plan ceiling applied uniformly to every
// account, since real per-account plan assignment is an external
// collaborator.
type PlanLimits struct {
	APIRequestsPerDay  int64 // PLAN_API_REQUESTS_PER_DAY
	DeliveriesPerMonth int64 // PLAN_DELIVERIES_PER_MONTH
	StorageBytes       int64 // PLAN_STORAGE_BYTES
	Streams            int64 // PLAN_STREAMS
	Views              int64 // PLAN_VIEWS
}

// ToUsageLimits adapts PlanLimits to the shape pkg/usage.Check compares
// against.
func (p PlanLimits) ToUsageLimits() usage.Limits {
	return usage.Limits{
		APIRequestsPerDay:  p.APIRequestsPerDay,
		DeliveriesPerMonth: p.DeliveriesPerMonth,
		StorageBytes:       p.StorageBytes,
		Streams:            p.Streams,
		Views:              p.Views,
	}
}

// Default returns the baseline configuration new processes start from
// before environment overrides are applied.
func Default() Config {
	return Config{
		DatabaseURL:       "postgres://localhost:5432/secondlayer",
		Networks:          []string{"mainnet"},
		LogLevel:          "info",
		NodeEnv:           "development",
		DevMode:           false,
		HTTPAddr:          ":8080",
		WorkerConcurrency: 4,
		RecoverInterval:   60,
		StaleThresholdMin: 5,
		SecretKey:         "",
		DefaultPlanLimits: PlanLimits{
			APIRequestsPerDay:  100000,
			DeliveriesPerMonth: 500000,
			StorageBytes:       0,
			Streams:            100,
			Views:              50,
		},
	}
}

// Parse reads Config from the environment, falling back to Default's
// values for anything unset.
func Parse() Config {
	cfg := Default()

	cfg.DatabaseURL = getenv("DATABASE_URL", cfg.DatabaseURL)
	if nets := getenv("NETWORKS", getenv("NETWORK", "")); nets != "" {
		cfg.Networks = splitCSV(nets)
	}
	cfg.LogLevel = getenv("LOG_LEVEL", cfg.LogLevel)
	cfg.NodeEnv = getenv("NODE_ENV", cfg.NodeEnv)
	cfg.DevMode = getenvBool("DEV_MODE", cfg.DevMode)
	cfg.IndexerURL = getenv("INDEXER_URL", cfg.IndexerURL)
	cfg.StacksNetwork = getenv("STACKS_NETWORK", cfg.StacksNetwork)
	cfg.HTTPAddr = getenv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.WorkerConcurrency = getenvInt("WORKER_CONCURRENCY", cfg.WorkerConcurrency)
	cfg.RecoverInterval = getenvInt("RECOVER_STALE_INTERVAL_SECONDS", cfg.RecoverInterval)
	cfg.StaleThresholdMin = getenvInt("STALE_LEASE_THRESHOLD_MINUTES", cfg.StaleThresholdMin)
	cfg.SecretKey = getenv("SECRET_ENCRYPTION_KEY", cfg.SecretKey)

	cfg.DefaultPlanLimits.APIRequestsPerDay = getenvInt64("PLAN_API_REQUESTS_PER_DAY", cfg.DefaultPlanLimits.APIRequestsPerDay)
	cfg.DefaultPlanLimits.DeliveriesPerMonth = getenvInt64("PLAN_DELIVERIES_PER_MONTH", cfg.DefaultPlanLimits.DeliveriesPerMonth)
	cfg.DefaultPlanLimits.StorageBytes = getenvInt64("PLAN_STORAGE_BYTES", cfg.DefaultPlanLimits.StorageBytes)
	cfg.DefaultPlanLimits.Streams = getenvInt64("PLAN_STREAMS", cfg.DefaultPlanLimits.Streams)
	cfg.DefaultPlanLimits.Views = getenvInt64("PLAN_VIEWS", cfg.DefaultPlanLimits.Views)

	return cfg
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return i
}

func splitCSV(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
