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

package views

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"secondlayer/internal/metrics"
	"secondlayer/internal/queue"
	"secondlayer/internal/storage"
	"secondlayer/pkg/apierr"
	"secondlayer/pkg/chain"
	"secondlayer/pkg/ownerkey"
	"secondlayer/pkg/view"
)

// ViewChangeChannel is the LISTEN/NOTIFY channel views publish to on
// deploy/delete.
const ViewChangeChannel = "view_changes"

// Registry owns the view DDL application, the View row persistence, and
// an in-memory cache kept coherent via change notifications.
type Registry struct {
	db    *storage.DB
	queue *queue.Queue

	mu    sync.RWMutex
	cache map[string]*view.View // keyed by name+":"+ownerKeyId
}

// New builds a Registry. Call LoadAll once at startup and Listen to
// keep the cache coherent thereafter.
func New(db *storage.DB, q *queue.Queue) *Registry {
	return &Registry{db: db, queue: q, cache: make(map[string]*view.View)}
}

func cacheKey(name string, owner ownerkey.Key) string {
	return string(owner) + ":" + name
}

// LoadAll populates the cache from the database; called on startup.
func (r *Registry) LoadAll(ctx context.Context) error {
	all, err := r.db.ListAllViews(ctx)
	if err != nil {
		return fmt.Errorf("load views: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]*view.View, len(all))
	for _, v := range all {
		r.cache[cacheKey(v.Name, v.OwnerKeyID)] = v
	}
	return nil
}

// notify publishes a change notification naming the affected view.
func (r *Registry) notify(ctx context.Context, name string) error {
	_, err := r.db.Pool.Exec(ctx, `SELECT pg_notify($1, $2)`, ViewChangeChannel, name)
	return err
}

// Listen subscribes to ViewChangeChannel on a dedicated connection and
// refreshes the entire cache on each notification.
func (r *Registry) Listen(ctx context.Context) (func(), error) {
	conn, err := r.db.AcquireListenConn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen conn: %w", err)
	}
	if _, err := conn.Exec(ctx, `LISTEN `+ViewChangeChannel); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen: %w", err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			_, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				return
			}
			_ = r.LoadAll(ctx)
		}
	}()

	unsubscribe := func() {
		conn.Release()
		<-done
	}
	return unsubscribe, nil
}

// Get returns the cached view named name owned by owner. When keys is
// non-nil, the view's owner must also be a member of keys. The lookup
// is always by owner, so an empty owner finds only views stored with an
// empty owner key.
func (r *Registry) Get(name string, owner ownerkey.Key, keys *ownerkey.Set) (*view.View, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.cache[cacheKey(name, owner)]
	if !ok {
		return nil, apierr.NotFound(apierr.KindViewNotFound, "view")
	}
	if keys != nil && !keys.Contains(v.OwnerKeyID) {
		return nil, apierr.NotFound(apierr.KindViewNotFound, "view")
	}
	return v, nil
}

// GetAll returns the cached views visible to the caller: those whose
// owner is a member of keys, or those owned by owner when keys is nil.
// An empty owner with nil keys is admin/dev mode and returns every
// view.
func (r *Registry) GetAll(owner ownerkey.Key, keys *ownerkey.Set) []*view.View {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*view.View
	for _, v := range r.cache {
		switch {
		case keys != nil:
			if !keys.Contains(v.OwnerKeyID) {
				continue
			}
		case owner != "":
			if v.OwnerKeyID != owner {
				continue
			}
		}
		out = append(out, v)
	}
	return out
}

// schemaNameFor derives the tenant-prefixed physical schema name from
// the owner key and view name.
func schemaNameFor(owner ownerkey.Key, name string) string {
	sum := sha256.Sum256([]byte(string(owner)))
	prefix := hex.EncodeToString(sum[:])[:12]
	return fmt.Sprintf("tenant_%s_%s", prefix, sanitizeSchemaPart(name))
}

func sanitizeSchemaPart(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// Deploy validates def, applies DDL (schema + tables + indexes), and
// persists the View row; it then publishes a change notification and
// optionally enqueues a reindex job range.
func (r *Registry) Deploy(ctx context.Context, name string, owner ownerkey.Key, def view.Definition, reindexFrom, reindexTo int64) (*view.View, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	hash, err := hashDefinition(def)
	if err != nil {
		return nil, err
	}

	schemaName := schemaNameFor(owner, name)
	if err := r.applyDDL(ctx, schemaName, def); err != nil {
		return nil, fmt.Errorf("apply ddl: %w", err)
	}

	v := &view.View{
		Name:       name,
		Status:     view.StatusActive,
		Definition: def,
		SchemaHash: hash,
		SchemaName: schemaName,
		OwnerKeyID: owner,
	}
	if err := r.db.CreateOrUpdateView(ctx, v); err != nil {
		return nil, fmt.Errorf("persist view: %w", err)
	}

	if err := r.notify(ctx, name); err != nil {
		return nil, fmt.Errorf("notify: %w", err)
	}
	if err := r.LoadAll(ctx); err != nil {
		return nil, err
	}

	if reindexTo >= reindexFrom && reindexTo > 0 {
		for h := reindexFrom; h <= reindexTo; h++ {
			if _, err := r.queue.Enqueue(ctx, v.ID, h, true); err != nil {
				return v, fmt.Errorf("enqueue reindex: %w", err)
			}
		}
	}

	return v, nil
}

// Delete drops the physical schema (cascading all tables), deletes the
// View row, and publishes a change notification.
func (r *Registry) Delete(ctx context.Context, name string, owner ownerkey.Key) error {
	v, err := r.db.GetView(ctx, name, owner)
	if err != nil {
		return err
	}
	if !view.ValidIdentifier(v.SchemaName) {
		return apierr.New(apierr.KindValidation, "refusing to drop schema with unsafe name")
	}
	ddl := fmt.Sprintf(`DROP SCHEMA IF EXISTS %s CASCADE`, v.SchemaName)
	if _, err := r.db.Pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("drop schema: %w", err)
	}
	if err := r.db.DeleteView(ctx, name, owner); err != nil {
		return err
	}
	if err := r.notify(ctx, name); err != nil {
		return err
	}
	return r.LoadAll(ctx)
}

// Reindex runs the view's tables over the supplied txs and events,
// stamping every row with fromHeight as its _blockHeight, and records
// toHeight as the view's last processed height. Rows are written via
// upsert on (_blockHeight, _txId) so re-running is idempotent.
func (r *Registry) Reindex(ctx context.Context, v *view.View, fromHeight, toHeight int64, txs []chain.Transaction, events []chain.Event) error {
	start := time.Now()
	defer func() { metrics.ObserveViewReindex(v.Name, time.Since(start)) }()

	var processed, errCount int64
	var lastErr string

	for _, t := range v.Definition.Tables {
		rows, err := RunTable(t, fromHeight, txs, events)
		if err != nil {
			errCount++
			lastErr = err.Error()
			continue
		}
		if err := r.upsertRows(ctx, v.SchemaName, t, rows); err != nil {
			errCount++
			lastErr = err.Error()
			continue
		}
		processed += int64(len(rows))
	}

	return r.db.RecordViewProgress(ctx, v.ID, toHeight, processed, errCount, lastErr)
}

func (r *Registry) upsertRows(ctx context.Context, schemaName string, t view.Table, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}
	if !view.ValidIdentifier(schemaName) || !view.ValidIdentifier(t.Name) {
		return apierr.New(apierr.KindValidation, "unsafe schema/table identifier")
	}

	cols := append([]string{"_blockHeight", "_txId", "_createdAt"}, columnNames(t.Columns)...)
	for _, row := range rows {
		placeholders := make([]string, len(cols))
		args := make([]any, len(cols))
		for i, c := range cols {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
			args[i] = row[c]
		}
		quoted := make([]string, len(cols))
		for i, c := range cols {
			quoted[i] = `"` + c + `"`
		}
		stmt := fmt.Sprintf(
			`INSERT INTO %s.%s (%s) VALUES (%s)
ON CONFLICT ("_blockHeight", "_txId") DO UPDATE SET %s`,
			schemaName, t.Name, strings.Join(quoted, ", "), strings.Join(placeholders, ", "), conflictSet(quoted))
		if _, err := r.db.Pool.Exec(ctx, stmt, args...); err != nil {
			return fmt.Errorf("upsert row into %s.%s: %w", schemaName, t.Name, err)
		}
	}
	return nil
}

func conflictSet(quotedCols []string) string {
	parts := make([]string, 0, len(quotedCols))
	for _, c := range quotedCols {
		if c == `"_blockHeight"` || c == `"_txId"` {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s = excluded.%s", c, c))
	}
	if len(parts) == 0 {
		return `"_createdAt" = excluded."_createdAt"`
	}
	return strings.Join(parts, ", ")
}

func columnNames(cols []view.Column) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
	}
	return out
}

func (r *Registry) applyDDL(ctx context.Context, schemaName string, def view.Definition) error {
	if !view.ValidIdentifier(schemaName) {
		return apierr.New(apierr.KindValidation, "unsafe schema identifier")
	}
	if _, err := r.db.Pool.Exec(ctx, fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, schemaName)); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	for _, t := range def.Tables {
		if !view.ValidIdentifier(t.Name) {
			return apierr.New(apierr.KindValidation, fmt.Sprintf("unsafe table identifier %q", t.Name))
		}
		var cols []string
		cols = append(cols, `"_id" BIGSERIAL PRIMARY KEY`, `"_blockHeight" BIGINT NOT NULL`, `"_txId" TEXT NOT NULL`, `"_createdAt" TIMESTAMPTZ NOT NULL DEFAULT now()`)
		for _, c := range t.Columns {
			sqlType, err := c.Type.SQLType()
			if err != nil {
				return err
			}
			cols = append(cols, fmt.Sprintf(`"%s" %s`, c.Name, sqlType))
		}
		ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (%s, UNIQUE ("_blockHeight", "_txId"))`, schemaName, t.Name, strings.Join(cols, ", "))
		if _, err := r.db.Pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("create table %s: %w", t.Name, err)
		}
		for _, idxCol := range t.Indexes {
			if !view.ValidIdentifier(idxCol) {
				return apierr.New(apierr.KindValidation, fmt.Sprintf("unsafe index column %q", idxCol))
			}
			idxName := fmt.Sprintf("idx_%s_%s", t.Name, idxCol)
			ddl := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s.%s ("%s")`, idxName, schemaName, t.Name, idxCol)
			if _, err := r.db.Pool.Exec(ctx, ddl); err != nil {
				return fmt.Errorf("create index on %s: %w", t.Name, err)
			}
		}
	}
	return nil
}

func hashDefinition(def view.Definition) (string, error) {
	data, err := json.Marshal(def)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
