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

// Package viewquery implements the read-only query engine (C6) served
// over a deployed view's physical tables: query-grammar parsing,
// identifier-safety validation, and parameterized SQL execution.
//
// No identifier is ever interpolated without first passing
// view.ValidIdentifier, matching the same allowlist the DDL applier in
// internal/views uses. A value reaching SQL either came through that
// check or is bound as a placeholder argument, never both paths
// bypassed.
package viewquery

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"secondlayer/pkg/apierr"
	"secondlayer/pkg/ownerkey"
	"secondlayer/pkg/view"
)

const (
	defaultLimit = 50
	maxLimit     = 1000
)

var comparisonOps = map[string]string{
	"":    "=",
	"eq":  "=",
	"gte": ">=",
	"lte": "<=",
	"gt":  ">",
	"lt":  "<",
	"neq": "!=",
}

// Engine serves queries over a Registry's deployed views.
type Engine struct {
	pool     *pgxpool.Pool
	registry viewLookup
}

// viewLookup is the subset of internal/views.Registry this package
// depends on, kept narrow to avoid an import cycle with the registry's
// own dependency on storage.
type viewLookup interface {
	Get(name string, owner ownerkey.Key, keys *ownerkey.Set) (*view.View, error)
}

// New builds an Engine over pool and a registry lookup.
func New(pool *pgxpool.Pool, registry viewLookup) *Engine {
	return &Engine{pool: pool, registry: registry}
}

// Params is the parsed query grammar of the read surface.
type Params struct {
	Sort    string
	Order   string // "asc" or "desc"
	Limit   int
	Offset  int
	Fields  []string
	Filters []FieldFilter
}

// FieldFilter is one `<column>[.<op>]=<value>` constraint.
type FieldFilter struct {
	Column string
	Op     string // one of comparisonOps' keys
	Value  string
}

// ParseParams decodes raw query values into Params, defaulting
// _sort/_order/_limit/_offset. It does not validate that columns
// exist; that happens against the resolved table's schema.
func ParseParams(raw map[string][]string) Params {
	p := Params{Order: "asc", Limit: defaultLimit}
	for key, vals := range raw {
		if len(vals) == 0 {
			continue
		}
		v := vals[0]
		switch key {
		case "_sort":
			p.Sort = v
		case "_order":
			if strings.EqualFold(v, "desc") {
				p.Order = "desc"
			} else {
				p.Order = "asc"
			}
		case "_limit":
			n, err := strconv.Atoi(v)
			switch {
			case err != nil || n == 0:
				p.Limit = defaultLimit
			case n < 0:
				p.Limit = 1
			case n > maxLimit:
				p.Limit = maxLimit
			default:
				p.Limit = n
			}
		case "_offset":
			n, err := strconv.Atoi(v)
			if err == nil && n >= 0 {
				p.Offset = n
			}
		case "_fields":
			for _, f := range strings.Split(v, ",") {
				f = strings.TrimSpace(f)
				if f != "" {
					p.Fields = append(p.Fields, f)
				}
			}
		default:
			col, op := key, ""
			if idx := strings.LastIndex(key, "."); idx >= 0 {
				col, op = key[:idx], key[idx+1:]
			}
			p.Filters = append(p.Filters, FieldFilter{Column: col, Op: op, Value: v})
		}
	}
	return p
}

func (e *Engine) resolve(ctx context.Context, viewName, tableName string, owner ownerkey.Key, keys *ownerkey.Set) (*view.View, *view.Table, error) {
	v, err := e.registry.Get(viewName, owner, keys)
	if err != nil {
		return nil, nil, err
	}
	for i := range v.Definition.Tables {
		if v.Definition.Tables[i].Name == tableName {
			return v, &v.Definition.Tables[i], nil
		}
	}
	return nil, nil, apierr.NotFound(apierr.KindTableNotFound, "table")
}

func allColumnNames(t *view.Table) map[string]bool {
	cols := map[string]bool{"_id": true, "_blockHeight": true, "_txId": true, "_createdAt": true}
	for _, c := range t.Columns {
		cols[c.Name] = true
	}
	return cols
}

// List executes a paginated query against viewName.tableName, returning
// rows as column->value maps plus the total row count ignoring
// limit/offset.
func (e *Engine) List(ctx context.Context, viewName, tableName string, owner ownerkey.Key, keys *ownerkey.Set, p Params) ([]map[string]any, int64, error) {
	v, t, err := e.resolve(ctx, viewName, tableName, owner, keys)
	if err != nil {
		return nil, 0, err
	}
	known := allColumnNames(t)

	fields := p.Fields
	if len(fields) == 0 {
		for c := range known {
			fields = append(fields, c)
		}
	}
	for _, f := range fields {
		if !known[f] || !view.ValidIdentifier(f) {
			return nil, 0, apierr.New(apierr.KindInvalidColumn, fmt.Sprintf("unknown column %q", f))
		}
	}

	sortCol := "_id"
	if p.Sort != "" {
		if !known[p.Sort] || !view.ValidIdentifier(p.Sort) {
			return nil, 0, apierr.New(apierr.KindInvalidColumn, fmt.Sprintf("unknown sort column %q", p.Sort))
		}
		sortCol = p.Sort
	}

	var whereParts []string
	var args []any
	for _, f := range p.Filters {
		if !known[f.Column] || !view.ValidIdentifier(f.Column) {
			return nil, 0, apierr.New(apierr.KindInvalidColumn, fmt.Sprintf("unknown filter column %q", f.Column))
		}
		op, ok := comparisonOps[f.Op]
		if !ok {
			return nil, 0, apierr.New(apierr.KindInvalidColumn, fmt.Sprintf("unknown operator %q", f.Op))
		}
		args = append(args, f.Value)
		whereParts = append(whereParts, fmt.Sprintf(`"%s" %s $%d`, f.Column, op, len(args)))
	}
	whereClause := ""
	if len(whereParts) > 0 {
		whereClause = "WHERE " + strings.Join(whereParts, " AND ")
	}

	if !view.ValidIdentifier(v.SchemaName) || !view.ValidIdentifier(t.Name) {
		return nil, 0, apierr.New(apierr.KindValidation, "unsafe schema/table identifier")
	}

	countSQL := fmt.Sprintf(`SELECT count(*) FROM %s.%s %s`, v.SchemaName, t.Name, whereClause)
	var total int64
	if err := e.pool.QueryRow(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count rows: %w", err)
	}

	quotedFields := make([]string, len(fields))
	for i, f := range fields {
		quotedFields[i] = `"` + f + `"`
	}
	order := strings.ToUpper(p.Order)
	limitIdx, offsetIdx := len(args)+1, len(args)+2
	listSQL := fmt.Sprintf(`SELECT %s FROM %s.%s %s ORDER BY "%s" %s, "_id" ASC LIMIT $%d OFFSET $%d`,
		strings.Join(quotedFields, ", "), v.SchemaName, t.Name, whereClause, sortCol, order, limitIdx, offsetIdx)
	queryArgs := append(append([]any{}, args...), p.Limit, p.Offset)

	rows, err := e.pool.Query(ctx, listSQL, queryArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list rows: %w", err)
	}
	defer rows.Close()

	out, err := scanRows(rows, fields)
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

// Count returns the row count for viewName.tableName honoring filters
// but ignoring sort/pagination.
func (e *Engine) Count(ctx context.Context, viewName, tableName string, owner ownerkey.Key, keys *ownerkey.Set, filters []FieldFilter) (int64, error) {
	_, total, err := e.List(ctx, viewName, tableName, owner, keys, Params{Filters: filters, Limit: 1})
	return total, err
}

// GetByID fetches a single row by its _id system column.
func (e *Engine) GetByID(ctx context.Context, viewName, tableName, id string, owner ownerkey.Key, keys *ownerkey.Set) (map[string]any, error) {
	v, t, err := e.resolve(ctx, viewName, tableName, owner, keys)
	if err != nil {
		return nil, err
	}
	if !view.ValidIdentifier(v.SchemaName) || !view.ValidIdentifier(t.Name) {
		return nil, apierr.New(apierr.KindValidation, "unsafe schema/table identifier")
	}
	fields := allColumnNames(t)
	names := make([]string, 0, len(fields))
	for f := range fields {
		names = append(names, f)
	}
	quoted := make([]string, len(names))
	for i, f := range names {
		quoted[i] = `"` + f + `"`
	}
	sel := fmt.Sprintf(`SELECT %s FROM %s.%s WHERE "_id" = $1`, strings.Join(quoted, ", "), v.SchemaName, t.Name)
	rows, err := e.pool.Query(ctx, sel, id)
	if err != nil {
		return nil, fmt.Errorf("get row: %w", err)
	}
	defer rows.Close()
	out, err := scanRows(rows, names)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, apierr.NotFound(apierr.KindRowNotFound, "row")
	}
	return out[0], nil
}

func scanRows(rows pgx.Rows, fields []string) ([]map[string]any, error) {
	var out []map[string]any
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		row := make(map[string]any, len(fields))
		for i, f := range fields {
			if i < len(vals) {
				row[f] = vals[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
