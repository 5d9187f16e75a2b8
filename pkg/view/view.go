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

// Package view defines the materialized-view registry record and the
// declarative definition shape its handler evaluator interprets.
package view

import (
	"fmt"
	"regexp"
	"time"

	"secondlayer/pkg/apierr"
	"secondlayer/pkg/ownerkey"
)

// identifierPattern is the sole allowlist every schema, table, and
// column name is checked against before interpolation into SQL.
// Values are never interpolated; only identifiers pass through this
// check.
var identifierPattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// ValidIdentifier reports whether name is safe to interpolate as a SQL
// identifier (schema, table, or column name).
func ValidIdentifier(name string) bool {
	return name != "" && identifierPattern.MatchString(name)
}

// ColumnType is the closed set of physical column types a view may
// declare. DDL generation rejects anything outside this allowlist
// rather than interpolating a caller-supplied type string.
type ColumnType string

const (
	ColInteger   ColumnType = "integer"
	ColText      ColumnType = "text"
	ColTimestamp ColumnType = "timestamp"
	ColBigint    ColumnType = "bigint"
	ColNumeric   ColumnType = "numeric"
	ColBoolean   ColumnType = "boolean"
	ColBytea     ColumnType = "bytea"
	ColJSONB     ColumnType = "jsonb"
)

var allowedColumnTypes = map[ColumnType]string{
	ColInteger:   "INTEGER",
	ColText:      "TEXT",
	ColTimestamp: "TIMESTAMPTZ",
	ColBigint:    "BIGINT",
	ColNumeric:   "NUMERIC",
	ColBoolean:   "BOOLEAN",
	ColBytea:     "BYTEA",
	ColJSONB:     "JSONB",
}

// SQLType returns the physical PostgreSQL type for t, or an error if t
// is not in the allowlist.
func (t ColumnType) SQLType() (string, error) {
	sql, ok := allowedColumnTypes[t]
	if !ok {
		return "", apierr.New(apierr.KindValidation, fmt.Sprintf("unknown column type %q", t))
	}
	return sql, nil
}

// Column is one declared column of a view table, beyond the four
// system columns every table carries (_id, _blockHeight, _txId,
// _createdAt).
type Column struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// Extract names the source field a handler reads a Column's value from
// when walking a block's transactions/events; see internal/views for
// the evaluator that interprets this against chain.Transaction/Event.
type Extract struct {
	Column string `json:"column"`
	Path   string `json:"path"`
}

// Table is one materialized table a View populates.
type Table struct {
	Name     string    `json:"name"`
	Columns  []Column  `json:"columns"`
	Indexes  []string  `json:"indexes,omitempty"`
	Extracts []Extract `json:"extracts"`
	// Source restricts which chain entity this table's handler walks:
	// "transactions" or "events".
	Source string `json:"source"`
}

// Definition is the declarative handler DSL a View deploys: a mapping
// of table name to its shape and extraction rules, interpreted in
// process by internal/views rather than dynamically loaded as code
// (per the design notes on replacing ambient module-loading semantics).
type Definition struct {
	Tables []Table `json:"tables"`
}

// Validate checks structural well-formedness: non-empty tables, valid
// table and column identifiers (the same regex the query engine uses),
// a known source, at least one column per table, and known column types.
func (d Definition) Validate() error {
	if len(d.Tables) == 0 {
		return apierr.New(apierr.KindValidation, "definition must declare at least one table")
	}
	for _, t := range d.Tables {
		if !ValidIdentifier(t.Name) {
			return apierr.New(apierr.KindValidation, fmt.Sprintf("table name %q is not a valid identifier", t.Name))
		}
		if t.Source != "transactions" && t.Source != "events" {
			return apierr.New(apierr.KindValidation, fmt.Sprintf("table %s: source must be transactions or events", t.Name))
		}
		if len(t.Columns) == 0 {
			return apierr.New(apierr.KindValidation, fmt.Sprintf("table %s: must declare at least one column", t.Name))
		}
		for _, c := range t.Columns {
			if !ValidIdentifier(c.Name) {
				return apierr.New(apierr.KindValidation, fmt.Sprintf("table %s: column name %q is not a valid identifier", t.Name, c.Name))
			}
			if _, err := c.Type.SQLType(); err != nil {
				return err
			}
		}
	}
	return nil
}

// Status mirrors a View's deployment health.
type Status string

const (
	StatusActive Status = "active"
	StatusError  Status = "error"
)

// View is the registry record for one deployed materialized view.
type View struct {
	ID                  string       `json:"id" db:"id"`
	Name                string       `json:"name" db:"name"`
	Version             int          `json:"version" db:"version"`
	Status              Status       `json:"status" db:"status"`
	Definition          Definition   `json:"definition" db:"definition"`
	SchemaHash          string       `json:"schemaHash" db:"schema_hash"`
	HandlerPath         string       `json:"handlerPath" db:"handler_path"`
	SchemaName          string       `json:"schemaName" db:"schema_name"`
	LastProcessedHeight int64        `json:"lastProcessedHeight" db:"last_processed_height"`
	TotalProcessed      int64        `json:"totalProcessed" db:"total_processed"`
	TotalErrors         int64        `json:"totalErrors" db:"total_errors"`
	LastError           string       `json:"lastError,omitempty" db:"last_error"`
	LastErrorAt         *time.Time   `json:"lastErrorAt,omitempty" db:"last_error_at"`
	OwnerKeyID          ownerkey.Key `json:"ownerKeyId" db:"owner_key_id"`
	CreatedAt           time.Time    `json:"createdAt" db:"created_at"`
	UpdatedAt           time.Time    `json:"updatedAt" db:"updated_at"`
}

// SystemColumns are present on every deployed table in addition to a
// Table's declared Columns.
var SystemColumns = []Column{
	{Name: "_id", Type: ColBigint},
	{Name: "_blockHeight", Type: ColBigint},
	{Name: "_txId", Type: ColText},
	{Name: "_createdAt", Type: ColTimestamp},
}
