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

// Package views implements the materialized view registry and cache
// (C5): DDL application over the declarative handler definition,
// in-memory cache kept coherent by change notification, and a small
// evaluator that walks a block's transactions/events and projects them
// into typed column values per the view's Definition.
//
// Handlers are not dynamically loaded code; the registry stores a
// declarative mapping (view.Definition) interpreted in process by RunTable,
// per the design notes on replacing ambient module-loading semantics
// with a DSL the core itself interprets.
package views

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"secondlayer/pkg/apierr"
	"secondlayer/pkg/chain"
	"secondlayer/pkg/view"
)

// Row is one projected row a handler emits for a single transaction or
// event, keyed by declared column name.
type Row map[string]any

// RunTable evaluates t against a block's transactions/events, returning
// one Row per source record with the declared Extracts applied plus the
// four system columns.
func RunTable(t view.Table, blockHeight int64, txs []chain.Transaction, events []chain.Event) ([]Row, error) {
	var out []Row
	switch t.Source {
	case "transactions":
		for _, tx := range txs {
			row, err := projectTx(t, blockHeight, tx)
			if err != nil {
				return nil, err
			}
			out = append(out, row)
		}
	case "events":
		for _, ev := range events {
			row, err := projectEvent(t, blockHeight, ev)
			if err != nil {
				return nil, err
			}
			out = append(out, row)
		}
	default:
		return nil, apierr.New(apierr.KindValidation, fmt.Sprintf("table %s: unknown source %q", t.Name, t.Source))
	}
	return out, nil
}

func projectTx(t view.Table, blockHeight int64, tx chain.Transaction) (Row, error) {
	row := Row{
		"_blockHeight": blockHeight,
		"_txId":        tx.TxID,
		"_createdAt":   time.Now().UTC(),
	}
	return extractInto(row, t, reflect.ValueOf(tx))
}

func projectEvent(t view.Table, blockHeight int64, ev chain.Event) (Row, error) {
	row := Row{
		"_blockHeight": blockHeight,
		"_txId":        ev.TxID,
		"_createdAt":   time.Now().UTC(),
	}
	return extractInto(row, t, reflect.ValueOf(ev))
}

// extractInto resolves each declared Extract's Path against source
// (a chain.Transaction or chain.Event value) via its JSON struct tag,
// honoring dotted paths for nested lookups. Unknown paths yield an
// empty value rather than failing the whole row, since handlers must
// be resilient to schema drift between view versions.
func extractInto(row Row, t view.Table, source reflect.Value) (Row, error) {
	for _, ex := range t.Extracts {
		v, ok := fieldByJSONPath(source, ex.Path)
		if !ok {
			row[ex.Column] = nil
			continue
		}
		row[ex.Column] = v
	}
	return row, nil
}

func fieldByJSONPath(v reflect.Value, path string) (any, bool) {
	segments := strings.Split(path, ".")
	cur := v
	for _, seg := range segments {
		if cur.Kind() != reflect.Struct {
			return nil, false
		}
		found := false
		t := cur.Type()
		for i := 0; i < t.NumField(); i++ {
			tag := t.Field(i).Tag.Get("json")
			name := strings.Split(tag, ",")[0]
			if name == seg {
				cur = cur.Field(i)
				found = true
				break
			}
		}
		if !found {
			return nil, false
		}
	}
	return cur.Interface(), true
}
