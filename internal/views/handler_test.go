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
	"testing"

	"secondlayer/pkg/chain"
	"secondlayer/pkg/view"
)

func TestRunTable_TransactionsSource(t *testing.T) {
	tbl := view.Table{
		Name:   "transfers",
		Source: "transactions",
		Columns: []view.Column{
			{Name: "sender", Type: view.ColText},
			{Name: "function_name", Type: view.ColText},
		},
		Extracts: []view.Extract{
			{Column: "sender", Path: "senderAddress"},
			{Column: "function_name", Path: "functionName"},
		},
	}
	txs := []chain.Transaction{
		{TxID: "0x1", SenderAddr: "SP1ABC", FunctionName: "transfer"},
		{TxID: "0x2", SenderAddr: "SP2DEF", FunctionName: "mint"},
	}

	rows, err := RunTable(tbl, 100, txs, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d rows, want 2", len(rows))
	}
	if rows[0]["sender"] != "SP1ABC" || rows[0]["function_name"] != "transfer" {
		t.Errorf("row 0 = %+v", rows[0])
	}
	if rows[0]["_txId"] != "0x1" || rows[0]["_blockHeight"] != int64(100) {
		t.Errorf("row 0 system columns = %+v", rows[0])
	}
}

func TestRunTable_EventsSource(t *testing.T) {
	tbl := view.Table{
		Name:   "stx_moves",
		Source: "events",
		Columns: []view.Column{
			{Name: "amount", Type: view.ColNumeric},
			{Name: "recipient", Type: view.ColText},
		},
		Extracts: []view.Extract{
			{Column: "amount", Path: "amount"},
			{Column: "recipient", Path: "recipient"},
		},
	}
	events := []chain.Event{
		{TxID: "0x1", Type: chain.EventSTXTransfer, Amount: "1000", Recipient: "SP9XYZ"},
	}

	rows, err := RunTable(tbl, 5, nil, events)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rows) != 1 || rows[0]["amount"] != "1000" || rows[0]["recipient"] != "SP9XYZ" {
		t.Fatalf("got %+v", rows)
	}
}

func TestRunTable_UnknownSourceErrors(t *testing.T) {
	tbl := view.Table{Name: "bad", Source: "blocks"}
	if _, err := RunTable(tbl, 1, nil, nil); err == nil {
		t.Fatal("expected an unknown source to error")
	}
}

func TestRunTable_UnknownPathYieldsNil(t *testing.T) {
	tbl := view.Table{
		Source: "transactions",
		Extracts: []view.Extract{
			{Column: "missing", Path: "notAField"},
		},
	}
	rows, err := RunTable(tbl, 1, []chain.Transaction{{TxID: "0x1"}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rows[0]["missing"] != nil {
		t.Errorf("expected unknown path to yield nil, got %v", rows[0]["missing"])
	}
}

func TestRunTable_NestedDottedPath(t *testing.T) {
	// Extracts with a dotted path walk nested struct fields; Transaction
	// and Event are flat today, but the walker itself must still handle
	// a path segment that does not resolve past a non-struct value.
	tbl := view.Table{
		Source: "transactions",
		Extracts: []view.Extract{
			{Column: "nested", Path: "senderAddress.nope"},
		},
	}
	rows, err := RunTable(tbl, 1, []chain.Transaction{{TxID: "0x1", SenderAddr: "SP1"}}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rows[0]["nested"] != nil {
		t.Errorf("expected a path through a non-struct field to yield nil, got %v", rows[0]["nested"])
	}
}
