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

package worker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"secondlayer/internal/matcher"
	"secondlayer/pkg/chain"
	"secondlayer/pkg/claritydecode"
	"secondlayer/pkg/stream"
)

func testWorker() *Worker {
	return &Worker{ID: "worker-test", decoder: claritydecode.Passthrough{}}
}

func testStream(opts stream.Options) *stream.Stream {
	return &stream.Stream{ID: "s1", Name: "market-watch", Options: opts}
}

func testBlock() *chain.Block {
	return &chain.Block{
		Height:        100,
		Hash:          "0xabc",
		ParentHash:    "0xdef",
		BurnHeight:    900,
		BurnBlockTime: time.Unix(1700000000, 0).UTC(),
		Network:       "mainnet",
		IndexedAt:     time.Unix(1700000100, 0).UTC(),
	}
}

func decodePayload(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("payload is not valid JSON: %v", err)
	}
	return m
}

func TestBuildPayload_WireShape(t *testing.T) {
	w := testWorker()
	s := testStream(stream.DefaultOptions())
	result := matcher.Result{
		MatchedTxs: []chain.Transaction{
			{TxID: "tx1", Type: chain.TxContractCall, SenderAddr: "SP1", Success: true, ContractID: "SP0.market", FunctionName: "list"},
		},
		MatchedEvents: []chain.Event{
			{ID: 7, TxID: "tx1", Index: 0, Type: chain.EventSTXTransfer, Payload: []byte(`{"amount":"100"}`)},
		},
		AnyMatch: true,
	}

	raw, err := w.buildPayload(context.Background(), s, testBlock(), result, false)
	if err != nil {
		t.Fatalf("buildPayload: %v", err)
	}
	m := decodePayload(t, raw)

	if m["streamId"] != "s1" || m["streamName"] != "market-watch" || m["network"] != "mainnet" {
		t.Fatalf("envelope fields wrong: %+v", m)
	}
	block := m["block"].(map[string]any)
	if block["height"] != float64(100) || block["hash"] != "0xabc" || block["parentHash"] != "0xdef" || block["burnBlockHeight"] != float64(900) {
		t.Fatalf("block fields wrong: %+v", block)
	}
	if _, present := block["indexedAt"]; present {
		t.Fatal("indexedAt must be absent unless the stream opts into block metadata")
	}
	matches := m["matches"].(map[string]any)
	txs := matches["transactions"].([]any)
	if len(txs) != 1 {
		t.Fatalf("expected 1 matched transaction, got %d", len(txs))
	}
	tx := txs[0].(map[string]any)
	if tx["txId"] != "tx1" || tx["type"] != "contract_call" || tx["status"] != "success" {
		t.Fatalf("transaction fields wrong: %+v", tx)
	}
	if tx["contractId"] != "SP0.market" || tx["functionName"] != "list" {
		t.Fatalf("contract fields wrong: %+v", tx)
	}
	if _, present := tx["rawTx"]; present {
		t.Fatal("rawTx must be absent unless includeRawTx is set")
	}
	events := matches["events"].([]any)
	if len(events) != 1 {
		t.Fatalf("expected 1 matched event, got %d", len(events))
	}
	ev := events[0].(map[string]any)
	if ev["txId"] != "tx1" || ev["type"] != "stx_transfer" {
		t.Fatalf("event fields wrong: %+v", ev)
	}
	if m["isBackfill"] != false {
		t.Fatalf("expected isBackfill=false, got %v", m["isBackfill"])
	}
}

func TestBuildPayload_NullableContractFields(t *testing.T) {
	w := testWorker()
	s := testStream(stream.DefaultOptions())
	result := matcher.Result{
		MatchedTxs: []chain.Transaction{
			{TxID: "tx1", Type: chain.TxTokenTransfer, SenderAddr: "SP1", Success: true},
		},
		AnyMatch: true,
	}

	raw, err := w.buildPayload(context.Background(), s, testBlock(), result, true)
	if err != nil {
		t.Fatalf("buildPayload: %v", err)
	}
	m := decodePayload(t, raw)
	tx := m["matches"].(map[string]any)["transactions"].([]any)[0].(map[string]any)
	if tx["contractId"] != nil || tx["functionName"] != nil {
		t.Fatalf("expected null contractId/functionName for a token transfer, got %+v", tx)
	}
	if m["isBackfill"] != true {
		t.Fatalf("expected isBackfill=true, got %v", m["isBackfill"])
	}
}

func TestBuildPayload_HonorsIncludeOptions(t *testing.T) {
	w := testWorker()
	opts := stream.DefaultOptions()
	opts.IncludeRawTx = true
	opts.IncludeBlockMeta = true
	s := testStream(opts)
	result := matcher.Result{
		MatchedTxs: []chain.Transaction{
			{TxID: "tx1", Type: chain.TxContractCall, Success: false, RawTx: []byte{0x01, 0x02}},
		},
		AnyMatch: true,
	}

	raw, err := w.buildPayload(context.Background(), s, testBlock(), result, false)
	if err != nil {
		t.Fatalf("buildPayload: %v", err)
	}
	m := decodePayload(t, raw)
	tx := m["matches"].(map[string]any)["transactions"].([]any)[0].(map[string]any)
	if _, present := tx["rawTx"]; !present {
		t.Fatal("expected rawTx when includeRawTx is set")
	}
	if tx["status"] != "abort_by_response" {
		t.Fatalf("expected failed tx status label, got %v", tx["status"])
	}
	block := m["block"].(map[string]any)
	if _, present := block["indexedAt"]; !present {
		t.Fatal("expected indexedAt when includeBlockMetadata is set")
	}
}

func TestBuildPayload_EmptyEventDataBecomesObject(t *testing.T) {
	w := testWorker()
	s := testStream(stream.DefaultOptions())
	result := matcher.Result{
		MatchedEvents: []chain.Event{
			{ID: 1, TxID: "tx1", Type: chain.EventSTXMint},
		},
		AnyMatch: true,
	}

	raw, err := w.buildPayload(context.Background(), s, testBlock(), result, false)
	if err != nil {
		t.Fatalf("buildPayload: %v", err)
	}
	m := decodePayload(t, raw)
	ev := m["matches"].(map[string]any)["events"].([]any)[0].(map[string]any)
	data, ok := ev["data"].(map[string]any)
	if !ok || len(data) != 0 {
		t.Fatalf("expected an empty JSON object for an event with no payload, got %v", ev["data"])
	}
}

func TestDecryptSecret_PassthroughCases(t *testing.T) {
	w := testWorker()

	got, err := w.decryptSecret("")
	if err != nil || got != "" {
		t.Fatalf("empty secret should pass through, got (%q, %v)", got, err)
	}

	// No encryptor configured: stored value is used as-is.
	got, err = w.decryptSecret("plaintext-secret")
	if err != nil || got != "plaintext-secret" {
		t.Fatalf("secret without an encryptor should pass through, got (%q, %v)", got, err)
	}
}
