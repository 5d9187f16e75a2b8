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

package matcher

import (
	"testing"

	"secondlayer/pkg/chain"
	"secondlayer/pkg/stream"
)

func strp(s string) *string { return &s }

func TestEvaluate_ContractCallHappyPath(t *testing.T) {
	// A contract_call filter matches tx1
	// but not tx2 (a token_transfer).
	filters := stream.FilterSet{
		{Kind: stream.FilterContractCall, ContractID: strp("SP000.marketplace"), FunctionName: strp("list")},
	}
	txs := []chain.Transaction{
		{TxID: "tx1", Type: chain.TxContractCall, ContractID: "SP000.marketplace", FunctionName: "list"},
		{TxID: "tx2", Type: chain.TxTokenTransfer},
	}

	res := Evaluate(filters, txs, nil)

	if !res.AnyMatch {
		t.Fatal("expected a match")
	}
	if len(res.MatchedTxs) != 1 || res.MatchedTxs[0].TxID != "tx1" {
		t.Fatalf("expected only tx1 matched, got %+v", res.MatchedTxs)
	}
	if len(res.MatchedEvents) != 0 {
		t.Fatalf("expected no event matches, got %+v", res.MatchedEvents)
	}
}

func TestEvaluate_DedupAcrossOverlappingFilters(t *testing.T) {
	// A tx matching two OR'd filters appears at most once, in
	// first-filter-first-match order.
	filters := stream.FilterSet{
		{Kind: stream.FilterContractCall, ContractID: strp("SP1.foo")},
		{Kind: stream.FilterContractCall, Caller: strp("SP2")},
	}
	txs := []chain.Transaction{
		{TxID: "tx1", Type: chain.TxContractCall, ContractID: "SP1.foo", SenderAddr: "SP2"},
	}

	res := Evaluate(filters, txs, nil)

	if len(res.MatchedTxs) != 1 {
		t.Fatalf("expected exactly one match, got %d: %+v", len(res.MatchedTxs), res.MatchedTxs)
	}
}

func TestEvaluate_STXTransferAmountRange(t *testing.T) {
	filters := stream.FilterSet{
		{Kind: stream.FilterSTXTransfer, MinAmount: strp("100"), MaxAmount: strp("1000")},
	}
	events := []chain.Event{
		{ID: 1, Type: chain.EventSTXTransfer, Amount: "50"},   // below min
		{ID: 2, Type: chain.EventSTXTransfer, Amount: "500"},  // in range
		{ID: 3, Type: chain.EventSTXTransfer, Amount: "5000"}, // above max
	}

	res := Evaluate(filters, nil, events)

	if len(res.MatchedEvents) != 1 || res.MatchedEvents[0].ID != 2 {
		t.Fatalf("expected only event 2 matched, got %+v", res.MatchedEvents)
	}
}

func TestEvaluate_MissingAmountDefaultsToZero(t *testing.T) {
	filters := stream.FilterSet{
		{Kind: stream.FilterSTXMint, MinAmount: strp("1")},
	}
	events := []chain.Event{
		{ID: 1, Type: chain.EventSTXMint, Amount: ""},
	}

	res := Evaluate(filters, nil, events)

	if res.AnyMatch {
		t.Fatalf("expected no match: missing amount treated as zero, below minAmount=1, got %+v", res.MatchedEvents)
	}
}

func TestEvaluate_NFTRequiresExactTokenID(t *testing.T) {
	filters := stream.FilterSet{
		{Kind: stream.FilterNFTTransfer, AssetIdentifier: strp("SP1.nft::asset"), TokenID: strp("42")},
	}
	events := []chain.Event{
		{ID: 1, Type: chain.EventNFTTransfer, AssetIdentifier: "SP1.nft::asset", TokenID: "42"},
		{ID: 2, Type: chain.EventNFTTransfer, AssetIdentifier: "SP1.nft::asset", TokenID: "43"},
	}

	res := Evaluate(filters, nil, events)

	if len(res.MatchedEvents) != 1 || res.MatchedEvents[0].ID != 1 {
		t.Fatalf("expected only event 1 (exact tokenId match), got %+v", res.MatchedEvents)
	}
}

func TestEvaluate_FunctionNameGlob(t *testing.T) {
	filters := stream.FilterSet{
		{Kind: stream.FilterContractCall, FunctionName: strp("transfer-*")},
	}
	txs := []chain.Transaction{
		{TxID: "tx1", Type: chain.TxContractCall, FunctionName: "transfer-stx"},
		{TxID: "tx2", Type: chain.TxContractCall, FunctionName: "mint"},
	}

	res := Evaluate(filters, txs, nil)

	if len(res.MatchedTxs) != 1 || res.MatchedTxs[0].TxID != "tx1" {
		t.Fatalf("expected only tx1 matched by glob, got %+v", res.MatchedTxs)
	}
}

func TestEvaluate_GlobEscapesRegexMetacharacters(t *testing.T) {
	filters := stream.FilterSet{
		{Kind: stream.FilterContractCall, FunctionName: strp("a.b(c)*")},
	}
	txs := []chain.Transaction{
		{TxID: "tx1", Type: chain.TxContractCall, FunctionName: "a.b(c)anything"},
		{TxID: "tx2", Type: chain.TxContractCall, FunctionName: "aXbXcXanything"}, // would match if '.' were a regex wildcard
	}

	res := Evaluate(filters, txs, nil)

	if len(res.MatchedTxs) != 1 || res.MatchedTxs[0].TxID != "tx1" {
		t.Fatalf("expected literal '.' and '(' ')' to not act as regex metacharacters, got %+v", res.MatchedTxs)
	}
}

func TestEvaluate_ContractDeployMatchesNameComponent(t *testing.T) {
	filters := stream.FilterSet{
		{Kind: stream.FilterContractDeploy, Deployer: strp("SP1"), ContractName: strp("market*")},
	}
	txs := []chain.Transaction{
		{TxID: "tx1", Type: chain.TxSmartContract, SenderAddr: "SP1", ContractID: "SP1.marketplace-v2"},
		{TxID: "tx2", Type: chain.TxSmartContract, SenderAddr: "SP1", ContractID: "SP1.other-thing"},
	}

	res := Evaluate(filters, txs, nil)

	if len(res.MatchedTxs) != 1 || res.MatchedTxs[0].TxID != "tx1" {
		t.Fatalf("expected only tx1 matched on contract name component, got %+v", res.MatchedTxs)
	}
}

func TestEvaluate_PrintEventContainsSubstring(t *testing.T) {
	filters := stream.FilterSet{
		{Kind: stream.FilterPrintEvent, ContractID: strp("SP1.foo"), Contains: strp("listing-created")},
	}
	events := []chain.Event{
		{ID: 1, Type: chain.EventSmartContract, ContractID: "SP1.foo", Payload: []byte(`{"event":"listing-created","id":1}`)},
		{ID: 2, Type: chain.EventSmartContract, ContractID: "SP1.foo", Payload: []byte(`{"event":"listing-cancelled"}`)},
	}

	res := Evaluate(filters, nil, events)

	if len(res.MatchedEvents) != 1 || res.MatchedEvents[0].ID != 1 {
		t.Fatalf("expected only event 1 matched by substring search, got %+v", res.MatchedEvents)
	}
}

func TestEvaluate_NoFiltersMatchNothing(t *testing.T) {
	res := Evaluate(nil, []chain.Transaction{{TxID: "tx1", Type: chain.TxContractCall}}, nil)
	if res.AnyMatch {
		t.Fatal("expected no match with an empty filter set")
	}
}

func TestEvaluate_LargeAmountPrecisionPreserved(t *testing.T) {
	// amounts can be 128-bit; a naive int64/float64 comparison would
	// overflow or lose precision on a value this large.
	filters := stream.FilterSet{
		{Kind: stream.FilterSTXBurn, MinAmount: strp("340282366920938463463374607431768211455")},
	}
	events := []chain.Event{
		{ID: 1, Type: chain.EventSTXBurn, Amount: "340282366920938463463374607431768211455"},
		{ID: 2, Type: chain.EventSTXBurn, Amount: "340282366920938463463374607431768211454"},
	}

	res := Evaluate(filters, nil, events)

	if len(res.MatchedEvents) != 1 || res.MatchedEvents[0].ID != 1 {
		t.Fatalf("expected only the exact/above 128-bit amount to match, got %+v", res.MatchedEvents)
	}
}
