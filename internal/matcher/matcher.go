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

// Package matcher implements the filter matcher (C2): a pure function
// from (filters, transactions, events) to deduplicated match sets. No
// I/O; every predicate is a plain Go switch over the discriminated
// stream.Filter union, per the design notes on modeling the filter
// algebra as tagged variants rather than dynamically-typed predicates.
package matcher

import (
	"math/big"
	"regexp"
	"strings"

	"secondlayer/pkg/chain"
	"secondlayer/pkg/stream"
)

// Result is the deduplicated match set for one block evaluation.
type Result struct {
	MatchedTxs    []chain.Transaction
	MatchedEvents []chain.Event
	AnyMatch      bool
}

// Evaluate applies filters (combined by OR) to txs and events, returning
// each matching transaction at most once by TxID and each matching
// event at most once by ID, in first-filter-first-match order.
func Evaluate(filters stream.FilterSet, txs []chain.Transaction, events []chain.Event) Result {
	var res Result
	seenTx := make(map[string]bool)
	seenEvent := make(map[int64]bool)

	for _, f := range filters {
		switch f.Kind {
		case stream.FilterContractCall:
			for _, tx := range txs {
				if tx.Type != chain.TxContractCall || seenTx[tx.TxID] {
					continue
				}
				if matchContractCall(f, tx) {
					res.MatchedTxs = append(res.MatchedTxs, tx)
					seenTx[tx.TxID] = true
				}
			}
		case stream.FilterContractDeploy:
			for _, tx := range txs {
				if tx.Type != chain.TxSmartContract || seenTx[tx.TxID] {
					continue
				}
				if matchContractDeploy(f, tx) {
					res.MatchedTxs = append(res.MatchedTxs, tx)
					seenTx[tx.TxID] = true
				}
			}
		default:
			wantType, ok := eventTypeForFilter(f.Kind)
			if !ok {
				continue
			}
			for _, ev := range events {
				if ev.Type != wantType || seenEvent[ev.ID] {
					continue
				}
				if matchEvent(f, ev) {
					res.MatchedEvents = append(res.MatchedEvents, ev)
					seenEvent[ev.ID] = true
				}
			}
		}
	}

	res.AnyMatch = len(res.MatchedTxs) > 0 || len(res.MatchedEvents) > 0
	return res
}

func eventTypeForFilter(k stream.FilterKind) (chain.EventType, bool) {
	switch k {
	case stream.FilterSTXTransfer:
		return chain.EventSTXTransfer, true
	case stream.FilterSTXMint:
		return chain.EventSTXMint, true
	case stream.FilterSTXBurn:
		return chain.EventSTXBurn, true
	case stream.FilterSTXLock:
		return chain.EventSTXLock, true
	case stream.FilterFTTransfer:
		return chain.EventFTTransfer, true
	case stream.FilterFTMint:
		return chain.EventFTMint, true
	case stream.FilterFTBurn:
		return chain.EventFTBurn, true
	case stream.FilterNFTTransfer:
		return chain.EventNFTTransfer, true
	case stream.FilterNFTMint:
		return chain.EventNFTMint, true
	case stream.FilterNFTBurn:
		return chain.EventNFTBurn, true
	case stream.FilterPrintEvent:
		return chain.EventSmartContract, true
	default:
		return "", false
	}
}

func matchEvent(f stream.Filter, ev chain.Event) bool {
	switch f.Kind {
	case stream.FilterSTXTransfer:
		return eqIfSet(f.Sender, ev.Sender) && eqIfSet(f.Recipient, ev.Recipient) && amountInRange(ev.Amount, f.MinAmount, f.MaxAmount)
	case stream.FilterSTXMint:
		return eqIfSet(f.Recipient, ev.Recipient) && amountGTE(ev.Amount, f.MinAmount)
	case stream.FilterSTXBurn:
		return eqIfSet(f.Sender, ev.Sender) && amountGTE(ev.Amount, f.MinAmount)
	case stream.FilterSTXLock:
		return eqIfSet(f.LockedAddress, ev.Sender) && amountGTE(ev.Amount, f.MinAmount)
	case stream.FilterFTTransfer:
		return eqIfSet(f.AssetIdentifier, ev.AssetIdentifier) && eqIfSet(f.Sender, ev.Sender) &&
			eqIfSet(f.Recipient, ev.Recipient) && amountGTE(ev.Amount, f.MinAmount)
	case stream.FilterFTMint:
		return eqIfSet(f.AssetIdentifier, ev.AssetIdentifier) && eqIfSet(f.Recipient, ev.Recipient) && amountGTE(ev.Amount, f.MinAmount)
	case stream.FilterFTBurn:
		return eqIfSet(f.AssetIdentifier, ev.AssetIdentifier) && eqIfSet(f.Sender, ev.Sender) && amountGTE(ev.Amount, f.MinAmount)
	case stream.FilterNFTTransfer:
		return eqIfSet(f.AssetIdentifier, ev.AssetIdentifier) && eqIfSet(f.Sender, ev.Sender) &&
			eqIfSet(f.Recipient, ev.Recipient) && eqIfSet(f.TokenID, ev.TokenID)
	case stream.FilterNFTMint:
		return eqIfSet(f.AssetIdentifier, ev.AssetIdentifier) && eqIfSet(f.Recipient, ev.Recipient) && eqIfSet(f.TokenID, ev.TokenID)
	case stream.FilterNFTBurn:
		return eqIfSet(f.AssetIdentifier, ev.AssetIdentifier) && eqIfSet(f.Sender, ev.Sender) && eqIfSet(f.TokenID, ev.TokenID)
	case stream.FilterPrintEvent:
		return eqIfSet(f.ContractID, ev.ContractID) && eqIfSet(f.Topic, ev.Topic) && containsIfSet(f.Contains, string(ev.Payload))
	default:
		return false
	}
}

func matchContractCall(f stream.Filter, tx chain.Transaction) bool {
	if !eqIfSet(f.ContractID, tx.ContractID) {
		return false
	}
	if !eqIfSet(f.Caller, tx.SenderAddr) {
		return false
	}
	if f.FunctionName != nil && !globMatch(*f.FunctionName, tx.FunctionName) {
		return false
	}
	return true
}

func matchContractDeploy(f stream.Filter, tx chain.Transaction) bool {
	if !eqIfSet(f.Deployer, tx.SenderAddr) {
		return false
	}
	if f.ContractName != nil && !globMatch(*f.ContractName, contractNameOf(tx.ContractID)) {
		return false
	}
	return true
}

func contractNameOf(contractID string) string {
	idx := strings.LastIndex(contractID, ".")
	if idx < 0 {
		return contractID
	}
	return contractID[idx+1:]
}

func eqIfSet(want *string, got string) bool {
	if want == nil {
		return true
	}
	return *want == got
}

func containsIfSet(want *string, haystack string) bool {
	if want == nil {
		return true
	}
	return strings.Contains(haystack, *want)
}

// amountGTE reports whether got >= min, treating a missing amount as
// zero and preserving 128-bit-safe precision via math/big.
func amountGTE(got string, min *string) bool {
	if min == nil {
		return true
	}
	g := bigFromAmount(got)
	m := bigFromAmount(*min)
	return g.Cmp(m) >= 0
}

func amountInRange(got string, min, max *string) bool {
	if !amountGTE(got, min) {
		return false
	}
	if max == nil {
		return true
	}
	g := bigFromAmount(got)
	m := bigFromAmount(*max)
	return g.Cmp(m) <= 0
}

func bigFromAmount(s string) *big.Int {
	if s == "" {
		return big.NewInt(0)
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return big.NewInt(0)
	}
	return n
}

// globMatch reports whether pattern (with '*' as a wildcard matching
// any substring) matches value. Regex metacharacters other than '*'
// are escaped before compilation.
func globMatch(pattern, value string) bool {
	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	re, err := regexp.Compile("^" + strings.Join(parts, ".*") + "$")
	if err != nil {
		return false
	}
	return re.MatchString(value)
}
