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

package stream

import (
	"encoding/json"
	"fmt"
)

// FilterKind discriminates the filter variants of the union.
type FilterKind string

const (
	FilterSTXTransfer    FilterKind = "stx_transfer"
	FilterSTXMint        FilterKind = "stx_mint"
	FilterSTXBurn        FilterKind = "stx_burn"
	FilterSTXLock        FilterKind = "stx_lock"
	FilterFTTransfer     FilterKind = "ft_transfer"
	FilterFTMint         FilterKind = "ft_mint"
	FilterFTBurn         FilterKind = "ft_burn"
	FilterNFTTransfer    FilterKind = "nft_transfer"
	FilterNFTMint        FilterKind = "nft_mint"
	FilterNFTBurn        FilterKind = "nft_burn"
	FilterContractCall   FilterKind = "contract_call"
	FilterContractDeploy FilterKind = "contract_deploy"
	FilterPrintEvent     FilterKind = "print_event"
)

// Filter is one variant of the discriminated filter union. Only the
// fields relevant to Kind are populated; all are pointers so "field not
// present" (no constraint) is distinguishable from its zero value.
//
// A single tagged struct (like pkg/chain's TxType/EventType enums)
// rather than an interface-per-variant hierarchy, since every variant
// shares one wire shape and one evaluation site (internal/matcher).
type Filter struct {
	Kind FilterKind `json:"kind"`

	Sender          *string `json:"sender,omitempty"`
	Recipient       *string `json:"recipient,omitempty"`
	LockedAddress   *string `json:"lockedAddress,omitempty"`
	AssetIdentifier *string `json:"assetIdentifier,omitempty"`
	TokenID         *string `json:"tokenId,omitempty"`
	MinAmount       *string `json:"minAmount,omitempty"`
	MaxAmount       *string `json:"maxAmount,omitempty"`

	ContractID   *string `json:"contractId,omitempty"`
	FunctionName *string `json:"functionName,omitempty"`
	Caller       *string `json:"caller,omitempty"`

	Deployer     *string `json:"deployer,omitempty"`
	ContractName *string `json:"contractName,omitempty"`

	Topic    *string `json:"topic,omitempty"`
	Contains *string `json:"contains,omitempty"`
}

// FilterSet is the non-empty ordered list of Filter variants a Stream
// evaluates; order determines first-filter-first-match within the
// matcher's dedup pass.
type FilterSet []Filter

// Validate reports the first structural problem found, or nil.
func (fs FilterSet) Validate() error {
	if len(fs) == 0 {
		return fmt.Errorf("filters: must be non-empty")
	}
	for i, f := range fs {
		if !validKinds[f.Kind] {
			return fmt.Errorf("filters[%d]: unknown kind %q", i, f.Kind)
		}
	}
	return nil
}

var validKinds = map[FilterKind]bool{
	FilterSTXTransfer: true, FilterSTXMint: true, FilterSTXBurn: true, FilterSTXLock: true,
	FilterFTTransfer: true, FilterFTMint: true, FilterFTBurn: true,
	FilterNFTTransfer: true, FilterNFTMint: true, FilterNFTBurn: true,
	FilterContractCall: true, FilterContractDeploy: true, FilterPrintEvent: true,
}

// UnmarshalJSON enforces that every element of the set carries a known
// Kind, surfacing bad input at decode time rather than at match time.
func (fs *FilterSet) UnmarshalJSON(data []byte) error {
	type raw Filter
	var items []raw
	if err := json.Unmarshal(data, &items); err != nil {
		return err
	}
	out := make(FilterSet, len(items))
	for i, it := range items {
		out[i] = Filter(it)
	}
	if err := out.Validate(); err != nil {
		return err
	}
	*fs = out
	return nil
}
