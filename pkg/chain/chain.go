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

// Package chain defines the canonical on-chain entities the event
// streaming core ingests: blocks, transactions, and the events they
// contain. These types are pure data: no I/O, no persistence concerns.
package chain

import "time"

// TxType enumerates the transaction kinds the core understands.
type TxType string

const (
	TxTokenTransfer    TxType = "token_transfer"
	TxContractCall     TxType = "contract_call"
	TxSmartContract    TxType = "smart_contract"
	TxCoinbase         TxType = "coinbase"
	TxTenureChange     TxType = "tenure_change"
	TxPoisonMicroblock TxType = "poison_microblock"
)

// Valid reports whether t is one of the known transaction types.
func (t TxType) Valid() bool {
	switch t {
	case TxTokenTransfer, TxContractCall, TxSmartContract, TxCoinbase, TxTenureChange, TxPoisonMicroblock:
		return true
	default:
		return false
	}
}

// EventType enumerates the event kinds a transaction can emit.
type EventType string

const (
	EventSTXTransfer   EventType = "stx_transfer"
	EventSTXMint       EventType = "stx_mint"
	EventSTXBurn       EventType = "stx_burn"
	EventSTXLock       EventType = "stx_lock"
	EventFTTransfer    EventType = "ft_transfer"
	EventFTMint        EventType = "ft_mint"
	EventFTBurn        EventType = "ft_burn"
	EventNFTTransfer   EventType = "nft_transfer"
	EventNFTMint       EventType = "nft_mint"
	EventNFTBurn       EventType = "nft_burn"
	EventSmartContract EventType = "smart_contract_event"
)

// Valid reports whether e is one of the known event types.
func (e EventType) Valid() bool {
	switch e {
	case EventSTXTransfer, EventSTXMint, EventSTXBurn, EventSTXLock,
		EventFTTransfer, EventFTMint, EventFTBurn,
		EventNFTTransfer, EventNFTMint, EventNFTBurn, EventSmartContract:
		return true
	default:
		return false
	}
}

// IsAssetEvent reports whether e carries asset-movement fields
// (assetIdentifier, sender, recipient, amount) as opposed to the
// free-form smart_contract_event payload.
func (e EventType) IsAssetEvent() bool {
	return e != EventSmartContract
}

// Block is a canonical, confirmed block on the indexed chain.
type Block struct {
	Height        int64     `json:"height" db:"height"`
	Hash          string    `json:"hash" db:"hash"`
	ParentHash    string    `json:"parentHash" db:"parent_hash"`
	BurnHeight    int64     `json:"burnHeight" db:"burn_height"`
	BurnBlockTime time.Time `json:"burnBlockTime" db:"burn_block_time"`
	Network       string    `json:"network" db:"network"`
	IndexedAt     time.Time `json:"indexedAt" db:"indexed_at"`
}

// Transaction belongs to a Block and carries zero or more Events.
type Transaction struct {
	TxID         string `json:"txId" db:"tx_id"`
	BlockHeight  int64  `json:"blockHeight" db:"block_height"`
	Type         TxType `json:"type" db:"type"`
	SenderAddr   string `json:"senderAddress" db:"sender_address"`
	Success      bool   `json:"success" db:"success"`
	Fee          int64  `json:"fee" db:"fee"`
	ContractID   string `json:"contractId,omitempty" db:"contract_id"`
	FunctionName string `json:"functionName,omitempty" db:"function_name"`
	RawTx        []byte `json:"-" db:"raw_tx"`
	Index        int    `json:"index" db:"tx_index"`
}

// Event is a single state-change record emitted by a Transaction.
//
// AssetIdentifier/Sender/Recipient/Amount are populated for asset
// events (see EventType.IsAssetEvent); Payload carries the raw
// contract-event value for EventSmartContract, decoded by an injected
// claritydecode.Decoder collaborator that is out of this repository's
// scope.
type Event struct {
	ID              int64     `json:"id" db:"id"`
	TxID            string    `json:"txId" db:"tx_id"`
	BlockHeight     int64     `json:"blockHeight" db:"block_height"`
	Index           int       `json:"index" db:"event_index"`
	Type            EventType `json:"type" db:"type"`
	AssetIdentifier string    `json:"assetIdentifier,omitempty" db:"asset_identifier"`
	Sender          string    `json:"sender,omitempty" db:"sender"`
	Recipient       string    `json:"recipient,omitempty" db:"recipient"`
	Amount          string    `json:"amount,omitempty" db:"amount"`
	TokenID         string    `json:"tokenId,omitempty" db:"token_id"`
	ContractID      string    `json:"contractId,omitempty" db:"contract_id"`
	Topic           string    `json:"topic,omitempty" db:"topic"`
	Payload         []byte    `json:"payload,omitempty" db:"payload"`
}
