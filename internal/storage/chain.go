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

package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"secondlayer/pkg/chain"
)

// GetBlockByHeight fetches a canonical or non-canonical block by
// height; callers check Canonical themselves.
func (db *DB) GetBlockByHeight(ctx context.Context, height int64) (*chain.Block, bool, error) {
	const q = `SELECT height, hash, parent_hash, burn_height, burn_block_time, network, canonical, indexed_at FROM blocks WHERE height = $1`
	var b chain.Block
	var canonical bool
	err := db.Pool.QueryRow(ctx, q, height).Scan(&b.Height, &b.Hash, &b.ParentHash, &b.BurnHeight, &b.BurnBlockTime, &b.Network, &canonical, &b.IndexedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, ErrNotFound
	}
	if err != nil {
		return nil, false, fmt.Errorf("get block: %w", err)
	}
	return &b, canonical, nil
}

// UpsertBlock inserts or replaces a canonical block row, used by the
// indexer collaborator (out of scope) and by tests seeding fixtures.
func (db *DB) UpsertBlock(ctx context.Context, b chain.Block, canonical bool) error {
	const upsert = `
INSERT INTO blocks (height, hash, parent_hash, burn_height, burn_block_time, network, canonical, indexed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, now())
ON CONFLICT (height) DO UPDATE SET
  hash = excluded.hash, parent_hash = excluded.parent_hash,
  burn_height = excluded.burn_height,
  burn_block_time = excluded.burn_block_time, network = excluded.network,
  canonical = excluded.canonical`
	_, err := db.Pool.Exec(ctx, upsert, b.Height, b.Hash, b.ParentHash, b.BurnHeight, b.BurnBlockTime, b.Network, canonical)
	return err
}

// InsertTransaction inserts a transaction row for a block.
func (db *DB) InsertTransaction(ctx context.Context, tx chain.Transaction) error {
	const ins = `
INSERT INTO transactions (tx_id, block_height, type, sender_address, success, fee, contract_id, function_name, raw_tx, tx_index)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (tx_id) DO NOTHING`
	_, err := db.Pool.Exec(ctx, ins, tx.TxID, tx.BlockHeight, tx.Type, tx.SenderAddr, tx.Success, tx.Fee, tx.ContractID, tx.FunctionName, tx.RawTx, tx.Index)
	return err
}

// InsertEvent inserts an event row for a transaction.
func (db *DB) InsertEvent(ctx context.Context, ev chain.Event) error {
	const ins = `
INSERT INTO events (tx_id, block_height, event_index, type, asset_identifier, sender, recipient, amount, token_id, contract_id, topic, payload)
VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, '')::numeric, $9, $10, $11, $12)
ON CONFLICT (tx_id, event_index) DO NOTHING`
	_, err := db.Pool.Exec(ctx, ins, ev.TxID, ev.BlockHeight, ev.Index, ev.Type, ev.AssetIdentifier, ev.Sender, ev.Recipient, ev.Amount, ev.TokenID, ev.ContractID, ev.Topic, ev.Payload)
	return err
}

// LoadTransactionsForHeight returns all transactions at height, ordered
// by tx_index.
func (db *DB) LoadTransactionsForHeight(ctx context.Context, height int64) ([]chain.Transaction, error) {
	const q = `SELECT tx_id, block_height, type, sender_address, success, fee, contract_id, function_name, raw_tx, tx_index FROM transactions WHERE block_height = $1 ORDER BY tx_index ASC`
	rows, err := db.Pool.Query(ctx, q, height)
	if err != nil {
		return nil, fmt.Errorf("load transactions: %w", err)
	}
	defer rows.Close()

	var out []chain.Transaction
	for rows.Next() {
		var t chain.Transaction
		if err := rows.Scan(&t.TxID, &t.BlockHeight, &t.Type, &t.SenderAddr, &t.Success, &t.Fee, &t.ContractID, &t.FunctionName, &t.RawTx, &t.Index); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// LoadEventsForHeight returns all events at height, ordered by
// eventIndex ascending.
func (db *DB) LoadEventsForHeight(ctx context.Context, height int64) ([]chain.Event, error) {
	const q = `SELECT id, tx_id, block_height, event_index, type, asset_identifier, sender, recipient, COALESCE(amount::text, ''), token_id, contract_id, topic, payload FROM events WHERE block_height = $1 ORDER BY event_index ASC`
	rows, err := db.Pool.Query(ctx, q, height)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	defer rows.Close()

	var out []chain.Event
	for rows.Next() {
		var e chain.Event
		if err := rows.Scan(&e.ID, &e.TxID, &e.BlockHeight, &e.Index, &e.Type, &e.AssetIdentifier, &e.Sender, &e.Recipient, &e.Amount, &e.TokenID, &e.ContractID, &e.Topic, &e.Payload); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CanonicalHeights returns all canonical block heights for network in
// ascending order, used by internal/integrity's gap analysis.
func (db *DB) CanonicalHeights(ctx context.Context, network string) ([]int64, error) {
	const q = `SELECT height FROM blocks WHERE network = $1 AND canonical ORDER BY height ASC`
	rows, err := db.Pool.Query(ctx, q, network)
	if err != nil {
		return nil, fmt.Errorf("load canonical heights: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var h int64
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// GetIndexProgress fetches the IndexProgress row for network, or a
// zero-value progress if none has been recorded yet.
func (db *DB) GetIndexProgress(ctx context.Context, network string) (lastIndexed, lastContiguous, highestSeen int64, err error) {
	const q = `SELECT last_indexed_height, last_contiguous_height, highest_seen_height FROM index_progress WHERE network = $1`
	scanErr := db.Pool.QueryRow(ctx, q, network).Scan(&lastIndexed, &lastContiguous, &highestSeen)
	if errors.Is(scanErr, pgx.ErrNoRows) {
		return 0, 0, 0, nil
	}
	if scanErr != nil {
		return 0, 0, 0, fmt.Errorf("get index progress: %w", scanErr)
	}
	return lastIndexed, lastContiguous, highestSeen, nil
}

// UpsertIndexProgress persists the latest progress snapshot for network.
func (db *DB) UpsertIndexProgress(ctx context.Context, network string, lastIndexed, lastContiguous, highestSeen int64) error {
	const upsert = `
INSERT INTO index_progress (network, last_indexed_height, last_contiguous_height, highest_seen_height, updated_at)
VALUES ($1, $2, $3, $4, now())
ON CONFLICT (network) DO UPDATE SET
  last_indexed_height = excluded.last_indexed_height,
  last_contiguous_height = excluded.last_contiguous_height,
  highest_seen_height = excluded.highest_seen_height,
  updated_at = now()`
	_, err := db.Pool.Exec(ctx, upsert, network, lastIndexed, lastContiguous, highestSeen)
	return err
}
