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

// Package chaintip defines the narrow interface /status uses
// for a best-effort lookup of the indexer's current chain tip. The
// indexer client itself is an external collaborator;
// failures here are informational only and never fail the status
// request.
package chaintip

import "context"

// TipInfo is the indexer's view of the chain tip for one network.
type TipInfo struct {
	Network string `json:"network"`
	Height  int64  `json:"height"`
	Hash    string `json:"hash"`
}

// Client fetches the current chain tip for a network.
type Client interface {
	Tip(ctx context.Context, network string) (TipInfo, error)
}
