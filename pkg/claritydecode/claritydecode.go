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

// Package claritydecode defines the narrow interface the worker relies
// on to turn a raw Clarity value payload into decoded JSON when a
// stream's options.decodeClarityValues is set. The decoder itself,
// which parses the Clarity binary/hex wire format, is an external
// collaborator;
// this repository only depends on the interface shape.
package claritydecode

import (
	"context"
	"encoding/json"
)

// Decoder turns a raw on-chain event payload into a decoded JSON form
// suitable for inclusion in a webhook payload's matches.events[].data
//.
type Decoder interface {
	Decode(ctx context.Context, raw []byte) (json.RawMessage, error)
}

// Passthrough is a Decoder that returns raw unchanged (or {} for an
// empty payload), used where no
// real decoder is configured (decodeClarityValues effectively becomes
// a no-op rather than a worker error).
type Passthrough struct{}

// Decode implements Decoder by returning raw verbatim, or {} when raw
// is empty.
func (Passthrough) Decode(_ context.Context, raw []byte) (json.RawMessage, error) {
	if len(raw) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.RawMessage(raw), nil
}
