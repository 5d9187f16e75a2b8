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

// Package ownerkey models account/stream/view ownership without a
// shared mutable object graph. Per the design notes on replacing
// ActiveRecord-style cyclic associations (account has_many streams,
// stream belongs_to account), ownership here is a plain id plus a
// Resolver collaborator the caller supplies, never a pointer cycle.
package ownerkey

import "context"

// Key identifies the owning account for a Stream, View, or usage record.
// It is an opaque id; nothing in this repository dereferences it into
// an account object directly.
type Key string

// Set is an immutable collection of owner Keys, used where an operation
// must be scoped to more than one account (e.g. a fleet-wide admin
// query) without holding references to the accounts themselves.
type Set struct {
	keys map[Key]struct{}
}

// NewSet builds a Set from the given keys, deduplicating.
func NewSet(keys ...Key) Set {
	s := Set{keys: make(map[Key]struct{}, len(keys))}
	for _, k := range keys {
		s.keys[k] = struct{}{}
	}
	return s
}

// Contains reports whether k is a member of the set.
func (s Set) Contains(k Key) bool {
	_, ok := s.keys[k]
	return ok
}

// Len returns the number of distinct keys in the set.
func (s Set) Len() int { return len(s.keys) }

// Slice returns the set's keys in no particular order.
func (s Set) Slice() []Key {
	out := make([]Key, 0, len(s.keys))
	for k := range s.keys {
		out = append(out, k)
	}
	return out
}

// Resolver looks up account-scoped facts about an owner Key without the
// caller holding a reference to the account record itself. A real
// implementation (authentication, plan lookup) lives outside this
// repository; adminapi and usage depend only on this interface.
type Resolver interface {
	// Exists reports whether key refers to a known, active account.
	Exists(ctx context.Context, key Key) (bool, error)
}

// AllowAll is a Resolver that treats every non-empty key as a known
// account. It stands in for the real account/auth service so the admin
// surface is reachable without one configured.
type AllowAll struct{}

// Exists reports true for any non-empty key.
func (AllowAll) Exists(_ context.Context, key Key) (bool, error) {
	return key != "", nil
}
