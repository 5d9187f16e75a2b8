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

// Package integrity implements the integrity tracker (C7): gap
// detection and contiguous-tip computation over canonical block
// heights, feeding IndexProgress for downstream completeness reasoning.
package integrity

import (
	"context"
	"fmt"

	"secondlayer/internal/storage"
)

// Gap is a missing run of canonical block heights.
type Gap struct {
	Start int64
	End   int64
	Size  int64
}

// Tracker computes gaps and tip position over a network's canonical
// block heights.
type Tracker struct {
	db      *storage.DB
	network string
}

// New builds a Tracker scoped to network.
func New(db *storage.DB, network string) *Tracker {
	return &Tracker{db: db, network: network}
}

// FindGaps scans ascending canonical heights and emits a Gap for every
// pair (h, nextH) where nextH - h > 1, stopping after limit gaps if
// limit > 0.
func (t *Tracker) FindGaps(ctx context.Context, limit int) ([]Gap, error) {
	heights, err := t.db.CanonicalHeights(ctx, t.network)
	if err != nil {
		return nil, fmt.Errorf("load canonical heights: %w", err)
	}
	return FindGapsIn(heights, limit), nil
}

// CountMissing sums every gap's size with no limit applied.
func (t *Tracker) CountMissing(ctx context.Context) (int64, error) {
	heights, err := t.db.CanonicalHeights(ctx, t.network)
	if err != nil {
		return 0, fmt.Errorf("load canonical heights: %w", err)
	}
	return CountMissingIn(heights), nil
}

// ContiguousTip returns the largest h >= fromHeight such that every
// integer in [fromHeight, h] is canonical, or fromHeight-1 if
// fromHeight itself is missing.
func (t *Tracker) ContiguousTip(ctx context.Context, fromHeight int64) (int64, error) {
	heights, err := t.db.CanonicalHeights(ctx, t.network)
	if err != nil {
		return 0, fmt.Errorf("load canonical heights: %w", err)
	}
	return ContiguousTipIn(heights, fromHeight), nil
}

// AdvanceProgress recomputes the network's progress snapshot from the
// canonical heights and persists it: the highest indexed height, the
// contiguous tip walked up from the lowest canonical height, and the
// highest height observed. A network with no blocks yet is a no-op.
func (t *Tracker) AdvanceProgress(ctx context.Context) error {
	heights, err := t.db.CanonicalHeights(ctx, t.network)
	if err != nil {
		return fmt.Errorf("load canonical heights: %w", err)
	}
	if len(heights) == 0 {
		return nil
	}
	lastIndexed := heights[len(heights)-1]
	contiguous := ContiguousTipIn(heights, heights[0])
	return t.db.UpsertIndexProgress(ctx, t.network, lastIndexed, contiguous, lastIndexed)
}

// FindGapsIn is the pure windowed scan Tracker.FindGaps wraps: it
// assumes heights is sorted ascending and contains no duplicates, the
// shape CanonicalHeights returns.
func FindGapsIn(heights []int64, limit int) []Gap {
	var gaps []Gap
	for i := 1; i < len(heights); i++ {
		prev, cur := heights[i-1], heights[i]
		if cur-prev > 1 {
			gaps = append(gaps, Gap{Start: prev + 1, End: cur - 1, Size: cur - prev - 1})
			if limit > 0 && len(gaps) >= limit {
				break
			}
		}
	}
	return gaps
}

// CountMissingIn sums every gap's size over heights with no limit
// applied; CountMissing always equals the sum of FindGaps' sizes.
func CountMissingIn(heights []int64) int64 {
	var total int64
	for _, g := range FindGapsIn(heights, 0) {
		total += g.Size
	}
	return total
}

// ContiguousTipIn returns the largest h >= fromHeight such that every
// integer in [fromHeight, h] is present in heights, or fromHeight-1 if
// fromHeight itself is missing.
func ContiguousTipIn(heights []int64, fromHeight int64) int64 {
	set := make(map[int64]bool, len(heights))
	for _, h := range heights {
		set[h] = true
	}
	if !set[fromHeight] {
		return fromHeight - 1
	}
	tip := fromHeight
	for set[tip+1] {
		tip++
	}
	return tip
}
