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

package adminapi

import (
	"net/http"
	"time"
)

type networkStatus struct {
	Network              string `json:"network"`
	LastIndexedHeight    int64  `json:"lastIndexedHeight"`
	LastContiguousHeight int64  `json:"lastContiguousHeight"`
	HighestSeenHeight    int64  `json:"highestSeenHeight"`
	MissingCount         int64  `json:"missingCount"`
	GapCount             int    `json:"gapCount"`
	ChainTipHeight       int64  `json:"chainTipHeight,omitempty"`
	ChainTipError        string `json:"chainTipError,omitempty"`
}

type viewHealth struct {
	Name                string `json:"name"`
	Status              string `json:"status"`
	LastProcessedHeight int64  `json:"lastProcessedHeight"`
	TotalErrors         int64  `json:"totalErrors"`
	LastError           string `json:"lastError,omitempty"`
}

type statusResponse struct {
	Networks          []networkStatus `json:"networks"`
	Queue             any             `json:"queue"`
	TotalStreams      int64           `json:"totalStreams"`
	ActiveStreams     int64           `json:"activeStreams"`
	TotalViews        int64           `json:"totalViews"`
	Views             []viewHealth    `json:"views"`
	DeliveriesLast24h int64           `json:"deliveriesLast24h"`
}

// handleStatus reports process-wide health: per-network indexing
// progress and gaps (C7), queue depth, stream/view counts, recent
// delivery volume, and a best-effort chain-tip lookup per network. A
// chain-tip lookup failure is recorded per-network but never fails the
// request as a whole.
func (a *API) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var networks []networkStatus
	for network, tracker := range a.Trackers {
		lastIndexed, lastContiguous, highestSeen, err := a.DB.GetIndexProgress(ctx, network)
		if err != nil {
			writeError(w, err)
			return
		}
		gaps, err := tracker.FindGaps(ctx, 5)
		if err != nil {
			writeError(w, err)
			return
		}
		missing, err := tracker.CountMissing(ctx)
		if err != nil {
			writeError(w, err)
			return
		}
		ns := networkStatus{
			Network:              network,
			LastIndexedHeight:    lastIndexed,
			LastContiguousHeight: lastContiguous,
			HighestSeenHeight:    highestSeen,
			MissingCount:         missing,
			GapCount:             len(gaps),
		}
		if a.ChainTip != nil {
			tip, err := a.ChainTip.Tip(ctx, network)
			if err != nil {
				ns.ChainTipError = err.Error()
			} else {
				ns.ChainTipHeight = tip.Height
			}
		}
		networks = append(networks, ns)
	}

	queueStats, err := a.Queue.Stats(ctx)
	if err != nil {
		writeError(w, err)
		return
	}

	totalStreams, activeStreams, err := a.DB.CountStreams(ctx)
	if err != nil {
		writeError(w, err)
		return
	}

	totalViews, err := a.DB.CountViews(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	var views []viewHealth
	for _, v := range a.Views.GetAll("", nil) {
		views = append(views, viewHealth{
			Name:                v.Name,
			Status:              string(v.Status),
			LastProcessedHeight: v.LastProcessedHeight,
			TotalErrors:         v.TotalErrors,
			LastError:           v.LastError,
		})
	}

	recentDeliveries, err := a.DB.CountDeliveriesSince(ctx, a.Now().Add(-24*time.Hour))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, statusResponse{
		Networks:          networks,
		Queue:             queueStats,
		TotalStreams:      totalStreams,
		ActiveStreams:     activeStreams,
		TotalViews:        totalViews,
		Views:             views,
		DeliveriesLast24h: recentDeliveries,
	})
}
