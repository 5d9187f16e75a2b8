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

	"github.com/go-chi/chi/v5"

	"secondlayer/internal/storage"
	"secondlayer/internal/viewquery"
	"secondlayer/pkg/apierr"
	"secondlayer/pkg/ownerkey"
	"secondlayer/pkg/view"
)

// deployViewRequest is the payload for POST /views.
type deployViewRequest struct {
	Name        string          `json:"name"`
	Definition  view.Definition `json:"definition"`
	Reindex     bool            `json:"reindex,omitempty"`
	ReindexFrom int64           `json:"reindexFrom,omitempty"`
	ReindexTo   int64           `json:"reindexTo,omitempty"`
}

func (a *API) handleDeployView(w http.ResponseWriter, r *http.Request) {
	var req deployViewRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" {
		writeError(w, apierr.New(apierr.KindValidation, "name is required"))
		return
	}
	if err := req.Definition.Validate(); err != nil {
		writeError(w, err)
		return
	}

	owner := callerKeyFrom(r.Context())
	if err := a.checkResourceCreate(r, owner); err != nil {
		writeError(w, err)
		return
	}

	reindexFrom, reindexTo := req.ReindexFrom, req.ReindexTo
	if !req.Reindex {
		reindexFrom, reindexTo = 0, 0
	}
	v, err := a.Views.Deploy(r.Context(), req.Name, owner, req.Definition, reindexFrom, reindexTo)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindInternal, "deploy view", err))
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func (a *API) handleListViews(w http.ResponseWriter, r *http.Request) {
	owner := callerKeyFrom(r.Context())
	writeJSON(w, http.StatusOK, a.Views.GetAll(owner, nil))
}

func (a *API) handleGetView(w http.ResponseWriter, r *http.Request) {
	v, err := a.loadOwnedView(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (a *API) handleDeleteView(w http.ResponseWriter, r *http.Request) {
	v, err := a.loadOwnedView(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := a.Views.Delete(r.Context(), v.Name, callerKeyFrom(r.Context())); err != nil {
		writeError(w, apierr.Wrap(apierr.KindInternal, "delete view", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type reindexViewRequest struct {
	FromBlock int64 `json:"fromBlock"`
	ToBlock   int64 `json:"toBlock"`
}

func (a *API) handleReindexView(w http.ResponseWriter, r *http.Request) {
	v, err := a.loadOwnedView(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req reindexViewRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ToBlock < req.FromBlock {
		writeError(w, apierr.New(apierr.KindValidation, "toBlock must be >= fromBlock"))
		return
	}
	heights, err := a.DB.CanonicalHeights(r.Context(), a.Network)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindInternal, "load canonical heights", err))
		return
	}
	enqueued := 0
	for _, h := range heights {
		if h < req.FromBlock || h > req.ToBlock {
			continue
		}
		if _, err := a.Queue.Enqueue(r.Context(), v.ID, h, true); err != nil {
			writeError(w, apierr.Wrap(apierr.KindInternal, "enqueue reindex job", err))
			return
		}
		enqueued++
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"enqueued": enqueued})
}

func (a *API) handleQueryView(w http.ResponseWriter, r *http.Request) {
	viewName, table, owner, keys := a.viewQueryScope(r)
	p := viewquery.ParseParams(r.URL.Query())
	rows, total, err := a.Query.List(r.Context(), viewName, table, owner, keys, p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data": rows,
		"meta": map[string]int64{"total": total, "limit": int64(p.Limit), "offset": int64(p.Offset)},
	})
}

func (a *API) handleCountView(w http.ResponseWriter, r *http.Request) {
	viewName, table, owner, keys := a.viewQueryScope(r)
	p := viewquery.ParseParams(r.URL.Query())
	total, err := a.Query.Count(r.Context(), viewName, table, owner, keys, p.Filters)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"count": total})
}

func (a *API) handleGetViewRow(w http.ResponseWriter, r *http.Request) {
	viewName, table, owner, keys := a.viewQueryScope(r)
	id := chi.URLParam(r, "id")
	row, err := a.Query.GetByID(r.Context(), viewName, table, id, owner, keys)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// viewQueryScope extracts the {view}/{table} path params and the
// caller's owner key for a query-engine call; keys is left nil since
// the registry's cache key already scopes lookups to the caller's
// owner key.
func (a *API) viewQueryScope(r *http.Request) (viewName, table string, owner ownerkey.Key, keys *ownerkey.Set) {
	return chi.URLParam(r, "view"), chi.URLParam(r, "table"), callerKeyFrom(r.Context()), nil
}

// loadOwnedView fetches the path's {view}, enforcing it belongs to the
// caller's owner key.
func (a *API) loadOwnedView(r *http.Request) (*view.View, error) {
	name := chi.URLParam(r, "view")
	owner := callerKeyFrom(r.Context())
	v, err := a.DB.GetView(r.Context(), name, owner)
	if err == storage.ErrNotFound {
		return nil, apierr.NotFound(apierr.KindViewNotFound, "view")
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "get view", err)
	}
	return v, nil
}
