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
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"secondlayer/internal/storage"
	"secondlayer/pkg/apierr"
	"secondlayer/pkg/crypto"
	"secondlayer/pkg/jobqueue"
	"secondlayer/pkg/ownerkey"
	"secondlayer/pkg/stream"
)

type streamAction int

const (
	streamActionEnable streamAction = iota
	streamActionDisable
	streamActionPause
	streamActionResume
)

// createStreamRequest is the payload for POST /streams.
type createStreamRequest struct {
	Name       string            `json:"name"`
	Filters    stream.FilterSet  `json:"filters"`
	Options    *stream.Options   `json:"options,omitempty"`
	WebhookURL string            `json:"webhookUrl"`
}

// streamResponse never echoes the encrypted secret; rotate-secret
// returns the plaintext once, at creation/rotation time only.
type streamResponse struct {
	*stream.Stream
	WebhookSecret string `json:"webhookSecret,omitempty"`
}

func (a *API) handleCreateStream(w http.ResponseWriter, r *http.Request) {
	var req createStreamRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" {
		writeError(w, apierr.New(apierr.KindValidation, "name is required"))
		return
	}
	if err := req.Filters.Validate(); err != nil {
		writeError(w, apierr.Wrap(apierr.KindValidation, err.Error(), err))
		return
	}
	opts := stream.DefaultOptions()
	if req.Options != nil {
		opts = *req.Options
	}
	if err := opts.Validate(); err != nil {
		writeError(w, err)
		return
	}
	if req.WebhookURL == "" {
		writeError(w, apierr.New(apierr.KindValidation, "webhookUrl is required"))
		return
	}

	owner := callerKeyFrom(r.Context())
	if err := a.checkResourceCreate(r, owner); err != nil {
		writeError(w, err)
		return
	}

	plaintext, encrypted, err := a.generateSecret()
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindInternal, "generate webhook secret", err))
		return
	}

	s := &stream.Stream{
		Name:          req.Name,
		Filters:       req.Filters,
		Options:       opts,
		WebhookURL:    req.WebhookURL,
		WebhookSecret: encrypted,
		OwnerKeyID:    owner,
	}
	if err := a.DB.CreateStream(r.Context(), s); err != nil {
		writeError(w, apierr.Wrap(apierr.KindInternal, "create stream", err))
		return
	}
	a.Log.Info("stream created", "streamId", s.ID, "webhookUrl", crypto.RedactURL(s.WebhookURL))
	writeJSON(w, http.StatusCreated, streamResponse{Stream: s, WebhookSecret: plaintext})
}

func (a *API) handleListStreams(w http.ResponseWriter, r *http.Request) {
	owner := callerKeyFrom(r.Context())
	streams, err := a.DB.ListStreamsByOwner(r.Context(), owner)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindInternal, "list streams", err))
		return
	}
	writeJSON(w, http.StatusOK, streams)
}

func (a *API) handleGetStream(w http.ResponseWriter, r *http.Request) {
	s, err := a.loadOwnedStream(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *API) handleUpdateStream(w http.ResponseWriter, r *http.Request) {
	s, err := a.loadOwnedStream(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req createStreamRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name != "" {
		s.Name = req.Name
	}
	if req.Filters != nil {
		if err := req.Filters.Validate(); err != nil {
			writeError(w, apierr.Wrap(apierr.KindValidation, err.Error(), err))
			return
		}
		s.Filters = req.Filters
	}
	if req.Options != nil {
		if err := req.Options.Validate(); err != nil {
			writeError(w, err)
			return
		}
		s.Options = *req.Options
	}
	if req.WebhookURL != "" {
		s.WebhookURL = req.WebhookURL
	}
	if err := a.DB.UpdateStream(r.Context(), s); err != nil {
		writeError(w, apierr.Wrap(apierr.KindInternal, "update stream", err))
		return
	}
	writeJSON(w, http.StatusOK, s)
}

func (a *API) handleDeleteStream(w http.ResponseWriter, r *http.Request) {
	s, err := a.loadOwnedStream(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := a.DB.DeleteStream(r.Context(), s.ID); err != nil {
		writeError(w, apierr.Wrap(apierr.KindInternal, "delete stream", err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleStreamAction(action streamAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := a.loadOwnedStream(r)
		if err != nil {
			writeError(w, err)
			return
		}
		var next stream.Status
		var transErr error
		switch action {
		case streamActionEnable:
			next, transErr = stream.Enable(s.Status)
		case streamActionDisable:
			next, transErr = stream.Disable(s.Status)
		case streamActionPause:
			next, transErr = stream.Pause(s.Status)
		case streamActionResume:
			next, transErr = stream.Resume(s.Status)
		}
		if transErr != nil {
			writeError(w, transErr)
			return
		}
		if err := a.DB.UpdateStreamStatus(r.Context(), s.ID, next); err != nil {
			writeError(w, apierr.Wrap(apierr.KindInternal, "update stream status", err))
			return
		}
		s.Status = next
		writeJSON(w, http.StatusOK, s)
	}
}

func (a *API) handleBulkPause(w http.ResponseWriter, r *http.Request) {
	a.bulkTransition(w, r, stream.Pause)
}

func (a *API) handleBulkResume(w http.ResponseWriter, r *http.Request) {
	a.bulkTransition(w, r, stream.Resume)
}

func (a *API) bulkTransition(w http.ResponseWriter, r *http.Request, transition func(stream.Status) (stream.Status, error)) {
	owner := callerKeyFrom(r.Context())
	streams, err := a.DB.ListStreamsByOwner(r.Context(), owner)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindInternal, "list streams", err))
		return
	}
	updated := 0
	for _, s := range streams {
		next, err := transition(s.Status)
		if err != nil {
			continue // not a valid source state for this transition; skip silently
		}
		if err := a.DB.UpdateStreamStatus(r.Context(), s.ID, next); err != nil {
			writeError(w, apierr.Wrap(apierr.KindInternal, "update stream status", err))
			return
		}
		updated++
	}
	writeJSON(w, http.StatusOK, map[string]int{"updated": updated})
}

func (a *API) handleRotateSecret(w http.ResponseWriter, r *http.Request) {
	s, err := a.loadOwnedStream(r)
	if err != nil {
		writeError(w, err)
		return
	}
	plaintext, encrypted, err := a.generateSecret()
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindInternal, "generate webhook secret", err))
		return
	}
	if err := a.DB.UpdateStreamSecret(r.Context(), s.ID, encrypted); err != nil {
		writeError(w, apierr.Wrap(apierr.KindInternal, "rotate stream secret", err))
		return
	}
	a.Log.Info("stream secret rotated", "streamId", s.ID, "secret", crypto.RedactSecret(plaintext))
	writeJSON(w, http.StatusOK, map[string]string{"webhookSecret": plaintext})
}

type triggerRequest struct {
	BlockHeight int64 `json:"blockHeight"`
}

func (a *API) handleTrigger(w http.ResponseWriter, r *http.Request) {
	s, err := a.loadOwnedStream(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req triggerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if _, err := a.Queue.Enqueue(r.Context(), s.ID, req.BlockHeight, false); err != nil {
		writeError(w, apierr.Wrap(apierr.KindInternal, "enqueue job", err))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "enqueued"})
}

type replayRequest struct {
	FromBlock int64 `json:"fromBlock"`
	ToBlock   int64 `json:"toBlock"`
}

func (a *API) handleReplay(w http.ResponseWriter, r *http.Request) {
	s, err := a.loadOwnedStream(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req replayRequest
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
		if _, err := a.Queue.Enqueue(r.Context(), s.ID, h, true); err != nil {
			writeError(w, apierr.Wrap(apierr.KindInternal, "enqueue replay job", err))
			return
		}
		enqueued++
	}
	writeJSON(w, http.StatusAccepted, replayResponse{JobCount: enqueued, FromBlock: req.FromBlock, ToBlock: req.ToBlock})
}

// replayResponse is the wire shape replay reports back to the caller.
type replayResponse struct {
	JobCount  int   `json:"jobCount"`
	FromBlock int64 `json:"fromBlock"`
	ToBlock   int64 `json:"toBlock"`
}

func (a *API) handleReplayFailed(w http.ResponseWriter, r *http.Request) {
	s, err := a.loadOwnedStream(r)
	if err != nil {
		writeError(w, err)
		return
	}
	heights, err := a.DB.DistinctFailedHeights(r.Context(), s.ID)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindInternal, "load failed heights", err))
		return
	}
	for _, h := range heights {
		if _, err := a.Queue.Enqueue(r.Context(), s.ID, h, true); err != nil {
			writeError(w, apierr.Wrap(apierr.KindInternal, "enqueue replay job", err))
			return
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"enqueued": len(heights)})
}

func (a *API) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	s, err := a.loadOwnedStream(r)
	if err != nil {
		writeError(w, err)
		return
	}
	outcome := jobqueue.Outcome(r.URL.Query().Get("outcome"))
	limit, offset := pagination(r)
	deliveries, total, err := a.DB.ListDeliveries(r.Context(), s.ID, outcome, limit, offset)
	if err != nil {
		writeError(w, apierr.Wrap(apierr.KindInternal, "list deliveries", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"data": deliveries,
		"meta": map[string]int64{"total": total, "limit": int64(limit), "offset": int64(offset)},
	})
}

func pagination(r *http.Request) (limit, offset int) {
	limit = 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}

// loadOwnedStream fetches the path's {streamID}, enforcing that it
// belongs to the caller's owner key.
func (a *API) loadOwnedStream(r *http.Request) (*stream.Stream, error) {
	id := chi.URLParam(r, "streamID")
	s, err := a.DB.GetStream(r.Context(), id)
	if err == storage.ErrNotFound {
		return nil, apierr.NotFound(apierr.KindStreamNotFound, "stream")
	}
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "get stream", err)
	}
	owner := callerKeyFrom(r.Context())
	if s.OwnerKeyID != owner {
		return nil, apierr.New(apierr.KindAuthorization, "stream is not owned by caller")
	}
	return s, nil
}

// checkResourceCreate enforces plan limits before a stream or view is
// created, returning a LIMIT_EXCEEDED apierr when the plan is at
// capacity.
func (a *API) checkResourceCreate(r *http.Request, owner ownerkey.Key) error {
	if a.Usage == nil {
		return nil
	}
	decision, err := a.Usage.CheckResourceCreate(r.Context(), string(owner), a.Limits)
	if err != nil {
		return apierr.Wrap(apierr.KindInternal, "check usage", err)
	}
	if !decision.Allowed {
		return apierr.New(apierr.KindLimitExceeded, "plan limit exceeded: "+string(decision.Exceeded))
	}
	return nil
}

// generateSecret returns a fresh random webhook secret (plaintext, for
// one-time display) alongside its at-rest encrypted form.
func (a *API) generateSecret() (plaintext, encrypted string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", err
	}
	plaintext = hex.EncodeToString(buf)
	if a.Encryptor == nil {
		return plaintext, plaintext, nil
	}
	encrypted, err = a.Encryptor.Encrypt(plaintext)
	return plaintext, encrypted, err
}
