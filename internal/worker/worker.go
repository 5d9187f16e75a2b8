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

// Package worker implements the worker loop (C4): claim a job, load its
// block context, evaluate filters, dispatch a webhook on match, record
// the outcome, and update stream health. Each worker runs one
// sequential loop; parallelism comes from running several workers
// against the same queue.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"secondlayer/internal/dispatcher"
	"secondlayer/internal/matcher"
	"secondlayer/internal/metrics"
	"secondlayer/internal/queue"
	"secondlayer/internal/storage"
	"secondlayer/internal/views"
	"secondlayer/pkg/chain"
	"secondlayer/pkg/claritydecode"
	"secondlayer/pkg/crypto"
	"secondlayer/pkg/jobqueue"
	"secondlayer/pkg/stream"
)

// consecutiveFailureWindow is the lookback window CountRecentFailures
// uses to decide whether a stream should trip to failed.
const (
	consecutiveFailureWindow = 60 // minutes
	consecutiveFailureTripAt = 10
	idlePollInterval         = 2 * time.Second
	defaultLeaseTTL          = 5 * time.Minute
)

// Worker claims and processes jobs in a single sequential loop until
// its context is cancelled.
type Worker struct {
	ID         string
	db         *storage.DB
	queue      *queue.Queue
	dispatcher *dispatcher.Dispatcher
	enc        *crypto.Encryptor
	decoder    claritydecode.Decoder
	views      *views.Registry
	log        *slog.Logger
}

// New builds a Worker with a generated id. enc decrypts a stream's
// at-rest webhook secret before it is used to sign a delivery. decoder
// decodes contract-event payloads when a stream's
// options.decodeClarityValues is set; a nil decoder falls back to
// claritydecode.Passthrough. viewsReg resolves jobs whose id doesn't
// match any stream against the view registry, since deploy/reindex
// shares this same queue for reindex jobs (job.StreamID doubles
// as a view id in that case).
func New(db *storage.DB, q *queue.Queue, d *dispatcher.Dispatcher, enc *crypto.Encryptor, decoder claritydecode.Decoder, viewsReg *views.Registry, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	if decoder == nil {
		decoder = claritydecode.Passthrough{}
	}
	return &Worker{ID: "worker-" + uuid.NewString()[:8], db: db, queue: q, dispatcher: d, enc: enc, decoder: decoder, views: viewsReg, log: log}
}

// Run claims and processes jobs until ctx is cancelled, waking on new-job
// notifications or the idle poll interval, whichever comes first.
// Cancellation is cooperative: the in-flight job is finished before Run
// returns.
func (w *Worker) Run(ctx context.Context) error {
	wake := make(chan string, 1)
	unsubscribe, err := w.queue.Listen(ctx, func(streamID string) {
		select {
		case wake <- streamID:
		default:
		}
	})
	if err != nil {
		return fmt.Errorf("listen for new jobs: %w", err)
	}
	defer unsubscribe()

	ticker := time.NewTicker(idlePollInterval)
	defer ticker.Stop()

	for {
		processed, err := w.claimAndProcessOne(ctx)
		if err != nil && ctx.Err() == nil {
			w.log.Error("job processing error", "worker", w.ID, "err", err)
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-wake:
		case <-ticker.C:
		}
	}
}

// claimAndProcessOne claims at most one job and processes it; returns
// false when there was no work available.
func (w *Worker) claimAndProcessOne(ctx context.Context) (bool, error) {
	job, err := w.queue.Claim(ctx, w.ID, defaultLeaseTTL)
	if err == queue.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim: %w", err)
	}
	metrics.ObserveJobClaimed(job.IsBackfill)
	start := time.Now()
	err = w.process(ctx, job)
	metrics.ObserveJobProcessing(time.Since(start))
	return true, err
}

func (w *Worker) process(ctx context.Context, job *jobqueue.Job) error {
	s, err := w.db.GetStream(ctx, job.StreamID)
	if err == storage.ErrNotFound {
		return w.processViewReindex(ctx, job)
	}
	if err != nil {
		return w.queue.Fail(ctx, job.ID, err.Error())
	}
	if s.Status != stream.StatusActive {
		return w.queue.Complete(ctx, job.ID)
	}

	block, canonical, err := w.db.GetBlockByHeight(ctx, job.BlockHeight)
	if err == storage.ErrNotFound {
		return w.queue.Complete(ctx, job.ID)
	}
	if err != nil {
		return w.queue.Fail(ctx, job.ID, err.Error())
	}
	if !canonical {
		return w.queue.Complete(ctx, job.ID)
	}

	txs, err := w.db.LoadTransactionsForHeight(ctx, job.BlockHeight)
	if err != nil {
		return w.queue.Fail(ctx, job.ID, err.Error())
	}
	events, err := w.db.LoadEventsForHeight(ctx, job.BlockHeight)
	if err != nil {
		return w.queue.Fail(ctx, job.ID, err.Error())
	}

	result := matcher.Evaluate(s.Filters, txs, events)
	if !result.AnyMatch {
		return w.queue.Complete(ctx, job.ID)
	}

	payload, err := w.buildPayload(ctx, s, block, result, job.IsBackfill)
	if err != nil {
		return w.queue.Fail(ctx, job.ID, err.Error())
	}

	if err := w.dispatcher.Acquire(ctx, s.ID, s.Options.RateLimit); err != nil {
		return w.queue.Fail(ctx, job.ID, err.Error())
	}

	secret, err := w.decryptSecret(s.WebhookSecret)
	if err != nil {
		return w.queue.Fail(ctx, job.ID, err.Error())
	}

	dispatchResult := w.dispatcher.Dispatch(ctx, s.WebhookURL, payload, secret, dispatcher.Options{
		MaxAttempts: s.Options.MaxRetries + 1,
		TimeoutMs:   s.Options.TimeoutMs,
	})

	if err := w.recordDelivery(ctx, job, s, dispatchResult, payload); err != nil {
		w.log.Error("record delivery failed", "worker", w.ID, "streamId", s.ID, "err", err)
	}

	if dispatchResult.Success {
		return w.queue.Complete(ctx, job.ID)
	}
	if dispatchResult.StatusCode >= 400 && dispatchResult.StatusCode < 500 {
		// The endpoint rejected the payload; the delivery is recorded
		// failed, but retrying the job would repeat the same rejection.
		return w.queue.Complete(ctx, job.ID)
	}
	return w.queue.Fail(ctx, job.ID, dispatchResult.Error)
}

// processViewReindex handles a job whose id doesn't match any stream:
// internal/views.Registry.Deploy enqueues reindex jobs onto this same
// queue keyed by view id rather than stream id, so a miss on GetStream
// falls through here before being given up on.
func (w *Worker) processViewReindex(ctx context.Context, job *jobqueue.Job) error {
	if w.views == nil {
		return w.queue.Complete(ctx, job.ID)
	}
	v, err := w.db.GetViewByID(ctx, job.StreamID)
	if err == storage.ErrNotFound {
		return w.queue.Complete(ctx, job.ID)
	}
	if err != nil {
		return w.queue.Fail(ctx, job.ID, err.Error())
	}

	_, canonical, err := w.db.GetBlockByHeight(ctx, job.BlockHeight)
	if err == storage.ErrNotFound {
		return w.queue.Complete(ctx, job.ID)
	}
	if err != nil {
		return w.queue.Fail(ctx, job.ID, err.Error())
	}
	if !canonical {
		return w.queue.Complete(ctx, job.ID)
	}

	txs, err := w.db.LoadTransactionsForHeight(ctx, job.BlockHeight)
	if err != nil {
		return w.queue.Fail(ctx, job.ID, err.Error())
	}
	events, err := w.db.LoadEventsForHeight(ctx, job.BlockHeight)
	if err != nil {
		return w.queue.Fail(ctx, job.ID, err.Error())
	}

	if err := w.views.Reindex(ctx, v, job.BlockHeight, job.BlockHeight, txs, events); err != nil {
		return w.queue.Fail(ctx, job.ID, err.Error())
	}
	return w.queue.Complete(ctx, job.ID)
}

// decryptSecret returns the plaintext webhook secret for signing. A
// stream with no secret set (public webhook) decrypts to empty, and a
// value stored before at-rest encryption was configured passes through
// unchanged.
func (w *Worker) decryptSecret(stored string) (string, error) {
	if stored == "" || w.enc == nil || !crypto.IsEncrypted(stored) {
		return stored, nil
	}
	return w.enc.Decrypt(stored)
}

func (w *Worker) recordDelivery(ctx context.Context, job *jobqueue.Job, s *stream.Stream, result dispatcher.Result, payload []byte) error {
	outcome := jobqueue.OutcomeFailed
	if result.Success {
		outcome = jobqueue.OutcomeSuccess
	}
	var statusCode *int
	if result.StatusCode != 0 {
		statusCode = &result.StatusCode
	}
	delivery := &jobqueue.Delivery{
		StreamID:       s.ID,
		JobID:          job.ID,
		BlockHeight:    job.BlockHeight,
		Outcome:        outcome,
		StatusCode:     statusCode,
		ResponseTimeMs: result.ResponseTimeMs,
		Attempts:       result.Attempts,
		Error:          result.Error,
		Payload:        payload,
	}
	if err := w.db.InsertDelivery(ctx, delivery); err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	metrics.ObserveDelivery(s.ID, string(outcome), result.StatusCode, time.Duration(result.ResponseTimeMs)*time.Millisecond)

	if err := w.db.IncrementDeliveries(ctx, string(s.OwnerKeyID)); err != nil {
		w.log.Error("increment delivery usage failed", "worker", w.ID, "streamId", s.ID, "err", err)
	}

	if result.Success {
		return w.db.RecordDeliverySuccess(ctx, s.ID, job.BlockHeight, job.IsBackfill)
	}

	if err := w.db.RecordDeliveryFailure(ctx, s.ID, result.Error); err != nil {
		return err
	}
	return w.maybeTripStream(ctx, s)
}

// maybeTripStream trips the stream to failed once it has accumulated
// consecutiveFailureTripAt failed deliveries within the failure window.
func (w *Worker) maybeTripStream(ctx context.Context, s *stream.Stream) error {
	n, err := w.db.CountRecentFailures(ctx, s.ID, consecutiveFailureWindow)
	if err != nil {
		return err
	}
	if n < consecutiveFailureTripAt {
		return nil
	}
	next := stream.Trip(s.Status)
	if next == s.Status {
		return nil
	}
	metrics.IncStreamTrip(s.ID)
	return w.db.UpdateStreamStatus(ctx, s.ID, next)
}

// webhookPayload is the wire-stable delivery shape; field names and
// nesting must not change without versioning the receiver contract.
type webhookPayload struct {
	StreamID    string         `json:"streamId"`
	StreamName  string         `json:"streamName"`
	Network     string         `json:"network"`
	Block       blockPayload   `json:"block"`
	Matches     matchesPayload `json:"matches"`
	IsBackfill  bool           `json:"isBackfill"`
	DeliveredAt time.Time      `json:"deliveredAt"`
}

type blockPayload struct {
	Height          int64     `json:"height"`
	Hash            string    `json:"hash"`
	ParentHash      string    `json:"parentHash"`
	BurnBlockHeight int64     `json:"burnBlockHeight"`
	Timestamp       time.Time `json:"timestamp"`
	// Set only when the stream opts into block metadata.
	IndexedAt *time.Time `json:"indexedAt,omitempty"`
}

type matchesPayload struct {
	Transactions []txMatch    `json:"transactions"`
	Events       []eventMatch `json:"events"`
}

type txMatch struct {
	TxID         string  `json:"txId"`
	Type         string  `json:"type"`
	Sender       string  `json:"sender"`
	Status       string  `json:"status"`
	ContractID   *string `json:"contractId"`
	FunctionName *string `json:"functionName"`
	RawTx        []byte  `json:"rawTx,omitempty"`
}

type eventMatch struct {
	TxID       string          `json:"txId"`
	EventIndex int             `json:"eventIndex"`
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data"`
}

func (w *Worker) buildPayload(ctx context.Context, s *stream.Stream, block *chain.Block, result matcher.Result, isBackfill bool) ([]byte, error) {
	p := webhookPayload{
		StreamID:    s.ID,
		StreamName:  s.Name,
		Network:     block.Network,
		IsBackfill:  isBackfill,
		DeliveredAt: time.Now().UTC(),
		Block: blockPayload{
			Height:          block.Height,
			Hash:            block.Hash,
			ParentHash:      block.ParentHash,
			BurnBlockHeight: block.BurnHeight,
			Timestamp:       block.BurnBlockTime,
		},
	}
	if s.Options.IncludeBlockMeta {
		indexedAt := block.IndexedAt
		p.Block.IndexedAt = &indexedAt
	}

	for _, tx := range result.MatchedTxs {
		m := txMatch{
			TxID:   tx.TxID,
			Type:   string(tx.Type),
			Sender: tx.SenderAddr,
			Status: successLabel(tx.Success),
		}
		if tx.ContractID != "" {
			m.ContractID = &tx.ContractID
		}
		if tx.FunctionName != "" {
			m.FunctionName = &tx.FunctionName
		}
		if s.Options.IncludeRawTx {
			m.RawTx = tx.RawTx
		}
		p.Matches.Transactions = append(p.Matches.Transactions, m)
	}

	for _, ev := range result.MatchedEvents {
		data := ev.Payload
		if s.Options.DecodeClarityValues {
			decoded, err := w.decoder.Decode(ctx, ev.Payload)
			if err != nil {
				w.log.Warn("clarity decode failed, using raw payload", "worker", w.ID, "streamId", s.ID, "txId", ev.TxID, "err", err)
			} else {
				data = decoded
			}
		}
		if len(data) == 0 {
			data = []byte("{}")
		}
		p.Matches.Events = append(p.Matches.Events, eventMatch{
			TxID:       ev.TxID,
			EventIndex: ev.Index,
			Type:       string(ev.Type),
			Data:       data,
		})
	}

	return json.Marshal(p)
}

func successLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "abort_by_response"
}
