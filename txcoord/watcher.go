package txcoord

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/walletmesh/coordinator/internal/metrics"
	"github.com/walletmesh/coordinator/internal/notify"
	"github.com/walletmesh/coordinator/internal/rpc"
	"github.com/walletmesh/coordinator/internal/signer"
	"github.com/walletmesh/coordinator/types"
)

var ErrNotWatching = errors.New("no active watch task for transaction")

// CancelRequest carries the fee parameters for a same-nonce cancellation
// transaction. Empty fields default to a bump over the original fees.
type CancelRequest struct {
	MaxFeePerGas         string `json:"max_fee_per_gas,omitempty"`
	MaxPriorityFeePerGas string `json:"max_priority_fee_per_gas,omitempty"`
}

type watchHandle struct {
	nonceKey  string
	cancelCh  chan CancelRequest
	replaceCh chan types.TxRequest
	// invalidated is closed when a different record on the same nonce lane
	// reaches a terminal state, meaning this record can never mine.
	invalidated    chan struct{}
	invalidateOnce sync.Once
	// abandoned marks a watch task whose record was superseded by a
	// replacement. The task keeps running to classify a late receipt, but
	// its outcome is never reported a second time.
	abandoned atomic.Bool
}

type receiptResult struct {
	// status is set when an out-of-band feed already classified the outcome
	// (flashbots). Otherwise receipt carries the on-chain result.
	status       types.TransactionStatus
	receipt      *rpc.Receipt
	fromCancelTx bool
	err          error
}

// Watcher owns every in-flight submission record until it reaches exactly one
// terminal state. One watch task per record; only the owning task writes
// status.
type Watcher struct {
	logger            *logrus.Logger
	repo              *Repo
	clients           map[uint64]rpc.ChainClient
	flashbots         *rpc.FlashbotsClient
	submitter         *Submitter
	sig               signer.Signer
	notifier          notify.Notifier
	metrics           *metrics.Metrics
	replayConcurrency int

	mu     sync.Mutex
	owners map[string]*watchHandle // record id -> handle
	slots  map[string]string       // nonce key -> owning record id
	wg     sync.WaitGroup
}

func NewWatcher(
	logger *logrus.Logger,
	repo *Repo,
	clients map[uint64]rpc.ChainClient,
	flashbots *rpc.FlashbotsClient,
	submitter *Submitter,
	sig signer.Signer,
	notifier notify.Notifier,
	m *metrics.Metrics,
	replayConcurrency int,
) *Watcher {
	if replayConcurrency <= 0 {
		replayConcurrency = 8
	}
	return &Watcher{
		logger:            logger.WithField("pkg", "txcoord.watcher").Logger,
		repo:              repo,
		clients:           clients,
		flashbots:         flashbots,
		submitter:         submitter,
		sig:               sig,
		notifier:          notifier,
		metrics:           m,
		replayConcurrency: replayConcurrency,
		owners:            make(map[string]*watchHandle),
		slots:             make(map[string]string),
	}
}

// Run replays persisted in-flight records, then consumes the submitter's
// added-events until ctx is cancelled. It returns after all watch tasks have
// drained.
func (w *Watcher) Run(ctx context.Context) error {
	err := w.Replay(ctx)
	if err != nil {
		return fmt.Errorf("w.Replay: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			w.wg.Wait()
			return nil
		case rec := <-w.submitter.Added():
			w.Enroll(ctx, rec)
		}
	}
}

// Replay enrolls every persisted non-terminal record exactly once. Safe to
// call more than once (duplicate startup hooks): enrollment is idempotent per
// record id, and the persisted status is re-read before enrolling to close
// the race with a concurrent finalize.
func (w *Watcher) Replay(ctx context.Context) error {
	recs, err := w.repo.Incomplete(ctx)
	if err != nil {
		return fmt.Errorf("w.repo.Incomplete: %w", err)
	}

	eg := &errgroup.Group{}
	eg.SetLimit(w.replayConcurrency)
	for _, _rec := range recs {
		rec := _rec
		eg.Go(func() error {
			cur, er := w.repo.Get(ctx, rec.Account, rec.ID)
			if errors.Is(er, ErrNoRecord) {
				return nil
			}
			if er != nil {
				return fmt.Errorf("w.repo.Get: %w", er)
			}
			if cur.Status.Terminal() {
				return nil
			}
			if w.Enroll(ctx, cur) {
				w.logger.WithFields(cur.Fields()).Info("re-enrolled in-flight transaction")
			}
			return nil
		})
	}
	err = eg.Wait()
	if err != nil {
		return fmt.Errorf("eg.Wait: %w", err)
	}
	return nil
}

// Enroll registers a watch task for the record. A record already owned is a
// no-op. A different record occupying the same logical slot (chain + nonce)
// is abandoned: a new submission for the slot supersedes the prior watcher.
func (w *Watcher) Enroll(ctx context.Context, rec types.SubmissionRecord) bool {
	if rec.Status.Terminal() {
		return false
	}

	w.mu.Lock()
	if _, ok := w.owners[rec.ID]; ok {
		w.mu.Unlock()
		return false
	}
	if prevID, ok := w.slots[rec.NonceKey()]; ok && prevID != rec.ID {
		if prev, exists := w.owners[prevID]; exists {
			prev.abandoned.Store(true)
		}
	}
	h := &watchHandle{
		nonceKey:    rec.NonceKey(),
		cancelCh:    make(chan CancelRequest, 1),
		replaceCh:   make(chan types.TxRequest, 1),
		invalidated: make(chan struct{}),
	}
	w.owners[rec.ID] = h
	w.slots[rec.NonceKey()] = rec.ID
	w.metrics.SetActiveWatchers(len(w.owners))
	w.mu.Unlock()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.watch(ctx, rec, h)
	}()
	return true
}

// RequestCancellation asks the owning watch task to attempt a same-nonce
// cancellation. A second request while one is in flight is a no-op.
func (w *Watcher) RequestCancellation(recordID string, req CancelRequest) error {
	h, err := w.handleFor(recordID)
	if err != nil {
		return err
	}
	select {
	case h.cancelCh <- req:
	default:
	}
	return nil
}

// RequestReplacement asks the owning watch task to abandon the record in
// favor of a fresh submission with the new parameters.
func (w *Watcher) RequestReplacement(recordID string, newReq types.TxRequest) error {
	h, err := w.handleFor(recordID)
	if err != nil {
		return err
	}
	select {
	case h.replaceCh <- newReq:
	default:
	}
	return nil
}

func (w *Watcher) handleFor(recordID string) (*watchHandle, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	h, ok := w.owners[recordID]
	if !ok {
		return nil, fmt.Errorf("%w: id=%s", ErrNotWatching, recordID)
	}
	return h, nil
}

func (w *Watcher) release(rec types.SubmissionRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.owners, rec.ID)
	if w.slots[rec.NonceKey()] == rec.ID {
		delete(w.slots, rec.NonceKey())
	}
	w.metrics.SetActiveWatchers(len(w.owners))
}

// watch races three independently-arriving signals for one record: receipt
// confirmation, cancellation, replacement. First applied wins; the monotonic
// terminal guard in the repo protects against late losers.
func (w *Watcher) watch(ctx context.Context, rec types.SubmissionRecord, h *watchHandle) {
	defer w.release(rec)

	log := w.logger.WithFields(rec.Fields())

	pollCtx, stopPolls := context.WithCancel(ctx)
	defer stopPolls()

	results := make(chan receiptResult, 2)
	go w.awaitOutcome(pollCtx, rec.ChainID, rec.Hash, rec.Flashbots, false, results)

	cur := rec.Status

	for {
		select {
		case res := <-results:
			if w.applyOutcome(ctx, log, rec, h, cur, res) {
				return
			}

		case cancelReq := <-h.cancelCh:
			if cur != types.TxPending {
				continue
			}
			applied, err := w.repo.SetStatus(ctx, rec.Account, rec.ID, types.TxCancelling)
			if err != nil {
				log.Errorf("failed to persist cancelling status: %v", err)
				continue
			}
			if !applied {
				// already terminal in the store, the receipt result will end this task
				continue
			}
			cur = types.TxCancelling

			cancelHash, err := w.broadcastCancel(ctx, rec, cancelReq)
			if err != nil {
				log.Errorf("cancellation attempt failed, transaction still pending: %v", err)
				_, _ = w.repo.SetStatus(ctx, rec.Account, rec.ID, types.TxPending)
				cur = types.TxPending
				w.notifier.Publish(ctx, notify.Event{
					Kind:    notify.EventRequestFailed,
					Account: rec.Account,
					ChainID: rec.ChainID,
					TxID:    rec.ID,
					Message: "cancellation failed to broadcast",
				})
				continue
			}
			log.WithField("cancel_hash", cancelHash).Info("cancellation broadcast, racing for receipt")
			go w.awaitOutcome(pollCtx, rec.ChainID, cancelHash, false, true, results)

		case newReq := <-h.replaceCh:
			newRec, err := w.submitter.Submit(ctx, types.Account{Address: rec.Account, Type: types.AccountSigner}, newReq)
			if err != nil {
				log.Errorf("replacement submit failed, original still watched: %v", err)
				w.notifier.Publish(ctx, notify.Event{
					Kind:    notify.EventRequestFailed,
					Account: rec.Account,
					ChainID: rec.ChainID,
					TxID:    rec.ID,
					Message: "replacement failed to broadcast",
				})
				continue
			}
			// The old task keeps running so a late receipt is still
			// classified, but the replacement owns the slot now.
			h.abandoned.Store(true)
			log.WithField("replacement_id", newRec.ID).Info("transaction replaced")

		case <-h.invalidated:
			// a different same-nonce transaction is terminal, so this one can
			// never mine; the record was already removed by the lane sweep
			if cur == types.TxCancelling {
				w.notifier.Publish(ctx, notify.Event{
					Kind:    notify.EventRequestFailed,
					Account: rec.Account,
					ChainID: rec.ChainID,
					TxID:    rec.ID,
					Message: "cancellation displaced by a same-nonce transaction",
				})
			}
			log.Info("displaced on nonce lane, stopping watch")
			return

		case <-ctx.Done():
			// shutdown: record stays non-terminal in the store and is
			// re-enrolled by replay on next start
			return
		}
	}
}

// applyOutcome writes the terminal state for a receipt/flashbots result.
// Returns false when the result does not end the watch (a reverted cancel tx
// leaves the original still in flight).
func (w *Watcher) applyOutcome(
	ctx context.Context,
	log *logrus.Entry,
	rec types.SubmissionRecord,
	h *watchHandle,
	cur types.TransactionStatus,
	res receiptResult,
) bool {
	if res.err != nil {
		log.Errorf("receipt polling failed unrecoverably: %v", res.err)
		w.finalize(ctx, log, rec, h, types.TxUnknown, nil)
		return true
	}

	if res.status != "" {
		// pre-classified by the flashbots status feed
		w.finalize(ctx, log, rec, h, res.status, nil)
		return true
	}

	receipt := res.receipt
	if !receipt.Success() {
		if res.fromCancelTx {
			// reverted cancel tx: the original is still the live submission
			log.Warn("cancellation transaction reverted, original still in flight")
			return false
		}
		w.finalize(ctx, log, rec, h, types.TxFailed, submissionReceipt(receipt))
		return true
	}

	if res.fromCancelTx {
		w.finalize(ctx, log, rec, h, types.TxCancelled, submissionReceipt(receipt))
		return true
	}

	if cur == types.TxCancelling {
		// same nonce, so the original winning the race is still a success
		log.Info("original transaction mined before cancellation")
	}
	w.finalize(ctx, log, rec, h, types.TxSuccess, submissionReceipt(receipt))
	return true
}

func (w *Watcher) finalize(
	ctx context.Context,
	log *logrus.Entry,
	rec types.SubmissionRecord,
	h *watchHandle,
	status types.TransactionStatus,
	receipt *types.SubmissionReceipt,
) {
	applied, err := w.repo.Finalize(ctx, rec.Account, rec.ID, status, receipt)
	if errors.Is(err, ErrNoRecord) {
		// the record was removed by a lane sweep while this result was in
		// flight; the winner already reported
		log.Info("record displaced before terminal write, ignoring")
		return
	}
	if err != nil {
		log.Errorf("failed to persist terminal status %s: %v", status, err)
		return
	}
	if !applied {
		// a racing signal already finalized the record
		log.WithField("late_status", status).Info("terminal state already recorded, ignoring late signal")
		return
	}

	log.WithField("final_status", status).Info("transaction finalized")
	w.metrics.RecordTerminalStatus(rec.ChainID, string(status))
	w.invalidateLaneMates(ctx, log, rec)

	if h.abandoned.Load() {
		// replaced records are classified for the store but not re-reported
		return
	}
	w.notifier.Publish(ctx, notify.Event{
		Kind:    notify.EventTxFinalized,
		Account: rec.Account,
		ChainID: rec.ChainID,
		TxID:    rec.ID,
		TxHash:  rec.Hash,
		Status:  status,
	})
}

// invalidateLaneMates removes every other in-flight record sharing the
// finalized record's nonce lane: the chain accepts each nonce once, so none
// of them can mine anymore. Persisted mates are deleted so replay never
// resurrects them, and their live watch tasks are told to stop.
func (w *Watcher) invalidateLaneMates(ctx context.Context, log *logrus.Entry, rec types.SubmissionRecord) {
	mates, err := w.repo.Incomplete(ctx)
	if err != nil {
		log.Errorf("nonce lane sweep failed: %v", err)
		return
	}
	for _, mate := range mates {
		if mate.ID == rec.ID || mate.NonceKey() != rec.NonceKey() {
			continue
		}
		er := w.repo.Delete(ctx, mate.Account, mate.ID)
		if er != nil {
			log.Errorf("failed to remove displaced record id=%s: %v", mate.ID, er)
			continue
		}
		log.WithField("displaced_id", mate.ID).Info("removed same-nonce record that can no longer mine")
	}

	w.mu.Lock()
	for id, h := range w.owners {
		if id == rec.ID || h.nonceKey != rec.NonceKey() {
			continue
		}
		h.invalidateOnce.Do(func() { close(h.invalidated) })
	}
	w.mu.Unlock()
}

// awaitOutcome blocks until the hash has an outcome and delivers it on out.
// When the poll context is cancelled the task was abandoned by a winning
// signal and nothing is delivered.
func (w *Watcher) awaitOutcome(
	ctx context.Context,
	chainID uint64,
	hash string,
	useFlashbots, fromCancelTx bool,
	out chan<- receiptResult,
) {
	if useFlashbots && w.flashbots != nil {
		fr, err := w.flashbots.WaitForStatus(ctx, hash)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			out <- receiptResult{err: err, fromCancelTx: fromCancelTx}
			return
		}
		switch fr.Status {
		case rpc.FlashbotsFailed:
			out <- receiptResult{status: types.TxFailed, fromCancelTx: fromCancelTx}
			return
		case rpc.FlashbotsCancelled:
			out <- receiptResult{status: types.TxCancelled, fromCancelTx: fromCancelTx}
			return
		default:
			// INCLUDED needs the authoritative receipt; UNKNOWN means the tx
			// may have reached the chain through another provider
		}
	}

	client, ok := w.clients[chainID]
	if !ok {
		out <- receiptResult{err: fmt.Errorf("%w: chain_id=%d", ErrNoChainClient, chainID), fromCancelTx: fromCancelTx}
		return
	}

	receipt, err := client.WaitForReceipt(ctx, hash)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		out <- receiptResult{err: err, fromCancelTx: fromCancelTx}
		return
	}
	out <- receiptResult{receipt: receipt, fromCancelTx: fromCancelTx}
}

func submissionReceipt(r *rpc.Receipt) *types.SubmissionReceipt {
	if r == nil {
		return nil
	}
	return &types.SubmissionReceipt{
		Status:      r.Status,
		BlockNumber: r.BlockNumber,
		GasUsed:     r.GasUsed,
	}
}
