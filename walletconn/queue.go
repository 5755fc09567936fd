package walletconn

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/walletmesh/coordinator/internal/metrics"
	"github.com/walletmesh/coordinator/internal/storage"
	"github.com/walletmesh/coordinator/types"
)

type queueEntry struct {
	Seq        uint64          `json:"seq"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Request    json.RawMessage `json:"request"`
}

type queuedRequest struct {
	seq uint64
	req types.SigningRequest
}

// Queue is the ordered list of signing requests awaiting user action.
// Oldest-first is the display order; nothing reorders entries. Contents are
// persisted next to session data so a killed process does not drop an
// awaiting dApp request.
type Queue struct {
	logger  *logrus.Logger
	store   storage.Store
	metrics *metrics.Metrics

	mu      sync.Mutex
	entries []queuedRequest
	seq     uint64
}

func NewQueue(logger *logrus.Logger, store storage.Store, m *metrics.Metrics) *Queue {
	return &Queue{
		logger:  logger.WithField("pkg", "walletconn.queue").Logger,
		store:   store,
		metrics: m,
	}
}

// Load restores persisted entries in their original order. Entries whose
// session is no longer open are pruned: the dApp side of that pairing is gone
// and can never receive a response.
func (q *Queue) Load(ctx context.Context, sessions *SessionStore) error {
	rows, err := q.store.List(ctx, storage.RequestPrefix())
	if err != nil {
		return fmt.Errorf("q.store.List: %w", err)
	}

	restored := make([]queuedRequest, 0, len(rows))
	var maxSeq uint64
	for key, data := range rows {
		var entry queueEntry
		er := json.Unmarshal(data, &entry)
		if er != nil {
			return fmt.Errorf("json.Unmarshal key=%s: %w", key, er)
		}
		req, er := types.UnmarshalRequest(entry.Request)
		if er != nil {
			return fmt.Errorf("types.UnmarshalRequest key=%s: %w", key, er)
		}
		if entry.Seq > maxSeq {
			maxSeq = entry.Seq
		}

		if !sessions.IsOpen(req.Meta().SessionID) {
			q.logger.WithFields(logrus.Fields{
				"internal_id": req.Meta().InternalID,
				"session_id":  req.Meta().SessionID,
			}).Info("pruning request for closed session")
			er = q.store.Delete(ctx, key)
			if er != nil {
				q.logger.Errorf("failed to delete pruned request key=%s: %v", key, er)
			}
			continue
		}
		restored = append(restored, queuedRequest{seq: entry.Seq, req: req})
	}

	sort.Slice(restored, func(i, j int) bool { return restored[i].seq < restored[j].seq })

	q.mu.Lock()
	q.entries = restored
	q.seq = maxSeq
	q.metrics.SetQueueDepth(len(q.entries))
	q.mu.Unlock()

	q.logger.WithField("count", len(restored)).Info("pending requests restored")
	return nil
}

// Enqueue is total: it never fails. A persistence error loses durability for
// the one entry but the request still reaches the in-memory queue and the
// approval UI.
func (q *Queue) Enqueue(ctx context.Context, req types.SigningRequest) {
	q.mu.Lock()
	q.seq++
	seq := q.seq
	q.entries = append(q.entries, queuedRequest{seq: seq, req: req})
	depth := len(q.entries)
	q.mu.Unlock()
	q.metrics.SetQueueDepth(depth)

	payload, err := types.MarshalRequest(req)
	if err != nil {
		q.logger.Errorf("failed to encode request %s, kept in memory only: %v", req.Meta().InternalID, err)
		return
	}
	data, err := json.Marshal(queueEntry{Seq: seq, EnqueuedAt: time.Now().UTC(), Request: payload})
	if err != nil {
		q.logger.Errorf("failed to encode queue entry %s, kept in memory only: %v", req.Meta().InternalID, err)
		return
	}
	err = q.store.Set(ctx, storage.RequestKey(req.Meta().Account, req.Meta().InternalID), data)
	if err != nil {
		q.logger.Errorf("failed to persist request %s, kept in memory only: %v", req.Meta().InternalID, err)
	}
}

// Dequeue removes the first entry matching (internalID, account). Absence is
// a no-op, not an error: dismissal and approval can both race to dequeue the
// same entry.
func (q *Queue) Dequeue(ctx context.Context, internalID, account string) {
	q.mu.Lock()
	idx := -1
	for i, entry := range q.entries {
		meta := entry.req.Meta()
		if meta.InternalID == internalID && strings.EqualFold(meta.Account, account) {
			idx = i
			break
		}
	}
	if idx < 0 {
		q.mu.Unlock()
		return
	}
	// the persisted key uses the account exactly as it was enqueued
	storedAccount := q.entries[idx].req.Meta().Account
	q.entries = append(q.entries[:idx], q.entries[idx+1:]...)
	depth := len(q.entries)
	q.mu.Unlock()
	q.metrics.SetQueueDepth(depth)

	err := q.store.Delete(ctx, storage.RequestKey(storedAccount, internalID))
	if err != nil {
		q.logger.Errorf("failed to delete persisted request %s: %v", internalID, err)
	}
}

// Pending returns the queue contents oldest-first.
func (q *Queue) Pending() []types.SigningRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]types.SigningRequest, 0, len(q.entries))
	for _, entry := range q.entries {
		out = append(out, entry.req)
	}
	return out
}

// FindBatch returns the queued batched-calls request with the given batch id
// for the account, if any.
func (q *Queue) FindBatch(batchID, account string) (types.BatchedCallsRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, entry := range q.entries {
		batch, ok := entry.req.(types.BatchedCallsRequest)
		if !ok {
			continue
		}
		if batch.BatchID == batchID && strings.EqualFold(batch.Account, account) {
			return batch, true
		}
	}
	return types.BatchedCallsRequest{}, false
}
