package txcoord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/walletmesh/coordinator/internal/storage"
	"github.com/walletmesh/coordinator/types"
)

var ErrNoRecord = errors.New("submission record not found")

// Repo persists submission records in the shared key-value store. All status
// writes go through the store's atomic update primitive so a watcher finalize
// and a concurrent replay re-read can never race a lost update.
type Repo struct {
	store storage.Store
}

func NewRepo(store storage.Store) *Repo {
	return &Repo{store: store}
}

func (r *Repo) Save(ctx context.Context, rec types.SubmissionRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("json.Marshal: %w", err)
	}
	err = r.store.Set(ctx, storage.TxKey(rec.Account, rec.ID), data)
	if err != nil {
		return fmt.Errorf("r.store.Set: %w", err)
	}
	return nil
}

func (r *Repo) Get(ctx context.Context, account, id string) (types.SubmissionRecord, error) {
	data, ok, err := r.store.Get(ctx, storage.TxKey(account, id))
	if err != nil {
		return types.SubmissionRecord{}, fmt.Errorf("r.store.Get: %w", err)
	}
	if !ok {
		return types.SubmissionRecord{}, ErrNoRecord
	}

	var rec types.SubmissionRecord
	err = json.Unmarshal(data, &rec)
	if err != nil {
		return types.SubmissionRecord{}, fmt.Errorf("json.Unmarshal: %w", err)
	}
	return rec, nil
}

// Delete removes a record outright. Used for records displaced on their nonce
// lane: once another same-nonce transaction is terminal they can never mine.
func (r *Repo) Delete(ctx context.Context, account, id string) error {
	err := r.store.Delete(ctx, storage.TxKey(account, id))
	if err != nil {
		return fmt.Errorf("r.store.Delete: %w", err)
	}
	return nil
}

// Incomplete returns every persisted record still in a non-terminal state.
// Used by startup replay.
func (r *Repo) Incomplete(ctx context.Context) ([]types.SubmissionRecord, error) {
	rows, err := r.store.List(ctx, storage.TxPrefix())
	if err != nil {
		return nil, fmt.Errorf("r.store.List: %w", err)
	}

	var out []types.SubmissionRecord
	for key, data := range rows {
		var rec types.SubmissionRecord
		er := json.Unmarshal(data, &rec)
		if er != nil {
			return nil, fmt.Errorf("json.Unmarshal key=%s: %w", key, er)
		}
		if rec.Status.Terminal() {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// SetStatus writes a non-terminal status transition (Pending <-> Cancelling).
// It refuses to touch a record that already reached a terminal state and
// reports whether the write was applied.
func (r *Repo) SetStatus(ctx context.Context, account, id string, status types.TransactionStatus) (bool, error) {
	if status.Terminal() {
		return false, errors.New("SetStatus is for non-terminal transitions, use Finalize")
	}
	return r.transition(ctx, account, id, status, nil)
}

// Finalize applies a terminal status exactly once. A record already terminal
// is left untouched and applied=false is returned, which is how late race
// losers find out they lost.
func (r *Repo) Finalize(ctx context.Context, account, id string, status types.TransactionStatus, receipt *types.SubmissionReceipt) (bool, error) {
	if !status.Terminal() {
		return false, errors.New("Finalize requires a terminal status")
	}
	return r.transition(ctx, account, id, status, receipt)
}

func (r *Repo) transition(
	ctx context.Context,
	account, id string,
	status types.TransactionStatus,
	receipt *types.SubmissionReceipt,
) (bool, error) {
	applied := false
	err := r.store.Update(ctx, storage.TxKey(account, id), func(old []byte, ok bool) ([]byte, error) {
		// the store may re-run the closure after losing an optimistic write;
		// only the attempt that actually commits may report applied
		applied = false
		if !ok {
			return nil, ErrNoRecord
		}

		var rec types.SubmissionRecord
		er := json.Unmarshal(old, &rec)
		if er != nil {
			return nil, fmt.Errorf("json.Unmarshal: %w", er)
		}

		if rec.Status.Terminal() {
			return nil, storage.ErrAborted
		}

		rec.Status = status
		if receipt != nil {
			rec.Receipt = receipt
		}
		applied = true
		return json.Marshal(rec)
	})
	if err != nil {
		return false, fmt.Errorf("r.store.Update: %w", err)
	}
	return applied, nil
}
