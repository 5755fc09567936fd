package txcoord

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/walletmesh/coordinator/internal/storage"
	"github.com/walletmesh/coordinator/types"
)

func testRecord(id string, status types.TransactionStatus) types.SubmissionRecord {
	return types.SubmissionRecord{
		ID:      id,
		ChainID: 1,
		Account: "0xabc0000000000000000000000000000000000001",
		Hash:    "0x" + id,
		Request: types.TxRequest{
			ChainID: 1,
			From:    "0xabc0000000000000000000000000000000000001",
			Nonce:   7,
		},
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}
}

func TestRepoSaveGet(t *testing.T) {
	ctx := context.Background()
	repo := NewRepo(storage.NewMemoryStorage())

	rec := testRecord("a1", types.TxPending)
	require.NoError(t, repo.Save(ctx, rec))

	got, err := repo.Get(ctx, rec.Account, rec.ID)
	require.NoError(t, err)
	require.Equal(t, rec.ID, got.ID)
	require.Equal(t, types.TxPending, got.Status)

	_, err = repo.Get(ctx, rec.Account, "missing")
	require.ErrorIs(t, err, ErrNoRecord)
}

func TestRepoIncomplete(t *testing.T) {
	ctx := context.Background()
	repo := NewRepo(storage.NewMemoryStorage())

	require.NoError(t, repo.Save(ctx, testRecord("p1", types.TxPending)))
	require.NoError(t, repo.Save(ctx, testRecord("p2", types.TxCancelling)))
	require.NoError(t, repo.Save(ctx, testRecord("d1", types.TxSuccess)))
	require.NoError(t, repo.Save(ctx, testRecord("d2", types.TxCancelled)))

	recs, err := repo.Incomplete(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	for _, rec := range recs {
		require.False(t, rec.Status.Terminal())
	}
}

func TestRepoFinalizeAppliesOnce(t *testing.T) {
	ctx := context.Background()
	repo := NewRepo(storage.NewMemoryStorage())

	rec := testRecord("f1", types.TxPending)
	require.NoError(t, repo.Save(ctx, rec))

	applied, err := repo.Finalize(ctx, rec.Account, rec.ID, types.TxSuccess, &types.SubmissionReceipt{Status: 1, BlockNumber: 100})
	require.NoError(t, err)
	require.True(t, applied)

	// a late race loser must not overwrite the winner
	applied, err = repo.Finalize(ctx, rec.Account, rec.ID, types.TxCancelled, nil)
	require.NoError(t, err)
	require.False(t, applied)

	got, err := repo.Get(ctx, rec.Account, rec.ID)
	require.NoError(t, err)
	require.Equal(t, types.TxSuccess, got.Status)
	require.NotNil(t, got.Receipt)
	require.EqualValues(t, 100, got.Receipt.BlockNumber)
}

// contendedStore mimics the redis optimistic-update loop losing its first
// write: the closure runs once against a stale snapshot, then again against
// the value a concurrent writer committed in between.
type contendedStore struct {
	*storage.MemoryStorage
	stale []byte
}

func (s *contendedStore) Update(ctx context.Context, key string, fn storage.UpdateFn) error {
	_, err := fn(s.stale, true)
	if err != nil && err != storage.ErrAborted {
		return err
	}
	return s.MemoryStorage.Update(ctx, key, fn)
}

func TestRepoFinalizeRetriedUpdateReportsLoss(t *testing.T) {
	ctx := context.Background()

	rec := testRecord("r1", types.TxPending)
	stale, err := json.Marshal(rec)
	require.NoError(t, err)

	store := &contendedStore{MemoryStorage: storage.NewMemoryStorage(), stale: stale}
	repo := NewRepo(store)

	won := rec
	won.Status = types.TxSuccess
	require.NoError(t, repo.Save(ctx, won))

	// the first closure run saw a pending snapshot, but the committed value is
	// already terminal: the retried attempt lost and must say so
	applied, err := repo.Finalize(ctx, rec.Account, rec.ID, types.TxFailed, nil)
	require.NoError(t, err)
	require.False(t, applied)

	got, err := repo.Get(ctx, rec.Account, rec.ID)
	require.NoError(t, err)
	require.Equal(t, types.TxSuccess, got.Status)
}

func TestRepoSetStatusRefusesTerminal(t *testing.T) {
	ctx := context.Background()
	repo := NewRepo(storage.NewMemoryStorage())

	rec := testRecord("s1", types.TxPending)
	require.NoError(t, repo.Save(ctx, rec))

	applied, err := repo.SetStatus(ctx, rec.Account, rec.ID, types.TxCancelling)
	require.NoError(t, err)
	require.True(t, applied)

	_, err = repo.SetStatus(ctx, rec.Account, rec.ID, types.TxSuccess)
	require.Error(t, err)

	// once terminal, SetStatus is a no-op even for valid statuses
	_, err = repo.Finalize(ctx, rec.Account, rec.ID, types.TxCancelled, nil)
	require.NoError(t, err)
	applied, err = repo.SetStatus(ctx, rec.Account, rec.ID, types.TxPending)
	require.NoError(t, err)
	require.False(t, applied)
}
