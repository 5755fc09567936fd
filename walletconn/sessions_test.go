package walletconn

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/walletmesh/coordinator/internal/storage"
	"github.com/walletmesh/coordinator/types"
)

func TestSessionStoreAddRemove(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	s := NewSessionStore(testLogger(), store)

	sess := types.Session{ID: "s1", ActiveAccount: "0xaaa", Chains: []uint64{1}}
	require.NoError(t, s.Add(ctx, sess))

	got, ok := s.Get("s1")
	require.True(t, ok)
	require.Equal(t, "0xaaa", got.ActiveAccount)

	s.Remove(ctx, "s1")
	_, ok = s.Get("s1")
	require.False(t, ok)

	// redundant disconnects are a logged no-op
	s.Remove(ctx, "s1")
	s.Remove(ctx, "never-existed")
}

func TestSessionStoreLoad(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()

	s := NewSessionStore(testLogger(), store)
	require.NoError(t, s.Add(ctx, types.Session{ID: "s1", ActiveAccount: "0xaaa"}))
	require.NoError(t, s.Add(ctx, types.Session{ID: "s2", ActiveAccount: "0xbbb"}))

	restored := NewSessionStore(testLogger(), store)
	require.NoError(t, restored.Load(ctx))
	require.Len(t, restored.List(), 2)
	require.True(t, restored.IsOpen("s1"))
	require.True(t, restored.IsOpen("s2"))
}

func TestSessionStoreSinglePendingSlot(t *testing.T) {
	s := NewSessionStore(testLogger(), storage.NewMemoryStorage())

	s.AddPending(types.Session{ID: "p1"})
	s.AddPending(types.Session{ID: "p2"})

	// a second pairing attempt replaces the slot, it does not queue
	pending, ok := s.Pending()
	require.True(t, ok)
	require.Equal(t, "p2", pending.ID)

	// removing a stale id leaves the current attempt in place
	s.RemovePending("p1")
	_, ok = s.Pending()
	require.True(t, ok)

	s.RemovePending("p2")
	_, ok = s.Pending()
	require.False(t, ok)
}

func TestSessionStoreApprove(t *testing.T) {
	ctx := context.Background()
	s := NewSessionStore(testLogger(), storage.NewMemoryStorage())

	_, err := s.Approve(ctx)
	require.ErrorIs(t, err, ErrNoSession)

	s.AddPending(types.Session{ID: "p1", ActiveAccount: "0xaaa"})
	sess, err := s.Approve(ctx)
	require.NoError(t, err)
	require.Equal(t, "p1", sess.ID)
	require.True(t, s.IsOpen("p1"))
	_, ok := s.Pending()
	require.False(t, ok)
}

func TestSessionStoreSetCapabilities(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	s := NewSessionStore(testLogger(), store)

	require.NoError(t, s.Add(ctx, types.Session{ID: "s1", ActiveAccount: "0xaaa"}))
	require.NoError(t, s.SetCapabilities(ctx, "s1", types.SessionCapabilities{AtomicBatch: true}))

	got, _ := s.Get("s1")
	require.NotNil(t, got.Capabilities)
	require.True(t, got.Capabilities.AtomicBatch)

	// declared capabilities survive a restart
	restored := NewSessionStore(testLogger(), store)
	require.NoError(t, restored.Load(ctx))
	got, _ = restored.Get("s1")
	require.NotNil(t, got.Capabilities)
	require.True(t, got.Capabilities.AtomicBatch)

	require.ErrorIs(t, s.SetCapabilities(ctx, "missing", types.SessionCapabilities{}), ErrNoSession)
}

func TestSessionStoreSetActiveAccount(t *testing.T) {
	ctx := context.Background()
	s := NewSessionStore(testLogger(), storage.NewMemoryStorage())

	require.NoError(t, s.Add(ctx, types.Session{ID: "s1", ActiveAccount: "0xaaa"}))
	require.NoError(t, s.SetActiveAccount(ctx, "s1", "0xBBB"))

	got, _ := s.Get("s1")
	require.Equal(t, "0xbbb", got.ActiveAccount)

	require.ErrorIs(t, s.SetActiveAccount(ctx, "missing", "0xccc"), ErrNoSession)
}
