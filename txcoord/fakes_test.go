package txcoord

import (
	"context"
	"fmt"
	"sync"

	"github.com/walletmesh/coordinator/internal/rpc"
	"github.com/walletmesh/coordinator/types"
)

type fakeSigner struct {
	mu      sync.Mutex
	signErr error
	signed  int
}

func (f *fakeSigner) SignTransaction(_ context.Context, _ string, _ types.TxRequest) ([]byte, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.signErr != nil {
		return nil, "", f.signErr
	}
	f.signed++
	hash := fmt.Sprintf("0xsigned%d", f.signed)
	return []byte("raw-" + hash), hash, nil
}

func (f *fakeSigner) SignMessage(context.Context, string, []byte) ([]byte, error) {
	return []byte("signature"), nil
}

func (f *fakeSigner) SignTypedData(context.Context, string, []byte) ([]byte, error) {
	return []byte("typed-signature"), nil
}

func (f *fakeSigner) signCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signed
}

type receiptOutcome struct {
	receipt *rpc.Receipt
	err     error
}

// fakeChainClient hands out one receipt per hash, delivered on demand by the
// test via deliver/deliverErr.
type fakeChainClient struct {
	chainID      uint64
	mu           sync.Mutex
	broadcastErr error
	broadcasts   []string
	waits        map[string]chan receiptOutcome
}

func newFakeChainClient(chainID uint64) *fakeChainClient {
	return &fakeChainClient{
		chainID: chainID,
		waits:   make(map[string]chan receiptOutcome),
	}
}

func (f *fakeChainClient) ch(txHash string) chan receiptOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.waits[txHash]
	if !ok {
		c = make(chan receiptOutcome, 1)
		f.waits[txHash] = c
	}
	return c
}

func (f *fakeChainClient) deliver(txHash string, status, blockNumber uint64) {
	f.ch(txHash) <- receiptOutcome{receipt: &rpc.Receipt{
		TxHash:      txHash,
		Status:      status,
		BlockNumber: blockNumber,
		GasUsed:     21_000,
	}}
}

func (f *fakeChainClient) deliverErr(txHash string, err error) {
	f.ch(txHash) <- receiptOutcome{err: err}
}

func (f *fakeChainClient) Broadcast(_ context.Context, rawTx []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.broadcastErr != nil {
		return "", f.broadcastErr
	}
	f.broadcasts = append(f.broadcasts, string(rawTx))
	return "", nil
}

func (f *fakeChainClient) broadcastCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.broadcasts)
}

func (f *fakeChainClient) WaitForReceipt(ctx context.Context, txHash string) (*rpc.Receipt, error) {
	select {
	case out := <-f.ch(txHash):
		return out.receipt, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeChainClient) GetBytecode(context.Context, string) ([]byte, error) {
	return nil, nil
}

func (f *fakeChainClient) PendingNonceAt(context.Context, string) (uint64, error) {
	return 0, nil
}

func (f *fakeChainClient) ChainID() uint64 {
	return f.chainID
}

var _ rpc.ChainClient = (*fakeChainClient)(nil)
