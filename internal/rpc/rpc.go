package rpc

import (
	"context"
	"math/big"
)

// Receipt is the subset of an on-chain receipt the coordinator acts on.
type Receipt struct {
	TxHash            string   `json:"tx_hash"`
	Status            uint64   `json:"status"` // 1 success, 0 revert
	BlockNumber       uint64   `json:"block_number"`
	GasUsed           uint64   `json:"gas_used"`
	EffectiveGasPrice *big.Int `json:"effective_gas_price"`
	ConfirmedAt       int64    `json:"confirmed_at"`
}

func (r *Receipt) Success() bool {
	return r.Status == 1
}

// ChainClient submits raw transactions and reports their fate. WaitForReceipt
// blocks until the transaction is mined or ctx is cancelled; it never times
// out on its own, the caller must race it.
type ChainClient interface {
	Broadcast(ctx context.Context, rawTx []byte) (string, error)
	WaitForReceipt(ctx context.Context, txHash string) (*Receipt, error)
	GetBytecode(ctx context.Context, address string) ([]byte, error)
	PendingNonceAt(ctx context.Context, address string) (uint64, error)
	ChainID() uint64
}
