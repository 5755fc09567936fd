package txcoord

import (
	"context"
	"fmt"
	"math/big"

	"github.com/walletmesh/coordinator/types"
)

const cancelGasLimit = 21_000

// feeBumpPercent is the minimum priority-fee increase most nodes require
// before accepting a same-nonce replacement.
const feeBumpPercent = 10

// broadcastCancel signs and broadcasts a zero-value self-transfer with the
// record's nonce. No new record is created: the cancellation is tracked
// through the original record's Cancelling state.
func (w *Watcher) broadcastCancel(ctx context.Context, rec types.SubmissionRecord, req CancelRequest) (string, error) {
	maxFee := req.MaxFeePerGas
	maxPriority := req.MaxPriorityFeePerGas
	var err error
	if maxFee == "" {
		maxFee, err = bumpQuantity(rec.Request.MaxFeePerGas, feeBumpPercent)
		if err != nil {
			return "", fmt.Errorf("bumpQuantity(max_fee): %w", err)
		}
	}
	if maxPriority == "" {
		maxPriority, err = bumpQuantity(rec.Request.MaxPriorityFeePerGas, feeBumpPercent)
		if err != nil {
			return "", fmt.Errorf("bumpQuantity(max_priority_fee): %w", err)
		}
	}

	cancelTx := types.TxRequest{
		ChainID:              rec.ChainID,
		From:                 rec.Account,
		To:                   rec.Account,
		Value:                "0x0",
		Nonce:                rec.Request.Nonce,
		GasLimit:             cancelGasLimit,
		MaxFeePerGas:         maxFee,
		MaxPriorityFeePerGas: maxPriority,
	}
	cancelTx, err = cancelTx.Normalize()
	if err != nil {
		return "", fmt.Errorf("cancelTx.Normalize: %w", err)
	}

	client, ok := w.clients[rec.ChainID]
	if !ok {
		return "", fmt.Errorf("%w: chain_id=%d", ErrNoChainClient, rec.ChainID)
	}

	rawTx, txHash, err := w.sig.SignTransaction(ctx, rec.Account, cancelTx)
	if err != nil {
		return "", fmt.Errorf("w.sig.SignTransaction: %w", err)
	}

	hash, err := client.Broadcast(ctx, rawTx)
	if err != nil {
		return "", fmt.Errorf("client.Broadcast: %w", err)
	}
	if hash == "" {
		hash = txHash
	}
	return hash, nil
}

// bumpQuantity raises a canonical hex quantity by pct percent, rounding up.
func bumpQuantity(quantity string, pct int64) (string, error) {
	n, err := types.QuantityToBig(quantity)
	if err != nil {
		return "", err
	}
	bumped := new(big.Int).Mul(n, big.NewInt(100+pct))
	bumped.Add(bumped, big.NewInt(99))
	bumped.Div(bumped, big.NewInt(100))
	return "0x" + bumped.Text(16), nil
}
