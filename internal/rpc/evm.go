package rpc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum"
	gethcommon "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
)

const defaultTimeout = 30 * time.Second

type EvmClient struct {
	chainID     uint64
	receiptPoll time.Duration
	client      *ethclient.Client
}

var _ ChainClient = (*EvmClient)(nil)

func NewEvmClient(c context.Context, chainID uint64, rpcURL string, receiptPoll time.Duration) (*EvmClient, error) {
	ctx, cancel := context.WithTimeout(c, defaultTimeout)
	defer cancel()

	cl, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("ethclient.DialContext: %w", err)
	}

	if receiptPoll <= 0 {
		receiptPoll = 4 * time.Second
	}

	return &EvmClient{
		chainID:     chainID,
		receiptPoll: receiptPoll,
		client:      cl,
	}, nil
}

func (c *EvmClient) ChainID() uint64 {
	return c.chainID
}

func (c *EvmClient) Broadcast(ct context.Context, rawTx []byte) (string, error) {
	ctx, cancel := context.WithTimeout(ct, defaultTimeout)
	defer cancel()

	tx := new(types.Transaction)
	err := tx.UnmarshalBinary(rawTx)
	if err != nil {
		return "", fmt.Errorf("tx.UnmarshalBinary: %w", err)
	}

	err = c.client.SendTransaction(ctx, tx)
	if err != nil {
		return "", fmt.Errorf("c.client.SendTransaction: %w", err)
	}
	return tx.Hash().Hex(), nil
}

const maxConsecutiveReceiptErrs = 10

// WaitForReceipt polls for the receipt until it appears or ctx is cancelled.
// ethereum.NotFound means not mined yet. Transient transport errors keep the
// poll loop going; only a run of consecutive failures is treated as
// unrecoverable and surfaced to the caller.
func (c *EvmClient) WaitForReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	hash := gethcommon.HexToHash(txHash)
	consecutiveErrs := 0
	for {
		rec, err := c.getReceipt(ctx, hash)
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			consecutiveErrs++
			if consecutiveErrs >= maxConsecutiveReceiptErrs {
				return nil, fmt.Errorf("c.getReceipt: %w", err)
			}
		} else {
			consecutiveErrs = 0
		}
		if rec != nil {
			return rec, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(c.receiptPoll):
		}
	}
}

func (c *EvmClient) getReceipt(ct context.Context, hash gethcommon.Hash) (*Receipt, error) {
	ctx, cancel := context.WithTimeout(ct, defaultTimeout)
	defer cancel()

	rec, err := c.client.TransactionReceipt(ctx, hash)
	if err != nil {
		return nil, err
	}
	return &Receipt{
		TxHash:            hash.Hex(),
		Status:            rec.Status,
		BlockNumber:       rec.BlockNumber.Uint64(),
		GasUsed:           rec.GasUsed,
		EffectiveGasPrice: rec.EffectiveGasPrice,
		ConfirmedAt:       time.Now().Unix(),
	}, nil
}

func (c *EvmClient) GetBytecode(ct context.Context, address string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ct, defaultTimeout)
	defer cancel()

	code, err := c.client.CodeAt(ctx, gethcommon.HexToAddress(address), nil)
	if err != nil {
		return nil, fmt.Errorf("c.client.CodeAt: %w", err)
	}
	return code, nil
}

func (c *EvmClient) PendingNonceAt(ct context.Context, address string) (uint64, error) {
	ctx, cancel := context.WithTimeout(ct, defaultTimeout)
	defer cancel()

	nonce, err := c.client.PendingNonceAt(ctx, gethcommon.HexToAddress(address))
	if err != nil {
		return 0, fmt.Errorf("c.client.PendingNonceAt: %w", err)
	}
	return nonce, nil
}
