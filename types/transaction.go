package types

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// TransactionStatus is the watcher-owned status of a submission.
// Pending is the only non-terminal, re-enterable state. Cancelling is
// transitional: it resolves to Cancelled when the same-nonce cancel tx is
// mined, or to Success/Failed when the original wins the race.
type TransactionStatus string

const (
	TxPending    TransactionStatus = "PENDING"
	TxCancelling TransactionStatus = "CANCELLING"
	TxSuccess    TransactionStatus = "SUCCESS"
	TxFailed     TransactionStatus = "FAILED"
	TxCancelled  TransactionStatus = "CANCELLED"
	// TxUnknown is terminal: polling failed unrecoverably, the record is kept
	// for reconciliation on next start and treated as Failed for UX.
	TxUnknown TransactionStatus = "UNKNOWN"
)

func (s TransactionStatus) Terminal() bool {
	switch s {
	case TxSuccess, TxFailed, TxCancelled, TxUnknown:
		return true
	default:
		return false
	}
}

// AccountType distinguishes signing-capable accounts from watch-only ones.
type AccountType string

const (
	AccountSigner   AccountType = "SIGNER"
	AccountReadOnly AccountType = "READONLY"
)

type Account struct {
	Address string      `json:"address"`
	Type    AccountType `json:"type"`
}

func (a Account) CanSign() bool {
	return a.Type == AccountSigner
}

// TxRequest carries the normalized transaction fields in wire encoding
// (0x-prefixed hex quantities). Normalize is idempotent: retries may re-enter
// the normalization step on an already-normalized request.
type TxRequest struct {
	ChainID              uint64 `json:"chain_id" validate:"required"`
	From                 string `json:"from" validate:"required"`
	To                   string `json:"to"`
	Value                string `json:"value"`
	Data                 string `json:"data"`
	Nonce                uint64 `json:"nonce"`
	GasLimit             uint64 `json:"gas_limit"`
	MaxFeePerGas         string `json:"max_fee_per_gas"`
	MaxPriorityFeePerGas string `json:"max_priority_fee_per_gas"`
	Flashbots            bool   `json:"flashbots"`
}

var ErrInvalidQuantity = errors.New("invalid hex quantity")

// NormalizeQuantity converts a decimal or hex quantity string to canonical
// 0x-hex. Re-running it on its own output returns the same value.
func NormalizeQuantity(v string) (string, error) {
	if v == "" {
		return "0x0", nil
	}
	base := 10
	s := v
	if strings.HasPrefix(strings.ToLower(v), "0x") {
		base = 16
		s = v[2:]
		if s == "" {
			return "", fmt.Errorf("%w: %q", ErrInvalidQuantity, v)
		}
	}
	n, ok := new(big.Int).SetString(s, base)
	if !ok || n.Sign() < 0 {
		return "", fmt.Errorf("%w: %q", ErrInvalidQuantity, v)
	}
	return "0x" + n.Text(16), nil
}

// Normalize returns a copy with all quantity fields in canonical wire
// encoding and addresses lowercased.
func (r TxRequest) Normalize() (TxRequest, error) {
	out := r
	out.From = strings.ToLower(r.From)
	out.To = strings.ToLower(r.To)

	var err error
	out.Value, err = NormalizeQuantity(r.Value)
	if err != nil {
		return TxRequest{}, fmt.Errorf("value: %w", err)
	}
	out.MaxFeePerGas, err = NormalizeQuantity(r.MaxFeePerGas)
	if err != nil {
		return TxRequest{}, fmt.Errorf("max_fee_per_gas: %w", err)
	}
	out.MaxPriorityFeePerGas, err = NormalizeQuantity(r.MaxPriorityFeePerGas)
	if err != nil {
		return TxRequest{}, fmt.Errorf("max_priority_fee_per_gas: %w", err)
	}
	if out.Data != "" && !strings.HasPrefix(out.Data, "0x") {
		return TxRequest{}, fmt.Errorf("data: %w: %q", ErrInvalidQuantity, r.Data)
	}
	return out, nil
}

// QuantityToBig parses a canonical 0x-hex quantity.
func QuantityToBig(v string) (*big.Int, error) {
	if !strings.HasPrefix(v, "0x") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidQuantity, v)
	}
	n, ok := new(big.Int).SetString(v[2:], 16)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidQuantity, v)
	}
	return n, nil
}

// SubmissionRecord is created at the moment of successful broadcast and is
// immutable except for Status and Receipt, both owned exclusively by the
// watcher. NonceKey identifies the logical slot: at most one record per
// (chain, nonce key) may be owned by a watcher at a time.
type SubmissionRecord struct {
	ID        string             `json:"id"`
	ChainID   uint64             `json:"chain_id"`
	Account   string             `json:"account"`
	Hash      string             `json:"hash"`
	Request   TxRequest          `json:"request"`
	Status    TransactionStatus  `json:"status"`
	Flashbots bool               `json:"flashbots"`
	CreatedAt time.Time          `json:"created_at"`
	Receipt   *SubmissionReceipt `json:"receipt,omitempty"`
}

type SubmissionReceipt struct {
	Status      uint64 `json:"status"`
	BlockNumber uint64 `json:"block_number"`
	GasUsed     uint64 `json:"gas_used"`
}

// NonceKey is the logical-slot identifier used for single-owner enforcement.
func (r SubmissionRecord) NonceKey() string {
	return fmt.Sprintf("%d:%s:%d", r.ChainID, strings.ToLower(r.Account), r.Request.Nonce)
}

func (r *SubmissionRecord) Fields() logrus.Fields {
	return logrus.Fields{
		"id":       r.ID,
		"chain_id": r.ChainID,
		"account":  r.Account,
		"tx_hash":  r.Hash,
		"nonce":    r.Request.Nonce,
		"status":   r.Status,
	}
}
