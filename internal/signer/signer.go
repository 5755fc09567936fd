package signer

import (
	"context"
	"errors"
	"strings"

	"github.com/walletmesh/coordinator/types"
)

// Closed error taxonomy for signing failures. Callers branch on these with
// errors.Is; anything a backend reports outside the set is wrapped as a
// generic signing failure. None of them are retried automatically.
var (
	ErrUserRejected       = errors.New("user rejected signing")
	ErrAccountLocked      = errors.New("account is locked")
	ErrUnsupportedAccount = errors.New("account type cannot sign")
	ErrAccountNotFound    = errors.New("account not found")
)

// Signer produces signed payloads for an account.
type Signer interface {
	// SignTransaction returns the raw signed transaction and its hash.
	SignTransaction(ctx context.Context, account string, req types.TxRequest) (rawTx []byte, txHash string, err error)
	SignMessage(ctx context.Context, account string, msg []byte) ([]byte, error)
	// SignTypedData signs an EIP-712 payload given as its JSON encoding.
	SignTypedData(ctx context.Context, account string, typedData []byte) ([]byte, error)
}

// Normalize maps arbitrary backend errors into the closed taxonomy. Strings
// are matched loosely because signer backends differ in how they phrase
// rejection and lock states.
func Normalize(err error) error {
	if err == nil {
		return nil
	}
	for _, known := range []error{ErrUserRejected, ErrAccountLocked, ErrUnsupportedAccount, ErrAccountNotFound} {
		if errors.Is(err, known) {
			return err
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rejected"), strings.Contains(msg, "denied"):
		return errors.Join(ErrUserRejected, err)
	case strings.Contains(msg, "locked"):
		return errors.Join(ErrAccountLocked, err)
	case strings.Contains(msg, "unsupported"), strings.Contains(msg, "watch-only"), strings.Contains(msg, "read-only"):
		return errors.Join(ErrUnsupportedAccount, err)
	default:
		return err
	}
}
