package txcoord

import (
	"errors"
	"fmt"
)

var ErrNoChainClient = errors.New("no RPC client for chain")

// SigningError wraps a failure from the signer gateway. Submission stops
// before any broadcast; never retried automatically.
type SigningError struct {
	Err error
}

func (e *SigningError) Error() string {
	return fmt.Sprintf("signing failed: %v", e.Err)
}

func (e *SigningError) Unwrap() error {
	return e.Err
}

// BroadcastError wraps an RPC rejection of the raw transaction (nonce too
// low, insufficient funds). Resubmission needs caller-chosen new parameters,
// so there is no retry.
type BroadcastError struct {
	Err error
}

func (e *BroadcastError) Error() string {
	return fmt.Sprintf("broadcast failed: %v", e.Err)
}

func (e *BroadcastError) Unwrap() error {
	return e.Err
}
