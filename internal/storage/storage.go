package storage

import (
	"context"
	"errors"
	"fmt"
)

// ErrAborted is returned from an Update closure to leave the stored value
// untouched without failing the call.
var ErrAborted = errors.New("update aborted")

// UpdateFn receives the current value (ok=false when the key is absent) and
// returns the value to store. Returning ErrAborted keeps the old value.
type UpdateFn func(old []byte, ok bool) ([]byte, error)

// Store is the persistent key-value store every in-flight record lives in.
// Update must be serialized per key: two concurrent read-modify-writes of the
// same key must not lose either write.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Update(ctx context.Context, key string, fn UpdateFn) error
	List(ctx context.Context, prefix string) (map[string][]byte, error)
	Close() error
}

const (
	txPrefix      = "tx:"
	requestPrefix = "wcreq:"
	sessionPrefix = "wcsess:"
)

// TxKey derives the stable storage key for a submission record.
func TxKey(account string, id string) string {
	return fmt.Sprintf("%s%s:%s", txPrefix, account, id)
}

// RequestKey derives the stable storage key for a pending signing request.
func RequestKey(account string, internalID string) string {
	return fmt.Sprintf("%s%s:%s", requestPrefix, account, internalID)
}

// SessionKey derives the stable storage key for a pairing session.
func SessionKey(id string) string {
	return sessionPrefix + id
}

func TxPrefix() string      { return txPrefix }
func RequestPrefix() string { return requestPrefix }
func SessionPrefix() string { return sessionPrefix }
