package types

import (
	"encoding/json"
	"fmt"
)

// JSON-RPC methods the pairing surface accepts.
const (
	MethodEthSendTransaction    = "eth_sendTransaction"
	MethodPersonalSign          = "personal_sign"
	MethodSignTypedData         = "eth_signTypedData"
	MethodSignTypedDataV4       = "eth_signTypedData_v4"
	MethodWalletSendCalls       = "wallet_sendCalls"
	MethodWalletGetCallsStatus  = "wallet_getCallsStatus"
	MethodWalletGetCapabilities = "wallet_getCapabilities"
)

type RequestType string

const (
	RequestSign            RequestType = "SIGN"
	RequestTransaction     RequestType = "TRANSACTION"
	RequestBatchedCalls    RequestType = "BATCHED_CALLS"
	RequestGetCallsStatus  RequestType = "GET_CALLS_STATUS"
	RequestGetCapabilities RequestType = "GET_CAPABILITIES"
)

type DappInfo struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Icon string `json:"icon,omitempty"`
}

// RequestMeta carries the fields common to every signing request variant.
type RequestMeta struct {
	SessionID  string   `json:"session_id"`
	InternalID string   `json:"internal_id"`
	Account    string   `json:"account"`
	ChainID    uint64   `json:"chain_id"`
	Dapp       DappInfo `json:"dapp"`
}

// SigningRequest is the tagged union of inbound dApp requests. Entries are
// immutable once enqueued; attaching derived fields produces a new variant
// with a fresh internal id rather than mutating in place.
type SigningRequest interface {
	Meta() RequestMeta
	Type() RequestType
}

type SignRequest struct {
	RequestMeta
	Method     string `json:"method"`
	Message    string `json:"message"`
	RawMessage string `json:"raw_message"`
}

func (r SignRequest) Meta() RequestMeta { return r.RequestMeta }
func (r SignRequest) Type() RequestType { return RequestSign }

type TransactionRequest struct {
	RequestMeta
	Transaction TxRequest `json:"transaction"`
}

func (r TransactionRequest) Meta() RequestMeta { return r.RequestMeta }
func (r TransactionRequest) Type() RequestType { return RequestTransaction }

type BatchedCall struct {
	To    string `json:"to"`
	Value string `json:"value,omitempty"`
	Data  string `json:"data,omitempty"`
}

type BatchedCallsRequest struct {
	RequestMeta
	BatchID      string                     `json:"batch_id"`
	Calls        []BatchedCall              `json:"calls"`
	Capabilities map[string]json.RawMessage `json:"capabilities,omitempty"`
	// EncodedTx is the quoting-service envelope, present only on the
	// augmented copy re-enqueued after a successful quote.
	EncodedTx string `json:"encoded_tx,omitempty"`
}

func (r BatchedCallsRequest) Meta() RequestMeta { return r.RequestMeta }
func (r BatchedCallsRequest) Type() RequestType { return RequestBatchedCalls }

type GetCallsStatusRequest struct {
	RequestMeta
	BatchID string `json:"batch_id"`
}

func (r GetCallsStatusRequest) Meta() RequestMeta { return r.RequestMeta }
func (r GetCallsStatusRequest) Type() RequestType { return RequestGetCallsStatus }

type GetCapabilitiesRequest struct {
	RequestMeta
	RequestedAccount string   `json:"requested_account"`
	ChainIDs         []uint64 `json:"chain_ids,omitempty"`
}

func (r GetCapabilitiesRequest) Meta() RequestMeta { return r.RequestMeta }
func (r GetCapabilitiesRequest) Type() RequestType { return RequestGetCapabilities }

// Discriminators used by approval flows, not by the queue itself.

func IsTransactionRequest(r SigningRequest) bool {
	return r.Type() == RequestTransaction
}

func IsPersonalSignRequest(r SigningRequest) bool {
	sr, ok := r.(SignRequest)
	return ok && sr.Method == MethodPersonalSign
}

func IsBatchedTransactionRequest(r SigningRequest) bool {
	return r.Type() == RequestBatchedCalls
}

type requestEnvelope struct {
	Type    RequestType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// MarshalRequest encodes a request with its variant tag for persistence.
func MarshalRequest(r SigningRequest) ([]byte, error) {
	payload, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("json.Marshal: %w", err)
	}
	return json.Marshal(requestEnvelope{Type: r.Type(), Payload: payload})
}

// UnmarshalRequest decodes a persisted request back into its concrete variant.
func UnmarshalRequest(data []byte) (SigningRequest, error) {
	var env requestEnvelope
	err := json.Unmarshal(data, &env)
	if err != nil {
		return nil, fmt.Errorf("json.Unmarshal envelope: %w", err)
	}

	decode := func(v SigningRequest) (SigningRequest, error) {
		er := json.Unmarshal(env.Payload, v)
		if er != nil {
			return nil, fmt.Errorf("json.Unmarshal payload: %w", er)
		}
		return v, nil
	}

	switch env.Type {
	case RequestSign:
		r, err := decode(&SignRequest{})
		if err != nil {
			return nil, err
		}
		return *r.(*SignRequest), nil
	case RequestTransaction:
		r, err := decode(&TransactionRequest{})
		if err != nil {
			return nil, err
		}
		return *r.(*TransactionRequest), nil
	case RequestBatchedCalls:
		r, err := decode(&BatchedCallsRequest{})
		if err != nil {
			return nil, err
		}
		return *r.(*BatchedCallsRequest), nil
	case RequestGetCallsStatus:
		r, err := decode(&GetCallsStatusRequest{})
		if err != nil {
			return nil, err
		}
		return *r.(*GetCallsStatusRequest), nil
	case RequestGetCapabilities:
		r, err := decode(&GetCapabilitiesRequest{})
		if err != nil {
			return nil, err
		}
		return *r.(*GetCapabilitiesRequest), nil
	default:
		return nil, fmt.Errorf("unknown request type %q", env.Type)
	}
}
