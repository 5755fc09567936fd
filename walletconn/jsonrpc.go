package walletconn

import (
	"context"
	"encoding/json"
)

// Error codes from the EIP-1193 / pairing-provider space. Internal failure
// detail never rides on the wire; it is logged and the closest category code
// is sent instead.
const (
	CodeUserRejected  = 4001
	CodeUnauthorized  = 4100
	CodeUnsupported   = 4200
	CodeInvalidParams = -32602
)

var codeMessages = map[int]string{
	CodeUserRejected:  "user rejected the request",
	CodeUnauthorized:  "the requested method/account is not authorized",
	CodeUnsupported:   "the requested method is not supported",
	CodeInvalidParams: "missing or invalid params",
}

type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type Response struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      int64     `json:"id"`
	Result  any       `json:"result,omitempty"`
	Error   *RPCError `json:"error,omitempty"`
}

func ResultResponse(id int64, result any) Response {
	return Response{JSONRPC: "2.0", ID: id, Result: result}
}

func ErrorResponse(id int64, code int) Response {
	return Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: codeMessages[code]}}
}

// InboundRequest is one JSON-RPC call delivered by the pairing transport.
type InboundRequest struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// Transport delivers protocol responses back to the remote dApp. The
// coordinator consumes this surface, it does not implement the relay.
type Transport interface {
	Respond(ctx context.Context, sessionID string, res Response) error
}
