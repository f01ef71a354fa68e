// Package ipc implements the JSON-RPC 2.0 server that is crystalmathd's
// sole external entry point: one Unix domain socket, Content-Length-framed
// (internal/codec) request/response traffic plus server-initiated
// notifications for subscribed events.
package ipc

import (
	"encoding/json"
	"errors"

	"github.com/crystalmath/crystalmathd/internal/crystalerr"
)

// request is an inbound JSON-RPC 2.0 call. id is nil for a notification
// (no response expected); this server never sends pure notifications to
// itself, so every inbound message it accepts is a call.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// response is an outbound JSON-RPC 2.0 reply or notification. Notifications
// carry Method/Params and omit ID/Result/Error.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
}

type rpcError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

func errorResponse(id json.RawMessage, err error) *response {
	return &response{JSONRPC: "2.0", ID: id, Error: toRPCError(err)}
}

func resultResponse(id json.RawMessage, result any) *response {
	return &response{JSONRPC: "2.0", ID: id, Result: result}
}

func notification(method string, params any) *response {
	return &response{JSONRPC: "2.0", Method: method, Params: params}
}

// toRPCError maps a crystalerr.Error to its wire code; any other error is
// reported as an opaque internal error so implementation details never leak
// to an RPC client.
func toRPCError(err error) *rpcError {
	var ce *crystalerr.Error
	if !errors.As(err, &ce) {
		return &rpcError{Code: crystalerr.CodeInternalError, Message: "internal error"}
	}
	return &rpcError{Code: ce.Kind.RPCCode(), Message: ce.Error(), Data: ce.Data}
}
