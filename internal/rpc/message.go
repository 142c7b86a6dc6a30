// Package rpc implements the JSON-RPC 2.0 protocol layer: message types,
// the method registry, and the request dispatcher.
package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Standard JSON-RPC 2.0 error codes, plus the implementation-defined code
// used for handler-raised domain errors.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeApplication    = -32000
)

// Version is the protocol version carried in every frame.
const Version = "2.0"

// nullID is the id used for error responses when the request id is unknown.
var nullID = json.RawMessage("null")

// Request is an inbound JSON-RPC request or notification (no id).
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// HasID reports whether the request carries a non-null id, i.e. whether the
// caller expects a response.
func (r *Request) HasID() bool {
	return len(r.ID) > 0 && !bytes.Equal(r.ID, nullID)
}

// Response is a successful JSON-RPC response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result"`
}

// ErrorResponse is a failed JSON-RPC response.
type ErrorResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Error   *Error          `json:"error"`
}

// Notification is an id-less server-to-client frame. No response is expected.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

// Error is a JSON-RPC error object. Handlers return *Error to surface a
// domain error verbatim on the wire; any other error maps to an internal
// error with the detail suppressed.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// NewError creates an application-level error with the given message.
func NewError(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// MarshalResponse encodes a success response echoing the request id.
func MarshalResponse(id json.RawMessage, result any) ([]byte, error) {
	return json.Marshal(Response{JSONRPC: Version, ID: id, Result: result})
}

// MarshalError encodes an error response. A nil id becomes JSON null,
// which is what parse errors require.
func MarshalError(id json.RawMessage, rpcErr *Error) ([]byte, error) {
	if len(id) == 0 {
		id = nullID
	}
	return json.Marshal(ErrorResponse{JSONRPC: Version, ID: id, Error: rpcErr})
}

// MarshalNotification encodes an id-less notification frame.
func MarshalNotification(method string, params any) ([]byte, error) {
	if params == nil {
		params = struct{}{}
	}
	return json.Marshal(Notification{JSONRPC: Version, Method: method, Params: params})
}
