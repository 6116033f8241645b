// Package rpc defines the JSON frames spoken over the WebSocket and the
// method router that dispatches authenticated requests. Transport concerns
// (sockets, keepalive) live in the server and client packages; this
// package is pure message plumbing so both sides and the tests share it.
package rpc

import (
	"encoding/json"
	"fmt"
)

// Frame type tags.
const (
	TypeConnected       = "connected"
	TypeStatus          = "status"
	TypeLog             = "log"
	TypeRequest         = "rpc_request"
	TypeResponse        = "rpc_response"
	TypePing            = "ping"
	TypePong            = "pong"
	TypeSubscribeLogs   = "subscribe_logs"
	TypeUnsubscribeLogs = "unsubscribe_logs"
)

// Connected is the first server frame on every connection.
type Connected struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connection_id"`
}

// NewConnected builds a connected frame.
func NewConnected(connID string) Connected {
	return Connected{Type: TypeConnected, ConnectionID: connID}
}

// Request is one client RPC call. ID correlates the terminal Response.
type Request struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response terminates one RPC call. Exactly one of Result or Error is set.
type Response struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Ping is the application-level keepalive probe.
type Ping struct {
	Type string `json:"type"`
}

// Pong answers a Ping.
type Pong struct {
	Type string `json:"type"`
}

// Envelope peeks the type tag of an inbound frame.
type Envelope struct {
	Type string `json:"type"`
	ID   string `json:"id,omitempty"`
}

// DecodeType returns the frame type of raw JSON.
func DecodeType(data []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", fmt.Errorf("rpc: decode frame: %w", err)
	}
	return env.Type, nil
}

// NewResult builds a success response, marshaling result.
func NewResult(id string, result any) (Response, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return Response{}, fmt.Errorf("rpc: marshal result: %w", err)
	}
	return Response{Type: TypeResponse, ID: id, Result: data}, nil
}

// NewError builds an error response.
func NewError(id string, rpcErr *Error) Response {
	return Response{Type: TypeResponse, ID: id, Error: rpcErr}
}

