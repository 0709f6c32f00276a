// Package a2a implements the agent-to-agent JSON-RPC client. Agents expose
// a single "message/send" method; a non-streaming call returns one JSON-RPC
// response document while a streaming call (params.stream = true) returns a
// framed chunk stream that is never parsed as a single JSON document.
package a2a

import "fmt"

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Error is a JSON-RPC error returned by the remote agent. It is distinct
// from transport failures: the HTTP exchange succeeded and the agent
// answered with a structured refusal.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("a2a error %d: %s", e.Code, e.Message)
}
