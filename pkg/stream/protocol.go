// Package stream is the agent transport: a long-lived server-sent-events
// channel for responses and notifications, plus HTTP POSTs for calls. The
// wire format is JSON-RPC 2.0 carrying MCP-style tool calls.
package stream

import (
	"encoding/json"
	"errors"
	"fmt"

	"tradedesk/internal/model"
)

// JSON-RPC method names.
const (
	MethodToolsCall  = "tools/call"
	MethodToolsList  = "tools/list"
	MethodNotifyDesk = "notifications/desk"
)

// SSE event names.
const (
	EventEndpoint = "endpoint"
	EventMessage  = "message"
)

// Request is a client → server call.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// CallParams are the params of tools/call.
type CallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// Response answers a Request. Exactly one of Result or Error is set.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a protocol-level failure (unknown method, bad params).
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

// Standard JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
)

// Notification is a server push without an id.
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Content is one block of a tool result.
type Content struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// ToolResult is the result of tools/call. Tool failures are reported with
// IsError and a {"error","kind"} body, not as RPC errors.
type ToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

// ToolError is the body of a failed tool result.
type ToolError struct {
	Error          string `json:"error"`
	Kind           string `json:"kind"`
	AlreadyHandled bool   `json:"already_handled,omitempty"`
}

// TextResult builds a successful result holding v as JSON text.
func TextResult(v interface{}) (ToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return ToolResult{}, err
	}
	return ToolResult{Content: []Content{{Type: "text", Text: string(data)}}}, nil
}

// ErrorResult builds a failed result from err.
func ErrorResult(err error) ToolResult {
	body := ToolError{
		Error:          err.Error(),
		Kind:           model.ErrorKind(err),
		AlreadyHandled: errors.Is(err, model.ErrConflict),
	}
	data, _ := json.Marshal(body)
	return ToolResult{Content: []Content{{Type: "text", Text: string(data)}}, IsError: true}
}

// Text returns the concatenated text content.
func (r ToolResult) Text() string {
	if len(r.Content) == 1 {
		return r.Content[0].Text
	}
	var s string
	for _, c := range r.Content {
		s += c.Text
	}
	return s
}

// Decode unmarshals the text content into v.
func (r ToolResult) Decode(v interface{}) error {
	return json.Unmarshal([]byte(r.Text()), v)
}

// Err returns nil for a successful result, otherwise the tool error wrapped
// in the sentinel matching its kind.
func (r ToolResult) Err() error {
	if !r.IsError {
		return nil
	}
	var te ToolError
	if err := r.Decode(&te); err != nil || te.Error == "" {
		return fmt.Errorf("tool failed: %s", r.Text())
	}
	if sentinel := kindSentinel(te.Kind); sentinel != nil {
		return fmt.Errorf("%w: %s", sentinel, te.Error)
	}
	return errors.New(te.Error)
}

func kindSentinel(kind string) error {
	switch kind {
	case model.KindValidation:
		return model.ErrValidation
	case model.KindNotFound:
		return model.ErrNotFound
	case model.KindConflict:
		return model.ErrConflict
	case model.KindTransport:
		return model.ErrTransport
	case model.KindTimeout:
		return model.ErrTimeout
	}
	return nil
}
