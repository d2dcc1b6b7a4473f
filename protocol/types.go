// Package protocol defines the JSON-RPC 2.0 wire format spoken over the
// persistent WebSocket connection: requests, responses, notifications,
// and the error codes for each failure class.
package protocol

import (
	"encoding/json"
)

const Version = "2.0"

// Methods accepted by the server. The set is closed; the server resolves
// methods through a lookup table and anything else gets ErrCodeMethodNotFound.
const (
	MethodExecute = "execute"
	MethodControl = "control"
	MethodStatus  = "status"
)

// Notification methods pushed by the server without a request id.
const (
	NotifyConnected = "connected"
	NotifyStarted   = "process.started"
	NotifyOutput    = "process.output"
	NotifyCompleted = "process.completed"
	NotifyPing      = "ping"
)

// Standard JSON-RPC 2.0 error codes.
const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603
)

// Application error codes, one per failure class.
const (
	ErrCodeSessionLimit      = -32001
	ErrCodeCommandNotAllowed = -32002
	ErrCodeSessionNotFound   = -32003
	ErrCodeAlreadyExecuting  = -32004
	ErrCodeSpawnFailed       = -32005
	ErrCodeTimeout           = -32006
)

// Control operations accepted by the control method.
const (
	OpPause  = "pause"
	OpResume = "resume"
	OpCancel = "cancel"
)

type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      json.RawMessage `json:"id"`
}

type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string { return e.Message }

type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Parse decodes and validates an inbound request frame. A non-nil *Error
// carries the code the caller should send back (parse error for bad JSON,
// invalid request for a structurally bad frame).
func Parse(data []byte) (*Request, *Error) {
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, &Error{Code: ErrCodeParse, Message: "parse error"}
	}
	if req.JSONRPC != Version {
		return nil, &Error{Code: ErrCodeInvalidRequest, Message: "invalid request: jsonrpc must be \"2.0\""}
	}
	if req.Method == "" {
		return nil, &Error{Code: ErrCodeInvalidRequest, Message: "invalid request: missing method"}
	}
	return &req, nil
}

func NewResponse(id json.RawMessage, result any) Response {
	return Response{JSONRPC: Version, Result: result, ID: id}
}

func NewErrorResponse(id json.RawMessage, code int, message string) Response {
	return Response{JSONRPC: Version, Error: &Error{Code: code, Message: message}, ID: id}
}

func NewNotification(method string, params any) Notification {
	return Notification{JSONRPC: Version, Method: method, Params: params}
}

// ExecuteParams is the payload of the execute method. Args is optional;
// when absent the command string is whitespace-split into an argument
// vector. The command is never run through a shell.
type ExecuteParams struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`

	// Class overrides the command classification used for timeout
	// estimation. Defaults to the executable's base name.
	Class string `json:"class,omitempty"`

	// TimeoutSecs overrides the estimated deadline when positive.
	TimeoutSecs int `json:"timeout,omitempty"`
}

type ControlParams struct {
	Op string `json:"op"`
}

type ExecuteResult struct {
	Status string `json:"status"`
	PID    int    `json:"pid"`
	PGID   int    `json:"pgid"`
}

type ControlResult struct {
	Status string `json:"status"`
}

type ConnectedParams struct {
	SessionID    string   `json:"session_id"`
	Version      string   `json:"version"`
	Capabilities []string `json:"capabilities"`
}

type StartedParams struct {
	PID  int `json:"pid"`
	PGID int `json:"pgid"`
}

type OutputParams struct {
	Stream string `json:"stream"`
	Data   string `json:"data"`
}

// CompletedParams reports final execution status. ExitCode is nil when
// the process never delivered one (for example a force-kill after the
// grace period). DroppedChunks counts buffer evictions across both
// streams; output was flowing faster than the bounds allowed when it
// is nonzero.
type CompletedParams struct {
	Status        string `json:"status"`
	ExitCode      *int   `json:"exit_code,omitempty"`
	DroppedChunks int    `json:"dropped_chunks"`
	TimedOut      bool   `json:"timed_out"`
}

// Execution completion statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusTimedOut  = "timed_out"
)

type PingParams struct {
	Timestamp int64 `json:"ts"`
}

type StatusResult struct {
	SessionID      string `json:"session_id"`
	State          string `json:"state"`
	ActiveSessions int    `json:"active_sessions"`
	MaxSessions    int    `json:"max_sessions"`
	PID            int    `json:"pid,omitempty"`
	PGID           int    `json:"pgid,omitempty"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
}
