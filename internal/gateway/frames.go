// Package gateway implements the duplex correlated-frame client for the
// OpenClaw Gateway. One persistent WebSocket carries three frame kinds:
// requests (relay → gateway, correlated by id), responses (gateway → relay)
// and server-push events. The client owns the handshake, the pending-request
// registry, the tick liveness watchdog and the reconnect loop.
package gateway

import (
	"encoding/json"
	"fmt"
)

// frame is the wire representation of every message on the socket.
// Type discriminates: "req" uses ID/Method/Params, "res" uses
// ID/OK/Payload/Error, "event" uses Event/Payload/Seq.
type frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *wireError      `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
	Seq     int64           `json:"seq,omitempty"`
}

// wireError is the error object on a failed response frame.
type wireError struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	Retryable    bool   `json:"retryable,omitempty"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

// Event is a server-push event delivered to the registered sink.
// Handshake and tick events are consumed internally and never reach it.
type Event struct {
	Name    string
	Payload json.RawMessage
	Seq     int64
}

// HelloOk is the connection-scoped handshake response. It is published on
// a successful connect and cleared when the socket closes.
type HelloOk struct {
	Protocol int `json:"protocol"`
	Policy   struct {
		TickIntervalMs int64 `json:"tickIntervalMs"`
	} `json:"policy"`
	Features *struct {
		Methods []string `json:"methods"`
		Events  []string `json:"events"`
	} `json:"features,omitempty"`
	Auth *struct {
		Role   string   `json:"role"`
		Scopes []string `json:"scopes"`
	} `json:"auth,omitempty"`
}

// validate rejects hello payloads the relay cannot operate against.
// The tick interval drives the liveness watchdog, so a missing or
// non-positive value is a protocol violation.
func (h *HelloOk) validate() error {
	if h.Protocol <= 0 {
		return fmt.Errorf("hello missing protocol version")
	}
	if h.Policy.TickIntervalMs <= 0 {
		return fmt.Errorf("hello missing policy.tickIntervalMs")
	}
	return nil
}

// ─── Errors ──────────────────────────────────────────────────────────────────

// Error is a gateway-reported request failure (res with ok=false).
type Error struct {
	Code         string
	Message      string
	Retryable    bool
	RetryAfterMs int64
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("gateway error: %s", e.Message)
	}
	return fmt.Sprintf("gateway error [%s]: %s", e.Code, e.Message)
}

// TimeoutError is returned when a request's deadline expires before the
// matching response arrives.
type TimeoutError struct {
	Method string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("gateway request %q timed out", e.Method)
}

// ClosedError terminates every pending request when the socket closes.
type ClosedError struct {
	Code   int
	Reason string
}

func (e *ClosedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("gateway connection closed (code %d)", e.Code)
	}
	return fmt.Sprintf("gateway connection closed (code %d): %s", e.Code, e.Reason)
}
