package signal

import (
	"encoding/json"
	"fmt"
)

// request is the outbound JSON-RPC envelope.
type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// inbound covers both shapes the server sends on one socket: correlated
// responses (ID set) and push-event envelopes (EventType set).
type inbound struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`

	EventType    string          `json:"event_type,omitempty"`
	EventChannel string          `json:"event_channel,omitempty"`
	Timestamp    float64         `json:"timestamp,omitempty"`
	Params       json.RawMessage `json:"params,omitempty"`
}

// connectParams is the auth handshake payload. Token-only auth leaves
// Project empty.
type connectParams struct {
	Project  string `json:"project,omitempty"`
	Token    string `json:"token"`
	Protocol string `json:"protocol,omitempty"`
}

// connectResult is the server's answer to auth.connect.
type connectResult struct {
	Protocol  string `json:"protocol"`
	SessionID string `json:"session_id,omitempty"`
}
