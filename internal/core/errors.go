package core

import (
	"errors"
	"fmt"

	"github.com/dkeye/callkit/internal/domain"
)

var (
	ErrDisconnected   = errors.New("signaling socket disconnected")
	ErrRequestTimeout = errors.New("signaling request timed out")
	ErrSessionClosed  = errors.New("session closed")
)

// TransportError wraps a connect/send failure on the signaling socket.
// Recoverable via reconnect/backoff unless the attempt cap is exceeded.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport: %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// AuthError is a terminal credential rejection for this socket.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return "auth rejected: " + e.Reason }

// CapabilityError is raised locally, before any network traffic, when a
// command's required token is absent from the target segment's set.
type CapabilityError struct {
	Method     string
	Capability string
	Segment    domain.CallID
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("capability %q required for %s on segment %s", e.Capability, e.Method, e.Segment)
}

// StateError rejects a command issued in a lifecycle state that cannot
// accept it; raised locally, before any network traffic.
type StateError struct {
	Op    string
	State string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s not allowed in call state %s", e.Op, e.State)
}

// ProtocolError marks a malformed or unexpected server payload.
type ProtocolError struct {
	Reason string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("protocol: %s: %v", e.Reason, e.Err)
	}
	return "protocol: " + e.Reason
}
func (e *ProtocolError) Unwrap() error { return e.Err }

// NegotiationError wraps a peer-connection failure on a slot.
type NegotiationError struct {
	SlotID string
	Err    error
}

func (e *NegotiationError) Error() string {
	return fmt.Sprintf("negotiation failed on slot %s: %v", e.SlotID, e.Err)
}
func (e *NegotiationError) Unwrap() error { return e.Err }

// ResumeError records a rejected attach. Callers fall back transparently
// to a fresh call; the server's join response stays authoritative.
type ResumeError struct {
	CallID domain.CallID
	Err    error
}

func (e *ResumeError) Error() string {
	return fmt.Sprintf("resume of call %s failed: %v", e.CallID, e.Err)
}
func (e *ResumeError) Unwrap() error { return e.Err }
