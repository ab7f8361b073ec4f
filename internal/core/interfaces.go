package core

import (
	"context"
	"encoding/json"
)

// Event is the generic push-notification envelope the server sends outside
// request/response correlation. EventType drives all routing.
type Event struct {
	EventType    string          `json:"event_type"`
	EventChannel string          `json:"event_channel"`
	Timestamp    float64         `json:"timestamp"`
	Params       json.RawMessage `json:"params"`
}

// SignalTransport is what the call layer needs from the signaling session.
// Owned by the signal adapter; the adapter must Close() it.
type SignalTransport interface {
	// Call sends a correlated request and waits for its response or timeout.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	Close() error
}

// MediaController is the call layer's view of the peer-connection slots.
type MediaController interface {
	// StartOffer creates the active slot and returns its local offer.
	StartOffer(ctx context.Context) (slotID, sdp string, err error)
	// QueueOffer creates a queued slot for renegotiation and returns
	// its local offer; promotion happens on the remote answer.
	QueueOffer(ctx context.Context) (slotID, sdp string, err error)
	// HandleMessage routes one inbound protocol message (ping, media,
	// answer, bye) to the slot it names. A non-empty reply is an SDP
	// answer the caller must send back.
	HandleMessage(kind, slotID, sdp string) (reply string, err error)
	// RestartICE renegotiates the active slot without dropping the call
	// and returns the restart offer to send.
	RestartICE(ctx context.Context) (slotID, sdp string, err error)
	// Stop tears down every slot and releases its tracks.
	Stop()
}
