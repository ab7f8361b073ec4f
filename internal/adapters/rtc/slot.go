package rtc

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callkit/internal/core"
)

type Role int

const (
	RoleActive Role = iota
	RoleQueued
)

func (r Role) String() string {
	if r == RoleQueued {
		return "queued"
	}
	return "active"
}

// PeerConn is the slice of *webrtc.PeerConnection the slots need;
// narrowed so negotiation can be driven by a stub in tests.
type PeerConn interface {
	CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	ConnectionState() webrtc.PeerConnectionState
	Close() error
}

// Slot is one negotiation attempt of the media transport.
type Slot struct {
	id string

	mu       sync.Mutex
	role     Role
	pc       PeerConn
	sdpState string
	iceState string
	stopped  bool
}

func (s *Slot) ID() string { return s.id }

func (s *Slot) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

func (s *Slot) setRole(r Role) {
	s.mu.Lock()
	s.role = r
	s.mu.Unlock()
}

// SDPState reports where this slot is in offer/answer.
func (s *Slot) SDPState() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sdpState
}

// createOffer builds a local offer and waits for ICE gathering when the
// underlying connection is a real pion one, so the SDP carries its
// candidates.
func (s *Slot) createOffer(opts *webrtc.OfferOptions) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	offer, err := s.pc.CreateOffer(opts)
	if err != nil {
		return "", &core.NegotiationError{SlotID: s.id, Err: err}
	}
	if pion, ok := s.pc.(*webrtc.PeerConnection); ok {
		gathered := webrtc.GatheringCompletePromise(pion)
		if err := s.pc.SetLocalDescription(offer); err != nil {
			return "", &core.NegotiationError{SlotID: s.id, Err: err}
		}
		<-gathered
	} else if err := s.pc.SetLocalDescription(offer); err != nil {
		return "", &core.NegotiationError{SlotID: s.id, Err: err}
	}
	s.sdpState = "have-local-offer"
	if local := s.pc.LocalDescription(); local != nil {
		return local.SDP, nil
	}
	return offer.SDP, nil
}

// applyRemoteOffer answers an inbound media offer on this slot only.
func (s *Slot) applyRemoteOffer(sdp string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := s.pc.SetRemoteDescription(offer); err != nil {
		return "", &core.NegotiationError{SlotID: s.id, Err: err}
	}
	s.sdpState = "have-remote-offer"
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return "", &core.NegotiationError{SlotID: s.id, Err: err}
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return "", &core.NegotiationError{SlotID: s.id, Err: err}
	}
	s.sdpState = "stable"
	return answer.SDP, nil
}

func (s *Slot) applyRemoteAnswer(sdp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := s.pc.SetRemoteDescription(answer); err != nil {
		return &core.NegotiationError{SlotID: s.id, Err: err}
	}
	s.sdpState = "stable"
	return nil
}

// stop closes the peer connection and releases its tracks. Idempotent.
func (s *Slot) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	if err := s.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("slot_id", s.id).Msg("close error")
	} else {
		log.Info().Str("module", "rtc").Str("slot_id", s.id).Msg("slot closed")
	}
}
