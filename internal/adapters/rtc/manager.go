package rtc

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callkit/internal/core"
)

var errNoActiveSlot = errors.New("no active slot")

type Config struct {
	ICEServers []string

	// Factory overrides peer connection construction (tests).
	Factory func() (PeerConn, error)
}

// Manager owns the negotiation slots: at most one active and one
// queued. Inbound protocol messages are routed strictly by the slot id
// they carry, never assumed to target the active slot.
type Manager struct {
	cfg Config

	mu     sync.Mutex
	active *Slot
	queued *Slot
	onDown func()
}

func NewManager(cfg Config) *Manager {
	return &Manager{cfg: cfg}
}

// OnTransportDown registers the callback fired when the active slot's
// transport reaches disconnected/failed/closed. Set before StartOffer.
func (m *Manager) OnTransportDown(fn func()) { m.onDown = fn }

func (m *Manager) newPeerConn() (PeerConn, error) {
	if m.cfg.Factory != nil {
		return m.cfg.Factory()
	}
	urls := m.cfg.ICEServers
	if len(urls) == 0 {
		urls = []string{"stun:stun.l.google.com:19302"}
	}
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: urls}},
	})
	if err != nil {
		return nil, err
	}
	return pc, nil
}

func (m *Manager) newSlot(role Role) (*Slot, error) {
	pc, err := m.newPeerConn()
	if err != nil {
		return nil, &core.NegotiationError{Err: err}
	}
	s := &Slot{id: uuid.NewString(), role: role, pc: pc, sdpState: "stable"}
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("slot_id", s.id).Str("state", state.String()).Msg("peer state")
		switch state {
		case webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed:
			m.transportDown(s)
		}
	})
	return s, nil
}

func (m *Manager) transportDown(s *Slot) {
	m.mu.Lock()
	isActive := m.active == s
	fn := m.onDown
	m.mu.Unlock()
	if isActive && fn != nil {
		fn()
	}
}

// StartOffer creates the active slot and returns its local offer.
func (m *Manager) StartOffer(ctx context.Context) (string, string, error) {
	m.mu.Lock()
	old := m.active
	m.active = nil
	m.mu.Unlock()
	if old != nil {
		old.stop()
	}

	s, err := m.newSlot(RoleActive)
	if err != nil {
		return "", "", err
	}
	sdp, err := s.createOffer(nil)
	if err != nil {
		s.stop()
		return "", "", err
	}
	m.mu.Lock()
	m.active = s
	m.mu.Unlock()
	return s.id, sdp, nil
}

// QueueOffer creates a queued slot for renegotiation; the prior active
// slot keeps carrying media until the queued one gets its answer.
func (m *Manager) QueueOffer(ctx context.Context) (string, string, error) {
	s, err := m.newSlot(RoleQueued)
	if err != nil {
		return "", "", err
	}
	sdp, err := s.createOffer(nil)
	if err != nil {
		s.stop()
		return "", "", err
	}
	m.mu.Lock()
	old := m.queued
	m.queued = s
	m.mu.Unlock()
	if old != nil {
		old.stop()
	}
	return s.id, sdp, nil
}

// HandleMessage routes one ping/media/answer/bye message to the slot it
// names. A message for a still-negotiating queued slot must not touch
// the active slot's state.
func (m *Manager) HandleMessage(kind, slotID, sdp string) (string, error) {
	s := m.slotByID(slotID)
	if s == nil {
		return "", &core.ProtocolError{Reason: "message for unknown slot " + slotID}
	}

	switch kind {
	case "ping":
		log.Debug().Str("module", "rtc").Str("slot_id", slotID).Msg("slot ping")
		return "", nil
	case "media":
		return s.applyRemoteOffer(sdp)
	case "answer":
		if err := s.applyRemoteAnswer(sdp); err != nil {
			return "", err
		}
		m.promoteIfQueued(s)
		return "", nil
	case "bye":
		m.drop(s)
		return "", nil
	default:
		return "", &core.ProtocolError{Reason: "unknown media message " + kind}
	}
}

// promoteIfQueued swaps a freshly answered queued slot into the active
// role and tears the previous active slot down.
func (m *Manager) promoteIfQueued(s *Slot) {
	m.mu.Lock()
	if m.queued != s {
		m.mu.Unlock()
		return
	}
	old := m.active
	m.queued = nil
	m.active = s
	m.mu.Unlock()

	s.setRole(RoleActive)
	log.Info().Str("module", "rtc").Str("slot_id", s.id).Msg("queued slot promoted")
	if old != nil {
		old.stop()
	}
}

func (m *Manager) drop(s *Slot) {
	m.mu.Lock()
	if m.active == s {
		m.active = nil
	}
	if m.queued == s {
		m.queued = nil
	}
	m.mu.Unlock()
	s.stop()
}

// RestartICE renegotiates the active slot in place.
func (m *Manager) RestartICE(ctx context.Context) (string, string, error) {
	m.mu.Lock()
	s := m.active
	m.mu.Unlock()
	if s == nil {
		return "", "", &core.NegotiationError{Err: errNoActiveSlot}
	}
	sdp, err := s.createOffer(&webrtc.OfferOptions{ICERestart: true})
	if err != nil {
		return "", "", err
	}
	log.Info().Str("module", "rtc").Str("slot_id", s.id).Msg("ICE restart offered")
	return s.id, sdp, nil
}

// Active returns the active slot, if any.
func (m *Manager) Active() *Slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Queued returns the queued slot, if any.
func (m *Manager) Queued() *Slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queued
}

// Stop tears down every slot and releases their tracks.
func (m *Manager) Stop() {
	m.mu.Lock()
	active, queued := m.active, m.queued
	m.active, m.queued = nil, nil
	m.mu.Unlock()
	if queued != nil {
		queued.stop()
	}
	if active != nil {
		active.stop()
	}
}

func (m *Manager) slotByID(id string) *Slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil && m.active.id == id {
		return m.active
	}
	if m.queued != nil && m.queued.id == id {
		return m.queued
	}
	return nil
}
