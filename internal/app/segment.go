package app

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/callkit/internal/domain"
)

// SegmentManager keys one worker per live segment and routes classified
// events to the owning worker's mailbox. Matching is permissive: a
// strict call-id hit or a room-session fallback both qualify, and no
// dedup is applied across workers matched by different strategies.
type SegmentManager struct {
	call *CallSession

	mu      sync.Mutex
	workers map[domain.CallID]*segmentWorker
	origin  domain.CallID
	held    []ClassifiedEvent
}

func newSegmentManager(call *CallSession) *SegmentManager {
	return &SegmentManager{
		call:    call,
		workers: make(map[domain.CallID]*segmentWorker),
	}
}

// SetOrigin records the session-level origin call id from the join
// response; the very first joined event may arrive without a call id
// and is matched against it. Joined events that raced ahead of the
// join response are replayed here.
func (m *SegmentManager) SetOrigin(id domain.CallID) {
	m.mu.Lock()
	m.origin = id
	held := m.held
	m.held = nil
	m.mu.Unlock()
	for _, ce := range held {
		m.Route(ce)
	}
}

// Route delivers one classified event to every matching worker, in the
// bus goroutine's arrival order. A joined event with no matching worker
// spawns a fresh segment.
func (m *SegmentManager) Route(ce ClassifiedEvent) {
	m.mu.Lock()
	var targets []*segmentWorker
	for _, w := range m.workers {
		if w.matches(ce.CallID, ce.RoomSessionID) {
			targets = append(targets, w)
		}
	}
	if len(targets) == 0 && ce.Kind == KindCallJoined {
		id := ce.CallID
		if id == "" {
			id = m.origin
		}
		if id == "" {
			// The join response has not landed yet; SetOrigin replays
			// the event once the origin id is known.
			m.held = append(m.held, ce)
			m.mu.Unlock()
			log.Debug().Str("module", "app.segment").Msg("joined event held until origin resolves")
			return
		}
		ce.CallID = id
		targets = append(targets, m.spawnLocked(id, ce.RoomSessionID))
	}
	m.mu.Unlock()

	if len(targets) == 0 {
		log.Debug().Str("module", "app.segment").Str("event", ce.Name).Str("call_id", string(ce.CallID)).Msg("no segment for event")
		return
	}
	for _, w := range targets {
		w.enqueue(ce)
	}
}

func (m *SegmentManager) spawnLocked(id domain.CallID, rsID domain.RoomSessionID) *segmentWorker {
	w := &segmentWorker{
		call: m.call,
		mgr:  m,
		seg: domain.Segment{
			ID:            id,
			RoomSessionID: rsID,
			OriginCallID:  m.origin,
			State:         domain.SegmentNew,
		},
		mailbox: make(chan ClassifiedEvent, 64),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	m.workers[id] = w
	log.Info().Str("module", "app.segment").Str("call_id", string(id)).Msg("segment spawned")
	go w.run()
	return w
}

func (m *SegmentManager) remove(id domain.CallID) int {
	m.mu.Lock()
	delete(m.workers, id)
	n := len(m.workers)
	m.mu.Unlock()
	return n
}

// Segment returns a snapshot of the segment with the given id.
func (m *SegmentManager) Segment(id domain.CallID) (domain.Segment, bool) {
	m.mu.Lock()
	w, ok := m.workers[id]
	m.mu.Unlock()
	if !ok {
		return domain.Segment{}, false
	}
	return w.snapshot(), true
}

// Stop cancels every worker and waits for their cleanup to finish.
func (m *SegmentManager) Stop() {
	m.mu.Lock()
	workers := make([]*segmentWorker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.Unlock()

	for _, w := range workers {
		w.stop()
	}
	for _, w := range workers {
		<-w.done
	}
}

// segmentWorker consumes its mailbox in FIFO order and owns its
// Segment value; NEW → JOINED → LEFT, LEFT terminal.
type segmentWorker struct {
	call *CallSession
	mgr  *SegmentManager

	mu  sync.RWMutex
	seg domain.Segment

	mailbox  chan ClassifiedEvent
	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
}

// joinedPayload is the params shape of call.joined.
type joinedPayload struct {
	CallID        string               `json:"call_id"`
	RoomSessionID string               `json:"room_session_id"`
	OriginCallID  string               `json:"origin_call_id"`
	NodeID        string               `json:"node_id"`
	RoomID        string               `json:"room_id"`
	MemberID      string               `json:"member_id"`
	Capabilities  []string             `json:"capabilities"`
	Members       []domain.MemberPatch `json:"members,omitempty"`
}

func (w *segmentWorker) matches(callID domain.CallID, rsID domain.RoomSessionID) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.seg.Matches(callID, rsID)
}

func (w *segmentWorker) snapshot() domain.Segment {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.seg
}

func (w *segmentWorker) enqueue(ce ClassifiedEvent) {
	select {
	case w.mailbox <- ce:
	case <-w.done:
	}
}

func (w *segmentWorker) stop() {
	w.quitOnce.Do(func() { close(w.quit) })
}

func (w *segmentWorker) run() {
	defer close(w.done)
	for {
		select {
		case ce := <-w.mailbox:
			if w.handle(ce) {
				return
			}
		case <-w.quit:
			w.terminate()
			return
		}
	}
}

// handle processes one event; true means the segment reached LEFT.
func (w *segmentWorker) handle(ce ClassifiedEvent) bool {
	switch ce.Kind {
	case KindCallJoined:
		w.handleJoined(ce)
	case KindCallState, KindCallUpdated:
		w.handleState(ce)
	case KindCallLeft:
		w.terminate()
		return true
	case KindCallPing, KindCallMedia, KindCallAnswer, KindCallBye:
		w.call.handleMediaEvent(ce)
	case KindCallPlay, KindCallConnect, KindCallRoom:
		log.Debug().Str("module", "app.segment").Str("event", ce.Name).Str("call_id", string(ce.CallID)).Msg("segment event")
	case KindMemberJoined:
		if p, ok := w.memberPatch(ce); ok {
			w.call.registry.ApplyJoined(p)
		}
	case KindMemberUpdated:
		if p, ok := w.memberPatch(ce); ok {
			w.call.registry.ApplyUpdated(p)
		}
	case KindMemberLeft:
		if p, ok := w.memberPatch(ce); ok {
			w.call.registry.Remove(p.ID)
		}
	case KindMemberTalking:
		if p, ok := w.memberPatch(ce); ok {
			w.call.registry.ApplyTalking(p)
		}
	case KindLayoutChanged:
		w.handleLayout(ce)
	}
	return false
}

func (w *segmentWorker) handleJoined(ce ClassifiedEvent) {
	w.mu.RLock()
	state := w.seg.State
	w.mu.RUnlock()
	if state == domain.SegmentJoined {
		// Replayed joins happen; not an error.
		log.Warn().Str("module", "app.segment").Str("call_id", string(ce.CallID)).Msg("duplicate joined, ignored")
		return
	}

	var p joinedPayload
	if err := json.Unmarshal(ce.Params, &p); err != nil {
		log.Error().Err(err).Str("module", "app.segment").Msg("bad joined payload")
		return
	}

	w.mu.Lock()
	if p.CallID != "" {
		w.seg.ID = domain.CallID(p.CallID)
	}
	if p.RoomSessionID != "" {
		w.seg.RoomSessionID = domain.RoomSessionID(p.RoomSessionID)
	}
	if p.OriginCallID != "" {
		w.seg.OriginCallID = domain.CallID(p.OriginCallID)
	}
	w.seg.NodeID = domain.NodeID(p.NodeID)
	w.seg.Capabilities = domain.NewCapabilitySet(p.Capabilities)
	w.seg.SelfMemberID = domain.MemberID(p.MemberID)
	w.seg.State = domain.SegmentJoined
	seg := w.seg
	w.mu.Unlock()

	log.Info().Str("module", "app.segment").Str("call_id", string(seg.ID)).Str("member_id", p.MemberID).Msg("segment joined")

	// Room snapshots arrive inside the join; seed the registry before
	// the self member becomes observable.
	for _, mp := range p.Members {
		if mp.SegmentID == "" {
			mp.SegmentID = seg.ID
		}
		w.call.registry.ApplyJoined(mp)
	}
	w.call.onSegmentJoined(seg, p)
}

func (w *segmentWorker) handleState(ce ClassifiedEvent) {
	var p struct {
		CallState string `json:"call_state"`
	}
	if err := json.Unmarshal(ce.Params, &p); err != nil {
		log.Error().Err(err).Str("module", "app.segment").Msg("bad state payload")
		return
	}
	w.call.onSegmentState(p.CallState)
}

func (w *segmentWorker) handleLayout(ce ClassifiedEvent) {
	var l domain.Layout
	if err := json.Unmarshal(ce.Params, &l); err != nil {
		log.Error().Err(err).Str("module", "app.segment").Msg("bad layout payload")
		return
	}
	w.call.onLayoutChanged(l)
}

// memberPatch decodes a member payload, defaulting the segment id to
// this worker's so bulk removal on LEFT finds every member.
func (w *segmentWorker) memberPatch(ce ClassifiedEvent) (domain.MemberPatch, bool) {
	var p domain.MemberPatch
	if err := json.Unmarshal(ce.Params, &p); err != nil {
		log.Error().Err(err).Str("module", "app.segment").Str("event", ce.Name).Msg("bad member payload")
		return domain.MemberPatch{}, false
	}
	if p.ID == "" {
		log.Warn().Str("module", "app.segment").Str("event", ce.Name).Msg("member payload without id")
		return domain.MemberPatch{}, false
	}
	if p.SegmentID == "" {
		w.mu.RLock()
		p.SegmentID = w.seg.ID
		w.mu.RUnlock()
	}
	return p, true
}

// terminate is the segment's only exit. Members are bulk-removed and
// the worker deregistered before the call is notified, synchronously.
func (w *segmentWorker) terminate() {
	w.mu.Lock()
	if w.seg.State == domain.SegmentLeft {
		w.mu.Unlock()
		return
	}
	w.seg.State = domain.SegmentLeft
	seg := w.seg
	w.mu.Unlock()

	log.Info().Str("module", "app.segment").Str("call_id", string(seg.ID)).Msg("segment left")
	w.call.registry.RemoveBySegment(seg.ID)
	remaining := w.mgr.remove(seg.ID)
	w.call.onSegmentLeft(seg, remaining)
}
