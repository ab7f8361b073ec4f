package app

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/callkit/internal/core"
	"github.com/dkeye/callkit/internal/domain"
)

// Options configures one logical call.
type Options struct {
	Room   string
	Attach bool
}

type joinParams struct {
	Room       string        `json:"room,omitempty"`
	SDP        string        `json:"sdp,omitempty"`
	SlotID     string        `json:"slot_id,omitempty"`
	Attach     bool          `json:"attach,omitempty"`
	PrevCallID domain.CallID `json:"prev_call_id,omitempty"`
}

type joinResult struct {
	CallID        string `json:"call_id"`
	NodeID        string `json:"node_id"`
	RoomSessionID string `json:"room_session_id"`
}

type commandTarget struct {
	MemberID domain.MemberID `json:"member_id"`
	CallID   domain.CallID   `json:"call_id"`
	NodeID   domain.NodeID   `json:"node_id"`
}

// CallSession aggregates the segment workers, the member registry, the
// capability gate and the media slots into the one client-facing call.
type CallSession struct {
	transport core.SignalTransport
	media     core.MediaController
	registry  *Registry
	notifier  *Notifier
	resume    *ResumeController
	opts      Options

	segments *SegmentManager

	mu        sync.RWMutex
	state     domain.CallState
	self      domain.Member
	selfSeg   domain.CallID
	selfNode  domain.NodeID
	selfBound bool
	resuming  bool
	layout    *domain.Layout
	caps      domain.CapabilitySet

	joined   chan struct{}
	joinOnce sync.Once
}

func NewCallSession(
	transport core.SignalTransport,
	media core.MediaController,
	registry *Registry,
	notifier *Notifier,
	resume *ResumeController,
	opts Options,
) *CallSession {
	c := &CallSession{
		transport: transport,
		media:     media,
		registry:  registry,
		notifier:  notifier,
		resume:    resume,
		opts:      opts,
		state:     domain.CallNew,
		joined:    make(chan struct{}),
	}
	c.segments = newSegmentManager(c)
	return c
}

// Route implements RouteSink for the bus.
func (c *CallSession) Route(ce ClassifiedEvent) { c.segments.Route(ce) }

func (c *CallSession) Registry() *Registry        { return c.registry }
func (c *CallSession) Segments() *SegmentManager  { return c.segments }
func (c *CallSession) State() domain.CallState    { c.mu.RLock(); defer c.mu.RUnlock(); return c.state }
func (c *CallSession) Resuming() bool             { c.mu.RLock(); defer c.mu.RUnlock(); return c.resuming }
func (c *CallSession) Caps() domain.CapabilitySet { c.mu.RLock(); defer c.mu.RUnlock(); return c.caps }

// Self returns the bound self member snapshot.
func (c *CallSession) Self() (domain.Member, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.self, c.selfBound
}

func (c *CallSession) Layout() *domain.Layout {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.layout == nil {
		return nil
	}
	snap := *c.layout
	return &snap
}

// Joined is closed once the self member is bound from the origin
// segment's first joined event.
func (c *CallSession) Joined() <-chan struct{} { return c.joined }

// Dial starts the call. With attach enabled, a previously persisted
// call id rides along in the join request; the server decides whether
// it resumes or starts fresh.
func (c *CallSession) Dial(ctx context.Context) error {
	c.setState(domain.CallRequesting)

	var prev domain.CallID
	if c.opts.Attach {
		prev = c.resume.AttachID(ctx)
	}

	slotID, sdp, err := c.media.StartOffer(ctx)
	if err != nil {
		c.setState(domain.CallHangup)
		return err
	}

	res, err := c.transport.Call(ctx, "call.join", joinParams{
		Room:       c.opts.Room,
		SDP:        sdp,
		SlotID:     slotID,
		Attach:     c.opts.Attach,
		PrevCallID: prev,
	})
	if err != nil {
		c.setState(domain.CallHangup)
		if prev != "" {
			return &core.ResumeError{CallID: prev, Err: err}
		}
		return err
	}

	var jr joinResult
	if err := json.Unmarshal(res, &jr); err != nil {
		c.setState(domain.CallHangup)
		return &core.ProtocolError{Reason: "bad call.join result", Err: err}
	}
	c.segments.SetOrigin(domain.CallID(jr.CallID))
	c.setState(domain.CallTrying)
	log.Info().Str("module", "app.call").Str("call_id", jr.CallID).Str("node_id", jr.NodeID).Msg("call requested")
	return nil
}

// Reattach re-joins after the signaling session recovered, suppressing
// duplicate join side effects when the resumed joined event arrives.
func (c *CallSession) Reattach(ctx context.Context) error {
	c.mu.Lock()
	if c.state.Terminal() {
		st := c.state
		c.mu.Unlock()
		return &core.StateError{Op: "call.join", State: st.String()}
	}
	c.resuming = true
	c.mu.Unlock()

	prev := c.resume.AttachID(ctx)
	_, sdp, err := c.media.RestartICE(ctx)
	if err != nil {
		log.Warn().Err(err).Str("module", "app.call").Msg("ice restart on reattach failed, fresh offer")
		_, sdp, err = c.media.StartOffer(ctx)
		if err != nil {
			return err
		}
	}
	res, err := c.transport.Call(ctx, "call.join", joinParams{
		Room:       c.opts.Room,
		SDP:        sdp,
		Attach:     true,
		PrevCallID: prev,
	})
	if err != nil {
		if prev != "" {
			return &core.ResumeError{CallID: prev, Err: err}
		}
		return err
	}
	var jr joinResult
	if err := json.Unmarshal(res, &jr); err != nil {
		return &core.ProtocolError{Reason: "bad call.join result", Err: err}
	}
	c.segments.SetOrigin(domain.CallID(jr.CallID))
	return nil
}

// MediaDown reacts to the media transport dropping: restart ICE on the
// active slot and mark the session resuming, unless identity was
// already re-established.
func (c *CallSession) MediaDown() {
	c.mu.Lock()
	if c.resuming || c.state != domain.CallActive {
		c.mu.Unlock()
		return
	}
	c.resuming = true
	c.mu.Unlock()

	log.Warn().Str("module", "app.call").Msg("media transport down, restarting ICE")
	slotID, sdp, err := c.media.RestartICE(context.Background())
	if err != nil {
		log.Error().Err(err).Str("module", "app.call").Msg("ice restart failed")
		return
	}
	c.sendMedia(slotID, sdp)
}

// UpgradeMedia renegotiates the media transport without interrupting
// the current one: a queued slot's offer goes out and the server's
// answer promotes it, tearing the old active slot down.
func (c *CallSession) UpgradeMedia(ctx context.Context) error {
	if st := c.State(); st != domain.CallActive {
		return &core.StateError{Op: "call.media", State: st.String()}
	}
	slotID, sdp, err := c.media.QueueOffer(ctx)
	if err != nil {
		return err
	}
	_, err = c.transport.Call(ctx, "call.media", map[string]any{"slot_id": slotID, "sdp": sdp})
	return err
}

// Hangup ends the call; the server's call.left events drive teardown.
func (c *CallSession) Hangup(ctx context.Context) error {
	_, err := c.callCommand(ctx, "call.hangup", nil)
	if err != nil {
		return err
	}
	c.setState(domain.CallHangup)
	return nil
}

func (c *CallSession) AudioMute(ctx context.Context, target domain.MemberID) error {
	return c.memberCommand(ctx, "call.audio_mute", target, nil)
}

func (c *CallSession) AudioUnmute(ctx context.Context, target domain.MemberID) error {
	return c.memberCommand(ctx, "call.audio_unmute", target, nil)
}

func (c *CallSession) VideoMute(ctx context.Context, target domain.MemberID) error {
	return c.memberCommand(ctx, "call.video_mute", target, nil)
}

func (c *CallSession) VideoUnmute(ctx context.Context, target domain.MemberID) error {
	return c.memberCommand(ctx, "call.video_unmute", target, nil)
}

func (c *CallSession) Deaf(ctx context.Context, target domain.MemberID) error {
	return c.memberCommand(ctx, "call.deaf", target, nil)
}

func (c *CallSession) Undeaf(ctx context.Context, target domain.MemberID) error {
	return c.memberCommand(ctx, "call.undeaf", target, nil)
}

func (c *CallSession) SetInputVolume(ctx context.Context, target domain.MemberID, volume float64) error {
	return c.memberCommand(ctx, "call.volume.in", target, map[string]any{"volume": volume})
}

func (c *CallSession) SetOutputVolume(ctx context.Context, target domain.MemberID, volume float64) error {
	return c.memberCommand(ctx, "call.volume.out", target, map[string]any{"volume": volume})
}

func (c *CallSession) SetInputSensitivity(ctx context.Context, target domain.MemberID, value float64) error {
	return c.memberCommand(ctx, "call.sensitivity", target, map[string]any{"value": value})
}

func (c *CallSession) SetPosition(ctx context.Context, target domain.MemberID, position string) error {
	return c.memberCommand(ctx, "call.position.set", target, map[string]any{"position": position})
}

func (c *CallSession) SetRaisedHand(ctx context.Context, target domain.MemberID, raised bool) error {
	method := "call.raisehand"
	if !raised {
		method = "call.lowerhand"
	}
	return c.memberCommand(ctx, method, target, nil)
}

func (c *CallSession) RemoveMember(ctx context.Context, target domain.MemberID) error {
	return c.memberCommand(ctx, "call.member.remove", target, nil)
}

func (c *CallSession) SetLayout(ctx context.Context, name string) error {
	return c.memberCommand(ctx, "call.layout.set", "", map[string]any{"layout": name})
}

func (c *CallSession) Lock(ctx context.Context) error {
	return c.memberCommand(ctx, "call.lock", "", nil)
}

func (c *CallSession) Unlock(ctx context.Context) error {
	return c.memberCommand(ctx, "call.unlock", "", nil)
}

// memberCommand runs the capability gate against the target's own
// segment, then sends the command with the self/target envelope.
func (c *CallSession) memberCommand(ctx context.Context, method string, target domain.MemberID, extra map[string]any) error {
	c.mu.RLock()
	self := c.self
	selfSeg := c.selfSeg
	selfNode := c.selfNode
	bound := c.selfBound
	st := c.state
	c.mu.RUnlock()
	if !bound {
		return &core.StateError{Op: method, State: st.String()}
	}
	if target == "" {
		target = self.ID
	}

	seg := c.targetSegment(target, selfSeg)
	if err := Authorize(method, target == self.ID, seg); err != nil {
		return err
	}

	params := map[string]any{
		"self":   commandTarget{MemberID: self.ID, CallID: selfSeg, NodeID: selfNode},
		"target": commandTarget{MemberID: target, CallID: seg.ID, NodeID: seg.NodeID},
	}
	for k, v := range extra {
		params[k] = v
	}
	_, err := c.transport.Call(ctx, method, params)
	return err
}

// callCommand sends an ungated call-scoped command.
func (c *CallSession) callCommand(ctx context.Context, method string, extra map[string]any) (json.RawMessage, error) {
	c.mu.RLock()
	self := c.self
	selfSeg := c.selfSeg
	selfNode := c.selfNode
	bound := c.selfBound
	st := c.state
	c.mu.RUnlock()
	if !bound {
		return nil, &core.StateError{Op: method, State: st.String()}
	}
	params := map[string]any{
		"self": commandTarget{MemberID: self.ID, CallID: selfSeg, NodeID: selfNode},
	}
	for k, v := range extra {
		params[k] = v
	}
	return c.transport.Call(ctx, method, params)
}

// targetSegment finds the segment owning the target member; gates are
// per segment because a redirected segment carries its own token set.
func (c *CallSession) targetSegment(target domain.MemberID, fallback domain.CallID) domain.Segment {
	if m, ok := c.registry.Get(target); ok {
		if seg, ok := c.segments.Segment(m.SegmentID); ok {
			return seg
		}
	}
	if seg, ok := c.segments.Segment(fallback); ok {
		return seg
	}
	return domain.Segment{ID: fallback}
}

func (c *CallSession) onSegmentJoined(seg domain.Segment, p joinedPayload) {
	c.mu.Lock()
	resumed := c.resuming
	c.resuming = false
	rotated := c.selfBound && c.selfSeg != seg.ID

	// Rebind, never copy: the self identity always points at the
	// segment that most recently joined.
	if m, ok := c.registry.Get(seg.SelfMemberID); ok {
		c.self = m
	} else {
		c.self = domain.Member{ID: seg.SelfMemberID, SegmentID: seg.ID, RoomID: p.RoomID}
	}
	c.selfSeg = seg.ID
	c.selfNode = seg.NodeID
	c.selfBound = true
	c.caps = seg.Capabilities
	c.mu.Unlock()

	if rotated {
		log.Info().Str("module", "app.call").Str("call_id", string(seg.ID)).Msg("self rebound to rotated segment")
	}

	// The persisted id must track the live call even across resume;
	// duplicate join side effects beyond that are suppressed.
	c.resume.Joined(seg.ID)
	if !resumed {
		c.setState(domain.CallActive)
	} else {
		log.Info().Str("module", "app.call").Str("call_id", string(seg.ID)).Msg("resumed join, side effects suppressed")
	}
	c.joinOnce.Do(func() { close(c.joined) })
}

func (c *CallSession) onSegmentState(state string) {
	switch state {
	case "trying":
		c.setState(domain.CallTrying)
	case "early":
		c.setState(domain.CallEarly)
	case "active":
		c.setState(domain.CallActive)
	case "held":
		c.setState(domain.CallHeld)
	case "hangup":
		c.setState(domain.CallHangup)
	case "destroy":
		c.setState(domain.CallDestroy)
	default:
		log.Warn().Str("module", "app.call").Str("state", state).Msg("unknown call state")
	}
}

// onSegmentLeft runs after the worker's bulk member removal; the last
// segment leaving destroys the call.
func (c *CallSession) onSegmentLeft(seg domain.Segment, remaining int) {
	log.Info().Str("module", "app.call").Str("call_id", string(seg.ID)).Int("remaining", remaining).Msg("segment left call")
	if remaining > 0 {
		return
	}
	c.media.Stop()
	c.setState(domain.CallHangup)
	c.setState(domain.CallDestroy)
	c.resume.Destroyed()
}

// Destroy force-terminates the whole call locally: every worker stops,
// owned members and slots are released synchronously.
func (c *CallSession) Destroy() {
	c.segments.Stop()
	c.media.Stop()
	if !c.State().Terminal() {
		c.setState(domain.CallDestroy)
		c.resume.Destroyed()
	}
}

func (c *CallSession) onLayoutChanged(l domain.Layout) {
	c.mu.Lock()
	c.layout = &l
	c.mu.Unlock()
	c.notifier.emit(Notice{Kind: NoticeLayoutChanged, Layout: &l})
}

var mediaKindNames = map[Kind]string{
	KindCallPing:   "ping",
	KindCallMedia:  "media",
	KindCallAnswer: "answer",
	KindCallBye:    "bye",
}

// handleMediaEvent routes a slot-addressed protocol message to the slot
// manager and sends back any SDP reply it produces.
func (c *CallSession) handleMediaEvent(ce ClassifiedEvent) {
	var p struct {
		SlotID string `json:"slot_id"`
		SDP    string `json:"sdp"`
	}
	if err := json.Unmarshal(ce.Params, &p); err != nil {
		log.Error().Err(err).Str("module", "app.call").Str("event", ce.Name).Msg("bad media payload")
		return
	}
	reply, err := c.media.HandleMessage(mediaKindNames[ce.Kind], p.SlotID, p.SDP)
	if err != nil {
		log.Error().Err(err).Str("module", "app.call").Str("slot_id", p.SlotID).Str("event", ce.Name).Msg("media message failed")
		return
	}
	if reply != "" {
		c.sendMedia(p.SlotID, reply)
	}
}

const mediaSendTimeout = 10 * time.Second

func (c *CallSession) sendMedia(slotID, sdp string) {
	ctx, cancel := context.WithTimeout(context.Background(), mediaSendTimeout)
	defer cancel()
	params := map[string]any{"slot_id": slotID, "sdp": sdp}
	if _, err := c.transport.Call(ctx, "call.media", params); err != nil {
		log.Error().Err(err).Str("module", "app.call").Str("slot_id", slotID).Msg("send media failed")
	}
}

func (c *CallSession) setState(st domain.CallState) {
	c.mu.Lock()
	if c.state == st || c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = st
	c.mu.Unlock()
	log.Info().Str("module", "app.call").Str("from", prev.String()).Str("to", st.String()).Msg("call state")
	c.notifier.emit(Notice{Kind: NoticeCallStateChanged, State: st})
}
