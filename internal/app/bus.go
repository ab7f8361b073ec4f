package app

import (
	"encoding/json"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/callkit/internal/core"
	"github.com/dkeye/callkit/internal/domain"
)

// Kind is the closed set of event kinds. Every inbound event name is
// resolved exactly once, at the bus boundary, through kindTable (current
// names) or renameTable (older generation).
type Kind int

const (
	KindUnknown Kind = iota
	KindCallJoined
	KindCallUpdated
	KindCallLeft
	KindCallState
	KindCallPlay
	KindCallConnect
	KindCallRoom
	KindCallPing
	KindCallMedia
	KindCallAnswer
	KindCallBye
	KindMemberJoined
	KindMemberUpdated
	KindMemberLeft
	KindMemberTalking
	KindLayoutChanged
)

type Family int

const (
	FamilyNone Family = iota
	FamilyCall
	FamilyMember
	FamilyLayout
)

var kindTable = map[string]struct {
	kind   Kind
	family Family
}{
	"call.joined":    {KindCallJoined, FamilyCall},
	"call.updated":   {KindCallUpdated, FamilyCall},
	"call.left":      {KindCallLeft, FamilyCall},
	"call.state":     {KindCallState, FamilyCall},
	"call.play":      {KindCallPlay, FamilyCall},
	"call.connect":   {KindCallConnect, FamilyCall},
	"call.room":      {KindCallRoom, FamilyCall},
	"call.ping":      {KindCallPing, FamilyCall},
	"call.media":     {KindCallMedia, FamilyCall},
	"call.answer":    {KindCallAnswer, FamilyCall},
	"call.bye":       {KindCallBye, FamilyCall},
	"member.joined":  {KindMemberJoined, FamilyMember},
	"member.updated": {KindMemberUpdated, FamilyMember},
	"member.left":    {KindMemberLeft, FamilyMember},
	"member.talking": {KindMemberTalking, FamilyMember},
	"layout.changed": {KindLayoutChanged, FamilyLayout},
}

// renameEntry maps an older event name onto a current kind, optionally
// reshaping its payload on the way through.
type renameEntry struct {
	kind    Kind
	family  Family
	reshape func(json.RawMessage) json.RawMessage
}

var renameTable = map[string]renameEntry{
	"video.member.joined":  {KindMemberJoined, FamilyMember, unwrapMember},
	"video.member.updated": {KindMemberUpdated, FamilyMember, unwrapMember},
	"video.member.left":    {KindMemberLeft, FamilyMember, unwrapMember},
	"video.member.talking": {KindMemberTalking, FamilyMember, unwrapMember},
	"video.layout.changed": {KindLayoutChanged, FamilyLayout, unwrapLayout},
	"video.room.started":   {KindCallRoom, FamilyCall, nil},
	"video.room.ended":     {KindCallRoom, FamilyCall, nil},
}

// unwrapMember lifts the "member" object of the older envelope to the
// top level, keeping the outer routing ids.
func unwrapMember(params json.RawMessage) json.RawMessage {
	var outer struct {
		CallID        string          `json:"call_id"`
		RoomSessionID string          `json:"room_session_id"`
		Member        json.RawMessage `json:"member"`
	}
	if err := json.Unmarshal(params, &outer); err != nil || outer.Member == nil {
		return params
	}
	var inner map[string]json.RawMessage
	if err := json.Unmarshal(outer.Member, &inner); err != nil {
		return params
	}
	if _, ok := inner["call_id"]; !ok && outer.CallID != "" {
		inner["call_id"], _ = json.Marshal(outer.CallID)
	}
	if _, ok := inner["room_session_id"]; !ok && outer.RoomSessionID != "" {
		inner["room_session_id"], _ = json.Marshal(outer.RoomSessionID)
	}
	out, err := json.Marshal(inner)
	if err != nil {
		return params
	}
	return out
}

func unwrapLayout(params json.RawMessage) json.RawMessage {
	var outer struct {
		Layout json.RawMessage `json:"layout"`
	}
	if err := json.Unmarshal(params, &outer); err != nil || outer.Layout == nil {
		return params
	}
	return outer.Layout
}

// ClassifiedEvent is one event after kind resolution and id extraction.
type ClassifiedEvent struct {
	Kind          Kind
	Family        Family
	Name          string
	CallID        domain.CallID
	RoomSessionID domain.RoomSessionID
	Params        json.RawMessage
}

type eventHeader struct {
	CallID        string `json:"call_id"`
	RoomSessionID string `json:"room_session_id"`
}

// Classify resolves one wire event into the closed kind set.
func Classify(ev core.Event) (ClassifiedEvent, bool) {
	name := ev.EventType
	params := ev.Params

	entry, ok := kindTable[name]
	if !ok {
		ren, found := renameTable[name]
		if !found {
			return ClassifiedEvent{}, false
		}
		entry.kind = ren.kind
		entry.family = ren.family
		if ren.reshape != nil {
			params = ren.reshape(params)
		}
	}

	var hdr eventHeader
	if len(params) > 0 {
		if err := json.Unmarshal(params, &hdr); err != nil {
			log.Warn().Err(err).Str("module", "app.bus").Str("event", name).Msg("unreadable event header")
		}
	}
	return ClassifiedEvent{
		Kind:          entry.kind,
		Family:        entry.family,
		Name:          name,
		CallID:        domain.CallID(hdr.CallID),
		RoomSessionID: domain.RoomSessionID(hdr.RoomSessionID),
		Params:        params,
	}, true
}

// EventSource is the bus's view of the signaling session.
type EventSource interface {
	Events() <-chan core.Event
	Closed() <-chan struct{}
}

// RouteSink receives classified events; the segment manager implements it.
type RouteSink interface {
	Route(ce ClassifiedEvent)
}

// Bus consumes the inbound event queue on a single goroutine, discards
// events outside this call's namespace before any routing, classifies
// the rest once and forwards them to the sink in arrival order.
type Bus struct {
	source EventSource
	sink   RouteSink
	space  string
}

func NewBus(source EventSource, sink RouteSink, space string) *Bus {
	return &Bus{source: source, sink: sink, space: space}
}

func (b *Bus) Run() {
	for {
		select {
		case ev := <-b.source.Events():
			if !b.owns(ev) {
				log.Debug().Str("module", "app.bus").Str("event", ev.EventType).Str("channel", ev.EventChannel).Msg("foreign event dropped")
				continue
			}
			ce, ok := Classify(ev)
			if !ok {
				log.Warn().Str("module", "app.bus").Str("event", ev.EventType).Msg("unknown event kind")
				continue
			}
			b.sink.Route(ce)
		case <-b.source.Closed():
			log.Info().Str("module", "app.bus").Msg("bus stopped")
			return
		}
	}
}

// owns is the namespace predicate: events for unrelated sessions sharing
// the socket never reach routing.
func (b *Bus) owns(ev core.Event) bool {
	return ev.EventChannel == "" || b.space == "" || ev.EventChannel == b.space
}
