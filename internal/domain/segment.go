package domain

type (
	CallID        string
	RoomSessionID string
	NodeID        string
)

type SegmentState int

const (
	SegmentNew SegmentState = iota
	SegmentJoined
	SegmentLeft
)

func (s SegmentState) String() string {
	switch s {
	case SegmentNew:
		return "new"
	case SegmentJoined:
		return "joined"
	case SegmentLeft:
		return "left"
	}
	return "unknown"
}

// Segment is one leg of a logical call. Several segments can compose one
// user-facing call across redirect, reattach and steering.
type Segment struct {
	ID            CallID
	RoomSessionID RoomSessionID
	OriginCallID  CallID
	NodeID        NodeID
	Capabilities  CapabilitySet
	SelfMemberID  MemberID
	State         SegmentState
}

// Origin reports whether this segment is the origin leg of its call.
func (s *Segment) Origin() bool {
	return s.OriginCallID == "" || s.OriginCallID == s.ID
}

// Matches reports whether an event carrying the given ids belongs to this
// segment. The room-session match is deliberately permissive: early events
// may omit the call id.
func (s *Segment) Matches(callID CallID, roomSessionID RoomSessionID) bool {
	if callID != "" && callID == s.ID {
		return true
	}
	return roomSessionID != "" && roomSessionID == s.RoomSessionID
}
