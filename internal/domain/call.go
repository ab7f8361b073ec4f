package domain

type CallState int

const (
	CallNew CallState = iota
	CallRequesting
	CallTrying
	CallEarly
	CallActive
	CallHeld
	CallHangup
	CallDestroy
)

func (s CallState) String() string {
	switch s {
	case CallNew:
		return "new"
	case CallRequesting:
		return "requesting"
	case CallTrying:
		return "trying"
	case CallEarly:
		return "early"
	case CallActive:
		return "active"
	case CallHeld:
		return "held"
	case CallHangup:
		return "hangup"
	case CallDestroy:
		return "destroy"
	}
	return "unknown"
}

// Terminal reports whether no further state transitions are possible.
func (s CallState) Terminal() bool { return s == CallDestroy }

// LayoutPosition is one reserved spot in a video layout.
type LayoutPosition struct {
	Name     string   `json:"name"`
	MemberID MemberID `json:"member_id,omitempty"`
}

// Layout is the last layout.changed snapshot for the call.
type Layout struct {
	Name      string           `json:"name"`
	RoomID    string           `json:"room_id"`
	Positions []LayoutPosition `json:"layers,omitempty"`
}
