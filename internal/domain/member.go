// Package domain contains entities without behavior, just meta-data.
package domain

type MemberID string

// Member is the authoritative per-participant state as last reported by
// the server. All mutation goes through the registry's merge primitive.
type Member struct {
	ID               MemberID `json:"member_id"`
	SegmentID        CallID   `json:"call_id"`
	RoomID           string   `json:"room_id"`
	Name             string   `json:"name"`
	Type             string   `json:"type"`
	AudioMuted       bool     `json:"audio_muted"`
	VideoMuted       bool     `json:"video_muted"`
	Deaf             bool     `json:"deaf"`
	InputVolume      float64  `json:"input_volume"`
	OutputVolume     float64  `json:"output_volume"`
	InputSensitivity float64  `json:"input_sensitivity"`
	Handraised       bool     `json:"handraised"`
	CurrentPosition  string   `json:"current_position"`
	Talking          bool     `json:"talking"`
}

// MemberPatch is a partial member payload. Nil pointers mean "field not
// present"; only present fields are merged into the cached Member.
type MemberPatch struct {
	ID               MemberID `json:"member_id"`
	SegmentID        CallID   `json:"call_id"`
	RoomID           string   `json:"room_id"`
	Name             *string  `json:"name,omitempty"`
	Type             *string  `json:"type,omitempty"`
	AudioMuted       *bool    `json:"audio_muted,omitempty"`
	VideoMuted       *bool    `json:"video_muted,omitempty"`
	Deaf             *bool    `json:"deaf,omitempty"`
	InputVolume      *float64 `json:"input_volume,omitempty"`
	OutputVolume     *float64 `json:"output_volume,omitempty"`
	InputSensitivity *float64 `json:"input_sensitivity,omitempty"`
	Handraised       *bool    `json:"handraised,omitempty"`
	CurrentPosition  *string  `json:"current_position,omitempty"`
	Talking          *bool    `json:"talking,omitempty"`

	// Updated lists the field names the server considers changed in this
	// payload; it drives field-scoped notifications.
	Updated []string `json:"updated,omitempty"`
}

// Apply merges every present field of the patch into m.
func (m *Member) Apply(p MemberPatch) {
	if p.SegmentID != "" {
		m.SegmentID = p.SegmentID
	}
	if p.RoomID != "" {
		m.RoomID = p.RoomID
	}
	if p.Name != nil {
		m.Name = *p.Name
	}
	if p.Type != nil {
		m.Type = *p.Type
	}
	if p.AudioMuted != nil {
		m.AudioMuted = *p.AudioMuted
	}
	if p.VideoMuted != nil {
		m.VideoMuted = *p.VideoMuted
	}
	if p.Deaf != nil {
		m.Deaf = *p.Deaf
	}
	if p.InputVolume != nil {
		m.InputVolume = *p.InputVolume
	}
	if p.OutputVolume != nil {
		m.OutputVolume = *p.OutputVolume
	}
	if p.InputSensitivity != nil {
		m.InputSensitivity = *p.InputSensitivity
	}
	if p.Handraised != nil {
		m.Handraised = *p.Handraised
	}
	if p.CurrentPosition != nil {
		m.CurrentPosition = *p.CurrentPosition
	}
	if p.Talking != nil {
		m.Talking = *p.Talking
	}
}
