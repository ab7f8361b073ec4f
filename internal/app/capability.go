package app

import (
	"github.com/dkeye/callkit/internal/core"
	"github.com/dkeye/callkit/internal/domain"
)

// Required tokens per command. Room-scoped commands need the same token
// regardless of target; the rest differ between self and other members.
var roomCommandCaps = map[string]string{
	"call.layout.set": domain.CapLayout,
	"call.lock":       domain.CapLock,
	"call.unlock":     domain.CapLock,
}

var selfCommandCaps = map[string]string{
	"call.audio_mute":   domain.CapSelfAudioMute,
	"call.audio_unmute": domain.CapSelfAudioMute,
	"call.video_mute":   domain.CapSelfVideoMute,
	"call.video_unmute": domain.CapSelfVideoMute,
	"call.deaf":         domain.CapSelfDeaf,
	"call.undeaf":       domain.CapSelfDeaf,
	"call.volume.in":    domain.CapSelfVolume,
	"call.volume.out":   domain.CapSelfVolume,
	"call.sensitivity":  domain.CapSelfVolume,
	"call.position.set": domain.CapSelfPosition,
	"call.raisehand":    domain.CapSelfRaiseHand,
	"call.lowerhand":    domain.CapSelfRaiseHand,
}

var memberCommandCaps = map[string]string{
	"call.audio_mute":    domain.CapMemberAudio,
	"call.audio_unmute":  domain.CapMemberAudio,
	"call.video_mute":    domain.CapMemberVideo,
	"call.video_unmute":  domain.CapMemberVideo,
	"call.deaf":          domain.CapMemberDeaf,
	"call.undeaf":        domain.CapMemberDeaf,
	"call.volume.in":     domain.CapMemberVolume,
	"call.volume.out":    domain.CapMemberVolume,
	"call.sensitivity":   domain.CapMemberVolume,
	"call.position.set":  domain.CapMemberPosition,
	"call.member.remove": domain.CapMemberRemove,
}

// Authorize is the pre-flight gate: it confirms the command's required
// token against the target segment's immutable set and fails locally,
// with no network round trip, when the token is absent. Sets are
// evaluated per segment, never merged across segments.
func Authorize(method string, selfTarget bool, seg domain.Segment) error {
	token, gated := roomCommandCaps[method]
	if !gated {
		if selfTarget {
			token, gated = selfCommandCaps[method]
		} else {
			token, gated = memberCommandCaps[method]
		}
	}
	if !gated {
		return nil
	}
	if !seg.Capabilities.Has(token) {
		return &core.CapabilityError{Method: method, Capability: token, Segment: seg.ID}
	}
	return nil
}
