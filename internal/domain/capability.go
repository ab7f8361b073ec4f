package domain

// Capability tokens granted by the server in the join payload. Unknown
// tokens are simply not granted; the set never grows after join.
const (
	CapSelfAudioMute  = "self.audio_mute"
	CapSelfVideoMute  = "self.video_mute"
	CapSelfDeaf       = "self.deaf"
	CapSelfPosition   = "self.position"
	CapSelfVolume     = "self.volume"
	CapSelfRaiseHand  = "self.raisehand"
	CapMemberAudio    = "member.audio_mute"
	CapMemberVideo    = "member.video_mute"
	CapMemberDeaf     = "member.deaf"
	CapMemberVolume   = "member.volume"
	CapMemberPosition = "member.position"
	CapMemberRemove   = "member.remove"
	CapLayout         = "layout"
	CapLock           = "lock"
)

type CapabilitySet map[string]struct{}

func NewCapabilitySet(tokens []string) CapabilitySet {
	set := make(CapabilitySet, len(tokens))
	for _, t := range tokens {
		set[t] = struct{}{}
	}
	return set
}

func (c CapabilitySet) Has(token string) bool {
	_, ok := c[token]
	return ok
}

func (c CapabilitySet) List() []string {
	out := make([]string, 0, len(c))
	for t := range c {
		out = append(out, t)
	}
	return out
}
