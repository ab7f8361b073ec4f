package app

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/callkit/internal/domain"
)

// Registry is the authoritative per-participant cache. It is the only
// state shared across segment workers; get-or-create-then-merge is the
// sole mutation primitive and holds the lock for the whole merge, so
// update-after-create races across segments cannot interleave.
type Registry struct {
	mu       sync.RWMutex
	members  map[domain.MemberID]*domain.Member
	notifier *Notifier
}

func NewRegistry(notifier *Notifier) *Registry {
	return &Registry{
		members:  make(map[domain.MemberID]*domain.Member),
		notifier: notifier,
	}
}

// ApplyJoined creates the member if absent and merges the payload.
// Re-applying an identical payload is idempotent; the joined notice
// fires only on creation.
func (r *Registry) ApplyJoined(p domain.MemberPatch) domain.Member {
	r.mu.Lock()
	m, created := r.getOrCreateLocked(p.ID)
	m.Apply(p)
	snap := *m
	r.mu.Unlock()

	if created {
		log.Info().Str("module", "app.registry").Str("member_id", string(p.ID)).Msg("member joined")
		r.notifier.emit(Notice{Kind: NoticeMemberJoined, Member: snap})
	}
	return snap
}

// ApplyUpdated creates the member if absent, merges present fields and
// emits the generic updated notice plus one field-scoped notice per
// entry in the payload's updated list.
func (r *Registry) ApplyUpdated(p domain.MemberPatch) domain.Member {
	r.mu.Lock()
	m, created := r.getOrCreateLocked(p.ID)
	m.Apply(p)
	snap := *m
	r.mu.Unlock()

	if created {
		log.Warn().Str("module", "app.registry").Str("member_id", string(p.ID)).Msg("updated for unseen member, created")
	}
	r.notifier.emit(Notice{Kind: NoticeMemberUpdated, Member: snap})
	for _, field := range p.Updated {
		r.notifier.emit(Notice{Kind: NoticeMemberUpdated + "." + field, Member: snap})
	}
	return snap
}

// ApplyTalking never creates: the payload is minimal and requires a
// pre-existing member. Emits the generic talking notice plus the
// directional pair in both naming generations.
func (r *Registry) ApplyTalking(p domain.MemberPatch) (domain.Member, bool) {
	if p.Talking == nil {
		return domain.Member{}, false
	}
	r.mu.Lock()
	m, ok := r.members[p.ID]
	if !ok {
		r.mu.Unlock()
		log.Warn().Str("module", "app.registry").Str("member_id", string(p.ID)).Msg("talking for unknown member, dropped")
		return domain.Member{}, false
	}
	m.Talking = *p.Talking
	snap := *m
	r.mu.Unlock()

	r.notifier.emit(Notice{Kind: NoticeMemberTalking, Member: snap})
	if snap.Talking {
		r.notifier.emit(Notice{Kind: NoticeTalkingStarted, Member: snap})
		r.notifier.emit(Notice{Kind: NoticeTalkingStartLegacy, Member: snap})
	} else {
		r.notifier.emit(Notice{Kind: NoticeTalkingEnded, Member: snap})
		r.notifier.emit(Notice{Kind: NoticeTalkingStopLegacy, Member: snap})
	}
	return snap, true
}

// Remove drops one member on its own left event.
func (r *Registry) Remove(id domain.MemberID) (domain.Member, bool) {
	r.mu.Lock()
	m, ok := r.members[id]
	if !ok {
		r.mu.Unlock()
		return domain.Member{}, false
	}
	snap := *m
	delete(r.members, id)
	r.mu.Unlock()

	log.Info().Str("module", "app.registry").Str("member_id", string(id)).Msg("member removed")
	r.notifier.emit(Notice{Kind: NoticeMemberLeft, Member: snap})
	return snap, true
}

// RemoveBySegment bulk-removes every member of a terminated segment,
// even when no individual left events arrived.
func (r *Registry) RemoveBySegment(segID domain.CallID) int {
	r.mu.Lock()
	var gone []domain.Member
	for id, m := range r.members {
		if m.SegmentID == segID {
			gone = append(gone, *m)
			delete(r.members, id)
		}
	}
	r.mu.Unlock()

	for _, snap := range gone {
		r.notifier.emit(Notice{Kind: NoticeMemberLeft, Member: snap})
	}
	if len(gone) > 0 {
		log.Info().Str("module", "app.registry").Str("segment_id", string(segID)).Int("count", len(gone)).Msg("bulk removed members")
	}
	return len(gone)
}

func (r *Registry) Get(id domain.MemberID) (domain.Member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if m, ok := r.members[id]; ok {
		return *m, true
	}
	return domain.Member{}, false
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.members)
}

// Snapshot returns a copy of every cached member.
func (r *Registry) Snapshot() []domain.Member {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Member, 0, len(r.members))
	for _, m := range r.members {
		out = append(out, *m)
	}
	return out
}

func (r *Registry) getOrCreateLocked(id domain.MemberID) (*domain.Member, bool) {
	if m, ok := r.members[id]; ok {
		return m, false
	}
	m := &domain.Member{ID: id}
	r.members[id] = m
	return m, true
}
