package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/callkit/internal/domain"
)

func dialAndJoin(t *testing.T, f *callFixture) {
	t.Helper()
	require.NoError(t, f.call.Dial(context.Background()))
	f.join(t, nil)
}

func TestSegmentLeftBulkRemovesItsMembers(t *testing.T) {
	f := newCallFixture(t, false)
	dialAndJoin(t, f)

	f.route(t, "member.joined", map[string]any{"call_id": "c1", "member_id": "a"})
	f.route(t, "member.joined", map[string]any{"call_id": "c1", "member_id": "b"})

	// A second segment with its own member must survive the first one
	// leaving.
	f.route(t, "call.joined", map[string]any{
		"call_id":         "c2",
		"room_session_id": "rs2",
		"node_id":         "n2",
		"member_id":       "self2",
	})
	f.route(t, "member.joined", map[string]any{"call_id": "c2", "member_id": "x"})

	require.Eventually(t, func() bool {
		return f.call.Registry().Count() == 3
	}, time.Second, 10*time.Millisecond)

	f.route(t, "call.left", map[string]any{"call_id": "c1"})

	require.Eventually(t, func() bool {
		return f.call.Registry().Count() == 1
	}, time.Second, 10*time.Millisecond, "only segment c1's members go away")

	_, okA := f.call.Registry().Get("a")
	_, okX := f.call.Registry().Get("x")
	assert.False(t, okA)
	assert.True(t, okX)
	assert.NotEqual(t, domain.CallDestroy, f.call.State(), "one segment remains, call lives on")
	assert.False(t, f.media.isStopped())
}

func TestLastSegmentLeavingDestroysCall(t *testing.T) {
	f := newCallFixture(t, false)
	dialAndJoin(t, f)

	f.route(t, "call.left", map[string]any{"call_id": "c1"})

	require.Eventually(t, func() bool {
		return f.call.State() == domain.CallDestroy
	}, time.Second, 10*time.Millisecond)
	assert.True(t, f.media.isStopped())
}

func TestDuplicateJoinedIsIgnored(t *testing.T) {
	f := newCallFixture(t, false)
	dialAndJoin(t, f)

	seeded := map[string]any{
		"call_id":         "c1",
		"room_session_id": "rs1",
		"node_id":         "n1",
		"member_id":       "other-self",
		"members":         []map[string]any{{"member_id": "dup"}},
	}
	f.route(t, "call.joined", seeded)
	f.route(t, "member.joined", map[string]any{"call_id": "c1", "member_id": "marker"})

	require.Eventually(t, func() bool {
		_, ok := f.call.Registry().Get("marker")
		return ok
	}, time.Second, 10*time.Millisecond)

	_, ok := f.call.Registry().Get("dup")
	assert.False(t, ok, "replayed join must not seed members")
	self, _ := f.call.Self()
	assert.Equal(t, domain.MemberID("self"), self.ID, "replayed join must not rebind self")
}

func TestRoomSessionFallbackRouting(t *testing.T) {
	f := newCallFixture(t, false)
	dialAndJoin(t, f)

	// No call id on the wire; the room session id alone must find the
	// segment, and the member lands owned by it.
	f.route(t, "member.joined", map[string]any{
		"room_session_id": "rs1",
		"member_id":       "fallback",
	})

	require.Eventually(t, func() bool {
		m, ok := f.call.Registry().Get("fallback")
		return ok && m.SegmentID == "c1"
	}, time.Second, 10*time.Millisecond)
}

func TestUnmatchedEventIsDropped(t *testing.T) {
	f := newCallFixture(t, false)
	dialAndJoin(t, f)

	f.route(t, "member.joined", map[string]any{
		"call_id":         "elsewhere",
		"room_session_id": "rs-other",
		"member_id":       "ghost",
	})
	f.route(t, "member.joined", map[string]any{"call_id": "c1", "member_id": "marker"})

	require.Eventually(t, func() bool {
		_, ok := f.call.Registry().Get("marker")
		return ok
	}, time.Second, 10*time.Millisecond)

	_, ok := f.call.Registry().Get("ghost")
	assert.False(t, ok)
}

func TestFirstJoinedWithoutCallIDUsesOrigin(t *testing.T) {
	f := newCallFixture(t, false)
	require.NoError(t, f.call.Dial(context.Background()))

	// The join response carried c1; a joined event with no call id at
	// all must still land on the origin segment.
	f.route(t, "call.joined", map[string]any{
		"node_id":   "n1",
		"member_id": "self",
	})
	select {
	case <-f.call.Joined():
	case <-time.After(time.Second):
		t.Fatal("join never completed")
	}

	seg, ok := f.call.Segments().Segment("c1")
	require.True(t, ok)
	assert.Equal(t, domain.SegmentJoined, seg.State)
}

func TestEarlyJoinedHeldUntilOriginResolves(t *testing.T) {
	f := newCallFixture(t, false)

	// The joined push can outrun the join response on the wire; with no
	// call id and no origin yet, the event must wait, not vanish.
	f.route(t, "call.joined", map[string]any{
		"node_id":   "n1",
		"member_id": "self",
	})
	require.NoError(t, f.call.Dial(context.Background()))

	select {
	case <-f.call.Joined():
	case <-time.After(time.Second):
		t.Fatal("held joined event never replayed")
	}
	seg, ok := f.call.Segments().Segment("c1")
	require.True(t, ok)
	assert.Equal(t, domain.SegmentJoined, seg.State)
}

func TestSegmentSnapshotCarriesJoinFields(t *testing.T) {
	f := newCallFixture(t, false)
	require.NoError(t, f.call.Dial(context.Background()))
	f.join(t, []string{domain.CapLayout, domain.CapLock})

	seg, ok := f.call.Segments().Segment("c1")
	require.True(t, ok)
	assert.Equal(t, domain.RoomSessionID("rs1"), seg.RoomSessionID)
	assert.Equal(t, domain.NodeID("n1"), seg.NodeID)
	assert.Equal(t, domain.MemberID("self"), seg.SelfMemberID)
	assert.True(t, seg.Capabilities.Has(domain.CapLayout))
}

func TestStopTerminatesAllWorkers(t *testing.T) {
	f := newCallFixture(t, false)
	dialAndJoin(t, f)
	f.route(t, "member.joined", map[string]any{"call_id": "c1", "member_id": "a"})
	require.Eventually(t, func() bool {
		return f.call.Registry().Count() == 1
	}, time.Second, 10*time.Millisecond)

	f.call.Destroy()

	assert.Equal(t, 0, f.call.Registry().Count())
	assert.Equal(t, domain.CallDestroy, f.call.State())
	_, ok := f.call.Segments().Segment("c1")
	assert.False(t, ok)
}

func TestCallStateEventAdvancesSession(t *testing.T) {
	f := newCallFixture(t, false)
	dialAndJoin(t, f)

	f.route(t, "call.state", map[string]any{"call_id": "c1", "call_state": "held"})

	require.Eventually(t, func() bool {
		return f.call.State() == domain.CallHeld
	}, time.Second, 10*time.Millisecond)
}
