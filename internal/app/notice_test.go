package app

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/callkit/internal/domain"
)

func TestSubscribeReceivesMatchingKind(t *testing.T) {
	n := NewNotifier()
	joined := n.Subscribe(NoticeMemberJoined)
	left := n.Subscribe(NoticeMemberLeft)

	n.emit(Notice{Kind: NoticeMemberJoined, Member: domain.Member{ID: "a"}})

	select {
	case got := <-joined:
		assert.Equal(t, domain.MemberID("a"), got.Member.ID)
	default:
		t.Fatal("joined subscriber got nothing")
	}
	assert.Empty(t, left, "unrelated kinds stay quiet")
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	n := NewNotifier()
	ch := n.Subscribe(NoticeMemberUpdated)

	for i := 0; i < 200; i++ {
		n.emit(Notice{Kind: NoticeMemberUpdated})
	}
	// The buffer holds 64; the rest were dropped, not queued.
	assert.Equal(t, 64, len(ch))
}

func TestTapsSeeEveryNoticeInOrder(t *testing.T) {
	n := NewNotifier()
	var kinds []string
	n.Tap(func(notice Notice) { kinds = append(kinds, notice.Kind) })

	n.emit(Notice{Kind: NoticeMemberJoined})
	n.emit(Notice{Kind: NoticeMemberUpdated})
	n.emit(Notice{Kind: NoticeMemberLeft})

	require.Equal(t, []string{NoticeMemberJoined, NoticeMemberUpdated, NoticeMemberLeft}, kinds)
}
