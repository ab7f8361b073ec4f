package app

import (
	"sync"

	"github.com/dkeye/callkit/internal/domain"
)

// Notification kinds. Field-scoped member updates use the
// "member.updated.<field>" form so subscribers can listen selectively.
const (
	NoticeMemberJoined  = "member.joined"
	NoticeMemberUpdated = "member.updated"
	NoticeMemberLeft    = "member.left"
	NoticeMemberTalking = "member.talking"

	NoticeTalkingStarted = "member.talking.started"
	NoticeTalkingEnded   = "member.talking.ended"

	// Older subscribers still listen on the start/stop generation.
	NoticeTalkingStartLegacy = "member.talking.start"
	NoticeTalkingStopLegacy  = "member.talking.stop"

	NoticeCallStateChanged = "call.state"
	NoticeLayoutChanged    = "layout.changed"
)

type Notice struct {
	Kind   string
	Member domain.Member
	Layout *domain.Layout
	State  domain.CallState
}

// Notifier fans notices out to kind-keyed subscriber channels plus
// ordered synchronous taps. Slow channel subscribers drop notices;
// taps never do.
type Notifier struct {
	mu   sync.RWMutex
	subs map[string][]chan Notice
	taps []func(Notice)
}

func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[string][]chan Notice)}
}

func (n *Notifier) Subscribe(kind string) <-chan Notice {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch := make(chan Notice, 64)
	n.subs[kind] = append(n.subs[kind], ch)
	return ch
}

// Tap registers a synchronous observer that sees every notice in emit
// order. Taps must not block.
func (n *Notifier) Tap(fn func(Notice)) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.taps = append(n.taps, fn)
}

func (n *Notifier) emit(notice Notice) {
	n.mu.RLock()
	taps := n.taps
	subs := n.subs[notice.Kind]
	n.mu.RUnlock()

	for _, fn := range taps {
		fn(notice)
	}
	for _, ch := range subs {
		select {
		case ch <- notice:
		default:
			// Drop for slow subscribers rather than stall the bus.
		}
	}
}
