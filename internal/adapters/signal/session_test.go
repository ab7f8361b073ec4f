package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/callkit/internal/core"
)

// wsServer is a scriptable signaling endpoint. The handler runs on the
// connection's own goroutine, so writes from it never race.
type wsServer struct {
	t   *testing.T
	srv *httptest.Server
	up  websocket.Upgrader

	onRequest func(c *websocket.Conn, id, method string, params json.RawMessage)
	authCount atomic.Int32
}

func newWSServer(t *testing.T, onRequest func(c *websocket.Conn, id, method string, params json.RawMessage)) *wsServer {
	t.Helper()
	s := &wsServer{t: t, onRequest: onRequest}
	s.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var req struct {
				ID     string          `json:"id"`
				Method string          `json:"method"`
				Params json.RawMessage `json:"params"`
			}
			if err := json.Unmarshal(data, &req); err != nil {
				continue
			}
			if req.Method == "auth.connect" {
				s.authCount.Add(1)
			}
			s.onRequest(conn, req.ID, req.Method, req.Params)
		}
	}))
	t.Cleanup(s.srv.Close)
	return s
}

func (s *wsServer) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func respond(c *websocket.Conn, id, result string) {
	frame := fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"result":%s}`, id, result)
	_ = c.WriteMessage(websocket.TextMessage, []byte(frame))
}

func respondError(c *websocket.Conn, id string, code int, msg string) {
	frame := fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"error":{"code":%d,"message":%q}}`, id, code, msg)
	_ = c.WriteMessage(websocket.TextMessage, []byte(frame))
}

func pushEvent(c *websocket.Conn, eventType, channel, params string) {
	frame := fmt.Sprintf(`{"event_type":%q,"event_channel":%q,"timestamp":1.0,"params":%s}`, eventType, channel, params)
	_ = c.WriteMessage(websocket.TextMessage, []byte(frame))
}

func authOK(c *websocket.Conn, id string) {
	respond(c, id, `{"protocol":"callkit-1.0","session_id":"sess-1"}`)
}

func newTestSession(t *testing.T, srv *wsServer) *Session {
	t.Helper()
	s := NewSession(Options{
		URL:            srv.url(),
		Token:          "tok",
		RequestTimeout: 2 * time.Second,
		ReconnectMin:   10 * time.Millisecond,
		ReconnectMax:   50 * time.Millisecond,
	})
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestConnectAuthorizes(t *testing.T) {
	srv := newWSServer(t, func(c *websocket.Conn, id, method string, _ json.RawMessage) {
		if method == "auth.connect" {
			authOK(c, id)
		}
	})
	s := newTestSession(t, srv)

	require.NoError(t, s.Connect(context.Background()))
	assert.Equal(t, StateAuthorized, s.State())
	assert.Equal(t, "callkit-1.0", s.Protocol())
}

func TestCallCorrelatesOutOfOrderResponses(t *testing.T) {
	var heldID string
	srv := newWSServer(t, func(c *websocket.Conn, id, method string, _ json.RawMessage) {
		switch method {
		case "auth.connect":
			authOK(c, id)
		case "hold":
			heldID = id
		case "release":
			respond(c, id, `{"order":"second"}`)
			respond(c, heldID, `{"order":"first"}`)
		}
	})
	s := newTestSession(t, srv)
	require.NoError(t, s.Connect(context.Background()))

	var wg sync.WaitGroup
	wg.Add(1)
	var heldRes json.RawMessage
	var heldErr error
	go func() {
		defer wg.Done()
		heldRes, heldErr = s.Call(context.Background(), "hold", nil)
	}()

	// Give the held request time to reach the server first.
	time.Sleep(50 * time.Millisecond)
	res, err := s.Call(context.Background(), "release", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"order":"second"}`, string(res))

	wg.Wait()
	require.NoError(t, heldErr)
	assert.JSONEq(t, `{"order":"first"}`, string(heldRes))
}

func TestAuthRejectionIsTerminal(t *testing.T) {
	srv := newWSServer(t, func(c *websocket.Conn, id, method string, _ json.RawMessage) {
		if method == "auth.connect" {
			respondError(c, id, 401, "bad token")
		}
	})
	s := newTestSession(t, srv)

	err := s.Connect(context.Background())
	var authErr *core.AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "bad token", authErr.Reason)

	select {
	case <-s.Closed():
	case <-time.After(time.Second):
		t.Fatal("auth rejection must close the session")
	}
	require.ErrorAs(t, s.Err(), &authErr)
}

func TestSocketCloseFailsAllPending(t *testing.T) {
	srv := newWSServer(t, func(c *websocket.Conn, id, method string, _ json.RawMessage) {
		switch method {
		case "auth.connect":
			authOK(c, id)
		case "hang":
			_ = c.Close()
		}
	})
	s := newTestSession(t, srv)
	require.NoError(t, s.Connect(context.Background()))

	_, err := s.Call(context.Background(), "hang", nil)
	assert.ErrorIs(t, err, core.ErrDisconnected)
}

func TestRequestTimeout(t *testing.T) {
	srv := newWSServer(t, func(c *websocket.Conn, id, method string, _ json.RawMessage) {
		if method == "auth.connect" {
			authOK(c, id)
		}
		// Everything else is left unanswered.
	})
	s := NewSession(Options{
		URL:            srv.url(),
		Token:          "tok",
		RequestTimeout: 100 * time.Millisecond,
	})
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Connect(context.Background()))

	_, err := s.Call(context.Background(), "slow", nil)
	assert.ErrorIs(t, err, core.ErrRequestTimeout)
}

func TestCallContextCancel(t *testing.T) {
	srv := newWSServer(t, func(c *websocket.Conn, id, method string, _ json.RawMessage) {
		if method == "auth.connect" {
			authOK(c, id)
		}
	})
	s := newTestSession(t, srv)
	require.NoError(t, s.Connect(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := s.Call(ctx, "slow", nil)
		done <- err
	}()
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestEventsArriveInReceiptOrder(t *testing.T) {
	srv := newWSServer(t, func(c *websocket.Conn, id, method string, _ json.RawMessage) {
		if method == "auth.connect" {
			authOK(c, id)
			pushEvent(c, "member.joined", "", `{"member_id":"a"}`)
			pushEvent(c, "member.updated", "", `{"member_id":"a"}`)
			pushEvent(c, "member.left", "", `{"member_id":"a"}`)
		}
	})
	s := newTestSession(t, srv)
	require.NoError(t, s.Connect(context.Background()))

	want := []string{"member.joined", "member.updated", "member.left"}
	for _, name := range want {
		select {
		case ev := <-s.Events():
			assert.Equal(t, name, ev.EventType)
		case <-time.After(time.Second):
			t.Fatalf("event %s never arrived", name)
		}
	}
}

func TestConcurrentConnectCollapses(t *testing.T) {
	srv := newWSServer(t, func(c *websocket.Conn, id, method string, _ json.RawMessage) {
		if method == "auth.connect" {
			time.Sleep(50 * time.Millisecond)
			authOK(c, id)
		}
	})
	s := newTestSession(t, srv)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.Connect(context.Background())
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, int32(1), srv.authCount.Load(), "one dial, one handshake")
}

func TestReconnectAfterDrop(t *testing.T) {
	var stateMu sync.Mutex
	var states []State
	srv := newWSServer(t, func(c *websocket.Conn, id, method string, _ json.RawMessage) {
		switch method {
		case "auth.connect":
			authOK(c, id)
		case "drop":
			_ = c.Close()
		}
	})
	s := newTestSession(t, srv)
	s.OnState(func(st State, _ error) {
		stateMu.Lock()
		states = append(states, st)
		stateMu.Unlock()
	})
	require.NoError(t, s.Connect(context.Background()))

	_, err := s.Call(context.Background(), "drop", nil)
	require.ErrorIs(t, err, core.ErrDisconnected)

	require.Eventually(t, func() bool {
		return s.State() == StateAuthorized
	}, 2*time.Second, 10*time.Millisecond, "session must re-authorize on its own")
	assert.GreaterOrEqual(t, srv.authCount.Load(), int32(2))

	stateMu.Lock()
	defer stateMu.Unlock()
	assert.Contains(t, states, StateReconnecting)
}

func TestReconnectRecoversRepeatedOutages(t *testing.T) {
	srv := newWSServer(t, func(c *websocket.Conn, id, method string, _ json.RawMessage) {
		switch method {
		case "auth.connect":
			authOK(c, id)
		case "drop":
			_ = c.Close()
		}
	})
	s := newTestSession(t, srv)
	require.NoError(t, s.Connect(context.Background()))

	for i := 0; i < 2; i++ {
		_, err := s.Call(context.Background(), "drop", nil)
		require.ErrorIs(t, err, core.ErrDisconnected)
		require.Eventually(t, func() bool {
			return s.State() == StateAuthorized
		}, 2*time.Second, 10*time.Millisecond, "outage %d must recover", i+1)
	}
	assert.GreaterOrEqual(t, srv.authCount.Load(), int32(3))
}

func TestDropConnDiscardsQueuedFrames(t *testing.T) {
	srv := newWSServer(t, func(c *websocket.Conn, id, method string, _ json.RawMessage) {
		if method == "auth.connect" {
			authOK(c, id)
		}
	})
	s := NewSession(Options{URL: srv.url(), Token: "tok"})
	t.Cleanup(func() { _ = s.Close() })

	conn, _, err := websocket.DefaultDialer.Dial(srv.url(), nil)
	require.NoError(t, err)
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	// A frame that slipped past the connection check just as the socket
	// died; with no pump running it sits in the queue.
	require.NoError(t, s.enqueue([]byte(`{"jsonrpc":"2.0","id":"stale","method":"stale.echo"}`)))
	s.dropConn(conn, false)

	assert.Zero(t, len(s.sendq), "stale frames must not replay on the next connection")
}

func TestReconnectAttemptCapTerminates(t *testing.T) {
	var accepting atomic.Bool
	accepting.Store(true)
	srv := newWSServer(t, func(c *websocket.Conn, id, method string, _ json.RawMessage) {
		switch method {
		case "auth.connect":
			if !accepting.Load() {
				_ = c.Close()
				return
			}
			authOK(c, id)
		case "drop":
			_ = c.Close()
		}
	})
	s := NewSession(Options{
		URL:               srv.url(),
		Token:             "tok",
		RequestTimeout:    200 * time.Millisecond,
		ReconnectMin:      10 * time.Millisecond,
		ReconnectMax:      20 * time.Millisecond,
		ReconnectAttempts: 2,
	})
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Connect(context.Background()))

	accepting.Store(false)
	_, _ = s.Call(context.Background(), "drop", nil)

	select {
	case <-s.Closed():
	case <-time.After(5 * time.Second):
		t.Fatal("exhausted reconnect attempts must terminate the session")
	}
	var transportErr *core.TransportError
	assert.ErrorAs(t, s.Err(), &transportErr)
}

func TestConnectAfterCloseRejected(t *testing.T) {
	srv := newWSServer(t, func(c *websocket.Conn, id, method string, _ json.RawMessage) {
		if method == "auth.connect" {
			authOK(c, id)
		}
	})
	s := newTestSession(t, srv)
	require.NoError(t, s.Connect(context.Background()))
	require.NoError(t, s.Close())

	assert.ErrorIs(t, s.Connect(context.Background()), core.ErrSessionClosed)
}

func TestCallWhileDisconnected(t *testing.T) {
	s := NewSession(Options{URL: "ws://127.0.0.1:1", Token: "tok"})
	_, err := s.Call(context.Background(), "anything", nil)
	assert.ErrorIs(t, err, core.ErrDisconnected)
}

func TestPauseGoesIdle(t *testing.T) {
	srv := newWSServer(t, func(c *websocket.Conn, id, method string, _ json.RawMessage) {
		if method == "auth.connect" {
			authOK(c, id)
		}
	})
	s := newTestSession(t, srv)
	require.NoError(t, s.Connect(context.Background()))

	s.Pause()
	assert.Equal(t, StateIdle, s.State())

	select {
	case <-s.Closed():
		t.Fatal("pause must not terminate the session")
	default:
	}
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	min, max := 100*time.Millisecond, time.Second
	prevBase := time.Duration(0)
	for attempt := 0; attempt < 8; attempt++ {
		d := backoffDelay(min, max, attempt)
		// Jitter adds at most 25% on top of the capped base.
		assert.LessOrEqual(t, d, max+max/4)
		assert.GreaterOrEqual(t, d, min)
		if attempt < 3 {
			assert.Greater(t, d, prevBase)
			prevBase = min << attempt
		}
	}
}
