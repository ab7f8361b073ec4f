package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callkit/internal/core"
)

var ErrBackpressure = errors.New("backpressure")

const protocolVersion = "callkit-1.0"

const (
	defaultRequestTimeout = 10 * time.Second
	defaultReconnectMin   = time.Second
	defaultReconnectMax   = 30 * time.Second
	writeDeadline         = 5 * time.Second
)

type Options struct {
	URL               string
	Project           string
	Token             string
	RequestTimeout    time.Duration
	PingPeriod        time.Duration
	ReadLimit         int64
	ReconnectMin      time.Duration
	ReconnectMax      time.Duration
	ReconnectAttempts int

	// Dialer overrides the default websocket dialer (tests).
	Dialer *websocket.Dialer
}

type callResult struct {
	result json.RawMessage
	err    error
}

type connectAttempt struct {
	done chan struct{}
	err  error
}

// Session owns the signaling socket exclusively. It correlates responses
// to requests by id and appends push events, in receipt order, to the
// Events channel for the bus.
type Session struct {
	opts Options

	mu           sync.Mutex
	state        State
	conn         *websocket.Conn
	pumpStop     chan struct{}
	pending      map[string]chan callResult
	attempt      *connectAttempt
	established  bool
	reconnecting bool
	protocol     string
	closeErr     error

	sendq  chan []byte
	events chan core.Event
	closed chan struct{}

	closeOnce sync.Once

	onState func(State, error)
}

func NewSession(opts Options) *Session {
	return &Session{
		opts:    opts,
		pending: make(map[string]chan callResult),
		sendq:   make(chan []byte, 64),
		events:  make(chan core.Event, 256),
		closed:  make(chan struct{}),
	}
}

// OnState registers a callback invoked on session state transitions.
// Must be set before Connect.
func (s *Session) OnState(fn func(State, error)) { s.onState = fn }

// Events yields push events in receipt order. The channel is never
// closed; consumers select on Closed() as well.
func (s *Session) Events() <-chan core.Event { return s.events }

// Closed is closed once the session is terminally down.
func (s *Session) Closed() <-chan struct{} { return s.closed }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Protocol returns the protocol version negotiated during auth.
func (s *Session) Protocol() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocol
}

// Connect is idempotent: concurrent calls collapse into one in-flight
// attempt. It returns once the auth handshake settles.
func (s *Session) Connect(ctx context.Context) error {
	select {
	case <-s.closed:
		return core.ErrSessionClosed
	default:
	}
	return s.connectOnce(ctx)
}

func (s *Session) connectOnce(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateAuthorized {
		s.mu.Unlock()
		return nil
	}
	if a := s.attempt; a != nil {
		s.mu.Unlock()
		select {
		case <-a.done:
			return a.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	a := &connectAttempt{done: make(chan struct{})}
	s.attempt = a
	if s.state != StateReconnecting {
		s.state = StateConnecting
	}
	s.mu.Unlock()

	err := s.dialAndAuth(ctx)

	s.mu.Lock()
	s.attempt = nil
	recon := s.reconnecting
	if err != nil && !recon {
		s.state = StateDisconnected
	}
	s.mu.Unlock()

	a.err = err
	close(a.done)
	if err != nil && !recon {
		s.notifyState(StateDisconnected, err)
	}
	return err
}

func (s *Session) dialAndAuth(ctx context.Context) error {
	dialer := s.opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, s.opts.URL, nil)
	if err != nil {
		return &core.TransportError{Op: "dial", Err: err}
	}
	if s.opts.ReadLimit > 0 {
		conn.SetReadLimit(s.opts.ReadLimit)
	}

	stop := make(chan struct{})
	s.mu.Lock()
	s.conn = conn
	s.pumpStop = stop
	s.state = StateConnected
	s.mu.Unlock()

	go s.writePump(conn, stop)
	go s.readPump(conn)

	authCtx, cancel := context.WithTimeout(ctx, s.requestTimeout())
	defer cancel()
	res, err := s.Call(authCtx, "auth.connect", connectParams{
		Project:  s.opts.Project,
		Token:    s.opts.Token,
		Protocol: protocolVersion,
	})
	if err != nil {
		var rpcErr *rpcError
		if errors.As(err, &rpcErr) {
			// Credential rejection is terminal for this socket.
			authErr := &core.AuthError{Reason: rpcErr.Message}
			s.terminate(authErr)
			return authErr
		}
		s.dropConn(conn, false)
		return err
	}

	var cr connectResult
	if err := json.Unmarshal(res, &cr); err != nil {
		s.dropConn(conn, false)
		return &core.ProtocolError{Reason: "bad auth.connect result", Err: err}
	}

	s.mu.Lock()
	s.protocol = cr.Protocol
	s.state = StateAuthorized
	s.established = true
	s.mu.Unlock()
	log.Info().Str("module", "signal").Str("protocol", cr.Protocol).Msg("authorized")
	s.notifyState(StateAuthorized, nil)
	return nil
}

// Call sends a correlated request and waits for whichever fires first:
// the matching response, the request timeout, ctx, or session close.
func (s *Session) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := uuid.NewString()
	b, err := json.Marshal(request{JSONRPC: "2.0", ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", method, err)
	}

	ch := make(chan callResult, 1)
	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return nil, core.ErrDisconnected
	}
	s.pending[id] = ch
	s.mu.Unlock()

	if err := s.enqueue(b); err != nil {
		s.dropPending(id)
		return nil, err
	}

	timer := time.NewTimer(s.requestTimeout())
	defer timer.Stop()
	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		return r.result, nil
	case <-timer.C:
		s.dropPending(id)
		return nil, core.ErrRequestTimeout
	case <-ctx.Done():
		s.dropPending(id)
		return nil, ctx.Err()
	case <-s.closed:
		s.dropPending(id)
		return nil, core.ErrDisconnected
	}
}

// Pause tears the socket down without reconnecting; Connect wakes the
// session back up with the same pending state cleared.
func (s *Session) Pause() {
	s.mu.Lock()
	conn := s.conn
	s.established = false
	s.state = StateIdle
	s.mu.Unlock()
	if conn != nil {
		s.dropConn(conn, false)
		s.mu.Lock()
		s.state = StateIdle
		s.mu.Unlock()
	}
	s.notifyState(StateIdle, nil)
}

// Close shuts the session down terminally.
func (s *Session) Close() error {
	s.terminate(nil)
	return nil
}

func (s *Session) enqueue(b []byte) error {
	select {
	case s.sendq <- b:
		return nil
	default:
		return &core.TransportError{Op: "send", Err: ErrBackpressure}
	}
}

func (s *Session) requestTimeout() time.Duration {
	if s.opts.RequestTimeout > 0 {
		return s.opts.RequestTimeout
	}
	return defaultRequestTimeout
}

func (s *Session) dropPending(id string) {
	s.mu.Lock()
	delete(s.pending, id)
	s.mu.Unlock()
}

func (s *Session) failAllPending(err error) {
	s.mu.Lock()
	pending := s.pending
	s.pending = make(map[string]chan callResult)
	s.mu.Unlock()
	for _, ch := range pending {
		select {
		case ch <- callResult{err: err}:
		default:
		}
	}
}

func (s *Session) resolve(id string, result json.RawMessage, rpcErr *rpcError) {
	s.mu.Lock()
	ch, ok := s.pending[id]
	if ok {
		delete(s.pending, id)
	}
	s.mu.Unlock()
	if !ok {
		log.Debug().Str("module", "signal").Str("id", id).Msg("unmatched response")
		return
	}
	if rpcErr != nil {
		ch <- callResult{err: rpcErr}
		return
	}
	ch <- callResult{result: result}
}

// dropConn tears down one connection. With retry, a reconnect loop is
// spawned for sessions that were previously authorized.
func (s *Session) dropConn(conn *websocket.Conn, retry bool) {
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	stop := s.pumpStop
	s.pumpStop = nil
	spawn := retry && s.established && !s.reconnecting
	if spawn {
		s.reconnecting = true
		s.state = StateReconnecting
	}
	s.mu.Unlock()

	if stop != nil {
		close(stop)
	}
	_ = conn.Close()
	s.failAllPending(core.ErrDisconnected)

	// Frames queued for the dead socket must not replay on the next
	// connection; their pending entries just failed above.
drain:
	for {
		select {
		case <-s.sendq:
		default:
			break drain
		}
	}

	select {
	case <-s.closed:
		return
	default:
	}
	if spawn {
		s.notifyState(StateReconnecting, nil)
		go s.reconnectLoop()
	}
}

func (s *Session) reconnectLoop() {
	defer func() {
		s.mu.Lock()
		s.reconnecting = false
		s.mu.Unlock()
	}()

	maxAttempts := s.opts.ReconnectAttempts
	for attempt := 0; maxAttempts <= 0 || attempt < maxAttempts; attempt++ {
		delay := backoffDelay(s.opts.ReconnectMin, s.opts.ReconnectMax, attempt)
		log.Info().Str("module", "signal").Int("attempt", attempt+1).Dur("delay", delay).Msg("reconnecting")
		select {
		case <-time.After(delay):
		case <-s.closed:
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*s.requestTimeout())
		err := s.connectOnce(ctx)
		cancel()
		if err == nil {
			// A read error on the fresh connection may land before the
			// flag clears; it sees reconnecting set and spawns nothing,
			// so this loop has to pick the outage up itself.
			s.mu.Lock()
			s.reconnecting = false
			relost := s.established && s.conn == nil
			if relost {
				s.reconnecting = true
				s.state = StateReconnecting
			}
			s.mu.Unlock()
			if relost {
				log.Warn().Str("module", "signal").Msg("connection lost again during recovery")
				attempt = -1
				continue
			}
			log.Info().Str("module", "signal").Msg("reconnected")
			return
		}
		var authErr *core.AuthError
		if errors.As(err, &authErr) {
			return // terminate already ran
		}
		log.Warn().Err(err).Str("module", "signal").Msg("reconnect attempt failed")
	}
	s.terminate(&core.TransportError{Op: "reconnect", Err: errors.New("attempt cap exceeded")})
}

func (s *Session) terminate(err error) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closeErr = err
		conn := s.conn
		s.conn = nil
		stop := s.pumpStop
		s.pumpStop = nil
		s.state = StateDisconnected
		s.mu.Unlock()

		close(s.closed)
		if stop != nil {
			close(stop)
		}
		if conn != nil {
			_ = conn.Close()
		}
		s.failAllPending(core.ErrDisconnected)
		log.Info().Err(err).Str("module", "signal").Msg("session terminated")
		s.notifyState(StateDisconnected, err)
	})
}

// Err returns the terminal error, if any, once Closed() fires.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

func (s *Session) notifyState(st State, err error) {
	if s.onState != nil {
		s.onState(st, err)
	}
}
