package signal

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callkit/internal/core"
)

func (s *Session) writePump(conn *websocket.Conn, stop chan struct{}) {
	pingPeriod := s.opts.PingPeriod
	if pingPeriod <= 0 {
		pingPeriod = 54 * time.Second
	}
	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-stop:
			log.Info().Str("module", "signal").Msg("writePump stopped")
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump ping error")
				return
			}
		case data := <-s.sendq:
			if err := conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

func (s *Session) readPump(conn *websocket.Conn) {
	defer log.Info().Str("module", "signal").Msg("readPump closing")
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Str("module", "signal").Msg("readPump read error")
			s.dropConn(conn, true)
			return
		}
		s.dispatch(data)
	}
}

// dispatch classifies one inbound frame: correlated response or push event.
func (s *Session) dispatch(data []byte) {
	var in inbound
	if err := json.Unmarshal(data, &in); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad json frame")
		return
	}

	switch {
	case in.ID != "" && (in.Result != nil || in.Error != nil):
		s.resolve(in.ID, in.Result, in.Error)
	case in.EventType != "":
		if in.EventType == "session.expiring" {
			s.mu.Lock()
			s.state = StateExpiring
			s.mu.Unlock()
			s.notifyState(StateExpiring, nil)
		}
		ev := core.Event{
			EventType:    in.EventType,
			EventChannel: in.EventChannel,
			Timestamp:    in.Timestamp,
			Params:       in.Params,
		}
		// Blocking send keeps receipt order; Closed unblocks shutdown.
		select {
		case s.events <- ev:
		case <-s.closed:
		}
	default:
		log.Warn().Str("module", "signal").Msg("unrecognized frame")
	}
}
