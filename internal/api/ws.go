package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/markus-barta/harmonyfast/internal/coordinator"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// streamMessage is one frame on the /ws stream.
type streamMessage struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// handleWebSocket streams state snapshots, starting with the current one.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	states, unsubscribe := s.ctl.Subscribe(16)
	s.log.Debug().Str("remote", r.RemoteAddr).Msg("state stream opened")

	done := make(chan struct{})
	go s.readPump(conn, done)
	s.writePump(conn, states, done)

	unsubscribe()
	s.log.Debug().Str("remote", r.RemoteAddr).Msg("state stream closed")
}

// readPump discards client frames and notices when the peer goes away.
func (s *Server) readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)

	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writePump(conn *websocket.Conn, states <-chan coordinator.State, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	if err := s.writeState(conn, s.ctl.Snapshot()); err != nil {
		return
	}

	for {
		select {
		case <-done:
			return

		case st := <-states:
			if err := s.writeState(conn, st); err != nil {
				return
			}

		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeState(conn *websocket.Conn, st coordinator.State) error {
	data, err := json.Marshal(streamMessage{Type: "state", Payload: s.stateView(st)})
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}
