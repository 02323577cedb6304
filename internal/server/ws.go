package server

import (
	"net/http"
	"strings"
	"time"

	"codeberg.org/mutker/thermalmon/internal/errors"
	"codeberg.org/mutker/thermalmon/internal/hub"
	"github.com/gorilla/websocket"
)

// handleWS streams hub events as JSON. An optional topics query parameter
// restricts the stream, e.g. ?topics=elapsed,state.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	var topics []hub.Topic
	if raw := r.URL.Query().Get("topics"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			t, ok := hub.ParseTopic(strings.TrimSpace(name))
			if !ok {
				s.writeError(w, errors.New().WithData(ErrInvalidRequest, name))
				return
			}
			topics = append(topics, t)
		}
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	sub := s.deps.Hub.Subscribe(topics...)
	s.log.Debug().Str("remote", r.RemoteAddr).Msg("WebSocket client connected")

	go writePump(conn, sub)

	go func() {
		defer func() {
			sub.Unsubscribe()
			s.log.Debug().Str("remote", r.RemoteAddr).Msg("WebSocket client disconnected")
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// writePump owns all writes to conn. It ends when the subscription channel
// closes, which happens on unsubscribe, eviction or hub shutdown.
func writePump(conn *websocket.Conn, sub *hub.Subscription) {
	defer conn.Close()

	for ev := range sub.C() {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(ev); err != nil {
			sub.Unsubscribe()
			return
		}
	}

	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
