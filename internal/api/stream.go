package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/tether-agent/internal/events"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	// streamBuffer is the per-connection event queue. Events beyond it
	// are dropped by the bus for this client only.
	streamBuffer = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The API is meant for a trusted network; browsers on other origins
	// are allowed to watch.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleEvents streams bus events as JSON text frames. The retained
// backlog is sent first. ?user=ID limits the stream to events about that
// user (events without a user, such as tool_done, always pass).
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event stream not configured")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	user := r.URL.Query().Get("user")
	feed, backlog := s.bus.SubscribeRecent(streamBuffer)
	defer s.bus.Unsubscribe(feed)

	s.logger.Info("event stream opened", "remote", r.RemoteAddr, "user", user)
	defer s.logger.Info("event stream closed", "remote", r.RemoteAddr)

	// The read side only exists to process pongs and notice the close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		conn.SetReadLimit(512)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					s.logger.Debug("event stream read error", "error", err)
				}
				return
			}
		}
	}()

	send := func(e events.Event) bool {
		if !matchesUser(e, user) {
			return true
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(e); err != nil {
			s.logger.Debug("event stream write failed", "error", err)
			return false
		}
		return true
	}

	for _, e := range backlog {
		if !send(e) {
			return
		}
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case e, ok := <-feed:
			if !ok || !send(e) {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func matchesUser(e events.Event, user string) bool {
	if user == "" {
		return true
	}
	u, ok := e.Data["user"].(string)
	return !ok || u == user
}
