package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// origins are enforced by the CORS layer and the bearer token
	CheckOrigin: func(*http.Request) bool { return true },
}

// readUntilClosed discards client frames and closes done when the peer
// goes away.
func readUntilClosed(conn *websocket.Conn, done chan<- struct{}) {
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

// handleRideEvents streams the lifecycle events of one ride until either
// side closes.
func (s *Server) handleRideEvents(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeJSON(w, http.StatusServiceUnavailable, apiError{Error: "event stream disabled", Code: "Unavailable"})
		return
	}
	rideID := mux.Vars(r)["ride_id"]
	if _, err := s.booking.GetRide(r.Context(), rideID); err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("ws upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	sub := s.hub.Subscribe(rideID)
	defer sub.Close()

	done := make(chan struct{})
	go readUntilClosed(conn, done)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-sub.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// dropped for falling behind
				_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "too slow"))
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// handleNotificationSocket registers the caller's live push session. The
// dispatcher writes to it; this handler only watches for the close.
func (s *Server) handleNotificationSocket(w http.ResponseWriter, r *http.Request) {
	if s.ws == nil {
		writeJSON(w, http.StatusServiceUnavailable, apiError{Error: "push sessions disabled", Code: "Unavailable"})
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("ws upgrade failed", "err", err)
		return
	}
	userID := caller(r)
	s.ws.Add(userID, conn)
	defer func() {
		s.ws.Remove(userID, conn)
		_ = conn.Close()
	}()

	done := make(chan struct{})
	go readUntilClosed(conn, done)
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
