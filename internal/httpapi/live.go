package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/promptrelay/api-go/internal/broadcast"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// handleLive upgrades to a websocket and streams broadcaster events to the
// observer until either side goes away.
func (s Server) handleLive(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return s.originAllowed(r.Header.Get("Origin"))
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log().Debug("websocket upgrade failed", "err", err)
		return
	}

	sub := s.Events.Subscribe()
	log := s.log().With("remote", r.RemoteAddr)
	log.Debug("observer connected", "observers", s.Events.Count())

	done := make(chan struct{})
	go readPump(conn, done, log)
	writePump(conn, sub, done, log)
}

// readPump keeps the read deadline fresh and discards whatever the observer
// sends. It closes done when the connection drops.
func readPump(conn *websocket.Conn, done chan<- struct{}, log *slog.Logger) {
	defer close(done)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Debug("observer read failed", "err", err)
			}
			return
		}
		if !json.Valid(data) {
			log.Debug("ignoring non-JSON message from observer", "bytes", len(data))
			continue
		}
		log.Debug("ignoring message from observer", "bytes", len(data))
	}
}

func writePump(conn *websocket.Conn, sub *broadcast.Subscription, done <-chan struct{}, log *slog.Logger) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		sub.Close()
		conn.Close()
		log.Debug("observer disconnected", "dropped", sub.Dropped())
	}()

	for {
		select {
		case ev, ok := <-sub.Events():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				log.Debug("observer write failed", "err", err)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		}
	}
}
