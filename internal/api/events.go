package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"labrelay/internal/eventbus"
	logx "labrelay/pkg/logx"
)

const (
	wsWriteWait      = 10 * time.Second
	wsPongWait       = 60 * time.Second
	wsPingPeriod     = wsPongWait * 9 / 10
	wsMaxMessageSize = 4096
	wsSendBuffer     = 64
)

// handleEvents streams bus events as JSON text frames. An optional
// "types" query narrows the stream by prefix, e.g. ?types=delivery.,session.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	if tok := strings.TrimSpace(s.cfg.Token); tok != "" && tokenMatches(bearerToken(r), tok) {
		// A header token cannot be attached by a cross-site page. Query
		// tokens keep the same-origin check.
		up.CheckOrigin = func(*http.Request) bool { return true }
	}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("events upgrade failed", logx.Err(err))
		return
	}

	var prefixes []string
	for _, p := range strings.Split(r.URL.Query().Get("types"), ",") {
		if p = strings.TrimSpace(p); p != "" {
			prefixes = append(prefixes, p)
		}
	}
	events, unsub := s.relay.Subscribe(wsSendBuffer, prefixes...)
	defer unsub()

	log := s.log.With(logx.String("client", clientIP(r)))
	log.Debug("events client connected")

	done := make(chan struct{})
	go readPump(conn, done)
	writePump(r.Context(), conn, events, done, log)
	log.Debug("events client disconnected")
}

// readPump discards client frames and closes done when the peer goes away.
func readPump(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(wsMaxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writePump(ctx context.Context, conn *websocket.Conn, events <-chan eventbus.Event, done <-chan struct{}, log logx.Logger) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	write := func(typ int, data []byte) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteMessage(typ, data) == nil
	}
	for {
		select {
		case <-ctx.Done():
			_ = write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server stopping"))
			return
		case <-done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			b, err := json.Marshal(ev)
			if err != nil {
				log.Warn("event encode failed", logx.String("type", ev.Type), logx.Err(err))
				continue
			}
			if !write(websocket.TextMessage, b) {
				return
			}
		case <-ticker.C:
			if !write(websocket.PingMessage, nil) {
				return
			}
		}
	}
}
