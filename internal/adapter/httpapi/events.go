package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"trustgate/internal/domain"
	"trustgate/internal/infra/middleware"
)

const eventBuffer = 64

// events streams bus events to a websocket client. ?plugin= and ?type=
// narrow the stream; type accepts a comma-separated list.
func (s *Server) events(w http.ResponseWriter, r *http.Request) {
	pluginID := r.URL.Query().Get("plugin")
	types := make(map[domain.EventType]bool)
	for _, t := range strings.Split(r.URL.Query().Get("type"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			types[domain.EventType(t)] = true
		}
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"localhost", "localhost:*", "127.0.0.1", "127.0.0.1:*", "[::1]", "[::1]:*"},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	// The client sends nothing; CloseRead notices when it goes away.
	ctx := ws.CloseRead(r.Context())
	send := make(chan domain.Event, eventBuffer)
	unsub := s.bus.SubscribeAll(func(_ context.Context, ev domain.Event) {
		if pluginID != "" && ev.PluginID != pluginID {
			return
		}
		if len(types) > 0 && !types[ev.Type] {
			return
		}
		select {
		case send <- ev:
		default:
			s.logger.Warn("dropped event for slow client", "type", string(ev.Type))
		}
	})
	defer unsub()

	actor := middleware.Actor(r.Context())
	s.logger.Info("event stream opened", "actor", actor, "plugin", pluginID)
	defer s.logger.Info("event stream closed", "actor", actor)

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-send:
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(wctx, ws, ev)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
