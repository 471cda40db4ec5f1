package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"trustgate/internal/domain"
)

// EventFilter narrows an event stream. Zero values match everything.
type EventFilter struct {
	PluginID string
	Types    []domain.EventType
}

func (f EventFilter) query() string {
	q := url.Values{}
	if f.PluginID != "" {
		q.Set("plugin", f.PluginID)
	}
	if len(f.Types) > 0 {
		types := make([]string, len(f.Types))
		for i, t := range f.Types {
			types[i] = string(t)
		}
		q.Set("type", strings.Join(types, ","))
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}

// Events subscribes to the server's event stream. The channel closes when
// ctx is cancelled or the connection drops.
func (c *Client) Events(ctx context.Context, f EventFilter) (<-chan domain.Event, error) {
	u := c.base + "/v1/events" + f.query()
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}

	header := http.Header{}
	header.Set("User-Agent", c.userAgent)
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	// The dial shares the transport but not the overall timeout, which
	// would cut the stream.
	hc := *c.http
	hc.Timeout = 0

	ws, resp, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: &hc, HTTPHeader: header})
	if err != nil {
		if resp != nil && resp.StatusCode >= 300 {
			return nil, &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return nil, fmt.Errorf("dial events: %w", err)
	}

	out := make(chan domain.Event)
	go func() {
		defer close(out)
		defer ws.Close(websocket.StatusNormalClosure, "")
		for {
			var ev domain.Event
			if err := wsjson.Read(ctx, ws, &ev); err != nil {
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
