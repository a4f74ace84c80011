package websocket

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	gorillaws "github.com/gorilla/websocket"

	"github.com/tkaria/echodrop/internal/engine"
	"github.com/tkaria/echodrop/internal/metrics"
)

const (
	// maxFrameBytes caps an inbound frame; control frames are tiny.
	maxFrameBytes = 4 << 10
	pongWait      = 60 * time.Second
	pingPeriod    = 45 * time.Second
	writeWait     = 10 * time.Second
)

// urlParse is an alias so the upgrader closure can call it without shadowing
// the url package import.
var urlParse = url.Parse

var upgrader = gorillaws.Upgrader{
	// CheckOrigin rejects cross-origin WebSocket upgrade requests.
	// A request is considered same-origin when its Origin header matches the
	// Host header (scheme-agnostic).  Requests without an Origin header
	// (e.g. from native clients/curl) are always allowed.
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser client, allow
		}
		parsed, err := parseHost(origin)
		if err != nil {
			return false
		}
		return parsed == r.Host
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// parseHost returns the host:port (or just host) portion of a URL string.
func parseHost(rawURL string) (string, error) {
	u, err := urlParse(rawURL)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid origin %q", rawURL)
	}
	return u.Host, nil
}

// Handler serves the live channel endpoint. It is mounted at GET /ws by the
// HTTP server.
type Handler struct {
	Hub     *Hub
	Engine  *engine.Engine
	Metrics *metrics.Registry
}

// ServeHTTP upgrades the connection, assigns it an identity, and runs the
// frame loop until the client goes away.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "err", err)
		return
	}

	connID := uuid.NewString()
	c := h.Hub.register(connID)
	h.Engine.Connect(connID)
	slog.Info("ws connected", "conn_id", connID, "remote", r.RemoteAddr)

	defer func() {
		h.Engine.Disconnect(connID)
		h.Hub.unregister(connID)
		conn.Close()
		slog.Info("ws disconnected", "conn_id", connID)
	}()

	// Writer goroutine: drains the hub's outbound channel and keeps the
	// connection alive with pings. It exits when unregister closes the
	// channel or a write fails.
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case data, ok := <-c.send:
				if !ok {
					conn.WriteControl(gorillaws.CloseMessage,
						gorillaws.FormatCloseMessage(gorillaws.CloseNormalClosure, ""),
						time.Now().Add(writeWait))
					return
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(gorillaws.TextMessage, data); err != nil {
					return
				}
			case <-ticker.C:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if err := conn.WriteMessage(gorillaws.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	// Handshake: tell the client who it is.
	h.Hub.trySend(connID, serverFrame{Type: "connected", ConnectionID: connID})

	conn.SetReadLimit(maxFrameBytes)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if gorillaws.IsUnexpectedCloseError(err,
				gorillaws.CloseNormalClosure, gorillaws.CloseGoingAway) {
				slog.Warn("ws read failed", "conn_id", connID, "err", err)
			}
			return
		}

		var cf clientFrame
		if err := json.Unmarshal(raw, &cf); err != nil {
			h.Hub.Error(connID, "malformed frame")
			continue
		}
		h.dispatch(connID, cf)
	}
}

// dispatch routes one inbound frame to the engine.
func (h *Handler) dispatch(connID string, cf clientFrame) {
	if h.Metrics != nil {
		h.Metrics.WSEvents.Inc(cf.Type)
	}

	switch cf.Type {
	case "join-queue":
		h.Engine.JoinQueue(connID, cf.Profile)
	case "send-message":
		h.Engine.SendMessage(connID, cf.MessageID)
	case "send-reply":
		if cf.OriginalMessageID == "" || cf.ReplyID == "" {
			h.Hub.Error(connID, "send-reply requires original_message_id and reply_id")
			return
		}
		h.Engine.SendReply(connID, cf.OriginalMessageID, cf.ReplyID)
	case "skip-message":
		h.Engine.Skip(connID, cf.MessageID)
	default:
		h.Hub.Error(connID, fmt.Sprintf("unknown frame type %q", cf.Type))
	}
}
