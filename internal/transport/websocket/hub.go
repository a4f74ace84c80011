// Package websocket provides the live channel for EchoDrop.
//
// Clients open a WebSocket connection to GET /ws. The first frame the server
// sends is the handshake:
//
//	{"type":"connected","connection_id":"<uuid>"}
//
// The connection id doubles as the caller's sender identity on the REST
// surface, so the engine can keep a sender from claiming their own message.
//
// Client → server frames:
//
//	{"type":"join-queue","profile":{...}}
//	{"type":"send-message","message_id":"<ULID>"}
//	{"type":"send-reply","original_message_id":"<ULID>","reply_id":"<ULID>"}
//	{"type":"skip-message","message_id":"<ULID>"}
//
// Server → client frames carry type plus the fields relevant to that type:
// message-received, message-sent, reply-received, reply-sent,
// message-skipped, and error.
package websocket

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/tkaria/echodrop/internal/blob"
)

// serverFrame is the JSON structure the server sends to the client.
// Fields are omitted when not relevant to the frame type. file_name carries
// the storage key; url is the signed fetch path for the same blob.
type serverFrame struct {
	Type              string `json:"type"`
	ConnectionID      string `json:"connection_id,omitempty"`
	MessageID         string `json:"message_id,omitempty"`
	FileName          string `json:"file_name,omitempty"`
	URL               string `json:"url,omitempty"`
	ReplyID           string `json:"reply_id,omitempty"`
	OriginalMessageID string `json:"original_message_id,omitempty"`
	Timestamp         int64  `json:"timestamp,omitempty"`
	Success           *bool  `json:"success,omitempty"`
	Message           string `json:"message,omitempty"`
}

// clientFrame is the JSON structure the client sends to the server.
type clientFrame struct {
	Type              string            `json:"type"`
	Profile           map[string]string `json:"profile,omitempty"`
	MessageID         string            `json:"message_id,omitempty"`
	OriginalMessageID string            `json:"original_message_id,omitempty"`
	ReplyID           string            `json:"reply_id,omitempty"`
}

// sendBuffer is the per-connection outbound queue depth. A client that stops
// reading for this many frames starts losing events rather than blocking the
// engine.
const sendBuffer = 32

type client struct {
	send chan []byte
}

// Hub tracks live connections and implements the engine's event sink.
// All methods are safe for concurrent use.
type Hub struct {
	// Signer mints fetch URLs for delivered messages. May be nil, in which
	// case the storage key is sent bare.
	Signer *blob.Signer

	mu    sync.RWMutex
	conns map[string]*client
}

// NewHub creates an empty hub. signer may be nil.
func NewHub(signer *blob.Signer) *Hub {
	return &Hub{
		Signer: signer,
		conns:  make(map[string]*client),
	}
}

// register adds a connection and returns its outbound channel.
func (h *Hub) register(connID string) *client {
	c := &client{send: make(chan []byte, sendBuffer)}
	h.mu.Lock()
	h.conns[connID] = c
	h.mu.Unlock()
	return c
}

// unregister drops the connection and closes its outbound channel, which
// terminates the writer goroutine.
func (h *Hub) unregister(connID string) {
	h.mu.Lock()
	c, ok := h.conns[connID]
	if ok {
		delete(h.conns, connID)
	}
	h.mu.Unlock()
	if ok {
		close(c.send)
	}
}

// Count returns the number of live connections.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// trySend marshals frame and queues it for connID without blocking. A frame
// to a vanished connection is dropped silently; a frame to a stalled
// connection is dropped with a warning.
func (h *Hub) trySend(connID string, frame serverFrame) {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Error("marshal ws frame", "type", frame.Type, "error", err)
		return
	}

	h.mu.RLock()
	c, ok := h.conns[connID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case c.send <- data:
	default:
		slog.Warn("ws send buffer full, dropping frame",
			"conn_id", connID, "type", frame.Type)
	}
}

// fetchURL turns a storage key into the URL a client should fetch the blob
// from.
func (h *Hub) fetchURL(storageKey string) string {
	if h.Signer == nil {
		return "/media/" + storageKey
	}
	return h.Signer.SignedPath(storageKey, time.Now())
}

// ─── engine.EventSink ─────────────────────────────────────────────────────────

func (h *Hub) MessageReceived(connID, messageID, storageKey string, createdAtMs int64) {
	h.trySend(connID, serverFrame{
		Type:      "message-received",
		MessageID: messageID,
		FileName:  storageKey,
		URL:       h.fetchURL(storageKey),
		Timestamp: createdAtMs,
	})
}

func (h *Hub) MessageSent(connID, messageID string, atMs int64) {
	h.trySend(connID, serverFrame{
		Type:      "message-sent",
		MessageID: messageID,
		Timestamp: atMs,
	})
}

func (h *Hub) ReplyReceived(connID, replyID, originalMessageID string, atMs int64) {
	h.trySend(connID, serverFrame{
		Type:              "reply-received",
		ReplyID:           replyID,
		OriginalMessageID: originalMessageID,
		URL:               h.fetchURL(blob.ReplyKey(replyID)),
		Timestamp:         atMs,
	})
}

func (h *Hub) ReplySent(connID string, delivered bool) {
	h.trySend(connID, serverFrame{
		Type:    "reply-sent",
		Success: &delivered,
	})
}

func (h *Hub) MessageSkipped(connID string) {
	ok := true
	h.trySend(connID, serverFrame{Type: "message-skipped", Success: &ok})
}

func (h *Hub) Error(connID, message string) {
	h.trySend(connID, serverFrame{Type: "error", Message: message})
}
