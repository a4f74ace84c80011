package client

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	gorillaws "github.com/gorilla/websocket"
)

// Event types delivered on a Session's event channel.
const (
	EventMessageReceived = "message-received"
	EventMessageSent     = "message-sent"
	EventReplyReceived   = "reply-received"
	EventReplySent       = "reply-sent"
	EventMessageSkipped  = "message-skipped"
	EventError           = "error"
)

// Event is a server-pushed frame from the live channel. Fields are populated
// according to Type; unused ones are zero. FileName carries the storage key
// of a delivered blob; URL is a signed fetch path for the same blob.
type Event struct {
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

// Session is a live-channel connection. Obtain one with Client.Dial.
//
// Events arrive on the channel returned by Events; the channel is closed
// when the connection drops or Close is called. Outbound methods are safe
// for concurrent use.
type Session struct {
	conn *gorillaws.Conn

	// connID is assigned by the server in the handshake frame.
	connID string

	writeMu sync.Mutex
	events  chan Event

	closeOnce sync.Once
}

// Dial opens the live channel and waits for the server's handshake. The
// returned Session's ConnectionID is the identity to pass as senderID to
// Submit.
func (c *Client) Dial(ctx context.Context) (*Session, error) {
	wsURL := toWebsocketURL(c.baseURL) + "/ws"

	var header http.Header
	if c.apiKey != "" {
		header = http.Header{"X-Api-Key": []string{c.apiKey}}
	}

	conn, resp, err := gorillaws.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: "websocket dial failed"}
		}
		return nil, fmt.Errorf("echodrop: dial %s: %w", wsURL, err)
	}

	// First frame is the handshake carrying our connection id.
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	var hello Event
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return nil, fmt.Errorf("echodrop: read handshake: %w", err)
	}
	if hello.Type != "connected" || hello.ConnectionID == "" {
		conn.Close()
		return nil, fmt.Errorf("echodrop: unexpected handshake frame %q", hello.Type)
	}
	conn.SetReadDeadline(time.Time{})

	s := &Session{
		conn:   conn,
		connID: hello.ConnectionID,
		events: make(chan Event, 16),
	}
	go s.readLoop()
	return s, nil
}

// ConnectionID returns the server-assigned identity for this session.
func (s *Session) ConnectionID() string { return s.connID }

// Events returns the channel of server-pushed events. It is closed when the
// session ends.
func (s *Session) Events() <-chan Event { return s.events }

// Close tears down the connection. The event channel is closed shortly
// after.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		s.conn.WriteControl(gorillaws.CloseMessage,
			gorillaws.FormatCloseMessage(gorillaws.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *Session) readLoop() {
	defer close(s.events)
	for {
		var ev Event
		if err := s.conn.ReadJSON(&ev); err != nil {
			return
		}
		s.events <- ev
	}
}

// outFrame mirrors the server's inbound frame shape.
type outFrame struct {
	Type              string            `json:"type"`
	Profile           map[string]string `json:"profile,omitempty"`
	MessageID         string            `json:"message_id,omitempty"`
	OriginalMessageID string            `json:"original_message_id,omitempty"`
	ReplyID           string            `json:"reply_id,omitempty"`
}

func (s *Session) write(f outFrame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := s.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("echodrop: write %s frame: %w", f.Type, err)
	}
	return nil
}

// JoinQueue asks the server for someone else's message. profile is optional
// free-form metadata and may be nil.
func (s *Session) JoinQueue(profile map[string]string) error {
	return s.write(outFrame{Type: "join-queue", Profile: profile})
}

// SendMessage arms the reply correlation for a previously submitted message,
// so a future reply to it is routed back to this session.
func (s *Session) SendMessage(messageID string) error {
	return s.write(outFrame{Type: "send-message", MessageID: messageID})
}

// SendReply replies to a received message over the live channel.
func (s *Session) SendReply(originalMessageID, replyID string) error {
	return s.write(outFrame{
		Type:              "send-reply",
		OriginalMessageID: originalMessageID,
		ReplyID:           replyID,
	})
}

// Skip discards a received message without replying.
func (s *Session) Skip(messageID string) error {
	return s.write(outFrame{Type: "skip-message", MessageID: messageID})
}

// toWebsocketURL rewrites an http(s) base URL to its ws(s) equivalent.
func toWebsocketURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}
