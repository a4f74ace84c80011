// Package engine is the pairing core of EchoDrop.
//
// All application code (HTTP handlers, the websocket hub, the janitor) talks
// to the Engine — never directly to the message queue, the reply correlator,
// or the presence registry. The Engine serialises every composite mutation
// behind a single mutex, which is what makes the two correctness properties
// hold: two viewers can never claim the same message, and a reply resolves to
// exactly one waiter.
//
// Data flow:
//
//	Sender  → REST submit → Engine.Submit → queue.Store.Enqueue → offer to waiters
//	Viewer  → ws join-queue → Engine.JoinQueue → queue.Store.ClaimFor
//	Sender  → ws send-message → Engine.SendMessage → reply.Correlator.Register
//	Replier → ws/REST reply → Engine.SendReply → reply.Correlator.Resolve → targeted emit
//
// Outbound events go through the EventSink, which the websocket hub
// implements. Delivery is fire-and-forget: a send to a vanished connection is
// a harmless no-op, never an error surfaced back into the engine.
package engine

import (
	"container/list"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tkaria/echodrop/internal/ident"
	"github.com/tkaria/echodrop/internal/metrics"
	"github.com/tkaria/echodrop/internal/presence"
	"github.com/tkaria/echodrop/internal/queue"
	"github.com/tkaria/echodrop/internal/reply"
)

// ─── EventSink ────────────────────────────────────────────────────────────────

// EventSink receives the outbound live-channel events the engine emits.
// Every method targets exactly one connection. Implementations must not
// block: the engine calls them while holding its mutation lock.
type EventSink interface {
	// MessageReceived hands a claimed message to a viewer. storageKey lets
	// the transport mint a fetch URL for the audio blob.
	MessageReceived(connID, messageID, storageKey string, createdAtMs int64)
	// MessageSent acknowledges that a reply correlation is registered.
	MessageSent(connID, messageID string, atMs int64)
	// ReplyReceived delivers a reply to the original sender.
	ReplyReceived(connID, replyID, originalMessageID string, atMs int64)
	// ReplySent acknowledges a replier; delivered reports whether anyone
	// was still waiting.
	ReplySent(connID string, delivered bool)
	// MessageSkipped acknowledges a skip.
	MessageSkipped(connID string)
	// Error reports a request-level failure without disconnecting.
	Error(connID, message string)
}

// ─── Requests / results ──────────────────────────────────────────────────────

// SubmitRequest carries everything needed to enqueue one stored message.
// The blob has already been uploaded by the transport layer; the engine does
// no I/O.
type SubmitRequest struct {
	MessageID  string
	StorageKey string
	SenderID   string // may be empty for fully anonymous submissions
}

// SubmitResult is returned after a successful Submit.
type SubmitResult struct {
	MessageID     string
	QueuePosition int
}

// Snapshot is a read-only view of engine state for the health probe.
type Snapshot struct {
	ActiveConnections int
	QueueLength       int
	PendingReplies    int
}

// ─── Option / functional options ─────────────────────────────────────────────

// Option is a functional option for the Engine.
type Option func(*Engine)

// WithMetrics attaches a metrics.Registry so pairing activity is counted.
func WithMetrics(reg *metrics.Registry) Option {
	return func(e *Engine) { e.metrics = reg }
}

// WithClock replaces the wall clock. Tests use this to drive TTL behaviour
// deterministically.
func WithClock(now func() int64) Option {
	return func(e *Engine) { e.now = now }
}

// ─── Engine ───────────────────────────────────────────────────────────────────

// Config holds the engine's TTL tuning.
type Config struct {
	// TTLMs is the maximum age of a queued message or pending correlation
	// before Sweep evicts it.
	TTLMs int64
}

// Engine orchestrates the message queue, reply correlator, and presence
// registry in response to lifecycle events. All methods are safe for
// concurrent use.
type Engine struct {
	cfg      Config
	store    *queue.Store
	replies  *reply.Correlator
	presence *presence.Registry
	sink     EventSink

	metrics *metrics.Registry
	now     func() int64

	mu sync.Mutex
	// waiting holds connection ids in join order (oldest waiter first).
	waiting       *list.List
	waitingByConn map[string]*list.Element
	// lastSubmitted remembers each connection's most recent message id so a
	// bare send-message event can fall back to it.
	lastSubmitted map[string]string
}

// New creates an Engine over the given stores and sink.
func New(cfg Config, store *queue.Store, replies *reply.Correlator, pres *presence.Registry, sink EventSink, opts ...Option) *Engine {
	e := &Engine{
		cfg:           cfg,
		store:         store,
		replies:       replies,
		presence:      pres,
		sink:          sink,
		now:           func() int64 { return time.Now().UnixMilli() },
		waiting:       list.New(),
		waitingByConn: make(map[string]*list.Element),
		lastSubmitted: make(map[string]string),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// NewMessageID produces the id for a message about to be uploaded. The id is
// generated before the blob upload so the storage key can embed it.
func (e *Engine) NewMessageID() (string, error) {
	id, err := ident.NewID()
	if err != nil {
		return "", fmt.Errorf("engine: generate message id: %w", err)
	}
	return id, nil
}

// ─── Connection lifecycle ─────────────────────────────────────────────────────

// Connect registers a fresh connection in the presence registry.
func (e *Engine) Connect(connID string) {
	e.presence.Join(connID, nil, e.now())
}

// Disconnect removes the connection from presence and the waiting list.
// Queued messages and pending correlations authored by the connection are
// deliberately left in place until TTL expiry — a reply resolved against a
// vanished connection is dropped by the sink, which is harmless.
func (e *Engine) Disconnect(connID string) {
	e.mu.Lock()
	if el, ok := e.waitingByConn[connID]; ok {
		e.waiting.Remove(el)
		delete(e.waitingByConn, connID)
	}
	delete(e.lastSubmitted, connID)
	e.mu.Unlock()

	e.presence.Leave(connID)
}

// ─── Join queue ───────────────────────────────────────────────────────────────

// Profile limits — enforced on every join.
const (
	profileMaxKeys     = 16  // max number of key/value pairs
	profileMaxKeyBytes = 64  // max bytes per key
	profileMaxValBytes = 512 // max bytes per value
)

// validateProfile returns a non-nil error if p violates any profile limit.
func validateProfile(p map[string]string) error {
	if len(p) > profileMaxKeys {
		return fmt.Errorf("profile: too many attributes (max %d)", profileMaxKeys)
	}
	for k, v := range p {
		if len(k) == 0 {
			return errors.New("profile: attribute key must not be empty")
		}
		if len(k) > profileMaxKeyBytes {
			return fmt.Errorf("profile: attribute key too long (max %d bytes)", profileMaxKeyBytes)
		}
		if len(v) > profileMaxValBytes {
			return fmt.Errorf("profile: attribute value too long (max %d bytes)", profileMaxValBytes)
		}
	}
	return nil
}

// JoinQueue marks the connection as a viewer wanting a message. The engine
// immediately attempts a claim; when nothing eligible is queued the
// connection waits until a future submission frees one. Delivery is always
// targeted — no other connection learns of the pairing. An oversized profile
// rejects the join with a targeted error event.
func (e *Engine) JoinQueue(connID string, profile map[string]string) {
	if err := validateProfile(profile); err != nil {
		e.sink.Error(connID, err.Error())
		return
	}
	e.presence.Join(connID, profile, e.now())

	e.mu.Lock()
	defer e.mu.Unlock()

	if msg, ok := e.store.ClaimFor(connID); ok {
		e.deliverLocked(connID, msg)
		return
	}
	if _, already := e.waitingByConn[connID]; !already {
		e.waitingByConn[connID] = e.waiting.PushBack(connID)
	}
}

// ─── Submit ───────────────────────────────────────────────────────────────────

// Submit enqueues an already-uploaded message and offers the queue to the
// longest-waiting eligible connection. Returns queue.ErrQueueFull when the
// pending queue is at capacity.
func (e *Engine) Submit(req SubmitRequest) (SubmitResult, error) {
	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()

	err := e.store.Enqueue(queue.Message{
		ID:         req.MessageID,
		StorageKey: req.StorageKey,
		SenderID:   req.SenderID,
		CreatedAt:  now,
	})
	if err != nil {
		return SubmitResult{}, err
	}

	if e.metrics != nil {
		e.metrics.Submitted.Inc()
	}
	if req.SenderID != "" {
		e.lastSubmitted[req.SenderID] = req.MessageID
	}

	e.matchWaitingLocked()

	return SubmitResult{
		MessageID:     req.MessageID,
		QueuePosition: e.store.Len(),
	}, nil
}

// matchWaitingLocked pairs waiting connections with queued messages until a
// full pass produces no match. Waiters are tried oldest first; each claim
// hands out the oldest message that viewer did not author.
// Must be called with e.mu held.
func (e *Engine) matchWaitingLocked() {
	for {
		matched := false
		for el := e.waiting.Front(); el != nil; el = el.Next() {
			connID := el.Value.(string)
			msg, ok := e.store.ClaimFor(connID)
			if !ok {
				continue
			}
			e.waiting.Remove(el)
			delete(e.waitingByConn, connID)
			e.deliverLocked(connID, msg)
			matched = true
			break // the list was mutated; restart the scan
		}
		if !matched {
			return
		}
	}
}

// deliverLocked emits a claimed message to exactly one viewer.
// Must be called with e.mu held.
func (e *Engine) deliverLocked(connID string, msg queue.Message) {
	if msg.SenderID != "" && msg.SenderID == connID {
		// Unreachable: ClaimFor excludes the viewer's own messages. If it
		// ever fires, drop the message rather than violate the invariant.
		slog.Error("self-pairing averted in delivery path",
			"conn_id", connID, "message_id", msg.ID)
		return
	}

	e.sink.MessageReceived(connID, msg.ID, msg.StorageKey, msg.CreatedAt)
	if e.metrics != nil {
		e.metrics.Claimed.Inc()
	}
}

// ─── Reply correlation ───────────────────────────────────────────────────────

// SendMessage registers that connID is awaiting a reply to messageID and
// acknowledges with a message-sent event. An empty messageID falls back to
// the connection's most recently submitted message; if there is none, the
// caller gets a targeted error event.
func (e *Engine) SendMessage(connID, messageID string) {
	now := e.now()

	e.mu.Lock()
	if messageID == "" {
		messageID = e.lastSubmitted[connID]
	}
	if messageID == "" {
		e.mu.Unlock()
		e.sink.Error(connID, "no message to await a reply for")
		return
	}
	e.replies.Register(messageID, connID, now)
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.RepliesRegistered.Inc()
	}
	e.sink.MessageSent(connID, messageID, now)
}

// SendReply resolves the correlation for originalMessageID and, when a
// sender is still waiting, emits reply-received to that connection only.
// The replier is always acknowledged: over the live channel when
// replierConnID is set, otherwise via the returned delivered flag (the REST
// path). Resolving an id nobody is waiting on is not an error.
func (e *Engine) SendReply(replierConnID, originalMessageID, replyID string) (delivered bool) {
	now := e.now()

	e.mu.Lock()
	target, ok := e.replies.Resolve(originalMessageID)
	if ok {
		e.sink.ReplyReceived(target, replyID, originalMessageID, now)
	}
	e.mu.Unlock()

	if e.metrics != nil {
		if ok {
			e.metrics.RepliesDelivered.Inc()
		} else {
			e.metrics.RepliesDangling.Inc()
		}
	}
	if replierConnID != "" {
		e.sink.ReplySent(replierConnID, ok)
	}
	return ok
}

// ─── Skip ─────────────────────────────────────────────────────────────────────

// Skip acknowledges that the viewer discarded a claimed message. Skipping is
// terminal: the message is not requeued, and its blob is reclaimed by the
// janitor's retention sweep.
func (e *Engine) Skip(connID, messageID string) {
	if e.metrics != nil {
		e.metrics.Skipped.Inc()
	}
	slog.Debug("message skipped", "conn_id", connID, "message_id", messageID)
	e.sink.MessageSkipped(connID)
}

// ─── Introspection / sweep ───────────────────────────────────────────────────

// Stats returns a point-in-time snapshot for the health probe.
func (e *Engine) Stats() Snapshot {
	return Snapshot{
		ActiveConnections: e.presence.Count(),
		QueueLength:       e.store.Len(),
		PendingReplies:    e.replies.Len(),
	}
}

// WaitingCount returns the number of connections currently waiting for a
// message. Exposed for tests and metrics.
func (e *Engine) WaitingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.waiting.Len()
}

// Sweep evicts queued messages and correlations older than the configured
// TTL. It takes the engine lock, so a sweep never runs concurrently with a
// claim or resolve. Eviction is silent: affected connections are not
// notified.
func (e *Engine) Sweep(nowMs int64) (messages, replies int) {
	e.mu.Lock()
	messages = e.store.EvictOlderThan(e.cfg.TTLMs, nowMs)
	replies = e.replies.EvictOlderThan(e.cfg.TTLMs, nowMs)
	e.mu.Unlock()

	if e.metrics != nil {
		if messages > 0 {
			e.metrics.Expired.Add("messages", int64(messages))
		}
		if replies > 0 {
			e.metrics.Expired.Add("replies", int64(replies))
		}
	}
	return messages, replies
}
