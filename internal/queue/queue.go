// Package queue owns the pending-message queue at the heart of EchoDrop: the
// FIFO of voice messages waiting to be paired with a viewer, plus the reverse
// index from message id to sender used to prevent self-pairing.
//
// Architecture:
//   - "pending" is a linked list of *Message values (FIFO order, cheap
//     pop-front and mid-list removal).
//   - "byID" maps message id → list element for O(1) Remove.
//
// ClaimFor is an O(n) head-to-tail scan. That is deliberate: the queue's
// steady-state size is bounded by TTL eviction and the hard capacity limit,
// and the scan is what enforces the one correctness-critical invariant —
// a sender must never be handed their own recording.
//
// The Store is the sole owner of queued messages. Nothing outside this
// package mutates the queue. All methods are safe for concurrent use.
package queue

import (
	"container/list"
	"errors"
	"sync"
)

// ─── Error sentinels ──────────────────────────────────────────────────────────

var (
	// ErrQueueFull is returned by Enqueue when the pending queue has reached
	// its hard capacity. Callers should reject the submission rather than
	// block — the queue drains only by claims and TTL eviction.
	ErrQueueFull = errors.New("queue: at capacity")

	// ErrDuplicateID is returned when a message id is enqueued twice.
	// Ids are ULIDs, so this indicates a caller bug, not a runtime condition.
	ErrDuplicateID = errors.New("queue: duplicate message id")
)

// ─── Message ──────────────────────────────────────────────────────────────────

// Message is one queued voice message awaiting a viewer.
// Immutable after Enqueue; timestamps are UTC milliseconds.
type Message struct {
	ID         string
	StorageKey string
	SenderID   string
	CreatedAt  int64
}

// ─── Store ────────────────────────────────────────────────────────────────────

// Store is the pending-message queue and its indexes.
type Store struct {
	mu       sync.Mutex
	pending  *list.List               // elements are *Message (FIFO)
	byID     map[string]*list.Element // message id → element
	capacity int                      // 0 = unlimited
}

// New creates an empty Store. capacity is the hard bound on pending messages;
// 0 means unlimited.
func New(capacity int) *Store {
	return &Store{
		pending:  list.New(),
		byID:     make(map[string]*list.Element),
		capacity: capacity,
	}
}

// Enqueue appends msg to the tail of the pending queue and records the
// id → sender index. It never blocks.
// Returns ErrQueueFull at capacity and ErrDuplicateID on an id collision.
func (s *Store) Enqueue(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.capacity > 0 && s.pending.Len() >= s.capacity {
		return ErrQueueFull
	}
	if _, ok := s.byID[msg.ID]; ok {
		return ErrDuplicateID
	}

	m := msg // store a private copy; callers keep no handle into the queue
	s.byID[msg.ID] = s.pending.PushBack(&m)
	return nil
}

// ClaimFor scans the queue from head to tail and returns (and removes) the
// first message whose sender differs from viewerID. The oldest eligible
// message wins — fairness over throughput.
//
// Returns false when no eligible message exists: the queue is empty, or every
// entry was authored by the viewer. The viewer stays unmatched until a future
// claim attempt.
func (s *Store) ClaimFor(viewerID string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for e := s.pending.Front(); e != nil; e = e.Next() {
		m := e.Value.(*Message)
		if m.SenderID == viewerID {
			continue
		}
		s.pending.Remove(e)
		delete(s.byID, m.ID)
		return *m, true
	}
	return Message{}, false
}

// Remove deletes the message with the given id from the queue and the reverse
// index. Idempotent: removing an unknown id is a no-op.
func (s *Store) Remove(messageID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[messageID]
	if !ok {
		return
	}
	s.pending.Remove(e)
	delete(s.byID, messageID)
}

// EvictOlderThan removes every message whose age exceeds maxAgeMs at nowMs
// and returns the number evicted. The queue is FIFO by CreatedAt, so the scan
// stops at the first entry young enough to keep.
func (s *Store) EvictOlderThan(maxAgeMs, nowMs int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	for {
		front := s.pending.Front()
		if front == nil {
			break
		}
		m := front.Value.(*Message)
		if nowMs-m.CreatedAt <= maxAgeMs {
			break
		}
		s.pending.Remove(front)
		delete(s.byID, m.ID)
		n++
	}
	return n
}

// Len returns the number of pending messages.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Len()
}

// Contains reports whether the message id is still queued.
func (s *Store) Contains(messageID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byID[messageID]
	return ok
}
