// Package reply tracks which live connection is owed the reply to each
// in-flight message. The Correlator is the sole owner of pending-reply
// entries; resolution is atomic, so a reply is delivered at most once per
// message id even under concurrent reply attempts.
//
// All methods are safe for concurrent use.
package reply

import "sync"

// Pending is one outstanding correlation: the sender of MessageID is waiting
// on SenderConnID for a reply. At most one Pending exists per message id.
type Pending struct {
	MessageID    string
	SenderConnID string
	CreatedAt    int64 // UTC milliseconds
}

// Correlator maps outstanding message ids to the connection that must
// receive their reply.
type Correlator struct {
	mu      sync.Mutex
	entries map[string]Pending
}

// New creates an empty Correlator.
func New() *Correlator {
	return &Correlator{entries: make(map[string]Pending)}
}

// Register stores the pending correlation for messageID. If an entry already
// exists it is silently overwritten — a refresh, not an error.
func (c *Correlator) Register(messageID, senderConnID string, nowMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[messageID] = Pending{
		MessageID:    messageID,
		SenderConnID: senderConnID,
		CreatedAt:    nowMs,
	}
}

// Resolve looks up and removes the entry for messageID in one step.
// Exactly one caller wins for a given id; everyone else — and any caller
// holding an unknown or expired id — gets false, which means "no one is
// waiting" and must be treated as a graceful non-delivery, not an error.
func (c *Correlator) Resolve(messageID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.entries[messageID]
	if !ok {
		return "", false
	}
	delete(c.entries, messageID)
	return p.SenderConnID, true
}

// EvictOlderThan removes every correlation whose age exceeds maxAgeMs at
// nowMs and returns the number evicted.
func (c *Correlator) EvictOlderThan(maxAgeMs, nowMs int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var n int
	for id, p := range c.entries {
		if nowMs-p.CreatedAt > maxAgeMs {
			delete(c.entries, id)
			n++
		}
	}
	return n
}

// Len returns the number of outstanding correlations.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
