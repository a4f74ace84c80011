package reply_test

import (
	"sync"
	"testing"

	"github.com/tkaria/echodrop/internal/reply"
)

func TestCorrelator_RegisterResolve(t *testing.T) {
	c := reply.New()
	c.Register("msg-1", "conn-a", 1000)

	conn, ok := c.Resolve("msg-1")
	if !ok || conn != "conn-a" {
		t.Fatalf("Resolve: want (conn-a, true), got (%s, %v)", conn, ok)
	}

	// Removed on resolve — a second attempt finds no one waiting.
	if _, ok := c.Resolve("msg-1"); ok {
		t.Fatal("second Resolve for the same id must return false")
	}
}

func TestCorrelator_ResolveUnknown(t *testing.T) {
	c := reply.New()
	if _, ok := c.Resolve("never-registered"); ok {
		t.Fatal("Resolve of unknown id must return false, not error")
	}
}

func TestCorrelator_RegisterOverwritesSilently(t *testing.T) {
	c := reply.New()
	c.Register("msg-1", "conn-a", 1000)
	c.Register("msg-1", "conn-b", 2000) // refresh, not error

	if c.Len() != 1 {
		t.Fatalf("Len after overwrite: want 1, got %d", c.Len())
	}
	conn, ok := c.Resolve("msg-1")
	if !ok || conn != "conn-b" {
		t.Fatalf("Resolve after overwrite: want conn-b, got (%s, %v)", conn, ok)
	}
}

func TestCorrelator_EvictOlderThan(t *testing.T) {
	c := reply.New()
	base := int64(1_000_000)
	c.Register("stale", "conn-a", base)
	c.Register("fresh", "conn-b", base+55_000)

	if n := c.EvictOlderThan(60_000, base+59_000); n != 0 {
		t.Fatalf("evict before TTL: want 0, got %d", n)
	}
	if n := c.EvictOlderThan(60_000, base+61_000); n != 1 {
		t.Fatalf("evict after TTL: want 1, got %d", n)
	}
	if _, ok := c.Resolve("stale"); ok {
		t.Fatal("stale correlation survived eviction")
	}
	if _, ok := c.Resolve("fresh"); !ok {
		t.Fatal("fresh correlation was evicted")
	}
}

func TestCorrelator_ConcurrentResolve_AtMostOnce(t *testing.T) {
	const attempts = 100
	c := reply.New()
	c.Register("msg-1", "conn-a", 1000)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if conn, ok := c.Resolve("msg-1"); ok {
				if conn != "conn-a" {
					t.Errorf("winner got wrong connection %q", conn)
				}
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("want exactly 1 winning Resolve, got %d", wins)
	}
}
