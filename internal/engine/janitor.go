package engine

import (
	"log/slog"
	"sync"
	"time"
)

// BlobSweeper is the slice of the blob store the janitor needs. Eviction is
// by age: blobs older than the retention window are removed together with
// their metadata.
type BlobSweeper interface {
	EvictOlderThan(maxAgeMs, nowMs int64) (int, error)
}

// Janitor periodically sweeps the engine's TTL-bound state and the blob
// store's retention window. Start it once; Stop blocks until the sweep
// goroutine has exited.
type Janitor struct {
	engine   *Engine
	blobs    BlobSweeper
	interval time.Duration
	// blobRetentionMs is the blob retention window, typically much longer
	// than the message TTL so claimed audio stays fetchable.
	blobRetentionMs int64

	done chan struct{}
	wg   sync.WaitGroup
}

// NewJanitor creates a janitor sweeping every interval. blobs may be nil
// when no blob store is attached (tests).
func NewJanitor(e *Engine, blobs BlobSweeper, interval time.Duration, blobRetentionMs int64) *Janitor {
	return &Janitor{
		engine:          e,
		blobs:           blobs,
		interval:        interval,
		blobRetentionMs: blobRetentionMs,
		done:            make(chan struct{}),
	}
}

// Start launches the sweep goroutine.
func (j *Janitor) Start() {
	j.wg.Add(1)
	go j.run()
}

// Stop signals the sweep goroutine and waits for it to exit.
func (j *Janitor) Stop() {
	close(j.done)
	j.wg.Wait()
}

func (j *Janitor) run() {
	defer j.wg.Done()

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.done:
			return
		case <-ticker.C:
			j.sweep(time.Now().UnixMilli())
		}
	}
}

// sweep runs one eviction pass. Factored out of run so tests can invoke it
// synchronously with a fabricated clock.
func (j *Janitor) sweep(nowMs int64) {
	msgs, replies := j.engine.Sweep(nowMs)
	if msgs > 0 || replies > 0 {
		slog.Info("janitor sweep",
			"expired_messages", msgs,
			"expired_replies", replies)
	}

	if j.blobs == nil {
		return
	}
	n, err := j.blobs.EvictOlderThan(j.blobRetentionMs, nowMs)
	if err != nil {
		slog.Error("janitor blob sweep failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("janitor reclaimed blobs", "count", n)
		if j.engine.metrics != nil {
			j.engine.metrics.Expired.Add("blobs", int64(n))
		}
	}
}
