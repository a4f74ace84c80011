// Package metrics provides a lightweight Prometheus-compatible metrics
// registry for EchoDrop. It deliberately avoids the prometheus/client_golang
// package so the server binary stays small with no additional dependencies.
//
// # Counter naming convention
//
// Labelled counters use a tab-separated string as their key so a single
// sync.Map can hold all label combinations without nesting:
//
//	Expired                 →  key = store name ("messages", "replies", "blobs")
//	WSEvents                →  key = frame type ("join-queue", "send-reply", …)
//	HTTPReqs                →  key = "method\tpath\tstatus"
//	HTTPDurMs / HTTPDurCnt  →  key = "method\tpath"
//
// Pairing-level counters are plain atomic counters.
//
// # Prometheus text output
//
// Registry.Handler() returns an http.Handler that renders everything in the
// Prometheus exposition format (text/plain; version=0.0.4).
package metrics

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
)

// ─── Counter ──────────────────────────────────────────────────────────────────

// Counter is a single unlabelled monotonic counter.
type Counter struct {
	v atomic.Int64
}

// Inc increments the counter by 1.
func (c *Counter) Inc() { c.v.Add(1) }

// Add increments the counter by n.
func (c *Counter) Add(n int64) { c.v.Add(n) }

// Load returns the current value.
func (c *Counter) Load() int64 { return c.v.Load() }

// ─── labelCounter ─────────────────────────────────────────────────────────────

// labelCounter is a lock-free, label-keyed counter map backed by sync.Map and
// atomic.Int64 values.
type labelCounter struct {
	vals sync.Map // key string → *atomic.Int64
}

func (lc *labelCounter) get(key string) *atomic.Int64 {
	v, _ := lc.vals.LoadOrStore(key, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// Inc increments the counter for key by 1.
func (lc *labelCounter) Inc(key string) { lc.get(key).Add(1) }

// Add increments the counter for key by n.
func (lc *labelCounter) Add(key string, n int64) { lc.get(key).Add(n) }

// Each calls fn for every key/value pair. The order is non-deterministic.
func (lc *labelCounter) Each(fn func(key string, val int64)) {
	lc.vals.Range(func(k, v any) bool {
		fn(k.(string), v.(*atomic.Int64).Load())
		return true
	})
}

// ─── Registry ─────────────────────────────────────────────────────────────────

// Registry holds all EchoDrop application metrics.
type Registry struct {
	// Pairing counters.
	Submitted         Counter // messages accepted into the pending queue
	Claimed           Counter // messages handed to a viewer
	Skipped           Counter // skip-message acknowledgements
	RepliesRegistered Counter // correlations registered via send-message
	RepliesDelivered  Counter // replies that reached a waiting sender
	RepliesDangling   Counter // replies whose sender was no longer waiting

	// Expired counts TTL evictions. key = store name.
	Expired labelCounter

	// WSEvents counts inbound live-channel frames. key = frame type.
	WSEvents labelCounter

	// HTTP-level counters. key = "method\tpath\tstatus" (Reqs) or "method\tpath" (Dur*).
	HTTPReqs   labelCounter
	HTTPDurMs  labelCounter // sum of request durations in milliseconds
	HTTPDurCnt labelCounter // number of requests (same key as HTTPDurMs, for avg)
}

// ─── Prometheus text serialisation ────────────────────────────────────────────

// Handler returns an http.Handler that renders all metrics in the Prometheus
// plain-text exposition format (text/plain; version=0.0.4).
func (r *Registry) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		w.WriteHeader(http.StatusOK)

		var b strings.Builder

		// ── pairing counters ─────────────────────────────────────────────────
		writePlain(&b, "echodrop_messages_submitted_total",
			"Total voice messages accepted into the pending queue", &r.Submitted)
		writePlain(&b, "echodrop_messages_claimed_total",
			"Total messages claimed by viewers", &r.Claimed)
		writePlain(&b, "echodrop_messages_skipped_total",
			"Total skip-message acknowledgements", &r.Skipped)
		writePlain(&b, "echodrop_replies_registered_total",
			"Total reply correlations registered", &r.RepliesRegistered)
		writePlain(&b, "echodrop_replies_delivered_total",
			"Total replies delivered to a waiting sender", &r.RepliesDelivered)
		writePlain(&b, "echodrop_replies_dangling_total",
			"Total replies with no registered correlation", &r.RepliesDangling)

		writeFamily(&b, "echodrop_expired_total",
			"Total entries evicted by the TTL janitor", "counter",
			func(fn func(labels, val string)) {
				r.Expired.Each(func(key string, val int64) {
					fn(fmt.Sprintf(`store=%q`, key), fmt.Sprintf("%d", val))
				})
			})

		writeFamily(&b, "echodrop_ws_events_total",
			"Total inbound live-channel frames by type", "counter",
			func(fn func(labels, val string)) {
				r.WSEvents.Each(func(key string, val int64) {
					fn(fmt.Sprintf(`type=%q`, key), fmt.Sprintf("%d", val))
				})
			})

		// ── HTTP counters ─────────────────────────────────────────────────────
		writeFamily(&b, "echodrop_http_requests_total",
			"Total HTTP requests by method, path, and status code", "counter",
			func(fn func(labels, val string)) {
				r.HTTPReqs.Each(func(key string, val int64) {
					method, path, status := splitThree(key)
					fn(fmt.Sprintf(`method=%q,path=%q,status=%q`, method, path, status),
						fmt.Sprintf("%d", val))
				})
			})

		writeFamily(&b, "echodrop_http_request_duration_milliseconds_sum",
			"Sum of HTTP request durations in milliseconds", "counter",
			func(fn func(labels, val string)) {
				r.HTTPDurMs.Each(func(key string, val int64) {
					method, path := splitTwo(key)
					fn(fmt.Sprintf(`method=%q,path=%q`, method, path),
						fmt.Sprintf("%d", val))
				})
			})

		writeFamily(&b, "echodrop_http_request_duration_milliseconds_count",
			"Count of observed HTTP request durations", "counter",
			func(fn func(labels, val string)) {
				r.HTTPDurCnt.Each(func(key string, val int64) {
					method, path := splitTwo(key)
					fn(fmt.Sprintf(`method=%q,path=%q`, method, path),
						fmt.Sprintf("%d", val))
				})
			})

		fmt.Fprint(w, b.String())
	})
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// writePlain writes an unlabelled counter family. Zero-valued counters are
// still rendered — a flat zero is information on a dashboard.
func writePlain(b *strings.Builder, name, help string, c *Counter) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s counter\n", name)
	fmt.Fprintf(b, "%s %d\n", name, c.Load())
}

// writeFamily writes a single labelled Prometheus metric family to b.
// fill is called with a writer function that appends individual label+value lines.
func writeFamily(
	b *strings.Builder,
	name, help, typ string,
	fill func(fn func(labels, val string)),
) {
	// Buffer individual metric lines so we can skip the header when empty.
	var lines []string
	fill(func(labels, val string) {
		lines = append(lines, fmt.Sprintf("%s{%s} %s\n", name, labels, val))
	})
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, typ)
	for _, l := range lines {
		b.WriteString(l)
	}
}

// splitTwo splits a tab-delimited key of the form "a\tb" into (a, b).
// If there is no tab, the whole string is returned as the first component.
func splitTwo(key string) (string, string) {
	i := strings.IndexByte(key, '\t')
	if i < 0 {
		return key, ""
	}
	return key[:i], key[i+1:]
}

// splitThree splits a tab-delimited key "a\tb\tc" into (a, b, c).
func splitThree(key string) (string, string, string) {
	a, rest := splitTwo(key)
	b, c := splitTwo(rest)
	return a, b, c
}

// ─── Convenience key builders ─────────────────────────────────────────────────

// HTTPKey builds the label key used by HTTPReqs.
func HTTPKey(method, path, status string) string {
	return method + "\t" + path + "\t" + status
}

// HTTPDurKey builds the label key used by HTTPDurMs / HTTPDurCnt.
func HTTPDurKey(method, path string) string {
	return method + "\t" + path
}
