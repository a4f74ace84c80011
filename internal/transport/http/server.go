// Package http provides the HTTP transport layer for EchoDrop.
//
// Routes (Go 1.22+ method-qualified patterns):
//
//	POST /messages               — upload a voice message
//	GET  /messages/{id}          — fetch a signed URL for a message's audio
//	POST /messages/{id}/reply    — upload a reply to a message
//	GET  /media/{key...}         — download a blob (signed links only)
//	GET  /ws                     — live channel (WebSocket)
//	GET  /health
//	GET  /metrics                — Prometheus text format
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/tkaria/echodrop/internal/blob"
	"github.com/tkaria/echodrop/internal/config"
	"github.com/tkaria/echodrop/internal/engine"
	"github.com/tkaria/echodrop/internal/metrics"
	transportws "github.com/tkaria/echodrop/internal/transport/websocket"
)

// Server wraps the stdlib HTTP server with EchoDrop route wiring.
type Server struct {
	inner *http.Server
}

// New builds a Server around the pairing engine and the blob store.
// The caller is responsible for calling ListenAndServe / Shutdown.
func New(e *engine.Engine, blobs *blob.Store, signer *blob.Signer, hub *transportws.Hub, cfg *config.Config, reg *metrics.Registry) *Server {
	h := &Handler{
		engine:        e,
		blobs:         blobs,
		signer:        signer,
		maxAudioBytes: cfg.Limits.MaxAudioBytes,
		startedAt:     time.Now(),
	}
	ws := &transportws.Handler{Hub: hub, Engine: e, Metrics: reg}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.health)

	// Messages & replies
	mux.HandleFunc("POST /messages", h.submitMessage)
	mux.HandleFunc("GET /messages/{id}", h.fetchMessage)
	mux.HandleFunc("POST /messages/{id}/reply", h.submitReply)

	// Blob download via signed links
	mux.HandleFunc("GET /media/{key...}", h.serveMedia)

	// Live channel
	mux.Handle("GET /ws", ws)

	// Metrics (Prometheus text format)
	if reg != nil {
		mux.Handle("GET /metrics", reg.Handler())
	}

	var handler http.Handler = mux
	handler = chain(handler,
		CORSMiddleware,
		MaxBodyMiddleware(cfg.Limits.MaxAudioBytes),
		LoggingMiddleware(reg),
		AuthMiddleware(cfg.Auth.APIKey, cfg.Auth.Enabled),
		RateLimitMiddleware(cfg.Limits.RateRPS, cfg.Limits.RateBurst),
	)

	return &Server{
		inner: &http.Server{
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Handler returns the composed http.Handler (useful for testing).
func (s *Server) Handler() http.Handler { return s.inner.Handler }

// ListenAndServe starts the server on the given address (e.g. ":8080").
// It returns when the server stops or encounters an error.
func (s *Server) ListenAndServe(addr string) error {
	s.inner.Addr = addr
	return s.inner.ListenAndServe()
}

// Shutdown gracefully stops the server, waiting up to ctx's deadline for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.inner.Shutdown(ctx)
}
