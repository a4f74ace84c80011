// Command echodrop-server is the EchoDrop pairing server process.
// It loads configuration, opens the blob store, and starts the server.
//
// Usage:
//
//	echodrop-server [--config path/to/config.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tkaria/echodrop/internal/blob"
	"github.com/tkaria/echodrop/internal/config"
	"github.com/tkaria/echodrop/internal/engine"
	"github.com/tkaria/echodrop/internal/metrics"
	"github.com/tkaria/echodrop/internal/presence"
	"github.com/tkaria/echodrop/internal/queue"
	"github.com/tkaria/echodrop/internal/reply"
	transphttp "github.com/tkaria/echodrop/internal/transport/http"
	transportws "github.com/tkaria/echodrop/internal/transport/websocket"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "echodrop: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// A .env file is optional; absence is not an error.
	_ = godotenv.Load()

	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if cfg.Blob.SignSecret == "" {
		slog.Warn("blob.sign_secret is empty; media links are not protected")
	}

	// ── 3. Open blob store ───────────────────────────────────────────────────
	blobs, err := blob.Open(cfg.Blob.DataDir)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}
	signer := blob.NewSigner(cfg.Blob.SignSecret,
		time.Duration(cfg.Blob.SignValidityMs)*time.Millisecond)

	// ── 4. Initialise metrics registry ───────────────────────────────────────
	metricsReg := &metrics.Registry{}

	// ── 5. Wire the pairing core ─────────────────────────────────────────────
	hub := transportws.NewHub(signer)
	eng := engine.New(
		engine.Config{TTLMs: cfg.Pairing.TTLMs},
		queue.New(cfg.Pairing.MaxPending),
		reply.New(),
		presence.New(),
		hub,
		engine.WithMetrics(metricsReg),
	)

	janitor := engine.NewJanitor(eng, blobs,
		time.Duration(cfg.Pairing.JanitorIntervalMs)*time.Millisecond,
		cfg.Blob.RetentionMs)
	janitor.Start()

	slog.Info("echodrop starting",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"data_dir", cfg.Blob.DataDir,
		"ttl_ms", cfg.Pairing.TTLMs,
	)

	// ── 6. Start HTTP / WebSocket transport ──────────────────────────────────
	srv := transphttp.New(eng, blobs, signer, hub, cfg, metricsReg)
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	// Serve in a background goroutine so we can handle signals.
	serveErr := make(chan error, 1)
	go func() {
		slog.Info("echodrop ready", "addr", addr)
		if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		} else {
			serveErr <- nil
		}
	}()

	// ── 7. Start dedicated Prometheus metrics listener ───────────────────────
	if cfg.Metrics.Enabled {
		metricsAddr := fmt.Sprintf(":%d", cfg.Metrics.Port)
		go func() {
			slog.Info("metrics server listening", "addr", metricsAddr)
			if err := http.ListenAndServe(metricsAddr, metricsReg.Handler()); err != nil {
				slog.Warn("metrics server error", "err", err)
			}
		}()
	}

	// ── 8. Graceful shutdown on SIGINT / SIGTERM ─────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("shutting down", "signal", sig)
	case err := <-serveErr:
		if err != nil {
			janitor.Stop()
			blobs.Close()
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	}

	// Give in-flight requests 5 seconds to complete.
	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutCtx); err != nil {
		slog.Warn("server shutdown error", "err", err)
	}
	janitor.Stop()
	if err := blobs.Close(); err != nil {
		slog.Warn("blob store close error", "err", err)
	}

	slog.Info("echodrop stopped")
	return nil
}
