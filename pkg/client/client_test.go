package client

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tkaria/echodrop/internal/blob"
	"github.com/tkaria/echodrop/internal/config"
	"github.com/tkaria/echodrop/internal/engine"
	"github.com/tkaria/echodrop/internal/presence"
	"github.com/tkaria/echodrop/internal/queue"
	"github.com/tkaria/echodrop/internal/reply"
	transphttp "github.com/tkaria/echodrop/internal/transport/http"
	transportws "github.com/tkaria/echodrop/internal/transport/websocket"
)

// startServer brings up the full server stack on an httptest listener and
// returns a client pointed at it.
func startServer(t *testing.T, mutate func(*config.Config)) *Client {
	t.Helper()

	cfg := config.Default()
	cfg.Blob.DataDir = t.TempDir()
	cfg.Blob.SignSecret = "sdk-test-secret"
	if mutate != nil {
		mutate(cfg)
	}

	blobs, err := blob.Open(cfg.Blob.DataDir)
	if err != nil {
		t.Fatalf("blob.Open: %v", err)
	}
	t.Cleanup(func() { blobs.Close() })

	signer := blob.NewSigner(cfg.Blob.SignSecret, time.Duration(cfg.Blob.SignValidityMs)*time.Millisecond)
	hub := transportws.NewHub(signer)
	eng := engine.New(
		engine.Config{TTLMs: cfg.Pairing.TTLMs},
		queue.New(cfg.Pairing.MaxPending),
		reply.New(),
		presence.New(),
		hub,
	)

	srv := httptest.NewServer(transphttp.New(eng, blobs, signer, hub, cfg, nil).Handler())
	t.Cleanup(srv.Close)

	opts := []ClientOption{}
	if cfg.Auth.Enabled {
		opts = append(opts, WithAPIKey(cfg.Auth.APIKey))
	}
	return New(srv.URL, opts...)
}

// waitEvent reads events until one of the wanted type arrives.
func waitEvent(t *testing.T, s *Session, wantType string) Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				t.Fatalf("session closed while waiting for %s", wantType)
			}
			if ev.Type == wantType {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", wantType)
		}
	}
}

func TestSubmitAndFetch(t *testing.T) {
	c := startServer(t, nil)
	ctx := context.Background()

	audio := []byte("pretend this is opus")
	res, err := c.Submit(ctx, audio, "audio/ogg", "")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if res.MessageID == "" || res.QueuePosition != 1 {
		t.Fatalf("Submit result = %+v", res)
	}

	info, err := c.Message(ctx, res.MessageID)
	if err != nil {
		t.Fatalf("Message: %v", err)
	}
	if info.ContentType != "audio/ogg" || info.SizeBytes != int64(len(audio)) {
		t.Errorf("Message info = %+v", info)
	}
	if !info.ExpiresAt.After(time.Now()) {
		t.Errorf("signed URL already expired: %v", info.ExpiresAt)
	}

	got, ct, err := c.Download(ctx, info.URL)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if !bytes.Equal(got, audio) || ct != "audio/ogg" {
		t.Errorf("Download = %d bytes, ct %q", len(got), ct)
	}
}

func TestMessageNotFound(t *testing.T) {
	c := startServer(t, nil)
	_, err := c.Message(context.Background(), "01ARZ3NDEKTSV4RRFFQ69G5FAV")
	if !IsNotFound(err) {
		t.Fatalf("err = %v, want 404 APIError", err)
	}
}

func TestQueueFullError(t *testing.T) {
	c := startServer(t, func(cfg *config.Config) { cfg.Pairing.MaxPending = 1 })
	ctx := context.Background()

	if _, err := c.Submit(ctx, []byte("a"), "audio/ogg", ""); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	_, err := c.Submit(ctx, []byte("b"), "audio/ogg", "")
	if !IsQueueFull(err) {
		t.Fatalf("err = %v, want 503 APIError", err)
	}
}

func TestHealth(t *testing.T) {
	c := startServer(t, nil)
	h, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.Status != "ok" {
		t.Errorf("Status = %q, want ok", h.Status)
	}
}

func TestAPIKeyForwarded(t *testing.T) {
	c := startServer(t, func(cfg *config.Config) {
		cfg.Auth.Enabled = true
		cfg.Auth.APIKey = "sdk-key"
	})
	if _, err := c.Health(context.Background()); err != nil {
		t.Fatalf("Health with key: %v", err)
	}

	// A client without the key is rejected.
	bare := New(c.baseURL)
	_, err := bare.Health(context.Background())
	var ae *APIError
	if !errors.As(err, &ae) || ae.StatusCode != 401 {
		t.Fatalf("err = %v, want 401 APIError", err)
	}
}

func TestSessionPairingFlow(t *testing.T) {
	c := startServer(t, nil)
	ctx := context.Background()

	sender, err := c.Dial(ctx)
	if err != nil {
		t.Fatalf("Dial sender: %v", err)
	}
	defer sender.Close()
	if sender.ConnectionID() == "" {
		t.Fatal("empty connection id")
	}

	// Submit bound to the sender's identity, then arm the correlation.
	res, err := c.Submit(ctx, []byte("hello out there"), "audio/ogg", sender.ConnectionID())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if err := sender.SendMessage(res.MessageID); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	waitEvent(t, sender, EventMessageSent)

	// A viewer joins and receives the message.
	viewer, err := c.Dial(ctx)
	if err != nil {
		t.Fatalf("Dial viewer: %v", err)
	}
	defer viewer.Close()
	if err := viewer.JoinQueue(map[string]string{"mood": "listening"}); err != nil {
		t.Fatalf("JoinQueue: %v", err)
	}
	recv := waitEvent(t, viewer, EventMessageReceived)
	if recv.MessageID != res.MessageID || recv.URL == "" {
		t.Fatalf("message-received = %+v", recv)
	}

	// The viewer can download the delivered audio.
	audio, _, err := c.Download(ctx, recv.URL)
	if err != nil {
		t.Fatalf("Download delivered audio: %v", err)
	}
	if string(audio) != "hello out there" {
		t.Errorf("downloaded %q", audio)
	}

	// The viewer replies; the sender receives it.
	rr, err := c.Reply(ctx, res.MessageID, []byte("hello back"), "audio/ogg")
	if err != nil {
		t.Fatalf("Reply: %v", err)
	}
	if !rr.Delivered {
		t.Error("reply not delivered to waiting sender")
	}
	got := waitEvent(t, sender, EventReplyReceived)
	if got.OriginalMessageID != res.MessageID || got.ReplyID != rr.ReplyID {
		t.Fatalf("reply-received = %+v", got)
	}
}

func TestSessionSkip(t *testing.T) {
	c := startServer(t, nil)
	ctx := context.Background()

	if _, err := c.Submit(ctx, []byte("skippable"), "audio/ogg", ""); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	s, err := c.Dial(ctx)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer s.Close()

	if err := s.JoinQueue(nil); err != nil {
		t.Fatalf("JoinQueue: %v", err)
	}
	recv := waitEvent(t, s, EventMessageReceived)
	if err := s.Skip(recv.MessageID); err != nil {
		t.Fatalf("Skip: %v", err)
	}
	waitEvent(t, s, EventMessageSkipped)
}
