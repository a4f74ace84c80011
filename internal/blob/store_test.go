package blob_test

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/tkaria/echodrop/internal/blob"
	"github.com/tkaria/echodrop/internal/ident"
)

// ─── helpers ─────────────────────────────────────────────────────────────────

func openStore(t *testing.T) *blob.Store {
	t.Helper()
	s, err := blob.Open(t.TempDir())
	if err != nil {
		t.Fatalf("blob.Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// ─── Put / Get / Delete ──────────────────────────────────────────────────────

func TestStore_PutGet(t *testing.T) {
	s := openStore(t)
	key := blob.MessageKey(ident.MustNewID())
	payload := []byte("pretend this is ogg audio")

	if err := s.Put(key, payload, "audio/ogg", 1000); err != nil {
		t.Fatalf("Put: %v", err)
	}

	data, meta, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Error("Get returned different bytes than Put stored")
	}
	if meta.ContentType != "audio/ogg" {
		t.Errorf("ContentType: want audio/ogg, got %s", meta.ContentType)
	}
	if meta.Size != int64(len(payload)) {
		t.Errorf("Size: want %d, got %d", len(payload), meta.Size)
	}
	if meta.CreatedAt != 1000 {
		t.Errorf("CreatedAt: want 1000, got %d", meta.CreatedAt)
	}
}

func TestStore_GetUnknown(t *testing.T) {
	s := openStore(t)
	if _, _, err := s.Get(blob.MessageKey(ident.MustNewID())); !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("Get unknown: want ErrNotFound, got %v", err)
	}
}

func TestStore_PutOverwrites(t *testing.T) {
	s := openStore(t)
	key := blob.ReplyKey(ident.MustNewID())

	if err := s.Put(key, []byte("v1"), "audio/webm", 1000); err != nil {
		t.Fatalf("Put v1: %v", err)
	}
	if err := s.Put(key, []byte("v2"), "audio/webm", 2000); err != nil {
		t.Fatalf("Put v2: %v", err)
	}
	data, meta, err := s.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(data) != "v2" || meta.CreatedAt != 2000 {
		t.Errorf("overwrite not applied: data=%s createdAt=%d", data, meta.CreatedAt)
	}
}

func TestStore_DeleteIdempotent(t *testing.T) {
	s := openStore(t)
	key := blob.MessageKey(ident.MustNewID())
	if err := s.Put(key, []byte("x"), "audio/ogg", 1000); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := s.Delete(key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Stat(key); !errors.Is(err, blob.ErrNotFound) {
		t.Fatalf("Stat after Delete: want ErrNotFound, got %v", err)
	}
	if err := s.Delete(key); err != nil {
		t.Fatalf("second Delete must be a no-op, got %v", err)
	}
}

func TestStore_RejectsTraversalKeys(t *testing.T) {
	s := openStore(t)
	for _, key := range []string{
		"", "..", "../secret", "messages/..", "messages/../../etc", "a/b/c",
		"messages/", "/messages", "messages/id\x00",
	} {
		if err := s.Put(key, []byte("x"), "audio/ogg", 1000); !errors.Is(err, blob.ErrInvalidKey) {
			t.Errorf("Put(%q): want ErrInvalidKey, got %v", key, err)
		}
	}
}

// ─── Eviction ────────────────────────────────────────────────────────────────

func TestStore_EvictOlderThan(t *testing.T) {
	s := openStore(t)
	base := int64(1_000_000)

	stale := blob.MessageKey(ident.MustNewID())
	fresh := blob.ReplyKey(ident.MustNewID())
	if err := s.Put(stale, []byte("old"), "audio/ogg", base); err != nil {
		t.Fatalf("Put stale: %v", err)
	}
	if err := s.Put(fresh, []byte("new"), "audio/ogg", base+100_000); err != nil {
		t.Fatalf("Put fresh: %v", err)
	}

	n, err := s.EvictOlderThan(60_000, base+120_000)
	if err != nil {
		t.Fatalf("EvictOlderThan: %v", err)
	}
	if n != 1 {
		t.Fatalf("evicted: want 1, got %d", n)
	}
	if _, err := s.Stat(stale); !errors.Is(err, blob.ErrNotFound) {
		t.Error("stale blob survived eviction")
	}
	if _, err := s.Stat(fresh); err != nil {
		t.Errorf("fresh blob evicted: %v", err)
	}
}

// ─── Signer ──────────────────────────────────────────────────────────────────

func TestSigner_SignVerify(t *testing.T) {
	signer := blob.NewSigner("test-secret", 5*time.Minute)
	now := time.Now()
	key := blob.MessageKey(ident.MustNewID())

	exp, sig := signer.Sign(key, now)
	if err := signer.Verify(key, exp, sig, now); err != nil {
		t.Fatalf("Verify fresh link: %v", err)
	}
	// Still valid just inside the window.
	if err := signer.Verify(key, exp, sig, now.Add(4*time.Minute)); err != nil {
		t.Fatalf("Verify inside window: %v", err)
	}
}

func TestSigner_Expired(t *testing.T) {
	signer := blob.NewSigner("test-secret", 5*time.Minute)
	now := time.Now()
	key := blob.MessageKey(ident.MustNewID())

	exp, sig := signer.Sign(key, now)
	err := signer.Verify(key, exp, sig, now.Add(6*time.Minute))
	if !errors.Is(err, blob.ErrLinkExpired) {
		t.Fatalf("want ErrLinkExpired, got %v", err)
	}
}

func TestSigner_Tampered(t *testing.T) {
	signer := blob.NewSigner("test-secret", 5*time.Minute)
	now := time.Now()
	key := blob.MessageKey(ident.MustNewID())
	exp, sig := signer.Sign(key, now)

	// Wrong key for a valid signature.
	if err := signer.Verify(blob.MessageKey(ident.MustNewID()), exp, sig, now); !errors.Is(err, blob.ErrBadSignature) {
		t.Errorf("key swap: want ErrBadSignature, got %v", err)
	}
	// Extended expiry invalidates the signature.
	if err := signer.Verify(key, exp+60_000, sig, now); !errors.Is(err, blob.ErrBadSignature) {
		t.Errorf("expiry extension: want ErrBadSignature, got %v", err)
	}
	// Different secret entirely.
	other := blob.NewSigner("other-secret", 5*time.Minute)
	if err := other.Verify(key, exp, sig, now); !errors.Is(err, blob.ErrBadSignature) {
		t.Errorf("foreign secret: want ErrBadSignature, got %v", err)
	}
}

func TestSigner_SignedPath(t *testing.T) {
	signer := blob.NewSigner("test-secret", 5*time.Minute)
	key := "messages/01ARZ3NDEKTSV4RRFFQ69G5FAV"

	path := signer.SignedPath(key, time.Now())
	wantPrefix := "/media/" + key + "?"
	if len(path) <= len(wantPrefix) || path[:len(wantPrefix)] != wantPrefix {
		t.Fatalf("SignedPath = %q, want prefix %q", path, wantPrefix)
	}
}
