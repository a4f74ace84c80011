package blob

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// ─── Error sentinels ──────────────────────────────────────────────────────────

var (
	// ErrLinkExpired is returned when a signed link's expiry has passed.
	ErrLinkExpired = errors.New("blob: link expired")

	// ErrBadSignature is returned when a signature does not match the key
	// and expiry it claims to cover.
	ErrBadSignature = errors.New("blob: bad signature")
)

// ─── Signer ───────────────────────────────────────────────────────────────────

// Signer issues and verifies time-limited retrieval links for blob keys.
// The signature is an HMAC-SHA256 over "key\nexpiryMs", hex-encoded, so a
// link grants access to exactly one key for a bounded window and nothing else.
type Signer struct {
	secret   []byte
	validity time.Duration
}

// NewSigner creates a Signer. validity is how long issued links stay usable;
// zero or negative falls back to 5 minutes.
func NewSigner(secret string, validity time.Duration) *Signer {
	if validity <= 0 {
		validity = 5 * time.Minute
	}
	return &Signer{secret: []byte(secret), validity: validity}
}

// Validity returns the configured link lifetime.
func (s *Signer) Validity() time.Duration { return s.validity }

// Sign returns the expiry (UTC milliseconds) and hex signature for key as of
// now.
func (s *Signer) Sign(key string, now time.Time) (expMs int64, sig string) {
	expMs = now.Add(s.validity).UnixMilli()
	return expMs, s.compute(key, expMs)
}

// Verify checks that sig covers key with the given expiry and that the link
// has not expired. Returns ErrLinkExpired or ErrBadSignature.
func (s *Signer) Verify(key string, expMs int64, sig string, now time.Time) error {
	if now.UnixMilli() > expMs {
		return ErrLinkExpired
	}
	want := s.compute(key, expMs)
	// hmac.Equal is constant-time.
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return ErrBadSignature
	}
	return nil
}

// SignedPath returns the server-relative retrieval path for key, including
// the expiry and signature query parameters.
func (s *Signer) SignedPath(key string, now time.Time) string {
	expMs, sig := s.Sign(key, now)
	q := url.Values{}
	q.Set("exp", strconv.FormatInt(expMs, 10))
	q.Set("sig", sig)
	return "/media/" + key + "?" + q.Encode()
}

func (s *Signer) compute(key string, expMs int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s\n%d", key, expMs)
	return hex.EncodeToString(mac.Sum(nil))
}
