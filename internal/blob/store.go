// Package blob stores audio payloads on disk and issues time-limited signed
// retrieval links. It is the storage collaborator the pairing core depends
// on: the core only ever sees opaque storage keys of the form
// "messages/{id}" or "replies/{id}".
//
// Layout: the raw bytes live at {dir}/{key}; per-key metadata (size, content
// type, creation time) lives in a bbolt bucket inside {dir}/meta.db.
//
// bbolt is used for the metadata index because it is pure Go (no CGO, no
// external process), ACID across crashes, and a single file inside the data
// directory.
package blob

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.etcd.io/bbolt"
)

// ─── Error sentinels ──────────────────────────────────────────────────────────

var (
	// ErrNotFound is returned when a key has no stored blob.
	ErrNotFound = errors.New("blob: not found")

	// ErrInvalidKey is returned for keys that are empty, too long, or carry
	// path-traversal components.
	ErrInvalidKey = errors.New("blob: invalid key")
)

var bucketMeta = []byte("meta")

// ─── Keys ─────────────────────────────────────────────────────────────────────

// MessageKey returns the canonical storage key for a message id.
func MessageKey(id string) string { return "messages/" + id }

// ReplyKey returns the canonical storage key for a reply id.
func ReplyKey(id string) string { return "replies/" + id }

// validKey accepts keys made of one or two path components, each non-empty,
// at most 128 bytes, and free of separators, null bytes, and dot segments.
func validKey(key string) bool {
	if key == "" || len(key) > 256 {
		return false
	}
	parts := strings.Split(key, "/")
	if len(parts) > 2 {
		return false
	}
	for _, p := range parts {
		if p == "" || len(p) > 128 {
			return false
		}
		if p == "." || p == ".." {
			return false
		}
		if strings.ContainsAny(p, `\`+"\x00") {
			return false
		}
	}
	return true
}

// ─── Meta ─────────────────────────────────────────────────────────────────────

// Meta is the per-blob metadata record kept in the index.
type Meta struct {
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
	CreatedAt   int64  `json:"created_at"` // UTC milliseconds
}

// ─── Store ────────────────────────────────────────────────────────────────────

// Store is the on-disk blob store. All methods are safe for concurrent use;
// bbolt serialises index writes and blob files are written atomically
// (temp file + rename).
type Store struct {
	dir string
	db  *bbolt.DB
}

// Open creates (or reopens) a Store rooted at dir.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("blob: dir must not be empty")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("blob: create dir: %w", err)
	}

	db, err := bbolt.Open(filepath.Join(dir, "meta.db"), 0o640, &bbolt.Options{Timeout: 0})
	if err != nil {
		return nil, fmt.Errorf("blob: open index: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMeta)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("blob: init bucket: %w", err)
	}

	return &Store{dir: dir, db: db}, nil
}

// Put stores data under key with the given content type.
// An existing blob at the same key is overwritten.
func (s *Store) Put(key string, data []byte, contentType string, nowMs int64) error {
	if !validKey(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	path := filepath.Join(s.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("blob: create key dir: %w", err)
	}

	// Write to a temp file and rename so readers never observe a torn blob.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("blob: write %s: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("blob: rename %s: %w", key, err)
	}

	meta, err := json.Marshal(Meta{
		Size:        int64(len(data)),
		ContentType: contentType,
		CreatedAt:   nowMs,
	})
	if err != nil {
		return fmt.Errorf("blob: marshal meta for %s: %w", key, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).Put([]byte(key), meta)
	})
}

// Get returns the stored bytes and metadata for key.
// Returns ErrNotFound when the key is unknown.
func (s *Store) Get(key string) ([]byte, Meta, error) {
	meta, err := s.Stat(key)
	if err != nil {
		return nil, Meta{}, err
	}

	data, err := os.ReadFile(filepath.Join(s.dir, filepath.FromSlash(key)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			// Index entry without a file — treat as absent.
			return nil, Meta{}, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, Meta{}, fmt.Errorf("blob: read %s: %w", key, err)
	}
	return data, meta, nil
}

// Stat returns the metadata for key without reading the blob bytes.
// Returns ErrNotFound when the key is unknown.
func (s *Store) Stat(key string) (Meta, error) {
	if !validKey(key) {
		return Meta{}, fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	var meta Meta
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get([]byte(key))
		if v == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return json.Unmarshal(v, &meta)
	})
	if err != nil {
		return Meta{}, err
	}
	return meta, nil
}

// Delete removes the blob and its index entry. Idempotent.
func (s *Store) Delete(key string) error {
	if !validKey(key) {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}

	if err := os.Remove(filepath.Join(s.dir, filepath.FromSlash(key))); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("blob: remove %s: %w", key, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).Delete([]byte(key))
	})
}

// EvictOlderThan deletes every blob whose age exceeds maxAgeMs at nowMs and
// returns the number deleted. Used by the janitor to keep the disk bounded.
func (s *Store) EvictOlderThan(maxAgeMs, nowMs int64) (int, error) {
	// Collect expired keys in a read transaction; bbolt does not allow a
	// write transaction while a read transaction is open on the same
	// goroutine, so deletions are applied afterwards.
	var expired []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).ForEach(func(k, v []byte) error {
			var meta Meta
			if err := json.Unmarshal(v, &meta); err != nil {
				// Unreadable entry — reclaim it.
				expired = append(expired, string(k))
				return nil
			}
			if nowMs-meta.CreatedAt > maxAgeMs {
				expired = append(expired, string(k))
			}
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("blob: scan index: %w", err)
	}

	var n int
	for _, key := range expired {
		if err := s.Delete(key); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Len returns the number of stored blobs.
func (s *Store) Len() (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketMeta).Stats().KeyN
		return nil
	})
	return n, err
}

// Close closes the metadata index.
func (s *Store) Close() error {
	return s.db.Close()
}
