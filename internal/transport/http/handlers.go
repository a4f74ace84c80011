package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"github.com/tkaria/echodrop/internal/blob"
	"github.com/tkaria/echodrop/internal/engine"
	"github.com/tkaria/echodrop/internal/queue"
)

// defaultContentType is assumed for uploads that do not declare one.
const defaultContentType = "audio/webm"

// Handler groups all HTTP request handlers around the pairing engine and the
// blob store.
type Handler struct {
	engine *engine.Engine
	blobs  *blob.Store
	signer *blob.Signer

	maxAudioBytes int64
	startedAt     time.Time
}

// ─── DTOs ─────────────────────────────────────────────────────────────────────

type submitResp struct {
	MessageID     string `json:"message_id"`
	QueuePosition int    `json:"queue_position"`
}

type fetchResp struct {
	MessageID   string `json:"message_id"`
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
	ExpiresAt   int64  `json:"expires_at"` // unix ms
}

type replyResp struct {
	ReplyID   string `json:"reply_id"`
	Delivered bool   `json:"delivered"`
}

type healthResp struct {
	Status            string `json:"status"`
	Timestamp         int64  `json:"timestamp"`
	UptimeSeconds     int64  `json:"uptime_seconds"`
	ActiveConnections int    `json:"active_connections"`
	QueueLength       int    `json:"queue_length"`
	PendingReplies    int    `json:"pending_replies"`
}

// ─── Handlers ─────────────────────────────────────────────────────────────────

// submitMessage handles POST /messages. The audio comes either as a
// multipart form with an "audio" field or as the raw request body. The
// optional sender_id query parameter (normally the caller's live-channel
// connection id) keeps the sender from being paired with their own message.
func (h *Handler) submitMessage(w http.ResponseWriter, r *http.Request) {
	audio, contentType, err := readAudio(r, h.maxAudioBytes)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	id, err := h.engine.NewMessageID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	key := blob.MessageKey(id)

	if err := h.blobs.Put(key, audio, contentType, time.Now().UnixMilli()); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("store audio: %w", err))
		return
	}

	res, err := h.engine.Submit(engine.SubmitRequest{
		MessageID:  id,
		StorageKey: key,
		SenderID:   r.URL.Query().Get("sender_id"),
	})
	if err != nil {
		// Orphaned blobs are reclaimed by the retention sweep.
		if errors.Is(err, queue.ErrQueueFull) {
			writeError(w, http.StatusServiceUnavailable, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	writeJSON(w, http.StatusCreated, submitResp{
		MessageID:     res.MessageID,
		QueuePosition: res.QueuePosition,
	})
}

// readAudio extracts the uploaded audio bytes and their content type from
// either a multipart form (field "audio") or the raw body.
func readAudio(r *http.Request, maxBytes int64) ([]byte, string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(maxBytes); err != nil {
			return nil, "", fmt.Errorf("parse multipart form: %w", err)
		}
		file, header, err := r.FormFile("audio")
		if err != nil {
			return nil, "", errors.New(`multipart form must carry an "audio" field`)
		}
		defer file.Close()

		data, err := io.ReadAll(io.LimitReader(file, maxBytes+1))
		if err != nil {
			return nil, "", fmt.Errorf("read audio: %w", err)
		}
		ct := header.Header.Get("Content-Type")
		if ct == "" {
			ct = defaultContentType
		}
		return data, ct, checkAudio(data, maxBytes)
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read body: %w", err)
	}
	ct := mediaType
	if ct == "" {
		ct = defaultContentType
	}
	return data, ct, checkAudio(data, maxBytes)
}

func checkAudio(data []byte, maxBytes int64) error {
	if len(data) == 0 {
		return errors.New("audio payload must not be empty")
	}
	if int64(len(data)) > maxBytes {
		return fmt.Errorf("audio payload exceeds %d bytes", maxBytes)
	}
	return nil
}

// fetchMessage handles GET /messages/{id}. It returns a signed, short-lived
// URL for the audio blob rather than the bytes themselves.
func (h *Handler) fetchMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	key := blob.MessageKey(id)

	meta, err := h.blobs.Stat(key)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) || errors.Is(err, blob.ErrInvalidKey) {
			writeError(w, http.StatusNotFound, errors.New("message not found"))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	now := time.Now()
	exp, _ := h.signer.Sign(key, now)
	writeJSON(w, http.StatusOK, fetchResp{
		MessageID:   id,
		URL:         h.signer.SignedPath(key, now),
		ContentType: meta.ContentType,
		SizeBytes:   meta.Size,
		ExpiresAt:   exp,
	})
}

// submitReply handles POST /messages/{id}/reply. The reply audio is stored
// like a message blob, then the correlation is resolved; delivered reports
// whether the original sender was still waiting.
func (h *Handler) submitReply(w http.ResponseWriter, r *http.Request) {
	originalID := r.PathValue("id")

	audio, contentType, err := readAudio(r, h.maxAudioBytes)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	replyID, err := h.engine.NewMessageID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	key := blob.ReplyKey(replyID)

	if err := h.blobs.Put(key, audio, contentType, time.Now().UnixMilli()); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Errorf("store reply audio: %w", err))
		return
	}

	delivered := h.engine.SendReply("", originalID, replyID)
	writeJSON(w, http.StatusCreated, replyResp{
		ReplyID:   replyID,
		Delivered: delivered,
	})
}

// serveMedia handles GET /media/{key...}. Access requires a valid exp/sig
// pair minted by the signer; the blob bytes are streamed with their stored
// content type.
func (h *Handler) serveMedia(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	q := r.URL.Query()
	exp, err := strconv.ParseInt(q.Get("exp"), 10, 64)
	if err != nil {
		writeError(w, http.StatusForbidden, errors.New("missing or malformed exp"))
		return
	}
	if err := h.signer.Verify(key, exp, q.Get("sig"), time.Now()); err != nil {
		writeError(w, http.StatusForbidden, err)
		return
	}

	data, meta, err := h.blobs.Get(key)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) || errors.Is(err, blob.ErrInvalidKey) {
			writeError(w, http.StatusNotFound, errors.New("media not found"))
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Cache-Control", "private, max-age=60")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// health handles GET /health.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	s := h.engine.Stats()
	writeJSON(w, http.StatusOK, healthResp{
		Status:            "ok",
		Timestamp:         time.Now().UnixMilli(),
		UptimeSeconds:     int64(time.Since(h.startedAt).Seconds()),
		ActiveConnections: s.ActiveConnections,
		QueueLength:       s.QueueLength,
		PendingReplies:    s.PendingReplies,
	})
}

// ─── helpers ──────────────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
