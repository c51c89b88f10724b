package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"labrelay/internal/delivery"
	"labrelay/internal/ledger"
	rtsup "labrelay/internal/runtime/supervisor"
	"labrelay/internal/session"
	logx "labrelay/pkg/logx"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	defaultRecent    = 24 * time.Hour
	maxJSONBody      = 1 << 20
)

type sendRequest struct {
	Recipient string `json:"recipient"`
	Message   string `json:"message"`
}

type sendResponse struct {
	ID     string        `json:"id"`
	Status ledger.Status `json:"status"`
	Ready  bool          `json:"ready"`
	Queue  any           `json:"queue"`
}

type statusResponse struct {
	Ready   bool             `json:"ready"`
	Session session.Snapshot `json:"session"`
	Queue   any              `json:"queue"`
	Stats   ledger.Stats     `json:"stats"`
	Workers rtsup.Counters   `json:"workers"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "ready": s.relay.IsReady()})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", err.Error())
		return
	}
	s.enqueue(w, r, req.Recipient, req.Message, "")
}

// handleSendReport accepts multipart fields "recipient", "message" and an
// optional "file". The upload is removed by the queue after delivery.
func (s *Server) handleSendReport(w http.ResponseWriter, r *http.Request) {
	limit := int64(s.cfg.MaxUploadMB) << 20
	r.Body = http.MaxBytesReader(w, r.Body, limit+maxJSONBody)
	if err := r.ParseMultipartForm(limit); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, "too_large", fmt.Sprintf("upload exceeds %d MB", s.cfg.MaxUploadMB))
			return
		}
		writeError(w, http.StatusBadRequest, "bad_form", err.Error())
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	recipient := r.FormValue("recipient")
	message := r.FormValue("message")

	var attachment string
	file, hdr, err := r.FormFile("file")
	switch {
	case errors.Is(err, http.ErrMissingFile):
	case err != nil:
		writeError(w, http.StatusBadRequest, "bad_file", err.Error())
		return
	default:
		defer file.Close()
		if s.cfg.UploadDir == "" {
			writeError(w, http.StatusBadRequest, "uploads_disabled", "file uploads are not configured")
			return
		}
		attachment, err = s.saveUpload(file, hdr)
		if err != nil {
			s.log.Error("upload save failed", logx.Err(err))
			writeError(w, http.StatusInternalServerError, "upload_failed", "could not store upload")
			return
		}
	}

	if !s.enqueue(w, r, recipient, message, attachment) && attachment != "" {
		_ = os.Remove(attachment)
	}
}

func (s *Server) saveUpload(src multipart.File, hdr *multipart.FileHeader) (string, error) {
	if err := os.MkdirAll(s.cfg.UploadDir, 0o750); err != nil {
		return "", err
	}
	name := uuid.NewString() + "-" + safeFileName(hdr.Filename)
	path := filepath.Join(s.cfg.UploadDir, name)
	dst, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(path)
		return "", err
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	return path, nil
}

// enqueue writes the response and reports whether the item was accepted.
func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, recipient, body, attachment string) bool {
	id, err := s.relay.Enqueue(r.Context(), recipient, body, attachment)
	if err != nil {
		switch {
		case errors.Is(err, delivery.ErrMissingRecipient),
			errors.Is(err, delivery.ErrMissingBody),
			errors.Is(err, delivery.ErrInvalidRecipient):
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		case errors.Is(err, delivery.ErrStopped):
			writeError(w, http.StatusServiceUnavailable, "stopped", err.Error())
		default:
			s.log.Error("enqueue failed", logx.Err(err))
			writeError(w, http.StatusInternalServerError, "internal", "enqueue failed")
		}
		return false
	}
	writeJSON(w, http.StatusAccepted, sendResponse{
		ID:     id,
		Status: ledger.StatusQueued,
		Ready:  s.relay.IsReady(),
		Queue:  s.relay.QueueStatus(),
	})
	return true
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, statusResponse{
		Ready:   s.relay.IsReady(),
		Session: s.relay.Session(),
		Queue:   s.relay.QueueStatus(),
		Stats:   s.relay.MessageStats(),
		Workers: s.relay.Workers(),
	})
}

func (s *Server) handlePairing(w http.ResponseWriter, _ *http.Request) {
	code, ok := s.relay.PairingChallenge()
	snap := s.relay.Session()
	writeJSON(w, http.StatusOK, map[string]any{
		"awaiting": ok,
		"code":     code,
		"phase":    snap.Phase,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.relay.MessageStats())
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_limit", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": s.relay.Messages(limit)})
}

func (s *Server) handleFailed(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_limit", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": s.relay.FailedMessages(limit)})
}

func (s *Server) handleRecent(w http.ResponseWriter, r *http.Request) {
	window := defaultRecent
	if raw := strings.TrimSpace(r.URL.Query().Get("hours")); raw != "" {
		h, err := strconv.ParseFloat(raw, 64)
		if err != nil || h <= 0 {
			writeError(w, http.StatusBadRequest, "bad_hours", "hours must be a positive number")
			return
		}
		window = time.Duration(h * float64(time.Hour))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"hours":    window.Hours(),
		"messages": s.relay.RecentMessages(window),
	})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	e, ok := s.relay.Message(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "no such message")
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (s *Server) handleInitialize(w http.ResponseWriter, r *http.Request) {
	if err := s.relay.Initialize(r.Context()); err != nil {
		if errors.Is(err, session.ErrShuttingDown) {
			writeError(w, http.StatusServiceUnavailable, "shutting_down", err.Error())
			return
		}
		// The controller schedules its own retry; report the current phase.
		writeJSON(w, http.StatusAccepted, map[string]any{
			"error":   err.Error(),
			"session": s.relay.Session(),
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"session": s.relay.Session()})
}

func parseLimit(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	return min(n, maxListLimit), nil
}

func safeFileName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if out == "" {
		return "upload"
	}
	return out
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{"error": code, "message": message})
}
