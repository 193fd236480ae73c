package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/onnwee/roomwatch/credential"
	"github.com/onnwee/roomwatch/live"
	"github.com/onnwee/roomwatch/nicoapi"
	"github.com/onnwee/roomwatch/session"
	"github.com/onnwee/roomwatch/telemetry"
)

const (
	sseBuffer    = 64
	sseKeepAlive = 15 * time.Second
)

// HandleStatus returns the session snapshot.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Session.Status())
}

// HandleEvents streams session events as Server-Sent Events. An optional
// kinds query (comma separated, e.g. kinds=chat,heartbeat) filters them.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	if h.deps.Events == nil {
		http.Error(w, "event stream disabled", http.StatusNotFound)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	var kinds map[string]bool
	if q := r.URL.Query().Get("kinds"); q != "" {
		kinds = map[string]bool{}
		for _, k := range strings.Split(q, ",") {
			kinds[strings.TrimSpace(k)] = true
		}
	}

	// The stream outlives the server write timeout.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		slog.Debug("failed to clear write deadline", slog.Any("err", err), slog.String("component", "http"))
	}

	events, cancel := h.deps.Events.Subscribe(sseBuffer)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log := telemetry.LoggerWithCorr(r.Context())
	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.ctx.Done():
			return
		case <-keepAlive.C:
			if _, err := w.Write([]byte(": keep-alive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if kinds != nil && !kinds[ev.Kind.String()] {
				continue
			}
			b, err := json.Marshal(ev)
			if err != nil {
				log.Warn("failed to encode event", slog.Any("err", err), slog.String("component", "http"))
				continue
			}
			if _, err := w.Write([]byte("event: " + ev.Kind.String() + "\ndata: ")); err != nil {
				return
			}
			if _, err := w.Write(append(b, '\n', '\n')); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleAdminConnect joins the broadcast named by ?v= (lv123, 123 or a
// watch URL) and answers once the session is prepared.
func (h *Handlers) HandleAdminConnect(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	id := r.URL.Query().Get("v")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing v")
		return
	}
	if err := h.deps.Session.Connect(r.Context(), id); err != nil {
		telemetry.LoggerWithCorr(r.Context()).Warn("admin connect failed", slog.String("v", id), slog.Any("err", err), slog.String("component", "http"))
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, h.deps.Session.Status())
}

// HandleAdminDisconnect leaves the current broadcast.
func (h *Handlers) HandleAdminDisconnect(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	h.deps.Session.Disconnect()
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type commentRequest struct {
	Text      string `json:"text"`
	Anonymous bool   `json:"anonymous"`
}

// HandleAdminComment posts a comment into the assigned room. The result is
// delivered on /events as a chat_result.
func (h *Handlers) HandleAdminComment(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req commentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "empty text")
		return
	}
	if err := h.deps.Session.Comment(r.Context(), req.Text, req.Anonymous); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "posted"})
}

type ngRequest struct {
	Room string `json:"room"`
	No   int64  `json:"no"`
}

// HandleAdminNG reports the author of a recently received chat.
func (h *Handlers) HandleAdminNG(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	var req ngRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	room, ok := live.ParseRoomPosition(req.Room)
	if !ok || req.No <= 0 {
		writeError(w, http.StatusBadRequest, "room and no are required")
		return
	}
	c, err := h.deps.Session.FindChat(room, req.No)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	if err := h.deps.Session.ReportNG(r.Context(), c); err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "reported", "user_id": c.UserID, "no": c.No})
}

// HandleAdminCredentialReset drops the cached session token before the next
// connect.
func (h *Handlers) HandleAdminCredentialReset(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if !h.deps.Session.ReserveCredentialReset() {
		writeError(w, http.StatusNotImplemented, "credential provider has no cache to reset")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "reserved"})
}

// writeSessionError maps session and platform errors to HTTP statuses.
func writeSessionError(w http.ResponseWriter, err error) {
	var fe *nicoapi.FailureError
	switch {
	case errors.Is(err, live.ErrInvalidBroadcastID):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrNotListening), errors.Is(err, session.ErrRoomNotOpen), errors.Is(err, session.ErrConnectAborted):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrChatNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, credential.ErrUnavailable), errors.As(err, &fe) && fe.Reason == nicoapi.ReasonNoCredential:
		writeError(w, http.StatusServiceUnavailable, nicoapi.ReasonNoCredential)
	case errors.As(err, &fe):
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error(), "reason": fe.Reason})
	case errors.Is(err, nicoapi.ErrNoPostKey):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
