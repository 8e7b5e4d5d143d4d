package session

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// Error codes returned in the errcode field of API error responses.
const (
	errcodeBadRequest             = "bad_request"
	errcodeNotFound               = "session_not_found"
	errcodeInvalidTransition      = "invalid_transition"
	errcodeConflict               = "active_session_exists"
	errcodeConcurrentModification = "concurrent_modification"
	errcodeInternal               = "internal_error"
)

// Handler exposes session HTTP endpoints using go-chi.
// Metrics are recorded by the Service and the request middleware.
type Handler struct {
	svc *Service
	log *slog.Logger
}

// NewHandler returns a Handler that uses the given Service and Logger.
func NewHandler(svc *Service, log *slog.Logger) *Handler {
	return &Handler{svc: svc, log: log}
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Errcode string `json:"errcode"`
	Errmesg string `json:"errmesg"`
	Erresid string `json:"erresid"`
}

type createSessionRequest struct {
	ChannelID string            `json:"channel_id"`
	UserID    string            `json:"user_id"`
	RoomID    string            `json:"room_id,omitempty"`
	Config    map[string]string `json:"config,omitempty"`
}

type startSessionRequest struct {
	LiveStreamID string `json:"live_stream_id"`
	EgressID     string `json:"egress_id"`
}

// CreateSession handles POST /v1/sessions.
// Body: { "channel_id": "ch_1", "user_id": "u_1", "room_id": "ro_1" }; room_id is optional.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, "invalid JSON body")
		return
	}
	if req.ChannelID == "" || req.UserID == "" {
		h.badRequest(w, "channel_id and user_id are required")
		return
	}

	sess, err := h.svc.CreateSession(r.Context(), CreateParams{
		ChannelID: req.ChannelID,
		UserID:    req.UserID,
		RoomID:    req.RoomID,
		Config:    req.Config,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// GetSession handles GET /v1/sessions/{session_id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.GetSession(r.Context(), chi.URLParam(r, "session_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// StartSession handles POST /v1/sessions/{session_id}/start.
// Body is optional: { "live_stream_id": "...", "egress_id": "..." }.
func (h *Handler) StartSession(w http.ResponseWriter, r *http.Request) {
	var req startSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		h.badRequest(w, "invalid JSON body")
		return
	}
	sess, err := h.svc.Start(r.Context(), h.sessionKey(r), StartParams{
		LiveStreamID: req.LiveStreamID,
		EgressID:     req.EgressID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// EndSession handles POST /v1/sessions/{session_id}/end.
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.End(r.Context(), h.sessionKey(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// CreateRoom handles POST /v1/sessions/{session_id}/room.
func (h *Handler) CreateRoom(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.CreateRoom(r.Context(), h.sessionKey(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// RecreateSession handles POST /v1/sessions/{session_id}/recreate.
func (h *Handler) RecreateSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.Recreate(r.Context(), chi.URLParam(r, "session_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// GetActiveSession handles GET /v1/rooms/{room_id}/session.
func (h *Handler) GetActiveSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.GetActiveSession(r.Context(), chi.URLParam(r, "room_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// GetLastSession handles GET /v1/rooms/{room_id}/sessions/latest.
func (h *Handler) GetLastSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.svc.GetLastSession(r.Context(), chi.URLParam(r, "room_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *Handler) sessionKey(r *http.Request) Key {
	return Key{SessionID: chi.URLParam(r, "session_id")}
}

func (h *Handler) badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Errcode: errcodeBadRequest, Errmesg: msg, Erresid: NewErrorID()})
}

// writeError maps service errors to status codes and the error payload.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, errcodeInternal
	switch {
	case errors.Is(err, ErrNotFound):
		status, code = http.StatusNotFound, errcodeNotFound
	case errors.Is(err, ErrInvalidTransition):
		status, code = http.StatusBadRequest, errcodeInvalidTransition
	case errors.Is(err, ErrConflict):
		status, code = http.StatusConflict, errcodeConflict
	case errors.Is(err, ErrConcurrentModification):
		status, code = http.StatusConflict, errcodeConcurrentModification
	}

	resp := ErrorResponse{Errcode: code, Errmesg: err.Error(), Erresid: NewErrorID()}
	if status == http.StatusInternalServerError {
		// Store errors can carry connection details.
		resp.Errmesg = "internal error"
		h.log.Error("request failed",
			slog.String("erresid", resp.Erresid),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
	} else {
		h.log.Info("request rejected",
			slog.String("erresid", resp.Erresid),
			slog.String("errcode", code),
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
