// Package webhook receives provider webhooks, verifies them over the raw body
// and hands parsed events to the session service.
package webhook

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"broadcast-orchestrator/internal/platform/metrics"
	"broadcast-orchestrator/internal/session"
	"broadcast-orchestrator/internal/signature"
)

// DefaultMaxBodyBytes caps the size of a webhook body.
const DefaultMaxBodyBytes = 1 << 20

const (
	reasonSignaturePrefix = "signature_"
	reasonMalformedBody   = "malformed_payload"
)

// Response is the body of every webhook reply.
type Response struct {
	Handled   bool   `json:"handled"`
	Reason    string `json:"reason"`
	SessionID string `json:"session_id,omitempty"`
}

// Handler serves the provider webhook endpoints.
type Handler struct {
	svc          *session.Service
	verifier     *signature.Verifier
	dedup        Deduper
	log          *slog.Logger
	metrics      *metrics.Metrics
	maxBodyBytes int64
	now          func() time.Time
}

// NewHandler returns a Handler. dedup and m may be nil; maxBodyBytes <= 0 means
// DefaultMaxBodyBytes.
func NewHandler(svc *session.Service, verifier *signature.Verifier, dedup Deduper, log *slog.Logger, m *metrics.Metrics, maxBodyBytes int) *Handler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = DefaultMaxBodyBytes
	}
	return &Handler{
		svc:          svc,
		verifier:     verifier,
		dedup:        dedup,
		log:          log,
		metrics:      m,
		maxBodyBytes: int64(maxBodyBytes),
		now:          time.Now,
	}
}

// LiveKit handles POST /webhooks/livekit. The token is in the Authorization header.
func (h *Handler) LiveKit(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, signature.ProviderLiveKit, r.Header.Get("Authorization"), parseLiveKit)
}

// Mux handles POST /webhooks/mux. The signature is in the Mux-Signature header.
func (h *Handler) Mux(w http.ResponseWriter, r *http.Request) {
	h.serve(w, r, signature.ProviderMux, r.Header.Get("Mux-Signature"), parseMux)
}

type parseFunc func(raw []byte, receivedAt time.Time) (session.Event, error)

// serve answers 200 to every delivery that cannot succeed on retry, including
// rejected signatures. Only store failures get a 5xx.
func (h *Handler) serve(w http.ResponseWriter, r *http.Request, provider, header string, parse parseFunc) {
	ctx := r.Context()
	receivedAt := h.now().UTC()

	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	if err := h.verifier.Verify(provider, raw, header); err != nil {
		reason := signature.Reason(err)
		h.log.Warn("webhook signature rejected",
			slog.String("provider", provider),
			slog.String("reason", reason),
			slog.Int("body_bytes", len(raw)))
		h.metrics.IncSignatureFailures(provider, reason)
		h.metrics.IncWebhookEvents(provider, reasonSignaturePrefix+reason)
		writeResponse(w, http.StatusOK, Response{Reason: reasonSignaturePrefix + reason})
		return
	}

	ev, err := parse(raw, receivedAt)
	if err != nil {
		h.log.Warn("webhook payload rejected",
			slog.String("provider", provider),
			slog.String("error", err.Error()))
		h.metrics.IncWebhookEvents(provider, reasonMalformedBody)
		writeResponse(w, http.StatusOK, Response{Reason: reasonMalformedBody})
		return
	}

	dedupKey := ""
	if h.dedup != nil && ev.ID != "" {
		dedupKey = provider + ":" + ev.ID
		claimed, err := h.dedup.Claim(ctx, dedupKey)
		switch {
		case err != nil:
			// Proceed undeduplicated.
			h.log.Warn("webhook dedup unavailable", slog.String("error", err.Error()))
			dedupKey = ""
		case !claimed:
			h.log.Info("webhook duplicate delivery",
				slog.String("provider", provider),
				slog.String("event_id", ev.ID),
				slog.String("event_type", ev.Type))
			h.metrics.IncWebhookEvents(provider, session.ReasonDuplicateDelivery)
			writeResponse(w, http.StatusOK, Response{Handled: true, Reason: session.ReasonDuplicateDelivery})
			return
		}
	}

	out, err := h.svc.HandleWebhookEvent(ctx, ev)
	if err != nil {
		if dedupKey != "" {
			if rerr := h.dedup.Release(ctx, dedupKey); rerr != nil {
				h.log.Warn("webhook dedup release failed", slog.String("error", rerr.Error()))
			}
		}
		writeResponse(w, http.StatusServiceUnavailable, Response{Reason: "temporarily_unavailable"})
		return
	}

	resp := Response{Handled: out.Handled(), Reason: out.Reason}
	if out.Session != nil {
		resp.SessionID = out.Session.SessionID
	}
	writeResponse(w, http.StatusOK, resp)
}

func writeResponse(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}
