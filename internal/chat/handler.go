package chat

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/finly-app/gateway/internal/api"
	"github.com/finly-app/gateway/internal/identity"
	"github.com/finly-app/gateway/internal/metrics"
	"github.com/finly-app/gateway/internal/quota"
	"github.com/finly-app/gateway/internal/relay"
)

// Handler serves the chat and quota-status endpoints. The deployment mode
// decides whether replies go out as one JSON object or as an incremental
// chunked stream; the pipeline underneath is the same.
type Handler struct {
	svc       *Service
	streaming bool
}

func NewHandler(svc *Service, streaming bool) *Handler {
	return &Handler{svc: svc, streaming: streaming}
}

// Chat handles POST /api/v1/chat.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	var req Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Reply(w, http.StatusBadRequest, "Invalid request body.")
		return
	}

	if h.streaming {
		h.chatStream(w, r, req)
		return
	}
	h.chatBuffered(w, r, req)
}

func (h *Handler) chatBuffered(w http.ResponseWriter, r *http.Request, req Request) {
	full, err := h.svc.Process(r.Context(), r, req, func(string) error { return nil })
	if err != nil {
		writeError(w, err)
		return
	}
	api.Reply(w, http.StatusOK, full)
}

func (h *Handler) chatStream(w http.ResponseWriter, r *http.Request, req Request) {
	flusher, canFlush := w.(http.Flusher)

	started := false
	_, err := h.svc.Process(r.Context(), r, req, func(delta string) error {
		if !started {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if _, err := io.WriteString(w, delta); err != nil {
			return err
		}
		metrics.StreamChunksTotal.Inc()
		if canFlush {
			flusher.Flush()
		}
		return nil
	})
	if err != nil {
		if started {
			// The status line is gone; all we can do is end the stream.
			slog.Warn("chat: stream aborted after partial delivery", "error", err)
			return
		}
		writeError(w, err)
		return
	}

	if !started {
		// Upstream produced no content at all.
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
	}
}

// Quota handles GET /api/v1/quota.
func (h *Handler) Quota(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.QuotaStatus(r.Context(), r)
	if err != nil {
		writeError(w, err)
		return
	}
	api.JSON(w, http.StatusOK, status)
}

// writeError maps pipeline errors to the client-facing status classes.
// Quota denials are a client-error class, never a server error; upstream
// detail stays in the logs.
func writeError(w http.ResponseWriter, err error) {
	var deny *quota.DenyError
	switch {
	case errors.As(err, &deny):
		api.Reply(w, http.StatusForbidden, denialMessage(deny.Reason))
	case errors.Is(err, identity.ErrMissing):
		api.Reply(w, http.StatusBadRequest, "Missing or invalid device id.")
	case errors.Is(err, identity.ErrInvalidToken):
		api.Reply(w, http.StatusUnauthorized, "Invalid or expired token.")
	case errors.Is(err, ErrInvalidMessage):
		api.Reply(w, http.StatusBadRequest, "Invalid message.")
	case errors.Is(err, ErrRateLimited):
		api.Reply(w, http.StatusTooManyRequests, "Too many requests. Slow down and try again.")
	case errors.Is(err, relay.ErrTimeout):
		api.Reply(w, http.StatusGatewayTimeout, "The coach took too long to answer. Please try again.")
	case isUpstreamError(err):
		api.Reply(w, http.StatusInternalServerError, "The coach is unavailable right now.")
	default:
		slog.Error("chat: request failed", "error", err)
		api.Reply(w, http.StatusInternalServerError, "Server error.")
	}
}

func isUpstreamError(err error) bool {
	return errors.Is(err, relay.ErrUpstreamAuth) ||
		errors.Is(err, relay.ErrUpstreamBusy) ||
		errors.Is(err, relay.ErrUpstreamUnavailable) ||
		errors.Is(err, relay.ErrUpstreamFailed)
}

func denialMessage(reason quota.Reason) string {
	switch reason {
	case quota.ReasonTrialExpired:
		return "Your free trial has ended. Upgrade to premium to keep going."
	case quota.ReasonTrialLimit:
		return "You have used all of your free messages. Upgrade to premium to keep going."
	case quota.ReasonDailyLimit:
		return "You have reached today's message limit. Come back tomorrow."
	default:
		return "Your subscription is inactive."
	}
}
