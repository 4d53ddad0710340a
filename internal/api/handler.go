// Package api is the HTTP face of the proxy. Handlers stay thin: decode the
// request, call the service, map the error kind to a status code. No mail
// logic lives here.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/vdavid/mailproxy/internal/credentials"
	"github.com/vdavid/mailproxy/internal/imappool"
	"github.com/vdavid/mailproxy/internal/proxy"
	"github.com/vdavid/mailproxy/internal/smtppool"
)

const maxRequestBody = 1 << 20

// Handler serves the /v0 routes.
type Handler struct {
	service  *proxy.Service
	apiToken string
	log      zerolog.Logger
}

// NewHandler creates the API handler. An empty apiToken disables the bearer
// check (local development).
func NewHandler(service *proxy.Service, apiToken string, logger zerolog.Logger) *Handler {
	return &Handler{
		service:  service,
		apiToken: apiToken,
		log:      logger.With().Str("component", "api").Logger(),
	}
}

// NewServer wires the handler into a mux with health and metrics endpoints.
func NewServer(h *Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.Handle("GET /v0/inboxes/{inbox_id}/messages", h.auth(h.listMessages))
	mux.Handle("GET /v0/inboxes/{inbox_id}/messages/{uid}", h.auth(h.getMessage))
	mux.Handle("POST /v0/inboxes/{inbox_id}/messages/send", h.auth(h.sendMessage))
	mux.Handle("DELETE /v0/inboxes/{inbox_id}", h.auth(h.logout))
	mux.Handle("POST /v0/inboxes", h.auth(h.registerInbox))
	mux.Handle("GET /v0/stats", h.auth(h.stats))

	return mux
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte("ok"))
}

// auth enforces the opaque bearer token when one is configured. The token is
// an access gate, not an identity; per-inbox authorisation is out of scope.
func (h *Handler) auth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.apiToken != "" {
			token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" || token != h.apiToken {
				h.writeError(w, http.StatusUnauthorized, "invalid or missing bearer token")
				return
			}
		}
		next(w, r)
	})
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request) {
	inboxID := r.PathValue("inbox_id")

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	page, err := h.service.ListMessages(r.Context(), inboxID, limit, r.URL.Query().Get("cursor"))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, page)
}

func (h *Handler) getMessage(w http.ResponseWriter, r *http.Request) {
	inboxID := r.PathValue("inbox_id")
	uid, err := strconv.ParseUint(r.PathValue("uid"), 10, 32)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "uid must be a positive integer")
		return
	}

	msg, err := h.service.GetMessage(r.Context(), inboxID, uint32(uid))
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, msg)
}

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	inboxID := r.PathValue("inbox_id")

	var req smtppool.SendRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if len(req.To) == 0 {
		h.writeError(w, http.StatusBadRequest, "at least one recipient is required")
		return
	}

	res, err := h.service.SendMessage(r.Context(), inboxID, req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *Handler) registerInbox(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	hash, err := h.service.RegisterInbox(body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]string{"inbox_id_hash": hash})
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) {
	h.service.Logout(r.Context(), r.PathValue("inbox_id"))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	stats := h.service.PoolStats(r.Context(), r.URL.Query().Get("inbox_id"))
	h.writeJSON(w, http.StatusOK, stats)
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeServiceError maps error kinds to status codes. The mapping is the
// whole contract between the service layer and HTTP.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	var status int
	switch {
	case errors.Is(err, credentials.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, credentials.ErrCredentialExpired),
		errors.Is(err, imappool.ErrUpstreamAuthFailed),
		errors.Is(err, smtppool.ErrUpstreamAuthFailed):
		status = http.StatusUnauthorized
	case errors.Is(err, imappool.ErrUpstreamUnavailable),
		errors.Is(err, smtppool.ErrUpstreamUnavailable):
		status = http.StatusServiceUnavailable
	case errors.Is(err, imappool.ErrUpstreamProtocol),
		errors.Is(err, smtppool.ErrUpstreamProtocol):
		status = http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	default:
		status = http.StatusInternalServerError
	}

	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Int("status", status).Msg("request_failed")
	}
	h.writeError(w, status, err.Error())
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, errorResponse{Error: message})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.log.Error().Err(err).Msg("response_encode_failed")
	}
}
