// Package httpapi exposes the coordinator's web surface: token issuance,
// the compose/send flow for senders, and the resolve/acknowledge flow for
// recipients.
//
// Response discipline: a malformed token is 400, while every kind of
// gone token (consumed, expired, revoked, unknown) renders the identical
// 410 body. The surface never answers 404 for a token path, so probing
// cannot distinguish "never existed" from "already read".
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sealdrop/sealdrop/internal/common"
	"github.com/sealdrop/sealdrop/internal/logging"
	"github.com/sealdrop/sealdrop/internal/server/services"
)

// Server holds the handlers of the coordinator's HTTP surface.
type Server struct {
	disclosure *services.DisclosureService
	logger     logging.Logger
}

func NewServer(disclosure *services.DisclosureService, logger logging.Logger) *Server {
	return &Server{disclosure: disclosure, logger: logger.With("component", "httpapi")}
}

// Router assembles the chi router for the full surface.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })

	r.Post("/tokens", s.handleIssue)
	r.Get("/compose/{sendToken}", s.handleCompose)
	r.Post("/send/{sendToken}", s.handleSend)
	r.Get("/secret/{viewToken}", s.handleResolve)
	r.Post("/ack/{viewToken}", s.handleAcknowledge)
	r.Get("/status/{viewToken}", s.handleStatus)

	return r
}

func (s *Server) handleIssue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Sender    string `json:"sender"`
		Recipient string `json:"recipient"`
		Label     string `json:"label"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	token, err := s.disclosure.IssueSendToken(r.Context(), req.Sender, req.Recipient, req.Label)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"send_token": token})
}

func (s *Server) handleCompose(w http.ResponseWriter, r *http.Request) {
	st, err := s.disclosure.Compose(r.Context(), chi.URLParam(r, "sendToken"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"sender":     st.Sender,
		"recipient":  st.Recipient,
		"label":      st.Label,
		"expires_at": st.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Ciphertext  string `json:"ciphertext"`
		Description string `json:"description"`
		TTLSeconds  *int64 `json:"ttl_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	var ttl *time.Duration
	if req.TTLSeconds != nil {
		if *req.TTLSeconds <= 0 {
			writeError(w, http.StatusBadRequest, "ttl_seconds must be positive")
			return
		}
		d := time.Duration(*req.TTLSeconds) * time.Second
		ttl = &d
	}

	d, err := s.disclosure.Send(r.Context(), chi.URLParam(r, "sendToken"), req.Ciphertext, req.Description, ttl)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	resp := map[string]any{"delivery_id": d.ID}
	if d.ExpiresAt != nil {
		resp["expires_at"] = d.ExpiresAt.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusCreated, resp)
}

// handleResolve consumes the view token and redirects to the ledger fetch
// URL. Link-preview agents get a neutral placeholder and never consume:
// unfurlers follow links the moment they appear in a chat client, and a
// consuming preview would burn the secret before the human clicks.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	if isPreviewAgent(r) {
		writeJSON(w, http.StatusOK, map[string]any{"message": "One-time secret. Open in a browser to view."})
		return
	}

	url, err := s.disclosure.Resolve(r.Context(), chi.URLParam(r, "viewToken"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	http.Redirect(w, r, url, http.StatusSeeOther)
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	if err := s.disclosure.Acknowledge(r.Context(), chi.URLParam(r, "viewToken")); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"acknowledged": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	state, err := s.disclosure.Status(r.Context(), chi.URLParam(r, "viewToken"))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"state": state})
}

// goneBody is the single body every kind of dead token renders.
const goneBody = "link no longer valid"

// writeServiceError maps service errors onto the wire. All four gone-token
// kinds collapse into one indistinguishable 410.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, common.ErrInvalidToken):
		writeError(w, http.StatusBadRequest, "malformed token")
	case errors.Is(err, common.ErrTokenConsumed),
		errors.Is(err, common.ErrTokenExpired),
		errors.Is(err, common.ErrTokenRevoked),
		errors.Is(err, common.ErrorNotFound):
		writeError(w, http.StatusGone, goneBody)
	case errors.Is(err, common.ErrorValidation), errors.Is(err, common.ErrUnknownIdentity):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, common.ErrLedgerUnavailable):
		writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
	case errors.Is(err, common.ErrLedgerRejected):
		writeError(w, http.StatusBadGateway, "ledger rejected request")
	default:
		s.logger.Error(r.Context(), "unhandled service error", "path", r.URL.Path, "error", err.Error())
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
