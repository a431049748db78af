// Package httpapi exposes the call session reconciler to the dashboard UI.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/voxops/call-reconciler/internal/backend"
	"github.com/voxops/call-reconciler/internal/observability"
	"github.com/voxops/call-reconciler/internal/session"
	"github.com/voxops/call-reconciler/internal/transcript"
)

// Handlers serves the session API.
type Handlers struct {
	controller *session.Controller
	registry   *session.Registry
	logger     zerolog.Logger
}

// NewHandlers creates the API handlers.
func NewHandlers(controller *session.Controller, registry *session.Registry) *Handlers {
	return &Handlers{
		controller: controller,
		registry:   registry,
		logger:     observability.GetLogger().With().Str("component", "httpapi").Logger(),
	}
}

// Register mounts the session API on mux.
func (h *Handlers) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/sessions", h.handleStart)
	mux.HandleFunc("GET /v1/sessions/{id}", h.handleStatus)
	mux.HandleFunc("GET /v1/sessions/{id}/transcript", h.handleTranscript)
	mux.HandleFunc("POST /v1/sessions/{id}/exit", h.handleExit)
	mux.HandleFunc("POST /v1/sessions/{id}/mute", h.handleMute)
	mux.HandleFunc("GET /v1/sessions/{id}/watch", h.handleWatch)
}

type startRequest struct {
	AgentID string                 `json:"agentId"`
	Welcome *backend.WelcomeConfig `json:"welcome,omitempty"`
}

type muteRequest struct {
	Muted bool `json:"muted"`
}

type transcriptResponse struct {
	Items []transcript.Item `json:"items"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handlers) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agentId is required")
		return
	}

	s, err := h.controller.Start(r.Context(), req.AgentID, req.Welcome)
	if err != nil {
		if errors.Is(err, session.ErrDraining) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		var startErr *session.StartError
		if errors.As(err, &startErr) {
			h.logger.Warn().Err(err).Str("agent_id", req.AgentID).Msg("Session start failed")
			writeError(w, http.StatusBadGateway, startErr.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, s.Status())
}

func (h *Handlers) handleStatus(w http.ResponseWriter, r *http.Request) {
	s, ok := h.registry.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, s.Status())
}

func (h *Handlers) handleTranscript(w http.ResponseWriter, r *http.Request) {
	s, ok := h.registry.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, transcriptResponse{Items: s.Transcript()})
}

func (h *Handlers) handleExit(w http.ResponseWriter, r *http.Request) {
	s, ok := h.registry.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	s.Exit()
	writeJSON(w, http.StatusOK, s.Status())
}

func (h *Handlers) handleMute(w http.ResponseWriter, r *http.Request) {
	s, ok := h.registry.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}

	var req muteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := s.SetMuted(req.Muted); err != nil {
		h.logger.Warn().Err(err).Msg("Mute toggle failed")
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.Status())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
