package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/webpresence/internal/domain"
)

// maxBodyBytes bounds control request bodies.
const maxBodyBytes = 64 << 10

// StatusResponse is returned by GET /api/status.
type StatusResponse struct {
	Running          bool               `json:"running"`
	DiscordConnected bool               `json:"discordConnected"`
	PresenceEnabled  bool               `json:"presenceEnabled"`
	Preferences      domain.Preferences `json:"preferences"`
	Agents           int                `json:"agents"`
}

// ToggleRequest is the body of POST /api/toggle. A missing Enabled flips the switch.
type ToggleRequest struct {
	Enabled *bool `json:"enabled,omitempty"`
}

// ToggleResponse is returned by POST /api/toggle.
type ToggleResponse struct {
	Enabled bool `json:"enabled"`
}

// PreferencesRequest is the body of POST /api/preferences.
type PreferencesRequest struct {
	Preferences *domain.PreferencesPatch `json:"preferences"`
}

// PreferencesResponse is returned by POST /api/preferences.
type PreferencesResponse struct {
	Preferences domain.Preferences `json:"preferences"`
}

// PresenceHandler serves the presence control endpoints.
type PresenceHandler struct {
	*Handler
}

// NewPresenceHandler creates a new presence handler.
func NewPresenceHandler(base *Handler) *PresenceHandler {
	return &PresenceHandler{Handler: base}
}

// RegisterRoutes registers presence routes.
func (h *PresenceHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/status", h.Status)
		r.Post("/toggle", h.Toggle)
		r.Post("/preferences", h.Preferences)
	})
}

// Status reports whether presence is enabled and connected.
func (h *PresenceHandler) Status(w http.ResponseWriter, r *http.Request) {
	state := h.relay.State()
	JSON(w, http.StatusOK, StatusResponse{
		Running:          true,
		DiscordConnected: state.Connected,
		PresenceEnabled:  state.Enabled,
		Preferences:      state.Preferences,
		Agents:           h.relay.AgentCount(),
	})
}

// Toggle sets or flips the presence switch.
func (h *PresenceHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	var req ToggleRequest
	if err := decodeBody(r, &req); err != nil {
		slog.Warn("Invalid toggle request", "error", err)
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}

	enabled := h.relay.Toggle(r.Context(), req.Enabled)
	JSON(w, http.StatusOK, ToggleResponse{Enabled: enabled})
}

// Preferences merges a preferences patch.
func (h *PresenceHandler) Preferences(w http.ResponseWriter, r *http.Request) {
	var req PreferencesRequest
	if err := decodeBody(r, &req); err != nil {
		slog.Warn("Invalid preferences request", "error", err)
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Preferences == nil {
		Error(w, http.StatusBadRequest, "Missing preferences")
		return
	}

	prefs := h.relay.UpdatePreferences(r.Context(), *req.Preferences)
	JSON(w, http.StatusOK, PreferencesResponse{Preferences: prefs})
}

// decodeBody decodes a JSON body. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
