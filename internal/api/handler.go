// Package api provides HTTP handlers for the relay's control API.
//
//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/ashureev/webpresence/internal/domain"
)

// Relay is the hub state the control API reads and changes.
type Relay interface {
	State() domain.State
	Toggle(ctx context.Context, enabled *bool) bool
	UpdatePreferences(ctx context.Context, patch domain.PreferencesPatch) domain.Preferences
	AgentCount() int
}

// Handler provides common handler utilities.
type Handler struct {
	relay Relay
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(relay Relay) *Handler {
	return &Handler{relay: relay}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}
