// Package relay tracks connected agents and drives the shared presence
// display from their messages.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/ashureev/webpresence/internal/domain"
	"github.com/ashureev/webpresence/internal/policy"
	"github.com/ashureev/webpresence/internal/presence"
)

const (
	defaultActivityTimeout       = 45 * time.Second
	defaultInactiveCheckInterval = 15 * time.Second
	writeTimeout                 = 5 * time.Second
	storeTimeout                 = 5 * time.Second
)

// Socket is the part of a websocket connection the hub writes to.
type Socket interface {
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Presence is the external display the hub drives.
type Presence interface {
	SetActivity(ctx context.Context, view domain.PageView, prefs domain.Preferences) error
	ClearActivity(ctx context.Context) error
	ResetTimestamp()
	Ready() bool
}

// SettingsStore persists the toggle and preferences.
type SettingsStore interface {
	SaveSettings(ctx context.Context, s domain.Settings) error
}

// Config tunes agent eviction.
type Config struct {
	ActivityTimeout       time.Duration
	InactiveCheckInterval time.Duration
}

// AgentConn is one connected agent.
type AgentConn struct {
	ID          string
	RemoteAddr  string
	ConnectedAt time.Time

	socket         Socket
	lastActivityAt time.Time
}

// Hub owns the connected agents, the presence toggle and the authoritative
// preferences.
type Hub struct {
	cfg      Config
	presence Presence
	store    SettingsStore
	engine   *policy.Engine
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.Mutex
	agents    map[string]*AgentConn
	enabled   bool
	prefs     domain.Preferences
	connected bool

	persistMu   sync.Mutex
	broadcastMu sync.Mutex
}

// Option customizes a Hub.
type Option func(*Hub)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(h *Hub) { h.now = now }
}

// WithStore persists toggle and preference changes.
func WithStore(s SettingsStore) Option {
	return func(h *Hub) { h.store = s }
}

// NewHub creates a hub starting from the given settings.
func NewHub(cfg Config, p Presence, initial domain.Settings, opts ...Option) *Hub {
	if cfg.ActivityTimeout <= 0 {
		cfg.ActivityTimeout = defaultActivityTimeout
	}
	if cfg.InactiveCheckInterval <= 0 {
		cfg.InactiveCheckInterval = defaultInactiveCheckInterval
	}
	h := &Hub{
		cfg:      cfg,
		presence: p,
		engine:   policy.NewEngine(),
		logger:   slog.Default(),
		now:      time.Now,
		agents:   make(map[string]*AgentConn),
		enabled:  initial.Enabled,
		prefs:    initial.Preferences.Normalize(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// State returns the state shared with agents.
func (h *Hub) State() domain.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stateLocked()
}

func (h *Hub) stateLocked() domain.State {
	return domain.State{
		Enabled:     h.enabled,
		Connected:   h.connected,
		Preferences: h.prefs.Clone(),
	}
}

// AgentCount returns the number of tracked agents.
func (h *Hub) AgentCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.agents)
}

// Connect registers a new agent and pushes the current state to it.
func (h *Hub) Connect(ctx context.Context, sock Socket, remoteAddr string) *AgentConn {
	now := h.now()
	agent := &AgentConn{
		ID:             uuid.NewString(),
		RemoteAddr:     remoteAddr,
		ConnectedAt:    now,
		socket:         sock,
		lastActivityAt: now,
	}

	h.mu.Lock()
	h.agents[agent.ID] = agent
	count := len(h.agents)
	state := h.stateLocked()
	h.mu.Unlock()

	h.logger.Info("Agent connected", "agent_id", agent.ID, "remote_addr", remoteAddr, "agents", count)
	if err := h.send(ctx, sock, state.Message()); err != nil {
		h.logger.Warn("Failed to send initial state", "agent_id", agent.ID, "error", err)
	}
	return agent
}

// Disconnect stops tracking the agent. When it was the last one the
// presence display is cleared. It reports whether the agent was tracked.
func (h *Hub) Disconnect(ctx context.Context, agentID string) bool {
	h.mu.Lock()
	if _, ok := h.agents[agentID]; !ok {
		h.mu.Unlock()
		return false
	}
	delete(h.agents, agentID)
	remaining := len(h.agents)
	h.mu.Unlock()

	h.logger.Info("Agent disconnected", "agent_id", agentID, "agents", remaining)
	if remaining == 0 {
		h.logger.Info("No agents connected, clearing presence")
		h.clearActivity(ctx)
	}
	return true
}

// HandleMessage processes one inbound frame from an agent. Errors are
// logged and never stop the caller's read loop.
func (h *Hub) HandleMessage(ctx context.Context, agent *AgentConn, data []byte) {
	h.touch(agent)

	msgType, err := domain.PeekType(data)
	if err != nil {
		h.logger.Warn("Dropping malformed message", "agent_id", agent.ID, "error", err)
		return
	}

	switch msgType {
	case domain.TypePresence:
		var msg domain.PresenceMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Warn("Dropping malformed presence message", "agent_id", agent.ID, "error", err)
			return
		}
		h.HandlePresence(ctx, msg.PageView)
	case domain.TypeToggle:
		var msg domain.ToggleMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Warn("Dropping malformed toggle message", "agent_id", agent.ID, "error", err)
			return
		}
		h.Toggle(ctx, &msg.Enabled)
	case domain.TypeUpdatePreferences:
		var msg domain.UpdatePreferencesMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.logger.Warn("Dropping malformed preferences message", "agent_id", agent.ID, "error", err)
			return
		}
		if msg.Preferences == nil {
			h.logger.Warn("Preferences update without preferences", "agent_id", agent.ID)
			return
		}
		h.UpdatePreferences(ctx, *msg.Preferences)
	case domain.TypePing:
		if err := h.send(ctx, agent.socket, domain.Envelope{Type: domain.TypePong}); err != nil {
			h.logger.Debug("Failed to send pong", "agent_id", agent.ID, "error", err)
		}
	case domain.TypeClearPresence:
		h.logger.Info("Agent requested presence clear", "agent_id", agent.ID)
		h.clearActivity(ctx)
	default:
		h.logger.Warn("Unknown message type", "agent_id", agent.ID, "type", msgType)
	}
}

// HandlePresence applies the display rules to a page view and updates the
// presence display accordingly.
func (h *Hub) HandlePresence(ctx context.Context, view domain.PageView) {
	if view.Title == "" || view.URL == "" {
		h.logger.Warn("Ignoring presence update without title or url")
		return
	}

	h.mu.Lock()
	prefs := h.prefs.Clone()
	enabled := h.enabled
	h.mu.Unlock()

	d := h.engine.Evaluate(view.URL, prefs, enabled)
	if d.Clear {
		h.logger.Info("Clearing presence for hidden site", "domain", d.Domain)
		h.clearActivity(ctx)
	}
	if !d.Show {
		h.logger.Debug("Presence update suppressed", "domain", d.Domain, "enabled", enabled)
		return
	}
	if d.ResetTimer {
		h.presence.ResetTimestamp()
	}

	if err := h.presence.SetActivity(ctx, view, prefs); err != nil {
		if errors.Is(err, presence.ErrNotReady) {
			h.logger.Debug("Presence not ready, update dropped", "domain", d.Domain)
			return
		}
		h.logger.Warn("Failed to set presence", "domain", d.Domain, "error", err)
		return
	}
	h.logger.Debug("Presence updated", "domain", d.Domain, "title", view.Title)
}

// Toggle sets the presence switch, or flips it when enabled is nil, and
// returns the new value. Disabling clears the display.
func (h *Hub) Toggle(ctx context.Context, enabled *bool) bool {
	h.mu.Lock()
	if enabled == nil {
		h.enabled = !h.enabled
	} else {
		h.enabled = *enabled
	}
	now := h.enabled
	h.mu.Unlock()

	h.logger.Info("Presence toggled", "enabled", now)
	if !now {
		h.presence.ResetTimestamp()
		h.clearActivity(ctx)
	}
	h.persist(ctx)
	h.Broadcast(ctx)
	return now
}

// UpdatePreferences merges patch into the preferences, persists and
// broadcasts them, and returns the result.
func (h *Hub) UpdatePreferences(ctx context.Context, patch domain.PreferencesPatch) domain.Preferences {
	h.mu.Lock()
	old := h.prefs
	h.prefs = old.Merge(patch)
	updated := h.prefs.Clone()
	h.mu.Unlock()

	if old.ContinuousTimer && !updated.ContinuousTimer {
		h.logger.Info("Continuous timer disabled, resetting timestamp")
		h.presence.ResetTimestamp()
	}
	h.logger.Info("Preferences updated",
		"prefix", updated.PrefixText,
		"disabled_sites", len(updated.DisabledSites),
		"always_enabled_sites", len(updated.AlwaysEnabledSites),
		"continuous_timer", updated.ContinuousTimer)

	h.persist(ctx)
	h.Broadcast(ctx)
	return updated
}

// SetPresenceConnected records the presence service status and tells the
// agents when it changed.
func (h *Hub) SetPresenceConnected(connected bool) {
	h.mu.Lock()
	changed := h.connected != connected
	h.connected = connected
	h.mu.Unlock()

	if changed {
		h.Broadcast(context.Background())
	}
}

// Broadcast pushes the current state to every agent. Broadcasts are
// serialized so agents see states in the order they were taken.
func (h *Hub) Broadcast(ctx context.Context) {
	h.broadcastMu.Lock()
	defer h.broadcastMu.Unlock()

	h.mu.Lock()
	state := h.stateLocked()
	targets := make([]*AgentConn, 0, len(h.agents))
	for _, a := range h.agents {
		targets = append(targets, a)
	}
	h.mu.Unlock()

	msg := state.Message()
	for _, a := range targets {
		if err := h.send(ctx, a.socket, msg); err != nil {
			h.logger.Warn("Failed to broadcast state", "agent_id", a.ID, "error", err)
		}
	}
}

func (h *Hub) touch(agent *AgentConn) {
	now := h.now()
	h.mu.Lock()
	agent.lastActivityAt = now
	h.mu.Unlock()
}

func (h *Hub) clearActivity(ctx context.Context) {
	h.engine.Forget()
	if !h.presence.Ready() {
		return
	}
	if err := h.presence.ClearActivity(ctx); err != nil {
		h.logger.Warn("Failed to clear presence", "error", err)
	}
}

func (h *Hub) persist(ctx context.Context) {
	if h.store == nil {
		return
	}
	h.persistMu.Lock()
	defer h.persistMu.Unlock()

	h.mu.Lock()
	settings := domain.Settings{
		Enabled:     h.enabled,
		Preferences: h.prefs.Clone(),
		UpdatedAt:   h.now(),
	}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	if err := h.store.SaveSettings(ctx, settings); err != nil {
		h.logger.Error("Failed to persist settings", "error", err)
	}
}

func (h *Hub) send(ctx context.Context, sock Socket, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	return sock.Write(ctx, websocket.MessageText, data)
}
