package domain

import "encoding/json"

// Message types exchanged between agent and relay.
const (
	TypePresence          = "presence"
	TypeToggle            = "toggle"
	TypeUpdatePreferences = "updatePreferences"
	TypePing              = "ping"
	TypeClearPresence     = "clearPresence"
	TypeState             = "state"
	TypePong              = "pong"
)

// PageView describes the page the user is looking at.
type PageView struct {
	Title      string `json:"title"`
	URL        string `json:"url"`
	FaviconURL string `json:"faviconUrl,omitempty"`
}

// Tab is a browser tab as seen by the agent.
type Tab struct {
	ID int `json:"id"`
	PageView
}

// Envelope is the minimal frame used to dispatch on the message type.
type Envelope struct {
	Type string `json:"type"`
}

// PresenceMessage reports the active page.
type PresenceMessage struct {
	Type string `json:"type"`
	PageView
}

// ToggleMessage flips the global presence switch.
type ToggleMessage struct {
	Type    string `json:"type"`
	Enabled bool   `json:"enabled"`
}

// UpdatePreferencesMessage carries a preferences update.
type UpdatePreferencesMessage struct {
	Type        string            `json:"type"`
	Preferences *PreferencesPatch `json:"preferences"`
}

// StateMessage is pushed from relay to agents.
type StateMessage struct {
	Type        string      `json:"type"`
	Enabled     bool        `json:"enabled"`
	Connected   bool        `json:"connected"`
	Preferences Preferences `json:"preferences"`
}

// State is the relay-wide state shared with every agent.
type State struct {
	Enabled     bool        `json:"enabled"`
	Connected   bool        `json:"connected"`
	Preferences Preferences `json:"preferences"`
}

// Message wraps the state for the wire.
func (s State) Message() StateMessage {
	return StateMessage{
		Type:        TypeState,
		Enabled:     s.Enabled,
		Connected:   s.Connected,
		Preferences: s.Preferences,
	}
}

// PeekType returns the "type" field of a raw frame.
func PeekType(data []byte) (string, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", err
	}
	return env.Type, nil
}
