// Package agentlink is the browser-side end of the relay connection: it keeps
// one WebSocket open to the relay, pre-filters tab events with the local copy
// of the preferences and mirrors toggle and preference changes both ways.
package agentlink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/ashureev/webpresence/internal/domain"
	"github.com/ashureev/webpresence/internal/policy"
	"github.com/ashureev/webpresence/internal/retry"
)

const (
	defaultHeartbeatInterval = 45 * time.Second
	defaultDialTimeout       = 10 * time.Second
	writeTimeout             = 5 * time.Second
)

// ErrClosed is returned once the link has been closed.
var ErrClosed = errors.New("agentlink: closed")

// Conn is the part of a WebSocket connection the link uses.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens a connection to the relay.
type Dialer func(ctx context.Context, url string) (Conn, error)

// DialWebSocket dials the relay with coder/websocket.
func DialWebSocket(ctx context.Context, url string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Config tunes the link.
type Config struct {
	URL               string
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	Retry             retry.Policy
}

// State is what the popup sees.
type State struct {
	Enabled          bool               `json:"enabled"`
	Connected        bool               `json:"connected"`
	DiscordConnected bool               `json:"discordConnected"`
	Preferences      domain.Preferences `json:"preferences"`
}

// Link maintains the relay connection for one browser profile.
type Link struct {
	cfg    Config
	dial   Dialer
	file   *StateFile
	engine *policy.Engine
	logger *slog.Logger
	after  retry.Scheduler

	mu               sync.Mutex
	conn             Conn
	stopLoops        context.CancelFunc
	gen              uint64
	connecting       bool
	closed           bool
	attempts         int
	retryTimer       retry.Timer
	enabled          bool
	prefs            domain.Preferences
	discordConnected bool
	activeTab        *domain.Tab
	listeners        []func(State)

	// sendMu keeps policy evaluation and the resulting frame in order.
	sendMu sync.Mutex
}

// Option customizes a Link.
type Option func(*Link)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(k *Link) {
		if l != nil {
			k.logger = l
		}
	}
}

// WithDialer replaces the WebSocket dialer.
func WithDialer(d Dialer) Option {
	return func(k *Link) { k.dial = d }
}

// WithScheduler replaces time.AfterFunc for reconnect timers.
func WithScheduler(after retry.Scheduler) Option {
	return func(k *Link) { k.after = after }
}

// WithStateFile persists local state changes to f.
func WithStateFile(f *StateFile) Option {
	return func(k *Link) { k.file = f }
}

// NewLink creates a disconnected link starting from the given local state.
func NewLink(cfg Config, initial LocalState, opts ...Option) *Link {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	l := &Link{
		cfg:     cfg,
		dial:    DialWebSocket,
		engine:  policy.NewEngine(),
		logger:  slog.Default(),
		after:   retry.AfterFunc,
		enabled: initial.Enabled,
		prefs:   initial.Preferences.Normalize(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Subscribe registers fn to be called after every state change.
func (l *Link) Subscribe(fn func(State)) {
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	l.mu.Unlock()
}

// State returns the current local view.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stateLocked()
}

func (l *Link) stateLocked() State {
	return State{
		Enabled:          l.enabled,
		Connected:        l.conn != nil,
		DiscordConnected: l.discordConnected,
		Preferences:      l.prefs.Clone(),
	}
}

func (l *Link) localLocked() LocalState {
	return LocalState{Enabled: l.enabled, Preferences: l.prefs.Clone()}
}

// Run connects, follows the state file and blocks until ctx is done.
func (l *Link) Run(ctx context.Context) error {
	if l.file != nil {
		if err := l.file.Watch(ctx, l.logger, l.adoptLocal); err != nil {
			l.logger.Warn("State file watch disabled", "path", l.file.Path(), "error", err)
		}
	}
	if err := l.Connect(ctx); err != nil && !errors.Is(err, ErrClosed) {
		l.logger.Warn("Initial relay connection failed", "url", l.cfg.URL, "error", err)
	}
	<-ctx.Done()
	return l.Close()
}

// Connect dials the relay. It is a no-op while a connection is open or
// being opened. A failed dial schedules a retry.
func (l *Link) Connect(ctx context.Context) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return ErrClosed
	}
	l.stopRetryLocked()
	if l.conn != nil || l.connecting {
		l.mu.Unlock()
		return nil
	}
	l.connecting = true
	l.gen++
	gen := l.gen
	l.mu.Unlock()

	dctx, cancel := context.WithTimeout(ctx, l.cfg.DialTimeout)
	conn, err := l.dial(dctx, l.cfg.URL)
	cancel()

	l.mu.Lock()
	l.connecting = false
	if l.closed || gen != l.gen {
		l.mu.Unlock()
		if conn != nil {
			_ = conn.Close(websocket.StatusNormalClosure, "link closed")
		}
		return ErrClosed
	}
	if err != nil {
		l.scheduleRetryLocked()
		l.mu.Unlock()
		return fmt.Errorf("dial relay %s: %w", l.cfg.URL, err)
	}

	l.conn = conn
	l.attempts = 0
	loopCtx, stop := context.WithCancel(context.Background())
	l.stopLoops = stop
	enabled := l.enabled
	l.mu.Unlock()

	l.logger.Info("Connected to relay", "url", l.cfg.URL)
	go l.readLoop(loopCtx, conn, gen)
	go l.heartbeat(loopCtx, conn, gen)

	if enabled {
		l.refresh(ctx)
	}
	l.publish()
	return nil
}

// Close drops the connection and stops reconnecting.
func (l *Link) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.gen++
	l.stopRetryLocked()
	conn := l.detachLocked()
	l.mu.Unlock()

	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "agent shutting down"); err != nil {
			l.logger.Debug("Failed to close relay connection", "error", err)
		}
	}
	return nil
}

func (l *Link) detachLocked() Conn {
	conn := l.conn
	l.conn = nil
	if l.stopLoops != nil {
		l.stopLoops()
		l.stopLoops = nil
	}
	return conn
}

// dropped handles the loss of the connection opened under gen.
func (l *Link) dropped(gen uint64, err error) {
	l.mu.Lock()
	if gen != l.gen || l.conn == nil {
		l.mu.Unlock()
		return
	}
	l.gen++
	conn := l.detachLocked()
	if !l.closed {
		l.scheduleRetryLocked()
	}
	l.mu.Unlock()

	l.logger.Info("Disconnected from relay", "error", err, "status", websocket.CloseStatus(err))
	_ = conn.Close(websocket.StatusGoingAway, "")
	l.publish()
}

func (l *Link) scheduleRetryLocked() {
	l.stopRetryLocked()
	var delay time.Duration
	l.attempts, delay = l.cfg.Retry.Next(l.attempts)
	l.logger.Info("Scheduling relay reconnect", "attempt", l.attempts, "delay", delay)
	l.retryTimer = l.after(delay, func() {
		if err := l.Connect(context.Background()); err != nil && !errors.Is(err, ErrClosed) {
			l.logger.Warn("Relay reconnect failed", "error", err)
		}
	})
}

func (l *Link) stopRetryLocked() {
	if l.retryTimer != nil {
		l.retryTimer.Stop()
		l.retryTimer = nil
	}
}

func (l *Link) readLoop(ctx context.Context, conn Conn, gen uint64) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() == nil {
				l.dropped(gen, err)
			}
			return
		}
		l.handleFrame(data)
	}
}

func (l *Link) handleFrame(data []byte) {
	typ, err := domain.PeekType(data)
	if err != nil {
		l.logger.Warn("Unable to parse relay message", "error", err)
		return
	}
	switch typ {
	case domain.TypeState:
		var msg domain.StateMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			l.logger.Warn("Unable to parse state message", "error", err)
			return
		}
		l.adoptRelayState(msg)
	case domain.TypePong:
		l.logger.Debug("Heartbeat acknowledged")
	default:
		l.logger.Debug("Ignoring relay message", "type", typ)
	}
}

func (l *Link) heartbeat(ctx context.Context, conn Conn, gen uint64) {
	ticker := time.NewTicker(l.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.write(ctx, conn, map[string]string{"type": domain.TypePing}); err != nil {
				if ctx.Err() == nil {
					l.dropped(gen, err)
				}
				return
			}
		}
	}
}

// adoptRelayState takes over the relay's toggle and preferences.
func (l *Link) adoptRelayState(msg domain.StateMessage) {
	next := LocalState{Enabled: msg.Enabled, Preferences: msg.Preferences.Normalize()}

	l.mu.Lock()
	changed := l.enabled != next.Enabled || !l.prefs.Equal(next.Preferences)
	l.enabled = next.Enabled
	l.prefs = next.Preferences
	l.discordConnected = msg.Connected
	l.mu.Unlock()

	if changed {
		l.save(next)
	}
	l.publish()
}

// adoptLocal applies a state written to disk by another process.
func (l *Link) adoptLocal(s LocalState) {
	s.Preferences = s.Preferences.Normalize()

	l.mu.Lock()
	toggled := l.enabled != s.Enabled
	prefsChanged := !l.prefs.Equal(s.Preferences)
	if !toggled && !prefsChanged {
		l.mu.Unlock()
		return
	}
	l.enabled = s.Enabled
	l.prefs = s.Preferences
	conn := l.conn
	l.mu.Unlock()

	l.logger.Info("Agent state changed on disk", "enabled", s.Enabled)
	ctx := context.Background()
	if conn != nil {
		if toggled {
			l.send(ctx, conn, domain.ToggleMessage{Type: domain.TypeToggle, Enabled: s.Enabled})
		}
		if prefsChanged {
			l.sendPreferences(ctx, conn, s.Preferences)
		}
	}
	l.refresh(ctx)
	l.publish()
}

// TabActivated records tab as the active one and reports it.
func (l *Link) TabActivated(ctx context.Context, tab domain.Tab) {
	l.mu.Lock()
	l.activeTab = &tab
	l.mu.Unlock()
	l.refresh(ctx)
}

// TabUpdated reports tab again once it finished loading, if it is the
// active one.
func (l *Link) TabUpdated(ctx context.Context, tab domain.Tab, complete bool) {
	if !complete {
		return
	}
	l.mu.Lock()
	if l.activeTab == nil || l.activeTab.ID != tab.ID {
		l.mu.Unlock()
		return
	}
	l.activeTab = &tab
	l.mu.Unlock()
	l.refresh(ctx)
}

// refresh runs the local policy on the active tab and tells the relay what
// to show.
func (l *Link) refresh(ctx context.Context) {
	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	l.mu.Lock()
	conn := l.conn
	tab := l.activeTab
	enabled := l.enabled
	prefs := l.prefs
	l.mu.Unlock()

	if conn == nil || tab == nil || !policy.IsWebURL(tab.URL) {
		return
	}

	d := l.engine.Evaluate(tab.URL, prefs, enabled)
	switch {
	case d.Show:
		l.send(ctx, conn, domain.PresenceMessage{Type: domain.TypePresence, PageView: tab.PageView})
	case d.Clear:
		l.send(ctx, conn, map[string]string{"type": domain.TypeClearPresence})
	default:
		l.logger.Debug("Skipping presence for site", "domain", d.Domain)
	}
}

// Toggle sets the presence switch.
func (l *Link) Toggle(ctx context.Context, enabled bool) State {
	return l.mutate(ctx, forwardToggle, func(s LocalState) LocalState {
		s.Enabled = enabled
		return s
	})
}

// UpdatePreferences merges patch into the local preferences.
func (l *Link) UpdatePreferences(ctx context.Context, patch domain.PreferencesPatch) State {
	return l.mutate(ctx, forwardPreferences, func(s LocalState) LocalState {
		s.Preferences = s.Preferences.Merge(patch)
		return s
	})
}

// ResetPreferences restores the default preferences.
func (l *Link) ResetPreferences(ctx context.Context) State {
	return l.mutate(ctx, forwardPreferences, func(s LocalState) LocalState {
		s.Preferences = domain.DefaultPreferences()
		return s
	})
}

// AddDisabledSite adds site to the disabled list.
func (l *Link) AddDisabledSite(ctx context.Context, site string) State {
	return l.mutate(ctx, forwardChanges, func(s LocalState) LocalState {
		s.Preferences = s.Preferences.WithDisabledSite(site)
		return s
	})
}

// RemoveDisabledSite removes site from the disabled list.
func (l *Link) RemoveDisabledSite(ctx context.Context, site string) State {
	return l.mutate(ctx, forwardChanges, func(s LocalState) LocalState {
		s.Preferences = s.Preferences.WithoutDisabledSite(site)
		return s
	})
}

// AddAlwaysEnabledSite adds site to the always-enabled list.
func (l *Link) AddAlwaysEnabledSite(ctx context.Context, site string) State {
	return l.mutate(ctx, forwardChanges, func(s LocalState) LocalState {
		s.Preferences = s.Preferences.WithAlwaysEnabledSite(site)
		return s
	})
}

// RemoveAlwaysEnabledSite removes site from the always-enabled list.
func (l *Link) RemoveAlwaysEnabledSite(ctx context.Context, site string) State {
	return l.mutate(ctx, forwardChanges, func(s LocalState) LocalState {
		s.Preferences = s.Preferences.WithoutAlwaysEnabledSite(site)
		return s
	})
}

// forward selects what a mutation sends to the relay.
type forward int

const (
	// forwardChanges sends only what actually changed.
	forwardChanges forward = iota
	forwardToggle
	forwardPreferences
)

// mutate applies change locally, persists it, forwards it to the relay and
// reports the active tab again.
func (l *Link) mutate(ctx context.Context, f forward, change func(LocalState) LocalState) State {
	l.mu.Lock()
	before := l.localLocked()
	after := change(before)
	after.Preferences = after.Preferences.Normalize()
	toggled := before.Enabled != after.Enabled
	prefsChanged := !before.Preferences.Equal(after.Preferences)
	l.enabled = after.Enabled
	l.prefs = after.Preferences
	conn := l.conn
	l.mu.Unlock()

	if toggled || prefsChanged {
		l.save(after)
	}

	sendToggle := toggled || f == forwardToggle
	sendPrefs := prefsChanged || f == forwardPreferences
	if conn != nil && (sendToggle || sendPrefs) {
		if sendToggle {
			l.send(ctx, conn, domain.ToggleMessage{Type: domain.TypeToggle, Enabled: after.Enabled})
		}
		if sendPrefs {
			l.sendPreferences(ctx, conn, after.Preferences)
		}
		l.refresh(ctx)
	}
	l.publish()
	return l.State()
}

func (l *Link) sendPreferences(ctx context.Context, conn Conn, prefs domain.Preferences) {
	patch := prefs.Patch()
	l.send(ctx, conn, domain.UpdatePreferencesMessage{Type: domain.TypeUpdatePreferences, Preferences: &patch})
}

func (l *Link) send(ctx context.Context, conn Conn, v any) {
	if err := l.write(ctx, conn, v); err != nil {
		l.logger.Warn("Failed to send to relay", "error", err)
	}
}

func (l *Link) write(ctx context.Context, conn Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	return conn.Write(wctx, websocket.MessageText, data)
}

func (l *Link) save(s LocalState) {
	if l.file == nil {
		return
	}
	if err := l.file.Save(s); err != nil {
		l.logger.Error("Failed to persist agent state", "path", l.file.Path(), "error", err)
	}
}

func (l *Link) publish() {
	l.mu.Lock()
	st := l.stateLocked()
	listeners := append(([]func(State))(nil), l.listeners...)
	l.mu.Unlock()

	for _, fn := range listeners {
		fn(st)
	}
}
