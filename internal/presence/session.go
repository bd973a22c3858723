package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ashureev/webpresence/internal/domain"
	"github.com/ashureev/webpresence/internal/retry"
	"github.com/ashureev/webpresence/internal/siteicons"
)

var (
	// ErrNotReady is returned when the presence service is not ready.
	ErrNotReady = errors.New("presence service not ready")
	// ErrTimeout is returned when a call to the presence service does not finish in time.
	ErrTimeout = errors.New("presence call timed out")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("presence session closed")
)

const (
	defaultCallTimeout    = 5 * time.Second
	defaultConnectTimeout = 15 * time.Second
)

// Config configures a Session.
type Config struct {
	ClientID       string
	Retry          retry.Policy
	CallTimeout    time.Duration
	ConnectTimeout time.Duration
	Branding       Branding
}

// Status is a snapshot of the session.
type Status struct {
	State             State
	ReconnectAttempts int
	ActivityStartedAt *time.Time
	RetryPending      bool
}

// Ready reports whether activities can be set.
func (s Status) Ready() bool {
	return s.State == StateReady
}

// Session owns the connection to the presence service: it reconnects with
// backoff, guards every call with a timeout and tracks the elapsed-time anchor.
type Session struct {
	cfg       Config
	newClient ClientFactory
	lookup    IconLookup
	logger    *slog.Logger
	now       func() time.Time
	after     retry.Scheduler

	mu         sync.Mutex
	state      State
	client     Client
	gen        uint64
	connecting bool
	attempts   int
	retryTimer retry.Timer
	retrySeq   uint64
	startedAt  *time.Time
	closed     bool
	listeners  []func(Status)
}

// Option customizes a Session.
type Option func(*Session)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithScheduler replaces time.AfterFunc for reconnect timers.
func WithScheduler(after retry.Scheduler) Option {
	return func(s *Session) { s.after = after }
}

// WithIconLookup replaces the site icon table.
func WithIconLookup(lookup IconLookup) Option {
	return func(s *Session) { s.lookup = lookup }
}

// NewSession creates a disconnected session. Call Connect to start it.
func NewSession(cfg Config, newClient ClientFactory, opts ...Option) *Session {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	s := &Session{
		cfg:       cfg,
		newClient: newClient,
		lookup:    siteicons.Lookup,
		logger:    slog.Default(),
		now:       time.Now,
		after:     retry.AfterFunc,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe registers fn to be called after every state change.
func (s *Session) Subscribe(fn func(Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

// Ready reports whether the presence service is ready for activities.
func (s *Session) Ready() bool {
	return s.Status().Ready()
}

// Connect replaces the current client with a new one and logs in. It is a
// no-op while another Connect is in flight. Failures schedule a retry.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.connecting {
		s.mu.Unlock()
		s.logger.Info("Presence connection already in progress, skipping duplicate attempt")
		return nil
	}
	s.stopRetryLocked()
	s.connecting = true
	s.gen++
	gen := s.gen
	old := s.client
	s.client = nil
	if s.state != StateDisconnected {
		s.transitionLocked(StateDisconnected)
	}
	s.transitionLocked(StateConnecting)
	s.mu.Unlock()
	s.publish()

	if old != nil {
		s.logger.Info("Cleaning up previous presence client")
		if err := old.Close(); err != nil {
			s.logger.Warn("Error closing previous presence client (non-critical)", "error", err)
		}
	}

	client := s.newClient(s.handlers(gen))

	s.mu.Lock()
	if s.closed {
		s.connecting = false
		s.mu.Unlock()
		_ = client.Close()
		return ErrClosed
	}
	s.client = client
	s.mu.Unlock()

	s.logger.Info("Logging in to presence service", "client_id", s.cfg.ClientID)
	err := s.guard(func() error { return client.Login(ctx, s.cfg.ClientID) })

	s.mu.Lock()
	s.connecting = false
	rearmed := false
	switch {
	case err != nil && gen == s.gen:
		s.failLocked()
	case gen != s.gen && s.retryTimer == nil && s.state == StateDisconnected && !s.closed:
		// The connection dropped during login and its retry already fired
		// while this attempt was still in flight.
		s.logger.Info("Presence retry skipped during login, rescheduling")
		s.scheduleLocked(0)
		rearmed = true
	}
	s.mu.Unlock()

	if err == nil {
		if rearmed {
			s.publish()
		}
		return nil
	}
	s.publish()
	s.logger.Error("Presence login failed", "error", err)
	return fmt.Errorf("presence login: %w", err)
}

// SetActivity shows view as the current activity. It fails with ErrNotReady
// unless the session is ready. A failed call drops the connection and
// reconnects immediately.
func (s *Session) SetActivity(ctx context.Context, view domain.PageView, prefs domain.Preferences) error {
	s.mu.Lock()
	if s.state != StateReady || s.client == nil {
		s.mu.Unlock()
		return ErrNotReady
	}
	client, gen := s.client, s.gen
	start := s.now()
	if s.startedAt != nil && prefs.ContinuousTimer {
		start = *s.startedAt
	}
	s.mu.Unlock()

	activity := Format(view, prefs, s.cfg.Branding, start, s.lookup)
	if icon := activity.LargeImageKey; icon != s.cfg.Branding.LargeImageKey {
		s.logger.Debug("Using custom icon", "icon", icon, "url", view.URL)
	}

	err := s.call(ctx, func(ctx context.Context) error {
		return client.SetActivity(ctx, activity)
	})

	s.mu.Lock()
	if err != nil {
		broken := gen == s.gen
		if broken {
			s.breakLocked()
		}
		s.mu.Unlock()
		if broken {
			s.logger.Warn("Presence connection appears broken, reconnecting", "error", err)
			s.publish()
		}
		return fmt.Errorf("set activity: %w", err)
	}
	if gen == s.gen {
		s.startedAt = &start
	}
	s.mu.Unlock()
	return nil
}

// ClearActivity removes the current activity and resets the elapsed-time anchor.
func (s *Session) ClearActivity(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateReady || s.client == nil {
		s.mu.Unlock()
		return ErrNotReady
	}
	client, gen := s.client, s.gen
	s.mu.Unlock()

	err := s.call(ctx, client.ClearActivity)

	s.mu.Lock()
	if err != nil {
		broken := gen == s.gen
		if broken {
			s.breakLocked()
		}
		s.mu.Unlock()
		if broken {
			s.logger.Warn("Presence connection appears broken, reconnecting", "error", err)
			s.publish()
		}
		return fmt.Errorf("clear activity: %w", err)
	}
	s.startedAt = nil
	s.mu.Unlock()
	s.logger.Info("Cleared presence")
	return nil
}

// ResetTimestamp forgets the elapsed-time anchor without touching the connection.
func (s *Session) ResetTimestamp() {
	s.mu.Lock()
	s.startedAt = nil
	s.mu.Unlock()
}

// Close stops reconnecting and closes the current client.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.stopRetryLocked()
	s.gen++
	client := s.client
	s.client = nil
	s.startedAt = nil
	if s.state != StateDisconnected {
		s.transitionLocked(StateDisconnected)
	}
	s.mu.Unlock()
	s.publish()

	if client == nil {
		return nil
	}
	if err := client.Close(); err != nil {
		return fmt.Errorf("close presence client: %w", err)
	}
	return nil
}

func (s *Session) handlers(gen uint64) Handlers {
	return Handlers{
		Connected: func() {
			s.mu.Lock()
			if gen != s.gen {
				s.mu.Unlock()
				return
			}
			changed := s.transitionLocked(StateConnected)
			s.mu.Unlock()
			if changed {
				s.logger.Info("Connected to presence service")
				s.publish()
			}
		},
		Ready: func(u User) {
			s.mu.Lock()
			if gen != s.gen {
				s.mu.Unlock()
				return
			}
			changed := s.transitionLocked(StateReady)
			s.attempts = 0
			s.mu.Unlock()
			if changed {
				s.logger.Info("Presence service ready", "user", u.Username, "user_id", u.ID)
				s.publish()
			}
		},
		Disconnected: func(err error) {
			s.mu.Lock()
			if gen != s.gen {
				s.mu.Unlock()
				return
			}
			s.failLocked()
			s.mu.Unlock()
			s.logger.Warn("Disconnected from presence service", "error", err)
			s.publish()
		},
		Error: func(err error) {
			s.logger.Error("Presence client error", "error", err)
		},
	}
}

// failLocked handles a lost connection or failed login: the client is
// invalidated and a retry is scheduled with backoff.
func (s *Session) failLocked() {
	s.gen++
	if s.state != StateDisconnected {
		s.transitionLocked(StateDisconnected)
	}
	var delay time.Duration
	prev := s.attempts
	s.attempts, delay = s.cfg.Retry.Next(s.attempts)
	if s.attempts < prev {
		s.logger.Warn("Maximum reconnect attempts reached, backing off", "max_attempts", s.cfg.Retry.MaxAttempts, "delay", delay)
	} else {
		s.logger.Info("Scheduling presence reconnect", "delay", delay, "attempt", s.attempts)
	}
	s.scheduleLocked(delay)
}

// breakLocked handles a failed call on a live connection: reconnect now.
func (s *Session) breakLocked() {
	s.gen++
	if s.state != StateDisconnected {
		s.transitionLocked(StateDisconnected)
	}
	s.scheduleLocked(0)
}

func (s *Session) scheduleLocked(delay time.Duration) {
	s.stopRetryLocked()
	if s.closed {
		return
	}
	s.retrySeq++
	seq := s.retrySeq
	s.retryTimer = s.after(delay, func() { s.reconnect(seq) })
}

func (s *Session) stopRetryLocked() {
	if s.retryTimer != nil {
		s.retryTimer.Stop()
		s.retryTimer = nil
	}
}

func (s *Session) reconnect(seq uint64) {
	s.mu.Lock()
	if seq != s.retrySeq || s.retryTimer == nil {
		// Stopped or replaced after it fired.
		s.mu.Unlock()
		return
	}
	s.retryTimer = nil
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
	defer cancel()
	if err := s.Connect(ctx); err != nil && !errors.Is(err, ErrClosed) {
		s.logger.Debug("Presence reconnect attempt failed", "error", err)
	}
}

func (s *Session) transitionLocked(to State) bool {
	if s.state == to {
		return false
	}
	if !CanTransition(s.state, to) {
		s.logger.Debug("Ignoring invalid presence state transition", "from", s.state, "to", to)
		return false
	}
	s.state = to
	return true
}

func (s *Session) statusLocked() Status {
	st := Status{
		State:             s.state,
		ReconnectAttempts: s.attempts,
		RetryPending:      s.retryTimer != nil,
	}
	if s.startedAt != nil {
		t := *s.startedAt
		st.ActivityStartedAt = &t
	}
	return st
}

func (s *Session) publish() {
	s.mu.Lock()
	st := s.statusLocked()
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()
	for _, fn := range listeners {
		fn(st)
	}
}

// call runs fn under the call timeout. A client that ignores ctx still
// releases the caller when the timeout fires.
func (s *Session) call(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- s.guard(func() error { return fn(ctx) })
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("%w after %s", ErrTimeout, s.cfg.CallTimeout)
		}
		return ctx.Err()
	}
}

// guard turns a panic in client code into an error.
func (s *Session) guard(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("presence client panic: %v", r)
		}
	}()
	return fn()
}
