package presence

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/webpresence/internal/domain"
	"github.com/ashureev/webpresence/internal/retry"
)

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) after(d time.Duration, f func()) retry.Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{delay: d, fn: f}
	s.timers = append(s.timers, t)
	return t
}

func (s *fakeScheduler) delays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, 0, len(s.timers))
	for _, t := range s.timers {
		out = append(out, t.delay)
	}
	return out
}

func (s *fakeScheduler) pending() []*fakeTimer {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*fakeTimer
	for _, t := range s.timers {
		if !t.stopped {
			out = append(out, t)
		}
	}
	return out
}

// fireLast runs the most recent live timer.
func (s *fakeScheduler) fireLast(t *testing.T) {
	t.Helper()
	p := s.pending()
	require.NotEmpty(t, p, "no pending timer")
	last := p[len(p)-1]
	last.stopped = true
	last.fn()
}

type fakeClient struct {
	h Handlers

	mu         sync.Mutex
	loginErr   error
	dropEarly  error
	ready      bool
	loginGate  chan struct{}
	setErr     error
	hang       bool
	activities []Activity
	clears     int
	closed     bool
}

func (c *fakeClient) Login(ctx context.Context, _ string) error {
	if c.dropEarly != nil {
		c.h.Disconnected(c.dropEarly)
	}
	if c.loginGate != nil {
		<-c.loginGate
	}
	if c.loginErr != nil {
		return c.loginErr
	}
	c.h.Connected()
	if c.ready {
		c.h.Ready(User{ID: "1", Username: "tester"})
	}
	return nil
}

func (c *fakeClient) SetActivity(ctx context.Context, a Activity) error {
	if c.hang {
		<-ctx.Done()
		return ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setErr != nil {
		return c.setErr
	}
	c.activities = append(c.activities, a)
	return nil
}

func (c *fakeClient) ClearActivity(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clears++
	return nil
}

func (c *fakeClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeClient) lastActivity(t *testing.T) Activity {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotEmpty(t, c.activities)
	return c.activities[len(c.activities)-1]
}

type harness struct {
	session *Session
	sched   *fakeScheduler
	clients []*fakeClient
	now     time.Time
	// configure is applied to every new client before it is returned.
	configure func(i int, c *fakeClient)
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		sched: &fakeScheduler{},
		now:   time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
	}
	h.configure = func(i int, c *fakeClient) { c.ready = true }
	factory := func(hs Handlers) Client {
		c := &fakeClient{h: hs}
		h.configure(len(h.clients), c)
		h.clients = append(h.clients, c)
		return c
	}
	h.session = NewSession(cfg, factory,
		WithScheduler(h.sched.after),
		WithClock(func() time.Time { return h.now }),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithIconLookup(nil),
	)
	t.Cleanup(func() { _ = h.session.Close() })
	return h
}

func (h *harness) current() *fakeClient {
	return h.clients[len(h.clients)-1]
}

var page = domain.PageView{Title: "Example", URL: "https://example.com"}

func TestSession_ConnectReachesReady(t *testing.T) {
	h := newHarness(t, Config{ClientID: "id"})

	var seen []State
	h.session.Subscribe(func(s Status) { seen = append(seen, s.State) })

	require.NoError(t, h.session.Connect(context.Background()))
	assert.True(t, h.session.Ready())
	assert.Equal(t, []State{StateConnecting, StateConnected, StateReady}, seen)
	assert.Equal(t, 0, h.session.Status().ReconnectAttempts)
}

func TestSession_SetActivityRequiresReady(t *testing.T) {
	h := newHarness(t, Config{ClientID: "id"})
	err := h.session.SetActivity(context.Background(), page, domain.DefaultPreferences())
	assert.ErrorIs(t, err, ErrNotReady)
	assert.ErrorIs(t, h.session.ClearActivity(context.Background()), ErrNotReady)
}

func TestSession_SetActivityFormatsDetails(t *testing.T) {
	h := newHarness(t, Config{ClientID: "id", Branding: Branding{StateText: "via webpresence"}})
	require.NoError(t, h.session.Connect(context.Background()))

	require.NoError(t, h.session.SetActivity(context.Background(), page, domain.DefaultPreferences()))

	a := h.current().lastActivity(t)
	assert.Equal(t, "Viewing - Example", a.Details)
	assert.Equal(t, "via webpresence", a.State)
	assert.Equal(t, h.now, a.StartTimestamp)
	require.NotNil(t, h.session.Status().ActivityStartedAt)
	assert.Equal(t, h.now, *h.session.Status().ActivityStartedAt)
}

func TestSession_ContinuousTimerKeepsAnchor(t *testing.T) {
	h := newHarness(t, Config{ClientID: "id"})
	require.NoError(t, h.session.Connect(context.Background()))
	prefs := domain.DefaultPreferences()
	first := h.now

	require.NoError(t, h.session.SetActivity(context.Background(), page, prefs))
	h.now = h.now.Add(time.Minute)
	require.NoError(t, h.session.SetActivity(context.Background(), page, prefs))
	assert.Equal(t, first, h.current().lastActivity(t).StartTimestamp)

	prefs.ContinuousTimer = false
	require.NoError(t, h.session.SetActivity(context.Background(), page, prefs))
	assert.Equal(t, h.now, h.current().lastActivity(t).StartTimestamp)
}

func TestSession_ResetTimestamp(t *testing.T) {
	h := newHarness(t, Config{ClientID: "id"})
	require.NoError(t, h.session.Connect(context.Background()))
	require.NoError(t, h.session.SetActivity(context.Background(), page, domain.DefaultPreferences()))

	h.session.ResetTimestamp()
	assert.Nil(t, h.session.Status().ActivityStartedAt)
	assert.True(t, h.session.Ready(), "connection untouched")

	h.now = h.now.Add(time.Minute)
	require.NoError(t, h.session.SetActivity(context.Background(), page, domain.DefaultPreferences()))
	assert.Equal(t, h.now, h.current().lastActivity(t).StartTimestamp)
}

func TestSession_ClearActivityIsIdempotent(t *testing.T) {
	h := newHarness(t, Config{ClientID: "id"})
	require.NoError(t, h.session.Connect(context.Background()))
	require.NoError(t, h.session.SetActivity(context.Background(), page, domain.DefaultPreferences()))

	require.NoError(t, h.session.ClearActivity(context.Background()))
	require.NoError(t, h.session.ClearActivity(context.Background()))

	assert.Nil(t, h.session.Status().ActivityStartedAt)
	assert.Equal(t, 2, h.current().clears)
	assert.True(t, h.session.Ready())
}

func TestSession_ThreeDisconnectsBackOff(t *testing.T) {
	h := newHarness(t, Config{ClientID: "id", Retry: retry.DefaultPolicy()})
	h.configure = func(i int, c *fakeClient) { c.ready = i == 0 }
	require.NoError(t, h.session.Connect(context.Background()))

	for i := 0; i < 3; i++ {
		h.current().h.Disconnected(errors.New("pipe closed"))
		assert.Equal(t, StateDisconnected, h.session.Status().State)
		h.sched.fireLast(t)
	}

	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second}, h.sched.delays())
	assert.Equal(t, 3, h.session.Status().ReconnectAttempts)
	assert.Len(t, h.clients, 4)
}

func TestSession_AttemptCeilingFallsBackToLongDelay(t *testing.T) {
	h := newHarness(t, Config{ClientID: "id", Retry: retry.Policy{MaxAttempts: 2, LongDelay: time.Minute}})
	h.configure = func(i int, c *fakeClient) { c.loginErr = errors.New("no ipc socket") }

	for i := 0; i < 3; i++ {
		require.Error(t, h.session.Connect(context.Background()))
	}

	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, time.Minute}, h.sched.delays())
	assert.Equal(t, 1, h.session.Status().ReconnectAttempts)
}

func TestSession_ReadyResetsAttempts(t *testing.T) {
	h := newHarness(t, Config{ClientID: "id"})
	h.configure = func(i int, c *fakeClient) {
		if i == 0 {
			c.loginErr = errors.New("no ipc socket")
		} else {
			c.ready = true
		}
	}
	require.Error(t, h.session.Connect(context.Background()))
	assert.Equal(t, 1, h.session.Status().ReconnectAttempts)

	h.sched.fireLast(t)
	assert.True(t, h.session.Ready())
	assert.Equal(t, 0, h.session.Status().ReconnectAttempts)
}

func TestSession_OnlyOneReconnectTimer(t *testing.T) {
	h := newHarness(t, Config{ClientID: "id"})
	h.configure = func(i int, c *fakeClient) { c.loginErr = errors.New("no ipc socket") }

	require.Error(t, h.session.Connect(context.Background()))
	require.Error(t, h.session.Connect(context.Background()))

	assert.Len(t, h.sched.pending(), 1)
	assert.Len(t, h.sched.delays(), 2)
}

func TestSession_ConcurrentConnectIsNoop(t *testing.T) {
	h := newHarness(t, Config{ClientID: "id"})
	gate := make(chan struct{})
	h.configure = func(i int, c *fakeClient) {
		c.ready = true
		c.loginGate = gate
	}

	done := make(chan error, 1)
	go func() { done <- h.session.Connect(context.Background()) }()

	require.Eventually(t, func() bool {
		return h.session.Status().State == StateConnecting
	}, time.Second, time.Millisecond)

	assert.NoError(t, h.session.Connect(context.Background()))
	close(gate)
	require.NoError(t, <-done)

	assert.Len(t, h.clients, 1)
	assert.True(t, h.session.Ready())
}

func TestSession_StaleClientEventsIgnored(t *testing.T) {
	h := newHarness(t, Config{ClientID: "id"})
	require.NoError(t, h.session.Connect(context.Background()))
	old := h.clients[0]

	require.NoError(t, h.session.Connect(context.Background()))
	assert.True(t, old.closed, "previous client destroyed")

	old.h.Disconnected(errors.New("late"))
	assert.True(t, h.session.Ready())
	assert.Empty(t, h.sched.pending())
}

func TestSession_TimeoutTriggersReconnect(t *testing.T) {
	h := newHarness(t, Config{ClientID: "id", CallTimeout: 20 * time.Millisecond})
	require.NoError(t, h.session.Connect(context.Background()))
	h.current().hang = true

	err := h.session.SetActivity(context.Background(), page, domain.DefaultPreferences())
	require.Error(t, err)

	assert.Equal(t, StateDisconnected, h.session.Status().State)
	assert.Equal(t, []time.Duration{0}, h.sched.delays())

	h.sched.fireLast(t)
	assert.True(t, h.session.Ready())
	assert.Len(t, h.clients, 2)
}

func TestSession_CallErrorIsNotFatal(t *testing.T) {
	h := newHarness(t, Config{ClientID: "id"})
	require.NoError(t, h.session.Connect(context.Background()))
	h.current().setErr = errors.New("ipc write failed")

	err := h.session.SetActivity(context.Background(), page, domain.DefaultPreferences())
	require.Error(t, err)
	assert.Nil(t, h.session.Status().ActivityStartedAt)
	assert.True(t, h.session.Status().RetryPending)
}

func TestSession_CloseStopsRetries(t *testing.T) {
	h := newHarness(t, Config{ClientID: "id"})
	h.configure = func(i int, c *fakeClient) { c.loginErr = errors.New("no ipc socket") }
	require.Error(t, h.session.Connect(context.Background()))
	require.Len(t, h.sched.pending(), 1)

	require.NoError(t, h.session.Close())
	assert.Empty(t, h.sched.pending())
	assert.ErrorIs(t, h.session.Connect(context.Background()), ErrClosed)
}

func TestSession_RetryFiredDuringLoginIsRescheduled(t *testing.T) {
	h := newHarness(t, Config{ClientID: "bad"})
	gate := make(chan struct{})
	rejected := errors.New("discord closed ipc: Invalid Client ID (code 4000)")
	h.configure = func(i int, c *fakeClient) {
		if i == 0 {
			c.dropEarly = rejected
			c.loginErr = rejected
			c.loginGate = gate
			return
		}
		c.ready = true
	}

	done := make(chan error, 1)
	go func() { done <- h.session.Connect(context.Background()) }()

	require.Eventually(t, func() bool {
		return len(h.sched.pending()) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, StateDisconnected, h.session.Status().State)
	assert.Equal(t, 1, h.session.Status().ReconnectAttempts)

	// The backoff timer fires while the first login is still blocked.
	h.sched.fireLast(t)
	assert.False(t, h.session.Status().RetryPending)
	assert.Len(t, h.clients, 1)

	close(gate)
	require.Error(t, <-done)

	st := h.session.Status()
	assert.True(t, st.RetryPending)
	assert.Equal(t, 1, st.ReconnectAttempts)
	require.Len(t, h.sched.pending(), 1)

	h.sched.fireLast(t)
	assert.True(t, h.session.Ready())
	assert.Len(t, h.clients, 2)
}

func TestSession_FiredTimerIsNotPending(t *testing.T) {
	h := newHarness(t, Config{ClientID: "id"})
	h.configure = func(i int, c *fakeClient) { c.loginErr = errors.New("no ipc socket") }
	require.Error(t, h.session.Connect(context.Background()))
	require.True(t, h.session.Status().RetryPending)

	h.configure = func(i int, c *fakeClient) { c.ready = true }
	h.sched.fireLast(t)

	st := h.session.Status()
	assert.True(t, st.Ready())
	assert.False(t, st.RetryPending)
}
