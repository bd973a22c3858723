package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/webpresence/internal/api"
	"github.com/ashureev/webpresence/internal/config"
	"github.com/ashureev/webpresence/internal/domain"
	"github.com/ashureev/webpresence/internal/store"
)

type fakeRelay struct {
	mu    sync.Mutex
	state domain.State
}

func (f *fakeRelay) State() domain.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeRelay) Toggle(_ context.Context, enabled *bool) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if enabled == nil {
		f.state.Enabled = !f.state.Enabled
	} else {
		f.state.Enabled = *enabled
	}
	return f.state.Enabled
}

func (f *fakeRelay) UpdatePreferences(_ context.Context, patch domain.PreferencesPatch) domain.Preferences {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.Preferences = f.state.Preferences.Merge(patch)
	return f.state.Preferences
}

func (f *fakeRelay) AgentCount() int { return 1 }

func newAPIServer(t *testing.T) (*httptest.Server, *fakeRelay) {
	t.Helper()
	relay := &fakeRelay{state: domain.State{Enabled: true, Connected: true, Preferences: domain.DefaultPreferences()}}
	r := chi.NewRouter()
	api.NewPresenceHandler(api.NewHandler(relay)).RegisterRoutes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, relay
}

func deadURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	return url
}

// execute runs the root command with args and returns its output.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Cleanup(func() {
		apiURL = config.DefaultAPIURL()
		toggleOn, toggleOff = false, false
		configOpts = configOptions{}
	})
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestRelayClient(t *testing.T) {
	srv, relay := newAPIServer(t)
	c := newRelayClient(srv.URL + "/")
	ctx := context.Background()

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.True(t, st.DiscordConnected)
	assert.Equal(t, 1, st.Agents)

	enabled, err := c.Toggle(ctx, nil)
	require.NoError(t, err)
	assert.False(t, enabled)
	assert.False(t, relay.State().Enabled)

	prefix := "Reading"
	prefs, err := c.UpdatePreferences(ctx, domain.PreferencesPatch{PrefixText: &prefix})
	require.NoError(t, err)
	assert.Equal(t, "Reading", prefs.PrefixText)
}

func TestRelayClient_Down(t *testing.T) {
	_, err := newRelayClient(deadURL(t)).Status(context.Background())
	assert.ErrorIs(t, err, errRelayDown)
}

func TestRelayClient_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		api.Error(w, http.StatusBadRequest, "Missing preferences")
	}))
	defer srv.Close()

	_, err := newRelayClient(srv.URL).UpdatePreferences(context.Background(), domain.PreferencesPatch{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Missing preferences")
	assert.NotErrorIs(t, err, errRelayDown)
}

func TestBuildPatch(t *testing.T) {
	current := domain.DefaultPreferences().WithDisabledSite("a.com").WithAlwaysEnabledSite("b.com")
	off := false

	tests := []struct {
		name        string
		opts        configOptions
		wantChanged bool
		check       func(t *testing.T, p domain.PreferencesPatch)
	}{
		{
			name: "nothing",
			opts: configOptions{View: true},
			check: func(t *testing.T, p domain.PreferencesPatch) {
				assert.Nil(t, p.PrefixText)
				assert.Nil(t, p.DisabledSites)
			},
		},
		{
			name:        "prefix and timer",
			opts:        configOptions{Prefix: "Browsing", ContinuousTimer: &off},
			wantChanged: true,
			check: func(t *testing.T, p domain.PreferencesPatch) {
				assert.Equal(t, "Browsing", *p.PrefixText)
				assert.False(t, *p.ContinuousTimer)
				assert.Nil(t, p.AlwaysEnabledSites)
			},
		},
		{
			name:        "disable site appends",
			opts:        configOptions{DisableSite: "c.com"},
			wantChanged: true,
			check: func(t *testing.T, p domain.PreferencesPatch) {
				assert.Equal(t, []string{"a.com", "c.com"}, p.DisabledSites)
			},
		},
		{
			name:        "enable site removes",
			opts:        configOptions{EnableSite: "a.com"},
			wantChanged: true,
			check: func(t *testing.T, p domain.PreferencesPatch) {
				assert.NotNil(t, p.DisabledSites)
				assert.Empty(t, p.DisabledSites)
			},
		},
		{
			name:        "always show lists",
			opts:        configOptions{AlwaysShow: "d.com", RemoveAlwaysShow: "b.com"},
			wantChanged: true,
			check: func(t *testing.T, p domain.PreferencesPatch) {
				assert.Equal(t, []string{"d.com"}, p.AlwaysEnabledSites)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, changed := buildPatch(current, tt.opts)
			assert.Equal(t, tt.wantChanged, changed)
			tt.check(t, p)
		})
	}
	assert.Equal(t, []string{"a.com"}, current.DisabledSites, "current is not modified")
}

func TestStatusCommand(t *testing.T) {
	srv, _ := newAPIServer(t)
	out, err := execute(t, "status", "--api", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "Relay running: Yes")
	assert.Contains(t, out, "Discord connected: Yes")
	assert.Contains(t, out, "Prefix text: Viewing")
}

func TestStatusCommand_RelayDown(t *testing.T) {
	out, err := execute(t, "status", "--api", deadURL(t))
	require.NoError(t, err)
	assert.Contains(t, out, "Relay running: No")
	assert.Contains(t, out, "webpresence serve")
}

func TestToggleCommand(t *testing.T) {
	srv, relay := newAPIServer(t)
	out, err := execute(t, "toggle", "--off", "--api", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "Discord presence disabled")
	assert.False(t, relay.State().Enabled)
}

func TestConfigCommand_UsesRelay(t *testing.T) {
	srv, relay := newAPIServer(t)
	out, err := execute(t, "config", "--disable-site", "youtube.com", "--api", srv.URL)
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration updated")
	assert.Contains(t, out, "- youtube.com")
	assert.Equal(t, []string{"youtube.com"}, relay.State().Preferences.DisabledSites)
}

func TestConfigCommand_FallsBackToDatabase(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "webpresence.db")
	t.Setenv("DB_PATH", dbPath)

	_, err := execute(t, "config", "--always-show", "github.com", "--api", deadURL(t))
	require.NoError(t, err)

	repo, err := store.NewSQLite(dbPath)
	require.NoError(t, err)
	defer repo.Close()

	saved, err := repo.LoadSettings(context.Background())
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, []string{"github.com"}, saved.Preferences.AlwaysEnabledSites)
	assert.True(t, saved.Enabled)
}

func TestSetupLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "agent_id", "a1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, "a1", line["agent_id"])

	buf.Reset()
	text := setupLogger(config.LoggingConfig{Level: "debug", Format: "text"}, &buf)
	text.With("component", "relay").WithGroup("req").Debug("hello", "id", 7)
	assert.Contains(t, buf.String(), "DBG hello")
	assert.Contains(t, buf.String(), "component=relay")
	assert.Contains(t, buf.String(), "req.id=7")
}
