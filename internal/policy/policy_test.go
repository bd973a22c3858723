package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ashureev/webpresence/internal/domain"
)

func prefsWith(disabled, always []string) domain.Preferences {
	p := domain.DefaultPreferences()
	p.DisabledSites = disabled
	p.AlwaysEnabledSites = always
	return p
}

func TestDomainFromURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://Example.com/path?q=1", "example.com"},
		{"http://sub.example.com:8080/", "sub.example.com"},
		{"not a url", "not a url"},
		{"", ""},
		{"https://[::1", "https://[::1"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, DomainFromURL(tt.in), "input %q", tt.in)
	}
}

func TestIsWebURL(t *testing.T) {
	assert.True(t, IsWebURL("https://example.com"))
	assert.True(t, IsWebURL("HTTP://example.com"))
	assert.False(t, IsWebURL("chrome://extensions"))
	assert.False(t, IsWebURL("file:///tmp/a.html"))
	assert.False(t, IsWebURL(""))
}

func TestMatches(t *testing.T) {
	assert.True(t, Matches("www.example.com", []string{"example.com"}))
	assert.True(t, Matches("WWW.EXAMPLE.COM", []string{"Example.com"}))
	assert.False(t, Matches("example.org", []string{"example.com"}))
	assert.False(t, Matches("example.org", []string{"", "  "}), "empty entries never match")
}

func TestDecide_IsPure(t *testing.T) {
	p := prefsWith([]string{"a.com"}, []string{"b.com"})
	for _, host := range []string{"a.com", "b.com", "c.com"} {
		for _, enabled := range []bool{true, false} {
			for _, last := range []string{"", "b.com", "z.com"} {
				d1, n1 := Decide(host, p, enabled, last)
				d2, n2 := Decide(host, p, enabled, last)
				assert.Equal(t, d1, d2)
				assert.Equal(t, n1, n2)
			}
		}
	}
}

func TestDecide_DisabledNeverShown(t *testing.T) {
	p := prefsWith([]string{"example.com"}, nil)
	for _, enabled := range []bool{true, false} {
		d, next := Decide("example.com", p, enabled, "")
		assert.False(t, d.Show)
		assert.Empty(t, next)
	}
}

func TestDecide_AlwaysEnabledOverridesDisabled(t *testing.T) {
	p := prefsWith([]string{"example.com"}, []string{"example.com"})
	d, _ := Decide("example.com", p, true, "")
	assert.True(t, d.Show)
}

func TestDecide_PresenceOffHidesOrdinarySites(t *testing.T) {
	d, _ := Decide("example.com", domain.DefaultPreferences(), false, "")
	assert.False(t, d.Show)
	assert.False(t, d.Clear)
}

func TestDecide_PresenceOffClearsAfterAlwaysEnabled(t *testing.T) {
	d, next := Decide("example.com", domain.DefaultPreferences(), false, "github.com")
	assert.False(t, d.Show)
	assert.True(t, d.Clear)
	assert.Empty(t, next)
}

func TestDecide_PresenceOn(t *testing.T) {
	d, next := Decide("example.com", domain.DefaultPreferences(), true, "github.com")
	assert.True(t, d.Show)
	assert.False(t, d.ResetTimer)
	assert.Empty(t, next, "tracker is cleared while presence is on")
}

func TestEngine_ResetOnlyOnFirstAlwaysEnabledOccurrence(t *testing.T) {
	e := NewEngine()
	p := prefsWith(nil, []string{"example.com"})

	first := e.Evaluate("https://example.com", p, false)
	second := e.Evaluate("https://example.com/other", p, false)

	assert.True(t, first.Show)
	assert.True(t, first.ResetTimer)
	assert.True(t, second.Show)
	assert.False(t, second.ResetTimer)

	// Switching to another always-enabled site resets again.
	p.AlwaysEnabledSites = append(p.AlwaysEnabledSites, "github.com")
	third := e.Evaluate("https://github.com", p, false)
	assert.True(t, third.ResetTimer)
}

func TestEngine_ForgetRestartsTimer(t *testing.T) {
	e := NewEngine()
	p := prefsWith(nil, []string{"example.com"})

	e.Evaluate("https://example.com", p, false)
	e.Forget()
	d := e.Evaluate("https://example.com", p, false)
	assert.True(t, d.ResetTimer)
}

func TestEngine_NonWebURLNeverShown(t *testing.T) {
	e := NewEngine()
	d := e.Evaluate("chrome://newtab", domain.DefaultPreferences(), true)
	assert.False(t, d.Show)
	assert.False(t, d.Clear)
}
