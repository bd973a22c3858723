// Package policy decides whether a page view may be shown as presence.
package policy

import (
	"net/url"
	"strings"
	"sync"

	"github.com/ashureev/webpresence/internal/domain"
)

// Decision is the outcome of evaluating a page view.
type Decision struct {
	// Show reports whether the page may be displayed.
	Show bool
	// ResetTimer asks the caller to restart the elapsed-time anchor.
	ResetTimer bool
	// Clear asks the caller to clear whatever is currently displayed.
	Clear bool
	// Domain is the host the decision was made for.
	Domain string
}

// DomainFromURL returns the lower-cased hostname of rawURL, or the raw string
// when it cannot be parsed.
func DomainFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return rawURL
	}
	return strings.ToLower(u.Hostname())
}

// IsWebURL reports whether rawURL uses http or https.
func IsWebURL(rawURL string) bool {
	lower := strings.ToLower(strings.TrimSpace(rawURL))
	return strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://")
}

// Matches reports whether host contains any of the listed sites,
// ignoring case. Empty entries never match.
func Matches(host string, sites []string) bool {
	host = strings.ToLower(host)
	for _, site := range sites {
		site = strings.ToLower(strings.TrimSpace(site))
		if site != "" && strings.Contains(host, site) {
			return true
		}
	}
	return false
}

// Decide applies the display rules. lastAlwaysEnabled is the always-enabled
// domain that was shown last ("" if none); the second return value is the
// tracker to carry into the next call.
func Decide(host string, prefs domain.Preferences, enabled bool, lastAlwaysEnabled string) (Decision, string) {
	disabled := Matches(host, prefs.DisabledSites)
	always := Matches(host, prefs.AlwaysEnabledSites)
	d := Decision{Domain: host}

	switch {
	case disabled && !always:
		d.Clear = lastAlwaysEnabled != "" || enabled
		return d, ""
	case !enabled && !always:
		d.Clear = lastAlwaysEnabled != ""
		return d, ""
	case !enabled && always:
		d.Show = true
		d.ResetTimer = lastAlwaysEnabled != host
		return d, host
	default:
		d.Show = true
		return d, ""
	}
}

// Engine evaluates page views and remembers the last always-enabled domain
// that was shown while presence was globally disabled.
type Engine struct {
	mu         sync.Mutex
	lastAlways string
}

// NewEngine creates an engine with an empty tracker.
func NewEngine() *Engine {
	return &Engine{}
}

// Evaluate decides for a full URL. Non-HTTP(S) URLs are never shown.
func (e *Engine) Evaluate(rawURL string, prefs domain.Preferences, enabled bool) Decision {
	if !IsWebURL(rawURL) {
		return Decision{Domain: DomainFromURL(rawURL)}
	}
	return e.EvaluateDomain(DomainFromURL(rawURL), prefs, enabled)
}

// EvaluateDomain decides for an already extracted domain.
func (e *Engine) EvaluateDomain(host string, prefs domain.Preferences, enabled bool) Decision {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, next := Decide(host, prefs, enabled, e.lastAlways)
	e.lastAlways = next
	return d
}

// Forget drops the tracker, e.g. after the display was cleared elsewhere.
func (e *Engine) Forget() {
	e.mu.Lock()
	e.lastAlways = ""
	e.mu.Unlock()
}
