package presence

import (
	"slices"
	"time"
	"unicode/utf8"

	"github.com/ashureev/webpresence/internal/domain"
	"github.com/ashureev/webpresence/internal/policy"
	"github.com/ashureev/webpresence/internal/siteicons"
)

const (
	maxTitleRunes     = 40
	minImageTextRunes = 2
	defaultImageKey   = "web"
	ellipsis          = "..."
)

// Button is a link shown under the presence.
type Button struct {
	Label string `json:"label" yaml:"label"`
	URL   string `json:"url" yaml:"url"`
}

// Branding holds the fixed parts of every activity.
type Branding struct {
	StateText      string   `yaml:"state_text"`
	LargeImageKey  string   `yaml:"large_image_key"`
	SmallImageKey  string   `yaml:"small_image_key"`
	SmallImageText string   `yaml:"small_image_text"`
	Buttons        []Button `yaml:"buttons"`
}

// Activity is the payload sent to the presence service.
type Activity struct {
	Details        string
	State          string
	StartTimestamp time.Time
	LargeImageKey  string
	LargeImageText string
	SmallImageKey  string
	SmallImageText string
	Buttons        []Button
}

// IconLookup resolves a host to a site icon.
type IconLookup func(host string) (siteicons.Icon, bool)

// Format builds the activity for a page view. It has no side effects.
func Format(view domain.PageView, prefs domain.Preferences, b Branding, start time.Time, lookup IconLookup) Activity {
	host := policy.DomainFromURL(view.URL)

	a := Activity{
		Details:        prefs.PrefixText + " - " + truncate(view.Title, maxTitleRunes),
		State:          b.StateText,
		StartTimestamp: start,
		LargeImageKey:  b.LargeImageKey,
		LargeImageText: host,
		SmallImageKey:  b.SmallImageKey,
		SmallImageText: b.SmallImageText,
		Buttons:        slices.Clone(b.Buttons),
	}
	if a.LargeImageKey == "" {
		a.LargeImageKey = defaultImageKey
	}

	if lookup != nil {
		if icon, ok := lookup(host); ok {
			a.LargeImageKey = icon.Key
			if icon.DisplayName != "" {
				a.LargeImageText = icon.DisplayName
			}
		}
	}

	// The presence service rejects image texts shorter than two characters.
	if utf8.RuneCountInString(a.LargeImageText) < minImageTextRunes {
		a.LargeImageText = host + " website"
	}
	return a
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit-len(ellipsis)]) + ellipsis
}
