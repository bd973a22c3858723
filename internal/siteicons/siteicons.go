// Package siteicons maps well-known domains to Discord asset keys.
package siteicons

import "strings"

// Icon is a presence asset for a site.
type Icon struct {
	Domain      string
	Key         string
	DisplayName string
}

// Entries are ordered so that more specific domains come before the
// domains they are a subdomain of.
var icons = []Icon{
	{"music.youtube.com", "ytmusic", "YouTube Music"},
	{"youtube.com", "youtube", "YouTube"},
	{"youtu.be", "youtube", "YouTube"},
	{"netflix.com", "netflix", "Netflix"},
	{"twitch.tv", "twitch", "Twitch"},
	{"open.spotify.com", "spotify", "Spotify"},
	{"spotify.com", "spotify", "Spotify"},
	{"soundcloud.com", "soundcloud", "SoundCloud"},
	{"disneyplus.com", "disneyplus", "Disney+"},
	{"primevideo.com", "primevideo", "Prime Video"},
	{"hotstar.com", "hotstar", "Disney+ Hotstar"},
	{"hbomax.com", "hbomax", "HBO Max"},
	{"crunchyroll.com", "crunchyroll", "Crunchyroll"},
	{"imdb.com", "imdb", "IMDb"},
	{"instagram.com", "instagram", "Instagram"},
	{"facebook.com", "facebook", "Facebook"},
	{"x.com", "twitter", "Twitter (X)"},
	{"twitter.com", "twitter", "Twitter (X)"},
	{"threads.net", "threads", "Threads"},
	{"linkedin.com", "linkedin", "LinkedIn"},
	{"reddit.com", "reddit", "Reddit"},
	{"tiktok.com", "tiktok", "TikTok"},
	{"discord.com", "discord", "Discord"},
	{"pinterest.com", "pinterest", "Pinterest"},
	{"whatsapp.com", "whatsapp", "WhatsApp"},
	{"telegram.org", "telegram", "Telegram"},
	{"github.dev", "githubdev", "GitHub.dev"},
	{"github.com", "github", "GitHub"},
	{"gitlab.com", "gitlab", "GitLab"},
	{"codepen.io", "codepen", "CodePen"},
	{"replit.com", "replit", "Replit"},
	{"vercel.com", "vercel", "Vercel"},
	{"netlify.com", "netlify", "Netlify"},
	{"npmjs.com", "npm", "npm"},
	{"vscode.dev", "vscode", "VS Code Web"},
	{"stackoverflow.com", "stackoverflow", "Stack Overflow"},
	{"leetcode.com", "leetcode", "LeetCode"},
	{"developer.mozilla.org", "mdn", "MDN Web Docs"},
	{"wikipedia.org", "wikipedia", "Wikipedia"},
	{"chatgpt.com", "chatgpt", "ChatGPT"},
	{"claude.ai", "claude", "Claude"},
	{"google.com", "google", "Google"},
	{"amazon.com", "amazon", "Amazon"},
}

// Lookup returns the icon for host. A host matches an entry when it equals
// the entry's domain or is one of its subdomains.
func Lookup(host string) (Icon, bool) {
	host = strings.TrimSuffix(strings.ToLower(strings.TrimSpace(host)), ".")
	if host == "" {
		return Icon{}, false
	}
	for _, icon := range icons {
		if host == icon.Domain || strings.HasSuffix(host, "."+icon.Domain) {
			return icon, true
		}
	}
	return Icon{}, false
}
