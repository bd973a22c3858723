// Package domain contains core domain types for the WebPresence relay and agent.
package domain

import (
	"slices"
	"strings"
)

// DefaultPrefixText is the prefix shown before the page title.
const DefaultPrefixText = "Viewing"

// Preferences holds the user-facing presence settings shared by agent and relay.
type Preferences struct {
	PrefixText         string   `json:"prefixText" yaml:"prefix_text"`
	DisabledSites      []string `json:"disabledSites" yaml:"disabled_sites"`
	AlwaysEnabledSites []string `json:"alwaysEnabledSites" yaml:"always_enabled_sites"`
	ContinuousTimer    bool     `json:"continuousTimer" yaml:"continuous_timer"`
}

// DefaultPreferences returns the preferences used before the user changes anything.
func DefaultPreferences() Preferences {
	return Preferences{
		PrefixText:         DefaultPrefixText,
		DisabledSites:      []string{},
		AlwaysEnabledSites: []string{},
		ContinuousTimer:    true,
	}
}

// PreferencesPatch is a partial update. Nil fields are left untouched.
type PreferencesPatch struct {
	PrefixText         *string  `json:"prefixText,omitempty"`
	DisabledSites      []string `json:"disabledSites"`
	AlwaysEnabledSites []string `json:"alwaysEnabledSites"`
	ContinuousTimer    *bool    `json:"continuousTimer,omitempty"`
}

// Patch returns a patch that replaces every field with the values in p.
func (p Preferences) Patch() PreferencesPatch {
	prefix := p.PrefixText
	continuous := p.ContinuousTimer
	return PreferencesPatch{
		PrefixText:         &prefix,
		DisabledSites:      nonNil(p.DisabledSites),
		AlwaysEnabledSites: nonNil(p.AlwaysEnabledSites),
		ContinuousTimer:    &continuous,
	}
}

// Merge applies the patch on top of p and returns the normalized result.
// Site lists in the patch replace the existing lists wholesale.
func (p Preferences) Merge(patch PreferencesPatch) Preferences {
	out := p.Clone()
	if patch.PrefixText != nil {
		out.PrefixText = *patch.PrefixText
	}
	if patch.DisabledSites != nil {
		out.DisabledSites = slices.Clone(patch.DisabledSites)
	}
	if patch.AlwaysEnabledSites != nil {
		out.AlwaysEnabledSites = slices.Clone(patch.AlwaysEnabledSites)
	}
	if patch.ContinuousTimer != nil {
		out.ContinuousTimer = *patch.ContinuousTimer
	}
	return out.Normalize()
}

// Normalize trims site entries, drops empty ones and removes duplicates
// (ignoring case) while keeping the first occurrence. An empty prefix falls back to the default.
func (p Preferences) Normalize() Preferences {
	out := p
	if strings.TrimSpace(out.PrefixText) == "" {
		out.PrefixText = DefaultPrefixText
	}
	out.DisabledSites = dedupeSites(p.DisabledSites)
	out.AlwaysEnabledSites = dedupeSites(p.AlwaysEnabledSites)
	return out
}

// Clone returns a deep copy of p.
func (p Preferences) Clone() Preferences {
	out := p
	out.DisabledSites = nonNil(slices.Clone(p.DisabledSites))
	out.AlwaysEnabledSites = nonNil(slices.Clone(p.AlwaysEnabledSites))
	return out
}

// WithDisabledSite returns p with site appended to the disabled list.
func (p Preferences) WithDisabledSite(site string) Preferences {
	out := p.Clone()
	out.DisabledSites = append(out.DisabledSites, site)
	return out.Normalize()
}

// WithoutDisabledSite returns p with site removed from the disabled list.
func (p Preferences) WithoutDisabledSite(site string) Preferences {
	out := p.Clone()
	out.DisabledSites = removeSite(out.DisabledSites, site)
	return out
}

// WithAlwaysEnabledSite returns p with site appended to the always-enabled list.
func (p Preferences) WithAlwaysEnabledSite(site string) Preferences {
	out := p.Clone()
	out.AlwaysEnabledSites = append(out.AlwaysEnabledSites, site)
	return out.Normalize()
}

// WithoutAlwaysEnabledSite returns p with site removed from the always-enabled list.
func (p Preferences) WithoutAlwaysEnabledSite(site string) Preferences {
	out := p.Clone()
	out.AlwaysEnabledSites = removeSite(out.AlwaysEnabledSites, site)
	return out
}

func dedupeSites(sites []string) []string {
	out := make([]string, 0, len(sites))
	seen := make(map[string]struct{}, len(sites))
	for _, s := range sites {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		key := strings.ToLower(s)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	return out
}

func removeSite(sites []string, site string) []string {
	site = strings.TrimSpace(site)
	return slices.DeleteFunc(sites, func(s string) bool { return strings.EqualFold(strings.TrimSpace(s), site) })
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// Equal reports whether p and o hold the same values.
func (p Preferences) Equal(o Preferences) bool {
	return p.PrefixText == o.PrefixText &&
		p.ContinuousTimer == o.ContinuousTimer &&
		slices.Equal(p.DisabledSites, o.DisabledSites) &&
		slices.Equal(p.AlwaysEnabledSites, o.AlwaysEnabledSites)
}
