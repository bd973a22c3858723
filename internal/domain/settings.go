package domain

import "time"

// Settings is the relay state that survives a restart.
type Settings struct {
	Enabled     bool
	Preferences Preferences
	UpdatedAt   time.Time
}

// DefaultSettings returns the settings of a fresh install.
func DefaultSettings() Settings {
	return Settings{
		Enabled:     true,
		Preferences: DefaultPreferences(),
	}
}
