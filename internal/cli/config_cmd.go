package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ashureev/webpresence/internal/config"
	"github.com/ashureev/webpresence/internal/domain"
	"github.com/ashureev/webpresence/internal/store"
)

// configOptions are the preference edits requested on the command line.
type configOptions struct {
	View             bool
	Prefix           string
	DisableSite      string
	EnableSite       string
	AlwaysShow       string
	RemoveAlwaysShow string
	ContinuousTimer  *bool
}

var (
	configOpts       configOptions
	configContinuous bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or update presence preferences",
	RunE:  runConfig,
}

func init() {
	f := configCmd.Flags()
	f.BoolVar(&configOpts.View, "view", false, "View current preferences")
	f.StringVar(&configOpts.Prefix, "prefix", "", `Set prefix text (e.g. "Viewing", "Browsing")`)
	f.StringVar(&configOpts.DisableSite, "disable-site", "", "Add a site to the disabled list")
	f.StringVar(&configOpts.EnableSite, "enable-site", "", "Remove a site from the disabled list")
	f.StringVar(&configOpts.AlwaysShow, "always-show", "", "Add a site to the always-enabled list")
	f.StringVar(&configOpts.RemoveAlwaysShow, "remove-always-show", "", "Remove a site from the always-enabled list")
	f.BoolVar(&configContinuous, "continuous-timer", true, "Keep the timer running when switching tabs")
}

func runConfig(cmd *cobra.Command, _ []string) error {
	opts := configOpts
	if cmd.Flags().Changed("continuous-timer") {
		v := configContinuous
		opts.ContinuousTimer = &v
	}

	ctx := cmd.Context()
	w := cmd.OutOrStdout()
	client := newRelayClient(apiURL)

	st, err := client.Status(ctx)
	if err != nil && !errors.Is(err, errRelayDown) {
		return err
	}
	relayUp := err == nil

	var current domain.Preferences
	if relayUp {
		current = st.Preferences
	} else {
		current, err = loadStoredPreferences(ctx)
		if err != nil {
			return err
		}
	}

	patch, changed := buildPatch(current, opts)
	if opts.View || !changed {
		color.New(color.Bold).Fprintln(w, "\nWebPresence Configuration:")
		printPreferences(w, current)
		return nil
	}

	var updated domain.Preferences
	if relayUp {
		updated, err = client.UpdatePreferences(ctx, patch)
	} else {
		updated, err = saveStoredPreferences(ctx, patch)
	}
	if err != nil {
		return fmt.Errorf("updating preferences: %w", err)
	}

	color.New(color.FgGreen).Fprintln(w, "Configuration updated")
	printPreferences(w, updated)
	return nil
}

// buildPatch turns the requested edits into a patch on top of current.
// Site lists are sent whole.
func buildPatch(current domain.Preferences, opts configOptions) (domain.PreferencesPatch, bool) {
	var patch domain.PreferencesPatch
	changed := false

	if opts.Prefix != "" {
		prefix := opts.Prefix
		patch.PrefixText = &prefix
		changed = true
	}
	if opts.ContinuousTimer != nil {
		patch.ContinuousTimer = opts.ContinuousTimer
		changed = true
	}

	next := current
	if opts.DisableSite != "" {
		next = next.WithDisabledSite(opts.DisableSite)
	}
	if opts.EnableSite != "" {
		next = next.WithoutDisabledSite(opts.EnableSite)
	}
	if opts.AlwaysShow != "" {
		next = next.WithAlwaysEnabledSite(opts.AlwaysShow)
	}
	if opts.RemoveAlwaysShow != "" {
		next = next.WithoutAlwaysEnabledSite(opts.RemoveAlwaysShow)
	}
	if opts.DisableSite != "" || opts.EnableSite != "" {
		patch.DisabledSites = next.DisabledSites
		changed = true
	}
	if opts.AlwaysShow != "" || opts.RemoveAlwaysShow != "" {
		patch.AlwaysEnabledSites = next.AlwaysEnabledSites
		changed = true
	}
	return patch, changed
}

// loadStoredPreferences reads the relay database directly while the relay is down.
func loadStoredPreferences(ctx context.Context) (domain.Preferences, error) {
	settings, err := openStoredSettings(ctx, func(*store.SQLiteStore, *domain.Settings) error { return nil })
	if err != nil {
		return domain.Preferences{}, err
	}
	return settings.Preferences, nil
}

// saveStoredPreferences applies patch to the relay database directly.
func saveStoredPreferences(ctx context.Context, patch domain.PreferencesPatch) (domain.Preferences, error) {
	settings, err := openStoredSettings(ctx, func(repo *store.SQLiteStore, s *domain.Settings) error {
		s.Preferences = s.Preferences.Merge(patch)
		s.UpdatedAt = time.Now()
		return repo.SaveSettings(ctx, *s)
	})
	if err != nil {
		return domain.Preferences{}, err
	}
	return settings.Preferences, nil
}

func openStoredSettings(ctx context.Context, fn func(*store.SQLiteStore, *domain.Settings) error) (*domain.Settings, error) {
	loadDotEnv()
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	defer repo.Close()

	settings, err := repo.LoadSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}
	if settings == nil {
		d := domain.DefaultSettings()
		settings = &d
	}
	if err := fn(repo, settings); err != nil {
		return nil, err
	}
	return settings, nil
}

func printPreferences(w io.Writer, p domain.Preferences) {
	label(w, "Prefix text: ")
	color.New(color.FgGreen).Fprintln(w, p.PrefixText)
	label(w, "Continuous timer: ")
	if p.ContinuousTimer {
		color.New(color.FgGreen).Fprintln(w, "Enabled")
	} else {
		color.New(color.FgYellow).Fprintln(w, "Disabled")
	}
	printSites(w, "Disabled sites", p.DisabledSites)
	printSites(w, "Always-enabled sites", p.AlwaysEnabledSites)
}
