// Package cli implements the webpresence commands.
package cli

import (
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ashureev/webpresence/internal/config"
)

var apiURL string

var rootCmd = &cobra.Command{
	Use:   "webpresence",
	Short: "Show the website you are viewing as Discord Rich Presence",
	Long: `WebPresence relays "viewing website" events from browser agents to
Discord Rich Presence. Run "webpresence serve" to start the relay.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", config.DefaultAPIURL(), "Control API of the running relay")

	// Add subcommands (alphabetical)
	rootCmd.AddCommand(agentCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(toggleCmd)
	rootCmd.AddCommand(versionCmd)
}

func loadDotEnv() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}
}
