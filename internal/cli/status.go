package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ashureev/webpresence/internal/api"
	"github.com/ashureev/webpresence/internal/health"
)

var statusGRPCAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the status of the relay",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusGRPCAddr, "grpc", "", "Also probe the gRPC health server at this address")
}

func runStatus(cmd *cobra.Command, _ []string) error {
	w := cmd.OutOrStdout()
	client := newRelayClient(apiURL)

	st, err := client.Status(cmd.Context())
	if errors.Is(err, errRelayDown) {
		label(w, "Relay running: ")
		color.New(color.FgRed).Fprintln(w, "No")
		color.New(color.FgCyan).Fprintln(w, "\nTo start the relay, run:\n  webpresence serve")
		return nil
	}
	if err != nil {
		return err
	}

	printStatus(w, st)

	if statusGRPCAddr != "" {
		label(w, "gRPC health: ")
		serving, err := health.Probe(cmd.Context(), statusGRPCAddr)
		if err != nil {
			color.New(color.FgRed).Fprintf(w, "UNREACHABLE (%v)\n", err)
		} else {
			color.New(color.FgGreen).Fprintln(w, serving.String())
		}
	}
	return nil
}

func printStatus(w io.Writer, st *api.StatusResponse) {
	label(w, "Relay running: ")
	yesNo(w, st.Running, color.FgRed)
	label(w, "Discord connected: ")
	yesNo(w, st.DiscordConnected, color.FgYellow)
	label(w, "Presence enabled: ")
	yesNo(w, st.PresenceEnabled, color.FgYellow)
	label(w, "Agents: ")
	color.New(color.FgGreen).Fprintln(w, st.Agents)
	printPreferences(w, st.Preferences)
}

func label(w io.Writer, s string) {
	color.New(color.FgBlue).Fprint(w, s)
}

func yesNo(w io.Writer, v bool, falseColor color.Attribute) {
	if v {
		color.New(color.FgGreen).Fprintln(w, "Yes")
		return
	}
	color.New(falseColor).Fprintln(w, "No")
}

func printSites(w io.Writer, title string, sites []string) {
	label(w, fmt.Sprintf("\n%s:\n", title))
	gray := color.New(color.FgHiBlack)
	if len(sites) == 0 {
		gray.Fprintln(w, "  None")
		return
	}
	for _, s := range sites {
		gray.Fprintf(w, "  - %s\n", s)
	}
}
