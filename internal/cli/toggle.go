package cli

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	toggleOn  bool
	toggleOff bool
)

var toggleCmd = &cobra.Command{
	Use:   "toggle",
	Short: "Toggle Discord presence on or off",
	RunE:  runToggle,
}

func init() {
	toggleCmd.Flags().BoolVar(&toggleOn, "on", false, "Enable Discord presence")
	toggleCmd.Flags().BoolVar(&toggleOff, "off", false, "Disable Discord presence")
	toggleCmd.MarkFlagsMutuallyExclusive("on", "off")
}

func runToggle(cmd *cobra.Command, _ []string) error {
	var enabled *bool
	switch {
	case toggleOn:
		v := true
		enabled = &v
	case toggleOff:
		v := false
		enabled = &v
	}

	got, err := newRelayClient(apiURL).Toggle(cmd.Context(), enabled)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if got {
		color.New(color.FgGreen).Fprintln(w, "Discord presence enabled")
	} else {
		color.New(color.FgYellow).Fprintln(w, "Discord presence disabled")
	}
	return nil
}
