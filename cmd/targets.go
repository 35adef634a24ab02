package cmd

import (
	"github.com/spf13/cobra"
)

func newTargetsCmd() *cobra.Command {
	var flags requestFlags
	cmd := &cobra.Command{
		Use:   "targets",
		Short: "Prints the targets a scan would validate",
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			out, err := appInstance.Targets(cmd.Context(), flags.apply(cmd, appInstance.ScanDefaults()))
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), out)
		},
	}
	flags.bind(cmd)
	return cmd
}
